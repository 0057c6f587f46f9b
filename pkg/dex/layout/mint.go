package layout

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

const (
	MintSpan         = 82
	TokenAccountSpan = 165
)

// DecodeMintDecimals reads the decimals of an SPL token mint.
func DecodeMintDecimals(data []byte) (uint8, error) {
	if len(data) != MintSpan {
		return 0, dex.SpanMismatch("mint", MintSpan, len(data))
	}
	var mint token.Mint
	if err := mint.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return 0, dex.Corrupt("mint", err.Error())
	}
	if !mint.IsInitialized {
		return 0, dex.Corrupt("mint", "not initialized")
	}
	return mint.Decimals, nil
}
