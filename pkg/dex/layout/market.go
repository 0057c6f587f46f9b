package layout

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

const (
	MarketSpanV1 = 380
	MarketSpanV2 = 388
)

// MarketSpan returns the account size of a market for a layout version.
func MarketSpan(v LayoutVersion) int {
	if v == LayoutV1 {
		return MarketSpanV1
	}
	return MarketSpanV2
}

// Market is the on-chain market state. ReferrerRebatesAccrued only exists
// in LayoutV2 records; Version says which layout the record uses.
type Market struct {
	Version LayoutVersion
	Flags   AccountFlags

	OwnAddress       solana.PublicKey
	VaultSignerNonce uint64

	BaseMint  solana.PublicKey
	QuoteMint solana.PublicKey

	BaseVault         solana.PublicKey
	BaseDepositsTotal uint64
	BaseFeesAccrued   uint64

	QuoteVault         solana.PublicKey
	QuoteDepositsTotal uint64
	QuoteFeesAccrued   uint64
	QuoteDustThreshold uint64

	RequestQueue solana.PublicKey
	EventQueue   solana.PublicKey
	Bids         solana.PublicKey
	Asks         solana.PublicKey

	BaseLotSize  uint64
	QuoteLotSize uint64
	FeeRateBps   uint64

	ReferrerRebatesAccrued uint64
}

// DecodeMarket picks the layout from the data length.
func DecodeMarket(data []byte) (*Market, error) {
	switch len(data) {
	case MarketSpanV1:
		return DecodeMarketVersion(data, LayoutV1)
	case MarketSpanV2:
		return DecodeMarketVersion(data, LayoutV2)
	default:
		return nil, dex.SpanMismatch("market", MarketSpanV2, len(data))
	}
}

// DecodeMarketVersion decodes a market record of a known layout version.
func DecodeMarketVersion(data []byte, v LayoutVersion) (*Market, error) {
	if span := MarketSpan(v); len(data) != span {
		return nil, dex.SpanMismatch("market", span, len(data))
	}
	if err := checkPadding("market", data); err != nil {
		return nil, err
	}

	r := newReader("market", data[headPaddingLen:len(data)-tailPaddingLen])
	m := &Market{Version: v}
	m.Flags = AccountFlags(r.u64())
	m.OwnAddress = r.pubkey()
	m.VaultSignerNonce = r.u64()
	m.BaseMint = r.pubkey()
	m.QuoteMint = r.pubkey()
	m.BaseVault = r.pubkey()
	m.BaseDepositsTotal = r.u64()
	m.BaseFeesAccrued = r.u64()
	m.QuoteVault = r.pubkey()
	m.QuoteDepositsTotal = r.u64()
	m.QuoteFeesAccrued = r.u64()
	m.QuoteDustThreshold = r.u64()
	m.RequestQueue = r.pubkey()
	m.EventQueue = r.pubkey()
	m.Bids = r.pubkey()
	m.Asks = r.pubkey()
	m.BaseLotSize = r.u64()
	m.QuoteLotSize = r.u64()
	m.FeeRateBps = r.u64()
	if v == LayoutV2 {
		m.ReferrerRebatesAccrued = r.u64()
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := m.Flags.validate("market", FlagMarket); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode writes the record in its own layout version.
func (m *Market) Encode() ([]byte, error) {
	if m.Version != LayoutV1 && m.Version != LayoutV2 {
		return nil, fmt.Errorf("encode market: unknown layout %s", m.Version)
	}
	span := MarketSpan(m.Version)
	w := newWriter(span)
	w.raw(headPadding)
	w.u64(uint64(m.Flags))
	w.pubkey(m.OwnAddress)
	w.u64(m.VaultSignerNonce)
	w.pubkey(m.BaseMint)
	w.pubkey(m.QuoteMint)
	w.pubkey(m.BaseVault)
	w.u64(m.BaseDepositsTotal)
	w.u64(m.BaseFeesAccrued)
	w.pubkey(m.QuoteVault)
	w.u64(m.QuoteDepositsTotal)
	w.u64(m.QuoteFeesAccrued)
	w.u64(m.QuoteDustThreshold)
	w.pubkey(m.RequestQueue)
	w.pubkey(m.EventQueue)
	w.pubkey(m.Bids)
	w.pubkey(m.Asks)
	w.u64(m.BaseLotSize)
	w.u64(m.QuoteLotSize)
	w.u64(m.FeeRateBps)
	if m.Version == LayoutV2 {
		w.u64(m.ReferrerRebatesAccrued)
	}
	return w.finish("market", span)
}

// Disabled reports whether the market was disabled by its authority.
func (m *Market) Disabled() bool { return m.Flags.Has(FlagDisabled) }
