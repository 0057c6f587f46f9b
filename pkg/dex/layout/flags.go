package layout

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

// AccountFlags is the u64 bitfield stored right after the head padding.
type AccountFlags uint64

const (
	FlagInitialized AccountFlags = 1 << iota
	FlagMarket
	FlagOpenOrders
	FlagRequestQueue
	FlagEventQueue
	FlagBids
	FlagAsks
	FlagDisabled

	knownFlags = FlagInitialized | FlagMarket | FlagOpenOrders | FlagRequestQueue |
		FlagEventQueue | FlagBids | FlagAsks | FlagDisabled
)

func (f AccountFlags) Has(bits AccountFlags) bool { return f&bits == bits }

func (f AccountFlags) String() string {
	names := []struct {
		bit  AccountFlags
		name string
	}{
		{FlagInitialized, "initialized"},
		{FlagMarket, "market"},
		{FlagOpenOrders, "openOrders"},
		{FlagRequestQueue, "requestQueue"},
		{FlagEventQueue, "eventQueue"},
		{FlagBids, "bids"},
		{FlagAsks, "asks"},
		{FlagDisabled, "disabled"},
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if unknown := f &^ knownFlags; unknown != 0 {
		parts = append(parts, fmt.Sprintf("unknown(%#x)", uint64(unknown)))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// validate rejects unknown bits and records of the wrong kind.
func (f AccountFlags) validate(record string, kind AccountFlags) error {
	if unknown := f &^ knownFlags; unknown != 0 {
		return dex.Corrupt(record, fmt.Sprintf("invalid flag bits %#x", uint64(unknown)))
	}
	if !f.Has(FlagInitialized | kind) {
		return dex.Corrupt(record, fmt.Sprintf("flags %s missing %s", f, kind))
	}
	return nil
}

// LayoutVersion discriminates the record layouts used by different
// deployments of the DEX program.
type LayoutVersion uint8

const (
	LayoutV1 LayoutVersion = 1 // no referrer rebates field
	LayoutV2 LayoutVersion = 2
)

func (v LayoutVersion) String() string { return fmt.Sprintf("v%d", uint8(v)) }

// Known program deployments and their on-chain program version.
var programVersions = map[solana.PublicKey]int{
	solana.MustPublicKeyFromBase58("4ckmDgGdxQoPDLUkDT3vHgSAkzA3QRdNq5ywwY4sUSJn"): 1,
	solana.MustPublicKeyFromBase58("BJ3jrUzddfuSrZHXSCxMUUQsjKEyLmuuyZebkcaFp2fg"): 1,
	solana.MustPublicKeyFromBase58("EUqojwWA2rd19FZrzeBncJsm38Jm1hEhE3zsmX3bRc2o"): 2,
	solana.MustPublicKeyFromBase58("9xQeWvG816bX4fWhUosZfqLB4yJBWvtWnjvbb6NxEPaX"): 3,
}

// ProgramVersion returns the program version of a known deployment.
// Unknown program ids are assumed to be the latest (3).
func ProgramVersion(programID solana.PublicKey) int {
	if v, ok := programVersions[programID]; ok {
		return v
	}
	return 3
}

// VersionForProgram maps a program deployment to its record layout.
func VersionForProgram(programID solana.PublicKey) LayoutVersion {
	if ProgramVersion(programID) == 1 {
		return LayoutV1
	}
	return LayoutV2
}
