package dex

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every package of the client.
// Callers match with errors.Is; producers wrap with fmt.Errorf("...: %w").
var (
	ErrCorruptAccount       = errors.New("corrupt account data")
	ErrNonceSearchExhausted = errors.New("vault signer nonce search exhausted")
	ErrInsufficientRent     = errors.New("insufficient balance for rent exemption")
	ErrNetworkRejected      = errors.New("transaction rejected by network")
	ErrTransactionBuild     = errors.New("failed to build transaction")
	ErrNetworkTimeout       = errors.New("network timeout")
	ErrZeroLotSize          = errors.New("quantity rounds to zero lots")
	ErrQuantityOverflow     = errors.New("quantity exceeds 64-bit ceiling")
	ErrInvalidLotSize       = errors.New("lot size must be positive")
	ErrInvalidQuantity      = errors.New("quantity is not a finite number")
	ErrStaleCache           = errors.New("open orders cache is stale")
	ErrAccountNotFound      = errors.New("account not found")
	ErrNonZeroBalance       = errors.New("open orders account still holds funds")
	ErrOrphanedVaults       = errors.New("vaults created but market never initialized")
	ErrMarketIncomplete     = errors.New("market initialization transaction unconfirmed")
)

// CorruptAccountError describes why a fixed-span record failed to decode.
type CorruptAccountError struct {
	Record string // "market", "open_orders", ...
	Reason string
	Want   int // expected span, 0 when not a span mismatch
	Got    int
}

func (e *CorruptAccountError) Error() string {
	if e.Want != 0 {
		return fmt.Sprintf("corrupt %s account: %s (want %d bytes, got %d)", e.Record, e.Reason, e.Want, e.Got)
	}
	return fmt.Sprintf("corrupt %s account: %s", e.Record, e.Reason)
}

// Is lets errors.Is(err, ErrCorruptAccount) match any CorruptAccountError.
func (e *CorruptAccountError) Is(target error) bool {
	return target == ErrCorruptAccount
}

// Corrupt builds a CorruptAccountError without a span mismatch.
func Corrupt(record, reason string) error {
	return &CorruptAccountError{Record: record, Reason: reason}
}

// SpanMismatch builds a CorruptAccountError for a wrong data length.
func SpanMismatch(record string, want, got int) error {
	return &CorruptAccountError{Record: record, Reason: "span mismatch", Want: want, Got: got}
}
