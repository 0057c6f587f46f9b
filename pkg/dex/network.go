package dex

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// KeyedAccount is an account returned by a program-accounts scan.
type KeyedAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// AccountFilter matches raw account bytes at a fixed offset (memcmp).
type AccountFilter struct {
	Offset uint64
	Bytes  []byte
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus int

const (
	TxUnknown TxStatus = iota // not seen by the node
	TxPending
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Network is everything the client needs from a cluster RPC node.
// GetAccountInfo returns ErrAccountNotFound for missing accounts.
type Network interface {
	GetAccountInfo(ctx context.Context, address solana.PublicKey) ([]byte, error)
	GetProgramAccounts(ctx context.Context, programID solana.PublicKey, dataSize uint64, filters ...AccountFilter) ([]KeyedAccount, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, span uint64) (uint64, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error)
}

// Signer signs transactions on behalf of the wallet owner.
// Implementations keep the private key; the client never sees it.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}
