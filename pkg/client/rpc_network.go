package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

// RPCNetwork implements dex.Network over a Solana JSON-RPC endpoint.
type RPCNetwork struct {
	rpc           *rpc.Client
	commitment    rpc.CommitmentType
	skipPreflight bool
}

func NewRPCNetwork(url string, commitment string, skipPreflight bool) *RPCNetwork {
	return &RPCNetwork{
		rpc:           rpc.New(url),
		commitment:    rpc.CommitmentType(commitment),
		skipPreflight: skipPreflight,
	}
}

// classify maps transport failures onto the client's error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, dex.ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (n *RPCNetwork) GetAccountInfo(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	res, err := n.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: n.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", address, dex.ErrAccountNotFound)
	}
	if err != nil {
		return nil, classify(ctx, "get account info", err)
	}
	return res.Value.Data.GetBinary(), nil
}

func (n *RPCNetwork) GetProgramAccounts(ctx context.Context, programID solana.PublicKey, dataSize uint64, filters ...dex.AccountFilter) ([]dex.KeyedAccount, error) {
	rpcFilters := []rpc.RPCFilter{{DataSize: dataSize}}
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		})
	}
	res, err := n.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Commitment: n.commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    rpcFilters,
	})
	if err != nil {
		return nil, classify(ctx, "get program accounts", err)
	}
	out := make([]dex.KeyedAccount, 0, len(res))
	for _, acc := range res {
		if acc == nil || acc.Account == nil {
			continue
		}
		out = append(out, dex.KeyedAccount{Address: acc.Pubkey, Data: acc.Account.Data.GetBinary()})
	}
	return out, nil
}

func (n *RPCNetwork) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	res, err := n.rpc.GetBalance(ctx, address, n.commitment)
	if err != nil {
		return 0, classify(ctx, "get balance", err)
	}
	return res.Value, nil
}

func (n *RPCNetwork) GetMinimumBalanceForRentExemption(ctx context.Context, span uint64) (uint64, error) {
	lamports, err := n.rpc.GetMinimumBalanceForRentExemption(ctx, span, n.commitment)
	if err != nil {
		return 0, classify(ctx, "get minimum balance for rent exemption", err)
	}
	return lamports, nil
}

func (n *RPCNetwork) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := n.rpc.GetLatestBlockhash(ctx, n.commitment)
	if err != nil {
		return solana.Hash{}, classify(ctx, "get latest blockhash", err)
	}
	return res.Value.Blockhash, nil
}

// SendTransaction reports node-side refusals (preflight failures, invalid
// signatures) as dex.ErrNetworkRejected.
func (n *RPCNetwork) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := n.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       n.skipPreflight,
		PreflightCommitment: n.commitment,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return solana.Signature{}, fmt.Errorf("send transaction: %w: %v", dex.ErrNetworkTimeout, err)
		}
		return solana.Signature{}, fmt.Errorf("send transaction: %w: %v", dex.ErrNetworkRejected, err)
	}
	return sig, nil
}

func (n *RPCNetwork) GetSignatureStatus(ctx context.Context, sig solana.Signature) (dex.TxStatus, error) {
	res, err := n.rpc.GetSignatureStatuses(ctx, true, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		return dex.TxUnknown, nil
	}
	if err != nil {
		return dex.TxUnknown, classify(ctx, "get signature status", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return dex.TxUnknown, nil
	}
	status := res.Value[0]
	if status.Err != nil {
		return dex.TxFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return dex.TxConfirmed, nil
	default:
		return dex.TxPending, nil
	}
}

var _ dex.Network = (*RPCNetwork)(nil)
