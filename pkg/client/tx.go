package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/serumdex/pkg/crypto"
	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/util"
)

const defaultPollInterval = 500 * time.Millisecond

// submitter builds, signs, sends and confirms transactions paid for by the
// wallet signer.
type submitter struct {
	net            dex.Network
	signer         dex.Signer
	clock          util.Clock
	log            *zap.SugaredLogger
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// build assembles a transaction and collects every signature: the extra
// keys first (freshly created accounts), then the wallet.
func (s *submitter) build(ctx context.Context, ixs []solana.Instruction, extra ...solana.PrivateKey) (*solana.Transaction, error) {
	hash, err := s.net.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(s.signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dex.ErrTransactionBuild, err)
	}
	if len(extra) > 0 {
		if err := crypto.SignWith(tx, extra...); err != nil {
			return nil, fmt.Errorf("%w: %v", dex.ErrTransactionBuild, err)
		}
	}
	if err := s.signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if !crypto.FullySigned(tx) {
		return nil, fmt.Errorf("%w: transaction is missing signatures", dex.ErrTransactionBuild)
	}
	return tx, nil
}

// send submits a signed transaction. The returned signature is the
// transaction id, known before submission.
func (s *submitter) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.net.SendTransaction(ctx, tx)
	if err != nil {
		return tx.Signatures[0], err
	}
	s.log.Debugw("tx_sent", "signature", sig)
	return sig, nil
}

// confirm polls until the transaction is confirmed, fails, or the confirm
// timeout elapses.
func (s *submitter) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := s.clock.Now().Add(s.confirmTimeout)
	for {
		status, err := s.net.GetSignatureStatus(ctx, sig)
		switch {
		case errors.Is(err, dex.ErrNetworkTimeout):
			return err
		case err != nil:
			s.log.Warnw("signature_status_failed", "signature", sig, "err", err)
		case status == dex.TxConfirmed:
			return nil
		case status == dex.TxFailed:
			return fmt.Errorf("transaction %s failed: %w", sig, dex.ErrNetworkRejected)
		}

		if !s.clock.Now().Before(deadline) {
			return fmt.Errorf("transaction %s not confirmed after %s: %w", sig, s.confirmTimeout, dex.ErrNetworkTimeout)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("transaction %s: %w", sig, dex.ErrNetworkTimeout)
			}
			return ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// submit runs build, send and confirm.
func (s *submitter) submit(ctx context.Context, ixs []solana.Instruction, extra ...solana.PrivateKey) (solana.Signature, error) {
	tx, err := s.build(ctx, ixs, extra...)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := s.send(ctx, tx)
	if err != nil {
		return sig, err
	}
	if err := s.confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}
