package client

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
)

// SettleParams names the accounts a settlement moves funds between.
type SettleParams struct {
	Owner       solana.PublicKey
	OpenOrders  solana.PublicKey
	BaseWallet  solana.PublicKey
	QuoteWallet solana.PublicKey
	Referrer    solana.PublicKey // optional quote token account
}

// BuildSettle builds a SettleFunds instruction that moves the free base
// and quote balances of an open orders account to the owner's wallets.
func BuildSettle(m *MarketInfo, p SettleParams) (solana.Instruction, error) {
	return instruction.SettleFunds(m.ProgramID, m.Accounts(), instruction.SettleAccounts{
		OpenOrders:  p.OpenOrders,
		Owner:       p.Owner,
		BaseWallet:  p.BaseWallet,
		QuoteWallet: p.QuoteWallet,
		VaultSigner: m.VaultSigner,
		Referrer:    p.Referrer,
	})
}

// Settle settles one of the wallet's open orders accounts. With no
// OpenOrders given, the first account found in the market is used.
func (s *Session) Settle(ctx context.Context, market solana.PublicKey, p SettleParams) (solana.Signature, error) {
	m, err := s.LoadMarket(ctx, market)
	if err != nil {
		return solana.Signature{}, err
	}
	p.Owner = s.Wallet()
	if p.OpenOrders.IsZero() {
		res, err := s.openOrders.Resolve(ctx, market, p.Owner)
		if err != nil {
			return solana.Signature{}, err
		}
		if len(res.Accounts) == 0 {
			return solana.Signature{}, fmt.Errorf("settle: %w", errNoOpenOrders)
		}
		p.OpenOrders = res.Accounts[0].Address
	}

	ix, err := BuildSettle(m, p)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := s.tx.submit(ctx, []solana.Instruction{ix})
	s.openOrders.Invalidate(market, p.Owner)
	if err != nil {
		return sig, fmt.Errorf("settle: %w", err)
	}
	s.log.Infow("funds_settled", "market", market, "open_orders", p.OpenOrders, "signature", sig)
	return sig, nil
}

// UnsettledBalance is what a settlement of one open orders account would
// pay out.
type UnsettledBalance struct {
	OpenOrders solana.PublicKey
	BaseFree   uint64 // native
	QuoteFree  uint64 // native
	Base       decimal.Decimal
	Quote      decimal.Decimal
}

// UnsettledBalances reads the free balances of every open orders account
// the owner has in a market.
func (s *Session) UnsettledBalances(ctx context.Context, market, owner solana.PublicKey) ([]UnsettledBalance, error) {
	m, err := s.LoadMarket(ctx, market)
	if err != nil {
		return nil, err
	}
	s.openOrders.Invalidate(market, owner)
	res, err := s.openOrders.Resolve(ctx, market, owner)
	if err != nil {
		return nil, err
	}
	if !res.Reliable {
		s.log.Warnw("unsettled_balances_stale", "market", market, "owner", owner, "warning", res.Warning)
	}
	out := make([]UnsettledBalance, 0, len(res.Accounts))
	for _, acc := range res.Accounts {
		out = append(out, UnsettledBalance{
			OpenOrders: acc.Address,
			BaseFree:   acc.State.BaseTokenFree,
			QuoteFree:  acc.State.QuoteTokenFree,
			Base:       m.Lots.BaseNativeToNumber(acc.State.BaseTokenFree),
			Quote:      m.Lots.QuoteNativeToNumber(acc.State.QuoteTokenFree),
		})
	}
	return out, nil
}

// CloseOpenOrders closes an empty open orders account of the wallet and
// returns its rent to the wallet.
func (s *Session) CloseOpenOrders(ctx context.Context, address solana.PublicKey) (solana.Signature, error) {
	owner := s.Wallet()
	ix, oo, err := s.openOrders.Close(ctx, address, owner, owner)
	if err != nil {
		return solana.Signature{}, err
	}
	if _, err := s.LoadMarket(ctx, oo.Market); err != nil {
		return solana.Signature{}, fmt.Errorf("open orders %s belongs to market %s: %w", address, oo.Market, err)
	}
	sig, err := s.tx.submit(ctx, []solana.Instruction{ix})
	s.openOrders.Invalidate(oo.Market, owner)
	if err != nil {
		return sig, fmt.Errorf("close open orders %s: %w", address, err)
	}
	s.log.Infow("open_orders_closed", "address", address, "signature", sig)
	return sig, nil
}
