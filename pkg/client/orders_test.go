package client

import (
	"context"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/dex/lots"
)

func bid(price, size string) PlaceOrderParams {
	return PlaceOrderParams{
		Side:      dex.Bid,
		Price:     decimal.RequireFromString(price),
		Size:      decimal.RequireFromString(size),
		OrderType: dex.Limit,
		SelfTrade: dex.DecrementTake,
	}
}

func TestQuantities(t *testing.T) {
	conv, err := lots.New(10_000, 10_000, 6, 6)
	require.NoError(t, err)

	q, err := Quantities(conv, decimal.RequireFromString("1.5"), decimal.RequireFromString("2.0"))
	require.NoError(t, err)
	assert.Equal(t, OrderQuantities{PriceLots: 1, SizeLots: 200, MaxQuote: 2_000_000}, q)

	_, err = Quantities(conv, decimal.RequireFromString("1.5"), decimal.RequireFromString("0.001"))
	require.ErrorIs(t, err, dex.ErrZeroLotSize)

	_, err = Quantities(conv, decimal.RequireFromString("0.5"), decimal.RequireFromString("1"))
	require.ErrorIs(t, err, dex.ErrZeroLotSize)

	_, err = Quantities(conv, decimal.RequireFromString("1000000000000"), decimal.RequireFromString("1000000"))
	require.ErrorIs(t, err, dex.ErrQuantityOverflow)
}

func TestBuildPlaceOrder(t *testing.T) {
	f := newFixture(t)
	m, err := f.session.LoadMarket(context.Background(), f.market)
	require.NoError(t, err)

	p := bid("1.5", "2")
	p.Owner = f.wallet.PublicKey()
	p.Payer = randomKey(t)

	_, err = BuildPlaceOrder(m, p)
	require.ErrorIs(t, err, dex.ErrTransactionBuild, "open orders account is required")

	p.OpenOrders = randomKey(t)
	ix, err := BuildPlaceOrder(m, p)
	require.NoError(t, err)
	assert.Len(t, ix.Accounts(), 12)
	assert.Equal(t, f.programID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	tag, err := instruction.DecodeTag(data)
	require.NoError(t, err)
	assert.Equal(t, instruction.TagNewOrderV3, tag)

	p.FeeDiscount = randomKey(t)
	ix, err = BuildPlaceOrder(m, p)
	require.NoError(t, err)
	assert.Len(t, ix.Accounts(), 13)

	old := *m
	old.ProgramID = solana.MustPublicKeyFromBase58("4ckmDgGdxQoPDLUkDT3vHgSAkzA3QRdNq5ywwY4sUSJn")
	_, err = BuildPlaceOrder(&old, p)
	require.ErrorIs(t, err, dex.ErrTransactionBuild)
	_, err = BuildCancelOrderByClientID(&old, p.Owner, p.OpenOrders, 1)
	require.ErrorIs(t, err, dex.ErrTransactionBuild)

	state := *m.State
	state.Flags |= layout.FlagDisabled
	disabled := *m
	disabled.State = &state
	_, err = BuildPlaceOrder(&disabled, p)
	require.ErrorIs(t, err, dex.ErrTransactionBuild)
}

func TestPlaceOrderCreatesOpenOrdersInSameTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := bid("1.5", "2")
	p.Payer = randomKey(t)
	p.ClientID = 7
	res, err := f.session.PlaceOrder(ctx, f.market, p)
	require.NoError(t, err)
	assert.True(t, res.CreatedOpenOrders)
	assert.Equal(t, OrderQuantities{PriceLots: 1, SizeLots: 200, MaxQuote: 2_000_000}, res.Quantities)

	sent := f.net.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, []int{-1, int(instruction.TagNewOrderV3)}, instructionTags(t, sent[0], f.programID))
	assert.Equal(t, uint8(2), sent[0].Message.Header.NumRequiredSignatures)

	// the account exists now and is found instead of created
	assert.Equal(t, StateStale, f.session.OpenOrders().State(f.market, f.wallet.PublicKey()))
	p.ClientID = 8
	res2, err := f.session.PlaceOrder(ctx, f.market, p)
	require.NoError(t, err)
	assert.False(t, res2.CreatedOpenOrders)
	assert.Equal(t, res.OpenOrders, res2.OpenOrders)

	sent = f.net.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, []int{int(instruction.TagNewOrderV3)}, instructionTags(t, sent[1], f.programID))

	data, ok := f.net.get(res.OpenOrders)
	require.True(t, ok)
	oo, err := layout.DecodeOpenOrders(data)
	require.NoError(t, err)
	require.Len(t, oo.Orders(), 2)
	assert.Equal(t, dex.Bid, oo.Orders()[0].Side)
	assert.Equal(t, uint64(1), oo.Orders()[0].Price)
}

func TestPlaceOrderValidatesBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.session.LoadMarket(ctx, f.market)
	require.NoError(t, err)
	f.net.resetCalls()

	_, err = f.session.PlaceOrder(ctx, f.market, bid("1.5", "0.001"))
	require.ErrorIs(t, err, dex.ErrZeroLotSize)

	_, err = f.session.PlaceOrder(ctx, f.market, bid("1000000000000", "1000000"))
	require.ErrorIs(t, err, dex.ErrQuantityOverflow)

	for _, op := range []string{"get_account", "get_program_accounts", "get_balance", "get_rent", "send"} {
		assert.Zero(t, f.net.count(op), op)
	}
}

func TestPlaceOrderRejectedReleasesCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.onSend = func(*solana.Transaction) (dex.TxStatus, error) {
		return dex.TxUnknown, fmt.Errorf("%w: insufficient funds", dex.ErrNetworkRejected)
	}

	_, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
	require.ErrorIs(t, err, dex.ErrNetworkRejected)
	assert.Equal(t, StateUnknown, f.session.OpenOrders().State(f.market, f.wallet.PublicKey()))

	f.net.onSend = nil
	res, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
	require.NoError(t, err)
	assert.True(t, res.CreatedOpenOrders)
}

func TestCancelOrdersReportsPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := bid("1.5", "2")
	p.Payer = randomKey(t)
	p.ClientID = 7
	placed, err := f.session.PlaceOrder(ctx, f.market, p)
	require.NoError(t, err)

	results, err := f.session.CancelOrders(ctx, f.market, []CancelRequest{{ClientID: 7}, {ClientID: 99}})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	assert.False(t, results[0].Value.IsZero())
	assert.False(t, results[1].OK())

	sent := f.net.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, []int{int(instruction.TagCancelOrderByClientIDV2)}, instructionTags(t, sent[1], f.programID))

	data, _ := f.net.get(placed.OpenOrders)
	oo, err := layout.DecodeOpenOrders(data)
	require.NoError(t, err)
	assert.Empty(t, oo.Orders())
}

func TestCancelOrderByOrderID(t *testing.T) {
	f := newFixture(t)
	addr := f.addOpenOrders(t, func(oo *layout.OpenOrders) {
		oo.FreeSlotBits = oo.FreeSlotBits.SetBit(3, false)
		oo.OrderIDs[3] = layout.U128{Lo: 11, Hi: 2}
	})

	_, err := f.session.CancelOrder(context.Background(), f.market, CancelRequest{OrderID: layout.U128{Lo: 11, Hi: 2}})
	require.NoError(t, err)

	sent := f.net.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, []int{int(instruction.TagCancelOrderV2)}, instructionTags(t, sent[0], f.programID))
	keys := sent[0].Message.AccountKeys
	assert.Contains(t, keys, addr)
}

func TestSettleAndUnsettledBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.wallet.PublicKey()
	addr := f.addOpenOrders(t, func(oo *layout.OpenOrders) {
		oo.BaseTokenFree, oo.BaseTokenTotal = 2_000_000, 3_000_000
		oo.QuoteTokenFree, oo.QuoteTokenTotal = 1_500_000, 1_500_000
	})

	balances, err := f.session.UnsettledBalances(ctx, f.market, owner)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, addr, balances[0].OpenOrders)
	assert.Equal(t, "2", balances[0].Base.String())
	assert.Equal(t, "1.5", balances[0].Quote.String())

	_, err = f.session.Settle(ctx, f.market, SettleParams{BaseWallet: randomKey(t), QuoteWallet: randomKey(t)})
	require.NoError(t, err)

	sent := f.net.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, []int{int(instruction.TagSettleFunds)}, instructionTags(t, sent[0], f.programID))
	m, err := f.session.LoadMarket(ctx, f.market)
	require.NoError(t, err)
	assert.Contains(t, sent[0].Message.AccountKeys, m.VaultSigner)

	balances, err = f.session.UnsettledBalances(ctx, f.market, owner)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Zero(t, balances[0].BaseFree)
	assert.Zero(t, balances[0].QuoteFree)
}

func TestSettleWithoutOpenOrders(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Settle(context.Background(), f.market, SettleParams{BaseWallet: randomKey(t), QuoteWallet: randomKey(t)})
	require.ErrorIs(t, err, errNoOpenOrders)
	assert.Empty(t, f.net.sentTxs())
}

func TestBuildSettleReferrer(t *testing.T) {
	f := newFixture(t)
	m, err := f.session.LoadMarket(context.Background(), f.market)
	require.NoError(t, err)

	p := SettleParams{Owner: f.wallet.PublicKey(), OpenOrders: randomKey(t), BaseWallet: randomKey(t), QuoteWallet: randomKey(t)}
	ix, err := BuildSettle(m, p)
	require.NoError(t, err)
	assert.Len(t, ix.Accounts(), 9)

	p.Referrer = randomKey(t)
	ix, err = BuildSettle(m, p)
	require.NoError(t, err)
	assert.Len(t, ix.Accounts(), 10)
}

// timeOutFirstSend leaves the first transaction unconfirmed and confirms the
// rest. It returns the unconfirmed signature holder.
func timeOutFirstSend(f *fixture) *solana.Signature {
	var first solana.Signature
	f.net.onSend = func(tx *solana.Transaction) (dex.TxStatus, error) {
		if first.IsZero() {
			first = tx.Signatures[0]
			return dex.TxPending, nil
		}
		return dex.TxConfirmed, nil
	}
	return &first
}

func TestPlaceOrderTimeoutKeepsCreationPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.wallet.PublicKey()
	mgr := f.session.OpenOrders()
	first := timeOutFirstSend(f)

	_, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
	require.ErrorIs(t, err, dex.ErrNetworkTimeout)
	assert.Equal(t, StateCreating, mgr.State(f.market, owner))

	res, err := mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	require.Equal(t, StateCreating, res.State)
	pending := res.Pending
	require.False(t, pending.IsZero())

	// a retry while the first transaction may still land creates nothing
	_, err = f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
	require.Error(t, err)
	assert.Len(t, f.net.sentTxs(), 1)

	// other mutations do not forget the in-flight creation
	mgr.Invalidate(f.market, owner)
	assert.Equal(t, StateCreating, mgr.State(f.market, owner))

	f.net.land(t, *first)
	f.net.scanErr = dex.ErrNetworkTimeout
	res, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, StateCreating, res.State, "a failed scan keeps the creation")
	assert.False(t, res.Reliable)

	f.net.scanErr = nil
	res, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, StateFound, res.State)
	assert.Equal(t, []solana.PublicKey{pending}, res.Addresses())

	placed, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
	require.NoError(t, err)
	assert.False(t, placed.CreatedOpenOrders)
	assert.Equal(t, pending, placed.OpenOrders)

	res, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Len(t, res.Accounts, 1)
}

func TestPlaceOrderTimeoutReleasedByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(f *fixture, sig solana.Signature)
	}{
		{"failed", func(f *fixture, sig solana.Signature) { f.net.setStatus(sig, dex.TxFailed) }},
		{"expired", func(f *fixture, sig solana.Signature) { f.clock.Advance(pendingExpiry) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			first := timeOutFirstSend(f)

			_, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
			require.ErrorIs(t, err, dex.ErrNetworkTimeout)
			pending, err := f.session.OpenOrders().Resolve(ctx, f.market, f.wallet.PublicKey())
			require.NoError(t, err)

			tt.resolve(f, *first)
			placed, err := f.session.PlaceOrder(ctx, f.market, bid("1.5", "2"))
			require.NoError(t, err)
			assert.True(t, placed.CreatedOpenOrders)
			assert.NotEqual(t, pending.Pending, placed.OpenOrders)
			assert.Len(t, f.net.sentTxs(), 2)
		})
	}
}
