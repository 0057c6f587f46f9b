package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
)

func TestLoadMarketCachesAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.session.LoadMarket(ctx, f.market)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), m.BaseDecimals)
	assert.Equal(t, f.state.Bids, m.Accounts().Bids)
	assert.False(t, m.VaultSigner.IsZero())

	calls := f.net.count("get_account")
	_, err = f.session.LoadMarket(ctx, f.market)
	require.NoError(t, err)
	assert.Equal(t, calls, f.net.count("get_account"), "second load must hit the session cache")

	// a new session over the same store does not need the network
	other, err := NewSession(f.net, f.wallet, Options{ProgramID: f.programID, Clock: f.clock, Store: f.store})
	require.NoError(t, err)
	f.net.accountErr = errors.New("offline")
	m2, err := other.LoadMarket(ctx, f.market)
	require.NoError(t, err)
	assert.Equal(t, m.VaultSigner, m2.VaultSigner)
}

func TestLoadMarketRejectsForeignAddress(t *testing.T) {
	f := newFixture(t)
	data, ok := f.net.get(f.market)
	require.True(t, ok)
	alias := randomKey(t)
	f.net.put(alias, f.programID, data)

	_, err := f.session.LoadMarket(context.Background(), alias)
	require.ErrorIs(t, err, dex.ErrCorruptAccount)
}

func TestEnsureTwiceCreatesOneAccount(t *testing.T) {
	f := newFixture(t)
	mgr := f.session.OpenOrders()
	owner := f.wallet.PublicKey()
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, f.market, owner)
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Len(t, first.Instructions, 1)
	assert.Equal(t, first.Address, first.NewAccount.PublicKey())
	assert.Equal(t, StateCreating, mgr.State(f.market, owner))

	second, err := mgr.Ensure(ctx, f.market, owner)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.Pending)
	assert.Empty(t, second.Instructions)
	assert.Equal(t, first.Address, second.Address)
}

func TestEnsureConcurrentCallersShareCreation(t *testing.T) {
	f := newFixture(t)
	mgr := f.session.OpenOrders()
	owner := f.wallet.PublicKey()

	const callers = 8
	results := make([]*EnsureResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := mgr.Ensure(context.Background(), f.market, owner)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Created {
			created++
		}
		assert.Equal(t, results[0].Address, res.Address)
	}
	assert.Equal(t, 1, created)
}

func TestEnsureInsufficientRent(t *testing.T) {
	f := newFixture(t)
	owner := f.wallet.PublicKey()
	f.net.balances[owner] = 1

	_, err := f.session.OpenOrders().Ensure(context.Background(), f.market, owner)
	require.ErrorIs(t, err, dex.ErrInsufficientRent)
	assert.Equal(t, StateUnknown, f.session.OpenOrders().State(f.market, owner), "failed creation must be abandoned")
}

func TestEnsureReusesExistingAccount(t *testing.T) {
	f := newFixture(t)
	addr := f.addOpenOrders(t, nil)

	res, err := f.session.OpenOrders().Ensure(context.Background(), f.market, f.wallet.PublicKey())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, addr, res.Address)
	assert.Zero(t, f.net.count("get_balance"))
}

func TestResolveHonorsTTL(t *testing.T) {
	f := newFixture(t)
	f.addOpenOrders(t, nil)
	mgr := f.session.OpenOrders()
	owner := f.wallet.PublicKey()
	ctx := context.Background()

	res, err := mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, StateFound, res.State)
	assert.True(t, res.Reliable)

	_, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, f.net.count("get_program_accounts"))

	f.clock.Advance(31 * time.Second)
	_, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, f.net.count("get_program_accounts"))

	mgr.Invalidate(f.market, owner)
	assert.Equal(t, StateStale, mgr.State(f.market, owner))
	_, err = mgr.Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, f.net.count("get_program_accounts"))
}

func TestResolveZeroTTLAlwaysFetches(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.OpenOrdersTTL = 0 })
	mgr := f.session.OpenOrders()
	for i := 0; i < 3; i++ {
		res, err := mgr.Resolve(context.Background(), f.market, f.wallet.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, StateNotFound, res.State)
	}
	assert.Equal(t, 3, f.net.count("get_program_accounts"))
}

func TestResolveFallsBackToStaleCache(t *testing.T) {
	f := newFixture(t)
	addr := f.addOpenOrders(t, nil)
	owner := f.wallet.PublicKey()
	ctx := context.Background()

	_, err := f.session.OpenOrders().Resolve(ctx, f.market, owner)
	require.NoError(t, err)

	f.net.scanErr = dex.ErrNetworkTimeout
	f.session.OpenOrders().Invalidate(f.market, owner)
	res, err := f.session.OpenOrders().Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, StateStale, res.State)
	assert.False(t, res.Reliable)
	assert.ErrorIs(t, res.Warning, dex.ErrStaleCache)
	require.Len(t, res.Accounts, 1)
	assert.Equal(t, addr, res.Accounts[0].Address)

	// a fresh session falls back to the store
	other, err := NewSession(f.net, f.wallet, Options{ProgramID: f.programID, Clock: f.clock, Store: f.store})
	require.NoError(t, err)
	res, err = other.OpenOrders().Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.False(t, res.Reliable)
	require.Len(t, res.Accounts, 1)
	assert.Equal(t, addr, res.Accounts[0].Address)

	// without any answer there is nothing to create from
	_, err = other.OpenOrders().Ensure(ctx, f.market, randomKey(t))
	require.Error(t, err)

	// nothing cached anywhere
	bare, err := NewSession(f.net, f.wallet, Options{ProgramID: f.programID, Clock: f.clock})
	require.NoError(t, err)
	_, err = bare.OpenOrders().Resolve(ctx, f.market, owner)
	require.ErrorIs(t, err, dex.ErrNetworkTimeout)
}

func TestResolveSkipsCorruptAccounts(t *testing.T) {
	f := newFixture(t)
	good := f.addOpenOrders(t, nil)
	bad := f.addOpenOrders(t, nil)
	data, _ := f.net.get(bad)
	copy(data[len(data)-7:], "garbage")
	f.net.put(bad, f.programID, data)

	res, err := f.session.OpenOrders().Resolve(context.Background(), f.market, f.wallet.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{good}, res.Addresses())
}

func TestCloseRequiresZeroTotals(t *testing.T) {
	f := newFixture(t)
	owner := f.wallet.PublicKey()
	funded := f.addOpenOrders(t, func(oo *layout.OpenOrders) {
		oo.BaseTokenTotal = 5
		oo.BaseTokenFree = 5
	})

	ix, _, err := f.session.OpenOrders().Close(context.Background(), funded, owner, owner)
	require.ErrorIs(t, err, dex.ErrNonZeroBalance)
	assert.Nil(t, ix)

	_, err = f.session.CloseOpenOrders(context.Background(), funded)
	require.ErrorIs(t, err, dex.ErrNonZeroBalance)
	assert.Empty(t, f.net.sentTxs())

	empty := f.addOpenOrders(t, nil)
	ix, oo, err := f.session.OpenOrders().Close(context.Background(), empty, owner, owner)
	require.NoError(t, err)
	assert.Equal(t, f.market, oo.Market)
	data, err := ix.Data()
	require.NoError(t, err)
	tag, err := instruction.DecodeTag(data)
	require.NoError(t, err)
	assert.Equal(t, instruction.TagCloseOpenOrders, tag)

	_, err = f.session.CloseOpenOrders(context.Background(), empty)
	require.NoError(t, err)
	_, ok := f.net.get(empty)
	assert.False(t, ok)
}

func TestCloseOpenOrdersRefreshesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.wallet.PublicKey()
	addr := f.addOpenOrders(t, nil)

	res, err := f.session.OpenOrders().Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	require.Equal(t, []solana.PublicKey{addr}, res.Addresses())

	_, err = f.session.CloseOpenOrders(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, StateStale, f.session.OpenOrders().State(f.market, owner))

	res, err = f.session.OpenOrders().Resolve(ctx, f.market, owner)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, res.State)
	assert.Empty(t, res.Accounts)
}

func TestCloseOpenOrdersOfUnknownMarket(t *testing.T) {
	f := newFixture(t)
	addr := randomKey(t)
	data, err := layout.NewOpenOrders(layout.LayoutV2, randomKey(t), f.wallet.PublicKey()).Encode()
	require.NoError(t, err)
	f.net.put(addr, f.programID, data)

	_, err = f.session.CloseOpenOrders(context.Background(), addr)
	require.ErrorIs(t, err, dex.ErrAccountNotFound)
	assert.Empty(t, f.net.sentTxs())
}

func TestCloseDecodesWithProgramLayout(t *testing.T) {
	f := newFixture(t)
	owner := f.wallet.PublicKey()
	addr := randomKey(t)
	// a v1 sized account is not an open orders account of a v3 program
	data, err := layout.NewOpenOrders(layout.LayoutV1, f.market, owner).Encode()
	require.NoError(t, err)
	f.net.put(addr, f.programID, data)

	_, _, err = f.session.OpenOrders().Close(context.Background(), addr, owner, owner)
	require.ErrorIs(t, err, dex.ErrCorruptAccount)
}
