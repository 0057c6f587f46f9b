package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/storage"
	"github.com/uhyunpark/serumdex/pkg/util"
)

// State is the cache state of the open orders accounts of one
// (market, owner) pair.
type State int

const (
	StateUnknown State = iota
	StateFound
	StateNotFound
	StateCreating
	StateStale
)

func (s State) String() string {
	switch s {
	case StateFound:
		return "found"
	case StateNotFound:
		return "not_found"
	case StateCreating:
		return "creating"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// OpenOrdersAccount is a decoded open orders account and when it was read.
type OpenOrdersAccount struct {
	Address   solana.PublicKey
	Owner     solana.PublicKey
	Market    solana.PublicKey
	State     *layout.OpenOrders
	FetchedAt time.Time
}

// Resolution is the answer of Resolve. Reliable is false when the accounts
// come from a cache that could not be refreshed; Warning then says why.
type Resolution struct {
	State    State
	Accounts []*OpenOrdersAccount
	Pending  solana.PublicKey // address being created, StateCreating only
	Reliable bool
	Warning  error
}

// Addresses lists the resolved account addresses.
func (r *Resolution) Addresses() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		out = append(out, a.Address)
	}
	return out
}

// EnsureResult names the account an order should use. When Created is set
// the caller must put Instructions ahead of its own and co-sign with
// NewAccount.
type EnsureResult struct {
	Address      solana.PublicKey
	Created      bool
	Pending      bool
	Instructions []solana.Instruction
	NewAccount   solana.PrivateKey
}

type ooKey struct {
	market solana.PublicKey
	owner  solana.PublicKey
}

func (k ooKey) String() string { return k.market.String() + "/" + k.owner.String() }

type ooEntry struct {
	state     State
	accounts  []*OpenOrdersAccount
	pending   solana.PublicKey
	fetchedAt time.Time
	known     bool // set once any answer was obtained

	// submitted is the unconfirmed transaction creating pending.
	submitted   solana.Signature
	submittedAt time.Time
}

// pendingExpiry bounds how long an unconfirmed creation blocks a new one.
// It outlives a recent blockhash (150 slots), after which the transaction
// can no longer land.
const pendingExpiry = 90 * time.Second

// OpenOrdersManager caches open orders accounts per (market, owner) and
// creates them on demand. The mutex guards the map only; it is never held
// across a network call.
type OpenOrdersManager struct {
	net       dex.Network
	programID solana.PublicKey
	version   layout.LayoutVersion
	store     Store
	clock     util.Clock
	ttl       time.Duration
	expiry    time.Duration
	log       *zap.SugaredLogger

	mu      sync.Mutex
	entries map[ooKey]*ooEntry
	fetches singleflight.Group
}

func newOpenOrdersManager(net dex.Network, programID solana.PublicKey, store Store, clock util.Clock, ttl time.Duration, log *zap.SugaredLogger) *OpenOrdersManager {
	return &OpenOrdersManager{
		net:       net,
		programID: programID,
		version:   layout.VersionForProgram(programID),
		store:     store,
		clock:     clock,
		ttl:       ttl,
		expiry:    pendingExpiry,
		log:       log,
		entries:   make(map[ooKey]*ooEntry),
	}
}

func (m *OpenOrdersManager) span() uint64 { return uint64(layout.OpenOrdersSpan(m.version)) }

// fresh reports whether a cached answer may be served without a fetch.
// A zero ttl disables the cache.
func (m *OpenOrdersManager) fresh(e *ooEntry) bool {
	if e.state != StateFound && e.state != StateNotFound {
		return false
	}
	return m.ttl > 0 && m.clock.Now().Sub(e.fetchedAt) < m.ttl
}

func (e *ooEntry) resolution(reliable bool, warning error) *Resolution {
	return &Resolution{
		State:    e.state,
		Accounts: append([]*OpenOrdersAccount(nil), e.accounts...),
		Pending:  e.pending,
		Reliable: reliable,
		Warning:  warning,
	}
}

// State returns the cached state without touching the network.
func (m *OpenOrdersManager) State(market, owner solana.PublicKey) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ooKey{market, owner}]; ok {
		return e.state
	}
	return StateUnknown
}

// Resolve returns the owner's open orders accounts in a market. When the
// network fails and any earlier answer is known, that answer is returned
// marked unreliable instead of an error.
func (m *OpenOrdersManager) Resolve(ctx context.Context, market, owner solana.PublicKey) (*Resolution, error) {
	k := ooKey{market, owner}

	m.mu.Lock()
	if e, ok := m.entries[k]; ok {
		switch {
		case e.state == StateCreating && !e.submitted.IsZero():
			sig, addr, at := e.submitted, e.pending, e.submittedAt
			m.mu.Unlock()
			if res := m.checkSubmitted(ctx, k, sig, addr, at); res != nil {
				return res, nil
			}
			m.mu.Lock()
		case e.state == StateCreating || m.fresh(e):
			res := e.resolution(true, nil)
			m.mu.Unlock()
			return res, nil
		}
	}
	m.mu.Unlock()

	v, err, _ := m.fetches.Do(k.String(), func() (any, error) {
		return m.fetch(ctx, market, owner)
	})
	if err != nil {
		return m.fallback(k, err)
	}
	accounts := v.([]*OpenOrdersAccount)
	now := m.clock.Now()

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &ooEntry{}
		m.entries[k] = e
	}
	if e.state == StateCreating && !containsAddress(accounts, e.pending) {
		// the creating transaction has not landed yet
		res := e.resolution(true, nil)
		m.mu.Unlock()
		return res, nil
	}
	e.accounts = accounts
	e.pending = solana.PublicKey{}
	e.submitted = solana.Signature{}
	e.fetchedAt = now
	e.known = true
	e.state = StateNotFound
	if len(accounts) > 0 {
		e.state = StateFound
	}
	res := e.resolution(true, nil)
	m.mu.Unlock()

	m.persist(k, accounts, now)
	return res, nil
}

// checkSubmitted asks the cluster about an unconfirmed creation. It returns
// the Creating resolution while the transaction may still land, and nil
// once the caller should read the accounts from the chain: the
// transaction landed, failed, or expired without creating the account.
func (m *OpenOrdersManager) checkSubmitted(ctx context.Context, k ooKey, sig solana.Signature, addr solana.PublicKey, at time.Time) *Resolution {
	status, err := m.net.GetSignatureStatus(ctx, sig)
	if err == nil {
		switch status {
		case dex.TxConfirmed:
			return nil
		case dex.TxFailed:
			m.release(k, sig, "failed")
			return nil
		}
	}
	_, err = m.net.GetAccountInfo(ctx, addr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dex.ErrAccountNotFound) && m.clock.Now().Sub(at) >= m.expiry:
		m.release(k, sig, "expired")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok || e.state != StateCreating {
		return nil
	}
	return e.resolution(true, nil)
}

// release drops a creation whose transaction can no longer land.
func (m *OpenOrdersManager) release(k ooKey, sig solana.Signature, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[k]; ok && e.state == StateCreating && e.submitted == sig {
		delete(m.entries, k)
		m.log.Infow("open_orders_creation_released", "market", k.market, "owner", k.owner, "address", e.pending, "signature", sig, "reason", reason)
	}
}

func (m *OpenOrdersManager) fetch(ctx context.Context, market, owner solana.PublicKey) ([]*OpenOrdersAccount, error) {
	raw, err := m.net.GetProgramAccounts(ctx, m.programID, m.span(),
		dex.AccountFilter{Offset: layout.OpenOrdersMarketOffset, Bytes: market.Bytes()},
		dex.AccountFilter{Offset: layout.OpenOrdersOwnerOffset, Bytes: owner.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make([]*OpenOrdersAccount, 0, len(raw))
	for _, acc := range raw {
		oo, err := layout.DecodeOpenOrdersVersion(acc.Data, m.version)
		if err != nil {
			m.log.Warnw("open_orders_skipped", "address", acc.Address, "err", err)
			continue
		}
		if !oo.Market.Equals(market) || !oo.Owner.Equals(owner) {
			m.log.Warnw("open_orders_skipped", "address", acc.Address, "reason", "market or owner mismatch")
			continue
		}
		out = append(out, &OpenOrdersAccount{Address: acc.Address, Owner: owner, Market: market, State: oo, FetchedAt: now})
	}
	return out, nil
}

// fallback serves the in-memory answer, then the stored one, after a failed
// fetch.
func (m *OpenOrdersManager) fallback(k ooKey, cause error) (*Resolution, error) {
	warning := fmt.Errorf("%w: %v", dex.ErrStaleCache, cause)

	m.mu.Lock()
	if e, ok := m.entries[k]; ok && e.state == StateCreating {
		res := e.resolution(false, warning)
		m.mu.Unlock()
		return res, nil
	}
	if e, ok := m.entries[k]; ok && e.known {
		e.state = StateStale
		res := e.resolution(false, warning)
		m.mu.Unlock()
		m.log.Warnw("open_orders_stale", "market", k.market, "owner", k.owner, "err", cause)
		return res, nil
	}
	m.mu.Unlock()

	if m.store == nil {
		return nil, fmt.Errorf("failed to resolve open orders: %w", cause)
	}
	rec, err := m.store.LoadOpenOrders(k.market, k.owner)
	if err != nil || rec == nil {
		return nil, fmt.Errorf("failed to resolve open orders: %w", cause)
	}
	accounts := make([]*OpenOrdersAccount, 0, len(rec.Addresses))
	for i, addr := range rec.Addresses {
		if i >= len(rec.Data) {
			break
		}
		oo, err := layout.DecodeOpenOrdersVersion(rec.Data[i], m.version)
		if err != nil {
			continue
		}
		accounts = append(accounts, &OpenOrdersAccount{Address: addr, Owner: k.owner, Market: k.market, State: oo, FetchedAt: rec.FetchedAt})
	}

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &ooEntry{}
		m.entries[k] = e
	}
	e.state = StateStale
	e.accounts = accounts
	e.fetchedAt = rec.FetchedAt
	e.known = true
	res := e.resolution(false, warning)
	m.mu.Unlock()

	m.log.Warnw("open_orders_stale", "market", k.market, "owner", k.owner, "source", "store", "err", cause)
	return res, nil
}

func (m *OpenOrdersManager) persist(k ooKey, accounts []*OpenOrdersAccount, at time.Time) {
	if m.store == nil {
		return
	}
	rec := &storage.OpenOrdersRecord{Market: k.market, Owner: k.owner, FetchedAt: at}
	for _, a := range accounts {
		data, err := a.State.Encode()
		if err != nil {
			continue
		}
		rec.Addresses = append(rec.Addresses, a.Address)
		rec.Data = append(rec.Data, data)
	}
	if err := m.store.SaveOpenOrders(rec); err != nil {
		m.log.Warnw("open_orders_store_write_failed", "market", k.market, "owner", k.owner, "err", err)
	}
}

// Ensure returns an account for the owner to trade with, building its
// creation when none exists. Creation is funded by the owner. While a
// creation is in flight every caller gets the same pending address and no
// instructions, so at most one account is created per (market, owner).
func (m *OpenOrdersManager) Ensure(ctx context.Context, market, owner solana.PublicKey) (*EnsureResult, error) {
	res, err := m.Resolve(ctx, market, owner)
	if err != nil {
		return nil, err
	}
	switch {
	case len(res.Accounts) > 0:
		return &EnsureResult{Address: res.Accounts[0].Address}, nil
	case res.State == StateCreating:
		return &EnsureResult{Address: res.Pending, Pending: true}, nil
	case !res.Reliable:
		return nil, fmt.Errorf("refusing to create open orders account: %w", res.Warning)
	}

	newAccount, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate open orders key: %w", err)
	}

	k := ooKey{market, owner}
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &ooEntry{}
		m.entries[k] = e
	}
	switch {
	case e.state == StateCreating:
		pending := e.pending
		m.mu.Unlock()
		return &EnsureResult{Address: pending, Pending: true}, nil
	case len(e.accounts) > 0:
		addr := e.accounts[0].Address
		m.mu.Unlock()
		return &EnsureResult{Address: addr}, nil
	}
	e.state = StateCreating
	e.pending = newAccount.PublicKey()
	m.mu.Unlock()

	ix, err := m.createInstruction(ctx, owner, newAccount.PublicKey())
	if err != nil {
		m.Abandon(market, owner)
		return nil, err
	}
	m.log.Infow("open_orders_creating", "market", market, "owner", owner, "address", newAccount.PublicKey())
	return &EnsureResult{
		Address:      newAccount.PublicKey(),
		Created:      true,
		Instructions: []solana.Instruction{ix},
		NewAccount:   newAccount,
	}, nil
}

func (m *OpenOrdersManager) createInstruction(ctx context.Context, owner, address solana.PublicKey) (solana.Instruction, error) {
	rent, err := m.net.GetMinimumBalanceForRentExemption(ctx, m.span())
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders rent: %w", err)
	}
	balance, err := m.net.GetBalance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner balance: %w", err)
	}
	if balance < rent {
		return nil, fmt.Errorf("%w: need %d lamports, owner %s has %d", dex.ErrInsufficientRent, rent, owner, balance)
	}
	return system.NewCreateAccountInstruction(rent, m.span(), m.programID, owner, address).Build(), nil
}

// Submitted records that the transaction creating the pending account was
// sent but not confirmed. The creation keeps blocking new ones until the
// account appears, the transaction fails, or its blockhash expires.
func (m *OpenOrdersManager) Submitted(market, owner solana.PublicKey, sig solana.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ooKey{market, owner}]; ok && e.state == StateCreating {
		e.submitted = sig
		e.submittedAt = m.clock.Now()
	}
}

// Invalidate forces the next Resolve to hit the network. Call it after
// every mutating instruction on the pair's accounts. A submitted creation
// survives; only its outcome releases it.
func (m *OpenOrdersManager) Invalidate(market, owner solana.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ooKey{market, owner}]; ok {
		if e.state == StateCreating && !e.submitted.IsZero() {
			return
		}
		e.state = StateStale
		e.pending = solana.PublicKey{}
		e.fetchedAt = time.Time{}
	}
}

// Abandon drops an in-flight creation whose transaction failed.
func (m *OpenOrdersManager) Abandon(market, owner solana.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ooKey{market, owner}
	if e, ok := m.entries[k]; ok && e.state == StateCreating {
		delete(m.entries, k)
	}
}

// Close builds the instruction that closes an open orders account and
// returns its rent to destination. The account is read fresh; it must hold
// no base or quote funds. The caller invalidates the pair once the
// instruction is confirmed.
func (m *OpenOrdersManager) Close(ctx context.Context, address, owner, destination solana.PublicKey) (solana.Instruction, *layout.OpenOrders, error) {
	data, err := m.net.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load open orders %s: %w", address, err)
	}
	oo, err := layout.DecodeOpenOrdersVersion(data, m.version)
	if err != nil {
		return nil, nil, err
	}
	if !oo.Owner.Equals(owner) {
		return nil, nil, fmt.Errorf("open orders %s is owned by %s, not %s", address, oo.Owner, owner)
	}
	if !oo.Empty() {
		return nil, nil, fmt.Errorf("%w: base total %d, quote total %d", dex.ErrNonZeroBalance, oo.BaseTokenTotal, oo.QuoteTokenTotal)
	}
	ix, err := instruction.CloseOpenOrders(m.programID, address, owner, destination, oo.Market)
	if err != nil {
		return nil, nil, err
	}
	return ix, oo, nil
}

func containsAddress(accounts []*OpenOrdersAccount, addr solana.PublicKey) bool {
	for _, a := range accounts {
		if a.Address.Equals(addr) {
			return true
		}
	}
	return false
}

var errNoOpenOrders = errors.New("owner has no open orders account in market")
