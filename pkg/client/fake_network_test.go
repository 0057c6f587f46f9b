package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/serumdex/pkg/crypto"
	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/dex/vault"
	"github.com/uhyunpark/serumdex/pkg/storage"
	"github.com/uhyunpark/serumdex/pkg/util"
)

// fakeNetwork is an in-memory cluster. It applies the effects of the
// instructions the client sends that later reads depend on.
type fakeNetwork struct {
	mu        sync.Mutex
	programID solana.PublicKey
	accounts  map[solana.PublicKey][]byte
	owners    map[solana.PublicKey]solana.PublicKey
	balances  map[solana.PublicKey]uint64
	statuses  map[solana.Signature]dex.TxStatus
	calls     map[string]int
	events    []string
	sent      []*solana.Transaction

	rentErr     error
	scanErr     error
	accountErr  error
	onSend      func(tx *solana.Transaction) (dex.TxStatus, error)
	nextOrderID uint64
}

func newFakeNetwork(programID solana.PublicKey) *fakeNetwork {
	return &fakeNetwork{
		programID: programID,
		accounts:  make(map[solana.PublicKey][]byte),
		owners:    make(map[solana.PublicKey]solana.PublicKey),
		balances:  make(map[solana.PublicKey]uint64),
		statuses:  make(map[solana.Signature]dex.TxStatus),
		calls:     make(map[string]int),
	}
}

func (f *fakeNetwork) put(addr, owner solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = data
	f.owners[addr] = owner
}

func (f *fakeNetwork) get(addr solana.PublicKey) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[addr]
	return data, ok
}

func (f *fakeNetwork) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeNetwork) sentTxs() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

func (f *fakeNetwork) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeNetwork) setStatus(sig solana.Signature, status dex.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = status
}

// land confirms a transaction that was sent unconfirmed and applies it.
func (f *fakeNetwork) land(t *testing.T, sig solana.Signature) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Signatures[0] == sig {
			require.NoError(t, f.apply(tx))
			f.statuses[sig] = dex.TxConfirmed
			return
		}
	}
	t.Fatalf("transaction %s was never sent", sig)
}

func (f *fakeNetwork) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *fakeNetwork) GetAccountInfo(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_account"]++
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	data, ok := f.accounts[address]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", address, dex.ErrAccountNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeNetwork) GetProgramAccounts(ctx context.Context, programID solana.PublicKey, dataSize uint64, filters ...dex.AccountFilter) ([]dex.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_program_accounts"]++
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []dex.KeyedAccount
	for addr, data := range f.accounts {
		if !f.owners[addr].Equals(programID) || uint64(len(data)) != dataSize {
			continue
		}
		match := true
		for _, flt := range filters {
			end := flt.Offset + uint64(len(flt.Bytes))
			if end > uint64(len(data)) || !bytes.Equal(data[flt.Offset:end], flt.Bytes) {
				match = false
				break
			}
		}
		if match {
			out = append(out, dex.KeyedAccount{Address: addr, Data: append([]byte(nil), data...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out, nil
}

func (f *fakeNetwork) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_balance"]++
	return f.balances[address], nil
}

func (f *fakeNetwork) GetMinimumBalanceForRentExemption(ctx context.Context, span uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_rent"]++
	if f.rentErr != nil {
		return 0, f.rentErr
	}
	return (span + 128) * 6960, nil
}

func (f *fakeNetwork) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_blockhash"]++
	return solana.HashFromBytes(bytes.Repeat([]byte{7}, 32)), nil
}

func (f *fakeNetwork) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["send"]++
	sig := tx.Signatures[0]
	f.events = append(f.events, "send:"+sig.String())
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", dex.ErrNetworkRejected, err)
	}

	status := dex.TxConfirmed
	if f.onSend != nil {
		var err error
		if status, err = f.onSend(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	f.sent = append(f.sent, tx)
	f.statuses[sig] = status
	if status == dex.TxConfirmed {
		if err := f.apply(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	return sig, nil
}

func (f *fakeNetwork) GetSignatureStatus(ctx context.Context, sig solana.Signature) (dex.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_status"]++
	f.events = append(f.events, "status:"+sig.String())
	return f.statuses[sig], nil
}

// apply runs the effects of a transaction. Callers hold f.mu.
func (f *fakeNetwork) apply(tx *solana.Transaction) error {
	for _, ci := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(ci.ProgramIDIndex)
		if err != nil {
			return err
		}
		metas, err := ci.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return err
		}
		switch {
		case prog.Equals(solana.SystemProgramID):
			inst, err := system.DecodeInstruction(metas, ci.Data)
			if err != nil {
				return err
			}
			if create, ok := inst.Impl.(*system.CreateAccount); ok {
				addr := create.GetNewAccount().PublicKey
				f.accounts[addr] = make([]byte, *create.Space)
				f.owners[addr] = *create.Owner
				f.balances[create.GetFundingAccount().PublicKey] -= *create.Lamports
			}
		case prog.Equals(f.programID):
			if err := f.applyDex(metas, ci.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeNetwork) applyDex(metas []*solana.AccountMeta, data []byte) error {
	tag, err := instruction.DecodeTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case instruction.TagNewOrderV3:
		market, addr, owner := metas[0].PublicKey, metas[1].PublicKey, metas[7].PublicKey
		oo := layout.NewOpenOrders(layout.LayoutV2, market, owner)
		if raw := f.accounts[addr]; !bytes.Equal(raw, make([]byte, len(raw))) {
			if oo, err = layout.DecodeOpenOrders(raw); err != nil {
				return err
			}
		}
		side := dex.Side(binary.LittleEndian.Uint32(data[5:]))
		price := binary.LittleEndian.Uint64(data[9:])
		clientID := binary.LittleEndian.Uint64(data[41:])
		for i := 0; i < layout.OpenOrdersSlots; i++ {
			if !oo.FreeSlotBits.Bit(i) {
				continue
			}
			f.nextOrderID++
			oo.FreeSlotBits = oo.FreeSlotBits.SetBit(i, false)
			oo.IsBidBits = oo.IsBidBits.SetBit(i, side == dex.Bid)
			oo.OrderIDs[i] = layout.U128{Lo: f.nextOrderID, Hi: price}
			oo.ClientIDs[i] = clientID
			break
		}
		return f.store(addr, oo)
	case instruction.TagCancelOrderByClientIDV2:
		addr := metas[3].PublicKey
		oo, err := layout.DecodeOpenOrders(f.accounts[addr])
		if err != nil {
			return err
		}
		clientID := binary.LittleEndian.Uint64(data[5:])
		for _, slot := range oo.Orders() {
			if slot.ClientID == clientID {
				oo.FreeSlotBits = oo.FreeSlotBits.SetBit(slot.Slot, true)
				oo.OrderIDs[slot.Slot] = layout.U128{}
				oo.ClientIDs[slot.Slot] = 0
			}
		}
		return f.store(addr, oo)
	case instruction.TagSettleFunds:
		addr := metas[1].PublicKey
		oo, err := layout.DecodeOpenOrders(f.accounts[addr])
		if err != nil {
			return err
		}
		oo.BaseTokenTotal -= oo.BaseTokenFree
		oo.QuoteTokenTotal -= oo.QuoteTokenFree
		oo.BaseTokenFree, oo.QuoteTokenFree = 0, 0
		return f.store(addr, oo)
	case instruction.TagCloseOpenOrders:
		delete(f.accounts, metas[0].PublicKey)
		delete(f.owners, metas[0].PublicKey)
	}
	return nil
}

func (f *fakeNetwork) store(addr solana.PublicKey, oo *layout.OpenOrders) error {
	data, err := oo.Encode()
	if err != nil {
		return err
	}
	f.accounts[addr] = data
	return nil
}

var _ dex.Network = (*fakeNetwork)(nil)

// instructionTags lists the DEX tags of a transaction's instructions, with
// -1 for instructions of other programs.
func instructionTags(t *testing.T, tx *solana.Transaction, programID solana.PublicKey) []int {
	t.Helper()
	var out []int
	for _, ci := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(ci.ProgramIDIndex)
		require.NoError(t, err)
		if !prog.Equals(programID) {
			out = append(out, -1)
			continue
		}
		tag, err := instruction.DecodeTag(ci.Data)
		require.NoError(t, err)
		out = append(out, int(tag))
	}
	return out
}

func randomKey(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

// fixture is a session over a fake cluster holding one market with
// baseLotSize = quoteLotSize = 10000 and 6 decimals on both mints.
type fixture struct {
	net       *fakeNetwork
	session   *Session
	wallet    *crypto.Signer
	programID solana.PublicKey
	clock     *util.ManualClock
	store     *storage.PebbleStore
	market    solana.PublicKey
	state     *layout.Market
}

const fixtureBalance = 10_000_000_000

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	wallet, err := crypto.GenerateKey()
	require.NoError(t, err)
	store, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		wallet:    wallet,
		programID: randomKey(t),
		clock:     util.NewManualClock(time.Unix(1_700_000_000, 0)),
		store:     store,
	}
	f.net = newFakeNetwork(f.programID)
	f.net.balances[wallet.PublicKey()] = fixtureBalance

	opts := Options{
		ProgramID:      f.programID,
		OpenOrdersTTL:  30 * time.Second,
		ConfirmTimeout: time.Second,
		PollInterval:   100 * time.Millisecond,
		Clock:          f.clock,
		Store:          store,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	f.session, err = NewSession(f.net, wallet, opts)
	require.NoError(t, err)

	f.addMarket(t)
	return f
}

func (f *fixture) addMarket(t *testing.T) {
	t.Helper()
	f.market = randomKey(t)
	auth, err := vault.Resolve(f.market, f.programID)
	require.NoError(t, err)

	f.state = &layout.Market{
		Version:            layout.LayoutV2,
		Flags:              layout.FlagInitialized | layout.FlagMarket,
		OwnAddress:         f.market,
		VaultSignerNonce:   auth.Nonce,
		BaseMint:           randomKey(t),
		QuoteMint:          randomKey(t),
		BaseVault:          randomKey(t),
		QuoteVault:         randomKey(t),
		QuoteDustThreshold: 100,
		RequestQueue:       randomKey(t),
		EventQueue:         randomKey(t),
		Bids:               randomKey(t),
		Asks:               randomKey(t),
		BaseLotSize:        10_000,
		QuoteLotSize:       10_000,
		FeeRateBps:         22,
	}
	data, err := f.state.Encode()
	require.NoError(t, err)
	f.net.put(f.market, f.programID, data)

	mint := make([]byte, layout.MintSpan)
	mint[44] = 6 // decimals
	mint[45] = 1 // initialized
	f.net.put(f.state.BaseMint, solana.TokenProgramID, mint)
	f.net.put(f.state.QuoteMint, solana.TokenProgramID, mint)

	f.setBook(t, true)
	f.setBook(t, false)

	events, err := (&layout.EventQueue{
		Header:   layout.QueueHeader{Flags: layout.FlagInitialized | layout.FlagEventQueue},
		Slots:    make([]layout.Event, 4),
		Trailing: []byte{},
	}).Encode()
	require.NoError(t, err)
	f.net.put(f.state.EventQueue, f.programID, events)

	requests, err := (&layout.RequestQueue{
		Header:   layout.QueueHeader{Flags: layout.FlagInitialized | layout.FlagRequestQueue},
		Slots:    make([]layout.Request, 4),
		Trailing: []byte{},
	}).Encode()
	require.NoError(t, err)
	f.net.put(f.state.RequestQueue, f.programID, requests)
}

func (f *fixture) setBook(t *testing.T, bids bool, leaves ...layout.LeafNode) {
	t.Helper()
	slab, err := layout.NewSlab(bids, leaves, 32)
	require.NoError(t, err)
	data, err := slab.Encode()
	require.NoError(t, err)
	addr := f.state.Asks
	if bids {
		addr = f.state.Bids
	}
	f.net.put(addr, f.programID, data)
}

// addOpenOrders stores an open orders account of the wallet in the market.
func (f *fixture) addOpenOrders(t *testing.T, edit func(oo *layout.OpenOrders)) solana.PublicKey {
	t.Helper()
	addr := randomKey(t)
	oo := layout.NewOpenOrders(layout.LayoutV2, f.market, f.wallet.PublicKey())
	if edit != nil {
		edit(oo)
	}
	data, err := oo.Encode()
	require.NoError(t, err)
	f.net.put(addr, f.programID, data)
	return addr
}
