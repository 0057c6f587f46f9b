package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/storage"
)

// CreateMarketParams are the trading parameters of a new market.
type CreateMarketParams struct {
	BaseMint           solana.PublicKey
	QuoteMint          solana.PublicKey
	BaseLotSize        uint64
	QuoteLotSize       uint64
	FeeRateBps         uint16
	QuoteDustThreshold uint64
}

type CreateMarketResult struct {
	Market           solana.PublicKey
	VaultSigner      solana.PublicKey
	VaultSignerNonce uint64
	Accounts         instruction.InitializeMarketAccounts
	VaultsSignature  solana.Signature
	MarketSignature  solana.Signature
}

// marketRoles are the accounts generated for a new market.
var marketRoles = []string{
	storage.RoleMarket,
	storage.RoleRequestQueue,
	storage.RoleEventQueue,
	storage.RoleBids,
	storage.RoleAsks,
	storage.RoleBaseVault,
	storage.RoleQuoteVault,
}

// rentPlan holds the rent-exempt balance of every account a market needs.
type rentPlan struct {
	market       uint64
	requestQueue uint64
	eventQueue   uint64
	slab         uint64
	vault        uint64
}

// MarketInitializer creates markets in two transactions: the vaults
// first, then the market and its queues and books. Every step is recorded
// before it is sent so an interrupted creation can be resumed or reported,
// never blindly repeated.
type MarketInitializer struct {
	s *Session
}

// Markets returns the session's market initializer.
func (s *Session) Markets() *MarketInitializer { return &MarketInitializer{s: s} }

func (in *MarketInitializer) marketSpan() uint64 {
	return uint64(layout.MarketSpan(layout.VersionForProgram(in.s.programID)))
}

// rents queries every rent-exempt balance concurrently. Any failure aborts
// the whole creation.
func (in *MarketInitializer) rents(ctx context.Context) (rentPlan, error) {
	var r rentPlan
	g, gctx := errgroup.WithContext(ctx)
	query := func(span uint64, out *uint64) {
		g.Go(func() error {
			v, err := in.s.net.GetMinimumBalanceForRentExemption(gctx, span)
			if err != nil {
				return fmt.Errorf("failed to get rent for span %d: %w", span, err)
			}
			*out = v
			return nil
		})
	}
	query(in.marketSpan(), &r.market)
	query(layout.RequestQueueSpan, &r.requestQueue)
	query(layout.EventQueueSpan, &r.eventQueue)
	query(layout.SlabSpan, &r.slab)
	query(layout.TokenAccountSpan, &r.vault)
	if err := g.Wait(); err != nil {
		return rentPlan{}, err
	}
	return r, nil
}

func (in *MarketInitializer) save(rec *storage.InitRecord, step storage.InitStep) error {
	rec.Step = step
	rec.UpdatedAt = in.s.clock.Now()
	in.s.log.Infow("market_init_step", "market", rec.Market, "step", step)
	if in.s.store == nil {
		return nil
	}
	if err := in.s.store.SaveInitRecord(rec); err != nil {
		return fmt.Errorf("failed to save init record: %w", err)
	}
	return nil
}

// Create generates the market's accounts and runs both transactions.
// Calling it again always creates another market.
func (in *MarketInitializer) Create(ctx context.Context, p CreateMarketParams) (*CreateMarketResult, error) {
	if p.BaseLotSize == 0 || p.QuoteLotSize == 0 {
		return nil, fmt.Errorf("base lot %d, quote lot %d: %w", p.BaseLotSize, p.QuoteLotSize, dex.ErrInvalidLotSize)
	}

	keys := make(map[string]string, len(marketRoles))
	var market solana.PublicKey
	for _, role := range marketRoles {
		k, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", role, err)
		}
		keys[role] = k.String()
		if role == storage.RoleMarket {
			market = k.PublicKey()
		}
	}

	auth, err := in.s.vaults.Resolve(market, in.s.programID)
	if err != nil {
		return nil, err
	}
	rents, err := in.rents(ctx)
	if err != nil {
		return nil, err
	}

	rec := &storage.InitRecord{
		Market:             market,
		ProgramID:          in.s.programID,
		Payer:              in.s.Wallet(),
		BaseMint:           p.BaseMint,
		QuoteMint:          p.QuoteMint,
		BaseLotSize:        p.BaseLotSize,
		QuoteLotSize:       p.QuoteLotSize,
		FeeRateBps:         p.FeeRateBps,
		QuoteDustThreshold: p.QuoteDustThreshold,
		VaultSigner:        auth.Address,
		VaultSignerNonce:   auth.Nonce,
		Keys:               keys,
	}
	if err := in.save(rec, storage.StepPlanned); err != nil {
		return nil, err
	}
	return in.run(ctx, rec, rents)
}

// Resume continues a recorded creation from its last completed step. A
// step whose transaction is still unconfirmed is reported, not re-sent.
func (in *MarketInitializer) Resume(ctx context.Context, market solana.PublicKey) (*CreateMarketResult, error) {
	if in.s.store == nil {
		return nil, errors.New("resume needs a store")
	}
	rec, err := in.s.store.LoadInitRecord(market)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no initialization record for market %s", market)
	}
	if !rec.ProgramID.Equals(in.s.programID) {
		return nil, fmt.Errorf("market %s was created under program %s, session uses %s", market, rec.ProgramID, in.s.programID)
	}
	if !rec.Payer.Equals(in.s.Wallet()) {
		return nil, fmt.Errorf("market %s was paid by %s, wallet is %s", market, rec.Payer, in.s.Wallet())
	}

	switch rec.Step {
	case storage.StepVaultsSubmitted:
		status, err := in.s.net.GetSignatureStatus(ctx, rec.VaultsSignature)
		if err != nil {
			return nil, err
		}
		switch status {
		case dex.TxConfirmed:
			err = in.save(rec, storage.StepVaultsConfirmed)
		case dex.TxFailed:
			err = in.save(rec, storage.StepPlanned)
		default:
			return nil, fmt.Errorf("%w: vaults transaction %s is %s", dex.ErrMarketIncomplete, rec.VaultsSignature, status)
		}
		if err != nil {
			return nil, err
		}
	case storage.StepMarketSubmitted:
		status, err := in.s.net.GetSignatureStatus(ctx, rec.MarketSignature)
		if err != nil {
			return nil, err
		}
		switch status {
		case dex.TxConfirmed:
			err = in.save(rec, storage.StepMarketConfirmed)
		case dex.TxFailed:
			err = in.save(rec, storage.StepVaultsConfirmed)
		default:
			return nil, fmt.Errorf("%w: market transaction %s is %s", dex.ErrOrphanedVaults, rec.MarketSignature, status)
		}
		if err != nil {
			return nil, err
		}
	}
	if rec.Step.Done() {
		return resultFrom(rec)
	}

	rents, err := in.rents(ctx)
	if err != nil {
		return nil, err
	}
	return in.run(ctx, rec, rents)
}

// Pending lists recorded creations that have not completed.
func (in *MarketInitializer) Pending() ([]*storage.InitRecord, error) {
	if in.s.store == nil {
		return nil, nil
	}
	return in.s.store.LoadPendingInitRecords()
}

func (in *MarketInitializer) run(ctx context.Context, rec *storage.InitRecord, rents rentPlan) (*CreateMarketResult, error) {
	if rec.Step == storage.StepPlanned {
		if err := in.createVaults(ctx, rec, rents); err != nil {
			return nil, err
		}
	}
	if rec.Step == storage.StepVaultsConfirmed {
		if err := in.createMarket(ctx, rec, rents); err != nil {
			return nil, err
		}
	}
	in.s.log.Infow("market_created", "market", rec.Market, "vault_signer", rec.VaultSigner, "nonce", rec.VaultSignerNonce)
	return resultFrom(rec)
}

// submitStep records the step as submitted, then sends and confirms tx.
// A definite failure rolls the record back to the previous step; a timeout
// leaves it submitted.
func (in *MarketInitializer) submitStep(ctx context.Context, rec *storage.InitRecord, tx *solana.Transaction, prev, submitted, confirmed storage.InitStep) error {
	sig := tx.Signatures[0]
	if submitted == storage.StepVaultsSubmitted {
		rec.VaultsSignature = sig
	} else {
		rec.MarketSignature = sig
	}
	if err := in.save(rec, submitted); err != nil {
		return err
	}

	_, err := in.s.tx.send(ctx, tx)
	if err == nil {
		err = in.s.tx.confirm(ctx, sig)
	}
	if err != nil {
		if !errors.Is(err, dex.ErrNetworkTimeout) {
			if serr := in.save(rec, prev); serr != nil {
				in.s.log.Errorw("market_init_rollback_failed", "market", rec.Market, "err", serr)
			}
		}
		return err
	}
	return in.save(rec, confirmed)
}

func (in *MarketInitializer) createVaults(ctx context.Context, rec *storage.InitRecord, rents rentPlan) error {
	baseVault, err := rec.PrivateKey(storage.RoleBaseVault)
	if err != nil {
		return err
	}
	quoteVault, err := rec.PrivateKey(storage.RoleQuoteVault)
	if err != nil {
		return err
	}
	payer := rec.Payer
	ixs := []solana.Instruction{
		system.NewCreateAccountInstruction(rents.vault, layout.TokenAccountSpan, solana.TokenProgramID, payer, baseVault.PublicKey()).Build(),
		system.NewCreateAccountInstruction(rents.vault, layout.TokenAccountSpan, solana.TokenProgramID, payer, quoteVault.PublicKey()).Build(),
		token.NewInitializeAccountInstruction(baseVault.PublicKey(), rec.BaseMint, rec.VaultSigner, solana.SysVarRentPubkey).Build(),
		token.NewInitializeAccountInstruction(quoteVault.PublicKey(), rec.QuoteMint, rec.VaultSigner, solana.SysVarRentPubkey).Build(),
	}
	tx, err := in.s.tx.build(ctx, ixs, baseVault, quoteVault)
	if err != nil {
		return fmt.Errorf("vaults transaction: %w", err)
	}
	if err := in.submitStep(ctx, rec, tx, storage.StepPlanned, storage.StepVaultsSubmitted, storage.StepVaultsConfirmed); err != nil {
		if errors.Is(err, dex.ErrNetworkTimeout) {
			return fmt.Errorf("%w: vaults transaction %s: %w", dex.ErrMarketIncomplete, rec.VaultsSignature, err)
		}
		return fmt.Errorf("vaults transaction: %w", err)
	}
	return nil
}

func (in *MarketInitializer) createMarket(ctx context.Context, rec *storage.InitRecord, rents rentPlan) error {
	type alloc struct {
		role     string
		lamports uint64
		span     uint64
	}
	allocs := []alloc{
		{storage.RoleMarket, rents.market, in.marketSpan()},
		{storage.RoleRequestQueue, rents.requestQueue, layout.RequestQueueSpan},
		{storage.RoleEventQueue, rents.eventQueue, layout.EventQueueSpan},
		{storage.RoleBids, rents.slab, layout.SlabSpan},
		{storage.RoleAsks, rents.slab, layout.SlabSpan},
	}

	addrs := make(map[string]solana.PublicKey, len(allocs)+2)
	var signers []solana.PrivateKey
	var ixs []solana.Instruction
	for _, a := range allocs {
		k, err := rec.PrivateKey(a.role)
		if err != nil {
			return fmt.Errorf("%w: %w", dex.ErrOrphanedVaults, err)
		}
		addrs[a.role] = k.PublicKey()
		signers = append(signers, k)
		ixs = append(ixs, system.NewCreateAccountInstruction(a.lamports, a.span, rec.ProgramID, rec.Payer, k.PublicKey()).Build())
	}
	for _, role := range []string{storage.RoleBaseVault, storage.RoleQuoteVault} {
		addr, err := rec.PublicKey(role)
		if err != nil {
			return fmt.Errorf("%w: %w", dex.ErrOrphanedVaults, err)
		}
		addrs[role] = addr
	}

	initIx, err := instruction.InitializeMarket(rec.ProgramID, initAccounts(rec, addrs), instruction.InitializeMarketParams{
		BaseLotSize:        rec.BaseLotSize,
		QuoteLotSize:       rec.QuoteLotSize,
		FeeRateBps:         rec.FeeRateBps,
		VaultSignerNonce:   rec.VaultSignerNonce,
		QuoteDustThreshold: rec.QuoteDustThreshold,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", dex.ErrOrphanedVaults, err)
	}
	ixs = append(ixs, initIx)

	tx, err := in.s.tx.build(ctx, ixs, signers...)
	if err != nil {
		return fmt.Errorf("%w: market transaction: %w", dex.ErrOrphanedVaults, err)
	}
	if err := in.submitStep(ctx, rec, tx, storage.StepVaultsConfirmed, storage.StepMarketSubmitted, storage.StepMarketConfirmed); err != nil {
		return fmt.Errorf("%w: market transaction %s: %w", dex.ErrOrphanedVaults, rec.MarketSignature, err)
	}
	return nil
}

func initAccounts(rec *storage.InitRecord, addrs map[string]solana.PublicKey) instruction.InitializeMarketAccounts {
	return instruction.InitializeMarketAccounts{
		Market:       addrs[storage.RoleMarket],
		RequestQueue: addrs[storage.RoleRequestQueue],
		EventQueue:   addrs[storage.RoleEventQueue],
		Bids:         addrs[storage.RoleBids],
		Asks:         addrs[storage.RoleAsks],
		BaseVault:    addrs[storage.RoleBaseVault],
		QuoteVault:   addrs[storage.RoleQuoteVault],
		BaseMint:     rec.BaseMint,
		QuoteMint:    rec.QuoteMint,
	}
}

func resultFrom(rec *storage.InitRecord) (*CreateMarketResult, error) {
	addrs := make(map[string]solana.PublicKey, len(marketRoles))
	for _, role := range marketRoles {
		addr, err := rec.PublicKey(role)
		if err != nil {
			return nil, err
		}
		addrs[role] = addr
	}
	return &CreateMarketResult{
		Market:           rec.Market,
		VaultSigner:      rec.VaultSigner,
		VaultSignerNonce: rec.VaultSignerNonce,
		Accounts:         initAccounts(rec, addrs),
		VaultsSignature:  rec.VaultsSignature,
		MarketSignature:  rec.MarketSignature,
	}, nil
}
