// Package client talks to a deployed DEX program: it creates markets,
// manages open orders accounts, places, cancels and settles orders, and
// reads order books.
package client

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/serumdex/params"
	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/vault"
	"github.com/uhyunpark/serumdex/pkg/storage"
	"github.com/uhyunpark/serumdex/pkg/util"
)

// Store persists what must survive the process: initialization records,
// market snapshots and known open orders accounts.
type Store interface {
	SaveInitRecord(rec *storage.InitRecord) error
	LoadInitRecord(market solana.PublicKey) (*storage.InitRecord, error)
	LoadPendingInitRecords() ([]*storage.InitRecord, error)
	SaveMarket(rec *storage.MarketRecord) error
	LoadMarket(addr solana.PublicKey) (*storage.MarketRecord, error)
	SaveOpenOrders(rec *storage.OpenOrdersRecord) error
	LoadOpenOrders(market, owner solana.PublicKey) (*storage.OpenOrdersRecord, error)
}

var _ Store = (*storage.PebbleStore)(nil)

type Options struct {
	ProgramID       solana.PublicKey
	OpenOrdersTTL   time.Duration
	MarketCacheSize int
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	Clock           util.Clock
	Logger          *zap.SugaredLogger
	Store           Store
}

// OptionsFromConfig maps the loaded configuration onto session options.
func OptionsFromConfig(cfg params.Config) (Options, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.Dex.ProgramID)
	if err != nil {
		return Options{}, fmt.Errorf("invalid program id %q: %w", cfg.Dex.ProgramID, err)
	}
	return Options{
		ProgramID:       programID,
		OpenOrdersTTL:   cfg.Dex.OpenOrdersTTL,
		MarketCacheSize: cfg.Dex.MarketCacheSize,
		ConfirmTimeout:  cfg.RPC.ConfirmTimeout,
	}, nil
}

// Session owns every cache of one client. Sessions share nothing, so
// several may run side by side against different wallets or clusters.
type Session struct {
	net       dex.Network
	signer    dex.Signer
	programID solana.PublicKey
	store     Store
	clock     util.Clock
	log       *zap.SugaredLogger

	markets    *lru.Cache[solana.PublicKey, *MarketInfo]
	vaults     *vault.Resolver
	openOrders *OpenOrdersManager
	tx         *submitter
}

func NewSession(net dex.Network, signer dex.Signer, opts Options) (*Session, error) {
	if opts.ProgramID.IsZero() {
		return nil, fmt.Errorf("program id is required")
	}
	if opts.MarketCacheSize <= 0 {
		opts.MarketCacheSize = 64
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	markets, err := lru.New[solana.PublicKey, *MarketInfo](opts.MarketCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create market cache: %w", err)
	}

	s := &Session{
		net:       net,
		signer:    signer,
		programID: opts.ProgramID,
		store:     opts.Store,
		clock:     opts.Clock,
		log:       opts.Logger,
		markets:   markets,
		vaults:    vault.NewResolver(),
	}
	s.openOrders = newOpenOrdersManager(net, opts.ProgramID, opts.Store, opts.Clock, opts.OpenOrdersTTL, opts.Logger)
	s.tx = &submitter{
		net:            net,
		signer:         signer,
		clock:          opts.Clock,
		log:            opts.Logger,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
	}
	return s, nil
}

func (s *Session) ProgramID() solana.PublicKey { return s.programID }

// Wallet is the address of the signing wallet.
func (s *Session) Wallet() solana.PublicKey { return s.signer.PublicKey() }

// OpenOrders returns the session's open orders account manager.
func (s *Session) OpenOrders() *OpenOrdersManager { return s.openOrders }
