package client

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/dex/lots"
	"github.com/uhyunpark/serumdex/pkg/dex/vault"
	"github.com/uhyunpark/serumdex/pkg/storage"
)

// MarketInfo is a decoded market plus what is needed to trade on it.
// Markets never change their addresses or lot sizes after creation.
type MarketInfo struct {
	Address       solana.PublicKey
	ProgramID     solana.PublicKey
	State         *layout.Market
	BaseDecimals  uint8
	QuoteDecimals uint8
	VaultSigner   solana.PublicKey
	Lots          lots.Converter
}

func newMarketInfo(address, programID solana.PublicKey, data []byte, baseDecimals, quoteDecimals uint8) (*MarketInfo, error) {
	state, err := layout.DecodeMarketVersion(data, layout.VersionForProgram(programID))
	if err != nil {
		return nil, err
	}
	if !state.OwnAddress.Equals(address) {
		return nil, dex.Corrupt("market", fmt.Sprintf("own address %s does not match %s", state.OwnAddress, address))
	}
	signer, err := vault.Verify(address, programID, state.VaultSignerNonce)
	if err != nil {
		return nil, err
	}
	conv, err := lots.New(state.BaseLotSize, state.QuoteLotSize, baseDecimals, quoteDecimals)
	if err != nil {
		return nil, err
	}
	return &MarketInfo{
		Address:       address,
		ProgramID:     programID,
		State:         state,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
		VaultSigner:   signer,
		Lots:          conv,
	}, nil
}

// Accounts returns the market-level accounts order instructions reference.
func (m *MarketInfo) Accounts() instruction.MarketAccounts {
	return instruction.MarketAccounts{
		Market:       m.Address,
		RequestQueue: m.State.RequestQueue,
		EventQueue:   m.State.EventQueue,
		Bids:         m.State.Bids,
		Asks:         m.State.Asks,
		BaseVault:    m.State.BaseVault,
		QuoteVault:   m.State.QuoteVault,
	}
}

// Layout returns the record layout version of the market's program.
func (m *MarketInfo) Layout() layout.LayoutVersion { return m.State.Version }

// LoadMarket returns a market from the session cache, the local store or
// the network, in that order.
func (s *Session) LoadMarket(ctx context.Context, address solana.PublicKey) (*MarketInfo, error) {
	if m, ok := s.markets.Get(address); ok {
		return m, nil
	}

	if s.store != nil {
		rec, err := s.store.LoadMarket(address)
		if err != nil {
			s.log.Warnw("market_store_read_failed", "market", address, "err", err)
		}
		if rec != nil && rec.ProgramID.Equals(s.programID) {
			m, err := newMarketInfo(address, s.programID, rec.Data, rec.BaseDecimals, rec.QuoteDecimals)
			if err == nil {
				s.markets.Add(address, m)
				return m, nil
			}
			s.log.Warnw("market_store_record_invalid", "market", address, "err", err)
		}
	}

	data, err := s.net.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load market %s: %w", address, err)
	}
	state, err := layout.DecodeMarketVersion(data, layout.VersionForProgram(s.programID))
	if err != nil {
		return nil, err
	}
	baseDecimals, quoteDecimals, err := s.mintDecimals(ctx, state.BaseMint, state.QuoteMint)
	if err != nil {
		return nil, err
	}
	m, err := newMarketInfo(address, s.programID, data, baseDecimals, quoteDecimals)
	if err != nil {
		return nil, err
	}

	s.markets.Add(address, m)
	if s.store != nil {
		if err := s.store.SaveMarket(&storage.MarketRecord{
			Address:       address,
			ProgramID:     s.programID,
			Data:          data,
			BaseDecimals:  baseDecimals,
			QuoteDecimals: quoteDecimals,
			SavedAt:       s.clock.Now(),
		}); err != nil {
			s.log.Warnw("market_store_write_failed", "market", address, "err", err)
		}
	}
	s.log.Infow("market_loaded",
		"market", address,
		"layout", m.Layout(),
		"base_lot_size", m.State.BaseLotSize,
		"quote_lot_size", m.State.QuoteLotSize,
	)
	return m, nil
}

func (s *Session) mintDecimals(ctx context.Context, baseMint, quoteMint solana.PublicKey) (uint8, uint8, error) {
	var base, quote uint8
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(mint solana.PublicKey, out *uint8) func() error {
		return func() error {
			data, err := s.net.GetAccountInfo(gctx, mint)
			if err != nil {
				return fmt.Errorf("failed to load mint %s: %w", mint, err)
			}
			d, err := layout.DecodeMintDecimals(data)
			if err != nil {
				return err
			}
			*out = d
			return nil
		}
	}
	g.Go(fetch(baseMint, &base))
	g.Go(fetch(quoteMint, &quote))
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return base, quote, nil
}
