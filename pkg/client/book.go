package client

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/serumdex/pkg/dex/book"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
)

// BookSnapshot is both sides of a market plus its queues, read together.
type BookSnapshot struct {
	Market  *MarketInfo
	Bids    *book.Book
	Asks    *book.Book
	Fills   []layout.Event
	Pending []layout.Request
}

// ReadBook fetches the bids, asks and both queues of a market in parallel.
func (s *Session) ReadBook(ctx context.Context, market solana.PublicKey) (*BookSnapshot, error) {
	m, err := s.LoadMarket(ctx, market)
	if err != nil {
		return nil, err
	}
	snap := &BookSnapshot{Market: m}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.fetchBook(gctx, m, m.State.Bids)
		snap.Bids = b
		return err
	})
	g.Go(func() error {
		b, err := s.fetchBook(gctx, m, m.State.Asks)
		snap.Asks = b
		return err
	})
	g.Go(func() error {
		data, err := s.net.GetAccountInfo(gctx, m.State.EventQueue)
		if err != nil {
			return fmt.Errorf("failed to load event queue: %w", err)
		}
		q, err := layout.DecodeEventQueue(data)
		if err != nil {
			return err
		}
		for _, e := range q.Events() {
			if e.IsFill() {
				snap.Fills = append(snap.Fills, e)
			}
		}
		return nil
	})
	g.Go(func() error {
		data, err := s.net.GetAccountInfo(gctx, m.State.RequestQueue)
		if err != nil {
			return fmt.Errorf("failed to load request queue: %w", err)
		}
		q, err := layout.DecodeRequestQueue(data)
		if err != nil {
			return err
		}
		snap.Pending = q.Requests()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Session) fetchBook(ctx context.Context, m *MarketInfo, address solana.PublicKey) (*book.Book, error) {
	data, err := s.net.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load book %s: %w", address, err)
	}
	return book.Decode(data, m.Lots)
}

// OwnOrders lists the owner's resting orders with the duplicate size
// defect of book snapshots corrected. Bids come first, then asks.
func (s *Session) OwnOrders(ctx context.Context, snap *BookSnapshot, owner solana.PublicKey) ([]book.Order, error) {
	res, err := s.openOrders.Resolve(ctx, snap.Market.Address, owner)
	if err != nil {
		return nil, err
	}
	if !res.Reliable {
		s.log.Warnw("own_orders_stale", "market", snap.Market.Address, "owner", owner, "warning", res.Warning)
	}
	owned := book.OwnedBy(res.Addresses()...)
	out := snap.Bids.Reconcile(owned)
	return append(out, snap.Asks.Reconcile(owned)...), nil
}
