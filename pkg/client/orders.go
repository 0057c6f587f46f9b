package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/instruction"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/dex/lots"
)

// PlaceOrderParams describes a new order in human units.
type PlaceOrderParams struct {
	Owner solana.PublicKey
	// Payer is the token account funding the order: quote tokens for bids,
	// base tokens for asks.
	Payer       solana.PublicKey
	Side        dex.Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	OrderType   dex.OrderType
	SelfTrade   dex.SelfTradeBehavior
	ClientID    uint64
	FeeDiscount solana.PublicKey // optional
	OpenOrders  solana.PublicKey
}

// OrderQuantities are the on-chain quantities of an order.
type OrderQuantities struct {
	PriceLots uint64
	SizeLots  uint64
	MaxQuote  uint64 // native quote
}

// Quantities converts an order's human price and size into lots and
// rejects orders that round to nothing or overflow.
func Quantities(conv lots.Converter, price, size decimal.Decimal) (OrderQuantities, error) {
	priceLots, err := conv.PriceDecimalToLots(price)
	if err != nil {
		return OrderQuantities{}, err
	}
	if err := lots.RequirePositive("price", priceLots); err != nil {
		return OrderQuantities{}, err
	}
	sizeLots, err := conv.SizeDecimalToLots(size)
	if err != nil {
		return OrderQuantities{}, err
	}
	if err := lots.RequirePositive("size", sizeLots); err != nil {
		return OrderQuantities{}, err
	}
	maxQuote, err := conv.MaxQuoteQuantity(priceLots, sizeLots)
	if err != nil {
		return OrderQuantities{}, err
	}
	return OrderQuantities{PriceLots: priceLots, SizeLots: sizeLots, MaxQuote: maxQuote}, nil
}

func requireV3(m *MarketInfo) error {
	if v := layout.ProgramVersion(m.ProgramID); v < 3 {
		return fmt.Errorf("%w: program %s is version %d, order instructions need version 3", dex.ErrTransactionBuild, m.ProgramID, v)
	}
	return nil
}

func requireEnabled(m *MarketInfo) error {
	if m.State.Disabled() {
		return fmt.Errorf("%w: market %s is disabled", dex.ErrTransactionBuild, m.Address)
	}
	return nil
}

// BuildPlaceOrder builds a NewOrderV3 instruction. It performs no I/O; the
// open orders account must already be known.
func BuildPlaceOrder(m *MarketInfo, p PlaceOrderParams) (solana.Instruction, error) {
	if err := requireV3(m); err != nil {
		return nil, err
	}
	if err := requireEnabled(m); err != nil {
		return nil, err
	}
	if p.OpenOrders.IsZero() {
		return nil, fmt.Errorf("%w: open orders account is required", dex.ErrTransactionBuild)
	}
	q, err := Quantities(m.Lots, p.Price, p.Size)
	if err != nil {
		return nil, err
	}
	return instruction.NewOrderV3(m.ProgramID, m.Accounts(), p.OpenOrders, p.Payer, p.Owner, p.FeeDiscount, instruction.NewOrderParams{
		Side:              p.Side,
		LimitPrice:        q.PriceLots,
		MaxBaseQuantity:   q.SizeLots,
		MaxQuoteQuantity:  q.MaxQuote,
		SelfTradeBehavior: p.SelfTrade,
		OrderType:         p.OrderType,
		ClientID:          p.ClientID,
		Limit:             instruction.DefaultMatchLimit,
	})
}

// BuildCancelOrder builds a CancelOrderV2 instruction.
func BuildCancelOrder(m *MarketInfo, owner, openOrders solana.PublicKey, side dex.Side, orderID layout.U128) (solana.Instruction, error) {
	if err := requireV3(m); err != nil {
		return nil, err
	}
	return instruction.CancelOrderV2(m.ProgramID, m.Accounts(), openOrders, owner, side, orderID)
}

// BuildCancelOrderByClientID builds a CancelOrderByClientIdV2 instruction.
func BuildCancelOrderByClientID(m *MarketInfo, owner, openOrders solana.PublicKey, clientID uint64) (solana.Instruction, error) {
	if err := requireV3(m); err != nil {
		return nil, err
	}
	return instruction.CancelOrderByClientIDV2(m.ProgramID, m.Accounts(), openOrders, owner, clientID)
}

type PlaceOrderResult struct {
	Signature         solana.Signature
	OpenOrders        solana.PublicKey
	CreatedOpenOrders bool
	Quantities        OrderQuantities
}

// PlaceOrder places an order for the wallet. When the wallet has no open
// orders account in the market, its creation goes into the same
// transaction.
func (s *Session) PlaceOrder(ctx context.Context, market solana.PublicKey, p PlaceOrderParams) (*PlaceOrderResult, error) {
	m, err := s.LoadMarket(ctx, market)
	if err != nil {
		return nil, err
	}
	q, err := Quantities(m.Lots, p.Price, p.Size)
	if err != nil {
		return nil, err
	}
	if err := requireV3(m); err != nil {
		return nil, err
	}
	if err := requireEnabled(m); err != nil {
		return nil, err
	}
	if p.Owner.IsZero() {
		p.Owner = s.Wallet()
	}

	ens, err := s.openOrders.Ensure(ctx, market, p.Owner)
	if err != nil {
		return nil, err
	}
	if ens.Pending {
		return nil, fmt.Errorf("open orders account %s is still being created", ens.Address)
	}
	p.OpenOrders = ens.Address

	ix, err := BuildPlaceOrder(m, p)
	if err != nil {
		if ens.Created {
			s.openOrders.Abandon(market, p.Owner)
		}
		return nil, err
	}
	ixs := append(ens.Instructions, ix)
	var extra []solana.PrivateKey
	if ens.Created {
		extra = append(extra, ens.NewAccount)
	}

	sig, err := s.tx.submit(ctx, ixs, extra...)
	if err != nil {
		// a timed out transaction may still land, so only a definite
		// failure releases the pending account
		switch {
		case ens.Created && errors.Is(err, dex.ErrNetworkTimeout) && !sig.IsZero():
			s.openOrders.Submitted(market, p.Owner, sig)
		case ens.Created:
			s.openOrders.Abandon(market, p.Owner)
		default:
			s.openOrders.Invalidate(market, p.Owner)
		}
		return nil, fmt.Errorf("place order: %w", err)
	}
	s.openOrders.Invalidate(market, p.Owner)

	s.log.Infow("order_placed",
		"market", market,
		"side", p.Side,
		"price_lots", q.PriceLots,
		"size_lots", q.SizeLots,
		"open_orders", ens.Address,
		"created_open_orders", ens.Created,
		"signature", sig,
	)
	return &PlaceOrderResult{
		Signature:         sig,
		OpenOrders:        ens.Address,
		CreatedOpenOrders: ens.Created,
		Quantities:        q,
	}, nil
}

// CancelRequest identifies one resting order. A zero OrderID cancels by
// ClientID. When OpenOrders is zero the order is looked up in the owner's
// open orders accounts, which also fills in Side.
type CancelRequest struct {
	OpenOrders solana.PublicKey
	Side       dex.Side
	OrderID    layout.U128
	ClientID   uint64
}

func (r CancelRequest) String() string {
	if r.OrderID.IsZero() {
		return fmt.Sprintf("client id %d", r.ClientID)
	}
	return fmt.Sprintf("order id %s", r.OrderID)
}

// locate finds the account and side of the order a request names.
func locate(accounts []*OpenOrdersAccount, req CancelRequest) (CancelRequest, bool) {
	for _, acc := range accounts {
		for _, slot := range acc.State.Orders() {
			match := slot.OrderID == req.OrderID
			if req.OrderID.IsZero() {
				match = slot.ClientID == req.ClientID
			}
			if match {
				req.OpenOrders = acc.Address
				req.Side = slot.Side
				return req, true
			}
		}
	}
	return req, false
}

// CancelOrder cancels one of the wallet's resting orders.
func (s *Session) CancelOrder(ctx context.Context, market solana.PublicKey, req CancelRequest) (solana.Signature, error) {
	m, err := s.LoadMarket(ctx, market)
	if err != nil {
		return solana.Signature{}, err
	}
	owner := s.Wallet()

	if req.OpenOrders.IsZero() {
		res, err := s.openOrders.Resolve(ctx, market, owner)
		if err != nil {
			return solana.Signature{}, err
		}
		found, ok := locate(res.Accounts, req)
		if !ok {
			return solana.Signature{}, fmt.Errorf("%s not found in open orders of %s", req, owner)
		}
		req = found
	}

	var ix solana.Instruction
	if req.OrderID.IsZero() {
		ix, err = BuildCancelOrderByClientID(m, owner, req.OpenOrders, req.ClientID)
	} else {
		ix, err = BuildCancelOrder(m, owner, req.OpenOrders, req.Side, req.OrderID)
	}
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := s.tx.submit(ctx, []solana.Instruction{ix})
	s.openOrders.Invalidate(market, owner)
	if err != nil {
		return sig, fmt.Errorf("cancel %s: %w", req, err)
	}
	s.log.Infow("order_cancelled", "market", market, "open_orders", req.OpenOrders, "order", req.String(), "signature", sig)
	return sig, nil
}

// CancelOrders cancels orders one transaction at a time. A failed cancel
// does not stop the rest; each request gets its own Result and the
// returned error combines every failure.
func (s *Session) CancelOrders(ctx context.Context, market solana.PublicKey, reqs []CancelRequest) ([]dex.Result[solana.Signature], error) {
	results := make([]dex.Result[solana.Signature], len(reqs))
	var errs error
	for i, req := range reqs {
		sig, err := s.CancelOrder(ctx, market, req)
		results[i] = dex.Result[solana.Signature]{Value: sig, Err: err}
		errs = multierr.Append(errs, err)
	}
	return results, errs
}
