// Package book turns bids and asks accounts into ordered resting orders.
package book

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
	"github.com/uhyunpark/serumdex/pkg/dex/lots"
)

// Order is one resting order as seen by the client.
type Order struct {
	OrderID        layout.U128
	ClientID       uint64
	OpenOrders     solana.PublicKey
	OpenOrdersSlot uint8
	FeeTier        uint8
	Side           dex.Side
	PriceLots      uint64
	SizeLots       uint64
	Price          decimal.Decimal
	Size           decimal.Decimal
}

// Book is one side of a market in display order: bids best (highest) price
// first, asks best (lowest) price first.
type Book struct {
	Side      dex.Side
	Orders    []Order
	Converter lots.Converter
}

// Level is an aggregated price level.
type Level struct {
	PriceLots uint64
	SizeLots  uint64
	Price     decimal.Decimal
	Size      decimal.Decimal
	Orders    int
}

// Decode decodes a bids or asks account.
func Decode(data []byte, conv lots.Converter) (*Book, error) {
	slab, err := layout.DecodeSlab(data)
	if err != nil {
		return nil, err
	}
	return FromSlab(slab, conv)
}

// FromSlab walks a decoded slab in display order.
func FromSlab(slab *layout.Slab, conv lots.Converter) (*Book, error) {
	side := dex.Ask
	if slab.IsBids() {
		side = dex.Bid
	}
	leaves, err := slab.Leaves(side == dex.Bid)
	if err != nil {
		return nil, fmt.Errorf("walk %s book: %w", side, err)
	}
	b := &Book{Side: side, Orders: make([]Order, 0, len(leaves)), Converter: conv}
	for _, l := range leaves {
		b.Orders = append(b.Orders, Order{
			OrderID:        l.Key,
			ClientID:       l.ClientOrderID,
			OpenOrders:     l.Owner,
			OpenOrdersSlot: l.OwnerSlot,
			FeeTier:        l.FeeTier,
			Side:           side,
			PriceLots:      l.Price(),
			SizeLots:       l.Quantity,
			Price:          conv.PriceLotsToNumber(l.Price()),
			Size:           conv.SizeLotsToNumber(l.Quantity),
		})
	}
	return b, nil
}

// Levels aggregates orders by price. depth <= 0 returns every level.
func (b *Book) Levels(depth int) []Level {
	var out []Level
	for _, o := range b.Orders {
		if n := len(out); n > 0 && out[n-1].PriceLots == o.PriceLots {
			out[n-1].SizeLots += o.SizeLots
			out[n-1].Orders++
			continue
		}
		if depth > 0 && len(out) == depth {
			break
		}
		out = append(out, Level{PriceLots: o.PriceLots, SizeLots: o.SizeLots, Orders: 1})
	}
	for i := range out {
		out[i].Price = b.Converter.PriceLotsToNumber(out[i].PriceLots)
		out[i].Size = b.Converter.SizeLotsToNumber(out[i].SizeLots)
	}
	return out
}

// OwnedBy matches orders resting in any of the given open orders accounts.
func OwnedBy(openOrders ...solana.PublicKey) func(Order) bool {
	set := make(map[solana.PublicKey]struct{}, len(openOrders))
	for _, a := range openOrders {
		set[a] = struct{}{}
	}
	return func(o Order) bool {
		_, ok := set[o.OpenOrders]
		return ok
	}
}

// Filter returns the orders matching owned, in display order.
func (b *Book) Filter(owned func(Order) bool) []Order {
	var out []Order
	for _, o := range b.Orders {
		if owned(o) {
			out = append(out, o)
		}
	}
	return out
}
