package layout

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

const (
	OpenOrdersSpanV1 = 3220
	OpenOrdersSpanV2 = 3228

	// OpenOrdersSlots is the fixed capacity of an open orders account.
	OpenOrdersSlots = 128

	// Byte offsets used by program-account scans (memcmp filters).
	OpenOrdersMarketOffset = headPaddingLen + 8
	OpenOrdersOwnerOffset  = OpenOrdersMarketOffset + 32
)

// OpenOrdersSpan returns the account size for a layout version.
func OpenOrdersSpan(v LayoutVersion) int {
	if v == LayoutV1 {
		return OpenOrdersSpanV1
	}
	return OpenOrdersSpanV2
}

// OpenOrders tracks one owner's resting orders and balances in one market.
type OpenOrders struct {
	Version LayoutVersion
	Flags   AccountFlags

	Market solana.PublicKey
	Owner  solana.PublicKey

	BaseTokenFree   uint64
	BaseTokenTotal  uint64
	QuoteTokenFree  uint64
	QuoteTokenTotal uint64

	FreeSlotBits U128 // bit set: slot is free
	IsBidBits    U128 // bit set: slot holds a bid

	OrderIDs  [OpenOrdersSlots]U128
	ClientIDs [OpenOrdersSlots]uint64

	ReferrerRebatesAccrued uint64
}

// OrderSlot is an occupied slot of an open orders account.
type OrderSlot struct {
	Slot     int
	OrderID  U128
	Price    uint64 // limit price in lots
	Side     dex.Side
	ClientID uint64
}

// DecodeOpenOrders picks the layout from the data length.
func DecodeOpenOrders(data []byte) (*OpenOrders, error) {
	switch len(data) {
	case OpenOrdersSpanV1:
		return DecodeOpenOrdersVersion(data, LayoutV1)
	case OpenOrdersSpanV2:
		return DecodeOpenOrdersVersion(data, LayoutV2)
	default:
		return nil, dex.SpanMismatch("open_orders", OpenOrdersSpanV2, len(data))
	}
}

// DecodeOpenOrdersVersion decodes an open orders record of a known layout.
func DecodeOpenOrdersVersion(data []byte, v LayoutVersion) (*OpenOrders, error) {
	if span := OpenOrdersSpan(v); len(data) != span {
		return nil, dex.SpanMismatch("open_orders", span, len(data))
	}
	if err := checkPadding("open_orders", data); err != nil {
		return nil, err
	}

	r := newReader("open_orders", data[headPaddingLen:len(data)-tailPaddingLen])
	oo := &OpenOrders{Version: v}
	oo.Flags = AccountFlags(r.u64())
	oo.Market = r.pubkey()
	oo.Owner = r.pubkey()
	oo.BaseTokenFree = r.u64()
	oo.BaseTokenTotal = r.u64()
	oo.QuoteTokenFree = r.u64()
	oo.QuoteTokenTotal = r.u64()
	oo.FreeSlotBits = r.u128()
	oo.IsBidBits = r.u128()
	for i := range oo.OrderIDs {
		oo.OrderIDs[i] = r.u128()
	}
	for i := range oo.ClientIDs {
		oo.ClientIDs[i] = r.u64()
	}
	if v == LayoutV2 {
		oo.ReferrerRebatesAccrued = r.u64()
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := oo.Flags.validate("open_orders", FlagOpenOrders); err != nil {
		return nil, err
	}
	return oo, nil
}

// Encode writes the record in its own layout version.
func (oo *OpenOrders) Encode() ([]byte, error) {
	if oo.Version != LayoutV1 && oo.Version != LayoutV2 {
		return nil, fmt.Errorf("encode open_orders: unknown layout %s", oo.Version)
	}
	span := OpenOrdersSpan(oo.Version)
	w := newWriter(span)
	w.raw(headPadding)
	w.u64(uint64(oo.Flags))
	w.pubkey(oo.Market)
	w.pubkey(oo.Owner)
	w.u64(oo.BaseTokenFree)
	w.u64(oo.BaseTokenTotal)
	w.u64(oo.QuoteTokenFree)
	w.u64(oo.QuoteTokenTotal)
	w.u128(oo.FreeSlotBits)
	w.u128(oo.IsBidBits)
	for _, id := range oo.OrderIDs {
		w.u128(id)
	}
	for _, id := range oo.ClientIDs {
		w.u64(id)
	}
	if oo.Version == LayoutV2 {
		w.u64(oo.ReferrerRebatesAccrued)
	}
	return w.finish("open_orders", span)
}

// Orders returns the occupied slots in slot order.
func (oo *OpenOrders) Orders() []OrderSlot {
	var out []OrderSlot
	for i := 0; i < OpenOrdersSlots; i++ {
		if oo.FreeSlotBits.Bit(i) {
			continue
		}
		side := dex.Ask
		if oo.IsBidBits.Bit(i) {
			side = dex.Bid
		}
		out = append(out, OrderSlot{
			Slot:     i,
			OrderID:  oo.OrderIDs[i],
			Price:    oo.OrderIDs[i].Hi,
			Side:     side,
			ClientID: oo.ClientIDs[i],
		})
	}
	return out
}

// Empty reports whether no funds are held, which is required to close it.
func (oo *OpenOrders) Empty() bool {
	return oo.BaseTokenTotal == 0 && oo.QuoteTokenTotal == 0
}

// NewOpenOrders returns an initialized, empty record with every slot free.
func NewOpenOrders(v LayoutVersion, market, owner solana.PublicKey) *OpenOrders {
	return &OpenOrders{
		Version:      v,
		Flags:        FlagInitialized | FlagOpenOrders,
		Market:       market,
		Owner:        owner,
		FreeSlotBits: U128{Lo: ^uint64(0), Hi: ^uint64(0)},
	}
}
