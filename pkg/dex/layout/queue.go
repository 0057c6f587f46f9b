package layout

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

const (
	// queueHeaderLen excludes the head padding.
	queueHeaderLen = 32

	RequestNodeLen = 80
	EventNodeLen   = 88

	// Program-defined account sizes used when creating a market.
	RequestQueueSpan = 5120 + paddingOverhead
	EventQueueSpan   = 262144 + paddingOverhead
)

// QueueHeader is shared by the request and event queues. The ring starts
// at Head and holds Count entries.
type QueueHeader struct {
	Flags      AccountFlags
	Head       uint64
	Count      uint64
	NextSeqNum uint64
}

// Event flag bits.
const (
	EventFill  uint8 = 1 << 0
	EventOut   uint8 = 1 << 1
	EventBid   uint8 = 1 << 2
	EventMaker uint8 = 1 << 3
)

// Event is one slot of the event queue.
type Event struct {
	Flags                  uint8
	OpenOrdersSlot         uint8
	FeeTier                uint8
	Padding                [5]byte
	NativeQuantityReleased uint64
	NativeQuantityPaid     uint64
	NativeFeeOrRebate      uint64
	OrderID                U128
	OpenOrders             solana.PublicKey
	ClientOrderID          uint64
}

func (e Event) IsFill() bool  { return e.Flags&EventFill != 0 }
func (e Event) IsOut() bool   { return e.Flags&EventOut != 0 }
func (e Event) IsMaker() bool { return e.Flags&EventMaker != 0 }

func (e Event) Side() dex.Side {
	if e.Flags&EventBid != 0 {
		return dex.Bid
	}
	return dex.Ask
}

// Request flag bits.
const (
	RequestNewOrder    uint8 = 1 << 0
	RequestCancelOrder uint8 = 1 << 1
	RequestBid         uint8 = 1 << 2
	RequestPostOnly    uint8 = 1 << 3
	RequestIOC         uint8 = 1 << 4
)

// Request is one slot of the request queue.
type Request struct {
	Flags                     uint8
	OpenOrdersSlot            uint8
	FeeTier                   uint8
	Padding                   [5]byte
	MaxBaseSizeOrCancelID     uint64
	NativeQuoteQuantityLocked uint64
	OrderID                   U128
	OpenOrders                solana.PublicKey
	ClientOrderID             uint64
}

// EventQueue is the decoded event ring. Slots holds the whole ring so that
// encoding reproduces the account byte for byte; Trailing is the remainder
// that does not fit a whole slot.
type EventQueue struct {
	Header   QueueHeader
	Slots    []Event
	Trailing []byte
}

// RequestQueue is the decoded request ring.
type RequestQueue struct {
	Header   QueueHeader
	Slots    []Request
	Trailing []byte
}

func readQueueHeader(r *reader) QueueHeader {
	return QueueHeader{
		Flags:      AccountFlags(r.u64()),
		Head:       r.u64(),
		Count:      r.u64(),
		NextSeqNum: r.u64(),
	}
}

func writeQueueHeader(w *writer, h QueueHeader) {
	w.u64(uint64(h.Flags))
	w.u64(h.Head)
	w.u64(h.Count)
	w.u64(h.NextSeqNum)
}

// queueBody validates padding and returns the ring capacity and the
// remainder length for a queue account.
func queueBody(record string, data []byte, nodeLen int) (int, int, error) {
	minLen := paddingOverhead + queueHeaderLen
	if len(data) < minLen {
		return 0, 0, dex.SpanMismatch(record, minLen, len(data))
	}
	if err := checkPadding(record, data); err != nil {
		return 0, 0, err
	}
	region := len(data) - minLen
	return region / nodeLen, region % nodeLen, nil
}

func checkRing(record string, h QueueHeader, capacity int) error {
	if capacity == 0 {
		if h.Count != 0 {
			return dex.Corrupt(record, "non-empty queue without slots")
		}
		return nil
	}
	if h.Head >= uint64(capacity) || h.Count > uint64(capacity) {
		return dex.Corrupt(record, fmt.Sprintf("head %d count %d outside capacity %d", h.Head, h.Count, capacity))
	}
	return nil
}

// DecodeEventQueue decodes an event queue account.
func DecodeEventQueue(data []byte) (*EventQueue, error) {
	capacity, rest, err := queueBody("event_queue", data, EventNodeLen)
	if err != nil {
		return nil, err
	}
	r := newReader("event_queue", data[headPaddingLen:len(data)-tailPaddingLen])
	q := &EventQueue{Header: readQueueHeader(r), Slots: make([]Event, capacity)}
	for i := range q.Slots {
		e := &q.Slots[i]
		e.Flags = r.u8()
		e.OpenOrdersSlot = r.u8()
		e.FeeTier = r.u8()
		copy(e.Padding[:], r.bytes(5))
		e.NativeQuantityReleased = r.u64()
		e.NativeQuantityPaid = r.u64()
		e.NativeFeeOrRebate = r.u64()
		e.OrderID = r.u128()
		e.OpenOrders = r.pubkey()
		e.ClientOrderID = r.u64()
	}
	q.Trailing = r.bytes(rest)
	if r.err != nil {
		return nil, r.err
	}
	if err := q.Header.Flags.validate("event_queue", FlagEventQueue); err != nil {
		return nil, err
	}
	if err := checkRing("event_queue", q.Header, capacity); err != nil {
		return nil, err
	}
	return q, nil
}

// Encode writes the whole ring back into an account-sized buffer.
func (q *EventQueue) Encode() ([]byte, error) {
	span := paddingOverhead + queueHeaderLen + len(q.Slots)*EventNodeLen + len(q.Trailing)
	w := newWriter(span)
	w.raw(headPadding)
	writeQueueHeader(w, q.Header)
	for _, e := range q.Slots {
		w.u8(e.Flags)
		w.u8(e.OpenOrdersSlot)
		w.u8(e.FeeTier)
		w.raw(e.Padding[:])
		w.u64(e.NativeQuantityReleased)
		w.u64(e.NativeQuantityPaid)
		w.u64(e.NativeFeeOrRebate)
		w.u128(e.OrderID)
		w.pubkey(e.OpenOrders)
		w.u64(e.ClientOrderID)
	}
	w.raw(q.Trailing)
	return w.finish("event_queue", span)
}

// Events returns the queued events from head, oldest first.
func (q *EventQueue) Events() []Event {
	out := make([]Event, 0, q.Header.Count)
	n := uint64(len(q.Slots))
	for i := uint64(0); i < q.Header.Count && n > 0; i++ {
		out = append(out, q.Slots[(q.Header.Head+i)%n])
	}
	return out
}

// DecodeRequestQueue decodes a request queue account.
func DecodeRequestQueue(data []byte) (*RequestQueue, error) {
	capacity, rest, err := queueBody("request_queue", data, RequestNodeLen)
	if err != nil {
		return nil, err
	}
	r := newReader("request_queue", data[headPaddingLen:len(data)-tailPaddingLen])
	q := &RequestQueue{Header: readQueueHeader(r), Slots: make([]Request, capacity)}
	for i := range q.Slots {
		req := &q.Slots[i]
		req.Flags = r.u8()
		req.OpenOrdersSlot = r.u8()
		req.FeeTier = r.u8()
		copy(req.Padding[:], r.bytes(5))
		req.MaxBaseSizeOrCancelID = r.u64()
		req.NativeQuoteQuantityLocked = r.u64()
		req.OrderID = r.u128()
		req.OpenOrders = r.pubkey()
		req.ClientOrderID = r.u64()
	}
	q.Trailing = r.bytes(rest)
	if r.err != nil {
		return nil, r.err
	}
	if err := q.Header.Flags.validate("request_queue", FlagRequestQueue); err != nil {
		return nil, err
	}
	if err := checkRing("request_queue", q.Header, capacity); err != nil {
		return nil, err
	}
	return q, nil
}

// Encode writes the whole ring back into an account-sized buffer.
func (q *RequestQueue) Encode() ([]byte, error) {
	span := paddingOverhead + queueHeaderLen + len(q.Slots)*RequestNodeLen + len(q.Trailing)
	w := newWriter(span)
	w.raw(headPadding)
	writeQueueHeader(w, q.Header)
	for _, req := range q.Slots {
		w.u8(req.Flags)
		w.u8(req.OpenOrdersSlot)
		w.u8(req.FeeTier)
		w.raw(req.Padding[:])
		w.u64(req.MaxBaseSizeOrCancelID)
		w.u64(req.NativeQuoteQuantityLocked)
		w.u128(req.OrderID)
		w.pubkey(req.OpenOrders)
		w.u64(req.ClientOrderID)
	}
	w.raw(q.Trailing)
	return w.finish("request_queue", span)
}

// Requests returns the queued requests from head, oldest first.
func (q *RequestQueue) Requests() []Request {
	out := make([]Request, 0, q.Header.Count)
	n := uint64(len(q.Slots))
	for i := uint64(0); i < q.Header.Count && n > 0; i++ {
		out = append(out, q.Slots[(q.Header.Head+i)%n])
	}
	return out
}
