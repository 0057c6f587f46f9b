package dex

import (
	"fmt"
	"strings"
)

// Side is the order side as encoded on-chain (u32).
type Side uint32

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "buy"
	case Ask:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts buy/bid and sell/ask.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "bid":
		return Bid, nil
	case "sell", "ask":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// SelfTradeBehavior controls what the matching engine does when an order
// would cross a resting order of the same owner.
type SelfTradeBehavior uint32

const (
	DecrementTake SelfTradeBehavior = iota
	CancelProvide
	AbortTransaction
)

func (b SelfTradeBehavior) String() string {
	switch b {
	case DecrementTake:
		return "decrementTake"
	case CancelProvide:
		return "cancelProvide"
	case AbortTransaction:
		return "abortTransaction"
	default:
		return "unknown"
	}
}

// ParseSelfTradeBehavior accepts the camelCase names used by String.
func ParseSelfTradeBehavior(s string) (SelfTradeBehavior, error) {
	for _, b := range []SelfTradeBehavior{DecrementTake, CancelProvide, AbortTransaction} {
		if strings.EqualFold(s, b.String()) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown self trade behavior %q", s)
}

// OrderType is the time-in-force of a new order.
type OrderType uint32

const (
	Limit OrderType = iota
	ImmediateOrCancel
	PostOnly
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case ImmediateOrCancel:
		return "ioc"
	case PostOnly:
		return "postOnly"
	default:
		return "unknown"
	}
}

// ParseOrderType accepts limit, ioc and postOnly.
func ParseOrderType(s string) (OrderType, error) {
	for _, t := range []OrderType{Limit, ImmediateOrCancel, PostOnly} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

// Result carries the outcome of one item of a batch operation, so a failed
// item does not abort its siblings.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the item succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }
