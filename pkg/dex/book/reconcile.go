package book

import "github.com/uhyunpark/serumdex/pkg/dex"

// Reconcile returns the owner's resting orders with true individual sizes.
//
// Snapshots report the first of several same-owner orders at one price with
// the level's aggregate size instead of its own. Within each price the first
// entry in processing order (bids walked from the back of the display order,
// asks from the front) gets the sizes of the later entries subtracted; the
// rest are already correct. The result keeps display order.
//
// The processing order is inferred from observed snapshots, not from the
// program; a head entry smaller than its followers is clamped at zero.
func (b *Book) Reconcile(owned func(Order) bool) []Order {
	own := b.Filter(owned)
	if len(own) < 2 {
		return own
	}

	order := make([]int, len(own))
	for i := range order {
		order[i] = i
	}
	if b.Side == dex.Bid {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	head := make(map[uint64]int)
	tail := make(map[uint64]uint64)
	for _, i := range order {
		p := own[i].PriceLots
		if _, ok := head[p]; !ok {
			head[p] = i
			continue
		}
		tail[p] += own[i].SizeLots
	}

	for p, sum := range tail {
		o := &own[head[p]]
		if o.SizeLots > sum {
			o.SizeLots -= sum
		} else {
			o.SizeLots = 0
		}
		o.Size = b.Converter.SizeLotsToNumber(o.SizeLots)
	}
	return own
}
