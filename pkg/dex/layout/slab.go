package layout

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

const (
	slabHeaderLen = 8 + 32 // account flags + slab header
	SlabNodeLen   = 72
	slabNodeData  = SlabNodeLen - 4

	// SlabSpan is the program-defined size of a bids or asks account.
	SlabSpan = 65536 + paddingOverhead
)

// NodeTag identifies the variant stored in a slab node.
type NodeTag uint32

const (
	NodeUninitialized NodeTag = iota
	NodeInner
	NodeLeaf
	NodeFree
	NodeLastFree
)

// SlabHeader describes the crit-bit tree stored in a bids or asks account.
type SlabHeader struct {
	BumpIndex    uint64
	FreeListLen  uint64
	FreeListHead uint32
	Root         uint32
	LeafCount    uint64
}

// SlabNode keeps the node payload raw so free and uninitialized nodes
// round-trip unchanged; Inner and Leaf interpret it.
type SlabNode struct {
	Tag  NodeTag
	Data [slabNodeData]byte
}

// InnerNode is a crit-bit branch.
type InnerNode struct {
	PrefixLen uint32
	Key       U128
	Children  [2]uint32
}

// LeafNode is one resting order.
type LeafNode struct {
	OwnerSlot     uint8
	FeeTier       uint8
	Key           U128             // order id: price in Hi, sequence number in Lo
	Owner         solana.PublicKey // open orders account
	Quantity      uint64           // in base lots
	ClientOrderID uint64
}

func (l LeafNode) Price() uint64 { return l.Key.Hi }

// Inner interprets the node as an inner node.
func (n SlabNode) Inner() InnerNode {
	d := n.Data[:]
	return InnerNode{
		PrefixLen: binary.LittleEndian.Uint32(d[0:4]),
		Key:       U128{Lo: binary.LittleEndian.Uint64(d[4:12]), Hi: binary.LittleEndian.Uint64(d[12:20])},
		Children: [2]uint32{
			binary.LittleEndian.Uint32(d[20:24]),
			binary.LittleEndian.Uint32(d[24:28]),
		},
	}
}

// Leaf interprets the node as a leaf node.
func (n SlabNode) Leaf() LeafNode {
	d := n.Data[:]
	return LeafNode{
		OwnerSlot:     d[0],
		FeeTier:       d[1],
		Key:           U128{Lo: binary.LittleEndian.Uint64(d[4:12]), Hi: binary.LittleEndian.Uint64(d[12:20])},
		Owner:         solana.PublicKeyFromBytes(d[20:52]),
		Quantity:      binary.LittleEndian.Uint64(d[52:60]),
		ClientOrderID: binary.LittleEndian.Uint64(d[60:68]),
	}
}

// NewInnerNode builds an inner node.
func NewInnerNode(in InnerNode) SlabNode {
	n := SlabNode{Tag: NodeInner}
	d := n.Data[:]
	binary.LittleEndian.PutUint32(d[0:4], in.PrefixLen)
	binary.LittleEndian.PutUint64(d[4:12], in.Key.Lo)
	binary.LittleEndian.PutUint64(d[12:20], in.Key.Hi)
	binary.LittleEndian.PutUint32(d[20:24], in.Children[0])
	binary.LittleEndian.PutUint32(d[24:28], in.Children[1])
	return n
}

// NewLeafNode builds a leaf node.
func NewLeafNode(l LeafNode) SlabNode {
	n := SlabNode{Tag: NodeLeaf}
	d := n.Data[:]
	d[0] = l.OwnerSlot
	d[1] = l.FeeTier
	binary.LittleEndian.PutUint64(d[4:12], l.Key.Lo)
	binary.LittleEndian.PutUint64(d[12:20], l.Key.Hi)
	copy(d[20:52], l.Owner[:])
	binary.LittleEndian.PutUint64(d[52:60], l.Quantity)
	binary.LittleEndian.PutUint64(d[60:68], l.ClientOrderID)
	return n
}

// Slab is a decoded bids or asks account.
type Slab struct {
	Flags    AccountFlags
	Header   SlabHeader
	Nodes    []SlabNode
	Trailing []byte
}

// IsBids reports whether the slab holds the bid side of the book.
func (s *Slab) IsBids() bool { return s.Flags.Has(FlagBids) }

// DecodeSlab decodes a bids or asks account.
func DecodeSlab(data []byte) (*Slab, error) {
	minLen := paddingOverhead + slabHeaderLen
	if len(data) < minLen {
		return nil, dex.SpanMismatch("slab", minLen, len(data))
	}
	if err := checkPadding("slab", data); err != nil {
		return nil, err
	}
	region := len(data) - minLen
	count, rest := region/SlabNodeLen, region%SlabNodeLen

	r := newReader("slab", data[headPaddingLen:len(data)-tailPaddingLen])
	s := &Slab{Flags: AccountFlags(r.u64())}
	s.Header.BumpIndex = r.u64()
	s.Header.FreeListLen = r.u64()
	s.Header.FreeListHead = r.u32()
	s.Header.Root = r.u32()
	s.Header.LeafCount = r.u64()
	s.Nodes = make([]SlabNode, count)
	for i := range s.Nodes {
		s.Nodes[i].Tag = NodeTag(r.u32())
		copy(s.Nodes[i].Data[:], r.bytes(slabNodeData))
	}
	s.Trailing = r.bytes(rest)
	if r.err != nil {
		return nil, r.err
	}

	if unknown := s.Flags &^ knownFlags; unknown != 0 {
		return nil, dex.Corrupt("slab", fmt.Sprintf("invalid flag bits %#x", uint64(unknown)))
	}
	if !s.Flags.Has(FlagInitialized) || s.Flags.Has(FlagBids) == s.Flags.Has(FlagAsks) {
		return nil, dex.Corrupt("slab", fmt.Sprintf("flags %s are neither bids nor asks", s.Flags))
	}
	if s.Header.BumpIndex > uint64(count) {
		return nil, dex.Corrupt("slab", fmt.Sprintf("bump index %d beyond %d nodes", s.Header.BumpIndex, count))
	}
	return s, nil
}

// Encode writes the slab back into an account-sized buffer.
func (s *Slab) Encode() ([]byte, error) {
	span := paddingOverhead + slabHeaderLen + len(s.Nodes)*SlabNodeLen + len(s.Trailing)
	w := newWriter(span)
	w.raw(headPadding)
	w.u64(uint64(s.Flags))
	w.u64(s.Header.BumpIndex)
	w.u64(s.Header.FreeListLen)
	w.u32(s.Header.FreeListHead)
	w.u32(s.Header.Root)
	w.u64(s.Header.LeafCount)
	for _, n := range s.Nodes {
		w.u32(uint32(n.Tag))
		w.raw(n.Data[:])
	}
	w.raw(s.Trailing)
	return w.finish("slab", span)
}

// Leaves walks the tree and returns the leaves ordered by key, ascending or
// descending. A malformed tree is reported as a corrupt account.
func (s *Slab) Leaves(descending bool) ([]LeafNode, error) {
	if s.Header.LeafCount == 0 {
		return nil, nil
	}
	if s.Header.LeafCount > uint64(len(s.Nodes)) {
		return nil, dex.Corrupt("slab", fmt.Sprintf("leaf count %d exceeds %d nodes", s.Header.LeafCount, len(s.Nodes)))
	}
	out := make([]LeafNode, 0, s.Header.LeafCount)
	stack := []uint32{s.Header.Root}
	// a well-formed tree visits each node once
	budget := len(s.Nodes)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if int(idx) >= len(s.Nodes) {
			return nil, dex.Corrupt("slab", fmt.Sprintf("node index %d out of range", idx))
		}
		if budget == 0 {
			return nil, dex.Corrupt("slab", "tree contains a cycle")
		}
		budget--

		node := s.Nodes[idx]
		switch node.Tag {
		case NodeInner:
			in := node.Inner()
			// push the child to visit second first
			if descending {
				stack = append(stack, in.Children[0], in.Children[1])
			} else {
				stack = append(stack, in.Children[1], in.Children[0])
			}
		case NodeLeaf:
			out = append(out, node.Leaf())
		default:
			return nil, dex.Corrupt("slab", fmt.Sprintf("unexpected node tag %d in tree", node.Tag))
		}
	}
	if uint64(len(out)) != s.Header.LeafCount {
		return nil, dex.Corrupt("slab", fmt.Sprintf("found %d leaves, header says %d", len(out), s.Header.LeafCount))
	}
	return out, nil
}

// NewSlab lays the leaves out as a balanced tree in a slab with room for
// capacity nodes. Children[0] always holds the lower keys.
func NewSlab(bids bool, leaves []LeafNode, capacity int) (*Slab, error) {
	sorted := make([]LeafNode, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return lessU128(sorted[i].Key, sorted[j].Key) })

	flags := FlagInitialized | FlagAsks
	if bids {
		flags = FlagInitialized | FlagBids
	}
	s := &Slab{Flags: flags, Nodes: make([]SlabNode, 0, capacity)}
	if len(sorted) > 0 {
		if need := 2*len(sorted) - 1; need > capacity {
			return nil, fmt.Errorf("slab: %d leaves need %d nodes, capacity %d", len(sorted), need, capacity)
		}
		s.Header.Root = s.build(sorted)
	}
	s.Header.BumpIndex = uint64(len(s.Nodes))
	s.Header.LeafCount = uint64(len(sorted))
	for len(s.Nodes) < capacity {
		s.Nodes = append(s.Nodes, SlabNode{})
	}
	s.Trailing = []byte{}
	return s, nil
}

func (s *Slab) build(leaves []LeafNode) uint32 {
	if len(leaves) == 1 {
		s.Nodes = append(s.Nodes, NewLeafNode(leaves[0]))
		return uint32(len(s.Nodes) - 1)
	}
	idx := len(s.Nodes)
	s.Nodes = append(s.Nodes, SlabNode{})
	mid := len(leaves) / 2
	left := s.build(leaves[:mid])
	right := s.build(leaves[mid:])
	s.Nodes[idx] = NewInnerNode(InnerNode{
		PrefixLen: commonPrefixLen(leaves[mid-1].Key, leaves[mid].Key),
		Key:       leaves[mid].Key,
		Children:  [2]uint32{left, right},
	})
	return uint32(idx)
}

func lessU128(a, b U128) bool {
	if a.Hi != b.Hi {
		return a.Hi < b.Hi
	}
	return a.Lo < b.Lo
}

func commonPrefixLen(a, b U128) uint32 {
	if x := a.Hi ^ b.Hi; x != 0 {
		return uint32(bits.LeadingZeros64(x))
	}
	return 64 + uint32(bits.LeadingZeros64(a.Lo^b.Lo))
}
