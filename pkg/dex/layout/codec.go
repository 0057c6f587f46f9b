package layout

import (
	"bytes"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

// Every DEX-owned account is wrapped in these magic bytes.
var (
	headPadding = []byte("serum")
	tailPadding = []byte("padding")
)

const (
	headPaddingLen  = 5
	tailPaddingLen  = 7
	paddingOverhead = headPaddingLen + tailPaddingLen
)

// U128 is a little-endian 128-bit integer split in two words.
// For order ids the high word is the limit price in lots and the low word is
// the sequence number.
type U128 struct {
	Lo uint64
	Hi uint64
}

// Bit reports whether bit i (0..127) is set.
func (u U128) Bit(i int) bool {
	if i < 64 {
		return u.Lo>>uint(i)&1 == 1
	}
	return u.Hi>>uint(i-64)&1 == 1
}

// SetBit returns a copy with bit i set to v.
func (u U128) SetBit(i int, v bool) U128 {
	if i < 64 {
		if v {
			u.Lo |= 1 << uint(i)
		} else {
			u.Lo &^= 1 << uint(i)
		}
		return u
	}
	if v {
		u.Hi |= 1 << uint(i-64)
	} else {
		u.Hi &^= 1 << uint(i-64)
	}
	return u
}

func (u U128) IsZero() bool { return u.Lo == 0 && u.Hi == 0 }

// Big returns the value as a big.Int.
func (u U128) Big() *big.Int {
	v := new(big.Int).SetUint64(u.Hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(u.Lo))
}

func (u U128) String() string { return u.Big().String() }

// ParseU128 parses a base-10 string.
func ParseU128(s string) (U128, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return U128{}, fmt.Errorf("invalid u128 %q", s)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	return U128{Lo: lo, Hi: hi}, nil
}

// reader walks a record with a sticky error, so decoders read every field
// and check once at the end.
type reader struct {
	dec    *bin.Decoder
	record string
	err    error
}

func newReader(record string, data []byte) *reader {
	return &reader{dec: bin.NewBinDecoder(data), record: record}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = dex.Corrupt(r.record, fmt.Sprintf("truncated: %v", err))
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint8()
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint32(bin.LE)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(bin.LE)
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) u128() U128 {
	lo := r.u64()
	hi := r.u64()
	return U128{Lo: lo, Hi: hi}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	v, err := r.dec.ReadNBytes(n)
	if err != nil {
		r.fail(err)
		return make([]byte, n)
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

func (r *reader) pubkey() solana.PublicKey {
	return solana.PublicKeyFromBytes(r.bytes(solana.PublicKeyLength))
}

// writer mirrors reader for encoding.
type writer struct {
	buf bytes.Buffer
	enc *bin.Encoder
	err error
}

func newWriter(span int) *writer {
	w := &writer{}
	w.buf.Grow(span)
	w.enc = bin.NewBinEncoder(&w.buf)
	return w
}

func (w *writer) check(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *writer) u8(v uint8)   { w.check(w.enc.WriteUint8(v)) }
func (w *writer) u32(v uint32) { w.check(w.enc.WriteUint32(v, bin.LE)) }
func (w *writer) u64(v uint64) { w.check(w.enc.WriteUint64(v, bin.LE)) }

func (w *writer) u128(v U128) {
	w.u64(v.Lo)
	w.u64(v.Hi)
}

func (w *writer) raw(b []byte)              { w.check(w.enc.WriteBytes(b, false)) }
func (w *writer) pubkey(k solana.PublicKey) { w.raw(k[:]) }
func (w *writer) bytesOut() ([]byte, error) { return w.buf.Bytes(), w.err }

// checkPadding verifies the head and tail magic of a DEX record.
func checkPadding(record string, data []byte) error {
	if len(data) < paddingOverhead {
		return dex.Corrupt(record, "shorter than padding")
	}
	if !bytes.Equal(data[:headPaddingLen], headPadding) {
		return dex.Corrupt(record, "bad head padding")
	}
	if !bytes.Equal(data[len(data)-tailPaddingLen:], tailPadding) {
		return dex.Corrupt(record, "bad tail padding")
	}
	return nil
}

// finish appends the tail magic and checks the produced span.
func (w *writer) finish(record string, span int) ([]byte, error) {
	w.raw(tailPadding)
	out, err := w.bytesOut()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", record, err)
	}
	if len(out) != span {
		return nil, fmt.Errorf("encode %s: produced %d bytes, want %d", record, len(out), span)
	}
	return out, nil
}
