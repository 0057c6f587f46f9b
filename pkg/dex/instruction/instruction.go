// Package instruction builds DEX program instructions. Instruction data is a
// version byte (always 0) followed by a little-endian u32 tag and the
// instruction's fixed parameters.
package instruction

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
)

// Tag identifies a DEX instruction.
type Tag uint32

const (
	TagInitializeMarket        Tag = 0
	TagSettleFunds             Tag = 5
	TagNewOrderV3              Tag = 10
	TagCancelOrderV2           Tag = 11
	TagCancelOrderByClientIDV2 Tag = 12
	TagCloseOpenOrders         Tag = 14
)

const dataVersion = 0

func (t Tag) String() string {
	switch t {
	case TagInitializeMarket:
		return "initializeMarket"
	case TagSettleFunds:
		return "settleFunds"
	case TagNewOrderV3:
		return "newOrderV3"
	case TagCancelOrderV2:
		return "cancelOrderV2"
	case TagCancelOrderByClientIDV2:
		return "cancelOrderByClientIdV2"
	case TagCloseOpenOrders:
		return "closeOpenOrders"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

type dataWriter struct {
	buf bytes.Buffer
	enc *bin.Encoder
	err error
}

func newData(tag Tag) *dataWriter {
	d := &dataWriter{}
	d.enc = bin.NewBinEncoder(&d.buf)
	d.u8(dataVersion)
	d.u32(uint32(tag))
	return d
}

func (d *dataWriter) check(err error) {
	if err != nil && d.err == nil {
		d.err = err
	}
}

func (d *dataWriter) u8(v uint8)   { d.check(d.enc.WriteUint8(v)) }
func (d *dataWriter) u16(v uint16) { d.check(d.enc.WriteUint16(v, bin.LE)) }
func (d *dataWriter) u32(v uint32) { d.check(d.enc.WriteUint32(v, bin.LE)) }
func (d *dataWriter) u64(v uint64) { d.check(d.enc.WriteUint64(v, bin.LE)) }

func (d *dataWriter) u128(v layout.U128) {
	d.u64(v.Lo)
	d.u64(v.Hi)
}

func (d *dataWriter) bytes(tag Tag) ([]byte, error) {
	if d.err != nil {
		return nil, fmt.Errorf("encode %s: %w: %v", tag, dex.ErrTransactionBuild, d.err)
	}
	return d.buf.Bytes(), nil
}

func writable(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, true, false) }
func readonly(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, false, false) }
func signer(k solana.PublicKey) *solana.AccountMeta   { return solana.NewAccountMeta(k, false, true) }

// InitializeMarketAccounts lists the accounts an InitializeMarket
// instruction references.
type InitializeMarketAccounts struct {
	Market       solana.PublicKey
	RequestQueue solana.PublicKey
	EventQueue   solana.PublicKey
	Bids         solana.PublicKey
	Asks         solana.PublicKey
	BaseVault    solana.PublicKey
	QuoteVault   solana.PublicKey
	BaseMint     solana.PublicKey
	QuoteMint    solana.PublicKey
}

// InitializeMarketParams are the trading parameters of a new market.
type InitializeMarketParams struct {
	BaseLotSize        uint64
	QuoteLotSize       uint64
	FeeRateBps         uint16
	VaultSignerNonce   uint64
	QuoteDustThreshold uint64
}

// InitializeMarket builds the instruction that initializes a market over
// freshly allocated accounts.
func InitializeMarket(programID solana.PublicKey, a InitializeMarketAccounts, p InitializeMarketParams) (solana.Instruction, error) {
	d := newData(TagInitializeMarket)
	d.u64(p.BaseLotSize)
	d.u64(p.QuoteLotSize)
	d.u16(p.FeeRateBps)
	d.u64(p.VaultSignerNonce)
	d.u64(p.QuoteDustThreshold)
	data, err := d.bytes(TagInitializeMarket)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		writable(a.Market),
		writable(a.RequestQueue),
		writable(a.EventQueue),
		writable(a.Bids),
		writable(a.Asks),
		writable(a.BaseVault),
		writable(a.QuoteVault),
		readonly(a.BaseMint),
		readonly(a.QuoteMint),
		readonly(solana.SysVarRentPubkey),
	}, data), nil
}

// MarketAccounts are the market-level accounts order instructions reference.
type MarketAccounts struct {
	Market       solana.PublicKey
	RequestQueue solana.PublicKey
	EventQueue   solana.PublicKey
	Bids         solana.PublicKey
	Asks         solana.PublicKey
	BaseVault    solana.PublicKey
	QuoteVault   solana.PublicKey
}

// NewOrderParams are the fixed parameters of a NewOrderV3 instruction.
type NewOrderParams struct {
	Side              dex.Side
	LimitPrice        uint64 // quote lots per base lot
	MaxBaseQuantity   uint64 // base lots
	MaxQuoteQuantity  uint64 // native quote, fees included
	SelfTradeBehavior dex.SelfTradeBehavior
	OrderType         dex.OrderType
	ClientID          uint64
	Limit             uint16 // max matching iterations
}

// DefaultMatchLimit bounds matching iterations per new order.
const DefaultMatchLimit = 65535

// NewOrderV3 builds a place-order instruction. feeDiscount is appended when
// not zero.
func NewOrderV3(programID solana.PublicKey, m MarketAccounts, openOrders, payer, owner, feeDiscount solana.PublicKey, p NewOrderParams) (solana.Instruction, error) {
	d := newData(TagNewOrderV3)
	d.u32(uint32(p.Side))
	d.u64(p.LimitPrice)
	d.u64(p.MaxBaseQuantity)
	d.u64(p.MaxQuoteQuantity)
	d.u32(uint32(p.SelfTradeBehavior))
	d.u32(uint32(p.OrderType))
	d.u64(p.ClientID)
	d.u16(p.Limit)
	data, err := d.bytes(TagNewOrderV3)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		writable(m.Market),
		writable(openOrders),
		writable(m.RequestQueue),
		writable(m.EventQueue),
		writable(m.Bids),
		writable(m.Asks),
		writable(payer),
		signer(owner),
		writable(m.BaseVault),
		writable(m.QuoteVault),
		readonly(solana.TokenProgramID),
		readonly(solana.SysVarRentPubkey),
	}
	if !feeDiscount.IsZero() {
		metas = append(metas, readonly(feeDiscount))
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func cancelAccounts(m MarketAccounts, openOrders, owner solana.PublicKey) solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		readonly(m.Market),
		writable(m.Bids),
		writable(m.Asks),
		writable(openOrders),
		signer(owner),
		writable(m.EventQueue),
	}
}

// CancelOrderV2 cancels a resting order by its order id.
func CancelOrderV2(programID solana.PublicKey, m MarketAccounts, openOrders, owner solana.PublicKey, side dex.Side, orderID layout.U128) (solana.Instruction, error) {
	d := newData(TagCancelOrderV2)
	d.u32(uint32(side))
	d.u128(orderID)
	data, err := d.bytes(TagCancelOrderV2)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, cancelAccounts(m, openOrders, owner), data), nil
}

// CancelOrderByClientIDV2 cancels a resting order by the client id it was
// placed with.
func CancelOrderByClientIDV2(programID solana.PublicKey, m MarketAccounts, openOrders, owner solana.PublicKey, clientID uint64) (solana.Instruction, error) {
	d := newData(TagCancelOrderByClientIDV2)
	d.u64(clientID)
	data, err := d.bytes(TagCancelOrderByClientIDV2)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, cancelAccounts(m, openOrders, owner), data), nil
}

// SettleAccounts lists the accounts a SettleFunds instruction references.
type SettleAccounts struct {
	OpenOrders  solana.PublicKey
	Owner       solana.PublicKey
	BaseWallet  solana.PublicKey
	QuoteWallet solana.PublicKey
	VaultSigner solana.PublicKey
	// Referrer receives referral rebates in quote tokens; optional.
	Referrer solana.PublicKey
}

// SettleFunds moves an open orders account's free balances out of the
// market vaults.
func SettleFunds(programID solana.PublicKey, m MarketAccounts, a SettleAccounts) (solana.Instruction, error) {
	data, err := newData(TagSettleFunds).bytes(TagSettleFunds)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		writable(m.Market),
		writable(a.OpenOrders),
		signer(a.Owner),
		writable(m.BaseVault),
		writable(m.QuoteVault),
		writable(a.BaseWallet),
		writable(a.QuoteWallet),
		readonly(a.VaultSigner),
		readonly(solana.TokenProgramID),
	}
	if !a.Referrer.IsZero() {
		metas = append(metas, writable(a.Referrer))
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// CloseOpenOrders closes an empty open orders account and sends its rent to
// destination.
func CloseOpenOrders(programID, openOrders, owner, destination, market solana.PublicKey) (solana.Instruction, error) {
	data, err := newData(TagCloseOpenOrders).bytes(TagCloseOpenOrders)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		writable(openOrders),
		signer(owner),
		writable(destination),
		readonly(market),
	}, data), nil
}

// DecodeTag reads the tag from instruction data.
func DecodeTag(data []byte) (Tag, error) {
	dec := bin.NewBinDecoder(data)
	v, err := dec.ReadUint8()
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	if v != dataVersion {
		return 0, fmt.Errorf("unsupported instruction version %d", v)
	}
	t, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return 0, fmt.Errorf("read tag: %w", err)
	}
	return Tag(t), nil
}
