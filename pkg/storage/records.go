package storage

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// InitStep is the last completed step of a market initialization.
type InitStep string

const (
	StepPlanned         InitStep = "planned"
	StepVaultsSubmitted InitStep = "vaults_submitted"
	StepVaultsConfirmed InitStep = "vaults_confirmed"
	StepMarketSubmitted InitStep = "market_submitted"
	StepMarketConfirmed InitStep = "market_confirmed"
)

// Done reports whether the market is fully initialized.
func (s InitStep) Done() bool { return s == StepMarketConfirmed }

// Account roles of a new market. Each role maps to a freshly generated key.
const (
	RoleMarket       = "market"
	RoleRequestQueue = "request_queue"
	RoleEventQueue   = "event_queue"
	RoleBids         = "bids"
	RoleAsks         = "asks"
	RoleBaseVault    = "base_vault"
	RoleQuoteVault   = "quote_vault"
)

// InitRecord tracks a two-transaction market initialization so it can be
// resumed or reported after a crash.
type InitRecord struct {
	Market             solana.PublicKey `json:"market"`
	ProgramID          solana.PublicKey `json:"program_id"`
	Payer              solana.PublicKey `json:"payer"`
	BaseMint           solana.PublicKey `json:"base_mint"`
	QuoteMint          solana.PublicKey `json:"quote_mint"`
	BaseLotSize        uint64           `json:"base_lot_size"`
	QuoteLotSize       uint64           `json:"quote_lot_size"`
	FeeRateBps         uint16           `json:"fee_rate_bps"`
	QuoteDustThreshold uint64           `json:"quote_dust_threshold"`
	VaultSigner        solana.PublicKey `json:"vault_signer"`
	VaultSignerNonce   uint64           `json:"vault_signer_nonce"`

	// Keys holds the base58 private key of every account the workflow
	// creates, indexed by role. The accounts must co-sign their creation,
	// including on resume.
	Keys map[string]string `json:"keys"`

	Step            InitStep         `json:"step"`
	VaultsSignature solana.Signature `json:"vaults_signature"`
	MarketSignature solana.Signature `json:"market_signature"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// PublicKey returns the address of the account with the given role.
func (r *InitRecord) PublicKey(role string) (solana.PublicKey, error) {
	k, err := r.PrivateKey(role)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return k.PublicKey(), nil
}

// PrivateKey returns the key of the account with the given role.
func (r *InitRecord) PrivateKey(role string) (solana.PrivateKey, error) {
	s, ok := r.Keys[role]
	if !ok {
		return nil, &MissingKeyError{Market: r.Market, Role: role}
	}
	return solana.PrivateKeyFromBase58(s)
}

// MissingKeyError reports an init record without a key for a role.
type MissingKeyError struct {
	Market solana.PublicKey
	Role   string
}

func (e *MissingKeyError) Error() string {
	return "init record " + e.Market.String() + " has no key for " + e.Role
}

// MarketRecord is a market account snapshot plus the mint decimals needed
// to convert lots.
type MarketRecord struct {
	Address       solana.PublicKey `json:"address"`
	ProgramID     solana.PublicKey `json:"program_id"`
	Data          []byte           `json:"data"`
	BaseDecimals  uint8            `json:"base_decimals"`
	QuoteDecimals uint8            `json:"quote_decimals"`
	SavedAt       time.Time        `json:"saved_at"`
}

// OpenOrdersRecord is the last known set of open orders accounts of an
// owner on a market.
type OpenOrdersRecord struct {
	Market    solana.PublicKey   `json:"market"`
	Owner     solana.PublicKey   `json:"owner"`
	Addresses []solana.PublicKey `json:"addresses"`
	Data      [][]byte           `json:"data"`
	FetchedAt time.Time          `json:"fetched_at"`
}
