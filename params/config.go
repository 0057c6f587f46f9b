package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type RPC struct {
	URL        string
	Commitment string // processed, confirmed or finalized
	// ConfirmTimeout bounds how long a submitted transaction is polled
	// before it is reported as timed out.
	ConfirmTimeout time.Duration
	SkipPreflight  bool
}

type Dex struct {
	ProgramID string
	// OpenOrdersTTL is how long a resolved open orders account is trusted.
	// Zero forces a network lookup on every resolve.
	OpenOrdersTTL   time.Duration
	MarketCacheSize int
}

type Wallet struct {
	KeypairPath string // solana-keygen JSON file
}

type Storage struct {
	DataDir string
	LogFile string // empty logs to stdout only
}

type Config struct {
	RPC     RPC
	Dex     Dex
	Wallet  Wallet
	Storage Storage
}

func Default() Config {
	return Config{
		RPC: RPC{
			URL:            "https://api.mainnet-beta.solana.com",
			Commitment:     "confirmed",
			ConfirmTimeout: 60 * time.Second,
		},
		Dex: Dex{
			ProgramID:       "9xQeWvG816bX4fWhUosZfqLB4yJBWvtWnjvbb6NxEPaX",
			OpenOrdersTTL:   30 * time.Second,
			MarketCacheSize: 64,
		},
		Wallet: Wallet{
			KeypairPath: defaultKeypairPath(),
		},
		Storage: Storage{
			DataDir: "./data",
		},
	}
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id.json"
	}
	return home + "/.config/solana/id.json"
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.RPC.URL = getEnv("SOLANA_RPC_URL", cfg.RPC.URL)
	cfg.RPC.Commitment = getEnv("SOLANA_COMMITMENT", cfg.RPC.Commitment)
	cfg.Dex.ProgramID = getEnv("DEX_PROGRAM_ID", cfg.Dex.ProgramID)
	cfg.Wallet.KeypairPath = getEnv("WALLET_KEYPAIR", cfg.Wallet.KeypairPath)
	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.LogFile = getEnv("LOG_FILE", cfg.Storage.LogFile)

	if ttl := os.Getenv("DEX_OPEN_ORDERS_TTL_MS"); ttl != "" {
		if ms, err := strconv.Atoi(ttl); err == nil && ms >= 0 {
			cfg.Dex.OpenOrdersTTL = time.Duration(ms) * time.Millisecond
		}
	}

	if size := os.Getenv("DEX_MARKET_CACHE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.Dex.MarketCacheSize = n
		}
	}

	if timeout := os.Getenv("TX_CONFIRM_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil && ms > 0 {
			cfg.RPC.ConfirmTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if skip := os.Getenv("TX_SKIP_PREFLIGHT"); skip != "" {
		cfg.RPC.SkipPreflight = skip == "true"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
