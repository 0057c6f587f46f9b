package storage

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Key schema for Pebble storage:
//
//   init:<market>               → InitRecord
//   mkt:<address>               → MarketRecord
//   oo:<market>:<owner>         → OpenOrdersRecord

// Key prefixes
const (
	prefixInit       = "init:"
	prefixMarket     = "mkt:"
	prefixOpenOrders = "oo:"
)

// initKey returns the key for a market initialization record
// Format: "init:{market}"
func initKey(market solana.PublicKey) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixInit, market))
}

// marketKey returns the key for cached market metadata
// Format: "mkt:{address}"
func marketKey(addr solana.PublicKey) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMarket, addr))
}

// openOrdersKey returns the key for the open orders accounts of an owner
// Format: "oo:{market}:{owner}"
func openOrdersKey(market, owner solana.PublicKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOpenOrders, market, owner))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
