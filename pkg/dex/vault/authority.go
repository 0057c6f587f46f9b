package vault

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

// MaxNonce bounds the vault signer nonce search.
const MaxNonce = 255

// Authority is the program-derived address that owns a market's vaults.
type Authority struct {
	Address solana.PublicKey
	Nonce   uint64
}

type deriveFunc func(seeds [][]byte, programID solana.PublicKey) (solana.PublicKey, error)

// Resolve derives the vault signer of a market. Seeds are the market
// address and the little-endian nonce; the first nonce that yields an
// off-curve address wins.
func Resolve(market, programID solana.PublicKey) (Authority, error) {
	return resolve(solana.CreateProgramAddress, market, programID, MaxNonce)
}

func resolve(derive deriveFunc, market, programID solana.PublicKey, maxNonce uint64) (Authority, error) {
	var nonceLE [8]byte
	for nonce := uint64(0); nonce <= maxNonce; nonce++ {
		binary.LittleEndian.PutUint64(nonceLE[:], nonce)
		addr, err := derive([][]byte{market[:], nonceLE[:]}, programID)
		if err != nil {
			continue
		}
		return Authority{Address: addr, Nonce: nonce}, nil
	}
	return Authority{}, fmt.Errorf("market %s: %w after %d nonces", market, dex.ErrNonceSearchExhausted, maxNonce+1)
}

// Verify checks a stored nonce against the derivation, as done when a
// market record is loaded.
func Verify(market, programID solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	addr, err := solana.CreateProgramAddress([][]byte{market[:], nonceLE[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("vault signer nonce %d invalid for market %s: %w", nonce, market, err)
	}
	return addr, nil
}

type resolverKey struct {
	market  solana.PublicKey
	program solana.PublicKey
}

// Resolver memoizes Resolve per (market, program). Safe for concurrent use.
type Resolver struct {
	mu    sync.Mutex
	cache map[resolverKey]Authority
}

func NewResolver() *Resolver {
	return &Resolver{cache: make(map[resolverKey]Authority)}
}

// Resolve returns the cached authority or derives and caches it.
func (r *Resolver) Resolve(market, programID solana.PublicKey) (Authority, error) {
	k := resolverKey{market: market, program: programID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cache[k]; ok {
		return a, nil
	}
	a, err := Resolve(market, programID)
	if err != nil {
		return Authority{}, err
	}
	r.cache[k] = a
	return a, nil
}

// Len returns the number of cached authorities.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
