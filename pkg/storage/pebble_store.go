package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/gagliardetto/solana-go"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) put(key []byte, v any, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", what, err)
	}
	return nil
}

// get returns false when the key does not exist.
func (s *PebbleStore) get(key []byte, v any, what string) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return true, nil
}

// ============================================================================
// Market initialization records
// ============================================================================

// SaveInitRecord persists a market initialization record
func (s *PebbleStore) SaveInitRecord(rec *InitRecord) error {
	return s.put(initKey(rec.Market), rec, "init record")
}

// LoadInitRecord loads a market initialization record
// Returns nil if the record doesn't exist
func (s *PebbleStore) LoadInitRecord(market solana.PublicKey) (*InitRecord, error) {
	var rec InitRecord
	ok, err := s.get(initKey(market), &rec, "init record")
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// LoadPendingInitRecords loads every initialization that has not reached
// StepMarketConfirmed
func (s *PebbleStore) LoadPendingInitRecords() ([]*InitRecord, error) {
	prefix := []byte(prefixInit)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var pending []*InitRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec InitRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		if !rec.Step.Done() {
			pending = append(pending, &rec)
		}
	}

	return pending, nil
}

// DeleteInitRecord removes a market initialization record
func (s *PebbleStore) DeleteInitRecord(market solana.PublicKey) error {
	if err := s.db.Delete(initKey(market), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete init record: %w", err)
	}
	return nil
}

// ============================================================================
// Market metadata
// ============================================================================

// SaveMarket persists a market snapshot
func (s *PebbleStore) SaveMarket(rec *MarketRecord) error {
	return s.put(marketKey(rec.Address), rec, "market")
}

// LoadMarket loads a market snapshot
// Returns nil if the market isn't cached
func (s *PebbleStore) LoadMarket(addr solana.PublicKey) (*MarketRecord, error) {
	var rec MarketRecord
	ok, err := s.get(marketKey(addr), &rec, "market")
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ============================================================================
// Open orders accounts
// ============================================================================

// SaveOpenOrders persists the open orders accounts of an owner
func (s *PebbleStore) SaveOpenOrders(rec *OpenOrdersRecord) error {
	return s.put(openOrdersKey(rec.Market, rec.Owner), rec, "open orders")
}

// LoadOpenOrders loads the open orders accounts of an owner
// Returns nil if nothing was saved
func (s *PebbleStore) LoadOpenOrders(market, owner solana.PublicKey) (*OpenOrdersRecord, error) {
	var rec OpenOrdersRecord
	ok, err := s.get(openOrdersKey(market, owner), &rec, "open orders")
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// DeleteOpenOrders drops the saved open orders accounts of an owner
func (s *PebbleStore) DeleteOpenOrders(market, owner solana.PublicKey) error {
	if err := s.db.Delete(openOrdersKey(market, owner), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete open orders: %w", err)
	}
	return nil
}
