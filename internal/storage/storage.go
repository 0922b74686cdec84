// Package storage provides an optional append-only sink for closed trades.
// The core functions correctly with Store == nil (spec §6 "Persisted state:
// none required by the core"); when configured, the Trading Loop writes
// one record per close so a closed-trade history survives restarts.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"scalper/internal/model"
)

const closedTradesBucket = "closed_trades"

// Store persists closed trades to a BoltDB file, keyed by
// "symbol_closetimestamp" for efficient per-symbol range scans (grounded
// on the teacher's trades-bucket key design).
type Store struct {
	db *bbolt.DB
}

// ClosedTrade is one realized trade, written at the moment a Position
// closes (spec §4.F close, §6 "Persisted state").
type ClosedTrade struct {
	Symbol      string          `json:"symbol"`
	Side        model.Side      `json:"side"`
	EntryPrice  float64         `json:"entry_price"`
	ExitPrice   float64         `json:"exit_price"`
	Quantity    float64         `json:"quantity"`
	RealizedPnL float64         `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
	Reason      model.ExitReason `json:"reason"`
}

// New opens (creating if needed) a BoltDB file at dataPath/scalper-data.db
// and ensures the closed_trades bucket exists.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "scalper-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(closedTradesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create closed_trades bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StoreClosedTrade appends a closed trade record.
func (s *Store) StoreClosedTrade(trade ClosedTrade) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(closedTradesBucket))
		data, err := json.Marshal(trade)
		if err != nil {
			return fmt.Errorf("marshal closed trade: %w", err)
		}
		key := fmt.Sprintf("%s_%d", trade.Symbol, trade.ClosedAt.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetClosedTrades returns every closed trade recorded for symbol within
// [start, end], ordered oldest to newest.
func (s *Store) GetClosedTrades(symbol string, start, end time.Time) ([]ClosedTrade, error) {
	var trades []ClosedTrade

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(closedTradesBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(symbol + "_")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var trade ClosedTrade
			if err := json.Unmarshal(v, &trade); err != nil {
				continue
			}
			if (trade.ClosedAt.Equal(start) || trade.ClosedAt.After(start)) &&
				(trade.ClosedAt.Equal(end) || trade.ClosedAt.Before(end)) {
				trades = append(trades, trade)
			}
		}
		return nil
	})

	return trades, err
}
