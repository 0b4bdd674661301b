// Package sourcecache provides persistent caching for venue adapter payloads.
// Payloads are stored as msgpack blobs with expiration timestamps so a failed
// venue can be served from stale cache instead of dropping out of the cycle.
package sourcecache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Repository provides cache operations for source payloads.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new source cache repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Key builds a namespaced cache key, e.g. Key("kraken", "books", "USDT").
func Key(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// Store saves a payload with expiration = now + ttl.
// Uses INSERT OR REPLACE to upsert.
func (r *Repository) Store(key string, v interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", key, err)
	}

	now := time.Now()
	_, err = r.db.Exec(
		"INSERT OR REPLACE INTO source_payloads (cache_key, payload, stored_at, expires_at) VALUES (?, ?, ?, ?)",
		key, blob, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store payload %s: %w", key, err)
	}

	return nil
}

// GetFresh decodes the payload into dst only if it has not expired.
// Returns false when the key is missing or expired; use GetStale as the
// fallback when the venue itself is down.
func (r *Repository) GetFresh(key string, dst interface{}) (bool, error) {
	var blob []byte
	err := r.db.QueryRow(
		"SELECT payload FROM source_payloads WHERE cache_key = ? AND expires_at > ?",
		key, time.Now().UnixMilli(),
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read payload %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal payload %s: %w", key, err)
	}
	return true, nil
}

// GetStale decodes the payload into dst regardless of expiration and reports
// when it was stored. Stale data is better than no data when a venue fails.
func (r *Repository) GetStale(key string, dst interface{}) (bool, time.Time, error) {
	var blob []byte
	var storedAt int64
	err := r.db.QueryRow(
		"SELECT payload, stored_at FROM source_payloads WHERE cache_key = ?",
		key,
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read payload %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dst); err != nil {
		return false, time.Time{}, fmt.Errorf("failed to unmarshal payload %s: %w", key, err)
	}
	return true, time.UnixMilli(storedAt).UTC(), nil
}

// Delete removes a specific entry.
func (r *Repository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM source_payloads WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes all expired payloads and returns the count removed.
func (r *Repository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(
		"DELETE FROM source_payloads WHERE expires_at < ?",
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired payloads: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// SaveRingSnapshot persists a peg ring so a restart keeps its volatility
// window. Snapshots are overwritten in place, one row per symbol.
func (r *Repository) SaveRingSnapshot(symbol string, v interface{}) error {
	blob, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal ring snapshot for %s: %w", symbol, err)
	}

	_, err = r.db.Exec(
		"INSERT OR REPLACE INTO ring_snapshots (symbol, payload, saved_at) VALUES (?, ?, ?)",
		symbol, blob, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save ring snapshot for %s: %w", symbol, err)
	}
	return nil
}

// LoadRingSnapshot restores a persisted ring into dst.
func (r *Repository) LoadRingSnapshot(symbol string, dst interface{}) (bool, error) {
	var blob []byte
	err := r.db.QueryRow(
		"SELECT payload FROM ring_snapshots WHERE symbol = ?",
		symbol,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load ring snapshot for %s: %w", symbol, err)
	}

	if err := msgpack.Unmarshal(blob, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal ring snapshot for %s: %w", symbol, err)
	}
	return true, nil
}
