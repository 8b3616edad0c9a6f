// Package store persists settings, session handoff values and caches in a
// partitioned SQLite key-value table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Partition separates values by lifetime.
type Partition string

const (
	// Sync holds user preferences.
	Sync Partition = "sync"
	// Session is cleared every time the store is opened.
	Session Partition = "session"
	// Local holds rebuildable caches.
	Local Partition = "local"
)

// Known keys.
const (
	KeyThemePreference      = "themePreference"
	KeyDefaultDomoInstance  = "defaultDomoInstance"
	KeyVisitedDomoInstances = "visitedDomoInstances"
	KeyFaviconRules         = "faviconRules"
	KeyActivityLogConfigs   = "activityLogConfigs"

	KeyLastClipboardValue  = "lastClipboardValue"
	KeyLastClipboardObject = "lastClipboardObject"
	KeySidepanelDataList   = "sidepanelDataList"
	KeyActivityLogHandoff  = "activityLogHandoff"

	PrefixFavicon = "favicon_"
	PrefixLogo    = "logo_"
	PrefixLogoID  = "logo_id_"
)

// MaxVisitedInstances caps the visited tenant history.
const MaxVisitedInstances = 25

var ErrNotFound = errors.New("store: key not found")

const schema = `CREATE TABLE IF NOT EXISTS kv (
	partition TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (partition, key)
);`

type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes read-modify-write helpers
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM kv WHERE partition = ?`, string(Session)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: clear session: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func checkPartition(p Partition) error {
	switch p {
	case Sync, Session, Local:
		return nil
	}
	return fmt.Errorf("store: unknown partition %q", p)
}

// Get returns ErrNotFound when key is absent.
func (s *Store) Get(ctx context.Context, p Partition, key string) ([]byte, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE partition = ? AND key = ?`, string(p), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, p, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", p, key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, p Partition, key string, value []byte) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	if key == "" {
		return errors.New("store: empty key")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (partition, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (partition, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(p), key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", p, key, err)
	}
	return nil
}

// Delete is a no-op for absent keys.
func (s *Store) Delete(ctx context.Context, p Partition, key string) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE partition = ? AND key = ?`, string(p), key); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", p, key, err)
	}
	return nil
}

// GetJSON decodes the stored value into out.
func (s *Store) GetJSON(ctx context.Context, p Partition, key string, out any) error {
	raw, err := s.Get(ctx, p, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", p, key, err)
	}
	return nil
}

func (s *Store) SetJSON(ctx context.Context, p Partition, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", p, key, err)
	}
	return s.Set(ctx, p, key, raw)
}

// Keys lists keys in p starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, p Partition, prefix string) ([]string, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE partition = ?1 AND substr(key, 1, length(?2)) = ?2 ORDER BY key`,
		string(p), prefix)
	if err != nil {
		return nil, fmt.Errorf("store: keys %s/%s*: %w", p, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeletePrefix removes every key in p starting with prefix and reports how
// many were removed.
func (s *Store) DeletePrefix(ctx context.Context, p Partition, prefix string) (int, error) {
	if err := checkPartition(p); err != nil {
		return 0, err
	}
	if prefix == "" {
		return 0, errors.New("store: empty prefix")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE partition = ?1 AND substr(key, 1, length(?2)) = ?2`,
		string(p), prefix)
	if err != nil {
		return 0, fmt.Errorf("store: delete %s/%s*: %w", p, prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return int(n), nil
}

// VisitedInstances returns tenants most recent first.
func (s *Store) VisitedInstances(ctx context.Context) ([]string, error) {
	var list []string
	err := s.GetJSON(ctx, Sync, KeyVisitedDomoInstances, &list)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// RecordVisitedInstance moves tenant to the front of the visited list.
func (s *Store) RecordVisitedInstance(ctx context.Context, tenant string) ([]string, error) {
	tenant = strings.ToLower(strings.TrimSpace(tenant))
	if tenant == "" {
		return nil, errors.New("store: empty tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.VisitedInstances(ctx)
	if err != nil {
		return nil, err
	}
	if len(prev) > 0 && prev[0] == tenant {
		return prev, nil
	}
	next := make([]string, 0, len(prev)+1)
	next = append(next, tenant)
	for _, t := range prev {
		if t != tenant {
			next = append(next, t)
		}
	}
	if len(next) > MaxVisitedInstances {
		next = next[:MaxVisitedInstances]
	}
	if err := s.SetJSON(ctx, Sync, KeyVisitedDomoInstances, next); err != nil {
		return nil, err
	}
	return next, nil
}

func FaviconKey(subdomain, effect, color string) string {
	return PrefixFavicon + subdomain + "_" + effect + "_" + color
}

func LogoKey(subdomain string) string { return PrefixLogo + subdomain }

func LogoIDKey(subdomain string) string { return PrefixLogoID + subdomain }
