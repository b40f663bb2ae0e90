// Package metrics provides a namespaced key-value store for
// operational metrics: campaign spend samples, delivery counters,
// status flags. It holds lightweight values that reporting aggregates,
// not structured domain data that deserves its own schema.
package metrics

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Store is a namespaced metrics store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a metrics store on db, running migrations on first
// use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate metrics: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM metrics WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple. Existing values are
// overwritten and the updated_at timestamp is refreshed.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metrics (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetFloat stores a numeric sample.
func (s *Store) SetFloat(namespace, key string, value float64) error {
	return s.Set(namespace, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// GetFloat returns a numeric sample. Missing or non-numeric values
// read as zero.
func (s *Store) GetFloat(namespace, key string) (float64, error) {
	raw, err := s.Get(namespace, key)
	if err != nil || raw == "" {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

// Incr adds delta to a numeric value and returns the new total.
// Missing keys start at zero. The read-modify-write runs in a
// transaction so concurrent increments do not lose samples.
func (s *Store) Incr(namespace, key string, delta float64) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("incr %s/%s: %w", namespace, key, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(
		`SELECT value FROM metrics WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("incr %s/%s: %w", namespace, key, err)
	}
	current := 0.0
	if raw != "" {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			current = v
		}
	}
	next := current + delta

	_, err = tx.Exec(
		`INSERT INTO metrics (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, strconv.FormatFloat(next, 'f', -1, 64),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("incr %s/%s: %w", namespace, key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("incr %s/%s: %w", namespace, key, err)
	}
	return next, nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM metrics WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes all entries for a namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec(`DELETE FROM metrics WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. Returns an empty
// (non-nil) map if the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM metrics WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Namespaces returns all namespaces that hold at least one entry.
func (s *Store) Namespaces() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT namespace FROM metrics ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}
