// Package settings provides the persisted device configuration store,
// the software analog of the DevKit's EEPROM zones. Values are named
// settings (device identity, broker address, credentials, certificate
// PEMs) kept in a SQLite database; anything present in the store
// overrides the YAML config file at startup.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/howardginsburg/mqttagent/internal/config"
)

// Known setting keys. Free-form keys are allowed for forward
// compatibility, but only these influence the agent configuration.
const (
	KeyDeviceID       = "device_id"
	KeyBrokerURL      = "broker_url"
	KeyAuthMode       = "auth_mode"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyCACertPEM      = "ca_cert_pem"
	KeyClientCertPEM  = "client_cert_pem"
	KeyClientKeyPEM   = "client_key_pem"
	KeyPublishTopic   = "publish_topic"
	KeySubscribeTopic = "subscribe_topic"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("settings: key not found")

// Store is a SQLite-backed named settings store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the settings database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or [ErrNotFound].
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set stores or replaces the value for key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all stored keys in sorted order.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// ApplyTo overlays stored settings onto cfg, mirroring how later
// firmware variants read identity and broker parameters from EEPROM
// instead of compiled-in constants. Certificate PEMs are materialized
// as files under certDir so the TLS layer can load them by path.
func (s *Store) ApplyTo(cfg *config.Config, certDir string) error {
	if v, err := s.Get(KeyDeviceID); err == nil {
		cfg.Device.ID = v
	}
	if v, err := s.Get(KeyBrokerURL); err == nil {
		cfg.Broker.URL = v
	}
	if v, err := s.Get(KeyAuthMode); err == nil {
		cfg.Auth.Mode = config.AuthMode(v)
	}
	if v, err := s.Get(KeyUsername); err == nil {
		cfg.Auth.Username = v
	}
	if v, err := s.Get(KeyPassword); err == nil {
		cfg.Auth.Password = v
	}
	if v, err := s.Get(KeyPublishTopic); err == nil {
		cfg.Topics.Publish = v
	}
	if v, err := s.Get(KeySubscribeTopic); err == nil {
		cfg.Topics.Subscribe = v
	}

	pems := []struct {
		key  string
		file string
		dest *string
	}{
		{KeyCACertPEM, "ca.pem", &cfg.Auth.CAFile},
		{KeyClientCertPEM, "cert.pem", &cfg.Auth.CertFile},
		{KeyClientKeyPEM, "key.pem", &cfg.Auth.KeyFile},
	}
	for _, p := range pems {
		v, err := s.Get(p.key)
		if err != nil {
			continue
		}
		if err := os.MkdirAll(certDir, 0700); err != nil {
			return fmt.Errorf("create cert dir: %w", err)
		}
		path := filepath.Join(certDir, p.file)
		if err := os.WriteFile(path, []byte(v), 0600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		*p.dest = path
	}

	return nil
}
