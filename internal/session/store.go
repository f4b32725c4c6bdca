// Package session persists the resume snapshot of one sync connection so
// a restarting client can report its last known sequence state to the
// server instead of starting blind.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aim-chat/ui-sync-client/internal/securestore"
)

// Snapshot is the durable resume state of one logical connection.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	LastSeenSyncID int       `json:"last_seen_sync_id"`
	CsrfToken      string    `json:"csrf_token"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store keeps the current snapshot in memory and mirrors it to disk,
// optionally encrypted. The zero path disables persistence.
type Store struct {
	mu     sync.Mutex
	path   string
	secret string
	snap   Snapshot
	loaded bool
}

// NewStore returns a memory-only store.
func NewStore() *Store {
	return &Store{}
}

// NewPersistentStore loads or creates a plaintext snapshot file.
func NewPersistentStore(path string) (*Store, error) {
	return NewEncryptedPersistentStore(path, "")
}

// NewEncryptedPersistentStore loads or creates a snapshot file sealed with
// the given passphrase. An empty passphrase selects plaintext.
func NewEncryptedPersistentStore(path, passphrase string) (*Store, error) {
	s := &Store{path: path, secret: passphrase}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save replaces the snapshot and persists it. UpdatedAt is stamped here so
// callers only describe protocol state.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.UpdatedAt = time.Now().UTC()
	if err := s.persist(snap); err != nil {
		return err
	}
	s.snap = snap
	s.loaded = true
	return nil
}

// Current returns the last saved or loaded snapshot, and whether one
// exists.
func (s *Store) Current() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.loaded
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	decoded := data
	if s.secret != "" {
		decoded, err = securestore.Decrypt(s.secret, data)
		if err != nil {
			// Files written before encryption was configured stay readable.
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return err
			}
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(decoded, &snap); err != nil {
		return err
	}
	s.snap = snap
	s.loaded = true
	return nil
}

func (s *Store) persist(snap Snapshot) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if s.secret != "" {
		data, err = securestore.Encrypt(s.secret, data)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
