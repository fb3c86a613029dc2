// Package lifecycle holds the global pause switch.
package lifecycle

import (
	"fmt"
	"sync"

	"Confluence/internal/storage"
)

// keyPaused is l:paused -> 1 when paused, absent otherwise.
var keyPaused = []byte("l:paused")

// Switch is a persisted two-state pause flag.
type Switch struct {
	mu     sync.RWMutex
	db     *storage.Storage
	paused bool
}

// Load restores the switch from storage.
func Load(db *storage.Storage) (*Switch, error) {
	ok, err := db.Has(keyPaused)
	if err != nil {
		return nil, fmt.Errorf("load pause flag:\n%w", err)
	}

	return &Switch{db: db, paused: ok}, nil
}

// Paused reports whether the system is paused.
func (s *Switch) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.paused
}

// Pause sets the flag. Returns false if it was already set.
func (s *Switch) Pause() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return false, nil
	}

	if err := s.db.Set(keyPaused, []byte{1}); err != nil {
		return false, fmt.Errorf("persist pause:\n%w", err)
	}

	s.paused = true

	return true, nil
}

// Unpause clears the flag. Returns false if it was not set.
func (s *Switch) Unpause() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return false, nil
	}

	if err := s.db.Delete(keyPaused); err != nil {
		return false, fmt.Errorf("persist unpause:\n%w", err)
	}

	s.paused = false

	return true, nil
}
