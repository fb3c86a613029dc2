package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Confluence/internal/storage"
)

var (
	// ErrAlreadyPresent is returned by Add when the gateway is already a member.
	ErrAlreadyPresent = errors.New("gateway already present")

	// ErrNotFound is returned by Remove when the gateway is not a member.
	ErrNotFound = errors.New("gateway not found")

	// ErrThresholdUnsatisfiable is returned when a removal would leave fewer
	// gateways than the threshold.
	ErrThresholdUnsatisfiable = errors.New("threshold unsatisfiable")

	// ErrInvalidThreshold is returned for a zero threshold or one above the set size.
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// Storage keys for the gateway set.
var (
	keyMembers   = []byte("g:members")   // g:members -> concatenated 32-byte ids, in order
	keyThreshold = []byte("g:threshold") // g:threshold -> uint32 big-endian
)

// Set is the ordered, duplicate-free collection of registered gateways plus
// the quorum threshold. Every mutation is persisted before it becomes visible.
// It is safe for concurrent access.
type Set struct {
	mu        sync.RWMutex
	db        *storage.Storage
	members   []ID       // members in registration order
	index     map[ID]int // index maps id to position in members
	threshold int        // threshold is 0 until first set
}

// Load restores the set from storage. An empty store yields an empty set
// with threshold 0.
func Load(db *storage.Storage) (*Set, error) {
	s := &Set{
		db:    db,
		index: make(map[ID]int),
	}

	raw, err := db.Get(keyMembers)
	if err != nil {
		return nil, fmt.Errorf("load gateway members:\n%w", err)
	}

	if len(raw)%len(ID{}) != 0 {
		return nil, fmt.Errorf("corrupt gateway members: %d bytes", len(raw))
	}

	for i := 0; i < len(raw); i += len(ID{}) {
		var id ID
		copy(id[:], raw[i:i+len(id)])

		s.index[id] = len(s.members)
		s.members = append(s.members, id)
	}

	raw, err = db.Get(keyThreshold)
	if err != nil {
		return nil, fmt.Errorf("load gateway threshold:\n%w", err)
	}

	if len(raw) == 4 {
		s.threshold = int(binary.BigEndian.Uint32(raw))
	}

	if s.threshold > len(s.members) {
		return nil, fmt.Errorf("corrupt gateway set: threshold %d above %d members", s.threshold, len(s.members))
	}

	return s, nil
}

// Add appends a gateway. Returns ErrAlreadyPresent if it is a member.
func (s *Set) Add(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return ErrAlreadyPresent
	}

	members := make([]ID, len(s.members), len(s.members)+1)
	copy(members, s.members)
	members = append(members, id)

	if err := s.db.Set(keyMembers, encodeMembers(members)); err != nil {
		return fmt.Errorf("persist gateway members:\n%w", err)
	}

	s.index[id] = len(s.members)
	s.members = members

	return nil
}

// Remove deletes a gateway. The removal is rejected without any change if
// the gateway is absent or if it would leave fewer members than the threshold.
func (s *Set) Remove(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, exists := s.index[id]
	if !exists {
		return ErrNotFound
	}

	if s.threshold > len(s.members)-1 {
		return fmt.Errorf("%w: removing %s leaves %d gateways for threshold %d",
			ErrThresholdUnsatisfiable, id.Short(), len(s.members)-1, s.threshold)
	}

	members := make([]ID, 0, len(s.members)-1)
	members = append(members, s.members[:pos]...)
	members = append(members, s.members[pos+1:]...)

	if err := s.db.Set(keyMembers, encodeMembers(members)); err != nil {
		return fmt.Errorf("persist gateway members:\n%w", err)
	}

	s.members = members
	s.reindex()

	return nil
}

// SetThreshold replaces the threshold. n must be in [1, Len()].
func (s *Set) SetThreshold(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.members) {
		return fmt.Errorf("%w: %d with %d gateways", ErrInvalidThreshold, n, len(s.members))
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))

	if err := s.db.Set(keyThreshold, buf[:]); err != nil {
		return fmt.Errorf("persist threshold:\n%w", err)
	}

	s.threshold = n

	return nil
}

// Contains checks if a gateway is in the set.
func (s *Set) Contains(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.index[id]
	return exists
}

// Threshold returns the current quorum threshold (0 if never set).
func (s *Set) Threshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.threshold
}

// Len returns the number of gateways.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.members)
}

// Members returns a copy of all gateways in registration order.
// The copy is a snapshot: later mutations do not affect it.
func (s *Set) Members() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ID, len(s.members))
	copy(result, s.members)

	return result
}

// reindex rebuilds the id index (caller must hold lock).
func (s *Set) reindex() {
	s.index = make(map[ID]int, len(s.members))

	for i, id := range s.members {
		s.index[id] = i
	}
}

// encodeMembers concatenates ids in order.
func encodeMembers(members []ID) []byte {
	buf := make([]byte, 0, len(members)*len(ID{}))

	for _, id := range members {
		buf = append(buf, id[:]...)
	}

	return buf
}
