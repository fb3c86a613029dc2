package remote

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"Confluence/internal/storage"
)

var (
	// ErrRemoteNotRegistered matches every *NotRegisteredError.
	ErrRemoteNotRegistered = errors.New("remote aggregator not registered")

	// ErrEmptyAddress is returned when registering an empty address.
	ErrEmptyAddress = errors.New("empty remote aggregator address")

	// ErrEmptyNetwork is returned when registering an empty network id.
	ErrEmptyNetwork = errors.New("empty network id")
)

// keyPrefix is x:<network> -> aggregator address.
var keyPrefix = []byte("x:")

// NotRegisteredError reports the network that has no registered aggregator.
type NotRegisteredError struct {
	Network string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("remote aggregator not registered for network %q", e.Network)
}

// Is makes errors.Is(err, ErrRemoteNotRegistered) hold.
func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrRemoteNotRegistered
}

// Remote is one registered counterpart aggregator.
type Remote struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// Registry maps network ids to the counterpart aggregator address on that network.
type Registry struct {
	mu      sync.RWMutex
	db      *storage.Storage
	entries map[string]string // entries maps network id to address
}

// Load restores the registry from storage.
func Load(db *storage.Storage) (*Registry, error) {
	r := &Registry{
		db:      db,
		entries: make(map[string]string),
	}

	err := db.IteratePrefix(keyPrefix, func(key, value []byte) error {
		r.entries[string(key[len(keyPrefix):])] = string(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load remote registry:\n%w", err)
	}

	return r, nil
}

// Register sets the aggregator address for a network, replacing any previous one.
func (r *Registry) Register(network, address string) error {
	if network == "" {
		return ErrEmptyNetwork
	}

	if address == "" {
		return ErrEmptyAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Set(key(network), []byte(address)); err != nil {
		return fmt.Errorf("persist remote %s:\n%w", network, err)
	}

	r.entries[network] = address

	return nil
}

// Lookup returns the aggregator address registered for a network.
func (r *Registry) Lookup(network string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address, ok := r.entries[network]
	if !ok {
		return "", &NotRegisteredError{Network: network}
	}

	return address, nil
}

// All returns every registered remote, sorted by network id.
func (r *Registry) All() []Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Remote, 0, len(r.entries))
	for network, address := range r.entries {
		result = append(result, Remote{Network: network, Address: address})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Network < result[j].Network })

	return result
}

func key(network string) []byte {
	return append(append([]byte{}, keyPrefix...), network...)
}
