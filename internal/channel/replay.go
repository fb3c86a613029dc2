package channel

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultReplayTTL is how long a relay remembers an accepted request.
	defaultReplayTTL = 10 * time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 30 * time.Second
)

// replayEntry is one remembered request.
type replayEntry struct {
	trackingID []byte // trackingID is what the relay answered
	seen       int64  // seen is the acceptance time (unix nano)
}

// ReplayCache remembers recently accepted requests by content hash so that
// an aggregator resending the same request gets the original tracking id
// instead of a second forward. Entries expire after a TTL.
type ReplayCache struct {
	seen map[[32]byte]replayEntry // seen maps request hash to its entry
	mu   sync.Mutex               // mu protects the seen map
	ttl  int64                    // ttl in nanoseconds
	stop chan struct{}            // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup           // wg waits for the cleanup goroutine
}

// NewReplayCache creates a cache keeping entries for ttl (default if zero).
func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}

	c := &ReplayCache{
		seen: make(map[[32]byte]replayEntry),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	c.startCleanup()

	return c
}

// Admit returns the tracking id remembered for data, or records the id
// produced by assign. fresh is true when assign was called.
func (c *ReplayCache) Admit(data []byte, assign func() []byte) (trackingID []byte, fresh bool) {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.seen[hash]; exists && now-e.seen < c.ttl {
		return e.trackingID, false
	}

	trackingID = assign()
	c.seen[hash] = replayEntry{trackingID: trackingID, seen: now}

	return trackingID, true
}

// Forget drops the entry for data so a resend is forwarded again.
func (c *ReplayCache) Forget(data []byte) {
	hash := blake3.Sum256(data)

	c.mu.Lock()
	delete(c.seen, hash)
	c.mu.Unlock()
}

// Len returns the number of remembered requests, expired or not.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}

// Close stops the cleanup goroutine.
func (c *ReplayCache) Close() {
	close(c.stop)
	c.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (c *ReplayCache) startCleanup() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.cleanup()
			case <-c.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (c *ReplayCache) cleanup() {
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, e := range c.seen {
		if now-e.seen >= c.ttl {
			delete(c.seen, hash)
		}
	}
}
