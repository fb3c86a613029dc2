package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"Confluence/internal/events"
	"Confluence/internal/logger"
	"Confluence/internal/storage"
)

// Scheduler writes a snapshot of db to a file after the aggregator changes,
// at most once per interval.
type Scheduler struct {
	db       *storage.Storage
	path     string
	interval time.Duration

	changes <-chan events.Event
	cancel  func()

	mu      sync.RWMutex
	dirty   bool      // dirty is set by any event since the last write
	written time.Time // written is the time of the last write
	size    int       // size is the compressed size of the last write

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler writing to path. Events on bus mark the
// store as changed; the first tick always writes.
func NewScheduler(db *storage.Storage, bus *events.Bus, path string, interval time.Duration) *Scheduler {
	changes, cancel := bus.Subscribe(256)

	return &Scheduler{
		db:       db,
		path:     path,
		interval: interval,
		changes:  changes,
		cancel:   cancel,
		dirty:    true,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic write loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the loop, writing a final snapshot if the store changed.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.cancel()

	if s.isDirty() {
		if err := s.WriteNow(); err != nil {
			logger.Error("final snapshot", "error", err)
		}
	}
}

// Latest returns the time and size of the last write, zero if none.
func (s *Scheduler) Latest() (time.Time, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.written, s.size
}

// WriteNow exports db and replaces the file atomically.
func (s *Scheduler) WriteNow() error {
	data, err := Export(s.db)
	if err != nil {
		return fmt.Errorf("export:\n%w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file:\n%w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot:\n%w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot:\n%w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot:\n%w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.written = time.Now()
	s.size = len(data)
	s.mu.Unlock()

	logger.Debug("snapshot written", "path", s.path, "size", len(data))

	return nil
}

// loop marks changes and writes on each tick.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case _, ok := <-s.changes:
			if !ok {
				return
			}
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		case <-ticker.C:
			if !s.isDirty() {
				continue
			}

			if err := s.WriteNow(); err != nil {
				logger.Error("scheduled snapshot", "error", err)
			}
		}
	}
}

// isDirty reports whether the store changed since the last write.
func (s *Scheduler) isDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dirty
}
