package reloadcache

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deskagent/broker/internal/storage"
	"github.com/deskagent/broker/pkg/types"
)

// Store persists per-session cache files under <dir>/<sessionId>.json
// on top of internal/storage.Storage's flock-guarded Get/Put. Writes
// are serialized per session and dispatched async so a slow disk never
// blocks a turn (spec.md §4.6 persistence: "writes are serialized and
// asynchronous").
type Store struct {
	backend *storage.Storage

	mu      sync.Mutex
	writers map[string]chan func()
}

// NewStore creates a Store rooted at dir (typically
// "<config dir>/reload-cache").
func NewStore(dir string) *Store {
	return &Store{
		backend: storage.New(dir),
		writers: make(map[string]chan func()),
	}
}

// Load reads the persisted cache file for sessionID, returning an empty
// file (not an error) when none exists yet.
func (s *Store) Load(sessionID string) (*types.CacheFile, error) {
	var file types.CacheFile
	err := s.backend.Get(sessionID, &file)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.CacheFile{Version: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// SaveAsync queues a write of file for sessionID on that session's
// dedicated writer goroutine, preserving write order per session while
// letting distinct sessions write concurrently. done, if non-nil, is
// called with the write's outcome once it completes.
func (s *Store) SaveAsync(sessionID string, file *types.CacheFile, done func(error)) {
	ch := s.writerFor(sessionID)
	ch <- func() {
		// One retry with a short fixed backoff before giving up; a cold
		// disk or a momentary lock contention on the session's file is
		// the only failure mode worth absorbing here.
		retry := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1)
		err := backoff.Retry(func() error {
			return s.backend.Put(sessionID, file)
		}, retry)
		if done != nil {
			done(err)
		}
	}
}

func (s *Store) writerFor(sessionID string) chan func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.writers[sessionID]
	if ok {
		return ch
	}

	ch = make(chan func(), 32)
	s.writers[sessionID] = ch
	go func() {
		for task := range ch {
			task()
		}
	}()
	return ch
}
