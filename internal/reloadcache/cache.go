package reloadcache

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/pkg/types"
)

// DefaultFloor is the minimum similarity score find_matches considers.
const DefaultFloor = 0.5

// DefaultLimit caps how many matches find_matches returns.
const DefaultLimit = 3

// Cache is one session's Reload Cache: up to maxEntries CacheEntry
// records, evicted LRU by last-hit time when full.
type Cache struct {
	mu         sync.Mutex
	sessionID  string
	maxEntries int
	floor      float64
	entries    []*types.CacheEntry
	store      *Store
	log        zerolog.Logger
}

// New creates a cache for one session backed by store (nil disables
// persistence, used in tests). The cache starts empty; call Load to seed
// it from the store.
func New(sessionID string, maxEntries int, store *Store, log zerolog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &Cache{
		sessionID:  sessionID,
		maxEntries: maxEntries,
		floor:      DefaultFloor,
		store:      store,
		log:        log.With().Str("component", "reloadcache").Str("sessionId", sessionID).Logger(),
	}
}

// SetFloor overrides the minimum similarity find_matches considers,
// supporting the Context Pool's per-session reloadSimilarityFloor
// config (spec.md §9). Values <= 0 are ignored.
func (c *Cache) SetFloor(floor float64) {
	if floor <= 0 {
		return
	}
	c.mu.Lock()
	c.floor = floor
	c.mu.Unlock()
}

// Load populates the cache from persisted storage, if any exists. Safe
// to call once at first access for a session (lazy load per spec.md).
func (c *Cache) Load() {
	if c.store == nil {
		return
	}
	file, err := c.store.Load(c.sessionID)
	if err != nil {
		c.log.Warn().Err(err).Msg("reload cache load failed, starting empty")
		return
	}
	c.mu.Lock()
	c.entries = file.Entries
	c.mu.Unlock()
}

// FindMatches returns up to limit entries scoring at or above floor
// against fp, sorted by descending similarity. Entries are tagged exact
// when the match is a perfect score.
func (c *Cache) FindMatches(fp types.Fingerprint, limit int) []types.Match {
	if limit <= 0 {
		limit = DefaultLimit
	}

	c.mu.Lock()
	entries := append([]*types.CacheEntry(nil), c.entries...)
	floor := c.floor
	c.mu.Unlock()

	matches := make([]types.Match, 0, len(entries))
	for _, e := range entries {
		score := Similarity(fp, e.Fingerprint)
		if score >= floor {
			matches = append(matches, types.Match{Entry: e, Similarity: score, IsExact: score >= 1.0})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Touch records a hit against entry id (bumps LastHitAt and Hits),
// called when a matched entry is actually replayed.
func (c *Cache) Touch(id string, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ID == id {
			e.LastHitAt = now
			e.Hits++
			c.persistLocked()
			return
		}
	}
}

// Record inserts a new cache entry, or coalesces into an existing one
// if fp is an exact match of an entry already present.
func (c *Cache) Record(fp types.Fingerprint, actions []action.Action, label string, requiredWindowIDs []string, now int64) *types.CacheEntry {
	values := make([]types.ActionValue, 0, len(actions))
	for _, a := range actions {
		values = append(values, toActionValue(a))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if IsExact(fp, e.Fingerprint) {
			e.Actions = values
			e.RequiredWindowIDs = requiredWindowIDs
			e.LastHitAt = now
			e.Hits++
			c.persistLocked()
			return e
		}
	}

	entry := &types.CacheEntry{
		ID:                c.newID(),
		Label:             truncateLabel(label),
		Fingerprint:       fp,
		Actions:           values,
		RequiredWindowIDs: requiredWindowIDs,
		CreatedAt:         now,
		LastHitAt:         now,
		Hits:              0,
	}
	c.entries = append(c.entries, entry)
	c.evictLocked()
	c.persistLocked()
	return entry
}

func (c *Cache) newID() string {
	return "entry-" + ulid.Make().String()
}

// InvalidateWindow drops every entry whose RequiredWindowIDs contains
// windowID. Wired by the Context Pool to the Window State Registry's
// OnClose hook (spec.md §4.6).
func (c *Cache) InvalidateWindow(windowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0:0]
	for _, e := range c.entries {
		requires := false
		for _, id := range e.RequiredWindowIDs {
			if id == windowID {
				requires = true
				break
			}
		}
		if !requires {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(c.entries) {
		c.entries = kept
		c.persistLocked()
	}
}

// evictLocked drops the least-recently-hit entries until the cache is
// within maxEntries. Caller holds c.mu.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxEntries {
		return
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].LastHitAt > c.entries[j].LastHitAt })
	c.entries = c.entries[:c.maxEntries]
}

func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	file := &types.CacheFile{Version: 1, Entries: append([]*types.CacheEntry(nil), c.entries...)}
	c.store.SaveAsync(c.sessionID, file, func(err error) {
		if err != nil {
			c.log.Warn().Err(err).Msg("reload cache write failed")
		}
	})
}

func toActionValue(a action.Action) types.ActionValue {
	data, err := action.Marshal(a)
	if err != nil {
		return types.ActionValue{Type: string(a.ActionType())}
	}
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	return types.ActionValue{Type: string(a.ActionType()), Payload: payload}
}

func truncateLabel(label string) string {
	r := []rune(label)
	if len(r) <= 50 {
		return label
	}
	return string(r[:50])
}
