package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

const DefaultTTL = time.Hour

type entry struct {
	response  string
	createdAt time.Time
}

// TurnCache memoizes terminal answers keyed by the conversation prefix that
// produced them. Safe for concurrent use; concurrent sets on one key are
// last-writer-wins.
type TurnCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]entry
	lastPurge time.Time
}

func NewTurnCache(ttl time.Duration) *TurnCache {
	return NewTurnCacheWithClock(ttl, time.Now)
}

func NewTurnCacheWithClock(ttl time.Duration, now func() time.Time) *TurnCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TurnCache{
		ttl:       ttl,
		now:       now,
		entries:   make(map[string]entry),
		lastPurge: now(),
	}
}

func (c *TurnCache) Get(turns []domain.ConversationTurn) (string, bool) {
	key := Key(turns)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if now.Sub(e.createdAt) >= c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.response, true
}

func (c *TurnCache) Set(turns []domain.ConversationTurn, response string) {
	key := Key(turns)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{response: response, createdAt: now}
	if now.Sub(c.lastPurge) >= c.ttl {
		c.purgeLocked(now)
	}
}

func (c *TurnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TurnCache) purgeLocked(now time.Time) {
	for key, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	c.lastPurge = now
}

type keyTurn struct {
	Content string `json:"c"`
	Role    string `json:"r"`
}

// Key is the hex SHA-256 of the ordered (role, content) pairs serialized as
// JSON objects with sorted field names.
func Key(turns []domain.ConversationTurn) string {
	pairs := make([]keyTurn, 0, len(turns))
	for _, turn := range turns {
		pairs = append(pairs, keyTurn{Content: turn.Content, Role: string(turn.Role)})
	}
	raw, _ := json.Marshal(pairs)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
