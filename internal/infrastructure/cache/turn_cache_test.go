package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func conversation(userMessage string) []domain.ConversationTurn {
	return []domain.ConversationTurn{
		{Role: domain.RoleSystem, Content: "system prompt"},
		{Role: domain.RoleUser, Content: userMessage},
	}
}

func TestTurnCacheSetThenGetReturnsStoredText(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewTurnCacheWithClock(time.Hour, clock.Now)

	c.Set(conversation("How many users?"), "There are 42 users.")

	got, ok := c.Get(conversation("How many users?"))
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got != "There are 42 users." {
		t.Fatalf("unexpected cached text: %q", got)
	}
}

func TestTurnCacheMissesAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewTurnCacheWithClock(time.Minute, clock.Now)
	c.Set(conversation("hi"), "hello")

	clock.Advance(59 * time.Second)
	if _, ok := c.Get(conversation("hi")); !ok {
		t.Fatalf("expected hit before ttl")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(conversation("hi")); ok {
		t.Fatalf("expected miss once ttl elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be purged on access, len=%d", c.Len())
	}
}

func TestTurnCacheKeyDependsOnOrderAndRole(t *testing.T) {
	a := []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleAssistant, Content: "two"},
	}
	reordered := []domain.ConversationTurn{a[1], a[0]}
	relabeled := []domain.ConversationTurn{
		{Role: domain.RoleAssistant, Content: "one"},
		{Role: domain.RoleAssistant, Content: "two"},
	}

	if Key(a) != Key(append([]domain.ConversationTurn(nil), a...)) {
		t.Fatalf("expected identical conversations to share a key")
	}
	if Key(a) == Key(reordered) {
		t.Fatalf("expected turn order to change the key")
	}
	if Key(a) == Key(relabeled) {
		t.Fatalf("expected role to change the key")
	}
}

func TestTurnCacheSetOverwrites(t *testing.T) {
	c := NewTurnCache(time.Hour)
	c.Set(conversation("q"), "first")
	c.Set(conversation("q"), "second")

	got, ok := c.Get(conversation("q"))
	if !ok || got != "second" {
		t.Fatalf("expected overwritten value, got %q ok=%v", got, ok)
	}
}

func TestTurnCacheSetPurgesExpiredEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewTurnCacheWithClock(time.Minute, clock.Now)
	c.Set(conversation("old"), "stale")

	clock.Advance(2 * time.Minute)
	c.Set(conversation("new"), "fresh")

	if c.Len() != 1 {
		t.Fatalf("expected stale entry purged on set, len=%d", c.Len())
	}
}

func TestTurnCacheConcurrentAccess(t *testing.T) {
	c := NewTurnCache(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				turns := conversation(fmt.Sprintf("q-%d", j%10))
				c.Set(turns, fmt.Sprintf("a-%d", i))
				_, _ = c.Get(turns)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Fatalf("expected 10 keys, got %d", c.Len())
	}
}
