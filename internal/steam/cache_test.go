package steam

import (
	"testing"
	"time"
)

func TestResponseCacheTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	c := newResponseCache(time.Hour)
	c.now = func() time.Time { return now }

	if _, ok := c.get("k"); ok {
		t.Fatal("hit on empty cache")
	}

	c.put("k", []byte("v"))
	if got, ok := c.get("k"); !ok || string(got) != "v" {
		t.Fatalf("get = (%q, %v), want (v, true)", got, ok)
	}

	now = now.Add(59 * time.Minute)
	if _, ok := c.get("k"); !ok {
		t.Fatal("entry expired before TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.get("k"); ok {
		t.Fatal("entry survived past TTL")
	}
	if c.len() != 0 {
		t.Fatalf("expired entry not evicted, len = %d", c.len())
	}
}

func TestResponseCacheOverwrite(t *testing.T) {
	t.Parallel()

	c := newResponseCache(time.Hour)
	c.put("k", []byte("old"))
	c.put("k", []byte("new"))
	if got, _ := c.get("k"); string(got) != "new" {
		t.Fatalf("get = %q, want new", got)
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
}
