package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLRU(maxSize int, ttl time.Duration) (*LRU, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRU(maxSize, ttl)
	c.now = clk.Now
	return c, clk
}

func body(s string) Response {
	return Response{ContentType: "application/json", Body: []byte(s)}
}

func TestLRU(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMiss", testGetMiss},
		{"GetExpired", testGetExpired},
		{"EvictsLeastRecentlyUsed", testEvictsLeastRecentlyUsed},
		{"SetRefreshesExisting", testSetRefreshesExisting},
		{"PurgeClearsCache", testPurgeClearsCache},
		{"NilIsNoop", testNilIsNoop},
		{"ConcurrentAccess", testConcurrentAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testSetAndGet(t *testing.T) {
	c, _ := newTestLRU(10, 5*time.Second)
	c.Set("/specs", body(`{"size":1}`))

	got, ok := c.Get("/specs")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got.Body) != `{"size":1}` || got.ContentType != "application/json" {
		t.Fatalf("unexpected cached response %+v", got)
	}
}

func testGetMiss(t *testing.T) {
	c, _ := newTestLRU(10, 5*time.Second)
	if _, ok := c.Get("/missing"); ok {
		t.Fatal("expected cache miss, got hit")
	}
}

func testGetExpired(t *testing.T) {
	c, clk := newTestLRU(10, 5*time.Second)
	c.Set("/specs", body("a"))

	clk.Advance(4 * time.Second)
	if _, ok := c.Get("/specs"); !ok {
		t.Fatal("expected hit before ttl")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get("/specs"); ok {
		t.Fatal("expected miss at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry dropped, len=%d", c.Len())
	}
}

func testEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLRU(2, time.Minute)
	c.Set("a", body("a"))
	c.Set("b", body("b"))

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	c.Set("c", body("c"))

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %s kept", k)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func testSetRefreshesExisting(t *testing.T) {
	c, clk := newTestLRU(10, 5*time.Second)
	c.Set("k", body("old"))
	clk.Advance(4 * time.Second)
	c.Set("k", body("new"))
	clk.Advance(4 * time.Second)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected refreshed entry to be live")
	}
	if string(got.Body) != "new" {
		t.Fatalf("expected new body, got %q", got.Body)
	}
	if c.Len() != 1 {
		t.Fatalf("expected len 1, got %d", c.Len())
	}
}

func testPurgeClearsCache(t *testing.T) {
	c, _ := newTestLRU(10, time.Minute)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), body("v"))
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Fatal("expected miss after purge")
	}
}

func testNilIsNoop(t *testing.T) {
	var c *LRU
	c.Set("k", body("v"))
	c.Purge()
	if _, ok := c.Get("k"); ok {
		t.Fatal("nil cache must never hit")
	}
	if c.Len() != 0 {
		t.Fatal("nil cache must be empty")
	}
	if New(&Config{Enabled: false}) != nil {
		t.Fatal("disabled config must build a nil cache")
	}
}

func testConcurrentAccess(t *testing.T) {
	c := NewLRU(50, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%75)
				c.Set(key, body("v"))
				c.Get(key)
				if i%50 == 0 {
					c.Purge()
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Fatalf("cache exceeded max size: %d", c.Len())
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SYNC_API_CACHE_ENABLED", "false")
	t.Setenv("SYNC_API_CACHE_TTL_SECONDS", "30")
	t.Setenv("SYNC_API_CACHE_MAX_SIZE", "nope")

	cfg := ConfigFromEnv()
	if cfg.Enabled {
		t.Fatal("expected cache disabled")
	}
	if cfg.TTL != 30*time.Second {
		t.Fatalf("expected ttl 30s, got %s", cfg.TTL)
	}
	if cfg.MaxSize != DefaultConfig().MaxSize {
		t.Fatalf("expected default max size on bad input, got %d", cfg.MaxSize)
	}
}
