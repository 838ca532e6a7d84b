// Package cache holds short-lived copies of admin API read responses so
// dashboards polling spec and window listings do not rerun the per-spec
// count queries on every request.
package cache

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// Response is one cached HTTP response body.
type Response struct {
	ContentType string
	Body        []byte
}

type entry struct {
	key       string
	resp      Response
	expiresAt time.Time
}

// LRU is a thread-safe least-recently-used cache with a per-entry TTL.
// Expired entries are dropped lazily on Get. All methods are no-ops on a
// nil receiver.
type LRU struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRU creates a cache holding at most maxSize entries for ttl each.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &LRU{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the live entry for key and marks it recently used.
func (c *LRU) Get(key string) (Response, bool) {
	if c == nil {
		return Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return Response{}, false
	}
	c.order.MoveToFront(el)
	return e.resp, true
}

// Set stores resp under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU) Set(key string, resp Response) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.resp, e.expiresAt = resp, expires
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		c.removeElement(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry{key: key, resp: resp, expiresAt: expires})
}

// Purge drops every entry.
func (c *LRU) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Len returns the number of entries, including expired ones not yet dropped.
func (c *LRU) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Must be called with c.mu held.
func (c *LRU) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// readOnly reports whether a request method cannot change server state.
func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
