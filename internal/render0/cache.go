package render0

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"render0/internal/logger"
)

// cacheItem is the index record of one entry. Items form a list in insertion
// order: head is the oldest insert and the next eviction victim.
type cacheItem struct {
	key       string
	expiresAt time.Time
	size      int64
	prev      *cacheItem
	next      *cacheItem
}

// resultCache is a bounded TTL cache of FetchResults. The index lives in a map
// plus insertion-ordered list; payloads are gob-encoded into a leveldb opened
// on memory storage, so nothing survives a restart.
type resultCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	overflowLog *rateLimitedLogger

	mu    sync.Mutex
	db    *leveldb.DB
	items map[string]*cacheItem
	head  *cacheItem
	tail  *cacheItem
	total int64
}

func newResultCache(ttl time.Duration, maxEntries int, log logger.Logger) (*resultCache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open cache payload store: %w", err)
	}
	return &resultCache{
		ttl:         ttl,
		maxEntries:  maxEntries,
		now:         time.Now,
		overflowLog: newRateLimitedLogger(log, time.Minute),
		db:          db,
		items:       map[string]*cacheItem{},
	}, nil
}

func (c *resultCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.db.Close()
}

func (c *resultCache) enabled() bool {
	return c.ttl > 0 && c.maxEntries > 0
}

func cacheKey(target string) string {
	return strings.TrimSpace(target)
}

func payloadKey(key string) []byte {
	return []byte("e:" + key)
}

// Get purges every expired entry, then looks key up.
func (c *resultCache) Get(key string) (FetchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked(c.now())

	it, ok := c.items[key]
	if !ok {
		return FetchResult{}, false
	}
	b, err := c.db.Get(payloadKey(key), nil)
	if err != nil {
		c.removeLocked(it)
		return FetchResult{}, false
	}
	var res FetchResult
	if err := decodeGob(b, &res); err != nil {
		c.removeLocked(it)
		return FetchResult{}, false
	}
	return res, true
}

// Put stores res under key for one TTL. When the cache is full the earliest
// inserted entry is evicted first, whether or not it was read recently.
func (c *resultCache) Put(key string, res FetchResult) error {
	if !c.enabled() {
		return nil
	}
	b, err := encodeGob(res)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	sz := int64(len(b))

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpiredLocked(now)

	if len(c.items) >= c.maxEntries && c.head != nil {
		victim := c.head
		c.overflowLog.Warn("cache full, evicting oldest entry",
			logger.Int("max_entries", c.maxEntries),
			logger.String("evicted", victim.key),
		)
		c.removeLocked(victim)
	}

	if err := c.db.Put(payloadKey(key), b, nil); err != nil {
		if it, ok := c.items[key]; ok {
			c.removeLocked(it)
		}
		return fmt.Errorf("store cache entry: %w", err)
	}

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.size = sz
		it.expiresAt = now.Add(c.ttl)
		return nil
	}

	it := &cacheItem{key: key, expiresAt: now.Add(c.ttl), size: sz}
	c.items[key] = it
	c.addToBack(it)
	c.total += sz
	return nil
}

func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Has reports whether key holds a live entry, without purging.
func (c *resultCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	return ok && c.now().Before(it.expiresAt)
}

// Keys returns keys oldest first.
func (c *resultCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out
}

// TotalSize is the encoded size of all payloads.
func (c *resultCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *resultCache) purgeExpiredLocked(now time.Time) {
	for it := c.head; it != nil; {
		next := it.next
		if !now.Before(it.expiresAt) {
			c.removeLocked(it)
		}
		it = next
	}
}

func (c *resultCache) removeLocked(it *cacheItem) {
	_ = c.db.Delete(payloadKey(it.key), nil)
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *resultCache) addToBack(it *cacheItem) {
	it.next = nil
	it.prev = c.tail
	if c.tail != nil {
		c.tail.next = it
	}
	c.tail = it
	if c.head == nil {
		c.head = it
	}
}

func (c *resultCache) unlink(it *cacheItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
