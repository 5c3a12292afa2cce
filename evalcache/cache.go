package evalcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var ErrInvalidConfig = errors.New("invalid evaluation cache config")

// simplelru requires a positive size; this stands in for "no entry bound"
const unboundedEntries = math.MaxInt32

type Config struct {
	Enabled bool

	// Zero means no entry bound.
	MaxEntries int

	// Zero means entries never expire.
	TTL time.Duration

	// Zero means no byte bound. Sizes come from Sizer.
	MaxByteSize int64

	// Estimates the retained size of a value. Defaults to the length of its JSON encoding.
	Sizer func(v any) int64

	Logger *slog.Logger
	Clock  func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxEntries:  1000,
		TTL:         5 * time.Minute,
		MaxByteSize: 50 << 20,
	}
}

// ConfigPatch lists the fields to override on a running cache. Nil fields are left as they are.
type ConfigPatch struct {
	Enabled     *bool
	MaxEntries  *int
	TTL         *time.Duration
	MaxByteSize *int64
}

type Entry[V any] struct {
	Key          string
	Value        V
	InsertedAt   time.Time
	LastAccessAt time.Time

	size int64
}

type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hitRate"`
	TotalRequests uint64  `json:"totalRequests"`
	CurrentSize   int     `json:"currentSize"`
	MaxSize       int     `json:"maxSize"`
	Evictions     uint64  `json:"evictions"`
}

// Cache is a bounded, LRU-ordered store of evaluation results. It is safe for concurrent use.
type Cache[V any] struct {
	lk sync.Mutex

	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
	sizer  func(v any) int64

	data  *simplelru.LRU[string, *Entry[V]]
	bytes int64

	hits      uint64
	misses    uint64
	evictions uint64
}

func New[V any](cfg Config) (*Cache[V], error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("system", "evalcache")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sizer := cfg.Sizer
	if sizer == nil {
		sizer = jsonSize
	}

	c := &Cache[V]{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		sizer:  sizer,
	}
	if cfg.Enabled {
		c.data = c.newStore()
	}
	return c, nil
}

func validate(cfg Config) error {
	if cfg.MaxEntries < 0 {
		return fmt.Errorf("%w: MaxEntries must not be negative", ErrInvalidConfig)
	}
	if cfg.TTL < 0 {
		return fmt.Errorf("%w: TTL must not be negative", ErrInvalidConfig)
	}
	if cfg.MaxByteSize < 0 {
		return fmt.Errorf("%w: MaxByteSize must not be negative", ErrInvalidConfig)
	}
	return nil
}

func jsonSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func (c *Cache[V]) newStore() *simplelru.LRU[string, *Entry[V]] {
	size := c.cfg.MaxEntries
	if size == 0 {
		size = unboundedEntries
	}
	// the callback fires for every removal path (eviction, Remove, Purge), so it only does byte accounting
	store, err := simplelru.NewLRU[string, *Entry[V]](size, func(_ string, e *Entry[V]) {
		c.bytes -= e.size
	})
	if err != nil {
		// only possible for a non-positive size, which is excluded above
		panic(err)
	}
	c.bytes = 0
	return store
}

func (c *Cache[V]) expired(e *Entry[V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.InsertedAt) >= c.cfg.TTL
}

// Put stores the value for an evaluation, replacing any previous value and resetting its age. It is a no-op while the cache is disabled.
func (c *Cache[V]) Put(namespace, subjectID string, ctx Context, val V) {
	key := Key(namespace, subjectID, ctx)

	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data == nil {
		return
	}

	now := c.clock()
	c.insert(&Entry[V]{
		Key:          key,
		Value:        val,
		InsertedAt:   now,
		LastAccessAt: now,
		size:         c.sizer(val),
	})
}

// insert adds e as the most recently used entry and enforces both bounds. Caller holds lk.
func (c *Cache[V]) insert(e *Entry[V]) {
	if c.cfg.MaxByteSize > 0 && e.size > c.cfg.MaxByteSize {
		c.logger.Warn("evaluation result larger than cache byte bound, not caching", "key", e.Key, "size", e.size, "maxByteSize", c.cfg.MaxByteSize)
		c.data.Remove(e.Key)
		c.recordEviction()
		return
	}

	if old, ok := c.data.Peek(e.Key); ok {
		// Add on an existing key replaces in place without the eviction callback
		c.bytes -= old.size
	}
	if c.data.Add(e.Key, e) {
		c.recordEviction()
	}
	c.bytes += e.size

	for c.cfg.MaxByteSize > 0 && c.bytes > c.cfg.MaxByteSize {
		if _, _, ok := c.data.RemoveOldest(); !ok {
			break
		}
		c.recordEviction()
	}
}

func (c *Cache[V]) recordEviction() {
	c.evictions++
	cacheEvictions.Inc()
}

// Get returns the cached value for an evaluation. Expired entries are removed and reported as misses.
func (c *Cache[V]) Get(namespace, subjectID string, ctx Context) (V, bool) {
	key := Key(namespace, subjectID, ctx)

	c.lk.Lock()
	defer c.lk.Unlock()

	var zero V
	if c.data == nil {
		c.recordMiss()
		return zero, false
	}

	e, ok := c.data.Get(key)
	if !ok {
		c.recordMiss()
		return zero, false
	}

	now := c.clock()
	if c.expired(e, now) {
		c.data.Remove(key)
		c.recordEviction()
		c.recordMiss()
		return zero, false
	}

	e.LastAccessAt = now
	c.hits++
	cacheHits.Inc()
	return e.Value, true
}

func (c *Cache[V]) recordMiss() {
	c.misses++
	cacheMisses.Inc()
}

// Delete removes an entry by its full key. It does not touch statistics.
func (c *Cache[V]) Delete(key string) bool {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data == nil {
		return false
	}
	return c.data.Remove(key)
}

// Has reports whether an entry is present and unexpired, without affecting recency or statistics.
func (c *Cache[V]) Has(key string) bool {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data == nil {
		return false
	}
	e, ok := c.data.Peek(key)
	if !ok {
		return false
	}
	return !c.expired(e, c.clock())
}

func (c *Cache[V]) Size() int {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data == nil {
		return 0
	}
	return c.data.Len()
}

// Keys lists stored keys from least to most recently used. Expired entries not yet read are included.
func (c *Cache[V]) Keys() []string {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data == nil {
		return []string{}
	}
	return c.data.Keys()
}

// Clear drops every entry and resets hit, miss, and eviction counters.
func (c *Cache[V]) Clear() {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.data != nil {
		c.data.Purge()
	}
	c.bytes = 0
	c.hits = 0
	c.misses = 0
	c.evictions = 0
}

// Configure applies a patch at runtime. Disabling drops all entries; enabling starts empty; changing a bound
// rebuilds storage, keeping unexpired entries along with their original insertion times and recency order.
func (c *Cache[V]) Configure(p ConfigPatch) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	next := c.cfg
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.MaxEntries != nil {
		next.MaxEntries = *p.MaxEntries
	}
	if p.TTL != nil {
		next.TTL = *p.TTL
	}
	if p.MaxByteSize != nil {
		next.MaxByteSize = *p.MaxByteSize
	}
	if err := validate(next); err != nil {
		return err
	}

	prev := c.cfg
	c.cfg = next

	switch {
	case prev.Enabled && !next.Enabled:
		c.data.Purge()
		c.data = nil
		c.bytes = 0
		c.logger.Info("evaluation cache disabled, entries dropped")
	case !prev.Enabled && next.Enabled:
		c.data = c.newStore()
		c.logger.Info("evaluation cache enabled", "maxEntries", next.MaxEntries, "ttl", next.TTL, "maxByteSize", next.MaxByteSize)
	case next.Enabled && boundsChanged(prev, next):
		migrated := c.rebuild()
		c.logger.Info("evaluation cache bounds changed", "maxEntries", next.MaxEntries, "ttl", next.TTL, "maxByteSize", next.MaxByteSize, "migrated", migrated)
	}
	return nil
}

func boundsChanged(a, b Config) bool {
	return a.MaxEntries != b.MaxEntries || a.TTL != b.TTL || a.MaxByteSize != b.MaxByteSize
}

// rebuild moves live entries into storage sized for the current config. Caller holds lk.
func (c *Cache[V]) rebuild() int {
	old := c.data
	c.data = c.newStore()

	now := c.clock()
	migrated := 0
	// Keys is oldest first, so re-adding in order preserves recency
	for _, k := range old.Keys() {
		e, ok := old.Peek(k)
		if !ok {
			continue
		}
		if c.expired(e, now) {
			c.recordEviction()
			continue
		}
		c.insert(e)
		migrated++
	}
	return migrated
}

func (c *Cache[V]) Stats() Stats {
	c.lk.Lock()
	defer c.lk.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = math.Round(float64(c.hits)/float64(total)*100*100) / 100
	}
	size := 0
	if c.data != nil {
		size = c.data.Len()
	}
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       rate,
		TotalRequests: total,
		CurrentSize:   size,
		MaxSize:       c.cfg.MaxEntries,
		Evictions:     c.evictions,
	}
}
