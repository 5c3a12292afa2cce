package evalcache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	Allowed bool
	Reason  string
}

type testClock struct {
	lk  sync.Mutex
	now time.Time
}

func (tc *testClock) Now() time.Time {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	return tc.now
}

func (tc *testClock) Advance(d time.Duration) {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	tc.now = tc.now.Add(d)
}

func testCache(t *testing.T, cfg Config) (*Cache[decision], *testClock) {
	clk := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Clock = clk.Now
	c, err := New[decision](cfg)
	require.NoError(t, err)
	return c, clk
}

func TestCacheBasics(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, DefaultConfig())

	ctxA := Context{}
	ctxA["repo"] = "indigo"
	ctxA["branch"] = "main"
	ctxA["labels"] = map[string]any{"b": 2, "a": 1}

	ctxB := Context{}
	ctxB["labels"] = map[string]any{"a": 1, "b": 2}
	ctxB["branch"] = "main"
	ctxB["repo"] = "indigo"

	_, ok := c.Get("policy", "user1", ctxA)
	assert.False(ok)

	c.Put("policy", "user1", ctxA, decision{Allowed: true, Reason: "owner"})
	v, ok := c.Get("policy", "user1", ctxB)
	assert.True(ok)
	assert.Equal(decision{Allowed: true, Reason: "owner"}, v)

	// different namespace or subject is a different key
	_, ok = c.Get("rule", "user1", ctxA)
	assert.False(ok)
	_, ok = c.Get("policy", "user2", ctxA)
	assert.False(ok)

	assert.Equal(1, c.Size())
	assert.True(c.Has(Key("policy", "user1", ctxA)))

	st := c.Stats()
	assert.Equal(uint64(1), st.Hits)
	assert.Equal(uint64(3), st.Misses)
	assert.Equal(uint64(4), st.TotalRequests)
	assert.Equal(25.0, st.HitRate)
	assert.Equal(1, st.CurrentSize)
	assert.Equal(1000, st.MaxSize)
}

func TestCacheOverwrite(t *testing.T) {
	assert := assert.New(t)

	c, clk := testCache(t, Config{Enabled: true, MaxEntries: 10, TTL: time.Minute})
	ctx := Context{"action": "merge"}

	c.Put("policy", "user1", ctx, decision{Reason: "first"})
	clk.Advance(50 * time.Second)
	c.Put("policy", "user1", ctx, decision{Reason: "second"})
	clk.Advance(50 * time.Second)

	// overwrite refreshed the insertion time
	v, ok := c.Get("policy", "user1", ctx)
	assert.True(ok)
	assert.Equal("second", v.Reason)
	assert.Equal(1, c.Size())
}

func TestCacheLRUEviction(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, Config{Enabled: true, MaxEntries: 3})
	for _, s := range []string{"a", "b", "c"} {
		c.Put("policy", s, nil, decision{Reason: s})
	}
	assert.Equal(3, c.Size())

	// touch "a" so "b" becomes least recently used
	_, ok := c.Get("policy", "a", nil)
	assert.True(ok)

	c.Put("policy", "d", nil, decision{Reason: "d"})
	assert.Equal(3, c.Size())

	_, ok = c.Get("policy", "b", nil)
	assert.False(ok)
	for _, s := range []string{"a", "c", "d"} {
		_, ok = c.Get("policy", s, nil)
		assert.True(ok, s)
	}
	assert.Equal(uint64(1), c.Stats().Evictions)
}

func TestCacheEvictionTieBreak(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, Config{Enabled: true, MaxEntries: 2})
	c.Put("rule", "first", nil, decision{})
	c.Put("rule", "second", nil, decision{})
	c.Put("rule", "third", nil, decision{})

	assert.Equal([]string{Key("rule", "second", nil), Key("rule", "third", nil)}, c.Keys())
}

func TestCacheTTL(t *testing.T) {
	assert := assert.New(t)

	c, clk := testCache(t, Config{Enabled: true, MaxEntries: 10, TTL: time.Minute})
	ctx := Context{"check": "signature"}

	c.Put("rule", "repo1", ctx, decision{Allowed: true})
	clk.Advance(59 * time.Second)
	_, ok := c.Get("rule", "repo1", ctx)
	assert.True(ok)

	// age == ttl counts as expired
	clk.Advance(time.Second)
	assert.False(c.Has(Key("rule", "repo1", ctx)))
	_, ok = c.Get("rule", "repo1", ctx)
	assert.False(ok)

	assert.Equal(0, c.Size())
	st := c.Stats()
	assert.Equal(uint64(1), st.Hits)
	assert.Equal(uint64(1), st.Misses)
	assert.Equal(uint64(1), st.Evictions)
}

func TestCacheHitRate(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, DefaultConfig())
	assert.Equal(0.0, c.Stats().HitRate)

	c.Put("policy", "s", nil, decision{})
	for i := 0; i < 3; i++ {
		c.Get("policy", "s", nil)
	}
	c.Get("policy", "missing", nil)
	assert.Equal(75.0, c.Stats().HitRate)

	c.Get("policy", "missing", nil)
	c.Get("policy", "missing", nil)
	// 3 of 6
	assert.Equal(50.0, c.Stats().HitRate)

	c.Get("policy", "s", nil)
	// 4 of 7 = 57.142857...
	assert.Equal(57.14, c.Stats().HitRate)
}

func TestCacheMaintenanceBypassesStats(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, DefaultConfig())
	c.Put("policy", "s", nil, decision{})
	k := Key("policy", "s", nil)

	assert.True(c.Has(k))
	assert.False(c.Has("policy:other:0"))
	assert.True(c.Delete(k))
	assert.False(c.Delete(k))
	assert.Equal(0, c.Size())

	st := c.Stats()
	assert.Equal(uint64(0), st.TotalRequests)
	assert.Equal(uint64(0), st.Evictions)
}

func TestCacheClear(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, Config{Enabled: true, MaxEntries: 1})
	c.Put("policy", "a", nil, decision{})
	c.Put("policy", "b", nil, decision{})
	c.Get("policy", "a", nil)
	c.Get("policy", "b", nil)

	st := c.Stats()
	assert.Equal(uint64(1), st.Hits)
	assert.Equal(uint64(1), st.Misses)
	assert.Equal(uint64(1), st.Evictions)

	c.Clear()
	assert.Equal(0, c.Size())
	assert.Equal(Stats{MaxSize: 1}, c.Stats())
}

func TestCacheDisable(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, DefaultConfig())
	c.Put("policy", "a", nil, decision{Allowed: true})

	off := false
	assert.NoError(c.Configure(ConfigPatch{Enabled: &off}))
	assert.Equal(0, c.Size())

	// writes are dropped silently and reads miss
	c.Put("policy", "a", nil, decision{Allowed: true})
	_, ok := c.Get("policy", "a", nil)
	assert.False(ok)
	assert.False(c.Has(Key("policy", "a", nil)))
	assert.Equal(uint64(1), c.Stats().Misses)

	on := true
	assert.NoError(c.Configure(ConfigPatch{Enabled: &on}))
	assert.Equal(0, c.Size())
	c.Put("policy", "a", nil, decision{Allowed: true})
	_, ok = c.Get("policy", "a", nil)
	assert.True(ok)
}

func TestCacheRebuildKeepsInsertionTime(t *testing.T) {
	assert := assert.New(t)

	c, clk := testCache(t, Config{Enabled: true, MaxEntries: 10, TTL: 5 * time.Minute})
	c.Put("policy", "old", nil, decision{Reason: "old"})
	clk.Advance(4 * time.Minute)
	c.Put("policy", "new", nil, decision{Reason: "new"})

	size := 20
	assert.NoError(c.Configure(ConfigPatch{MaxEntries: &size}))
	assert.Equal(2, c.Size())
	assert.Equal(20, c.Stats().MaxSize)

	clk.Advance(time.Minute)
	_, ok := c.Get("policy", "old", nil)
	assert.False(ok)
	_, ok = c.Get("policy", "new", nil)
	assert.True(ok)
}

func TestCacheRebuildShrinks(t *testing.T) {
	assert := assert.New(t)

	c, clk := testCache(t, Config{Enabled: true, MaxEntries: 10, TTL: time.Minute})
	c.Put("policy", "expired", nil, decision{})
	clk.Advance(2 * time.Minute)
	for _, s := range []string{"a", "b", "c", "d"} {
		c.Put("policy", s, nil, decision{})
	}
	// "a" becomes most recent
	c.Get("policy", "a", nil)

	size := 2
	assert.NoError(c.Configure(ConfigPatch{MaxEntries: &size}))
	assert.Equal(2, c.Size())
	assert.Equal([]string{Key("policy", "d", nil), Key("policy", "a", nil)}, c.Keys())
	// one expired entry dropped, two pushed out by the smaller bound
	assert.Equal(uint64(3), c.Stats().Evictions)
}

func TestCacheByteBound(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, Config{
		Enabled:     true,
		MaxByteSize: 100,
		Sizer: func(v any) int64 {
			return int64(len(v.(decision).Reason))
		},
	})

	c.Put("policy", "a", nil, decision{Reason: string(make([]byte, 40))})
	c.Put("policy", "b", nil, decision{Reason: string(make([]byte, 40))})
	assert.Equal(2, c.Size())

	// pushes the total to 120, so the oldest goes
	c.Put("policy", "c", nil, decision{Reason: string(make([]byte, 40))})
	assert.Equal(2, c.Size())
	assert.False(c.Has(Key("policy", "a", nil)))

	// overwriting with a smaller value frees room
	c.Put("policy", "b", nil, decision{Reason: "x"})
	c.Put("policy", "d", nil, decision{Reason: string(make([]byte, 50))})
	assert.Equal(3, c.Size())

	// too large to ever fit
	c.Put("policy", "huge", nil, decision{Reason: string(make([]byte, 101))})
	assert.False(c.Has(Key("policy", "huge", nil)))
	assert.Equal(3, c.Size())
	assert.Equal(uint64(2), c.Stats().Evictions)
}

func TestCacheDefaultSizer(t *testing.T) {
	assert := assert.New(t)

	c, _ := testCache(t, Config{Enabled: true, MaxByteSize: 64})
	c.Put("policy", "a", nil, decision{Reason: "short"})
	assert.Equal(1, c.Size())

	long := make([]byte, 128)
	for i := range long {
		long[i] = 'x'
	}
	c.Put("policy", "b", nil, decision{Reason: string(long)})
	assert.Equal(1, c.Size())
	assert.False(c.Has(Key("policy", "b", nil)))
}

func TestCacheInvalidConfig(t *testing.T) {
	assert := assert.New(t)

	_, err := New[decision](Config{Enabled: true, MaxEntries: -1})
	assert.True(errors.Is(err, ErrInvalidConfig))

	c, _ := testCache(t, Config{Enabled: true, MaxEntries: 5, TTL: time.Minute})
	ttl := -time.Second
	err = c.Configure(ConfigPatch{TTL: &ttl})
	assert.True(errors.Is(err, ErrInvalidConfig))

	// rejected patch leaves the config alone
	c.Put("policy", "a", nil, decision{})
	assert.Equal(1, c.Size())
	assert.Equal(5, c.Stats().MaxSize)
}

func TestContextDigest(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ContextDigest(Context{"a": 1, "b": "x"}), ContextDigest(Context{"b": "x", "a": 1}))
	assert.Equal(ContextDigest(Context{"a": 1}), ContextDigest(Context{"a": 1, "b": nil}))
	assert.Equal(ContextDigest(nil), ContextDigest(Context{}))
	assert.NotEqual(ContextDigest(Context{"a": 1}), ContextDigest(Context{"a": 2}))
	assert.NotEqual(ContextDigest(Context{"a": "1"}), ContextDigest(Context{"a": 1}))

	// unencodable values still digest deterministically
	ch := make(chan int)
	assert.Equal(ContextDigest(Context{"c": ch}), ContextDigest(Context{"c": ch}))

	assert.Equal("ns:subj:"+ContextDigest(Context{"k": true}), Key("ns", "subj", Context{"k": true}))
}

func TestContextDigestCyclic(t *testing.T) {
	assert := assert.New(t)

	inner := map[string]any{"x": 1}
	inner["self"] = inner
	ctx := Context{"loop": inner, "rule": "spam"}

	d := ContextDigest(ctx)
	assert.NotEmpty(d)
	assert.Equal(d, ContextDigest(Context{"rule": "spam", "loop": inner}))
	assert.NotEqual(d, ContextDigest(Context{"rule": "spam"}))

	c, _ := testCache(t, DefaultConfig())
	c.Put("ns", "subj", ctx, decision{Allowed: true})
	v, ok := c.Get("ns", "subj", ctx)
	assert.True(ok)
	assert.True(v.Allowed)
}

func TestCacheConcurrentAccess(t *testing.T) {
	assert := assert.New(t)

	c, clk := testCache(t, Config{Enabled: true, MaxEntries: 50, TTL: time.Minute})

	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				subj := fmt.Sprintf("did:example:%d", i%80)
				ctx := Context{"worker": w % 2, "round": i % 5}
				if _, ok := c.Get("rules", subj, ctx); !ok {
					c.Put("rules", subj, ctx, decision{Allowed: i%3 == 0, Reason: subj})
				}
				if i%25 == 0 {
					c.Has(Key("rules", subj, ctx))
					c.Stats()
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			size := 20
			if i%2 == 0 {
				size = 50
			}
			assert.NoError(c.Configure(ConfigPatch{MaxEntries: &size}))
			clk.Advance(time.Second)
			c.Keys()
		}
	}()
	wg.Wait()

	st := c.Stats()
	assert.Equal(uint64(workers*rounds), st.TotalRequests)
	assert.Equal(uint64(workers*rounds), st.Hits+st.Misses)
	assert.LessOrEqual(c.Size(), 50)
	assert.Len(c.Keys(), c.Size())
}
