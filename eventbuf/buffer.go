package eventbuf

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/minio/sha256-simd"
)

type Item[T any] struct {
	ID        string         `json:"id"`
	Data      T              `json:"data"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Buffer keeps recent items in memory and spills older ones to chunk files. It is safe for concurrent use.
type Buffer[T any] struct {
	// serializes Configure and Shutdown, which start and stop the cleanup task
	lifeLk sync.Mutex

	lk     sync.Mutex
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	window    []Item[T]
	lastStamp int64

	evictions  uint64
	fileWrites uint64
	fileReads  uint64

	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

func New[T any](cfg Config) (*Buffer[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("system", "eventbuf")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	b := &Buffer[T]{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
	}

	if cfg.Enabled {
		b.ensureStorageDir()
		b.startCleanup(cfg.CleanupInterval)
	}
	return b, nil
}

func (b *Buffer[T]) ensureStorageDir() {
	if err := os.MkdirAll(b.cfg.StorageDir, 0775); err != nil {
		b.logger.Warn("failed to create storage directory, spills will be kept in memory", "dir", b.cfg.StorageDir, "err", err)
	}
}

// nextID derives an item id from its content and a strictly increasing stamp. Caller holds lk.
func (b *Buffer[T]) nextID(data T, meta map[string]any, now time.Time) string {
	stamp := now.UnixNano()
	if stamp <= b.lastStamp {
		stamp = b.lastStamp + 1
	}
	b.lastStamp = stamp

	h := sha256.New()
	if db, err := json.Marshal(data); err == nil {
		h.Write(db)
	}
	if mb, err := json.Marshal(meta); err == nil {
		h.Write(mb)
	}
	h.Write([]byte(strconv.FormatInt(stamp, 10)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Add appends an item to the memory window and returns its id. If the window then exceeds MaxMemoryItems,
// its oldest half is spilled to a chunk file before Add returns. A failed spill keeps the items in memory
// and is not reported to the caller.
func (b *Buffer[T]) Add(data T, metadata map[string]any) (string, error) {
	b.lk.Lock()
	defer b.lk.Unlock()

	if !b.cfg.Enabled {
		return "", ErrDisabled
	}

	now := b.clock()
	it := Item[T]{
		ID:        b.nextID(data, metadata, now),
		Data:      data,
		Timestamp: now.UnixMilli(),
		Metadata:  metadata,
	}
	b.window = append(b.window, it)
	itemsAdded.Inc()

	if len(b.window) > b.cfg.MaxMemoryItems {
		n := b.cfg.MaxMemoryItems / 2
		if n < 1 {
			n = 1
		}
		b.spill(n)
	}
	return it.ID, nil
}

// spill moves the oldest n window items into one chunk file. On failure the window is left as it was. Caller holds lk.
func (b *Buffer[T]) spill(n int) error {
	if n > len(b.window) {
		n = len(b.window)
	}
	if n == 0 {
		return nil
	}

	path, err := b.writeChunk(b.window[:n])
	if err != nil {
		spillsFailed.Inc()
		b.logger.Error("failed to spill items to chunk file, keeping them in memory", "dir", b.cfg.StorageDir, "count", n, "err", err)
		return err
	}

	// fresh backing array so spilled payloads are not pinned by the window
	b.window = append([]Item[T](nil), b.window[n:]...)

	spillsCompleted.Inc()
	spilledItems.Add(float64(n))
	b.logger.Debug("spilled items to chunk file", "path", path, "count", n)
	return nil
}

func (b *Buffer[T]) writeChunk(items []Item[T]) (string, error) {
	now := b.clock().UnixMilli()
	c := &chunk[T]{
		Items:      items,
		Timestamp:  now,
		Count:      len(items),
		Compressed: b.cfg.CompressionEnabled,
	}

	data, err := encodeChunk(c)
	if err != nil {
		return "", err
	}

	path, err := writeChunkFile(b.cfg.StorageDir, now, c.Compressed, data)
	if err != nil {
		return "", err
	}
	b.fileWrites++
	return path, nil
}

// Flush spills the entire memory window into a single chunk file.
func (b *Buffer[T]) Flush() error {
	b.lk.Lock()
	defer b.lk.Unlock()

	return b.spill(len(b.window))
}

// chunksLocked lists chunk files. An unreadable storage directory yields no chunks. Caller holds lk.
func (b *Buffer[T]) chunksLocked() []chunkFile {
	files, err := listChunks(b.cfg.StorageDir)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to list storage directory", "dir", b.cfg.StorageDir, "err", err)
		}
		return nil
	}
	return files
}

// loadChunk reads one chunk file, logging and skipping it if it cannot be decoded. Caller holds lk.
func (b *Buffer[T]) loadChunk(cf chunkFile) (*chunk[T], bool) {
	c, err := readChunk[T](cf)
	if err != nil {
		corruptChunks.Inc()
		b.logger.Warn("skipping unreadable chunk file", "path", cf.Path, "err", err)
		return nil, false
	}
	b.fileReads++
	chunkReads.Inc()
	return c, true
}

// Get finds an item by id, checking memory first and then chunk files from newest to oldest.
// While the buffer is disabled nothing is found.
func (b *Buffer[T]) Get(id string) (Item[T], bool) {
	b.lk.Lock()
	defer b.lk.Unlock()

	var zero Item[T]
	if !b.cfg.Enabled {
		return zero, false
	}

	for _, it := range b.window {
		if it.ID == id {
			return it, true
		}
	}

	files := b.chunksLocked()
	for i := len(files) - 1; i >= 0; i-- {
		c, ok := b.loadChunk(files[i])
		if !ok {
			continue
		}
		for _, it := range c.Items {
			if it.ID == id {
				return it, true
			}
		}
	}
	return zero, false
}

// RecentN returns up to limit in-memory items, newest first. Chunk files are not consulted.
func (b *Buffer[T]) RecentN(limit int) []Item[T] {
	b.lk.Lock()
	defer b.lk.Unlock()

	if !b.cfg.Enabled || limit <= 0 {
		return []Item[T]{}
	}

	out := newestFirst(append([]Item[T](nil), b.window...))
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RangeByTime returns every item, in memory or on disk, with start <= timestamp <= end (unix millis), newest first.
func (b *Buffer[T]) RangeByTime(start, end int64) []Item[T] {
	b.lk.Lock()
	defer b.lk.Unlock()

	out := []Item[T]{}
	if !b.cfg.Enabled || start > end {
		return out
	}

	inRange := func(it Item[T]) bool {
		return it.Timestamp >= start && it.Timestamp <= end
	}

	// gather in arrival order: chunks oldest first, then the window
	for _, cf := range b.chunksLocked() {
		c, ok := b.loadChunk(cf)
		if !ok {
			continue
		}
		for _, it := range c.Items {
			if inRange(it) {
				out = append(out, it)
			}
		}
	}
	for _, it := range b.window {
		if inRange(it) {
			out = append(out, it)
		}
	}
	return newestFirst(out)
}

// newestFirst orders items arranged in arrival order by descending timestamp. Equal timestamps end up latest arrival first.
func newestFirst[T any](items []Item[T]) []Item[T] {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp > items[j].Timestamp
	})
	return items
}

// ClearMemory drops the memory window and resets the eviction counter. Chunk files are untouched.
func (b *Buffer[T]) ClearMemory() {
	b.lk.Lock()
	defer b.lk.Unlock()

	b.window = nil
	b.evictions = 0
}

// ClearAll drops the memory window and deletes every chunk file.
func (b *Buffer[T]) ClearAll() {
	b.lk.Lock()
	defer b.lk.Unlock()

	b.window = nil
	b.evictions = 0

	for _, cf := range b.chunksLocked() {
		if err := os.Remove(cf.Path); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("failed to delete chunk file", "path", cf.Path, "err", err)
		}
	}
}

// Configure validates and applies a patch at runtime. An invalid patch is rejected whole and the
// previous config stays in effect. Enabling starts the cleanup task; disabling stops it but keeps
// the memory window, which becomes visible again on re-enable.
func (b *Buffer[T]) Configure(p ConfigPatch) error {
	b.lifeLk.Lock()
	defer b.lifeLk.Unlock()

	b.lk.Lock()
	next := b.cfg.apply(p)
	if err := next.validate(); err != nil {
		b.lk.Unlock()
		return err
	}
	prev := b.cfg
	b.cfg = next
	if next.Enabled && (!prev.Enabled || next.StorageDir != prev.StorageDir) {
		b.ensureStorageDir()
	}
	b.lk.Unlock()

	b.logger.Info("event buffer reconfigured",
		"enabled", next.Enabled,
		"maxMemoryItems", next.MaxMemoryItems,
		"storageDir", next.StorageDir,
		"cleanupInterval", next.CleanupInterval,
		"compression", next.CompressionEnabled,
	)

	switch {
	case !next.Enabled:
		b.haltCleanup()
	case !prev.Enabled || next.CleanupInterval != prev.CleanupInterval:
		b.haltCleanup()
		b.startCleanup(next.CleanupInterval)
	}
	return nil
}

// Shutdown stops the cleanup task and spills anything left in memory. It is safe to call more than once;
// a failed final spill is logged and the items stay in memory.
func (b *Buffer[T]) Shutdown() {
	b.lifeLk.Lock()
	defer b.lifeLk.Unlock()

	b.haltCleanup()

	b.lk.Lock()
	defer b.lk.Unlock()

	if len(b.window) == 0 {
		return
	}
	n := len(b.window)
	if err := b.spill(n); err != nil {
		b.logger.Error("final flush on shutdown failed", "count", n, "err", err)
		return
	}
	b.logger.Info("flushed memory window on shutdown", "count", n)
}
