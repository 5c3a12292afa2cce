package eventbuf

import (
	"context"
	"os"
	"time"
)

// startCleanup launches the periodic cleanup task. Caller holds lifeLk and no cleanup task is running.
func (b *Buffer[T]) startCleanup(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopCleanup = cancel
	b.cleanupDone = done

	go func() {
		defer close(done)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.cleanup()
			}
		}
	}()
}

// haltCleanup stops the cleanup task, if any, and waits for it to exit. Caller holds lifeLk but not lk.
func (b *Buffer[T]) haltCleanup() {
	if b.stopCleanup == nil {
		return
	}
	b.stopCleanup()
	<-b.cleanupDone
	b.stopCleanup = nil
	b.cleanupDone = nil
}

// cleanup deletes chunk files past the retention horizon, then trims the memory window to
// MaxMemoryItems by dropping the oldest items outright.
func (b *Buffer[T]) cleanup() {
	b.lk.Lock()
	defer b.lk.Unlock()

	now := b.clock()
	deleted := 0
	for _, cf := range b.chunksLocked() {
		fi, err := os.Stat(cf.Path)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= RetentionHorizon {
			continue
		}
		if err := os.Remove(cf.Path); err != nil {
			b.logger.Warn("failed to delete expired chunk file", "path", cf.Path, "err", err)
			continue
		}
		deleted++
		chunksExpired.Inc()
	}
	if deleted > 0 {
		b.logger.Info("deleted expired chunk files", "count", deleted, "dir", b.cfg.StorageDir)
	}

	if excess := len(b.window) - b.cfg.MaxMemoryItems; excess > 0 {
		b.window = append([]Item[T](nil), b.window[excess:]...)
		b.evictions += uint64(excess)
		memoryEvictions.Add(float64(excess))
		b.logger.Warn("trimmed memory window without spilling", "count", excess, "maxMemoryItems", b.cfg.MaxMemoryItems)
	}
}
