package eventbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsAdded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_items_added_total",
	Help: "Number of items appended to event buffers",
})

var spillsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_spills_total",
	Help: "Number of memory window spills written to chunk files",
})

var spillsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_spill_failures_total",
	Help: "Number of spills that failed to persist and were kept in memory",
})

var spilledItems = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_spilled_items_total",
	Help: "Number of items moved from memory to chunk files",
})

var chunkReads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_chunk_reads_total",
	Help: "Number of chunk files read by lookups",
})

var corruptChunks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_corrupt_chunks_total",
	Help: "Number of chunk files skipped because they could not be decoded",
})

var chunksExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_chunks_expired_total",
	Help: "Number of chunk files deleted by background cleanup",
})

var memoryEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbuf_memory_evictions_total",
	Help: "Number of items dropped from memory without being spilled",
})
