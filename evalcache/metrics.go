package evalcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evalcache_hits_total",
	Help: "Number of evaluation cache lookups served from the cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evalcache_misses_total",
	Help: "Number of evaluation cache lookups that found nothing usable",
})

var cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evalcache_evictions_total",
	Help: "Number of evaluation cache entries removed by LRU, byte bound, or expiry",
})
