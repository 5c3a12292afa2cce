package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var soakEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "retainctl_soak_events_total",
	Help: "Number of synthetic events added during a soak run",
})

var soakCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "retainctl_soak_cache_hits_total",
	Help: "Number of soak rule evaluations answered from the evaluation cache",
})
