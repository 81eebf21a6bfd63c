// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "proxy",
		Name:      "cache_hits_total",
		Help:      "Total number of downloads served from the local cache",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "proxy",
		Name:      "cache_misses_total",
		Help:      "Total number of downloads not found in the local cache",
	})

	// cacheFills counts payloads persisted after an origin fetch
	cacheFills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "proxy",
		Name:      "cache_fills_total",
		Help:      "Total number of blocks written into the local cache",
	})
)

func init() {
	// Register metrics with the global registry
	debug.Registry().MustRegister(
		cacheHits,
		cacheMisses,
		cacheFills,
	)
}
