// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// uploadAccepts tracks uploads that passed all checks and were stored
	uploadAccepts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "upload",
		Name:      "accepts_total",
		Help:      "Total number of accepted block uploads",
	})

	// uploadRejects tracks rejected uploads by reason
	uploadRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "upload",
		Name:      "rejects_total",
		Help:      "Total number of rejected block uploads",
	}, []string{"reason"}) // reason: "signature", "expired", "size", "integrity"
)

func init() {
	// Register metrics with the global registry
	debug.Registry().MustRegister(
		uploadAccepts,
		uploadRejects,
	)
}
