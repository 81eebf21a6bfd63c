// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package publish

import (
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// publishStarts tracks successful publish reservations
	publishStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "publish",
		Name:      "starts_total",
		Help:      "Total number of successful publish reservations",
	})

	// publishFinishes tracks committed publishes
	publishFinishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "publish",
		Name:      "finishes_total",
		Help:      "Total number of committed publishes",
	})

	// signatureFailures tracks rejected completion signatures
	signatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "publish",
		Name:      "signature_failures_total",
		Help:      "Total number of rejected completion signatures",
	})
)

func init() {
	// Register metrics with the global registry
	debug.Registry().MustRegister(
		publishStarts,
		publishFinishes,
		signatureFailures,
	)
}
