// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registryOps tracks registry operations by type and outcome
	registryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Total number of registry operations",
	}, []string{"operation", "outcome"}) // operation: "reserve", "commit", "lookup", "lookup_multi", "sweep"

	// creditOps tracks credit balance operations
	creditOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocknet",
		Subsystem: "registry",
		Name:      "credit_operations_total",
		Help:      "Total number of credit operations",
	}, []string{"operation"}) // operation: "debit", "init_anon", "add"
)

func init() {
	// Register metrics with the global registry
	debug.Registry().MustRegister(
		registryOps,
		creditOps,
	)
}
