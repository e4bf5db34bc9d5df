// Package metrics holds prometheus registration helpers shared by the services.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector exported by the platform.
const Namespace = "shipyard"

// Register adds collector to reg. When an equal collector is already registered the
// existing instance is returned so repeated construction in one process is harmless.
func Register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
