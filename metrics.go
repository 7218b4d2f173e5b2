package fleetsync

import "time"

// MetricsCollector provides hooks for observing sync cycle behavior.
type MetricsCollector interface {
	// RecordCycleDuration records how long a sync phase took.
	RecordCycleDuration(phase string, duration time.Duration)

	// RecordSyncCounts records mutations pushed and records pulled.
	RecordSyncCounts(pushed, pulled int)

	// RecordSyncErrors records errors by phase and type.
	RecordSyncErrors(phase string, errorType string)

	// RecordConflicts records the number of conflicts detected.
	RecordConflicts(detected int)
}

// NoOpMetricsCollector is the default collector; it does nothing.
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordCycleDuration(phase string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSyncCounts(pushed, pulled int)                      {}
func (n *NoOpMetricsCollector) RecordSyncErrors(phase string, errorType string)          {}
func (n *NoOpMetricsCollector) RecordConflicts(detected int)                             {}
