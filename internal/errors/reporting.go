// Package errors - telemetry reporter hook (optional)
package errors

import (
	"sync"
	"sync/atomic"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems.
// The concrete implementation lives in internal/telemetry so this package
// stays free of backend dependencies.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu         sync.RWMutex
	globalReporter     TelemetryReporter
	hasActiveReporting atomic.Bool
)

// SetTelemetryReporter sets the global telemetry reporter. Passing nil
// disables reporting and restores the cheap Build path.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter.
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalReporter
}

// reportToTelemetry reports an error to the configured telemetry system.
func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	reporter := globalReporter
	reporterMu.RUnlock()

	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}
