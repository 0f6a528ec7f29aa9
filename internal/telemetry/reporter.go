package telemetry

import (
	"fmt"

	"github.com/getsentry/sentry-go"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

// SentryReporter forwards enhanced errors to Sentry. It satisfies the
// errors.TelemetryReporter interface so the errors package stays free of
// any telemetry backend dependency.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a reporter; a disabled reporter drops everything.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled.
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with category-based
// grouping. Errors already reported are skipped.
func (sr *SentryReporter) ReportError(ee *errors.EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	component := ee.GetComponent()
	category := ee.GetCategory()
	title := fmt.Sprintf("%s: %s", component, category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("category", category)
		scope.SetLevel(categoryLevel(ee))

		for key, value := range ee.GetContext() {
			scope.SetContext(key, map[string]any{"value": value})
		}

		// Group by component and category rather than message text so
		// per-source variants of the same failure collapse together.
		scope.SetFingerprint([]string{component, category})

		event := sentry.NewEvent()
		event.Level = categoryLevel(ee)
		event.Message = ee.GetMessage()
		event.Exception = []sentry.Exception{{
			Type:  title,
			Value: ee.GetMessage(),
		}}

		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// categoryLevel maps error metadata to a Sentry severity. An explicit
// priority set on the error wins over the category default.
func categoryLevel(ee *errors.EnhancedError) sentry.Level {
	switch ee.GetPriority() {
	case errors.PriorityCritical:
		return sentry.LevelFatal
	case errors.PriorityHigh:
		return sentry.LevelError
	case errors.PriorityMedium:
		return sentry.LevelWarning
	case errors.PriorityLow:
		return sentry.LevelInfo
	}

	switch errors.ErrorCategory(ee.GetCategory()) {
	case errors.CategoryValidation, errors.CategoryConfiguration:
		return sentry.LevelWarning
	case errors.CategoryOverrun, errors.CategoryDecode, errors.CategoryState:
		return sentry.LevelWarning
	case errors.CategoryCancellation:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

// InitErrorIntegration wires the errors package to Sentry according to
// the loaded settings. Safe to call before InitSentry; reports are
// dropped until the SDK is up.
func InitErrorIntegration() {
	settings := conf.GetSettings()
	enabled := settings != nil && settings.Telemetry.Sentry.Enabled

	errors.SetTelemetryReporter(NewSentryReporter(enabled))
}

// UpdateErrorIntegration swaps the reporter when telemetry settings change.
func UpdateErrorIntegration(enabled bool) {
	errors.SetTelemetryReporter(NewSentryReporter(enabled))
}
