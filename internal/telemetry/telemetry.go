// Package telemetry provides opt-in, privacy-compliant error tracking.
package telemetry

import (
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/logging"
)

var sentryInitialized bool

// PlatformInfo holds privacy-safe platform information for telemetry.
type PlatformInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	GoVersion    string `json:"go_version"`
}

func collectPlatformInfo() PlatformInfo {
	return PlatformInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
}

// InitSentry initializes the Sentry SDK with privacy-compliant settings.
// Telemetry is strictly opt-in: with sentry disabled this is a no-op.
func InitSentry(settings *conf.Settings) error {
	if !settings.Telemetry.Sentry.Enabled {
		logging.Info("sentry telemetry is disabled (opt-in required)")
		return nil
	}

	dsn := settings.Telemetry.Sentry.DSN
	if dsn == "" {
		return errors.New(fmt.Errorf("sentry enabled but no dsn configured")).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:        dsn,
		SampleRate: 1.0,
		Debug:      false,

		// Privacy-compliant settings
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "", // prevent hostname leakage

		Release: fmt.Sprintf("easwatch@%s", settings.Version),

		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	configureSentryScope(settings)
	sentryInitialized = true

	platform := collectPlatformInfo()
	logging.Info("sentry telemetry initialized",
		"version", settings.Version,
		"platform", platform.OS,
		"arch", platform.Architecture,
	)

	return nil
}

// applyPrivacyFilters strips identifying data from an outgoing event.
// File paths and URLs are already anonymized by the errors package when
// the context is built, so only event-level fields need scrubbing here.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}

func configureSentryScope(settings *conf.Settings) {
	platform := collectPlatformInfo()

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", platform.OS)
		scope.SetTag("arch", platform.Architecture)

		scope.SetContext("application", map[string]any{
			"name":    "easwatch",
			"version": settings.Version,
		})
		scope.SetContext("platform", map[string]any{
			"os":           platform.OS,
			"architecture": platform.Architecture,
			"num_cpu":      platform.NumCPU,
			"go_version":   platform.GoVersion,
		})
	})
}

// Flush blocks until buffered events are sent or the timeout elapses.
// Call before process exit so shutdown-path errors are not lost.
func Flush(timeout time.Duration) {
	if !sentryInitialized {
		return
	}
	sentry.Flush(timeout)
}
