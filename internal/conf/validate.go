// conf/validate.go

package conf

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

var sourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateAudioSettings(&settings.Audio); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateSources(settings.Sources); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateManagerSettings(&settings.Manager); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateDecoderSettings(&settings.Decoder, settings.Audio.SampleRate); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateHealthSettings(&settings.Health); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateHTTPSettings(&settings.HTTP); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateNotifySettings(&settings.Notify); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateAudioSettings(settings *AudioSettings) error {
	if settings.SampleRate < MinDecoderRate || settings.SampleRate > MaxDecoderRate {
		return fmt.Errorf("audio sample rate must be between %d and %d Hz, got %d",
			MinDecoderRate, MaxDecoderRate, settings.SampleRate)
	}
	return nil
}

// ValidateSourceConfig checks one source definition. It is exported so the
// source manager can reject configs handed to it at runtime, not only at
// config-file load.
func ValidateSourceConfig(src *SourceConfig) error {
	var errs []string

	if src.ID == "" {
		errs = append(errs, "source id must not be empty")
	} else if !sourceIDPattern.MatchString(src.ID) {
		errs = append(errs, fmt.Sprintf("source id %q contains invalid characters", src.ID))
	}

	switch src.Kind {
	case SourceKindDevice:
		// empty device means system default
	case SourceKindStream:
		if src.URL == "" {
			errs = append(errs, fmt.Sprintf("source %s: stream kind requires a url", src.ID))
		}
		if src.Transport != "" && src.Transport != "tcp" && src.Transport != "udp" {
			errs = append(errs, fmt.Sprintf("source %s: transport must be tcp or udp, got %q", src.ID, src.Transport))
		}
	case SourceKindFile:
		if src.Path == "" {
			errs = append(errs, fmt.Sprintf("source %s: file kind requires a path", src.ID))
		}
	case SourceKindTone:
		if src.Frequency < 0 {
			errs = append(errs, fmt.Sprintf("source %s: tone frequency must not be negative", src.ID))
		}
		if src.Amplitude < 0 || src.Amplitude > 1 {
			errs = append(errs, fmt.Sprintf("source %s: tone amplitude must be between 0 and 1", src.ID))
		}
	default:
		errs = append(errs, fmt.Sprintf("source %s: unknown kind %q", src.ID, src.Kind))
	}

	if src.Priority < 0 {
		errs = append(errs, fmt.Sprintf("source %s: priority must not be negative", src.ID))
	}

	if src.SampleRate != 0 && (src.SampleRate < MinDecoderRate || src.SampleRate > MaxDecoderRate) {
		errs = append(errs, fmt.Sprintf("source %s: sample rate must be between %d and %d Hz", src.ID, MinDecoderRate, MaxDecoderRate))
	}

	if src.Channels != 0 && src.Channels != 1 && src.Channels != 2 {
		errs = append(errs, fmt.Sprintf("source %s: channels must be 1 or 2", src.ID))
	}

	if src.SilenceThreshold > 0 || src.SilenceThreshold < -96 {
		errs = append(errs, fmt.Sprintf("source %s: silence threshold must be between -96 and 0 dBFS", src.ID))
	}

	if src.SilenceDuration != 0 && src.SilenceDuration < time.Second {
		errs = append(errs, fmt.Sprintf("source %s: silence duration must be at least 1s", src.ID))
	}

	if src.Watchdog != 0 && src.Watchdog < time.Second {
		errs = append(errs, fmt.Sprintf("source %s: watchdog timeout must be at least 1s", src.ID))
	}

	if len(errs) > 0 {
		return fmt.Errorf("source config errors: %v", errs)
	}
	return nil
}

func validateSources(sources []SourceConfig) error {
	var errs []string

	seen := make(map[string]bool, len(sources))
	for i := range sources {
		src := &sources[i]
		if err := ValidateSourceConfig(src); err != nil {
			errs = append(errs, err.Error())
		}
		if src.ID != "" {
			if seen[src.ID] {
				errs = append(errs, fmt.Sprintf("duplicate source id %q", src.ID))
			}
			seen[src.ID] = true
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sources errors: %v", errs)
	}
	return nil
}

func validateManagerSettings(settings *ManagerSettings) error {
	var errs []string

	if settings.SweepInterval < 250*time.Millisecond || settings.SweepInterval > time.Second {
		errs = append(errs, "manager sweep interval must be between 250ms and 1s")
	}

	if settings.MasterBuffer < time.Second || settings.MasterBuffer > 30*time.Second {
		errs = append(errs, "manager master buffer must be between 1s and 30s")
	}

	if settings.SourceBuffer < 500*time.Millisecond || settings.SourceBuffer > 30*time.Second {
		errs = append(errs, "manager source buffer must be between 500ms and 30s")
	}

	if settings.EventLog < 1 {
		errs = append(errs, "manager event log size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("manager settings errors: %v", errs)
	}
	return nil
}

func validateDecoderSettings(settings *DecoderSettings, sampleRate int) error {
	if !settings.Enabled {
		return nil
	}

	if sampleRate < MinDecoderRate || sampleRate > MaxDecoderRate {
		return fmt.Errorf("decoder requires a sample rate between %d and %d Hz, got %d", MinDecoderRate, MaxDecoderRate, sampleRate)
	}
	return nil
}

func validateHealthSettings(settings *HealthSettings) error {
	if settings.Interval < time.Second || settings.Interval > time.Minute {
		return fmt.Errorf("health interval must be between 1s and 1m, got %s", settings.Interval)
	}
	return nil
}

func validateHTTPSettings(settings *HTTPSettings) error {
	if !settings.Enabled {
		return nil
	}
	if settings.Port < 1 || settings.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", settings.Port)
	}
	return nil
}

func validateNotifySettings(settings *NotifySettings) error {
	var errs []string

	if settings.MQTT.Enabled && settings.MQTT.Broker == "" {
		errs = append(errs, "mqtt broker is required when mqtt is enabled")
	}

	if settings.Push.Enabled && len(settings.Push.URLs) == 0 {
		errs = append(errs, "at least one push url is required when push is enabled")
	}

	for _, ev := range settings.Push.Events {
		switch ev {
		case "burst_validated", "burst_rejected", "failover", "health_degraded", "health_failed", "health_recovered":
		default:
			errs = append(errs, fmt.Sprintf("unknown push event %q", ev))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify settings errors: %v", errs)
	}
	return nil
}
