// config.go: easwatch configuration structures and loading
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/easwatch/easwatch/internal/errors"
)

//go:embed config.yaml
var configFiles embed.FS

// Source kinds accepted by the pipeline.
const (
	SourceKindDevice = "device"
	SourceKindStream = "stream"
	SourceKindFile   = "file"
	SourceKindTone   = "tone"
)

// SourceConfig describes one audio origin. Fields that do not apply to a
// kind are ignored for that kind.
type SourceConfig struct {
	ID       string `yaml:"id"`       // unique identifier, also used in logs and metrics
	Kind     string `yaml:"kind"`     // device | stream | file | tone
	Priority int    `yaml:"priority"` // lower number wins
	Enabled  bool   `yaml:"enabled"`

	Device    string `yaml:"device,omitempty"`    // device kind: capture device name, "" or "default" for system default
	URL       string `yaml:"url,omitempty"`       // stream kind: http(s)/rtsp URL
	Transport string `yaml:"transport,omitempty"` // stream kind: rtsp transport, tcp or udp
	Path      string `yaml:"path,omitempty"`      // file kind: wav or flac file
	Loop      bool   `yaml:"loop,omitempty"`      // file kind: restart at EOF
	FullSpeed bool   `yaml:"fullspeed,omitempty"` // file kind: do not pace to realtime

	Frequency float64 `yaml:"frequency,omitempty"` // tone kind: Hz, 0 for silence
	Amplitude float64 `yaml:"amplitude,omitempty"` // tone kind: 0..1

	SampleRate int `yaml:"samplerate,omitempty"` // native rate requested from the origin
	Channels   int `yaml:"channels,omitempty"`

	SilenceThreshold float64       `yaml:"silencethreshold,omitempty"` // dBFS, negative
	SilenceDuration  time.Duration `yaml:"silenceduration,omitempty"`
	Watchdog         time.Duration `yaml:"watchdog,omitempty"`
}

// LogSettings controls the rotating file log.
type LogSettings struct {
	Enabled    bool   `yaml:"enabled"`
	Level      string `yaml:"level"` // trace, debug, info, warn, error
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxsize"`    // megabytes before rotation
	MaxBackups int    `yaml:"maxbackups"` // rotated files to keep
	MaxAge     int    `yaml:"maxage"`     // days to keep rotated files
}

// MainSettings are daemon-wide knobs.
type MainSettings struct {
	Name string      `yaml:"name"`
	Log  LogSettings `yaml:"log"`
}

// AudioSettings define the PCM contract shared by all sources.
type AudioSettings struct {
	SampleRate int `yaml:"samplerate"`
}

// ManagerSettings tune source selection and the master buffer.
type ManagerSettings struct {
	SweepInterval time.Duration `yaml:"sweepinterval"` // health sweep cadence, 250ms..1s
	MasterBuffer  time.Duration `yaml:"masterbuffer"`  // master ring capacity as duration
	SourceBuffer  time.Duration `yaml:"sourcebuffer"`  // per-adapter ring capacity as duration
	EventLog      int           `yaml:"eventlog"`      // failover events retained, most recent first
}

// DecoderSettings tune the SAME decoder.
type DecoderSettings struct {
	Enabled bool `yaml:"enabled"`
}

// HealthSettings tune the aggregate health monitor.
type HealthSettings struct {
	Interval time.Duration `yaml:"interval"`
}

// HTTPSettings expose the read-only status API and Prometheus metrics.
type HTTPSettings struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTSettings publish decode/failover/health events to a broker.
type MQTTSettings struct {
	Enabled           bool          `yaml:"enabled"`
	Broker            string        `yaml:"broker"` // tcp://host:1883 or ssl://host:8883
	ClientID          string        `yaml:"clientid"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TopicPrefix       string        `yaml:"topicprefix"`
	Retain            bool          `yaml:"retain"`
	ConnectTimeout    time.Duration `yaml:"connecttimeout"`
	PublishTimeout    time.Duration `yaml:"publishtimeout"`
	ReconnectCooldown time.Duration `yaml:"reconnectcooldown"`
}

// PushSettings deliver operator notifications through shoutrrr URLs.
type PushSettings struct {
	Enabled bool     `yaml:"enabled"`
	URLs    []string `yaml:"urls"`
	Events  []string `yaml:"events"` // burst_validated, burst_rejected, failover, health_degraded, health_failed, health_recovered
}

// NotifySettings group the outbound event surfaces.
type NotifySettings struct {
	DedupWindow time.Duration `yaml:"dedupwindow"` // suppress identical notifications inside this window
	MQTT        MQTTSettings  `yaml:"mqtt"`
	Push        PushSettings  `yaml:"push"`
}

// SentrySettings enable optional crash/error telemetry. Disabled unless a
// DSN is configured and the flag is set.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TelemetrySettings wrap error reporting backends.
type TelemetrySettings struct {
	Sentry SentrySettings `yaml:"sentry"`
}

// Settings is the root configuration object.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main      MainSettings      `yaml:"main"`
	Audio     AudioSettings     `yaml:"audio"`
	Sources   []SourceConfig    `yaml:"sources"`
	Manager   ManagerSettings   `yaml:"manager"`
	Decoder   DecoderSettings   `yaml:"decoder"`
	Health    HealthSettings    `yaml:"health"`
	HTTP      HTTPSettings      `yaml:"http" mapstructure:"http"`
	Notify    NotifySettings    `yaml:"notify"`
	Telemetry TelemetrySettings `yaml:"telemetry"`

	// Runtime values, not read from the config file.
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex

	// Set through SetConfigFile; overrides the search paths.
	explicitConfigFile string
)

// SetConfigFile makes the next Load read exactly this file instead of
// searching the OS config directories. Used by the --config flag.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	explicitConfigFile = path
}

// Load reads the configuration file and environment into a Settings
// instance, validates it and stores it as the package-level instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	applySourceDefaults(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with defaults, env overrides and the config
// file, creating a default config file on first run.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if explicitConfigFile != "" {
		viper.SetConfigFile(explicitConfigFile)
		setDefaultConfig()
		setupEnvOverrides()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", explicitConfigFile, err)
		}
		return nil
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()
	setupEnvOverrides()

	err = viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the first
// config path and re-reads it.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded
// config.yaml.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading embedded config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath as YAML via a temp file and
// rename, so a crash mid-write never truncates the existing config.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(yamlData); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}

	if err := os.Rename(tmpName, configPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// applySourceDefaults fills per-source zero values from the global audio
// contract and the package defaults.
func applySourceDefaults(settings *Settings) {
	for i := range settings.Sources {
		src := &settings.Sources[i]
		if src.SampleRate == 0 {
			src.SampleRate = settings.Audio.SampleRate
		}
		if src.Channels == 0 {
			src.Channels = NumChannels
		}
		if src.SilenceThreshold == 0 {
			src.SilenceThreshold = DefaultSilenceThreshold
		}
		if src.SilenceDuration == 0 {
			src.SilenceDuration = DefaultSilenceDuration
		}
		if src.Watchdog == 0 {
			src.Watchdog = DefaultWatchdogTimeout
		}
		if src.Kind == SourceKindTone && src.Amplitude == 0 && src.Frequency != 0 {
			src.Amplitude = DefaultToneAmplitude
		}
		if src.Kind == SourceKindStream && src.Transport == "" {
			src.Transport = "tcp"
		}
	}
}
