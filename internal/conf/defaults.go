// conf/defaults.go default values for settings
package conf

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied to sources that leave the field unset.
const (
	DefaultSilenceThreshold = -45.0            // dBFS
	DefaultSilenceDuration  = 30 * time.Second // below threshold for this long = silent
	DefaultWatchdogTimeout  = 5 * time.Second  // no data for this long = stalled
	DefaultToneAmplitude    = 0.8
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "easwatch")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.level", "info")
	viper.SetDefault("main.log.path", "logs/easwatch.log")
	viper.SetDefault("main.log.maxsize", 10)
	viper.SetDefault("main.log.maxbackups", 5)
	viper.SetDefault("main.log.maxage", 30)

	viper.SetDefault("audio.samplerate", SampleRate)

	viper.SetDefault("manager.sweepinterval", "500ms")
	viper.SetDefault("manager.masterbuffer", "5s")
	viper.SetDefault("manager.sourcebuffer", "2s")
	viper.SetDefault("manager.eventlog", 64)

	viper.SetDefault("decoder.enabled", true)

	viper.SetDefault("health.interval", "5s")

	viper.SetDefault("http.enabled", true)
	viper.SetDefault("http.host", "0.0.0.0")
	viper.SetDefault("http.port", 8090)

	viper.SetDefault("notify.dedupwindow", "5m")

	viper.SetDefault("notify.mqtt.enabled", false)
	viper.SetDefault("notify.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("notify.mqtt.clientid", "easwatch")
	viper.SetDefault("notify.mqtt.topicprefix", "easwatch")
	viper.SetDefault("notify.mqtt.retain", false)
	viper.SetDefault("notify.mqtt.connecttimeout", "10s")
	viper.SetDefault("notify.mqtt.publishtimeout", "5s")
	viper.SetDefault("notify.mqtt.reconnectcooldown", "30s")

	viper.SetDefault("notify.push.enabled", false)
	viper.SetDefault("notify.push.urls", []string{})
	viper.SetDefault("notify.push.events", []string{"burst_validated", "health_failed"})

	viper.SetDefault("telemetry.sentry.enabled", false)
	viper.SetDefault("telemetry.sentry.dsn", "")
}

// setupEnvOverrides lets environment variables override file values, e.g.
// EASWATCH_NOTIFY_MQTT_BROKER overrides notify.mqtt.broker.
func setupEnvOverrides() {
	viper.SetEnvPrefix("easwatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}
