// Package monitor runs the 24/7 monitoring pipeline.
package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/pipeline"
	"github.com/easwatch/easwatch/internal/telemetry"
)

// Command creates the monitor command. The settings pointer is filled
// by the root command's pre-run before RunE fires.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the broadcast monitor",
		Long: "Capture audio from the configured sources, keep the best source\n" +
			"on the master stream through automatic failover and decode SAME\n" +
			"bursts as they arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags maps command line overrides onto their configuration keys.
// A flag only wins over the file when it is set explicitly.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().Bool("http", true, "serve the status API and Prometheus metrics")
	cmd.Flags().String("host", "0.0.0.0", "status API listen host")
	cmd.Flags().Int("port", 8090, "status API listen port")
	cmd.Flags().Bool("mqtt", false, "publish events to the configured MQTT broker")

	bindings := map[string]string{
		"http": "http.enabled",
		"host": "http.host",
		"port": "http.port",
		"mqtt": "notify.mqtt.enabled",
	}
	for flagName, key := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("error binding %s flag: %w", flagName, err)
		}
	}
	return nil
}

func runMonitor(settings *conf.Settings) error {
	if err := telemetry.InitSentry(settings); err != nil {
		log.Printf("⚠️ Telemetry disabled: %v", err)
	} else {
		telemetry.InitErrorIntegration()
	}
	defer telemetry.Flush(3 * time.Second)

	p, err := pipeline.New(settings)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("🛑 Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return p.Run(ctx)
}
