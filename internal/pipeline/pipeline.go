// Package pipeline assembles the monitoring chain: source manager,
// SAME decoder, health monitor, status API and outbound notifications,
// all supervised under one errgroup. Components are wired through the
// read-only interfaces they declare, so each piece can also run alone
// in tests.
package pipeline

import (
	"context"
	"log"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/cpuspec"
	"github.com/easwatch/easwatch/internal/errors"
	"github.com/easwatch/easwatch/internal/health"
	"github.com/easwatch/easwatch/internal/httpsrv"
	"github.com/easwatch/easwatch/internal/logging"
	"github.com/easwatch/easwatch/internal/notify"
	"github.com/easwatch/easwatch/internal/observability"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

var pipeLogger *slog.Logger

func init() {
	pipeLogger = logging.ForService("pipeline")
	if pipeLogger == nil {
		// Fallback to default slog if logging not initialized
		pipeLogger = slog.Default().With("service", "pipeline")
	}
}

// Pipeline owns every long-running component of the monitor. Build it
// with New, then drive it with Run; Run blocks until the context is
// cancelled or a component fails.
type Pipeline struct {
	settings *conf.Settings
	metrics  *observability.Metrics

	manager  *source.Manager
	decoder  *samedec.Decoder   // nil when decoding is disabled
	monitor  *health.Monitor
	server   *httpsrv.Server    // nil when the status API is disabled
	dispatch *notify.Dispatcher // nil when no outbound sink is enabled

	logger *slog.Logger
}

// New wires the pipeline from settings. Source definitions that fail
// validation are skipped with a warning so one bad stanza cannot keep
// the rest of the sources off the air; an entirely unusable source list
// is an error.
func New(settings *conf.Settings) (*Pipeline, error) {
	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategorySystem).
			Build()
	}

	mgr, err := source.NewManager(settings, metrics.Ingest)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		settings: settings,
		metrics:  metrics,
		manager:  mgr,
		logger:   pipeLogger,
	}

	added := 0
	for i := range settings.Sources {
		cfg := &settings.Sources[i]
		if !cfg.Enabled {
			p.logger.Debug("skipping disabled source", "source_id", cfg.ID)
			continue
		}
		if err := mgr.AddSource(cfg); err != nil {
			log.Printf("⚠️ Skipping source %s: %v", cfg.ID, err)
			p.logger.Warn("source rejected", "source_id", cfg.ID, "error", err)
			continue
		}
		added++
	}
	if added == 0 && len(settings.Sources) > 0 {
		return nil, errors.Newf("no usable sources out of %d configured", len(settings.Sources)).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if added == 0 {
		log.Println("⚠️ Starting without audio sources, the master stream will carry silence")
	}

	if settings.Decoder.Enabled {
		dec, err := samedec.New(mgr.SampleRate(), metrics.Decoder)
		if err != nil {
			return nil, err
		}
		p.decoder = dec
	}

	// Interface fields stay untyped-nil when a component is absent so
	// downstream nil checks keep working.
	var decHealth health.DecoderSource
	if p.decoder != nil {
		decHealth = p.decoder
	}
	p.monitor = health.NewMonitor(settings.Health.Interval, mgr, decHealth, metrics.Health)

	if settings.HTTP.Enabled {
		var decWeb httpsrv.DecoderSource
		if p.decoder != nil {
			decWeb = p.decoder
		}
		p.server = httpsrv.New(&settings.HTTP, mgr, decWeb, p.monitor, metrics.Handler())
	}

	var pub notify.Publisher
	if settings.Notify.MQTT.Enabled {
		pub = notify.NewMQTTClient(&settings.Notify.MQTT)
	}
	var push notify.Pusher
	if settings.Notify.Push.Enabled {
		sender, err := notify.NewPushSender(settings.Notify.Push.URLs)
		if err != nil {
			return nil, err
		}
		push = sender
	}
	if pub != nil || push != nil {
		p.dispatch = notify.NewDispatcher(&settings.Notify, pub, push)
	}

	return p, nil
}

// Run starts every component and blocks until ctx is cancelled or one
// of them returns an error. Shutdown is orderly: the shared group
// context stops the adapters and the copy loop first, consumers drain
// on their own cancellation paths.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logStartup()

	g, gctx := errgroup.WithContext(ctx)

	p.manager.StartAll(gctx)
	g.Go(func() error {
		<-gctx.Done()
		p.manager.StopAll()
		return nil
	})

	if p.decoder != nil {
		g.Go(func() error {
			return p.decoder.Run(gctx, p.manager)
		})
	}

	g.Go(func() error {
		return p.monitor.Run(gctx)
	})

	if p.server != nil {
		g.Go(func() error {
			return p.server.Run(gctx)
		})
	}

	if p.dispatch != nil {
		var decodeEvents <-chan samedec.Event
		if p.decoder != nil {
			decodeEvents = p.decoder.Events()
		}
		g.Go(func() error {
			return p.dispatch.Run(gctx, decodeEvents, p.manager.Events(), p.monitor.Events())
		})
	}

	err := g.Wait()
	if err != nil {
		p.logger.Error("pipeline stopped on error", "error", err)
		return err
	}
	p.logger.Info("pipeline stopped")
	return nil
}

// logStartup prints the operator-facing banner: build, platform and
// the shape of the configured pipeline.
func (p *Pipeline) logStartup() {
	version := p.settings.Version
	if version == "" {
		version = "dev"
	}
	log.Printf("🚀 easwatch %s starting", version)

	if info, err := host.Info(); err == nil {
		log.Printf("System details: %s %s %s", info.OS, info.Platform, info.PlatformVersion)
	}
	spec := cpuspec.GetCPUSpec()
	log.Printf("CPU: %s (%d cores)", strings.TrimSpace(spec.BrandName), spec.LogicalCores)

	snap := p.manager.Snapshot()
	log.Printf("Monitoring %d source(s) at %d Hz, decoder %s, status API %s",
		len(snap.Adapters), p.manager.SampleRate(),
		onOff(p.decoder != nil), onOff(p.server != nil))

	p.logger.Info("pipeline configured",
		"version", version,
		"sources", len(snap.Adapters),
		"sample_rate", p.manager.SampleRate(),
		"decoder", p.decoder != nil,
		"http", p.server != nil,
		"mqtt", p.settings.Notify.MQTT.Enabled,
		"push", p.settings.Notify.Push.Enabled)
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
