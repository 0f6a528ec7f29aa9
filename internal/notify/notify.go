// Package notify fans pipeline events out to operators: decode,
// failover and health-transition events are published to MQTT as JSON
// and, for the configured event kinds, pushed through shoutrrr URLs. A
// TTL cache suppresses repeat push notifications so a flapping source
// or a re-broadcast alert does not page anyone twice.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/health"
	"github.com/easwatch/easwatch/internal/logging"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

var notifyLogger *slog.Logger

func init() {
	notifyLogger = logging.ForService("notify")
	if notifyLogger == nil {
		// Fallback to default slog if logging not initialized
		notifyLogger = slog.Default().With("service", "notify")
	}
}

const (
	defaultTopicPrefix = "easwatch"
	publishTimeout     = 5 * time.Second
)

// Publisher is the broker side of the dispatcher, implemented by
// MQTTClient. Publish payloads are JSON documents.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic, payload string) error
	IsConnected() bool
	Disconnect()
}

// Pusher delivers a human-readable notification, implemented by
// PushSender.
type Pusher interface {
	Send(ctx context.Context, title, message string) error
}

// Dispatcher consumes pipeline event channels and forwards them to the
// configured sinks. Either sink may be nil.
type Dispatcher struct {
	topicPrefix string
	publisher   Publisher
	pusher      Pusher
	pushEvents  map[string]bool
	dedup       *cache.Cache
	logger      *slog.Logger
}

// NewDispatcher wires the sinks. pub and push may be nil to disable the
// respective surface; cfg.Push.Events selects which events page.
func NewDispatcher(cfg *conf.NotifySettings, pub Publisher, push Pusher) *Dispatcher {
	prefix := cfg.MQTT.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	events := make(map[string]bool, len(cfg.Push.Events))
	for _, ev := range cfg.Push.Events {
		events[ev] = true
	}
	d := &Dispatcher{
		topicPrefix: prefix,
		publisher:   pub,
		pusher:      push,
		pushEvents:  events,
		logger:      notifyLogger,
	}
	if cfg.DedupWindow > 0 {
		// No cleanup goroutine: the key set stays tiny and expired
		// entries fall out lazily on lookup.
		d.dedup = cache.New(cfg.DedupWindow, 0)
	}
	return d
}

// Run consumes events until ctx is cancelled. Channels may be nil when
// the producing component is disabled; a nil channel never fires.
func (d *Dispatcher) Run(ctx context.Context, decode <-chan samedec.Event, failover <-chan source.FailoverEvent, transitions <-chan health.TransitionEvent) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	if d.publisher != nil {
		// Connect off the event loop so a slow broker cannot delay
		// event consumption. The attempt is bounded by the client's
		// connect timeout, which also bounds shutdown.
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.publisher.Connect(ctx); err != nil {
				d.logger.Warn("MQTT connect failed, relying on reconnect", "error", err)
			}
		}()
	}
	d.logger.Info("notify dispatcher started",
		"mqtt", d.publisher != nil,
		"push", d.pusher != nil)

	for {
		select {
		case <-ctx.Done():
			if d.publisher != nil {
				d.publisher.Disconnect()
			}
			d.logger.Info("notify dispatcher stopped")
			return nil
		case ev, ok := <-decode:
			if !ok {
				decode = nil
				continue
			}
			d.handleDecode(ctx, &ev)
		case ev, ok := <-failover:
			if !ok {
				failover = nil
				continue
			}
			d.handleFailover(ctx, &ev)
		case ev, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			d.handleTransition(ctx, &ev)
		}
	}
}

func (d *Dispatcher) handleDecode(ctx context.Context, ev *samedec.Event) {
	d.publish(ctx, "decode", ev)

	switch ev.Kind {
	case samedec.EventBurstValidated:
		if d.wantPush("burst_validated", "decode:"+ev.Header) {
			d.push(ctx, "SAME alert validated",
				fmt.Sprintf("%s (confidence %.2f)", ev.Header, ev.Confidence))
		}
	case samedec.EventBurstRejected:
		if d.wantPush("burst_rejected", "reject:"+ev.Reason) {
			d.push(ctx, "SAME burst rejected", ev.Reason)
		}
	}
}

func (d *Dispatcher) handleFailover(ctx context.Context, ev *source.FailoverEvent) {
	d.publish(ctx, "failover", ev)

	next := ev.Next
	if next == "" {
		next = "(none)"
	}
	prev := ev.Previous
	if prev == "" {
		prev = "(none)"
	}
	if d.wantPush("failover", "failover:"+prev+">"+next+":"+ev.Reason) {
		d.push(ctx, "Audio source failover",
			fmt.Sprintf("%s → %s: %s", prev, next, ev.Reason))
	}
}

func (d *Dispatcher) handleTransition(ctx context.Context, ev *health.TransitionEvent) {
	d.publish(ctx, "health", ev)

	var name, title string
	switch ev.To {
	case health.StatusDegraded:
		name, title = "health_degraded", "Pipeline health degraded"
	case health.StatusFailed:
		name, title = "health_failed", "Pipeline health failed"
	case health.StatusHealthy:
		name, title = "health_recovered", "Pipeline health recovered"
	default:
		return
	}
	if d.wantPush(name, "health:"+string(ev.From)+">"+string(ev.To)) {
		d.push(ctx, title,
			fmt.Sprintf("score %.0f, was %s", ev.Score, ev.From))
	}
}

// publish serializes ev and sends it to <prefix>/<suffix>. Publish
// failures are logged, never fatal: the pipeline keeps decoding whether
// or not the broker is reachable.
func (d *Dispatcher) publish(ctx context.Context, suffix string, ev any) {
	if d.publisher == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("event marshal failed", "topic", suffix, "error", err)
		return
	}
	topic := d.topicPrefix + "/" + suffix
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.publisher.Publish(pubCtx, topic, string(payload)); err != nil {
		d.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

// wantPush reports whether the named event should page, consuming one
// dedup slot for key when it does.
func (d *Dispatcher) wantPush(name, key string) bool {
	if d.pusher == nil || !d.pushEvents[name] {
		return false
	}
	if d.dedup != nil {
		if _, found := d.dedup.Get(key); found {
			d.logger.Debug("push suppressed by dedup window", "event", name, "key", key)
			return false
		}
		d.dedup.SetDefault(key, struct{}{})
	}
	return true
}

func (d *Dispatcher) push(ctx context.Context, title, message string) {
	if err := d.pusher.Send(ctx, title, message); err != nil {
		d.logger.Warn("push notification failed", "title", title, "error", err)
		return
	}
	log.Printf("📨 Push notification sent: %s", title)
}
