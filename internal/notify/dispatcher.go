package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/smartpark/internal/spot/domain"
)

var (
	natsPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_nats_publish_total",
		Help: "Total change events successfully published to NATS.",
	})
	natsFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_nats_fail_total",
		Help: "Change events abandoned after exhausting publish retries.",
	})
)

// natsPublisher is the slice of *nats.Conn the dispatcher uses.
type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// DispatcherConfig tunes the NATS bridge.
type DispatcherConfig struct {
	Subject  string
	RetryMax int
	Backoff  time.Duration
}

// Dispatcher drains a broker subscription and republishes each event to a
// NATS subject with bounded retries. There is no persistence behind the
// subscription channel: an event that cannot be delivered within the retry
// budget is dropped, matching the notifier's at-most-once contract.
type Dispatcher struct {
	broker    *Broker
	publisher natsPublisher
	logger    *zap.Logger
	cfg       DispatcherConfig
	tracer    trace.Tracer
}

// NewDispatcher constructs the bridge.
func NewDispatcher(broker *Broker, conn *nats.Conn, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Subject == "" {
		cfg.Subject = "spot.events"
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		broker: broker,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("spot.notify.dispatcher"),
	}
	if conn != nil {
		d.publisher = conn
	}
	return d
}

// Run consumes the subscription until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.broker == nil || d.publisher == nil {
		return errors.New("dispatcher requires broker and NATS connection")
	}
	events, cancel := d.broker.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := d.publishWithRetry(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("event dropped", zap.Error(err), zap.String("spot_id", event.Spot.ID.String()))
			}
		}
	}
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, event domain.SpotEvent) error {
	ctx, span := d.tracer.Start(ctx, "notify.publish")
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(d.cfg.Subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	var attempt int
	for {
		attempt++
		err := d.publisher.PublishMsg(msg)
		if err == nil {
			natsPublishTotal.Inc()
			return nil
		}
		d.logger.Warn("nats publish failed", zap.Error(err), zap.Int("attempt", attempt))
		if attempt >= d.cfg.RetryMax {
			natsFailTotal.Inc()
			return fmt.Errorf("publish spot event: %w", err)
		}
		backoff := time.Duration(attempt*attempt) * d.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
