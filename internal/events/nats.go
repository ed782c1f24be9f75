package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/bond-engine/internal/metrics"
)

// DefaultStream is the JetStream stream that captures all pool events.
const DefaultStream = "BOND_ENGINE_EVENTS"

// NATSPublisher publishes events to NATS JetStream. Publish only enqueues;
// Run drains the queue so a slow broker never blocks a trade.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
	queue  chan Event
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher with a queue of the given size.
func NewNATSPublisher(js jetstream.JetStream, prefix string, buffer int, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		queue:  make(chan Event, buffer),
		logger: logger,
	}
}

// Publish enqueues ev. It fails with ErrBufferFull instead of blocking.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "dropped").Inc()
		return ErrBufferFull
	}
}

// Run starts the outbound publisher loop. It returns when ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
				// Non-fatal: the trade history in the store is authoritative.
				p.logger.Warn("outbound publish failed", "pool_id", ev.PoolID, "type", ev.Type, "err", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(p.prefix, ev), data)
	return err
}

// EnsureStream creates or updates the stream capturing every subject under
// prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	if name == "" {
		name = DefaultStream
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}
