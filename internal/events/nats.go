package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"forcesync/internal/logger"
	"forcesync/internal/models"
)

// NATSBus publishes events on <prefix>.<correlation id> so API and worker
// processes observe one timeline.
type NATSBus struct {
	nc     *natsgo.Conn
	prefix string
	log    zerolog.Logger
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, name, prefix string) (*NATSBus, error) {
	nc, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSBus(nc, prefix), nil
}

func NewNATSBus(nc *natsgo.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = "forcesync.events"
	}
	return &NATSBus{nc: nc, prefix: strings.TrimSuffix(prefix, "."), log: logger.Component("events.nats")}
}

// Subject returns the subject carrying events for correlationID.
func (b *NATSBus) Subject(correlationID string) string {
	return b.prefix + "." + subjectToken(correlationID)
}

func (b *NATSBus) Append(_ context.Context, ev models.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev.CorrelationID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay copies events published by other processes into dst until ctx is
// done. Events whose Origin equals self are skipped since the local
// publisher already delivered them.
func (b *NATSBus) Relay(ctx context.Context, self string, dst Appender) error {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *natsgo.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
			return
		}
		if ev.Origin == self {
			return
		}
		if err := dst.Append(ctx, ev); err != nil {
			b.log.Warn().Err(err).Str("correlation_id", ev.CorrelationID).Msg("relay append failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

func decodeEvent(data []byte) (models.LifecycleEvent, error) {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.CorrelationID == "" || ev.EventType == "" {
		return ev, fmt.Errorf("decode event: missing correlation id or type")
	}
	return ev, nil
}

// subjectToken keeps a correlation id from introducing extra subject levels
// or wildcards.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
