package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// EventLogStream is the durable stream holding recent ledger events.
const EventLogStream = "events:log"

// eventChannel matches ws.EventChannel; the hub subscribes to it.
const eventChannel = "events"

// Broadcaster pushes an event to locally connected clients.
type Broadcaster interface {
	Broadcast(ev domain.Event, streamID string)
}

// EventNotifier forwards events to operator channels.
type EventNotifier interface {
	Wants(kind domain.EventKind) bool
	Notify(ctx context.Context, ev domain.Event) error
}

// EventRelay implements domain.EventPublisher. With a bus, events are
// appended to the durable stream and published for every instance's hub;
// without one they go straight to the local hub. Notifications are sent from
// a background queue so webhook latency never reaches the ledger path.
type EventRelay struct {
	bus      domain.SignalBus
	local    Broadcaster
	notifier EventNotifier
	queue    chan domain.Event
	logger   *slog.Logger
}

// NewEventRelay creates an EventRelay. Any collaborator may be nil.
func NewEventRelay(bus domain.SignalBus, local Broadcaster, notifier EventNotifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		bus:      bus,
		local:    local,
		notifier: notifier,
		queue:    make(chan domain.Event, 256),
		logger:   logger.With(slog.String("component", "event_relay")),
	}
}

// SetBroadcaster sets the local fan-out target. Call it before the first
// Publish; the hub and the relay reference each other.
func (r *EventRelay) SetBroadcaster(b Broadcaster) {
	r.local = b
}

// Publish fans events out. Failures are logged and never returned.
func (r *EventRelay) Publish(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		r.forward(ctx, ev)
		if r.notifier != nil && r.notifier.Wants(ev.Kind) {
			select {
			case r.queue <- ev:
			default:
				r.logger.WarnContext(ctx, "notify queue full, dropping event",
					slog.String("kind", string(ev.Kind)),
					slog.String("event_id", ev.ID.String()),
				)
			}
		}
	}
}

func (r *EventRelay) forward(ctx context.Context, ev domain.Event) {
	if r.bus == nil {
		if r.local != nil {
			r.local.Broadcast(ev, "")
		}
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.WarnContext(ctx, "encode event", slog.String("error", err.Error()))
		return
	}
	streamID, err := r.bus.StreamAppend(ctx, EventLogStream, payload)
	if err != nil {
		r.logger.WarnContext(ctx, "append event to stream",
			slog.String("event_id", ev.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	frame, err := json.Marshal(struct {
		Type     string       `json:"type"`
		StreamID string       `json:"stream_id,omitempty"`
		Payload  domain.Event `json:"payload"`
	}{"event", streamID, ev})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, eventChannel, frame); err != nil {
		r.logger.WarnContext(ctx, "publish event",
			slog.String("event_id", ev.ID.String()),
			slog.String("error", err.Error()),
		)
		if r.local != nil {
			r.local.Broadcast(ev, streamID)
		}
	}
}

// Replay returns events appended to the durable stream after since.
func (r *EventRelay) Replay(ctx context.Context, since string, limit int) ([]domain.StreamMessage, error) {
	if r.bus == nil {
		return nil, nil
	}
	msgs, err := r.bus.StreamRead(ctx, EventLogStream, since, limit)
	if err != nil {
		return nil, fmt.Errorf("service: replay since %s: %w", since, err)
	}
	return msgs, nil
}

// Run delivers queued notifications until ctx is done.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.queue:
			if err := r.notifier.Notify(ctx, ev); err != nil {
				r.logger.WarnContext(ctx, "notification failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

var _ domain.EventPublisher = (*EventRelay)(nil)
