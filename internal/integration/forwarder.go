package integration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
)

// Forwarder publishes every completed call to its sinks. It implements
// dispatch.Observer; publishing happens on the Run goroutine.
type Forwarder struct {
	sinks   []Sink
	queue   chan *Event
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Forwarder
type Option func(f *Forwarder)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithQueueSize sets how many events may wait to be published
func WithQueueSize(n int) Option {
	return func(f *Forwarder) {
		f.queue = make(chan *Event, n)
	}
}

// NewForwarder creates a forwarder publishing to sinks
func NewForwarder(sinks []Sink, opts ...Option) *Forwarder {
	f := &Forwarder{
		sinks:   sinks,
		queue:   make(chan *Event, 256),
		timeout: 5 * time.Second,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Observe implements dispatch.Observer. Events are dropped when the queue is
// full.
func (f *Forwarder) Observe(_ context.Context, call *dispatch.Call) {
	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- EventFromCall(call):
	default:
		f.logger.Warn().
			Str("method", call.Method).
			Str("call_id", call.ID).
			Msg("Forward queue full, dropping event")
	}
}

// Run publishes queued events until ctx is done, drains the queue and closes
// the sinks
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.close()
	for {
		select {
		case event := <-f.queue:
			f.publish(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-f.queue:
					f.publish(event)
				default:
					return nil
				}
			}
		}
	}
}

func (f *Forwarder) publish(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Str("method", event.Method).Msg("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event.Method, payload); err != nil {
			f.logger.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("method", event.Method).
				Str("call_id", event.CallID).
				Msg("Failed to forward event")
			continue
		}
		f.logger.Debug().
			Str("sink", sink.Name()).
			Str("method", event.Method).
			Msg("Event forwarded")
	}
}

func (f *Forwarder) close() {
	for _, sink := range f.sinks {
		sink.Close()
	}
}
