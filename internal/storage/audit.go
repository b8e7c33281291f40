package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/models"
	"github.com/quanlan-server/quanlan-server/internal/session"
)

// AuditObserver records every dispatched call as an EventLog. Calls are
// queued and written by Run so the dispatcher never waits on the database.
type AuditObserver struct {
	store        Store
	queue        chan *models.EventLog
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// AuditOption configures an AuditObserver
type AuditOption func(a *AuditObserver)

// WithAuditLogger sets the logger
func WithAuditLogger(logger zerolog.Logger) AuditOption {
	return func(a *AuditObserver) {
		a.logger = logger
	}
}

// WithQueueSize sets how many events may wait to be written
func WithQueueSize(n int) AuditOption {
	return func(a *AuditObserver) {
		a.queue = make(chan *models.EventLog, n)
	}
}

// NewAuditObserver creates an observer writing to store
func NewAuditObserver(store Store, opts ...AuditOption) *AuditObserver {
	a := &AuditObserver{
		store:        store,
		queue:        make(chan *models.EventLog, 256),
		writeTimeout: 5 * time.Second,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe implements dispatch.Observer. Events are dropped when the queue is
// full.
func (a *AuditObserver) Observe(_ context.Context, call *dispatch.Call) {
	event := EventFromCall(call)
	select {
	case a.queue <- event:
	default:
		a.logger.Warn().
			Str("method", call.Method).
			Str("call_id", call.ID).
			Msg("Audit queue full, dropping event")
	}
}

// Run writes queued events until ctx is done, then drains the queue
func (a *AuditObserver) Run(ctx context.Context) error {
	for {
		select {
		case event := <-a.queue:
			a.write(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-a.queue:
					a.write(event)
				default:
					return nil
				}
			}
		}
	}
}

func (a *AuditObserver) write(event *models.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	if err := a.store.CreateEventLog(ctx, event); err != nil {
		a.logger.Error().Err(err).
			Str("method", event.Method).
			Str("call_id", event.CallID).
			Msg("Failed to write event log")
	}
}

// EventFromCall converts a dispatched call into an event log entry
func EventFromCall(call *dispatch.Call) *models.EventLog {
	event := &models.EventLog{
		CreatedAt: call.Started,
		CallID:    call.ID,
		Method:    call.Method,
		Transport: call.Transport,
		ClientID:  call.ClientID,
		DeviceID:  call.DeviceID,
		Type:      eventType(call.Method),
		LatencyMS: float64(call.Latency.Microseconds()) / 1000,
		Details:   models.Variables{},
	}

	if call.Params != nil {
		event.Details["params"] = call.Params
	}
	if call.Result != nil {
		event.Details["result"] = call.Result
	}

	if call.Err == nil && isQuery(call.Method) {
		event.Level = models.EventLevelDebug
		event.Code = models.CodeOK
		event.Description = call.Method + " answered"
		return event
	}

	switch call.Outcome() {
	case dispatch.OutcomeOK:
		event.Level = models.EventLevelInfo
		event.Code = models.CodeOK
		event.Description = call.Method + " succeeded"
	case dispatch.OutcomeRejected:
		event.Level = models.EventLevelWarning
		event.Code = models.CodeRejected
		event.Description = call.Method + " returned false"
	default:
		event.Level = models.EventLevelError
		event.Code = errorCode(call.Err)
		event.Description = call.Err.Error()
	}

	return event
}

// isQuery reports whether method only reads session state
func isQuery(method string) bool {
	return method == dispatch.MethodIsConnected || method == dispatch.MethodGetStatus
}

func eventType(method string) models.EventType {
	switch method {
	case dispatch.MethodConnectDevice:
		return models.EventTypeConnection
	case dispatch.MethodSetDCStimulation,
		dispatch.MethodSetACStimulation,
		dispatch.MethodSetSquareWaveStimulation,
		dispatch.MethodSetPulseStimulation,
		dispatch.MethodClearStimulationParameters:
		return models.EventTypeProgram
	default:
		return models.EventTypeRPCCall
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrDeviceConnection):
		return models.CodeDeviceConnection
	case errors.Is(err, session.ErrInvalidParameter):
		return models.CodeInvalidParameter
	case errors.Is(err, session.ErrOperation):
		return models.CodeOperation
	default:
		return models.CodeInternal
	}
}
