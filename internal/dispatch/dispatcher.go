// Package dispatch maps named RPC calls onto the device session.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/session"
	"github.com/quanlan-server/quanlan-server/internal/validation"
)

// Method names
const (
	MethodConnectDevice              = "connectDevice"
	MethodIsConnected                = "isConnected"
	MethodGetStatus                  = "getStatus"
	MethodSetAcquisitionParameters   = "setAcquisitionParameters"
	MethodStartAcquisition           = "startAcquisition"
	MethodStopAcquisition            = "stopAcquisition"
	MethodStartImpedance             = "startImpedance"
	MethodStopImpedance              = "stopImpedance"
	MethodSetDCStimulation           = "setDCStimulation"
	MethodSetACStimulation           = "setACStimulation"
	MethodSetSquareWaveStimulation   = "setSquareWaveStimulation"
	MethodSetPulseStimulation        = "setPulseStimulation"
	MethodClearStimulationParameters = "clearStimulationParameters"
	MethodStartStimulation           = "startStimulation"
	MethodStopStimulation            = "stopStimulation"
)

// Defaults used for connectDevice parameters the caller leaves empty
const (
	DefaultDeviceID       = "390024350033"
	DefaultConnectTimeout = 10 * time.Second
)

type handlerFunc func(ctx context.Context, raw json.RawMessage) (params any, result any, err error)

// Dispatcher resolves method names to session operations. It holds no state
// of its own besides configuration.
type Dispatcher struct {
	session   *session.Session
	validator *validation.Validator
	logger    zerolog.Logger
	observers []Observer

	defaultDeviceID string
	defaultTimeout  time.Duration

	methods map[string]handlerFunc
}

// Option configures a Dispatcher
type Option func(d *Dispatcher)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithObserver registers an observer notified after every call
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// WithConnectDefaults sets the device id and timeout used when connectDevice
// omits them
func WithConnectDefaults(deviceID string, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if deviceID != "" {
			d.defaultDeviceID = deviceID
		}
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// New creates a dispatcher for s
func New(s *session.Session, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		session:         s,
		validator:       validation.NewValidator(),
		logger:          log.Logger,
		defaultDeviceID: DefaultDeviceID,
		defaultTimeout:  DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.methods = map[string]handlerFunc{
		MethodConnectDevice:              d.connectDevice,
		MethodIsConnected:                d.isConnected,
		MethodGetStatus:                  d.getStatus,
		MethodSetAcquisitionParameters:   d.setAcquisitionParameters,
		MethodStartAcquisition:           withoutParams(s.StartAcquisition),
		MethodStopAcquisition:            withoutParams(s.StopAcquisition),
		MethodStartImpedance:             withoutParams(s.StartImpedance),
		MethodStopImpedance:              withoutParams(s.StopImpedance),
		MethodSetDCStimulation:           d.setDCStimulation,
		MethodSetACStimulation:           d.setACStimulation,
		MethodSetSquareWaveStimulation:   d.setSquareWaveStimulation,
		MethodSetPulseStimulation:        d.setPulseStimulation,
		MethodClearStimulationParameters: d.clearStimulationParameters,
		MethodStartStimulation:           withoutParams(s.StartStimulation),
		MethodStopStimulation:            withoutParams(s.StopStimulation),
	}
	return d
}

// Session returns the dispatched session
func (d *Dispatcher) Session() *session.Session {
	return d.session
}

// Methods returns the registered method names, sorted
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call executes method with its raw JSON parameters. The result is a bool
// for every method except getStatus, which returns a session.Status.
func (d *Dispatcher) Call(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	h, ok := d.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	call := &Call{
		ID:      uuid.NewString(),
		Method:  method,
		Started: time.Now(),
	}
	call.Transport, call.ClientID = originFrom(ctx)

	params, result, err := h(ctx, rawParams)
	call.Params = params
	call.Result = result
	call.Err = err
	call.Latency = time.Since(call.Started)
	call.DeviceID = d.session.Status().DeviceID
	if cp, ok := params.(ConnectParams); ok && call.DeviceID == "" {
		call.DeviceID = cp.DeviceID
	}

	logger := d.logger.With().
		Str("call_id", call.ID).
		Str("method", method).
		Dur("latency", call.Latency).
		Logger()
	if err != nil {
		logger.Error().Err(err).Msg("RPC call failed")
	} else {
		logger.Debug().Interface("result", result).Msg("RPC call done")
	}

	d.notify(ctx, call)
	return result, err
}

func (d *Dispatcher) notify(ctx context.Context, call *Call) {
	for _, o := range d.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().Interface("panic", r).Str("method", call.Method).Msg("Observer panicked")
				}
			}()
			o.Observe(ctx, call)
		}()
	}
}

// decode unmarshals raw into v and validates it. Missing or null params leave
// v at its zero value.
func (d *Dispatcher) decode(method string, raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return invalidParams(method, err)
		}
	}
	if err := d.validator.Validate(v); err != nil {
		return invalidParams(method, err)
	}
	return nil
}

func invalidParams(method string, err error) error {
	return &session.OpError{Op: method, Kind: session.ErrInvalidParameter, Err: err}
}

func withoutParams(fn func(context.Context) bool) handlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, any, error) {
		return nil, fn(ctx), nil
	}
}

func (d *Dispatcher) connectDevice(ctx context.Context, raw json.RawMessage) (any, any, error) {
	var p ConnectParams
	if err := d.decode(MethodConnectDevice, raw, &p); err != nil {
		return nil, false, err
	}
	if p.DeviceID == "" {
		p.DeviceID = d.defaultDeviceID
	}
	timeout := d.defaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout * float64(time.Second))
	}

	ok, err := d.session.Connect(ctx, p.DeviceID, timeout)
	return p, ok, err
}

func (d *Dispatcher) isConnected(_ context.Context, _ json.RawMessage) (any, any, error) {
	return nil, d.session.IsConnected(), nil
}

func (d *Dispatcher) getStatus(_ context.Context, _ json.RawMessage) (any, any, error) {
	return nil, d.session.Status(), nil
}

func (d *Dispatcher) setAcquisitionParameters(ctx context.Context, raw json.RawMessage) (any, any, error) {
	var p AcquisitionParams
	if err := d.decode(MethodSetAcquisitionParameters, raw, &p); err != nil {
		return nil, false, err
	}
	ok, err := d.session.SetAcquisitionParameters(ctx, p.toDevice())
	return p, ok, err
}

func (d *Dispatcher) setDCStimulation(_ context.Context, raw json.RawMessage) (any, any, error) {
	var p DCStimulationParams
	if err := d.decode(MethodSetDCStimulation, raw, &p); err != nil {
		return nil, false, err
	}
	return hard(p, d.session.SetDCStimulation(p.spec(), p.Update))
}

func (d *Dispatcher) setACStimulation(_ context.Context, raw json.RawMessage) (any, any, error) {
	var p ACStimulationParams
	if err := d.decode(MethodSetACStimulation, raw, &p); err != nil {
		return nil, false, err
	}
	return hard(p, d.session.SetACStimulation(p.spec(), p.Update))
}

func (d *Dispatcher) setSquareWaveStimulation(_ context.Context, raw json.RawMessage) (any, any, error) {
	var p SquareWaveStimulationParams
	if err := d.decode(MethodSetSquareWaveStimulation, raw, &p); err != nil {
		return nil, false, err
	}
	return hard(p, d.session.SetSquareWaveStimulation(p.spec(), p.Update))
}

func (d *Dispatcher) setPulseStimulation(_ context.Context, raw json.RawMessage) (any, any, error) {
	var p PulseStimulationParams
	if err := d.decode(MethodSetPulseStimulation, raw, &p); err != nil {
		return nil, false, err
	}
	return hard(p, d.session.SetPulseStimulation(p.spec(), p.Update))
}

func (d *Dispatcher) clearStimulationParameters(_ context.Context, _ json.RawMessage) (any, any, error) {
	return hard(nil, d.session.ClearStimulationParameters())
}

// hard reports a hard operation as true, or false with its error
func hard(params any, err error) (any, any, error) {
	if err != nil {
		return params, false, err
	}
	return params, true, nil
}
