// Package session tracks the connection to the device and decides which
// operations are permitted in the current state.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Session binds at most one device. All state changes and driver calls
// happen under one lock.
type Session struct {
	driver device.Driver
	limits stimulation.Limits
	policy stimulation.MergePolicy
	logger zerolog.Logger

	mu          sync.Mutex
	deviceID    string
	handle      device.Handle
	acquiring   bool
	impedance   bool
	stimulating bool
	acq         *device.AcqParams
	program     *stimulation.Program
}

// Option configures a Session
type Option func(s *Session)

// WithLimits sets the channel and current limits used for validation
func WithLimits(limits stimulation.Limits) Option {
	return func(s *Session) {
		s.limits = limits
	}
}

// WithMergePolicy sets the policy for adding an already configured channel
// without update
func WithMergePolicy(policy stimulation.MergePolicy) Option {
	return func(s *Session) {
		s.policy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates a disconnected session
func New(driver device.Driver, opts ...Option) *Session {
	s := &Session{
		driver: driver,
		limits: stimulation.DefaultLimits,
		policy: stimulation.MergeReject,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status is a snapshot of the session state
type Status struct {
	DeviceID        string            `json:"deviceId,omitempty"`
	Connected       bool              `json:"connected"`
	Acquiring       bool              `json:"acquiring"`
	Impedance       bool              `json:"impedance"`
	Stimulating     bool              `json:"stimulating"`
	ProgramChannels []int             `json:"programChannels"`
	Acquisition     *device.AcqParams `json:"acquisition,omitempty"`
}

// Connect binds the session to device id. Connecting again to the bound
// device is a no-op returning true; connecting to a different device while
// bound returns false. A failed connect leaves the session disconnected and
// returns an error of kind ErrDeviceConnection.
func (s *Session) Connect(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With().Str("device_id", id).Logger()

	if s.handle != nil {
		if s.deviceID == id {
			logger.Info().Msg("Device already connected")
			return true, nil
		}
		logger.Warn().
			Str("connected_device", s.deviceID).
			Msg("Another device is already connected")
		return false, nil
	}

	logger.Info().Dur("timeout", timeout).Msg("Connecting device")

	h, err := s.driver.Connect(ctx, id, timeout)
	if err != nil {
		logger.Error().Err(err).Msg("Device connection failed")
		return false, opError("connectDevice", ErrDeviceConnection, err)
	}
	if h == nil {
		logger.Error().Msg("Device not found")
		return false, opError("connectDevice", ErrDeviceConnection, fmt.Errorf("%w: %s", ErrDeviceNotFound, id))
	}

	s.deviceID = id
	s.handle = h
	logger.Info().Msg("Device connected")
	return true, nil
}

// IsConnected reports whether a device is bound
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		DeviceID:        s.deviceID,
		Connected:       s.handle != nil,
		Acquiring:       s.acquiring,
		Impedance:       s.impedance,
		Stimulating:     s.stimulating,
		ProgramChannels: []int{},
	}
	if s.program != nil {
		st.ProgramChannels = s.program.Channels()
	}
	if s.acq != nil {
		acq := *s.acq
		acq.Channels = append([]int(nil), s.acq.Channels...)
		st.Acquisition = &acq
	}
	return st
}

// SetAcquisitionParameters forwards acquisition parameters to the device.
// Malformed parameters return an ErrInvalidParameter error even while
// disconnected; a missing connection or a driver failure returns false.
func (s *Session) SetAcquisitionParameters(ctx context.Context, params device.AcqParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateAcquisition(params); err != nil {
		return false, opError("setAcquisitionParameters", ErrInvalidParameter, err)
	}
	if s.handle == nil {
		s.logger.Warn().Err(ErrNotConnected).Str("method", "setAcquisitionParameters").Msg("Operation refused")
		return false, nil
	}

	channels := append([]int(nil), params.Channels...)
	if err := s.handle.SetAcqParam(ctx, channels, params.SampleRate, params.Range); err != nil {
		s.logger.Error().Err(err).Msg("Set acquisition parameters failed")
		return false, nil
	}

	s.acq = &device.AcqParams{Channels: channels, SampleRate: params.SampleRate, Range: params.Range}
	s.logger.Info().
		Ints("channels", channels).
		Int("sample_rate", params.SampleRate).
		Float64("range", params.Range).
		Msg("Acquisition parameters set")
	return true, nil
}

func (s *Session) validateAcquisition(p device.AcqParams) error {
	if len(p.Channels) == 0 {
		return errors.New("no channels")
	}
	seen := make(map[int]struct{}, len(p.Channels))
	for _, ch := range p.Channels {
		if ch < s.limits.MinChannel || ch > s.limits.MaxChannel {
			return fmt.Errorf("channel %d outside [%d, %d]", ch, s.limits.MinChannel, s.limits.MaxChannel)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("duplicate channel %d", ch)
		}
		seen[ch] = struct{}{}
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", p.SampleRate)
	}
	if p.Range <= 0 || math.IsNaN(p.Range) || math.IsInf(p.Range, 0) {
		return fmt.Errorf("range must be positive, got %v", p.Range)
	}
	return nil
}

// start runs a driver start operation. It fails without calling the driver
// when no device is bound.
func (s *Session) start(ctx context.Context, name string, flag *bool, fn func(device.Handle, context.Context) error) bool {
	if s.handle == nil {
		s.logger.Warn().Err(ErrNotConnected).Str("method", name).Msg("Operation refused")
		return false
	}
	if err := fn(s.handle, ctx); err != nil {
		s.logger.Error().Err(err).Str("method", name).Msg("Driver operation failed")
		return false
	}
	*flag = true
	s.logger.Info().Str("method", name).Msg("Started")
	return true
}

// stop runs a driver stop operation. Without a bound device there is nothing
// to stop and it succeeds.
func (s *Session) stop(ctx context.Context, name string, flag *bool, fn func(device.Handle, context.Context) error) bool {
	if s.handle == nil {
		return true
	}
	if err := fn(s.handle, ctx); err != nil {
		s.logger.Error().Err(err).Str("method", name).Msg("Driver operation failed")
		return false
	}
	*flag = false
	s.logger.Info().Str("method", name).Msg("Stopped")
	return true
}

// StartAcquisition starts signal acquisition
func (s *Session) StartAcquisition(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx, "startAcquisition", &s.acquiring, device.Handle.StartAcquisition)
}

// StopAcquisition stops signal acquisition
func (s *Session) StopAcquisition(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx, "stopAcquisition", &s.acquiring, device.Handle.StopAcquisition)
}

// StartImpedance starts impedance measurement
func (s *Session) StartImpedance(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx, "startImpedance", &s.impedance, device.Handle.StartImpedance)
}

// StopImpedance stops impedance measurement
func (s *Session) StopImpedance(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx, "stopImpedance", &s.impedance, device.Handle.StopImpedance)
}

// StartStimulation pushes the accumulated program to the device and starts
// it. Without a program the device receives an empty one.
func (s *Session) StartStimulation(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		s.logger.Warn().Err(ErrNotConnected).Str("method", "startStimulation").Msg("Operation refused")
		return false
	}

	program := &stimulation.DriverProgram{Channels: []stimulation.DriverChannel{}}
	if s.program != nil {
		program = s.program.ToDeviceFormat()
	}
	if err := s.handle.SetStimParam(ctx, program); err != nil {
		s.logger.Error().Err(err).Msg("Set stimulation parameters failed")
		return false
	}
	return s.start(ctx, "startStimulation", &s.stimulating, device.Handle.StartStimulation)
}

// StopStimulation stops stimulation
func (s *Session) StopStimulation(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx, "stopStimulation", &s.stimulating, device.Handle.StopStimulation)
}

// SetDCStimulation adds a DC channel to the program
func (s *Session) SetDCStimulation(spec stimulation.DC, update bool) error {
	return s.addChannel("setDCStimulation", spec, update)
}

// SetACStimulation adds an AC channel to the program
func (s *Session) SetACStimulation(spec stimulation.AC, update bool) error {
	return s.addChannel("setACStimulation", spec, update)
}

// SetSquareWaveStimulation adds a square wave channel to the program
func (s *Session) SetSquareWaveStimulation(spec stimulation.SquareWave, update bool) error {
	return s.addChannel("setSquareWaveStimulation", spec, update)
}

// SetPulseStimulation adds a pulse channel to the program
func (s *Session) SetPulseStimulation(spec stimulation.Pulse, update bool) error {
	return s.addChannel("setPulseStimulation", spec, update)
}

// addChannel does not require a connection, so a program can be built
// before connecting.
func (s *Session) addChannel(op string, spec stimulation.Spec, update bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With().
		Str("method", op).
		Int("channel", spec.Common().Channel).
		Bool("update", update).
		Logger()

	if s.program == nil {
		s.program = stimulation.NewProgram(s.limits, s.policy)
	}

	if err := s.program.AddChannel(spec, update); err != nil {
		logger.Error().Err(err).Msg("Add stimulation channel failed")
		if errors.Is(err, stimulation.ErrInvalidSpec) {
			return opError(op, ErrInvalidParameter, err)
		}
		return opError(op, ErrOperation, err)
	}

	logger.Info().Str("mode", string(spec.Mode())).Msg("Stimulation channel set")
	return nil
}

// ClearStimulationParameters drops the accumulated program
func (s *Session) ClearStimulationParameters() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.program != nil {
		s.program.Clear()
		s.program = nil
	}
	s.logger.Info().Msg("Stimulation parameters cleared")
	return nil
}
