// Package sim implements an in-process stand-in for the amplifier, used when
// no hardware is attached and in tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Driver is a simulated device.Driver
type Driver struct {
	mu           sync.Mutex
	devices      map[string]*Device
	connectDelay time.Duration
	logger       zerolog.Logger
}

// Option configures a Driver
type Option func(d *Driver)

// WithDevices registers the identifiers that Connect will find
func WithDevices(ids ...string) Option {
	return func(d *Driver) {
		for _, id := range ids {
			d.devices[id] = newDevice(id)
		}
	}
}

// WithConnectDelay makes Connect take the given time, so connect timeouts
// can be exercised
func WithConnectDelay(delay time.Duration) Option {
	return func(d *Driver) {
		d.connectDelay = delay
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver creates a simulated driver
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		devices: make(map[string]*Device),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Device returns the simulated device with the given identifier
func (d *Driver) Device(id string) (*Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	return dev, ok
}

// Connect implements device.Driver
func (d *Driver) Connect(ctx context.Context, id string, timeout time.Duration) (device.Handle, error) {
	d.mu.Lock()
	dev, ok := d.devices[id]
	delay := d.connectDelay
	d.mu.Unlock()

	if !ok {
		d.logger.Debug().Str("device_id", id).Msg("sim device not found")
		return nil, nil
	}

	if delay > 0 {
		var deadline <-chan time.Time
		if timeout > 0 {
			deadline = time.After(timeout)
		}
		select {
		case <-time.After(delay):
		case <-deadline:
			return nil, fmt.Errorf("connect %s: timed out after %s", id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := dev.record(device.OpConnect); err != nil {
		return nil, err
	}

	d.logger.Debug().Str("device_id", id).Msg("sim device connected")
	return dev, nil
}

// Device is a simulated device.Handle
type Device struct {
	id string

	mu          sync.Mutex
	acquiring   bool
	impedance   bool
	stimulating bool
	acq         *device.AcqParams
	program     *stimulation.DriverProgram
	failures    map[device.Op]error
	calls       []device.Op
}

// State is a snapshot of a simulated device
type State struct {
	Acquiring   bool
	Impedance   bool
	Stimulating bool
	Acq         *device.AcqParams
	Program     *stimulation.DriverProgram
}

func newDevice(id string) *Device {
	return &Device{
		id:       id,
		failures: make(map[device.Op]error),
	}
}

// Fail makes every following call of op fail with err; a nil err clears it
func (dev *Device) Fail(op device.Op, err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err == nil {
		delete(dev.failures, op)
		return
	}
	dev.failures[op] = err
}

// Calls returns the operations invoked so far, in order
func (dev *Device) Calls() []device.Op {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	out := make([]device.Op, len(dev.calls))
	copy(out, dev.calls)
	return out
}

// CallCount returns how often op was invoked
func (dev *Device) CallCount(op device.Op) int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	n := 0
	for _, c := range dev.calls {
		if c == op {
			n++
		}
	}
	return n
}

// State returns the current device state
func (dev *Device) State() State {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return State{
		Acquiring:   dev.acquiring,
		Impedance:   dev.impedance,
		Stimulating: dev.stimulating,
		Acq:         dev.acq,
		Program:     dev.program,
	}
}

func (dev *Device) record(op device.Op) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.calls = append(dev.calls, op)
	return dev.failures[op]
}

func (dev *Device) apply(op device.Op, fn func()) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.calls = append(dev.calls, op)
	if err := dev.failures[op]; err != nil {
		return err
	}
	fn()
	return nil
}

// ID implements device.Handle
func (dev *Device) ID() string {
	return dev.id
}

// SetAcqParam implements device.Handle
func (dev *Device) SetAcqParam(_ context.Context, channels []int, sampleRate int, rng float64) error {
	chs := append([]int(nil), channels...)
	return dev.apply(device.OpSetAcqParam, func() {
		dev.acq = &device.AcqParams{Channels: chs, SampleRate: sampleRate, Range: rng}
	})
}

// StartAcquisition implements device.Handle
func (dev *Device) StartAcquisition(context.Context) error {
	return dev.apply(device.OpStartAcquisition, func() { dev.acquiring = true })
}

// StopAcquisition implements device.Handle
func (dev *Device) StopAcquisition(context.Context) error {
	return dev.apply(device.OpStopAcquisition, func() { dev.acquiring = false })
}

// StartImpedance implements device.Handle
func (dev *Device) StartImpedance(context.Context) error {
	return dev.apply(device.OpStartImpedance, func() { dev.impedance = true })
}

// StopImpedance implements device.Handle
func (dev *Device) StopImpedance(context.Context) error {
	return dev.apply(device.OpStopImpedance, func() { dev.impedance = false })
}

// SetStimParam implements device.Handle
func (dev *Device) SetStimParam(_ context.Context, program *stimulation.DriverProgram) error {
	return dev.apply(device.OpSetStimParam, func() { dev.program = program })
}

// StartStimulation implements device.Handle
func (dev *Device) StartStimulation(context.Context) error {
	return dev.apply(device.OpStartStimulation, func() { dev.stimulating = true })
}

// StopStimulation implements device.Handle
func (dev *Device) StopStimulation(context.Context) error {
	return dev.apply(device.OpStopStimulation, func() { dev.stimulating = false })
}
