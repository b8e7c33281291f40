// Package device defines the control surface of the acquisition and
// stimulation hardware as seen by the session.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// ErrNotFound is reported when no device answers to an identifier
var ErrNotFound = errors.New("device not found")

// Driver opens connections to devices.
type Driver interface {
	// Connect binds to the device with the given identifier. A nil Handle
	// together with a nil error means the device was not found.
	Connect(ctx context.Context, id string, timeout time.Duration) (Handle, error)
}

// Handle controls one connected device. Every operation may fail with a
// driver specific error.
type Handle interface {
	ID() string
	SetAcqParam(ctx context.Context, channels []int, sampleRate int, rng float64) error
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error
	StartImpedance(ctx context.Context) error
	StopImpedance(ctx context.Context) error
	SetStimParam(ctx context.Context, program *stimulation.DriverProgram) error
	StartStimulation(ctx context.Context) error
	StopStimulation(ctx context.Context) error
}

// Op names the driver operations. They double as wire names for drivers
// that talk to remote hardware.
type Op string

const (
	OpConnect          Op = "connect"
	OpSetAcqParam      Op = "set_acq_param"
	OpStartAcquisition Op = "start_acquisition"
	OpStopAcquisition  Op = "stop_acquisition"
	OpStartImpedance   Op = "start_impedance"
	OpStopImpedance    Op = "stop_impedance"
	OpSetStimParam     Op = "set_stim_param"
	OpStartStimulation Op = "start_stimulation"
	OpStopStimulation  Op = "stop_stimulation"
)

// Ops lists every driver operation
var Ops = []Op{
	OpConnect,
	OpSetAcqParam,
	OpStartAcquisition,
	OpStopAcquisition,
	OpStartImpedance,
	OpStopImpedance,
	OpSetStimParam,
	OpStartStimulation,
	OpStopStimulation,
}

// AcqParams is the payload of OpSetAcqParam
type AcqParams struct {
	Channels   []int   `json:"channels"`
	SampleRate int     `json:"sampleRate"`
	Range      float64 `json:"range"`
}
