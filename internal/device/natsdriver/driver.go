package natsdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Requester is the part of *nats.Conn the driver uses
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Driver implements device.Driver on top of NATS request/reply
type Driver struct {
	nc             Requester
	prefix         string
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// DriverOption configures a Driver
type DriverOption func(d *Driver)

// WithRequestTimeout bounds every request other than connect. Connect waits
// for the connect timeout plus this value.
func WithRequestTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		d.requestTimeout = timeout
	}
}

// WithDriverLogger sets the logger
func WithDriverLogger(logger zerolog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver creates a NATS driver publishing under prefix
func NewDriver(nc Requester, prefix string, opts ...DriverOption) *Driver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	d := &Driver{
		nc:             nc,
		prefix:         prefix,
		requestTimeout: 5 * time.Second,
		logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect implements device.Driver
func (d *Driver) Connect(ctx context.Context, id string, timeout time.Duration) (device.Handle, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	reply, err := d.request(ctx, id, device.OpConnect, connectRequest{TimeoutMS: timeout.Milliseconds()}, timeout+d.requestTimeout)
	if err != nil {
		return nil, err
	}
	if reply.NotFound {
		return nil, nil
	}

	d.logger.Debug().Str("device_id", id).Msg("Remote device connected")
	return &handle{driver: d, id: id}, nil
}

func (d *Driver) request(ctx context.Context, id string, op device.Op, payload interface{}, wait time.Duration) (*Reply, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	msg, err := d.nc.RequestWithContext(ctx, Subject(d.prefix, id, op), data)
	if err != nil {
		return nil, fmt.Errorf("%s %s request: %w", id, op, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal %s reply: %w", op, err)
	}
	if reply.Error != "" {
		return nil, &RemoteError{DeviceID: id, Op: op, Message: reply.Error}
	}
	return &reply, nil
}

type handle struct {
	driver *Driver
	id     string
}

func (h *handle) call(ctx context.Context, op device.Op, payload interface{}) error {
	_, err := h.driver.request(ctx, h.id, op, payload, h.driver.requestTimeout)
	return err
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) SetAcqParam(ctx context.Context, channels []int, sampleRate int, rng float64) error {
	return h.call(ctx, device.OpSetAcqParam, device.AcqParams{Channels: channels, SampleRate: sampleRate, Range: rng})
}

func (h *handle) StartAcquisition(ctx context.Context) error {
	return h.call(ctx, device.OpStartAcquisition, nil)
}

func (h *handle) StopAcquisition(ctx context.Context) error {
	return h.call(ctx, device.OpStopAcquisition, nil)
}

func (h *handle) StartImpedance(ctx context.Context) error {
	return h.call(ctx, device.OpStartImpedance, nil)
}

func (h *handle) StopImpedance(ctx context.Context) error {
	return h.call(ctx, device.OpStopImpedance, nil)
}

func (h *handle) SetStimParam(ctx context.Context, program *stimulation.DriverProgram) error {
	if program == nil {
		program = &stimulation.DriverProgram{Channels: []stimulation.DriverChannel{}}
	}
	return h.call(ctx, device.OpSetStimParam, program)
}

func (h *handle) StartStimulation(ctx context.Context) error {
	return h.call(ctx, device.OpStartStimulation, nil)
}

func (h *handle) StopStimulation(ctx context.Context) error {
	return h.call(ctx, device.OpStopStimulation, nil)
}
