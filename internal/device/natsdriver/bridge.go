package natsdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Bridge serves a local device.Driver to remote Drivers
type Bridge struct {
	nc     *nats.Conn
	prefix string
	driver device.Driver
	limits stimulation.Limits
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string]device.Handle
}

// BridgeOption configures a Bridge
type BridgeOption func(b *Bridge)

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger zerolog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithBridgeLimits sets the limits incoming stimulation programs are checked
// against
func WithBridgeLimits(limits stimulation.Limits) BridgeOption {
	return func(b *Bridge) {
		b.limits = limits
	}
}

// NewBridge creates a bridge for driver. nc may be nil when only Serve is used.
func NewBridge(nc *nats.Conn, prefix string, driver device.Driver, opts ...BridgeOption) *Bridge {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	b := &Bridge{
		nc:      nc,
		prefix:  prefix,
		driver:  driver,
		limits:  stimulation.DefaultLimits,
		logger:  log.Logger,
		handles: make(map[string]device.Handle),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to the device subjects and blocks until ctx is done
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.prefix+".device.*.*", func(msg *nats.Msg) {
		b.handleMsg(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe device requests: %w", err)
	}

	b.logger.Info().
		Str("subject", sub.Subject).
		Msg("Device bridge started")

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to unsubscribe device bridge")
	}
	return ctx.Err()
}

func (b *Bridge) handleMsg(ctx context.Context, msg *nats.Msg) {
	var reply Reply
	id, op, err := parseSubject(b.prefix, msg.Subject)
	if err != nil {
		reply = Reply{Error: err.Error()}
	} else {
		reply = b.Serve(ctx, id, op, msg.Data)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal bridge reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
	}
}

// Serve executes one driver operation for device id
func (b *Bridge) Serve(ctx context.Context, id string, op device.Op, data []byte) Reply {
	logger := b.logger.With().Str("device_id", id).Str("op", string(op)).Logger()

	if op == device.OpConnect {
		var req connectRequest
		if err := unmarshalOptional(data, &req); err != nil {
			return Reply{Error: err.Error()}
		}
		h, err := b.driver.Connect(ctx, id, timeoutFromMS(req.TimeoutMS))
		if err != nil {
			logger.Error().Err(err).Msg("Connect failed")
			return Reply{Error: err.Error()}
		}
		if h == nil {
			logger.Warn().Msg("Device not found")
			return Reply{NotFound: true}
		}
		b.mu.Lock()
		b.handles[id] = h
		b.mu.Unlock()
		logger.Info().Msg("Device connected")
		return Reply{OK: true}
	}

	b.mu.Lock()
	h, ok := b.handles[id]
	b.mu.Unlock()
	if !ok {
		return Reply{Error: fmt.Sprintf("device %s is not connected", id)}
	}

	if err := b.invoke(ctx, h, op, data); err != nil {
		logger.Error().Err(err).Msg("Driver operation failed")
		return Reply{Error: err.Error()}
	}
	logger.Debug().Msg("Driver operation done")
	return Reply{OK: true}
}

func (b *Bridge) invoke(ctx context.Context, h device.Handle, op device.Op, data []byte) error {
	switch op {
	case device.OpSetAcqParam:
		var p device.AcqParams
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode acquisition params: %w", err)
		}
		return h.SetAcqParam(ctx, p.Channels, p.SampleRate, p.Range)
	case device.OpStartAcquisition:
		return h.StartAcquisition(ctx)
	case device.OpStopAcquisition:
		return h.StopAcquisition(ctx)
	case device.OpStartImpedance:
		return h.StartImpedance(ctx)
	case device.OpStopImpedance:
		return h.StopImpedance(ctx)
	case device.OpSetStimParam:
		var p stimulation.DriverProgram
		if err := unmarshalOptional(data, &p); err != nil {
			return fmt.Errorf("decode stimulation program: %w", err)
		}
		program, err := b.rebuild(&p)
		if err != nil {
			return err
		}
		return h.SetStimParam(ctx, program.ToDeviceFormat())
	case device.OpStartStimulation:
		return h.StartStimulation(ctx)
	case device.OpStopStimulation:
		return h.StopStimulation(ctx)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

// rebuild validates every channel of a received program against the bridge
// limits. A channel may appear once.
func (b *Bridge) rebuild(dp *stimulation.DriverProgram) (*stimulation.Program, error) {
	program := stimulation.NewProgram(b.limits, stimulation.MergeReject)
	for _, ch := range dp.Channels {
		spec, err := stimulation.SpecFromDriver(ch)
		if err != nil {
			return nil, err
		}
		if err := program.AddChannel(spec, false); err != nil {
			return nil, err
		}
	}
	return program, nil
}

func unmarshalOptional(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
