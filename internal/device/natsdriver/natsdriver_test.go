package natsdriver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/internal/device/sim"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// loopback routes requests straight into a Bridge
type loopback struct {
	bridge   *Bridge
	prefix   string
	subjects []string
}

func (l *loopback) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	l.subjects = append(l.subjects, subj)
	id, op, err := parseSubject(l.prefix, subj)
	if err != nil {
		return nil, err
	}
	reply := l.bridge.Serve(ctx, id, op, data)
	out, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: out}, nil
}

func newLoopback(t *testing.T, ids ...string) (*Driver, *sim.Driver, *loopback) {
	t.Helper()
	simDriver := sim.NewDriver(sim.WithDevices(ids...), sim.WithLogger(zerolog.Nop()))
	bridge := NewBridge(nil, "test", simDriver, WithBridgeLogger(zerolog.Nop()))
	lb := &loopback{bridge: bridge, prefix: "test"}
	return NewDriver(lb, "test", WithDriverLogger(zerolog.Nop())), simDriver, lb
}

func TestSubjectRoundTrip(t *testing.T) {
	subject := Subject("quanlan", "390024350033", device.OpStartAcquisition)
	assert.Equal(t, "quanlan.device.390024350033.start_acquisition", subject)

	id, op, err := parseSubject("quanlan", subject)
	require.NoError(t, err)
	assert.Equal(t, "390024350033", id)
	assert.Equal(t, device.OpStartAcquisition, op)

	_, _, err = parseSubject("quanlan", "other.device.x.y")
	assert.Error(t, err)
	_, _, err = parseSubject("quanlan", "quanlan.device.x")
	assert.Error(t, err)
}

func TestConnectNotFound(t *testing.T) {
	driver, _, _ := newLoopback(t, "dev-1")

	h, err := driver.Connect(context.Background(), "missing", time.Second)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestConnectRejectsBadID(t *testing.T) {
	driver, _, lb := newLoopback(t, "dev-1")

	_, err := driver.Connect(context.Background(), "a.b", time.Second)
	assert.Error(t, err)
	_, err = driver.Connect(context.Background(), "", time.Second)
	assert.Error(t, err)
	assert.Empty(t, lb.subjects)
}

func TestOperationsReachDevice(t *testing.T) {
	driver, simDriver, lb := newLoopback(t, "dev-1")
	ctx := context.Background()

	h, err := driver.Connect(ctx, "dev-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "dev-1", h.ID())

	require.NoError(t, h.SetAcqParam(ctx, []int{0, 1, 2}, 1000, 100))
	require.NoError(t, h.StartAcquisition(ctx))

	program := &stimulation.DriverProgram{Channels: []stimulation.DriverChannel{
		{Channel: 1, Mode: stimulation.ModeDC, Current: 1, Duration: 5},
	}}
	require.NoError(t, h.SetStimParam(ctx, program))
	require.NoError(t, h.StartStimulation(ctx))

	dev, ok := simDriver.Device("dev-1")
	require.True(t, ok)
	state := dev.State()
	assert.True(t, state.Acquiring)
	assert.True(t, state.Stimulating)
	require.NotNil(t, state.Acq)
	assert.Equal(t, []int{0, 1, 2}, state.Acq.Channels)
	require.NotNil(t, state.Program)
	assert.Len(t, state.Program.Channels, 1)

	assert.Contains(t, lb.subjects, "test.device.dev-1.set_stim_param")
}

func TestRemoteFailure(t *testing.T) {
	driver, simDriver, _ := newLoopback(t, "dev-1")
	ctx := context.Background()

	h, err := driver.Connect(ctx, "dev-1", time.Second)
	require.NoError(t, err)

	dev, _ := simDriver.Device("dev-1")
	dev.Fail(device.OpStartImpedance, errors.New("electrode fault"))

	err = h.StartImpedance(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, device.OpStartImpedance, remote.Op)
	assert.Contains(t, remote.Message, "electrode fault")
}

func TestServeWithoutConnect(t *testing.T) {
	bridge := NewBridge(nil, "", sim.NewDriver(sim.WithDevices("dev-1")), WithBridgeLogger(zerolog.Nop()))

	reply := bridge.Serve(context.Background(), "dev-1", device.OpStartAcquisition, nil)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "not connected")
}

func TestServeRejectsMalformedProgram(t *testing.T) {
	bridge := NewBridge(nil, "", sim.NewDriver(sim.WithDevices("dev-1")), WithBridgeLogger(zerolog.Nop()))
	ctx := context.Background()
	require.True(t, bridge.Serve(ctx, "dev-1", device.OpConnect, nil).OK)

	data, err := json.Marshal(stimulation.DriverProgram{Channels: []stimulation.DriverChannel{
		{Channel: 1, Mode: "TRIANGLE"},
	}})
	require.NoError(t, err)

	reply := bridge.Serve(ctx, "dev-1", device.OpSetStimParam, data)
	assert.False(t, reply.OK)
	assert.NotEmpty(t, reply.Error)

	reply = bridge.Serve(ctx, "dev-1", device.Op("reboot"), nil)
	assert.Contains(t, reply.Error, "unknown operation")
}

func TestServeValidatesProgramFields(t *testing.T) {
	simDriver := sim.NewDriver(sim.WithDevices("dev-1"), sim.WithLogger(zerolog.Nop()))
	bridge := NewBridge(nil, "", simDriver,
		WithBridgeLimits(stimulation.Limits{MinChannel: 0, MaxChannel: 7, MaxCurrent: 2}),
		WithBridgeLogger(zerolog.Nop()),
	)
	ctx := context.Background()
	require.True(t, bridge.Serve(ctx, "dev-1", device.OpConnect, nil).OK)

	tests := []struct {
		name    string
		channel stimulation.DriverChannel
	}{
		{"channel out of range", stimulation.DriverChannel{Channel: 9, Mode: stimulation.ModeDC, Current: 1, Duration: 1}},
		{"current over limit", stimulation.DriverChannel{Channel: 1, Mode: stimulation.ModeDC, Current: 5, Duration: 1}},
		{"zero frequency", stimulation.DriverChannel{Channel: 1, Mode: stimulation.ModeAC, Current: 1, Duration: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(stimulation.DriverProgram{Channels: []stimulation.DriverChannel{tt.channel}})
			require.NoError(t, err)
			reply := bridge.Serve(ctx, "dev-1", device.OpSetStimParam, data)
			assert.False(t, reply.OK)
			assert.Contains(t, reply.Error, stimulation.ErrInvalidSpec.Error())
		})
	}

	dup := stimulation.DriverChannel{Channel: 1, Mode: stimulation.ModeDC, Current: 1, Duration: 1}
	data, err := json.Marshal(stimulation.DriverProgram{Channels: []stimulation.DriverChannel{dup, dup}})
	require.NoError(t, err)
	assert.False(t, bridge.Serve(ctx, "dev-1", device.OpSetStimParam, data).OK)

	dev, _ := simDriver.Device("dev-1")
	assert.Zero(t, dev.CallCount(device.OpSetStimParam))

	data, err = json.Marshal(stimulation.DriverProgram{Channels: []stimulation.DriverChannel{dup}})
	require.NoError(t, err)
	require.True(t, bridge.Serve(ctx, "dev-1", device.OpSetStimParam, data).OK)
	require.NotNil(t, dev.State().Program)
	assert.Len(t, dev.State().Program.Channels, 1)
}
