package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanlan-server/quanlan-server/internal/api"
	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/internal/device/sim"
	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/session"
	"github.com/quanlan-server/quanlan-server/pkg/crypto"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

func startServer(t *testing.T, mutate func(cfg *config.Config)) (*httptest.Server, *sim.Driver) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	driver := sim.NewDriver(sim.WithDevices(DefaultDeviceID), sim.WithLogger(zerolog.Nop()))
	s := session.New(driver, session.WithLogger(zerolog.Nop()))
	d := dispatch.New(s, dispatch.WithLogger(zerolog.Nop()))
	srv := api.NewServer(cfg, d, nil, api.WithLogger(zerolog.Nop()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, driver
}

func TestPulseConversions(t *testing.T) {
	dc := DCPulse{Amplitude: 500, Duration: 2000}.Spec(3)
	assert.Equal(t, stimulation.DC{Base: stimulation.Base{Channel: 3, Current: 0.5, Duration: 2}}, dc)

	ac := ACPulse{Amplitude: 100, Duration: 1000, Frequency: 10, Phase: 0.25}.Spec(1)
	assert.Equal(t, 90, ac.Phase)
	assert.Equal(t, 0.1, ac.Current)
	assert.Equal(t, 0, ACPulse{Phase: 1}.Spec(0).Phase)

	sw := SWPulse{Amplitude: 250, Duration: 500, Frequency: 20, Duty: 0.4}.Spec(2)
	assert.Equal(t, 0.25, sw.Current)
	assert.Equal(t, 0.5, sw.Duration)
	assert.Equal(t, 0.4, sw.Duty)

	bp := BiPhasicPulse{Amplitude: 50, Duration: 100, Frequency: 200, PulseWidth: 0.2, InterPhaseInterval: 0.05}.Spec(4)
	assert.Equal(t, 200, bp.PulseWidth)
	assert.Equal(t, 50, bp.PulseInterval)
	assert.Equal(t, 1.0, bp.PulseWidthRatio)
	assert.Equal(t, 0.05, bp.Current)
	assert.Equal(t, 0.1, bp.Duration)
	require.NoError(t, bp.Validate(stimulation.DefaultLimits))
}

func TestClientSession(t *testing.T) {
	ts, driver := startServer(t, nil)
	c := New(ts.URL + "/")
	ctx := context.Background()

	ok, err := c.StartAcquisition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Connect(ctx, DefaultDeviceID, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsConnected(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetAcquisitionParameters(ctx, []int{0, 1, 2, 3}, 1000, 188)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, fn := range []func(context.Context) (bool, error){c.StartAcquisition, c.StartImpedance, c.StopImpedance} {
		ok, err = fn(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err = c.SetBiPhasicPulse(ctx, 1, BiPhasicPulse{Amplitude: 50, Duration: 100, Frequency: 200, PulseWidth: 0.2})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetACPulse(ctx, 2, ACPulse{Amplitude: 100, Duration: 100, Frequency: 10, Phase: 0.5})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetSWPulse(ctx, 3, SWPulse{Amplitude: 100, Duration: 100, Frequency: 10, Duty: 0.5})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetDCPulse(ctx, 4, DCPulse{Amplitude: 100, Duration: 100})
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceID, st.DeviceID)
	assert.True(t, st.Acquiring)
	assert.Equal(t, []int{1, 2, 3, 4}, st.ProgramChannels)
	require.NotNil(t, st.Acquisition)
	assert.Equal(t, 1000, st.Acquisition.SampleRate)

	ok, err = c.StartStimulation(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	dev, _ := driver.Device(DefaultDeviceID)
	program := dev.State().Program
	require.NotNil(t, program)
	assert.Len(t, program.Channels, 4)

	for _, fn := range []func(context.Context) (bool, error){c.StopStimulation, c.ClearStimulationParameters, c.StopAcquisition} {
		ok, err = fn(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestClientErrors(t *testing.T) {
	ts, _ := startServer(t, nil)
	c := New(ts.URL)
	ctx := context.Background()

	_, err := c.Connect(ctx, "missing", time.Second)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dispatch.CodeDeviceConnection, rpcErr.Code)

	_, err = c.SetDCStimulation(ctx, stimulation.DC{Base: stimulation.Base{Channel: 1, Duration: -1}}, false)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dispatch.CodeInvalidParams, rpcErr.Code)

	ok, err := c.SetDCStimulation(ctx, stimulation.DC{Base: stimulation.Base{Channel: 1, Duration: 1}}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = c.SetDCStimulation(ctx, stimulation.DC{Base: stimulation.Base{Channel: 1, Duration: 1}}, false)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dispatch.CodeOperation, rpcErr.Code)

	ok, err = c.SetDCStimulation(ctx, stimulation.DC{Base: stimulation.Base{Channel: 1, Duration: 2}}, true)
	require.NoError(t, err)
	assert.True(t, ok)

	err = c.Call(ctx, "reboot", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dispatch.CodeMethodNotFound, rpcErr.Code)
}

func TestClientLogin(t *testing.T) {
	hash, err := crypto.HashSecret("pw")
	require.NoError(t, err)
	ts, _ := startServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "key"
		cfg.Auth.Clients = []config.ClientConfig{{ID: "rig", SecretHash: hash}}
	})
	ctx := context.Background()

	c := New(ts.URL)
	_, err = c.IsConnected(ctx)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dispatch.CodeUnauthorized, rpcErr.Code)

	assert.Error(t, c.Login(ctx, "rig", "wrong"))
	require.NoError(t, c.Login(ctx, "rig", "pw"))

	ok, err := c.IsConnected(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithUpdateMarshal(t *testing.T) {
	data, err := json.Marshal(withUpdate[stimulation.SquareWave]{
		Spec:   stimulation.SquareWave{Base: stimulation.Base{Channel: 2}, Frequency: 5, Duty: 0.5},
		Update: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":2,"current":0,"duration":0,"rampUp":0,"rampDown":0,"frequency":5,"duty":0.5,"update":true}`, string(data))
}

func TestClientTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer ts.Close()

	_, err := New(ts.URL, WithHTTPClient(ts.Client()), WithToken("t")).IsConnected(context.Background())
	assert.Error(t, err)
}
