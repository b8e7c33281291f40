package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/internal/device/sim"
	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/models"
	"github.com/quanlan-server/quanlan-server/internal/session"
	"github.com/quanlan-server/quanlan-server/internal/storage"
	"github.com/quanlan-server/quanlan-server/pkg/crypto"
)

type testEnv struct {
	server *Server
	store  *storage.MemoryStore
	calls  []*dispatch.Call
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config), opts ...Option) *testEnv {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{store: storage.NewMemoryStore(100)}
	driver := sim.NewDriver(sim.WithDevices("DEV1"), sim.WithLogger(zerolog.Nop()))
	s := session.New(driver, session.WithLogger(zerolog.Nop()))
	d := dispatch.New(s,
		dispatch.WithLogger(zerolog.Nop()),
		dispatch.WithObserver(dispatch.ObserverFunc(func(_ context.Context, c *dispatch.Call) {
			env.calls = append(env.calls, c)
		})),
	)

	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	env.server = NewServer(cfg, d, env.store, opts...)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcReply {
	t.Helper()
	var reply rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply), rec.Body.String())
	return reply
}

func TestRPCConnectAndStatus(t *testing.T) {
	env := newTestServer(t, nil)

	rec := env.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"2.0","id":1,"method":"connectDevice","params":{"deviceId":"DEV1","timeout":10}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decodeRPC(t, rec)
	assert.Equal(t, "2.0", reply.JSONRPC)
	assert.JSONEq(t, "1", string(reply.ID))
	assert.JSONEq(t, "true", string(reply.Result))
	assert.Nil(t, reply.Error)

	require.Len(t, env.calls, 1)
	assert.Equal(t, "http", env.calls[0].Transport)

	rec = env.do(t, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Connected)
	assert.Equal(t, "DEV1", status.DeviceID)
}

func TestRPCFalseResultIsEncoded(t *testing.T) {
	env := newTestServer(t, nil)

	rec := env.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"2.0","id":"a","method":"startAcquisition"}`, nil)
	reply := decodeRPC(t, rec)
	assert.Nil(t, reply.Error)
	assert.JSONEq(t, "false", string(reply.Result))
}

func TestRPCErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, dispatch.CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"isConnected"}`, dispatch.CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, dispatch.CodeInvalidRequest},
		{"trailing data", `{"jsonrpc":"2.0","id":1,"method":"isConnected"} {}`, dispatch.CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"reboot"}`, dispatch.CodeMethodNotFound},
		{"invalid params", `{"jsonrpc":"2.0","id":1,"method":"setDCStimulation","params":{"channel":"x"}}`, dispatch.CodeInvalidParams},
		{"device not found", `{"jsonrpc":"2.0","id":1,"method":"connectDevice","params":{"deviceId":"nope"}}`, dispatch.CodeDeviceConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, nil)
			rec := env.do(t, http.MethodPost, "/rpc", tt.body, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			reply := decodeRPC(t, rec)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
			assert.Empty(t, reply.Result)
		})
	}
}

func TestRPCBodyTooLarge(t *testing.T) {
	env := newTestServer(t, func(cfg *config.Config) {
		cfg.RPC.MaxBodyBytes = 32
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"isConnected","params":"` + strings.Repeat("x", 64) + `"}`
	rec := env.do(t, http.MethodPost, "/rpc", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRPCRateLimit(t *testing.T) {
	env := newTestServer(t, func(cfg *config.Config) {
		cfg.RPC.RateLimitRPS = 0.001
		cfg.RPC.RateLimitBurst = 2
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"isConnected"}`
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/rpc", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/rpc", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	reply := decodeRPC(t, rec)
	require.NotNil(t, reply.Error)
	assert.Equal(t, dispatch.CodeRateLimited, reply.Error.Code)
}

func TestAuthFlow(t *testing.T) {
	hash, err := crypto.HashSecret("s3cret")
	require.NoError(t, err)

	env := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "signing-key"
		cfg.Auth.Clients = []config.ClientConfig{{ID: "lab", SecretHash: hash}}
	})

	rpcBody := `{"jsonrpc":"2.0","id":1,"method":"isConnected"}`

	rec := env.do(t, http.MethodPost, "/rpc", rpcBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	reply := decodeRPC(t, rec)
	require.NotNil(t, reply.Error)
	assert.Equal(t, dispatch.CodeUnauthorized, reply.Error.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", `{"client_id":"lab","client_secret":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", `{"client_id":"lab"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", `{"client_id":"lab","client_secret":"s3cret"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var token TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, token.ExpiresAt.After(time.Now()))

	bearer := map[string]string{"Authorization": "Bearer " + token.Token}
	rec = env.do(t, http.MethodPost, "/rpc", rpcBody, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	reply = decodeRPC(t, rec)
	assert.Nil(t, reply.Error)

	require.Len(t, env.calls, 1)
	assert.Equal(t, "lab", env.calls[0].ClientID)

	rec = env.do(t, http.MethodGet, "/api/v1/status", "", map[string]string{"Authorization": "Token " + token.Token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenRouteAbsentWithoutAuth(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/token", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMethods(t *testing.T) {
	env := newTestServer(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = env.do(t, http.MethodGet, "/api/v1/methods", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Methods, "startStimulation")
	assert.Len(t, body.Methods, 15)
}

func TestListEvents(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, m := range []string{"connectDevice", "startAcquisition", "startAcquisition"} {
		level := models.EventLevelInfo
		if i == 2 {
			level = models.EventLevelError
		}
		require.NoError(t, env.store.CreateEventLog(ctx, &models.EventLog{
			ID:        uuid.New(),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Method:    m,
			DeviceID:  "DEV1",
			Type:      models.EventTypeRPCCall,
			Level:     level,
			Code:      models.CodeOK,
		}))
	}

	var page struct {
		Events []*models.EventLog `json:"events"`
		Total  int64              `json:"total"`
		Limit  int                `json:"limit"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/events?method=startAcquisition", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, defaultEventLimit, page.Limit)

	rec = env.do(t, http.MethodGet, "/api/v1/events?level=error&device=DEV1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, models.EventLevelError, page.Events[0].Level)

	rec = env.do(t, http.MethodGet, "/api/v1/events?limit=1&offset=1", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Events, 1)

	for _, q := range []string{"limit=x", "limit=0", "offset=-1", "since=yesterday"} {
		rec = env.do(t, http.MethodGet, "/api/v1/events?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("quanlan_up 1\n"))
	})
	env := newTestServer(t, nil, WithMetricsHandler(metrics))

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quanlan_up")

	bare := newTestServer(t, nil)
	rec = bare.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientLimiter(t *testing.T) {
	assert.Nil(t, newClientLimiter(0, 1, time.Minute))
	var disabled *clientLimiter
	assert.True(t, disabled.Allow("x", time.Now()))

	l := newClientLimiter(1, 1, time.Second)
	now := time.Now()
	assert.True(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now))
	assert.True(t, l.Allow("b", now))
	assert.True(t, l.Allow("a", now.Add(time.Second)))

	later := now.Add(time.Hour)
	for i := 0; i < 256; i++ {
		l.Allow("c", later)
	}
	assert.Equal(t, 1, l.size())
}
