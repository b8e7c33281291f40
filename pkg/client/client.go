// Package client is a Go client for the quanlan-server JSON-RPC endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// DefaultDeviceID is the device the original rig connects to
const DefaultDeviceID = "390024350033"

// RPCError is an error object returned by the server
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Status mirrors the server's getStatus result
type Status struct {
	DeviceID        string           `json:"deviceId"`
	Connected       bool             `json:"connected"`
	Acquiring       bool             `json:"acquiring"`
	Impedance       bool             `json:"impedance"`
	Stimulating     bool             `json:"stimulating"`
	ProgramChannels []int            `json:"programChannels"`
	Acquisition     *AcquisitionInfo `json:"acquisition,omitempty"`
}

// AcquisitionInfo is the last accepted acquisition configuration
type AcquisitionInfo struct {
	Channels   []int   `json:"channels"`
	SampleRate int     `json:"sampleRate"`
	Range      float64 `json:"range"`
}

// Client calls a quanlan-server over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	token   atomic.Value
	nextID  atomic.Int64
}

// Option configures a Client
type Option func(c *Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets the bearer token sent with every call
func WithToken(token string) Option {
	return func(c *Client) {
		c.token.Store(token)
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:9999
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	c.token.Store("")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges client credentials for a token used by later calls
func (c *Client) Login(ctx context.Context, clientID, secret string) error {
	body, err := json.Marshal(map[string]string{
		"client_id":     clientID,
		"client_secret": secret,
	})
	if err != nil {
		return err
	}

	var resp struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	status, err := c.post(ctx, "/api/v1/auth/token", body, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("login: %s (%d)", resp.Error, status)
	}
	c.token.Store(resp.Token)
	return nil
}

// Call invokes method with params and decodes the result into result, which
// may be nil
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	status, err := c.post(ctx, "/rpc", body, &resp)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, status)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token, _ := c.token.Load().(string); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) callBool(ctx context.Context, method string, params any) (bool, error) {
	var ok bool
	err := c.Call(ctx, method, params, &ok)
	return ok, err
}

// Connect binds the server session to deviceID
func (c *Client) Connect(ctx context.Context, deviceID string, timeout time.Duration) (bool, error) {
	return c.callBool(ctx, "connectDevice", map[string]any{
		"deviceId": deviceID,
		"timeout":  timeout.Seconds(),
	})
}

// IsConnected reports whether the session holds a device
func (c *Client) IsConnected(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "isConnected", nil)
}

// Status returns the session snapshot
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, "getStatus", nil, &st)
	return st, err
}

// SetAcquisitionParameters configures acquisition on the connected device
func (c *Client) SetAcquisitionParameters(ctx context.Context, channels []int, sampleRate int, rng float64) (bool, error) {
	return c.callBool(ctx, "setAcquisitionParameters", map[string]any{
		"channels":    channels,
		"sample_rate": sampleRate,
		"range":       rng,
	})
}

// StartAcquisition starts acquisition
func (c *Client) StartAcquisition(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "startAcquisition", nil)
}

// StopAcquisition stops acquisition
func (c *Client) StopAcquisition(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "stopAcquisition", nil)
}

// StartImpedance starts impedance measurement
func (c *Client) StartImpedance(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "startImpedance", nil)
}

// StopImpedance stops impedance measurement
func (c *Client) StopImpedance(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "stopImpedance", nil)
}

type withUpdate[T any] struct {
	Spec   T
	Update bool
}

func (w withUpdate[T]) MarshalJSON() ([]byte, error) {
	fields, err := json.Marshal(w.Spec)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["update"] = json.RawMessage(fmt.Sprint(w.Update))
	return json.Marshal(m)
}

// SetDCStimulation adds a DC channel to the program
func (c *Client) SetDCStimulation(ctx context.Context, s stimulation.DC, update bool) (bool, error) {
	return c.callBool(ctx, "setDCStimulation", withUpdate[stimulation.DC]{s, update})
}

// SetACStimulation adds an AC channel to the program
func (c *Client) SetACStimulation(ctx context.Context, s stimulation.AC, update bool) (bool, error) {
	return c.callBool(ctx, "setACStimulation", withUpdate[stimulation.AC]{s, update})
}

// SetSquareWaveStimulation adds a square wave channel to the program
func (c *Client) SetSquareWaveStimulation(ctx context.Context, s stimulation.SquareWave, update bool) (bool, error) {
	return c.callBool(ctx, "setSquareWaveStimulation", withUpdate[stimulation.SquareWave]{s, update})
}

// SetPulseStimulation adds a pulse channel to the program
func (c *Client) SetPulseStimulation(ctx context.Context, s stimulation.Pulse, update bool) (bool, error) {
	return c.callBool(ctx, "setPulseStimulation", withUpdate[stimulation.Pulse]{s, update})
}

// ClearStimulationParameters discards the program
func (c *Client) ClearStimulationParameters(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "clearStimulationParameters", nil)
}

// StartStimulation uploads the program and starts it
func (c *Client) StartStimulation(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "startStimulation", nil)
}

// StopStimulation stops stimulation
func (c *Client) StopStimulation(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "stopStimulation", nil)
}
