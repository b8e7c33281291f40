// Package integration forwards completed calls to NATS and MQTT subscribers.
package integration

import (
	"time"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
)

// Event is the payload published for every completed call
type Event struct {
	CallID    string    `json:"callId"`
	Method    string    `json:"method"`
	Transport string    `json:"transport,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Outcome   string    `json:"outcome"`
	Params    any       `json:"params,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMS float64   `json:"latencyMs"`
}

// Error describes a failed call
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EventFromCall builds the published event for call
func EventFromCall(call *dispatch.Call) *Event {
	e := &Event{
		CallID:    call.ID,
		Method:    call.Method,
		Transport: call.Transport,
		ClientID:  call.ClientID,
		DeviceID:  call.DeviceID,
		Outcome:   call.Outcome(),
		Params:    call.Params,
		Result:    call.Result,
		Timestamp: call.Started,
		LatencyMS: float64(call.Latency.Microseconds()) / 1000,
	}
	if call.Err != nil {
		e.Error = &Error{Code: dispatch.Code(call.Err), Message: call.Err.Error()}
	}
	return e
}
