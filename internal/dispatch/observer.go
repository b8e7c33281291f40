package dispatch

import (
	"context"
	"time"
)

// Call describes one dispatched call after it completed
type Call struct {
	ID        string
	Method    string
	Transport string
	ClientID  string
	DeviceID  string
	Params    any
	Result    any
	Err       error
	Started   time.Time
	Latency   time.Duration
}

// Outcomes of a call
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Outcome classifies the call: an error, a false result, or success
func (c *Call) Outcome() string {
	if c.Err != nil {
		return OutcomeError
	}
	if ok, isBool := c.Result.(bool); isBool && !ok {
		return OutcomeRejected
	}
	return OutcomeOK
}

// Observer is notified after every call. Observe runs on the caller's
// goroutine and must not block.
type Observer interface {
	Observe(ctx context.Context, call *Call)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, call *Call)

// Observe implements Observer
func (f ObserverFunc) Observe(ctx context.Context, call *Call) {
	f(ctx, call)
}

type originKey struct{}

type origin struct {
	transport string
	clientID  string
}

// WithOrigin records the transport and authenticated client of a call
func WithOrigin(ctx context.Context, transport, clientID string) context.Context {
	return context.WithValue(ctx, originKey{}, origin{transport: transport, clientID: clientID})
}

func originFrom(ctx context.Context) (string, string) {
	o, _ := ctx.Value(originKey{}).(origin)
	return o.transport, o.clientID
}
