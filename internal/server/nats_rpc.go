// Package server exposes the dispatcher on NATS request/reply subjects.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
)

// ClientHeader carries the caller's client id on NATS requests
const ClientHeader = "Quanlan-Client"

// Reply is the body answered on <prefix>.rpc.<method>
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// ReplyError mirrors a JSON-RPC error object
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Caller executes one named call
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// RPCSubscriber serves RPC calls received on NATS
type RPCSubscriber struct {
	nc      *nats.Conn
	caller  Caller
	prefix  string
	queue   string
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures an RPCSubscriber
type Option func(s *RPCSubscriber)

// WithQueueGroup load balances calls across subscribers in group
func WithQueueGroup(group string) Option {
	return func(s *RPCSubscriber) {
		s.queue = group
	}
}

// WithCallTimeout bounds each call
func WithCallTimeout(d time.Duration) Option {
	return func(s *RPCSubscriber) {
		s.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *RPCSubscriber) {
		s.logger = logger
	}
}

// NewRPCSubscriber creates a subscriber. nc may be nil when only Handle is used.
func NewRPCSubscriber(nc *nats.Conn, caller Caller, prefix string, opts ...Option) *RPCSubscriber {
	if prefix == "" {
		prefix = "quanlan"
	}
	s := &RPCSubscriber{
		nc:      nc,
		caller:  caller,
		prefix:  prefix,
		timeout: time.Minute,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the subject a method is called on
func (s *RPCSubscriber) Subject(method string) string {
	return s.prefix + ".rpc." + method
}

// Start subscribes and blocks until ctx is done
func (s *RPCSubscriber) Start(ctx context.Context) error {
	subject := s.prefix + ".rpc.*"
	handler := func(msg *nats.Msg) {
		s.handleMsg(ctx, msg)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.nc.QueueSubscribe(subject, s.queue, handler)
	} else {
		sub, err = s.nc.Subscribe(subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe rpc: %w", err)
	}

	s.logger.Info().
		Str("subject", subject).
		Str("queue", s.queue).
		Msg("NATS RPC subscriber started")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drain RPC subscription")
	}
	return ctx.Err()
}

func (s *RPCSubscriber) handleMsg(ctx context.Context, msg *nats.Msg) {
	var clientID string
	if msg.Header != nil {
		clientID = msg.Header.Get(ClientHeader)
	}

	data, err := json.Marshal(s.Handle(ctx, msg.Subject, clientID, msg.Data))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal RPC reply")
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
	}
}

// Handle runs the call addressed by subject and builds its reply. A panic in
// the call is answered as an internal error.
func (s *RPCSubscriber) Handle(ctx context.Context, subject, clientID string, data []byte) (reply Reply) {
	method := strings.TrimPrefix(subject, s.prefix+".rpc.")
	if method == subject || method == "" || strings.Contains(method, ".") {
		return Reply{Error: &ReplyError{Code: dispatch.CodeInvalidRequest, Message: "invalid subject " + subject}}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("method", method).Msg("RPC call panicked")
			reply = Reply{Error: &ReplyError{Code: dispatch.CodeInternal, Message: "internal error"}}
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = dispatch.WithOrigin(ctx, "nats", clientID)

	if len(data) > 0 && !json.Valid(data) {
		return Reply{Error: &ReplyError{Code: dispatch.CodeParseError, Message: "parse error"}}
	}

	result, err := s.caller.Call(ctx, method, data)
	if err != nil {
		return Reply{Error: &ReplyError{Code: dispatch.Code(err), Message: err.Error()}}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return Reply{Error: &ReplyError{Code: dispatch.CodeInternal, Message: err.Error()}}
	}

	s.logger.Debug().
		Str("method", method).
		Str("client_id", clientID).
		RawJSON("result", encoded).
		Msg("NATS RPC handled")
	return Reply{Result: encoded}
}
