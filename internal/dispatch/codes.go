package dispatch

import (
	"errors"

	"github.com/quanlan-server/quanlan-server/internal/session"
)

// JSON-RPC error codes shared by every transport
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeDeviceConnection = -32010
	CodeOperation        = -32011
	CodeUnauthorized     = -32020
	CodeRateLimited      = -32029
)

// ErrUnknownMethod is returned by Call for a method that is not registered
var ErrUnknownMethod = errors.New("method not found")

// Code maps an error returned by Call to its JSON-RPC code
func Code(err error) int {
	if errors.Is(err, ErrUnknownMethod) {
		return CodeMethodNotFound
	}
	switch session.Kind(err) {
	case session.ErrInvalidParameter:
		return CodeInvalidParams
	case session.ErrDeviceConnection:
		return CodeDeviceConnection
	case session.ErrOperation:
		return CodeOperation
	default:
		return CodeInternal
	}
}
