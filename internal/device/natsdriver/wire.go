// Package natsdriver carries the device driver operations over NATS
// request/reply, so the amplifier can be attached to a different host than
// the RPC front end.
//
// Requests are sent to <prefix>.device.<id>.<op> where op is one of
// device.Ops. The bridge side answers every request with a Reply.
package natsdriver

import (
	"fmt"
	"strings"
	"time"

	"github.com/quanlan-server/quanlan-server/internal/device"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "quanlan"

// Reply is the answer to every driver request
type Reply struct {
	OK       bool   `json:"ok"`
	NotFound bool   `json:"notFound,omitempty"`
	Error    string `json:"error,omitempty"`
}

type connectRequest struct {
	TimeoutMS int64 `json:"timeoutMs"`
}

// RemoteError is a driver failure reported by the bridge
type RemoteError struct {
	DeviceID string
	Op       device.Op
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.DeviceID, e.Op, e.Message)
}

// Subject builds the request subject for a device operation
func Subject(prefix, id string, op device.Op) string {
	return fmt.Sprintf("%s.device.%s.%s", prefix, id, op)
}

// parseSubject splits <prefix>.device.<id>.<op>
func parseSubject(prefix, subject string) (string, device.Op, error) {
	rest := strings.TrimPrefix(subject, prefix+".device.")
	if rest == subject {
		return "", "", fmt.Errorf("unexpected subject %q", subject)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unexpected subject %q", subject)
	}
	return parts[0], device.Op(parts[1]), nil
}

// validID rejects identifiers that cannot be a single subject token
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("empty device id")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("device id %q is not a valid subject token", id)
	}
	return nil
}

func timeoutFromMS(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
