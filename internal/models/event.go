package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	CallID    string `json:"callId" db:"call_id"`
	Method    string `json:"method" db:"method"`
	Transport string `json:"transport,omitempty" db:"transport"`
	ClientID  string `json:"clientId,omitempty" db:"client_id"`
	DeviceID  string `json:"deviceId,omitempty" db:"device_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`
	LatencyMS   float64    `json:"latencyMs" db:"latency_ms"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	EventTypeRPCCall    EventType = "RPC_CALL"
	EventTypeConnection EventType = "CONNECTION"
	EventTypeProgram    EventType = "PROGRAM"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Result codes stored in EventLog.Code
const (
	CodeOK               = "OK"
	CodeRejected         = "REJECTED"
	CodeDeviceConnection = "DEVICE_CONNECTION"
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeOperation        = "OPERATION"
	CodeInternal         = "INTERNAL"
)
