// Package model holds the domain types shared across Ghost's
// components: process registration/runtime records, the bus envelope,
// and managed-app connection state. Keeping these in one leaf package
// avoids import cycles between store, bus, tracker, and supervisor.
package model

import "time"

// ProcessType enumerates how a managed process is expected to behave.
type ProcessType string

const (
	TypeApp     ProcessType = "app"
	TypeService ProcessType = "service"
	TypeDaemon  ProcessType = "daemon"
	TypeWrapped ProcessType = "wrapped"
)

// Status is a ProcessInfo lifecycle state.
type Status string

const (
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusFailed   Status = "Failed"
	StatusCrashed  Status = "Crashed"
	StatusWarning  Status = "Warning"
)

// ValidStatus reports whether s is one of the enumerated statuses.
// Readers treat unknown persisted status strings as Warning and raise
// a non-fatal diagnostic rather than rejecting the row outright.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed, StatusCrashed, StatusWarning:
		return true
	default:
		return false
	}
}

// AppType distinguishes long-running services from one-shot runs,
// carried in ProcessRegistration.Configuration["AppType"].
type AppType string

const (
	AppTypeOneShot AppType = "one-shot"
	AppTypeService AppType = "service"
)

// ProcessRegistration is the immutable-once-accepted input describing a
// managed process.
type ProcessRegistration struct {
	Id               string
	Name             string
	Type             ProcessType
	Version          string
	ExecutablePath   string
	Arguments        []string
	WorkingDirectory string
	Environment      map[string]string
	Configuration    map[string]string

	// Tier is an optional free-form grouping label used only for
	// discovery and reporting; it never affects the lifecycle state
	// machine or restart policy.
	Tier string
}

// ConfigBool reads a boolean-valued recognized Configuration key,
// defaulting to def if absent or unparsable.
func (r ProcessRegistration) ConfigBool(key string, def bool) bool {
	v, ok := r.Configuration[key]
	if !ok {
		return def
	}

	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

// ConfigInt reads an integer-valued recognized Configuration key,
// defaulting to def if absent or unparsable.
func (r ProcessRegistration) ConfigInt(key string, def int) int {
	v, ok := r.Configuration[key]
	if !ok || v == "" || v == "-" {
		return def
	}

	n := 0
	neg := false

	for i, c := range v {
		if i == 0 && c == '-' {
			neg = true
			continue
		}

		if c < '0' || c > '9' {
			return def
		}

		n = n*10 + int(c-'0')
	}

	if neg {
		n = -n
	}

	return n
}

// ProcessMetrics is a point-in-time resource snapshot reported by a
// managed app or collected for the daemon itself.
type ProcessMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemPercent  float64
	Threads     int
	GCPauseNs   uint64
	HandleCount int
	Timestamp   time.Time
}

// ProcessInfo is the runtime record for a registered process.
type ProcessInfo struct {
	ProcessRegistration

	Status        Status
	OsPid         int
	StartedAt     time.Time
	LastHeartbeat time.Time
	RestartCount  int
	LastExitCode  int
	LastMetrics   ProcessMetrics

	// Tags are free-form key/value labels surfaced in status queries;
	// they carry no lifecycle meaning.
	Tags map[string]string
}

// EventType enumerates ProcessEvent categories.
type EventType string

const (
	EventLifecycle EventType = "lifecycle"
	EventMetrics   EventType = "metrics"
	EventLog       EventType = "log"
	EventError     EventType = "error"
)

// ProcessEvent is an append-only record in the process event stream.
type ProcessEvent struct {
	ProcessId string
	EventType EventType
	Payload   []byte
	Timestamp time.Time
}

// Priority is a Message's delivery priority, determining its default TTL.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Message is the bus envelope.
type Message struct {
	Id        string
	Channel   string
	Priority  Priority
	CreatedAt time.Time
	ExpiresAt time.Time
	TypeTag   string
	Payload   []byte
}

// ConnectionStatus is an AppConnection's liveness state.
type ConnectionStatus string

const (
	ConnConnecting ConnectionStatus = "Connecting"
	ConnRunning    ConnectionStatus = "Running"
	ConnUnhealthy  ConnectionStatus = "Unhealthy"
	ConnStopped    ConnectionStatus = "Stopped"
)

// AppConnection tracks a managed app's liveness.
type AppConnection struct {
	Id          string
	Metadata    ProcessRegistration
	Status      ConnectionStatus
	LastSeen    time.Time
	LastMetrics ProcessMetrics
	IsDaemon    bool
}

// SystemCommand is an inbound RPC request on ghost:commands.
type SystemCommand struct {
	CommandId       string
	CommandType     string
	TargetProcessId string
	Parameters      map[string]string
	Data            []byte
}

// CommandResponse is the RPC reply published back to the caller.
type CommandResponse struct {
	CommandId string
	Success   bool
	Error     string
	Data      []byte
	Timestamp time.Time
}
