package config

import "time"

// Application metadata.
const (
	AppName = "ghost"
	Version = "0.3.0"
)

// Logging defaults.
const (
	LogLevel  = "info"
	LogFormat = "console"
)

// Concurrency settings.
const (
	MaxWorkers = 5
)

// Circuit breaker defaults.
const (
	BreakerMaxFailures  = 3
	BreakerResetTimeout = 15 * time.Second
)

// Bus timing defaults.
const (
	OutboxFlushInterval  = 30 * time.Second
	ConnectionCheckEvery = 30 * time.Second
	BusPingTimeout       = 1 * time.Second
	BusDegradedThreshold = 1 * time.Second
)

// Default message TTLs by priority.
const (
	TTLLow      = 1 * time.Hour
	TTLNormal   = 6 * time.Hour
	TTLHigh     = 24 * time.Hour
	TTLCritical = 7 * 24 * time.Hour
)

// Connection tracker defaults.
const (
	HealthCheckInterval = 30 * time.Second
	UnhealthyMultiplier = 2
	StopMultiplier      = 5
)

// Supervisor timing defaults.
const (
	StartGrace            = 5 * time.Second
	StopGracePeriod       = 10 * time.Second
	WatchDebounce         = 500 * time.Millisecond
	RestartWindow         = 5 * time.Minute
	RestartMaxDelay       = 30 * time.Second
	RestartJitterMin      = 0.75
	RestartJitterMax      = 1.25
	DefaultMaxRestarts    = 10
	DefaultRestartDelayMs = 500
	PersistRetryAttempts  = 3
	PersistRetryDelay     = 100 * time.Millisecond

	// HeartbeatTimeout is how long a Running process may go without a
	// heartbeat before it is marked Warning; WarningTimeout is how long it
	// may stay Warning before being marked Crashed. Both mirror
	// HealthCheckInterval's magnitude since each gates on a missed
	// periodic signal.
	HeartbeatTimeout = 15 * time.Second
	WarningTimeout   = 15 * time.Second
)

// Daemon shell tick schedule.
const (
	TickInterval        = 1 * time.Second
	MetricsTickEvery    = 5 * time.Second
	CheckpointTickEvery = 5 * time.Second
)

// App runtime hook defaults.
const (
	MetricsInterval = 5 * time.Second
)

// Command processor defaults.
const (
	CommandHandlerTimeout = 30 * time.Second
)

// Connection-open retry policy.
const (
	ConnectDialTimeout = 5 * time.Second
	ConnectMaxRetries  = 5
)

// Bus topic names.
const (
	TopicCommands  = "ghost:commands"
	TopicResponses = "ghost:responses"
)

// TopicMetrics returns the per-process metrics topic for id.
func TopicMetrics(id string) string { return "ghost:metrics:" + id }

// TopicEvents returns the per-process lifecycle/log topic for id.
func TopicEvents(id string) string { return "ghost:events:" + id }

// TopicCommandsFor returns the targeted command topic for a managed app id.
func TopicCommandsFor(id string) string { return "ghost:commands:" + id }
