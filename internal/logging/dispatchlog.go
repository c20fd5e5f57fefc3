package logging

import (
	"context"
	"time"
)

// Severity mirrors the tenant-visible log levels: only Error and Crit
// produce tenant channel messages, Warn/Info are operational-only.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityCrit
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityCrit:
		return "CRIT"
	default:
		return "INFO"
	}
}

// TenantVisible reports whether this severity is reported to a tenant's
// error channel. Log subscribers receive every severity.
func (s Severity) TenantVisible() bool {
	return s == SeverityError || s == SeverityCrit
}

// DispatchLog is one structured record of a script's runtime behavior:
// a log() host call, an uncaught JS error, or a lifecycle event like a
// runaway shutdown.
type DispatchLog struct {
	Timestamp time.Time
	TenantID  uint64
	ScriptID  uint64
	Severity  Severity
	Message   string
	File      string
	Line      int
	Column    int
}

// Sink persists DispatchLog entries, matching oriys-nova's logsink
// pattern of a pluggable sink behind the invocation/request logger. No
// persistent implementation ships in this repository; the daemon runs
// without one.
type Sink interface {
	Write(ctx context.Context, entry DispatchLog) error
}

// NoopSink discards everything; useful in tests that only care about the
// in-process log-subscriber fan-out, not persistence.
type NoopSink struct{}

func (NoopSink) Write(context.Context, DispatchLog) error { return nil }
