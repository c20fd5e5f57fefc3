// Package domain defines the core data types shared across the runtime:
// scripts, their attachment contexts, tenant state, and the isolate
// bookkeeping types that the scheduler and watchdog coordinate over.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

// MaxScriptNameLen is the longest a script's human name may be.
const MaxScriptNameLen = 32

// MaxScriptSourceBytes bounds the original source text of a script.
const MaxScriptSourceBytes = 100 * 1024

var scriptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ScriptID and TenantID are 64-bit platform identifiers (see GLOSSARY).
type ScriptID uint64
type TenantID uint64

// ScriptContribs describes what a script declared at script_start time:
// slash commands and interval timers it wants dispatched to it.
type ScriptContribs struct {
	Commands []string
	Timers   []string
}

// Script is a single tenant-authored program: original source, the
// compiled JS the compiler produced for it, and its enabled state.
//
// Mutable only by the Tenant Manager via Store. A disabled script is
// never loaded (see loadableScripts and UpdateScript in tenantmgr).
type Script struct {
	ID         ScriptID
	TenantID   TenantID
	Name       string
	Source     string
	CompiledJS string
	SourceMap  string
	Enabled    bool
	Contribs   ScriptContribs
	UpdatedAt  time.Time
}

// Validate checks the structural invariants on Script (name charset/length,
// source size). It does not check uniqueness, which is a store concern.
func (s *Script) Validate() error {
	if s.Name == "" || len(s.Name) > MaxScriptNameLen {
		return fmt.Errorf("domain: script name must be 1-%d chars", MaxScriptNameLen)
	}
	if !scriptNamePattern.MatchString(s.Name) {
		return fmt.Errorf("domain: script name %q contains invalid characters", s.Name)
	}
	if len(s.Source) > MaxScriptSourceBytes {
		return fmt.Errorf("domain: script source exceeds %d bytes", MaxScriptSourceBytes)
	}
	return nil
}

// ScriptContextKind discriminates the kinds of attachment context a script
// can be loaded under.
type ScriptContextKind int

const (
	ContextGuild ScriptContextKind = iota
	ContextChannel
	ContextRole
)

func (k ScriptContextKind) String() string {
	switch k {
	case ContextGuild:
		return "guild"
	case ContextChannel:
		return "channel"
	case ContextRole:
		return "role"
	default:
		return "unknown"
	}
}

// ScriptContext namespaces a script attachment. Two attachments of the
// same script under different contexts are distinct modules (see
// ContextScript and the Module Loader's per-tenant specifier scheme).
type ScriptContext struct {
	Kind ScriptContextKind
	ID   uint64 // meaningful for Channel/Role, zero for Guild
}

// ModuleSuffix returns the path fragment used to build this context's
// module specifier, e.g. "guild" or "channel/123".
func (c ScriptContext) ModuleSuffix() string {
	switch c.Kind {
	case ContextGuild:
		return "guild"
	case ContextChannel:
		return fmt.Sprintf("channel/%d", c.ID)
	case ContextRole:
		return fmt.Sprintf("role/%d", c.ID)
	default:
		return "unknown"
	}
}

// ContextScript pairs a Script with the ScriptContext it is attached
// under.
type ContextScript struct {
	Script  Script
	Context ScriptContext
}

// IsolateRole distinguishes a tenant's single main isolate from its
// auxiliary pack isolates (see GLOSSARY "Pack isolate").
type IsolateRole int

const (
	RoleMain IsolateRole = iota
	RolePack
)

// IsolateStatus is the lifecycle state of one isolate slot.
type IsolateStatus int

const (
	Stopped IsolateStatus = iota
	Running
)

func (s IsolateStatus) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// ShutdownReason records why an isolate stopped running, surfaced in the
// tenant's error-channel shutdown message.
type ShutdownReason int

const (
	ShutdownNone ShutdownReason = iota
	ShutdownRequested                 // explicit Unload/Restart/Terminate
	ShutdownRunawayScript             // watchdog-forced interrupt
	ShutdownResourceExhausted         // heap limit exceeded
	ShutdownInternal                  // unexpected panic/bug
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownRequested:
		return "Requested"
	case ShutdownRunawayScript:
		return "RunawayScript"
	case ShutdownResourceExhausted:
		return "ResourceExhausted"
	case ShutdownInternal:
		return "Internal"
	default:
		return "None"
	}
}

// DispatchEvent is the payload form delivered to JS via next_event: a
// short stable name tag plus an opaque JSON-marshalable payload.
type DispatchEvent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Well-known dispatch names.
const (
	EventMessageCreate      = "MESSAGE_CREATE"
	EventMessageUpdate      = "MESSAGE_UPDATE"
	EventMessageDelete      = "MESSAGE_DELETE"
	EventCommandInteraction = "COMMAND_INTERACTION"
	EventIntervalTimerFired = "BOTLOADER_INTERVAL_TIMER_FIRED"
)
