package hostcalls

import (
	"context"
	"sync"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/store"
)

// ChatAPI is the outbound Discord-shaped collaborator a tenant's host calls
// are bridged to. internal/chatapi provides the
// concrete implementation; this package only depends on the interface so
// tests can supply a fake.
type ChatAPI interface {
	GetGuild(ctx context.Context, tenant domain.TenantID) (any, error)
	GetChannel(ctx context.Context, tenant domain.TenantID, channelID uint64) (any, error)
	GetChannels(ctx context.Context, tenant domain.TenantID) (any, error)
	GetRole(ctx context.Context, tenant domain.TenantID, roleID uint64) (any, error)
	GetRoles(ctx context.Context, tenant domain.TenantID) (any, error)
	GetMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) (any, error)
	GetMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, limit int) (any, error)
	CreateMessage(ctx context.Context, tenant domain.TenantID, channelID uint64, body any) (any, error)
	EditMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64, body any) (any, error)
	DeleteMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) error
	BulkDeleteMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, messageIDs []uint64) error
	CreateFollowupMessage(ctx context.Context, tenant domain.TenantID, interactionToken string, body any) (any, error)
}

// State is the ambient per-isolate state the host-call bridge closes over:
// the tenant this isolate belongs to, its collaborators, and the mutable
// bits (quota cache, pending event queue) that persist across many calls
// into the same isolate. ResetQuota clears the quota cache; the pending
// event queue is kept.
type State struct {
	Tenant  domain.TenantID
	Script  domain.ScriptID
	Chat    ChatAPI
	Buckets store.BucketStore
	Logs    logging.Sink

	quota *quotaGate

	mu     sync.Mutex
	events []domain.DispatchEvent

	// OnScriptStart, when set, is invoked by the script_start host call
	// with the contribs the script declared. The
	// Tenant Manager sets this to record commands/timers before the
	// script's first dispatch completes.
	OnScriptStart func(ctx context.Context, contribs domain.ScriptContribs) error

	// OnTimerUpdate, when set, is invoked by the set_interval_timer host
	// call to persist a script's declared interval timer schedule and
	// register it with the interval-timer cron loop.
	OnTimerUpdate func(ctx context.Context, t store.IntervalTimer) error

	// OnTimerDelete, when set, is invoked by the del_interval_timer host
	// call to remove a previously-declared interval timer.
	OnTimerDelete func(ctx context.Context, script domain.ScriptID, name string) error
}

// NewState builds the ambient state for one isolate. quotaBatch/quotaMax
// configure the storage quota gate; quotaMax is the tenant's total
// storage budget in bytes.
func NewState(tenant domain.TenantID, script domain.ScriptID, chat ChatAPI, buckets store.BucketStore, logs logging.Sink, quotaBatch int64, quotaMax int64) *State {
	if logs == nil {
		logs = logging.NoopSink{}
	}
	return &State{
		Tenant:  tenant,
		Script:  script,
		Chat:    chat,
		Buckets: buckets,
		Logs:    logs,
		quota:   newQuotaGate(buckets, quotaBatch, quotaMax),
	}
}

// PushEvent enqueues an event for the next_event host call to drain. Called by the Tenant Manager / Event Router when an
// external event is routed to this isolate.
func (s *State) PushEvent(ev domain.DispatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// PopEvent removes and returns the oldest pending event, if any.
func (s *State) PopEvent() (domain.DispatchEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return domain.DispatchEvent{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

// ResetQuota clears the cached storage quota allowance, called from the
// isolate Reset path.
func (s *State) ResetQuota() {
	s.quota.Reset()
}

// waitForEvent blocks until an event is pending or ctx is done, polling at
// a short interval. next_event is the one host call that legitimately
// suspends a script's event loop awaiting external input, so the poll
// interval trades a little latency for not needing a condition variable
// threaded through the v8go callback boundary.
func (s *State) waitForEvent(ctx context.Context) (domain.DispatchEvent, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ev, ok := s.PopEvent(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return domain.DispatchEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
