// Package logfanout implements the Tenant Manager's layered log delivery:
// every DispatchLog is persisted to the primary sink first, then fanned
// out to whatever per-tenant subscribers are
// currently attached (e.g. a live "tail logs" command), and finally, for
// tenant-visible severities, handed to an outer ErrorReporter that posts
// into the tenant's configured error channel.
//
// Grounded on oriys-nova's internal/eventbus.WorkerPool: a fixed delivery
// pipeline (store first, then fan out to subscribed targets) expressed as
// a small struct with a worker-pool-style Config, generalized here from
// "poll a queue, deliver to N targets" to "write-through, then fan out
// in-process" since log delivery is synchronous with the log() host call
// rather than queued.
package logfanout

import (
	"context"
	"sync"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
)

// ErrorReporter delivers a tenant-visible log entry to wherever the
// tenant configured error reporting: typically a chat message to
// their configured error channel. Implemented by internal/chatapi.
type ErrorReporter interface {
	ReportError(ctx context.Context, tenant domain.TenantID, entry logging.DispatchLog) error
}

// NoopReporter discards every report; used when a tenant has not
// configured an error channel.
type NoopReporter struct{}

func (NoopReporter) ReportError(context.Context, domain.TenantID, logging.DispatchLog) error {
	return nil
}

// FanOut is one tenant's log delivery pipeline.
type FanOut struct {
	primary  logging.Sink
	reporter ErrorReporter

	mu          sync.RWMutex
	subscribers map[int]logging.Sink
	nextID      int
}

// New builds a FanOut backed by primary (persistent storage) and reporter
// (tenant error-channel delivery). Either may be nil; nil primary skips
// persistence, nil reporter is treated as NoopReporter.
func New(primary logging.Sink, reporter ErrorReporter) *FanOut {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &FanOut{primary: primary, reporter: reporter, subscribers: make(map[int]logging.Sink)}
}

// Subscribe attaches sink to receive every future DispatchLog. Returns an
// unsubscribe function; calling it twice is a safe no-op.
func (f *FanOut) Subscribe(sink logging.Sink) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subscribers[id] = sink
	f.mu.Unlock()

	done := false
	return func() {
		if done {
			return
		}
		done = true
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

// Write persists entry, fans it out to every current subscriber, and —
// for Error/Crit severities — hands it to the ErrorReporter. Subscriber
// and reporter failures are logged but never fail the call: a tenant's
// broken log subscriber must not block script execution.
func (f *FanOut) Write(ctx context.Context, entry logging.DispatchLog) error {
	var persistErr error
	if f.primary != nil {
		persistErr = f.primary.Write(ctx, entry)
	}

	f.mu.RLock()
	subs := make([]logging.Sink, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		if err := s.Write(ctx, entry); err != nil {
			logging.Op().Warn("logfanout: subscriber write failed", "error", err)
		}
	}

	if entry.Severity.TenantVisible() {
		if err := f.reporter.ReportError(ctx, domain.TenantID(entry.TenantID), entry); err != nil {
			logging.Op().Warn("logfanout: error reporter failed", "tenant", entry.TenantID, "error", err)
		}
	}

	return persistErr
}
