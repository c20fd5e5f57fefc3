// Package vmscheduler implements the Cooperative Thread Scheduler:
// a single dedicated OS thread that multiplexes many per-tenant isolates,
// polling each one in turn rather than giving each its own thread. The
// watchdog (internal/watchdog) observes CurrentRunning to detect a script
// that never yields back.
//
// # Concurrency model
//
// Scheduler pins its run loop to one OS thread via runtime.LockOSThread,
// matching v8go's requirement that an isolate only ever be entered from
// the thread that created it. StartVM/StopVM/Ping are safe to call from
// any goroutine; they communicate with the run loop over channels rather
// than touching scheduler state directly.
//
// Grounded on oriys-nova's internal/pool package doc-comment structure
// (concurrency model / invariants sections) adapted from "one goroutine
// per warm VM" to "one thread serially polling every isolate" — the
// inverse topology, since v8go isolates are not safely shared across
// threads the way nova's VM handles are.
package vmscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/metrics"
	"github.com/botloader/scriptruntime/internal/vm"
)

// Isolate is the subset of *vm.Isolate the scheduler drives. Expressed as
// an interface so tests can supply a fake isolate that doesn't link v8go.
type Isolate interface {
	Poll(ctx context.Context) error
	Status() domain.IsolateStatus
	ShutdownReason() domain.ShutdownReason
	Terminate(reason domain.ShutdownReason)
}

var _ Isolate = (*vm.Isolate)(nil)

type startCmd struct {
	id      domain.TenantID
	isolate Isolate
}

// Scheduler owns the run loop and the set of isolates it currently polls.
type Scheduler struct {
	start  chan startCmd
	stop   chan domain.TenantID
	ping   chan chan time.Time
	done   chan struct{}

	mu             sync.RWMutex
	currentRunning domain.TenantID // last tenant polled; valid only while hasCurrent
	hasCurrent     bool            // false means "not inside a Poll call"
}

// New creates a Scheduler. Call Run in its own goroutine to start the loop.
func New() *Scheduler {
	return &Scheduler{
		start: make(chan startCmd),
		stop:  make(chan domain.TenantID),
		ping:  make(chan chan time.Time),
		done:  make(chan struct{}),
	}
}

// StartVM adds isolate to the poll set under id. Blocks until the run loop
// has accepted it or ctx is done.
func (s *Scheduler) StartVM(ctx context.Context, id domain.TenantID, isolate Isolate) error {
	select {
	case s.start <- startCmd{id: id, isolate: isolate}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("vmscheduler: scheduler stopped")
	}
}

// StopVM removes the isolate registered under id from the poll set.
func (s *Scheduler) StopVM(ctx context.Context, id domain.TenantID) error {
	select {
	case s.stop <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("vmscheduler: scheduler stopped")
	}
}

// Ping asks the run loop to report liveness: it returns once the loop has
// processed the request, proving the loop is not wedged inside a single
// isolate's Poll call. The watchdog calls this on its configured interval
// and treats a timeout as a runaway script.
func (s *Scheduler) Ping(ctx context.Context) (time.Time, error) {
	reply := make(chan time.Time, 1)
	select {
	case s.ping <- reply:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-s.done:
		return time.Time{}, fmt.Errorf("vmscheduler: scheduler stopped")
	}
	select {
	case t := <-reply:
		return t, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// CurrentRunning reports which tenant's isolate Poll is executing right
// now, if any. Consulted by the watchdog when a Ping times out, to decide
// which isolate to terminate.
func (s *Scheduler) CurrentRunning() (domain.TenantID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRunning, s.hasCurrent
}

// Run is the scheduler's single-OS-thread loop. Call it in its own
// goroutine; it returns when ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	isolates := make(map[domain.TenantID]Isolate)
	order := make([]domain.TenantID, 0)

	log := logging.Op()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-s.start:
			if _, exists := isolates[cmd.id]; !exists {
				order = append(order, cmd.id)
				metrics.Default().ActiveIsolates.Inc()
			}
			isolates[cmd.id] = cmd.isolate

		case id := <-s.stop:
			if _, exists := isolates[id]; exists {
				metrics.Default().ActiveIsolates.Dec()
			}
			delete(isolates, id)
			order = removeID(order, id)

		case reply := <-s.ping:
			reply <- time.Now()

		case <-tick.C:
			s.pollOnce(ctx, isolates, &order, log)
		}
	}
}

// pollOnce polls every isolate currently registered exactly once, in
// round-robin order, dropping any that have stopped. Terminated/stopped
// isolates are removed from the poll set so a runaway shutdown actually
// frees the scheduler's attention.
func (s *Scheduler) pollOnce(ctx context.Context, isolates map[domain.TenantID]Isolate, order *[]domain.TenantID, log *slog.Logger) {
	remaining := (*order)[:0]
	for _, id := range *order {
		isolate, ok := isolates[id]
		if !ok {
			continue
		}

		s.mu.Lock()
		s.currentRunning, s.hasCurrent = id, true
		s.mu.Unlock()

		if err := isolate.Poll(ctx); err != nil {
			log.Warn("isolate poll error", "tenant", id, "error", err)
		}

		s.mu.Lock()
		s.hasCurrent = false
		s.mu.Unlock()

		if isolate.Status() == domain.Stopped {
			delete(isolates, id)
			metrics.Default().ActiveIsolates.Dec()
			continue
		}
		remaining = append(remaining, id)
	}
	*order = remaining
}

func removeID(ids []domain.TenantID, target domain.TenantID) []domain.TenantID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
