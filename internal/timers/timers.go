// Package timers drives the interval-timer contribution a script declares
// at script_start: a cron-scheduled firing
// of domain.EventIntervalTimerFired, routed to the owning tenant's isolate
// the same way any other external event is.
//
// Grounded on oriys-nova's internal/scheduler/scheduler.go: a robfig/cron
// instance plus a schedule-ID -> cron.EntryID map, generalized from
// "invoke a function by name" to "dispatch a named timer event to a
// tenant isolate", and from a single string id to a (tenant, script, name)
// triple since interval timers are scoped to one script.
package timers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/store"
)

// Dispatcher delivers a fired interval timer to its tenant's isolate(s).
// Implemented by internal/tenantmgr.Manager via its HandleExternalEvent
// path.
type Dispatcher interface {
	HandleExternalEvent(ctx context.Context, route func(ev any) (domain.TenantID, domain.DispatchEvent, bool), ev any) error
}

type timerKey struct {
	tenant domain.TenantID
	script domain.ScriptID
	name   string
}

// Scheduler owns one cron instance driving every tenant's interval timers.
type Scheduler struct {
	cron       *cron.Cron
	store      store.ConfigStore
	dispatcher Dispatcher

	mu      sync.Mutex
	entries map[timerKey]cron.EntryID
}

// New constructs a Scheduler. Call Start to load persisted timers and
// begin firing them; call Stop to drain in-flight fires on shutdown.
func New(s store.ConfigStore, d Dispatcher) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		store:      s,
		dispatcher: d,
		entries:    make(map[timerKey]cron.EntryID),
	}
}

// Start loads the persisted interval timers of each tenant in tenants and
// begins the cron loop. Call once at daemon startup, after the Tenant Manager has been
// constructed.
func (s *Scheduler) Start(ctx context.Context, tenants []domain.TenantID) error {
	for _, tenant := range tenants {
		timers, err := s.store.ListIntervalTimers(ctx, tenant)
		if err != nil {
			return fmt.Errorf("timers: listing timers for tenant %d: %w", tenant, err)
		}
		for _, t := range timers {
			if err := s.Add(t); err != nil {
				logging.Op().Warn("timers: failed registering interval timer", "tenant", tenant, "script", t.ScriptID, "name", t.Name, "error", err)
			}
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop without waiting; the returned context is done
// once any in-flight fire has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// spec converts an IntervalTimerSchedule into a cron spec string.
// A fixed-minute period is rendered as "@every Nm"; a cron expression is
// used as-is.
func spec(sched store.IntervalTimerSchedule) (string, error) {
	if sched.Cron != "" {
		return sched.Cron, nil
	}
	if sched.Minutes > 0 {
		return fmt.Sprintf("@every %dm", sched.Minutes), nil
	}
	return "", fmt.Errorf("timers: schedule has neither cron nor minutes set")
}

// Add registers t's schedule with the cron loop, replacing any existing
// registration for the same (tenant, script, name).
func (s *Scheduler) Add(t store.IntervalTimer) error {
	spec, err := spec(t.Schedule)
	if err != nil {
		return err
	}

	key := timerKey{tenant: t.TenantID, script: t.ScriptID, name: t.Name}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	tenant, script, name, sched := t.TenantID, t.ScriptID, t.Name, t.Schedule
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(tenant, script, name, sched) })
	if err != nil {
		return fmt.Errorf("timers: registering %q: %w", spec, err)
	}
	s.entries[key] = entryID
	return nil
}

// Remove unregisters the interval timer named name for (tenant, script),
// a no-op if it was never registered.
func (s *Scheduler) Remove(tenant domain.TenantID, script domain.ScriptID, name string) {
	key := timerKey{tenant: tenant, script: script, name: name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

func (s *Scheduler) fire(tenant domain.TenantID, script domain.ScriptID, name string, sched store.IntervalTimerSchedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev := timerFired{tenant: tenant, script: script, name: name}
	route := func(raw any) (domain.TenantID, domain.DispatchEvent, bool) {
		f, ok := raw.(timerFired)
		if !ok {
			return 0, domain.DispatchEvent{}, false
		}
		return f.tenant, domain.DispatchEvent{
			Name: domain.EventIntervalTimerFired,
			Payload: map[string]any{
				"script_id": uint64(f.script),
				"name":      f.name,
			},
		}, true
	}

	if err := s.dispatcher.HandleExternalEvent(ctx, route, ev); err != nil {
		logging.Op().Warn("timers: dispatch failed", "tenant", tenant, "script", script, "name", name, "error", err)
		return
	}
	if err := s.store.UpdateIntervalTimer(ctx, store.IntervalTimer{TenantID: tenant, ScriptID: script, Name: name, Schedule: sched, LastRun: time.Now()}); err != nil {
		logging.Op().Warn("timers: failed recording last run", "tenant", tenant, "script", script, "name", name, "error", err)
	}
}

type timerFired struct {
	tenant domain.TenantID
	script domain.ScriptID
	name   string
}
