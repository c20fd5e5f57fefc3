// Package tenantmgr implements the Tenant Manager: the tenant_id ->
// TenantState map, compile-before-load pipeline, and the layered error
// reporting Isolate log calls ultimately flow through.
//
// Grounded on oriys-nova's internal/tenant/isolation.go for the
// per-tenant-state ownership shape and sentinel-error style, and on
// internal/executor.go's errgroup-based parallel pre-fetch, adapted here
// from "fetch N dependencies before invoking" to "compile before load".
package tenantmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/botloader/scriptruntime/internal/compiler"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/hostcalls"
	"github.com/botloader/scriptruntime/internal/loader"
	"github.com/botloader/scriptruntime/internal/logfanout"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/metrics"
	"github.com/botloader/scriptruntime/internal/sourcemapper"
	"github.com/botloader/scriptruntime/internal/store"
	"github.com/botloader/scriptruntime/internal/vm"
	"github.com/botloader/scriptruntime/internal/vmscheduler"
)

// Sentinel errors, grounded on oriys-nova's tenant.Isolator error style.
var (
	ErrTenantNotFound = fmt.Errorf("tenantmgr: tenant not found")
	ErrScriptNotFound = fmt.Errorf("tenantmgr: script not found")
)

// Compiler is the subset of internal/compiler.Compiler the manager depends
// on, expressed as an interface so tests can supply a fake.
type Compiler interface {
	Compile(ctx context.Context, source string) (compiler.Result, error)
}

// TimerRegistrar registers and unregisters interval timer firings with the
// cron loop (internal/timers.Scheduler implements this).
type TimerRegistrar interface {
	Add(t store.IntervalTimer) error
	Remove(tenant domain.TenantID, script domain.ScriptID, name string)
}

// Config configures a Manager. Every field is required except where noted.
type Config struct {
	Schedulers   []*vmscheduler.Scheduler // tenants are assigned round-robin by id
	Store        store.ConfigStore
	Buckets      store.BucketStore
	Chat         hostcalls.ChatAPI
	Registry     *hostcalls.Registry
	Compiler     Compiler
	SourceMapper *sourcemapper.Mapper
	Logs         logging.Sink            // persisted DispatchLog sink, may be nil
	Reporter     logfanout.ErrorReporter // outer error-channel reporter, may be nil
	Timers       TimerRegistrar          // interval-timer cron loop, may be nil

	QuotaBatch  int64
	QuotaMax    int64
	InitialHeap uint64
	MaxHeap     uint64
}

// isolateSlot bundles one v8 isolate together with its ambient state and
// per-tenant bookkeeping. A tenantEntry has exactly one main slot and zero
// or more aux (pack) slots, matching TenantState's "main isolate slot;
// optional auxiliary pack isolate slots keyed by u64" shape.
type isolateSlot struct {
	isolate *vm.Isolate
	state   *hostcalls.State
	loader  *loader.Loader

	mu            sync.Mutex
	loadingScript domain.ScriptID
	contribs      map[domain.ScriptID]domain.ScriptContribs
}

type tenantEntry struct {
	mu     sync.Mutex
	main   *isolateSlot
	aux    map[uint64]*isolateSlot
	fanout *logfanout.FanOut

	errorChannelID uint64
}

// Manager owns every tenant's isolate lifecycle.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	tenants map[domain.TenantID]*tenantEntry
}

// New constructs a Manager. Call InitTenant before routing any events to a
// tenant; LoadScript starts a tenant that is not running itself.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, tenants: make(map[domain.TenantID]*tenantEntry)}
}

func (m *Manager) scheduler(tenant domain.TenantID) *vmscheduler.Scheduler {
	return m.cfg.Schedulers[uint64(tenant)%uint64(len(m.cfg.Schedulers))]
}

// ErrorChannel resolves a tenant's configured error channel, used by
// internal/chatapi.Reporter's lookup callback.
func (m *Manager) ErrorChannel(tenant domain.TenantID) (uint64, bool) {
	m.mu.RLock()
	entry, ok := m.tenants[tenant]
	m.mu.RUnlock()
	if !ok || entry.errorChannelID == 0 {
		return 0, false
	}
	return entry.errorChannelID, true
}

func (m *Manager) entry(tenant domain.TenantID) (*tenantEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tenants[tenant]
	return e, ok
}

// InitTenant ensures tenant's main isolate is running, loading every enabled script currently linked for it from
// the store. A tenant already running is left untouched.
func (m *Manager) InitTenant(ctx context.Context, tenant domain.TenantID) error {
	if entry, ok := m.entry(tenant); ok && entry.main.isolate.Status() == domain.Running {
		return nil
	}
	return m.buildTenant(ctx, tenant)
}

// Restart tears down tenant's main and every pack isolate, then rebuilds
// the main isolate from the store's current state. Pack isolates are not
// recreated.
func (m *Manager) Restart(ctx context.Context, tenant domain.TenantID) error {
	entry, ok := m.entry(tenant)
	if ok {
		m.teardown(ctx, tenant, entry)
	}
	return m.buildTenant(ctx, tenant)
}

func (m *Manager) teardown(ctx context.Context, tenant domain.TenantID, entry *tenantEntry) {
	sched := m.scheduler(tenant)
	_ = sched.StopVM(ctx, tenant)
	entry.main.isolate.Dispose()
	for _, aux := range entry.aux {
		aux.isolate.Dispose()
	}
	m.mu.Lock()
	delete(m.tenants, tenant)
	m.mu.Unlock()
}

func (m *Manager) buildTenant(ctx context.Context, tenant domain.TenantID) error {
	meta, err := m.cfg.Store.GetMetaConfig(ctx, tenant)
	if err != nil {
		return fmt.Errorf("tenantmgr: loading meta config for tenant %d: %w", tenant, err)
	}

	entry := &tenantEntry{aux: make(map[uint64]*isolateSlot), errorChannelID: meta.ErrorChannelID}
	entry.fanout = logfanout.New(m.cfg.Logs, m.cfg.Reporter)

	slot, err := m.newSlot(tenant, entry.fanout)
	if err != nil {
		return err
	}
	entry.main = slot

	contextScripts, err := m.loadableScripts(ctx, tenant)
	if err != nil {
		slot.isolate.Dispose()
		return err
	}
	for _, cs := range contextScripts {
		if err := m.loadIntoSlot(slot, cs); err != nil {
			logging.Op().Warn("tenantmgr: failed loading script at init", "tenant", tenant, "script", cs.Script.Name, "error", err)
		}
	}

	m.mu.Lock()
	m.tenants[tenant] = entry
	m.mu.Unlock()

	return m.scheduler(tenant).StartVM(ctx, tenant, slot.isolate)
}

// loadableScripts joins the store's scripts and links for tenant into the
// enabled ContextScript set.
func (m *Manager) loadableScripts(ctx context.Context, tenant domain.TenantID) ([]domain.ContextScript, error) {
	scripts, err := m.cfg.Store.ListScripts(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenantmgr: listing scripts: %w", err)
	}
	links, err := m.cfg.Store.ListLinks(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenantmgr: listing links: %w", err)
	}

	byID := make(map[domain.ScriptID]domain.Script, len(scripts))
	for _, sc := range scripts {
		byID[sc.ID] = sc
	}

	out := make([]domain.ContextScript, 0, len(links))
	for _, l := range links {
		sc, ok := byID[l.ScriptID]
		if !ok || !sc.Enabled {
			continue
		}
		out = append(out, domain.ContextScript{Script: sc, Context: l.Context})
	}
	return out, nil
}

func (m *Manager) newSlot(tenant domain.TenantID, sink logging.Sink) (*isolateSlot, error) {
	ld := loader.New()
	state := hostcalls.NewState(tenant, 0, m.cfg.Chat, m.cfg.Buckets, sink, m.cfg.QuotaBatch, m.cfg.QuotaMax)

	slot := &isolateSlot{loader: ld, state: state, contribs: make(map[domain.ScriptID]domain.ScriptContribs)}
	state.OnScriptStart = func(ctx context.Context, contribs domain.ScriptContribs) error {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		slot.contribs[slot.loadingScript] = contribs
		return nil
	}
	state.OnTimerUpdate = func(ctx context.Context, t store.IntervalTimer) error {
		if err := m.cfg.Store.UpdateIntervalTimer(ctx, t); err != nil {
			return err
		}
		if m.cfg.Timers != nil {
			return m.cfg.Timers.Add(t)
		}
		return nil
	}
	state.OnTimerDelete = func(ctx context.Context, script domain.ScriptID, name string) error {
		if err := m.cfg.Store.DelIntervalTimer(ctx, tenant, script, name); err != nil {
			return err
		}
		if m.cfg.Timers != nil {
			m.cfg.Timers.Remove(tenant, script, name)
		}
		return nil
	}

	isolate := vm.New(vm.Config{
		Tenant:       tenant,
		InitialHeap:  m.cfg.InitialHeap,
		MaxHeap:      m.cfg.MaxHeap,
		Registry:     m.cfg.Registry,
		State:        state,
		Loader:       ld,
		SourceMapper: m.cfg.SourceMapper,
		Logs:         sink,
	})
	if err := isolate.Start(); err != nil {
		return nil, fmt.Errorf("tenantmgr: starting isolate for tenant %d: %w", tenant, err)
	}
	slot.isolate = isolate
	return slot, nil
}

// loadIntoSlot compiles nothing (cs.Script.CompiledJS is assumed already
// compiled) and evaluates cs directly into slot, synchronously. Only safe
// to call before slot.isolate is registered with a scheduler, or from
// within that scheduler's own goroutine.
func (m *Manager) loadIntoSlot(slot *isolateSlot, cs domain.ContextScript) error {
	slot.mu.Lock()
	slot.loadingScript = cs.Script.ID
	slot.mu.Unlock()
	return slot.isolate.LoadScript(cs)
}

// LoadScript compiles script's source, persists the result, links it under
// ctxt, and loads it into tenant's main isolate — auto-starting the tenant
// if it was Stopped. On compile failure the
// diagnostic is reported to the tenant's error channel and returned.
func (m *Manager) LoadScript(ctx context.Context, tenant domain.TenantID, sc domain.Script, ctxt domain.ScriptContext) (domain.Script, error) {
	compiled, err := m.compile(ctx, tenant, sc)
	if err != nil {
		return domain.Script{}, err
	}

	sc.TenantID = tenant
	sc.CompiledJS = compiled.JS
	sc.SourceMap = compiled.SourceMap
	sc.Enabled = true
	if err := sc.Validate(); err != nil {
		return domain.Script{}, err
	}

	stored, err := m.cfg.Store.CreateScript(ctx, sc)
	if err != nil {
		return domain.Script{}, fmt.Errorf("tenantmgr: persisting script: %w", err)
	}
	if err := m.cfg.Store.AddLink(ctx, tenant, store.ScriptLink{ScriptID: stored.ID, Context: ctxt}); err != nil {
		return domain.Script{}, fmt.Errorf("tenantmgr: linking script: %w", err)
	}

	// If the tenant isn't running yet, InitTenant's buildTenant rebuilds
	// the main isolate from the store's full linked-script set — which
	// already includes the link just added above — and evaluates it
	// synchronously. Enqueuing CmdLoadScript in that case would evaluate
	// this same script a second time.
	wasRunning := false
	if entry, ok := m.entry(tenant); ok && entry.main.isolate.Status() == domain.Running {
		wasRunning = true
	}
	if err := m.InitTenant(ctx, tenant); err != nil {
		return domain.Script{}, err
	}

	entry, ok := m.entry(tenant)
	if !ok {
		return domain.Script{}, ErrTenantNotFound
	}
	if wasRunning {
		cs := domain.ContextScript{Script: stored, Context: ctxt}
		entry.main.isolate.Inbox() <- vm.Command{Kind: vm.CmdLoadScript, Script: cs}
	}
	return stored, nil
}

// compile runs sc.Source through the external compiler, reporting a
// failed compilation to the tenant's error channel before returning it
// to the caller.
func (m *Manager) compile(ctx context.Context, tenant domain.TenantID, sc domain.Script) (compiler.Result, error) {
	result, err := m.cfg.Compiler.Compile(ctx, sc.Source)
	if err != nil {
		metrics.Default().CompileFailures.Inc()
		if entry, ok := m.entry(tenant); ok {
			entry.fanout.Write(ctx, logging.DispatchLog{
				TenantID: uint64(tenant),
				ScriptID: uint64(sc.ID),
				Severity: logging.SeverityError,
				Message:  fmt.Sprintf("compile failed: %v", err),
				File:     sc.Name,
			})
		}
		return compiler.Result{}, err
	}
	return result, nil
}

// UpdateScript recompiles sc, persists it, and — if tenant's main isolate
// is running — replaces the loaded copy in place (unload then reload,
// preserving the isolate's other loaded scripts). A disabled sc is
// unloaded and not reloaded.
func (m *Manager) UpdateScript(ctx context.Context, tenant domain.TenantID, sc domain.Script, ctxt domain.ScriptContext) (domain.Script, error) {
	compiled, err := m.compile(ctx, tenant, sc)
	if err != nil {
		return domain.Script{}, err
	}
	sc.TenantID = tenant
	sc.CompiledJS = compiled.JS
	sc.SourceMap = compiled.SourceMap
	if err := sc.Validate(); err != nil {
		return domain.Script{}, err
	}
	if err := m.cfg.Store.UpdateScript(ctx, sc); err != nil {
		return domain.Script{}, fmt.Errorf("tenantmgr: updating script: %w", err)
	}

	entry, ok := m.entry(tenant)
	if !ok {
		return sc, nil
	}
	inbox := entry.main.isolate.Inbox()
	inbox <- vm.Command{Kind: vm.CmdUnloadScript, UnloadID: sc.ID}
	if sc.Enabled {
		inbox <- vm.Command{Kind: vm.CmdLoadScript, Script: domain.ContextScript{Script: sc, Context: ctxt}}
	}
	return sc, nil
}

// UnloadScripts removes each of ids from tenant's main isolate, if running.
// A no-op for ids that were never loaded.
func (m *Manager) UnloadScripts(ctx context.Context, tenant domain.TenantID, ids []domain.ScriptID) error {
	entry, ok := m.entry(tenant)
	if !ok {
		return nil
	}
	inbox := entry.main.isolate.Inbox()
	for _, id := range ids {
		inbox <- vm.Command{Kind: vm.CmdUnloadScript, UnloadID: id}
	}
	return nil
}

// DetachAllScript unloads every script currently loaded in tenant's main
// isolate.
func (m *Manager) DetachAllScript(ctx context.Context, tenant domain.TenantID) error {
	entry, ok := m.entry(tenant)
	if !ok {
		return nil
	}
	entry.main.isolate.Inbox() <- vm.Command{Kind: vm.CmdDetachAll}
	return nil
}

// HandleExternalEvent routes ev via the Event Router and broadcasts the
// resulting DispatchEvent to every isolate (main plus any pack isolates)
// of the target tenant.
func (m *Manager) HandleExternalEvent(ctx context.Context, routed func(ev any) (domain.TenantID, domain.DispatchEvent, bool), ev any) error {
	start := time.Now()
	tenant, dispatch, ok := routed(ev)
	if !ok {
		return nil
	}
	entry, ok := m.entry(tenant)
	if !ok {
		metrics.Default().DispatchesTotal.WithLabelValues(dispatch.Name, "no_isolate").Inc()
		return nil
	}
	entry.main.isolate.Inbox() <- vm.Command{Kind: vm.CmdDispatch, Event: dispatch}
	for _, aux := range entry.aux {
		aux.isolate.Inbox() <- vm.Command{Kind: vm.CmdDispatch, Event: dispatch}
	}
	// This measures routing latency (decoding the event and enqueueing it
	// to every isolate), not the time a script spends handling it — the
	// isolate processes CmdDispatch asynchronously off its own poll loop,
	// so there is no single point here to observe that completion.
	metrics.Default().DispatchDuration.WithLabelValues(dispatch.Name).Observe(time.Since(start).Seconds())
	metrics.Default().DispatchesTotal.WithLabelValues(dispatch.Name, "routed").Inc()
	return nil
}

// SubscribeLogs appends a mailbox to tenant's log subscribers: every future DispatchLog for tenant — from either
// script log() calls or error reports — is delivered on the returned
// channel until unsubscribe is called. The channel buffers 64 entries;
// entries written while it is full are dropped.
func (m *Manager) SubscribeLogs(tenant domain.TenantID) (<-chan logging.DispatchLog, func(), error) {
	entry, ok := m.entry(tenant)
	if !ok {
		return nil, nil, ErrTenantNotFound
	}
	sink := &chanSink{ch: make(chan logging.DispatchLog, 64)}
	unsubscribe := entry.fanout.Subscribe(sink)
	return sink.ch, unsubscribe, nil
}

type chanSink struct{ ch chan logging.DispatchLog }

func (s *chanSink) Write(_ context.Context, entry logging.DispatchLog) error {
	select {
	case s.ch <- entry:
	default:
	}
	return nil
}

// EnsurePack ensures tenant has a running auxiliary pack isolate keyed by
// packID. packID 0 is reserved for the main isolate and rejected.
func (m *Manager) EnsurePack(ctx context.Context, tenant domain.TenantID, packID uint64) error {
	if packID == 0 {
		return fmt.Errorf("tenantmgr: pack id 0 is reserved for the main isolate")
	}
	entry, ok := m.entry(tenant)
	if !ok {
		return ErrTenantNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if aux, ok := entry.aux[packID]; ok && aux.isolate.Status() == domain.Running {
		return nil
	}

	slot, err := m.newSlot(tenant, entry.fanout)
	if err != nil {
		return err
	}
	entry.aux[packID] = slot
	return m.scheduler(tenant).StartVM(ctx, tenant, slot.isolate)
}

// LoadScriptToPack compiles and loads sc into tenant's packID auxiliary
// isolate, creating the pack isolate first if needed.
func (m *Manager) LoadScriptToPack(ctx context.Context, tenant domain.TenantID, packID uint64, sc domain.Script, ctxt domain.ScriptContext) (domain.Script, error) {
	compiled, err := m.compile(ctx, tenant, sc)
	if err != nil {
		return domain.Script{}, err
	}
	sc.TenantID = tenant
	sc.CompiledJS = compiled.JS
	sc.SourceMap = compiled.SourceMap
	sc.Enabled = true
	if err := sc.Validate(); err != nil {
		return domain.Script{}, err
	}

	stored, err := m.cfg.Store.CreateScript(ctx, sc)
	if err != nil {
		return domain.Script{}, fmt.Errorf("tenantmgr: persisting pack script: %w", err)
	}

	if err := m.EnsurePack(ctx, tenant, packID); err != nil {
		return domain.Script{}, err
	}
	entry, _ := m.entry(tenant)
	entry.mu.Lock()
	slot := entry.aux[packID]
	entry.mu.Unlock()

	slot.isolate.Inbox() <- vm.Command{Kind: vm.CmdLoadScript, Script: domain.ContextScript{Script: stored, Context: ctxt}}
	return stored, nil
}

// PrefetchContexts fetches the scripts named by ids for tenant in
// parallel, returning them in ids order; nothing in this repository calls
// it. Grounded on oriys-nova's errgroup-based parallel pre-fetch
// (internal/executor.go); here there is no remote fetch left to do once a
// script's CompiledJS is already persisted, so this only guards against a
// partially-written link set (a link whose script was deleted).
func (m *Manager) PrefetchContexts(ctx context.Context, tenant domain.TenantID, ids []domain.ScriptID) ([]domain.Script, error) {
	out := make([]domain.Script, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			sc, err := m.cfg.Store.GetScript(gctx, tenant, id)
			if err != nil {
				return fmt.Errorf("tenantmgr: prefetching script %d: %w", id, err)
			}
			out[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// TerminateTenant implements watchdog.IsolateLookup: it forces every
// isolate of tenant (main and all packs) to abort its in-flight JS turn,
// since the scheduler attributes a runaway only to a tenant, and reports
// the shutdown to the tenant's error channel
// so the guild sees why their scripts stopped responding.
func (m *Manager) TerminateTenant(tenant domain.TenantID, reason domain.ShutdownReason) {
	entry, ok := m.entry(tenant)
	if !ok {
		return
	}
	entry.main.isolate.Terminate(reason)
	for _, aux := range entry.aux {
		aux.isolate.Terminate(reason)
	}
	entry.fanout.Write(context.Background(), logging.DispatchLog{
		TenantID: uint64(tenant),
		Severity: logging.SeverityError,
		Message:  fmt.Sprintf("Runtime for your guild has shut down: %s", reason),
	})
}
