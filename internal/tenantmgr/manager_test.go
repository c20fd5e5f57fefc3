package tenantmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/botloader/scriptruntime/internal/compiler"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/hostcalls"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/store"
	"github.com/botloader/scriptruntime/internal/vmscheduler"
)

type fakeCompiler struct {
	result compiler.Result
	err    error
}

func (f *fakeCompiler) Compile(ctx context.Context, source string) (compiler.Result, error) {
	return f.result, f.err
}

type fakeChat struct{}

func (fakeChat) GetGuild(ctx context.Context, tenant domain.TenantID) (any, error) { return nil, nil }
func (fakeChat) GetChannel(ctx context.Context, tenant domain.TenantID, channelID uint64) (any, error) {
	return nil, nil
}
func (fakeChat) GetChannels(ctx context.Context, tenant domain.TenantID) (any, error) { return nil, nil }
func (fakeChat) GetRole(ctx context.Context, tenant domain.TenantID, roleID uint64) (any, error) {
	return nil, nil
}
func (fakeChat) GetRoles(ctx context.Context, tenant domain.TenantID) (any, error) { return nil, nil }
func (fakeChat) GetMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) (any, error) {
	return nil, nil
}
func (fakeChat) GetMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, limit int) (any, error) {
	return nil, nil
}
func (fakeChat) CreateMessage(ctx context.Context, tenant domain.TenantID, channelID uint64, body any) (any, error) {
	return nil, nil
}
func (fakeChat) EditMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64, body any) (any, error) {
	return nil, nil
}
func (fakeChat) DeleteMessage(ctx context.Context, tenant domain.TenantID, channelID, messageID uint64) error {
	return nil
}
func (fakeChat) BulkDeleteMessages(ctx context.Context, tenant domain.TenantID, channelID uint64, messageIDs []uint64) error {
	return nil
}
func (fakeChat) CreateFollowupMessage(ctx context.Context, tenant domain.TenantID, interactionToken string, body any) (any, error) {
	return nil, nil
}

var _ hostcalls.ChatAPI = fakeChat{}

func testManager(t *testing.T, comp Compiler) (*Manager, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sched := vmscheduler.New()
	go sched.Run(ctx)

	reg := hostcalls.New()
	hostcalls.RegisterDefaults(reg)

	m := New(Config{
		Schedulers: []*vmscheduler.Scheduler{sched},
		Store:      store.NewMemoryConfigStore(),
		Buckets:    store.NewMemoryBucketStore(),
		Chat:       fakeChat{},
		Registry:   reg,
		Compiler:   comp,
		QuotaBatch: 4096,
		QuotaMax:   1 << 20,
	})
	return m, ctx, cancel
}

func TestLoadScriptAutoStartsTenant(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{result: compiler.Result{JS: "globalThis.ran = 1;"}})
	defer cancel()

	tenant := domain.TenantID(1)
	sc := domain.Script{Name: "greet", Source: "console.log('hi')"}

	stored, err := m.LoadScript(ctx, tenant, sc, domain.ScriptContext{Kind: domain.ContextGuild})
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if stored.ID == 0 {
		t.Error("expected store to assign a non-zero script ID")
	}

	entry, ok := m.entry(tenant)
	if !ok {
		t.Fatal("expected tenant to be initialized")
	}
	if entry.main.isolate.Status() != domain.Running {
		t.Errorf("expected main isolate running, got %v", entry.main.isolate.Status())
	}
}

func TestLoadScriptCompileFailureIsNotPersisted(t *testing.T) {
	wantErr := &compiler.CompileError{Diagnostics: []compiler.Diagnostic{{Line: 1, Message: "syntax error"}}}
	m, ctx, cancel := testManager(t, &fakeCompiler{err: wantErr})
	defer cancel()

	tenant := domain.TenantID(2)
	_, err := m.LoadScript(ctx, tenant, domain.Script{Name: "bad", Source: "("}, domain.ScriptContext{Kind: domain.ContextGuild})
	if err == nil {
		t.Fatal("expected compile error")
	}

	scripts, _ := m.cfg.Store.ListScripts(ctx, tenant)
	if len(scripts) != 0 {
		t.Errorf("expected no scripts persisted after compile failure, got %d", len(scripts))
	}
}

func TestEnsurePackRejectsReservedID(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{})
	defer cancel()

	if err := m.EnsurePack(ctx, domain.TenantID(1), 0); err == nil {
		t.Error("expected EnsurePack(packID=0) to fail")
	}
}

func TestEnsurePackRequiresInitializedTenant(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{})
	defer cancel()

	if err := m.EnsurePack(ctx, domain.TenantID(99), 1); err != ErrTenantNotFound {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestErrorChannelUnsetByDefault(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{result: compiler.Result{JS: "1;"}})
	defer cancel()

	tenant := domain.TenantID(3)
	if _, err := m.LoadScript(ctx, tenant, domain.Script{Name: "a", Source: "1"}, domain.ScriptContext{Kind: domain.ContextGuild}); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	if _, ok := m.ErrorChannel(tenant); ok {
		t.Error("expected no error channel configured")
	}
}

func TestRestartRebuildsFromStore(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{result: compiler.Result{JS: "1;"}})
	defer cancel()

	tenant := domain.TenantID(4)
	if _, err := m.LoadScript(ctx, tenant, domain.Script{Name: "a", Source: "1"}, domain.ScriptContext{Kind: domain.ContextGuild}); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	if err := m.Restart(ctx, tenant); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	entry, ok := m.entry(tenant)
	if !ok {
		t.Fatal("expected tenant to still be initialized after restart")
	}
	if entry.main.isolate.Status() != domain.Running {
		t.Errorf("expected main isolate running after restart, got %v", entry.main.isolate.Status())
	}
}

func TestSubscribeLogsReceivesLogEntries(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{result: compiler.Result{JS: "1;"}})
	defer cancel()

	tenant := domain.TenantID(5)
	if _, err := m.LoadScript(ctx, tenant, domain.Script{Name: "a", Source: "1"}, domain.ScriptContext{Kind: domain.ContextGuild}); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	ch, unsubscribe, err := m.SubscribeLogs(tenant)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer unsubscribe()

	entry, _ := m.entry(tenant)
	entry.fanout.Write(ctx, logging.DispatchLog{TenantID: uint64(tenant), Severity: logging.SeverityError, Message: "boom"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out log entry")
	}
}

type fakeTimerRegistrar struct {
	mu    sync.Mutex
	added []store.IntervalTimer
}

func (f *fakeTimerRegistrar) Add(t store.IntervalTimer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, t)
	return nil
}

func (f *fakeTimerRegistrar) Remove(tenant domain.TenantID, script domain.ScriptID, name string) {}

func TestTimerUpdateHookPersistsAndRegisters(t *testing.T) {
	m, ctx, cancel := testManager(t, &fakeCompiler{result: compiler.Result{JS: "1;"}})
	defer cancel()
	reg := &fakeTimerRegistrar{}
	m.cfg.Timers = reg

	tenant := domain.TenantID(6)
	if _, err := m.LoadScript(ctx, tenant, domain.Script{Name: "a", Source: "1"}, domain.ScriptContext{Kind: domain.ContextGuild}); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	entry, ok := m.entry(tenant)
	if !ok {
		t.Fatal("expected tenant to be initialized")
	}
	timer := store.IntervalTimer{TenantID: tenant, ScriptID: 1, Name: "tick", Schedule: store.IntervalTimerSchedule{Minutes: 5}}
	if err := entry.main.state.OnTimerUpdate(ctx, timer); err != nil {
		t.Fatalf("OnTimerUpdate: %v", err)
	}

	stored, err := m.cfg.Store.GetIntervalTimer(ctx, tenant, 1, "tick")
	if err != nil {
		t.Fatalf("GetIntervalTimer: %v", err)
	}
	if stored.Schedule.Minutes != 5 {
		t.Errorf("expected persisted schedule minutes=5, got %+v", stored.Schedule)
	}
	if len(reg.added) != 1 {
		t.Errorf("expected TimerRegistrar.Add called once, got %d", len(reg.added))
	}
}
