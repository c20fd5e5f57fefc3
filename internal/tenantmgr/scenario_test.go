package tenantmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/botloader/scriptruntime/internal/compiler"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/eventrouter"
	"github.com/botloader/scriptruntime/internal/hostcalls"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/sourcemapper"
	"github.com/botloader/scriptruntime/internal/store"
	"github.com/botloader/scriptruntime/internal/vmscheduler"
	"github.com/botloader/scriptruntime/internal/watchdog"
)

// These exercise the runtime end to end against a real v8go isolate: a
// script is compiled (via a fake Compiler returning hand-written JS),
// loaded into a tenant's main isolate, and driven through one or more
// scheduler ticks while asserting on observable behavior — host calls
// recorded by a fake, log entries on the subscribed channel, and isolate
// lifecycle state.

// eventually polls cond every 2ms until it reports true or timeout elapses,
// failing the test if it never does. Scheduler ticks and the next_event
// poll loop both run on their own goroutines, so every cross-goroutine
// assertion here needs to wait rather than check once.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// recordingChat embeds fakeChat (defined in manager_test.go) so every
// method not overridden here stays a safe no-op, and records every
// CreateMessage call for assertions.
type recordingChat struct {
	fakeChat

	mu       sync.Mutex
	messages []recordedMessage
}

type recordedMessage struct {
	channelID uint64
	body      json.RawMessage
}

func (c *recordingChat) CreateMessage(ctx context.Context, tenant domain.TenantID, channelID uint64, body any) (any, error) {
	raw, _ := body.(json.RawMessage)
	c.mu.Lock()
	c.messages = append(c.messages, recordedMessage{channelID: channelID, body: raw})
	c.mu.Unlock()
	return map[string]any{"id": 1}, nil
}

func (c *recordingChat) snapshot() []recordedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// seqCompiler returns results[0] on its first call, results[1] on its
// second, and so on; calling it more times than len(results) panics,
// which would only happen if a test's own bookkeeping is wrong.
type seqCompiler struct {
	mu      sync.Mutex
	calls   int
	results []compiler.Result
	errs    []error
}

func (c *seqCompiler) Compile(ctx context.Context, source string) (compiler.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	return c.results[i], c.errs[i]
}

// newScenarioManager builds a Manager wired to a live Scheduler (ticking
// every 1ms, same as production) and whatever store/chat/compiler the
// scenario supplies. Returns the manager plus a cancel func that stops the
// scheduler goroutine.
func newScenarioManager(t *testing.T, comp Compiler, chat hostcalls.ChatAPI, quotaBatch, quotaMax int64) (*Manager, context.Context, context.CancelFunc, *vmscheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sched := vmscheduler.New()
	go sched.Run(ctx)

	reg := hostcalls.New()
	hostcalls.RegisterDefaults(reg)

	m := New(Config{
		Schedulers:   []*vmscheduler.Scheduler{sched},
		Store:        store.NewMemoryConfigStore(),
		Buckets:      store.NewMemoryBucketStore(),
		Chat:         chat,
		Registry:     reg,
		Compiler:     comp,
		SourceMapper: sourcemapper.New(),
		QuotaBatch:   quotaBatch,
		QuotaMax:     quotaMax,
	})
	return m, ctx, cancel, sched
}

func mustLoad(t *testing.T, m *Manager, ctx context.Context, tenant domain.TenantID, name, js string) domain.Script {
	t.Helper()
	sc, err := m.LoadScript(ctx, tenant, domain.Script{Name: name, Source: js}, domain.ScriptContext{Kind: domain.ContextGuild})
	if err != nil {
		t.Fatalf("LoadScript(%s): %v", name, err)
	}
	return sc
}

// --- load then dispatch ---

func TestScenarioLoadThenDispatch(t *testing.T) {
	chat := &recordingChat{}
	m, ctx, cancel, _ := newScenarioManager(t, &fakeCompiler{result: compiler.Result{JS: `
Botloader.on("MESSAGE_CREATE", function(payload) {
	Botloader.createMessage(payload.ChannelID, "echo:" + payload.Content);
});
Botloader.run();
`}}, chat, 4096, 1<<20)
	defer cancel()

	tenant := domain.TenantID(101)
	mustLoad(t, m, ctx, tenant, "echo", "console.log('irrelevant, fakeCompiler ignores Source')")

	entry, ok := m.entry(tenant)
	if !ok {
		t.Fatal("expected tenant entry after LoadScript")
	}

	dispatchTo := func(ev any) (domain.TenantID, domain.DispatchEvent, bool) {
		msg := ev.(eventrouter.Message)
		return tenant, domain.DispatchEvent{Name: domain.EventMessageCreate, Payload: msg}, true
	}
	if err := m.HandleExternalEvent(ctx, dispatchTo, eventrouter.Message{
		TenantID:  tenant,
		ChannelID: 555,
		MessageID: 1,
		AuthorID:  42,
		Content:   "hello",
	}); err != nil {
		t.Fatalf("HandleExternalEvent: %v", err)
	}

	eventually(t, 3*time.Second, func() bool {
		return len(chat.snapshot()) >= 1
	})

	got := chat.snapshot()[0]
	if got.channelID != 555 {
		t.Errorf("recorded channelID = %d, want 555", got.channelID)
	}
	var body string
	if err := json.Unmarshal(got.body, &body); err != nil {
		t.Fatalf("unmarshal recorded body: %v", err)
	}
	if body != "echo:hello" {
		t.Errorf("recorded body = %q, want %q", body, "echo:hello")
	}
	if entry.main.isolate.Status() != domain.Running {
		t.Errorf("expected main isolate still running, got %v", entry.main.isolate.Status())
	}
}

// --- compile failure ---

func TestScenarioCompileFailureReportsAndLeavesPriorScriptRunning(t *testing.T) {
	comp := &seqCompiler{
		results: []compiler.Result{{JS: "globalThis.firstRan = 1;"}, {}},
		errs:    []error{nil, &compiler.CompileError{Diagnostics: []compiler.Diagnostic{{Line: 3, Message: "unexpected token"}}}},
	}
	m, ctx, cancel, _ := newScenarioManager(t, comp, &recordingChat{}, 4096, 1<<20)
	defer cancel()

	tenant := domain.TenantID(102)
	mustLoad(t, m, ctx, tenant, "first", "ignored")

	logs, unsubscribe, err := m.SubscribeLogs(tenant)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer unsubscribe()

	_, err = m.LoadScript(ctx, tenant, domain.Script{Name: "second", Source: "ignored"}, domain.ScriptContext{Kind: domain.ContextGuild})
	if err == nil {
		t.Fatal("expected second LoadScript to fail")
	}
	if !strings.Contains(err.Error(), "unexpected token") {
		t.Errorf("error = %v, want it to contain the compiler diagnostic", err)
	}

	var entry logging.DispatchLog
	select {
	case entry = <-logs:
	case <-time.After(time.Second):
		t.Fatal("expected a log entry on the error channel for the failed compile")
	}
	if entry.Severity != logging.SeverityError {
		t.Errorf("severity = %v, want SeverityError", entry.Severity)
	}
	if !strings.Contains(entry.Message, "compile failed:") {
		t.Errorf("message = %q, want it to contain %q", entry.Message, "compile failed:")
	}

	scripts, _ := m.cfg.Store.ListScripts(ctx, tenant)
	if len(scripts) != 1 {
		t.Errorf("expected only the first script persisted, got %d", len(scripts))
	}

	me, ok := m.entry(tenant)
	if !ok || me.main.isolate.Status() != domain.Running {
		t.Errorf("expected main isolate still running after the failed compile")
	}
}

// --- restart clears state ---

func TestScenarioRestartClearsModuleState(t *testing.T) {
	chat := &recordingChat{}
	m, ctx, cancel, _ := newScenarioManager(t, &fakeCompiler{result: compiler.Result{JS: `
globalThis.__count = 0;
Botloader.on("MESSAGE_CREATE", function(payload) {
	globalThis.__count++;
	Botloader.createMessage(payload.ChannelID, String(globalThis.__count));
});
Botloader.run();
`}}, chat, 4096, 1<<20)
	defer cancel()

	tenant := domain.TenantID(103)
	mustLoad(t, m, ctx, tenant, "counter", "ignored")

	dispatchTo := func(ev any) (domain.TenantID, domain.DispatchEvent, bool) {
		return tenant, domain.DispatchEvent{Name: domain.EventMessageCreate, Payload: ev.(eventrouter.Message)}, true
	}
	fire := func(channelID uint64) {
		if err := m.HandleExternalEvent(ctx, dispatchTo, eventrouter.Message{TenantID: tenant, ChannelID: channelID}); err != nil {
			t.Fatalf("HandleExternalEvent: %v", err)
		}
	}

	fire(1)
	eventually(t, 3*time.Second, func() bool { return len(chat.snapshot()) >= 1 })
	fire(1)
	eventually(t, 3*time.Second, func() bool { return len(chat.snapshot()) >= 2 })
	fire(1)
	eventually(t, 3*time.Second, func() bool { return len(chat.snapshot()) >= 3 })

	bodies := func() []string {
		snap := chat.snapshot()
		out := make([]string, len(snap))
		for i, m := range snap {
			var s string
			json.Unmarshal(m.body, &s)
			out[i] = s
		}
		return out
	}
	before := bodies()
	if len(before) < 3 || before[0] != "1" || before[1] != "2" || before[2] != "3" {
		t.Fatalf("counts before restart = %v, want [1 2 3 ...]", before)
	}

	if err := m.Restart(ctx, tenant); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	fire(2)
	eventually(t, 3*time.Second, func() bool { return len(chat.snapshot()) >= 4 })

	after := bodies()
	if after[len(after)-1] != "1" {
		t.Errorf("count after restart = %q, want %q (module state reset)", after[len(after)-1], "1")
	}
}

// --- runaway script ---

func TestScenarioRunawayScriptIsTerminatedByWatchdog(t *testing.T) {
	m, ctx, cancel, sched := newScenarioManager(t, &fakeCompiler{result: compiler.Result{JS: `
Botloader.on("MESSAGE_CREATE", function(payload) {
	while (true) {}
});
Botloader.run();
`}}, &recordingChat{}, 4096, 1<<20)
	defer cancel()

	tenant := domain.TenantID(104)
	mustLoad(t, m, ctx, tenant, "runaway", "ignored")

	logs, unsubscribe, err := m.SubscribeLogs(tenant)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer unsubscribe()

	dispatchTo := func(ev any) (domain.TenantID, domain.DispatchEvent, bool) {
		return tenant, domain.DispatchEvent{Name: domain.EventMessageCreate, Payload: ev.(eventrouter.Message)}, true
	}
	if err := m.HandleExternalEvent(ctx, dispatchTo, eventrouter.Message{TenantID: tenant, ChannelID: 1}); err != nil {
		t.Fatalf("HandleExternalEvent: %v", err)
	}

	wd := watchdog.New(watchdog.Config{
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  50 * time.Millisecond,
	}, sched, m)

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go wd.Run(wdCtx)

	entry, ok := m.entry(tenant)
	if !ok {
		t.Fatal("expected tenant entry")
	}

	eventually(t, 5*time.Second, func() bool {
		return entry.main.isolate.Status() == domain.Stopped
	})
	if reason := entry.main.isolate.ShutdownReason(); reason != domain.ShutdownRunawayScript {
		t.Errorf("ShutdownReason = %v, want ShutdownRunawayScript", reason)
	}

	re := regexp.MustCompile(`Runtime for your guild has shut down.*RunawayScript`)
	found := false
	for !found {
		select {
		case entry := <-logs:
			if re.MatchString(entry.Message) {
				found = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected a shutdown log entry matching the runaway-script message")
		}
	}
}

// --- storage quota ---

func TestScenarioStorageQuotaRejectsThenResumesAfterDelete(t *testing.T) {
	const mib = int64(1 << 20)
	const quotaMax = 10 * mib

	comp := &fakeCompiler{result: compiler.Result{JS: `
var results = [];
for (var i = 0; i < 40; i++) {
	try {
		Botloader.op("bucket_set", {key: "probe-" + i, value: "x".repeat(20478), ttl_seconds: 0});
		results.push({key: "probe-" + i, ok: true});
	} catch (e) {
		results.push({key: "probe-" + i, ok: false});
	}
}
try {
	Botloader.op("bucket_del", {key: "seed"});
} catch (e) {}
try {
	Botloader.op("bucket_set", {key: "after-delete", value: "x".repeat(1024), ttl_seconds: 0});
	results.push({key: "after-delete", ok: true});
} catch (e) {
	results.push({key: "after-delete", ok: false});
}
Botloader.op("log", {level: "info", msg: JSON.stringify(results)});
`}}
	m, ctx, cancel, _ := newScenarioManager(t, comp, &recordingChat{}, 1<<20, quotaMax)
	defer cancel()

	tenant := domain.TenantID(105)

	// Pre-seed ~9.7MiB of usage, split across keys no larger than the
	// store's 1MiB-per-value ceiling: one exact 1MiB "seed" key (the one
	// the script will bucket_del mid-run) plus nine ~988KiB filler keys.
	seedValue := strings.Repeat("s", int(mib))
	if err := m.cfg.Buckets.Set(ctx, tenant, "seed", []byte(seedValue), 0); err != nil {
		t.Fatalf("pre-seed seed key: %v", err)
	}
	fillerValue := strings.Repeat("f", 988*1024)
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("filler-%d", i)
		if err := m.cfg.Buckets.Set(ctx, tenant, key, []byte(fillerValue), 0); err != nil {
			t.Fatalf("pre-seed %s: %v", key, err)
		}
	}

	// The script runs its probes and its final log() call at top level, so
	// the tenant is started and subscribed to before the script is loaded.
	if err := m.InitTenant(ctx, tenant); err != nil {
		t.Fatalf("InitTenant: %v", err)
	}
	logs, unsubscribe, err := m.SubscribeLogs(tenant)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer unsubscribe()
	mustLoad(t, m, ctx, tenant, "quota", "ignored")

	var entry logging.DispatchLog
	select {
	case entry = <-logs:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the script's final log() call to report probe results")
	}

	var results []struct {
		Key string `json:"key"`
		OK  bool   `json:"ok"`
	}
	if err := json.Unmarshal([]byte(entry.Message), &results); err != nil {
		t.Fatalf("unmarshal probe results from log message %q: %v", entry.Message, err)
	}

	probes := results[:40]
	if !probes[0].OK {
		t.Errorf("expected the first probe write to succeed with quota headroom available")
	}
	firstFailure := -1
	for i, p := range probes {
		if !p.OK {
			firstFailure = i
			break
		}
	}
	if firstFailure == -1 {
		t.Fatalf("expected at least one probe write to be rejected by the quota gate, got all succeeding: %v", probes)
	}
	for i := firstFailure; i < len(probes); i++ {
		if probes[i].OK {
			t.Errorf("probe %d succeeded after probe %d had already been rejected; expected rejections to persist once the gate latches", i, firstFailure)
		}
	}

	afterDelete := results[len(results)-1]
	if afterDelete.Key != "after-delete" || !afterDelete.OK {
		t.Errorf("expected the write after bucket_del(seed) to succeed, got %+v", afterDelete)
	}
}

// --- source-map rewriting ---

// sourceMapTestMap maps generated (1,0) to orig.ts:1:0 under the name
// "handler" — the same minimal V3 map internal/sourcemapper's own tests use.
const sourceMapTestMap = `{
  "version": 3,
  "file": "out.js",
  "sources": ["orig.ts"],
  "names": ["handler"],
  "mappings": "AAAAA"
}`

func TestScenarioLoadScriptRewritesStackThroughSourceMap(t *testing.T) {
	m, ctx, cancel, _ := newScenarioManager(t, &fakeCompiler{result: compiler.Result{
		JS:        "throw new Error('boom');",
		SourceMap: sourceMapTestMap,
	}}, &recordingChat{}, 4096, 1<<20)
	defer cancel()

	tenant := domain.TenantID(106)
	_, err := m.LoadScript(ctx, tenant, domain.Script{Name: "broken", Source: "ignored"}, domain.ScriptContext{Kind: domain.ContextGuild})
	if err == nil {
		t.Fatal("expected LoadScript to fail evaluating a script that throws at the top level")
	}
	if !strings.Contains(err.Error(), "orig.ts") {
		t.Errorf("error = %v, want it to reference the source-mapped file orig.ts", err)
	}
}

