// Package vm implements the Per-Tenant Isolate: one v8go
// isolate/context pair dedicated to a single tenant, its command inbox, its
// set of loaded scripts, and the Reset path that rebuilds the isolate from
// scratch while preserving re-attachable state.
//
// # Lifecycle
//
// An Isolate is created stopped. LoadScript compiles and evaluates one
// tenant script into it; Dispatch enqueues an external event for the
// script's event loop to observe via the next_event host call. Poll is
// called once per scheduler tick (internal/vmscheduler) and must never
// block longer than a single JS turn — that budget is what the watchdog
// (internal/watchdog) is timing.
//
// Grounded on oriys-nova's internal/firecracker/vm.go for the
// lifecycle-state-machine shape (a VM is Stopped/Running/evicted, never
// mutated outside its own goroutine) and on the v8go isolate/context
// construction sequence in rogchap.com/v8go's own isolate.go (NewIsolate
// with resource constraints, CompileUnboundScript, Run).
package vm

import (
	"context"
	"fmt"

	v8 "rogchap.com/v8go"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/hostcalls"
	"github.com/botloader/scriptruntime/internal/isocell"
	"github.com/botloader/scriptruntime/internal/loader"
	"github.com/botloader/scriptruntime/internal/logging"
)

// CommandKind discriminates the work items an Isolate's inbox carries.
type CommandKind int

const (
	CmdLoadScript CommandKind = iota
	CmdUnloadScript
	CmdDetachAll
	CmdDispatch
	CmdResolveAsync // delivers a completed async host call's result
	CmdStop
)

// Command is one unit of work handed to an Isolate's Poll loop. Only the
// field matching Kind is meaningful.
type Command struct {
	Kind        CommandKind
	Script      domain.ContextScript
	Event       domain.DispatchEvent
	UnloadID    domain.ScriptID
	AsyncResult asyncResult
}

// Config configures one Isolate's construction.
type Config struct {
	Tenant       domain.TenantID
	InitialHeap  uint64 // bytes; 0 uses v8go's default
	MaxHeap      uint64
	Registry     *hostcalls.Registry
	State        *hostcalls.State
	Loader       *loader.Loader
	SourceMapper SourceMapper
	Logs         logging.Sink
}

// SourceMapper rewrites a JS error's stack trace using a loaded script's
// source map, implemented by internal/sourcemapper. Declared here to avoid
// a dependency cycle (sourcemapper only needs domain + the sourcemap lib).
type SourceMapper interface {
	Rewrite(scriptName string, sourceMap string, stack string) string
}

// loadedScript tracks one script currently evaluated into the isolate, in
// the order LoadScript was called — Reset replays this order exactly so a
// restarted isolate's module graph matches the one that was running
// before it was torn down.
type loadedScript struct {
	ContextScript domain.ContextScript
	Specifier     string
}

// Isolate is a single tenant's dedicated v8go isolate/context pair. All
// methods except Inbox, Status and Terminate are intended to be called only
// from the scheduler goroutine that currently owns this isolate's Cell;
// Inbox is safe to send from any goroutine, and Terminate is safe to call
// from any goroutine.
type Isolate struct {
	cfg Config

	cell   *isocell.Cell
	engine *v8.Isolate
	ctx    *v8.Context

	inbox chan Command

	scripts        []loadedScript
	status         domain.IsolateStatus
	shutdownReason domain.ShutdownReason
}

// New constructs a stopped Isolate. Call Start to build the underlying
// v8go isolate and begin accepting commands.
func New(cfg Config) *Isolate {
	return &Isolate{
		cfg:   cfg,
		inbox: make(chan Command, 64),
	}
}

// Inbox returns the channel other goroutines use to enqueue commands.
// Buffered (64 commands) so Dispatch/LoadScript callers do not block
// behind a busy isolate until the buffer is full.
func (v *Isolate) Inbox() chan<- Command { return v.inbox }

// Status reports the isolate's current lifecycle state.
func (v *Isolate) Status() domain.IsolateStatus { return v.status }

// ShutdownReason reports why Status is Stopped, meaningless otherwise.
func (v *Isolate) ShutdownReason() domain.ShutdownReason { return v.shutdownReason }

// Start builds the underlying v8go isolate and context and wires the
// host-call bridge into it. Must be called once, before the isolate is
// handed to the scheduler.
func (v *Isolate) Start() error {
	var engine *v8.Isolate
	if v.cfg.MaxHeap > 0 {
		initial := v.cfg.InitialHeap
		if initial == 0 {
			initial = v.cfg.MaxHeap / 2
		}
		engine = v8.NewIsolateWith(initial, v.cfg.MaxHeap)
	} else {
		engine = v8.NewIsolate()
	}
	ctx := v8.NewContext(engine)

	v.engine = engine
	v.ctx = ctx
	v.cell = isocell.New(engine)

	if err := installBridge(engine, ctx, v); err != nil {
		return fmt.Errorf("vm: installing host-call bridge: %w", err)
	}
	if _, err := ctx.RunScript(loader.Bundle(), "file://runtime.js"); err != nil {
		return fmt.Errorf("vm: evaluating builtin bundle: %w", err)
	}
	v.status = domain.Running
	return nil
}

// Dispose releases the underlying v8go resources. Safe to call on an
// already-stopped isolate.
func (v *Isolate) Dispose() {
	if v.ctx != nil {
		v.ctx.Close()
	}
	if v.engine != nil {
		v.engine.Dispose()
	}
	v.status = domain.Stopped
}

// Terminate forces the currently-running JS turn (if any) to unwind,
// called by the watchdog against a runaway script. Safe to call
// from any goroutine without holding the isocell guard — TerminateExecution
// is explicitly documented by v8go as interrupt-safe.
func (v *Isolate) Terminate(reason domain.ShutdownReason) {
	v.shutdownReason = reason
	if v.engine != nil {
		v.engine.TerminateExecution()
	}
}

// LoadScript compiles and evaluates one tenant script under the given
// context, registering it with the module loader first so import
// resolution sees it. Appends to v.scripts in call order so
// Reset can replay the same sequence.
func (v *Isolate) LoadScript(cs domain.ContextScript) error {
	specifier := loader.TenantModuleSpecifier(cs)
	v.cfg.Loader.Register(specifier, cs.Script.CompiledJS)

	guard := v.cell.Enter()
	defer guard.Leave()

	wrapped := wrapModule(specifier, cs.Script.CompiledJS)
	script, err := v.engine.CompileUnboundScript(wrapped, specifier, v8.CompileOptions{})
	if err != nil {
		v.cfg.Loader.Unregister(specifier)
		return domain.NewHostError("load_script", domain.KindInvalidArgument, err)
	}
	if _, err := script.Run(v.ctx); err != nil {
		msg := err.Error()
		if v.cfg.SourceMapper != nil {
			msg = v.cfg.SourceMapper.Rewrite(specifier, cs.Script.SourceMap, msg)
		}
		v.cfg.Loader.Unregister(specifier)
		return domain.NewHostError("load_script", domain.KindInvalidArgument, fmt.Errorf("%s", msg))
	}

	v.scripts = append(v.scripts, loadedScript{ContextScript: cs, Specifier: specifier})
	return nil
}

// UnloadScript removes one script by ID from the loaded set and the module
// loader. Unloading a script that was never loaded is a no-op.
func (v *Isolate) UnloadScript(id domain.ScriptID) {
	kept := v.scripts[:0]
	for _, ls := range v.scripts {
		if ls.ContextScript.Script.ID == id {
			v.cfg.Loader.Unregister(ls.Specifier)
			continue
		}
		kept = append(kept, ls)
	}
	v.scripts = kept
}

// DetachAll unloads every script this isolate currently has loaded.
func (v *Isolate) DetachAll() {
	for _, ls := range v.scripts {
		v.cfg.Loader.Unregister(ls.Specifier)
	}
	v.scripts = nil
}

// Dispatch delivers an external event to the script's next_event queue.
// Non-blocking: the event sits in the ambient State until a pending
// next_event call (or the next one) drains it.
func (v *Isolate) Dispatch(ev domain.DispatchEvent) {
	v.cfg.State.PushEvent(ev)
}

// Poll runs one scheduling quantum: it drains exactly one pending command
// (if any) and, if the isolate is still running afterward, pumps the v8go
// microtask queue once so pending Promise continuations make progress.
// Called by internal/vmscheduler once per tick while this isolate holds
// the shared OS thread. Must return promptly — the watchdog is
// timing the total time any one isolate spends inside Poll.
func (v *Isolate) Poll(ctx context.Context) error {
	select {
	case cmd := <-v.inbox:
		if err := v.handle(ctx, cmd); err != nil {
			return err
		}
	default:
	}

	if v.status != domain.Running {
		return nil
	}

	guard := v.cell.Enter()
	defer guard.Leave()
	// A no-op RunScript still drives v8's per-Context microtask queue,
	// which is how pending Promise continuations (resolved host calls,
	// timers) actually get to run between ticks.
	_, err := v.ctx.RunScript("void 0;", "microtask-pump.js")
	if err != nil && v.shutdownReason != domain.ShutdownNone {
		// TerminateExecution (called from the watchdog goroutine, see
		// Terminate) unwinds whatever JS turn RunScript was pumping and
		// surfaces as an error here; a shutdownReason already set means
		// this isolate was deliberately killed rather than hitting a
		// normal script bug, so retire it instead of polling it again.
		v.status = domain.Stopped
	}
	return err
}

func (v *Isolate) handle(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CmdLoadScript:
		return v.LoadScript(cmd.Script)
	case CmdUnloadScript:
		v.UnloadScript(cmd.UnloadID)
		return nil
	case CmdDetachAll:
		v.DetachAll()
		return nil
	case CmdDispatch:
		v.Dispatch(cmd.Event)
		return nil
	case CmdResolveAsync:
		return v.resolveAsync(cmd.AsyncResult)
	case CmdStop:
		v.status = domain.Stopped
		if v.shutdownReason == domain.ShutdownNone {
			v.shutdownReason = domain.ShutdownRequested
		}
		return nil
	default:
		return fmt.Errorf("vm: unknown command kind %d", cmd.Kind)
	}
}

// Reset rebuilds the isolate from scratch: it stops the
// current engine, disposes it, extracts the set of scripts that were
// loaded (in insertion order), clears per-isolate ambient state (the quota
// cache in particular), rebuilds a fresh engine, and re-registers/re-
// evaluates every script in the same order. Nothing in this repository
// calls it: Manager.Restart disposes the isolate and builds a new one.
func (v *Isolate) Reset() error {
	retained := make([]domain.ContextScript, len(v.scripts))
	for i, ls := range v.scripts {
		retained[i] = ls.ContextScript
	}

	v.Dispose()
	v.scripts = nil
	v.cfg.Loader.Reset()
	v.shutdownReason = domain.ShutdownNone
	v.cfg.State.ResetQuota()

	if err := v.Start(); err != nil {
		return fmt.Errorf("vm: reset: %w", err)
	}
	for _, cs := range retained {
		if err := v.LoadScript(cs); err != nil {
			return fmt.Errorf("vm: reset: reloading %q: %w", cs.Script.Name, err)
		}
	}
	return nil
}

// wrapModule wraps a tenant script's compiled JS in an IIFE tagged with
// its module specifier, matching the simple "one file, one global scope"
// model loader.Load's builtin catalog expects (no real ES module linking —
// the compiler resolves imports ahead of time, see internal/compiler).
func wrapModule(specifier, js string) string {
	return fmt.Sprintf("(function(){\n%s\n})();//# sourceURL=%s", js, specifier)
}
