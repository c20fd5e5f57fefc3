// Package hostcalls implements the Host-Call Registry: the named
// operations a tenant script invokes via the bridge's opSync/opAsync
// dispatch, bound against the ambient per-isolate State rather than against
// v8go directly. internal/vm installs the v8go FunctionTemplates that call
// into a Registry; this package owns naming, argument decoding, and the
// storage quota gate, and stays free of cgo so it's unit-testable without a
// real isolate.
//
// Grounded on the pipeline doc-comment style of oriys-nova's
// internal/executor/executor.go (named, independently registered steps
// dispatched by string key) and on its internal/tenant/isolation.go's
// EnforceQuota for the quota-gate shape.
package hostcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/metrics"
	"github.com/botloader/scriptruntime/internal/observability"
)

// Func is one host call's Go-side implementation. args is the raw JSON
// argument array/object the script passed; the handler is responsible for
// decoding whatever shape it expects.
type Func func(ctx context.Context, st *State, args json.RawMessage) (any, error)

type registration struct {
	fn    Func
	async bool
}

// Registry is the set of host calls available to a tenant's isolate.
// A Registry is built once and shared read-only across isolates; State
// carries the per-isolate parts.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]registration
}

// New returns an empty Registry. Use RegisterDefaults to populate it with
// the standard call groups.
func New() *Registry {
	return &Registry{calls: make(map[string]registration)}
}

// Register adds a synchronous host call. Registering the same name twice
// is a programmer error and panics, mirroring net/http.ServeMux's
// duplicate-pattern behavior.
func (r *Registry) Register(name string, fn Func) {
	r.add(name, fn, false)
}

// RegisterAsync adds a host call that the bridge exposes as a Promise:
// chat calls and next_event are async because they involve network I/O or
// suspension, everything else is sync.
func (r *Registry) RegisterAsync(name string, fn Func) {
	r.add(name, fn, true)
}

func (r *Registry) add(name string, fn Func, async bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[name]; exists {
		panic(fmt.Sprintf("hostcalls: %q already registered", name))
	}
	r.calls[name] = registration{fn: fn, async: async}
}

// IsAsync reports whether name was registered via RegisterAsync. Unknown
// names report false; Invoke is what surfaces "unknown host call" as an
// error.
func (r *Registry) IsAsync(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[name].async
}

// Names lists every registered call, sorted by nothing in particular —
// callers that need determinism should sort themselves.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.calls))
	for name := range r.calls {
		out = append(out, name)
	}
	return out
}

// Invoke dispatches name against st with the given raw JSON arguments. An
// unknown name is reported as a KindInvalidArgument HostError, since from
// the script's perspective calling an undeclared host function is a
// script bug, not a transport or internal failure.
func (r *Registry) Invoke(ctx context.Context, name string, st *State, args json.RawMessage) (any, error) {
	ctx, span := observability.Tracer("hostcalls").Start(ctx, name)
	defer span.End()

	r.mu.RLock()
	reg, ok := r.calls[name]
	r.mu.RUnlock()
	if !ok {
		err := domain.NewHostError(name, domain.KindInvalidArgument, fmt.Errorf("unknown host call"))
		metrics.Default().HostCallErrors.WithLabelValues(name, domain.KindInvalidArgument.String()).Inc()
		return nil, err
	}
	result, err := reg.fn(ctx, st, args)
	if err != nil {
		kind := domain.KindInternal
		var hostErr *domain.HostError
		if errors.As(err, &hostErr) {
			kind = hostErr.Kind
		}
		span.RecordError(err)
		metrics.Default().HostCallErrors.WithLabelValues(name, kind.String()).Inc()
		if kind == domain.KindQuotaExceeded {
			metrics.Default().QuotaRejections.Inc()
		}
	}
	return result, err
}

// decode unmarshals args into v, wrapping failures as a KindInvalidArgument
// HostError so every handler reports malformed arguments the same way.
func decode(op string, args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return domain.NewHostError(op, domain.KindInvalidArgument, err)
	}
	return nil
}
