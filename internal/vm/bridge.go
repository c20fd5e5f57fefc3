package vm

import (
	"context"
	"encoding/json"

	v8 "rogchap.com/v8go"

	"github.com/botloader/scriptruntime/internal/domain"
)

// asyncResult carries a completed async host call's outcome back into the
// isolate's Poll loop, where it is safe to touch v8go values again. The
// resolver itself was created synchronously (while the engine was locked),
// but the work it is waiting on runs on a separate goroutine so a slow
// chat-API round trip never blocks the scheduler thread.
type asyncResult struct {
	resolver *v8.PromiseResolver
	value    any
	err      error
}

// installBridge wires Deno.core.opSync/opAsync into ctx, dispatching by
// name into v.cfg.Registry against v.cfg.State. Mirrors the Deno runtime's
// own op-dispatch convention, which the builtin ops.js wrapper (see
// internal/loader) assumes.
func installBridge(engine *v8.Isolate, ctx *v8.Context, v *Isolate) error {
	coreTmpl := v8.NewObjectTemplate(engine)

	opSync := v8.NewFunctionTemplate(engine, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return v.handleOpSync(info)
	})
	if err := coreTmpl.Set("opSync", opSync); err != nil {
		return err
	}

	opAsync := v8.NewFunctionTemplate(engine, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return v.handleOpAsync(info)
	})
	if err := coreTmpl.Set("opAsync", opAsync); err != nil {
		return err
	}

	coreObj, err := coreTmpl.NewInstance(ctx)
	if err != nil {
		return err
	}

	denoTmpl := v8.NewObjectTemplate(engine)
	denoObj, err := denoTmpl.NewInstance(ctx)
	if err != nil {
		return err
	}
	if err := denoObj.Set("core", coreObj); err != nil {
		return err
	}
	return ctx.Global().Set("Deno", denoObj)
}

// opArgs extracts (name, rawJSON) from a Deno.core.op{Sync,Async} call.
func opArgs(info *v8.FunctionCallbackInfo) (string, json.RawMessage) {
	args := info.Args()
	var name string
	var raw json.RawMessage
	if len(args) > 0 {
		name = args[0].String()
	}
	if len(args) > 1 {
		raw = json.RawMessage(args[1].String())
	}
	return name, raw
}

func (v *Isolate) handleOpSync(info *v8.FunctionCallbackInfo) *v8.Value {
	name, raw := opArgs(info)
	ctx := context.Background()
	result, err := v.cfg.Registry.Invoke(ctx, name, v.cfg.State, raw)
	if err != nil {
		return v.engine.ThrowException(v.throwHostError(name, err))
	}
	return v.jsonValue(result)
}

func (v *Isolate) handleOpAsync(info *v8.FunctionCallbackInfo) *v8.Value {
	name, raw := opArgs(info)
	vctx := info.Context()

	resolver, err := v8.NewPromiseResolver(vctx)
	if err != nil {
		return v.engine.ThrowException(v.throwHostError(name, err))
	}

	go func() {
		result, err := v.cfg.Registry.Invoke(context.Background(), name, v.cfg.State, raw)
		select {
		case v.inbox <- Command{Kind: CmdResolveAsync, AsyncResult: asyncResult{resolver: resolver, value: result, err: err}}:
		default:
			// Inbox full: the isolate is being torn down or badly
			// backlogged. Dropping the result leaks the Promise, which
			// is preferable to blocking this goroutine forever.
		}
	}()

	return resolver.GetPromise().Value
}

// resolveAsync is called from Poll (engine locked) to settle a Promise
// whose backing host call has completed.
func (v *Isolate) resolveAsync(res asyncResult) error {
	if res.err != nil {
		return res.resolver.Reject(v.jsonValue(map[string]any{"error": res.err.Error()}))
	}
	return res.resolver.Resolve(v.jsonValue(res.value))
}

// jsonValue marshals v to JSON and wraps it as a v8go string Value. Script
// code always JSON.parses the result (see ops.js), so every host call
// response crosses the boundary as a JSON string rather than a
// hand-built v8 object graph.
func (v *Isolate) jsonValue(payload any) *v8.Value {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(`null`)
	}
	val, err := v8.NewValue(v.engine, string(b))
	if err != nil {
		val, _ = v8.NewValue(v.engine, "null")
	}
	return val
}

func (v *Isolate) throwHostError(op string, err error) *v8.Value {
	kind := domain.KindInternal
	if herr, ok := err.(*domain.HostError); ok {
		kind = herr.Kind
	}
	payload := map[string]any{"op": op, "kind": kind.String(), "message": err.Error()}
	return v.jsonValue(payload)
}
