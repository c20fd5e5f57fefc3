// Package loader resolves and serves the fixed catalog of built-in modules
// plus per-tenant user modules. No network fetch, no filesystem
// fallback: load either returns a catalog/registered source or fails.
//
// Grounded on oriys-nova's internal/codeloader.Strategy: a small pluggable
// registry interface with one concrete default, generalized here from
// "disk image strategies" to "module specifier -> source text".
package loader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/botloader/scriptruntime/internal/domain"
)

// ErrNotFound is returned by Load when the specifier is neither a catalog
// module nor a registered per-tenant module.
var ErrNotFound = fmt.Errorf("loader: module not found")

// Module is one catalog entry: a canonical specifier and its source text.
type Module struct {
	Specifier string
	Source    string
}

// builtins carries the fixed (specifier, source) catalog: runtime library,
// op wrappers, dispatcher, standard surface, and index. Source text is
// intentionally minimal — the real library bodies live in the TS->JS
// compiler's runtime package and are out of this module's scope; what
// matters here is that resolve/load is exhaustive over this exact set.
var builtins = []Module{
	{Specifier: "file://runtime.js", Source: builtinRuntimeJS},
	{Specifier: "file://ops.js", Source: builtinOpsJS},
	{Specifier: "file://dispatcher.js", Source: builtinDispatcherJS},
	{Specifier: "file://index.js", Source: builtinIndexJS},
	{Specifier: "file://std.js", Source: builtinStdJS},
}

// Loader implements module resolution/loading for one isolate instance.
// Per-tenant modules are registered at LoadScript time and cleared by the
// isolate's Reset (see internal/vm), so a Loader's lifetime matches its
// isolate's.
type Loader struct {
	mu        sync.RWMutex
	builtin   map[string]string
	tenant    map[string]string // specifier -> source, registered per ContextScript
}

// New creates a Loader pre-seeded with the builtin catalog.
func New() *Loader {
	l := &Loader{
		builtin: make(map[string]string, len(builtins)),
		tenant:  make(map[string]string),
	}
	for _, m := range builtins {
		l.builtin[m.Specifier] = m.Source
	}
	return l
}

// Register adds or replaces a per-tenant module's source under specifier.
// Called by the per-tenant isolate when a script is (re)loaded into a
// ContextScript.
func (l *Loader) Register(specifier, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenant[specifier] = source
}

// Unregister removes a per-tenant module, e.g. on UnloadScripts.
func (l *Loader) Unregister(specifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tenant, specifier)
}

// Reset clears all per-tenant modules, e.g. on isolate Reset. The
// builtin catalog is untouched.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenant = make(map[string]string)
}

// Resolve canonicalizes specifier relative to referrer. Canonical form is
// file://<name>.js. "bot/index" is accepted as an alias for "index";
// a leading "./" is stripped; absolute URLs pass through unchanged.
func Resolve(specifier, referrer string) string {
	_ = referrer // referrer is unused for this loader: every specifier resolves to an absolute file:// URL regardless of who asked.

	if strings.Contains(specifier, "://") {
		return specifier
	}

	s := strings.TrimPrefix(specifier, "./")
	if s == "bot/index" {
		s = "index"
	}
	if !strings.HasSuffix(s, ".js") {
		s += ".js"
	}
	return "file://" + s
}

// Load returns the source registered for specifier, or ErrNotFound.
func (l *Loader) Load(specifier string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if src, ok := l.builtin[specifier]; ok {
		return src, nil
	}
	if src, ok := l.tenant[specifier]; ok {
		return src, nil
	}
	return "", ErrNotFound
}

// TenantModuleSpecifier builds the file://guild/<name>.js-style specifier
// for a ContextScript, namespacing by ScriptContext so two attachments of
// one script to different contexts produce distinct module URLs.
func TenantModuleSpecifier(cs domain.ContextScript) string {
	return fmt.Sprintf("file://%s/%s.js", cs.Context.ModuleSuffix(), cs.Script.Name)
}

// Bundle concatenates the builtin catalog, in dependency order, into one
// script suitable for a single CompileUnboundScript+Run call ahead of any
// tenant script. v8go's CompileUnboundScript has no module linker, so the
// catalog is plain global-scope JS (a Botloader namespace object) rather
// than ES modules with import/export — the compiled tenant script a user
// uploads goes through the same restriction, see wrapModule.
func Bundle() string {
	var b strings.Builder
	for _, spec := range []string{"file://runtime.js", "file://ops.js", "file://dispatcher.js", "file://std.js"} {
		for _, m := range builtins {
			if m.Specifier == spec {
				b.WriteString(m.Source)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

const builtinRuntimeJS = `// botloader runtime core: the shared namespace every op wrapper hangs off.
globalThis.Botloader = globalThis.Botloader || {};
`

const builtinOpsJS = `// thin wrappers around each host call exposed via the hostcalls registry.
// Every call takes exactly one args object, JSON-encoded across the bridge
// and decoded back into the matching Go struct in internal/hostcalls.
Botloader.op = function(name, args) {
	return JSON.parse(Deno.core.opSync(name, JSON.stringify(args || {})));
};
Botloader.opAsync = async function(name, args) {
	const raw = await Deno.core.opAsync(name, JSON.stringify(args || {}));
	return JSON.parse(raw);
};
`

const builtinDispatcherJS = `// pulls DispatchEvents from next_event and fans them out to registered listeners.
Botloader.listeners = {};

Botloader.on = function(name, cb) {
	(Botloader.listeners[name] = Botloader.listeners[name] || []).push(cb);
};

Botloader.run = async function() {
	for (;;) {
		const ev = await Botloader.opAsync("next_event", {});
		if (ev.name === "STOP") return;
		for (const cb of Botloader.listeners[ev.name] || []) cb(ev.payload);
	}
};
`

const builtinIndexJS = `// default entrypoint, kept as a catalog entry for Load/Resolve parity with
// the rest of the builtin set; the tenant bundle never needs to import it.
`

const builtinStdJS = `// the curated host API surface (chat, storage, logging) exposed to scripts.
Botloader.log = function(level, msg) { Botloader.op("log", { level, msg }); };
Botloader.createMessage = function(channelID, body) { return Botloader.opAsync("create_message", { channel_id: channelID, body }); };
Botloader.bucketSet = function(key, value, ttlSeconds) { return Botloader.op("bucket_set", { key, value, ttl_seconds: ttlSeconds || 0 }); };
Botloader.bucketGet = function(key) { return Botloader.op("bucket_get", { key }); };
Botloader.bucketIncr = function(key, amount) { return Botloader.op("bucket_incr", { key, amount }); };
`
