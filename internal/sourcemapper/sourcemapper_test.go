package sourcemapper

import (
	"strings"
	"testing"
)

// A minimal valid source map: one segment mapping generated (1,0) to
// original source "orig.ts" at (1,0), under the name "handler".
const testMap = `{
  "version": 3,
  "file": "out.js",
  "sources": ["orig.ts"],
  "names": ["handler"],
  "mappings": "AAAAA"
}`

func TestRewriteLeavesUnknownModulesVerbatim(t *testing.T) {
	m := New()
	stack := "Error: boom\n    at (other.js:5:1)"
	got := m.Rewrite("main.js", testMap, stack)
	if got != stack {
		t.Errorf("expected frame for a different module left untouched, got %q", got)
	}
}

func TestRewriteNoSourceMapIsNoop(t *testing.T) {
	m := New()
	stack := "Error: boom\n    at (main.js:1:0)"
	got := m.Rewrite("main.js", "", stack)
	if got != stack {
		t.Errorf("expected no-op when sourceMap is empty, got %q", got)
	}
}

func TestRewriteKnownModuleFrame(t *testing.T) {
	m := New()
	stack := "Error: boom\n    at (main.js:1:0)"
	got := m.Rewrite("main.js", testMap, stack)
	if !strings.Contains(got, "orig.ts") {
		t.Errorf("expected rewritten frame to reference orig.ts, got %q", got)
	}
}

func TestForgetEvictsCache(t *testing.T) {
	m := New()
	m.Rewrite("main.js", testMap, "at (main.js:1:0)")
	if _, ok := m.cache["main.js"]; !ok {
		t.Fatal("expected consumer to be cached")
	}
	m.Forget("main.js")
	if _, ok := m.cache["main.js"]; ok {
		t.Error("expected Forget to evict the cached consumer")
	}
}
