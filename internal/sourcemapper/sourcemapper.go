// Package sourcemapper implements the Error Source-Mapper: given a
// compiled script's source map, it rewrites a JS error's stack trace back
// to file/line/column positions in the tenant's original (pre-compile)
// source, so a script author never sees a line number from generated JS.
//
// Grounded on oriys-nova's internal/compiler package for the idea that a
// script's compile output always travels with its source map (the map is
// domain.Script.SourceMap, produced by internal/compiler), and on
// go-sourcemap/sourcemap's own Consumer.Source API for the actual lookup.
package sourcemapper

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-sourcemap/sourcemap"

	"github.com/botloader/scriptruntime/internal/logging"
)

// stackFrame matches "at foo (bar.js:12:34)" or "at bar.js:12:34".
var stackFrame = regexp.MustCompile(`at (?:([^\s(]+) )?\(?((?:[a-z]+://)?[^\s():]+):(\d+):(\d+)\)?`)

// Mapper caches parsed source maps by script specifier so a busy tenant's
// repeated errors don't re-parse the same map on every occurrence.
type Mapper struct {
	mu    sync.Mutex
	cache map[string]*sourcemap.Consumer
}

// New constructs an empty Mapper.
func New() *Mapper {
	return &Mapper{cache: make(map[string]*sourcemap.Consumer)}
}

// Rewrite rewrites every stack frame in stack that references scriptName
// (the module specifier LoadScript compiled this script under) using
// sourceMap, leaving frames for other modules (builtins, other scripts)
// verbatim. Implements vm.SourceMapper.
func (m *Mapper) Rewrite(scriptName string, sourceMap string, stack string) string {
	if sourceMap == "" {
		return stack
	}
	consumer, err := m.consumer(scriptName, sourceMap)
	if err != nil {
		logging.Op().Warn("sourcemapper: parsing source map failed", "script", scriptName, "error", err)
		return stack
	}

	return stackFrame.ReplaceAllStringFunc(stack, func(frame string) string {
		return m.rewriteFrame(consumer, scriptName, frame)
	})
}

func (m *Mapper) consumer(scriptName, sourceMap string) (*sourcemap.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[scriptName]; ok {
		return c, nil
	}
	c, err := sourcemap.Parse(scriptName, []byte(sourceMap))
	if err != nil {
		return nil, err
	}
	m.cache[scriptName] = c
	return c, nil
}

// Forget evicts a script's cached source map, called when a script is
// unloaded or recompiled so a stale map is never consulted.
func (m *Mapper) Forget(scriptName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, scriptName)
}

func (m *Mapper) rewriteFrame(consumer *sourcemap.Consumer, scriptName, frame string) string {
	groups := stackFrame.FindStringSubmatch(frame)
	if groups == nil {
		return frame
	}
	fn, url, lineStr, colStr := groups[1], groups[2], groups[3], groups[4]
	if url != scriptName {
		return frame
	}

	var line, col int
	if _, err := fmt.Sscanf(lineStr, "%d", &line); err != nil {
		return frame
	}
	if _, err := fmt.Sscanf(colStr, "%d", &col); err != nil {
		return frame
	}

	source, name, origLine, origCol, ok := consumer.Source(line, col)
	if !ok {
		return frame
	}
	if name == "" {
		name = fn
	}

	if name != "" {
		return fmt.Sprintf("at %s (%s:%d:%d)", name, source, origLine, origCol)
	}
	return fmt.Sprintf("at %s:%d:%d", source, origLine, origCol)
}
