// Package compiler invokes the external TypeScript->JavaScript compiler a
// tenant script is built with, producing the JS plus a source map the
// Tenant Manager stores alongside the script.
//
// Grounded on oriys-nova's internal/compiler.Compiler, trimmed of its
// Docker-container build path (no per-tenant container image is needed —
// scripts compile to plain JS, not a native binary) down to its
// subprocess-invocation shape: run an external tool, capture stdout,
// report structured failures rather than a bare error string.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/logging"
)

// Diagnostic is one compiler-reported problem, surfaced back to whoever
// called the Tenant Manager's LoadScript/UpdateScript so the tenant sees why their script
// was rejected.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// Result is a successful compilation's output.
type Result struct {
	JS        string
	SourceMap string
}

// CompileError carries the diagnostics from a failed compilation.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "compiler: compilation failed"
	}
	return fmt.Sprintf("compiler: %s (line %d)", e.Diagnostics[0].Message, e.Diagnostics[0].Line)
}

// subprocessOutput is the JSON contract the external compiler binary is
// expected to print on stdout.
type subprocessOutput struct {
	OK          bool         `json:"ok"`
	JS          string       `json:"js"`
	SourceMap   string       `json:"source_map"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Compiler invokes an external binary (configured via Config.Command) once
// per Compile call, feeding source on stdin and parsing its JSON stdout.
type Compiler struct {
	command []string
	timeout time.Duration
}

// Config configures Compiler construction.
type Config struct {
	// Command is the external compiler binary plus fixed arguments, e.g.
	// []string{"botloader-tsc", "--stdin"}. Required.
	Command []string
	Timeout time.Duration // defaults to 10s
}

// New constructs a Compiler from cfg.
func New(cfg Config) *Compiler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Compiler{command: cfg.Command, timeout: timeout}
}

// Compile runs the external compiler against source and returns the
// produced JS/source map, or a *CompileError with the tool's diagnostics.
func (c *Compiler) Compile(ctx context.Context, source string) (Result, error) {
	if len(source) > domain.MaxScriptSourceBytes {
		return Result{}, domain.NewHostError("compile", domain.KindInvalidArgument, fmt.Errorf("source exceeds %d bytes", domain.MaxScriptSourceBytes))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = bytes.NewBufferString(source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logging.Op().Warn("compiler: subprocess failed", "error", err, "stderr", stderr.String())
		return Result{}, domain.NewHostError("compile", domain.KindInternal, fmt.Errorf("%w: %s", err, stderr.String()))
	}

	var out subprocessOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, domain.NewHostError("compile", domain.KindInternal, fmt.Errorf("parsing compiler output: %w", err))
	}
	if !out.OK {
		return Result{}, &CompileError{Diagnostics: out.Diagnostics}
	}
	return Result{JS: out.JS, SourceMap: out.SourceMap}, nil
}
