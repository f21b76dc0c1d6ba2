// Package sandbox hosts LLM-authored Go programs in a Yaegi interpreter.
//
// Each Sandbox instance holds one interpreter for the lifetime of a
// completion. Programs see the caller's context value as the `context`
// variable and a small set of injected bindings for sub-LLM queries, output,
// and the final answer. Captured locals and the final-answer state persist
// across executions; stdout, stderr and the sub-call log are fresh per call.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/code-rabi/rllm/pkg/core"
)

// DefaultTimeout bounds the wall-clock duration of one Execute call.
const DefaultTimeout = 300 * time.Second

// Config configures a Sandbox.
type Config struct {
	// SystemPrompt, when set, is sent as the system message on every
	// sub-LLM query made from sandboxed code.
	SystemPrompt string

	// Timeout is the wall-clock budget per Execute call. Default: 300s.
	Timeout time.Duration

	// Model is the default model for sub-LLM queries. Programs may override
	// it per call.
	Model string
}

// Sandbox executes LLM-authored code with injected RLM bindings.
type Sandbox struct {
	interp  *interp.Interpreter
	stdout  *syncBuffer
	stderr  *syncBuffer
	service core.CompletionService
	cfg     Config

	mu          sync.Mutex
	ctx         context.Context
	frameCalls  []core.SubLLMCall
	allCalls    []core.SubLLMCall
	subUsage    core.Usage
	locals      map[string]any
	finalAnswer *core.FinalAnswer
	pendingVar  string
	contextVal  any
	hasContext  bool
}

// injectedNames are bindings the sandbox owns; they never appear in locals.
var injectedNames = map[string]bool{
	"context": true,
	"min":     true,
	"max":     true,
}

// blockedPaths are stdlib import paths withheld from interpreted code.
// The sandbox exposes value-level builtins only; no filesystem, network,
// process or dynamic-loading surfaces.
var blockedPaths = []string{
	"os", "net", "syscall", "plugin", "unsafe", "runtime",
	"io/ioutil", "log/syslog", "debug",
}

// New creates a Sandbox bound to the given completion service.
func New(service core.CompletionService, cfg Config) (*Sandbox, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	s := &Sandbox{
		stdout:  newSyncBuffer(),
		stderr:  newSyncBuffer(),
		service: service,
		cfg:     cfg,
		ctx:     context.Background(),
		locals:  make(map[string]any),
	}

	if err := s.initInterpreter(); err != nil {
		return nil, err
	}
	return s, nil
}

// initInterpreter builds a fresh interpreter with the restricted stdlib and
// the RLM bindings installed.
func (s *Sandbox) initInterpreter() error {
	i := interp.New(interp.Options{
		Stdout: s.stdout,
		Stderr: s.stderr,
	})

	if err := i.Use(restrictedSymbols()); err != nil {
		return fmt.Errorf("load stdlib: %w", err)
	}

	symbols := interp.Exports{
		"rlm/rlm": {
			"LLMQuery":        reflect.ValueOf(s.llmQuery),
			"LLMQueryBatched": reflect.ValueOf(s.llmQueryBatched),
			"Print":           reflect.ValueOf(s.print),
			"PrintErr":        reflect.ValueOf(s.printErr),
			"GiveFinalAnswer": reflect.ValueOf(s.giveFinalAnswer),
			"Final":           reflect.ValueOf(s.finalDirect),
			"FinalVar":        reflect.ValueOf(s.finalVar),
		},
	}
	if err := i.Use(symbols); err != nil {
		return fmt.Errorf("inject rlm symbols: %w", err)
	}

	// Pre-import common packages and RLM bindings so programs can use them
	// without qualification.
	setupCode := `
import "fmt"
import "strings"
import "regexp"
import "strconv"
import "sort"
import "encoding/json"
import "math"
import "time"
import "encoding/base64"
import . "rlm/rlm"

// min returns the smaller of two integers (Go 1.21 builtin not supported in Yaegi)
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// max returns the larger of two integers (Go 1.21 builtin not supported in Yaegi)
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
`
	if _, err := i.Eval(setupCode); err != nil {
		return fmt.Errorf("interpreter setup: %w", err)
	}

	s.interp = i
	return nil
}

// restrictedSymbols returns stdlib.Symbols minus the blocked surfaces.
func restrictedSymbols() interp.Exports {
	out := make(interp.Exports, len(stdlib.Symbols))
	for path, symbols := range stdlib.Symbols {
		if pathBlocked(path) {
			continue
		}
		out[path] = symbols
	}
	return out
}

func pathBlocked(path string) bool {
	for _, blocked := range blockedPaths {
		if path == blocked || strings.HasPrefix(path, blocked+"/") {
			return true
		}
	}
	return false
}

// LoadContext binds the payload as the `context` variable. Strings bind
// directly; sequences and mappings round-trip through JSON so interpreted
// code sees plain []interface{} / map[string]interface{} shapes.
func (s *Sandbox) LoadContext(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contextVal = payload
	s.hasContext = true
	return s.bindContext(payload)
}

func (s *Sandbox) bindContext(payload any) error {
	switch v := payload.(type) {
	case nil:
		_, err := s.interp.Eval(`var context = ""`)
		return err

	case string:
		_, err := s.interp.Eval(`var context = ` + strconv.Quote(v))
		return err

	case map[string]any:
		return s.bindStructuredContext(v, "map[string]interface{}")

	case []any:
		return s.bindStructuredContext(v, "[]interface{}")

	case []string:
		return s.bindStructuredContext(v, "[]interface{}")

	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("unsupported context type %T: %w", v, err)
		}
		_, err = s.interp.Eval(`var context = ` + strconv.Quote(string(jsonBytes)))
		return err
	}
}

// bindStructuredContext declares the context variable and unmarshals the
// payload into it inside the interpreter.
func (s *Sandbox) bindStructuredContext(v any, typeDecl string) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	code := fmt.Sprintf(`
var context %s
func init() {
	json.Unmarshal([]byte(%s), &context)
}
`, typeDecl, strconv.Quote(string(jsonBytes)))

	_, err = s.interp.Eval(code)
	return err
}

// Execute runs one program and returns its execution report. Program faults
// and timeouts are contained: they set the report's Error field and never
// propagate to the caller.
func (s *Sandbox) Execute(ctx context.Context, code string) *core.ExecutionReport {
	s.mu.Lock()
	s.ctx = ctx
	s.stdout.Reset()
	s.stderr.Reset()
	s.frameCalls = nil
	s.pendingVar = ""
	s.mu.Unlock()

	start := time.Now()

	done := make(chan struct{})
	var evalErr error

	go func() {
		defer func() {
			if r := recover(); r != nil {
				evalErr = fmt.Errorf("panic: %v", r)
			}
			close(done)
		}()
		_, evalErr = s.interp.Eval(code)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.Timeout):
		return s.frameReport(start, fmt.Sprintf("execution timed out after %s", s.cfg.Timeout), false)
	case <-ctx.Done():
		return s.frameReport(start, fmt.Sprintf("execution cancelled: %v", ctx.Err()), false)
	}

	errMsg := ""
	if evalErr != nil {
		errMsg = evalErr.Error()
		s.stderr.WriteLine(fmt.Sprintf("repl error: %s", errMsg))
	}

	return s.frameReport(start, errMsg, true)
}

// frameReport assembles the report for the current frame. When capture is
// true the interpreter's globals are scanned into the persisted locals map
// and any pending final-answer-by-variable reference is resolved.
func (s *Sandbox) frameReport(start time.Time, errMsg string, capture bool) *core.ExecutionReport {
	if capture {
		s.captureLocals()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if capture {
		s.resolvePendingVarLocked()
	}

	report := &core.ExecutionReport{
		Stdout:   s.stdout.String(),
		Stderr:   s.stderr.String(),
		Locals:   copyLocals(s.locals),
		Duration: time.Since(start),
		SubCalls: append([]core.SubLLMCall(nil), s.frameCalls...),
		Error:    errMsg,
	}
	return report
}

// captureLocals scans top-level interpreter bindings into the persisted
// locals map. Injected bindings, functions, channels, and values whose
// extraction panics are skipped.
func (s *Sandbox) captureLocals() {
	globals := s.interp.Globals()

	captured := make(map[string]any, len(globals))
	for name, v := range globals {
		if injectedNames[name] || strings.HasPrefix(name, "_") {
			continue
		}
		if !v.IsValid() {
			continue
		}
		if v.Kind() == reflect.Func || v.Kind() == reflect.Chan {
			continue
		}
		if val, ok := safeInterface(v); ok {
			captured[name] = val
		}
	}

	s.mu.Lock()
	for name, val := range captured {
		s.locals[name] = val
	}
	s.mu.Unlock()
}

// safeInterface extracts a reflect.Value, recovering from values the host
// cannot materialize.
func safeInterface(v reflect.Value) (val any, ok bool) {
	defer func() {
		if recover() != nil {
			val, ok = nil, false
		}
	}()
	return v.Interface(), true
}

func copyLocals(locals map[string]any) map[string]any {
	out := make(map[string]any, len(locals))
	for k, v := range locals {
		out[k] = v
	}
	return out
}

// resolvePendingVarLocked resolves a FinalVar reference recorded during the
// frame against the freshly captured locals. Last write to a name wins.
func (s *Sandbox) resolvePendingVarLocked() {
	if s.pendingVar == "" || s.finalAnswer != nil {
		s.pendingVar = ""
		return
	}

	name := s.pendingVar
	s.pendingVar = ""

	val, ok := s.locals[name]
	if !ok {
		s.stderr.WriteLine(fmt.Sprintf("FinalVar: variable %q not found", name))
		return
	}
	s.finalAnswer = &core.FinalAnswer{Message: stringify(val)}
}

// FinalAnswer returns the recorded final answer, or nil if none was set.
func (s *Sandbox) FinalAnswer() *core.FinalAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalAnswer == nil {
		return nil
	}
	fa := *s.finalAnswer
	return &fa
}

// GetLocal returns a captured local by name.
func (s *Sandbox) GetLocal(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.locals[name]
	return val, ok
}

// GetLocals returns a copy of all captured locals.
func (s *Sandbox) GetLocals() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLocals(s.locals)
}

// GetVariable evaluates a name in the interpreter and returns its rendered
// value. The driver's legacy FINAL_VAR fallback reads captured locals through
// GetLocal instead.
func (s *Sandbox) GetVariable(name string) (string, error) {
	v, err := s.interp.Eval(name)
	if err != nil {
		return "", fmt.Errorf("variable %q not found: %w", name, err)
	}
	if !v.IsValid() {
		return "", fmt.Errorf("variable %q is invalid", name)
	}
	return stringify(v.Interface()), nil
}

// SubCalls returns all sub-LLM calls recorded since creation or Reset.
func (s *Sandbox) SubCalls() []core.SubLLMCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.SubLLMCall(nil), s.allCalls...)
}

// AggregateSubUsage returns the summed token usage of all sub-LLM calls.
func (s *Sandbox) AggregateSubUsage() core.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subUsage
}

// Reset clears all captured state and rebuilds the interpreter. The
// completion service binding and the loaded context survive.
func (s *Sandbox) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stdout.Reset()
	s.stderr.Reset()
	s.frameCalls = nil
	s.allCalls = nil
	s.subUsage = core.Usage{}
	s.locals = make(map[string]any)
	s.finalAnswer = nil
	s.pendingVar = ""

	if err := s.initInterpreter(); err != nil {
		return err
	}
	if s.hasContext {
		return s.bindContext(s.contextVal)
	}
	return nil
}

// Close releases sandbox resources.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stdout.Reset()
	s.stderr.Reset()
	s.frameCalls = nil
	s.allCalls = nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
