// Package rlm implements the recursive language model driver: the iteration
// loop that alternates root LLM turns with sandboxed code execution.
package rlm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/code-rabi/rllm/pkg/core"
	"github.com/code-rabi/rllm/pkg/logger"
	"github.com/code-rabi/rllm/pkg/observability"
	"github.com/code-rabi/rllm/pkg/parsing"
	"github.com/code-rabi/rllm/pkg/prompt"
	"github.com/code-rabi/rllm/pkg/sandbox"
	"github.com/code-rabi/rllm/pkg/schema"
	"github.com/code-rabi/rllm/pkg/trace"
)

// Config holds driver configuration.
type Config struct {
	// MaxIterations is the maximum number of iteration loops (default: 30).
	MaxIterations int

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string

	// SubLLMSystemPrompt, when set, is sent as the system message of every
	// sub-LLM query made from sandboxed code.
	SubLLMSystemPrompt string

	// Verbose enables slog progress logging.
	Verbose bool

	// Logger is the optional JSONL session logger.
	Logger *logger.Logger

	// Metrics is the optional Prometheus collector set.
	Metrics *observability.Metrics

	// ExecTimeout is the wall-clock budget per sandbox execution
	// (default: 300s).
	ExecTimeout time.Duration

	// ReportBudget is the character budget for one formatted execution
	// report (default: 20000).
	ReportBudget int

	// Model is the default model identifier passed to the completion
	// service on root and sub calls.
	Model string
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 30,
	}
}

// Client drives RLM completions against a CompletionService.
type Client struct {
	service core.CompletionService
	config  Config
}

// New creates a driver for the given completion service.
func New(service core.CompletionService, opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{service: service, config: cfg}
}

// Option configures the driver.
type Option func(*Config)

// WithMaxIterations sets the maximum number of iterations.
func WithMaxIterations(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxIterations = n
		}
	}
}

// WithSystemPrompt sets a custom system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SystemPrompt = prompt }
}

// WithSubLLMSystemPrompt sets the system prompt for sandbox sub-LLM calls.
func WithSubLLMSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SubLLMSystemPrompt = prompt }
}

// WithVerbose enables verbose logging.
func WithVerbose(v bool) Option {
	return func(c *Config) { c.Verbose = v }
}

// WithLogger sets the JSONL session logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the Prometheus collector set.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithExecTimeout sets the per-execution sandbox timeout.
func WithExecTimeout(d time.Duration) Option {
	return func(c *Config) { c.ExecTimeout = d }
}

// WithReportBudget sets the execution-report character budget.
func WithReportBudget(n int) Option {
	return func(c *Config) { c.ReportBudget = n }
}

// WithModel sets the default model identifier.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// CompletionOptions carries per-completion inputs.
type CompletionOptions struct {
	// Context is the value bound as `context` inside the sandbox. It is
	// never placed in the root LLM's prompt.
	Context any

	// ContextSchema optionally describes the context's shape: either a
	// pre-rendered description string or a Go value to reflect.
	ContextSchema any

	// OnEvent, when set, receives every trace event synchronously as it is
	// emitted.
	OnEvent func(core.TraceEvent)
}

// Chat sends messages straight to the completion service, bypassing the
// iteration loop.
func (c *Client) Chat(ctx context.Context, messages []core.Message) (string, error) {
	resp, err := c.service.Complete(ctx, core.CompletionRequest{
		Messages: messages,
		Model:    c.config.Model,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Completion answers the query over the context by iterating root LLM turns
// and sandboxed code execution until a final answer is signalled or the
// iteration limit is exhausted.
func (c *Client) Completion(ctx context.Context, query string, opts CompletionOptions) (*core.RLMResult, error) {
	start := time.Now()

	schemaDesc := ""
	if opts.ContextSchema != nil {
		desc, err := schema.Describe(opts.ContextSchema)
		if err != nil {
			c.config.Metrics.ObserveError()
			return nil, fmt.Errorf("context schema: %w", err)
		}
		schemaDesc = desc
	}

	sb, err := sandbox.New(c.service, sandbox.Config{
		SystemPrompt: c.config.SubLLMSystemPrompt,
		Timeout:      c.config.ExecTimeout,
		Model:        c.config.Model,
	})
	if err != nil {
		c.config.Metrics.ObserveError()
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Close()

	if err := sb.LoadContext(opts.Context); err != nil {
		c.config.Metrics.ObserveError()
		return nil, fmt.Errorf("load context: %w", err)
	}

	descriptor := prompt.DescribeContext(opts.Context)
	builder := prompt.NewBuilder(c.config.SystemPrompt, query)
	if c.config.ReportBudget > 0 {
		builder.SetReportBudget(c.config.ReportBudget)
	}

	rec := trace.NewRecorder(opts.OnEvent)
	history := builder.InitialHistory(descriptor, schemaDesc)

	acct := &accounting{}
	hadBlocks := true

	for i := 0; i < c.config.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			c.config.Metrics.ObserveError()
			return nil, ctx.Err()
		default:
		}

		iterStart := time.Now()
		rec.Emit(core.EventIterationStart, i+1, nil)

		if c.config.Verbose {
			slog.Info("rlm iteration", "iteration", i+1, "max", c.config.MaxIterations)
		}

		userTurn := builder.IterationTurn(i, hadBlocks)
		working := append(append([]core.Message(nil), history...), userTurn)

		response, err := c.rootCall(ctx, rec, i+1, working, acct)
		if err != nil {
			c.config.Metrics.ObserveError()
			return nil, fmt.Errorf("iteration %d: llm completion failed: %w", i+1, err)
		}

		blocks := parsing.FindCodeBlocks(response)
		hadBlocks = len(blocks) > 0

		executed, answered := c.executeBlocks(ctx, rec, i+1, sb, blocks, acct)
		if answered != nil {
			iterations := i + 1
			c.logIteration(iterations, working, response, executed, answered, iterStart)
			rec.Emit(core.EventFinalAnswer, iterations, map[string]any{"answer": answered.Message})
			return c.finish(*answered, acct, iterations, rec, start), nil
		}

		history = append(history, userTurn)
		history = append(history, builder.HistoryEntries(response, executed)...)
		c.logIteration(i+1, working, response, executed, nil, iterStart)
	}

	return c.finalRequest(ctx, rec, sb, builder, history, acct, start)
}

// finalRequest runs the one extra turn permitted after the iteration limit:
// the model is told to answer now, its code blocks still execute, and the
// best available answer is returned.
func (c *Client) finalRequest(
	ctx context.Context,
	rec *trace.Recorder,
	sb *sandbox.Sandbox,
	builder *prompt.Builder,
	history []core.Message,
	acct *accounting,
	start time.Time,
) (*core.RLMResult, error) {
	iteration := c.config.MaxIterations + 1
	iterStart := time.Now()
	rec.Emit(core.EventIterationStart, iteration, nil)

	if c.config.Verbose {
		slog.Info("rlm final request", "iteration", iteration)
	}

	finalTurn := builder.FinalRequestTurn()
	working := append(append([]core.Message(nil), history...), finalTurn)

	response, err := c.rootCall(ctx, rec, iteration, working, acct)
	if err != nil {
		c.config.Metrics.ObserveError()
		return nil, fmt.Errorf("final request: llm completion failed: %w", err)
	}

	blocks := parsing.FindCodeBlocks(response)
	executed, answered := c.executeBlocks(ctx, rec, iteration, sb, blocks, acct)

	answer := core.FinalAnswer{Message: response}
	if answered != nil {
		answer = *answered
	} else if marker := parsing.FindFinalMarker(response); marker != nil {
		answer = c.resolveMarker(sb, marker)
	}

	c.logIteration(iteration, working, response, executed, &answer, iterStart)
	rec.Emit(core.EventFinalAnswer, iteration, map[string]any{"answer": answer.Message})
	return c.finish(answer, acct, iteration, rec, start), nil
}

// resolveMarker maps a legacy FINAL/FINAL_VAR text marker to a final answer,
// resolving variable references against the sandbox's persisted locals.
func (c *Client) resolveMarker(sb *sandbox.Sandbox, marker *parsing.FinalMarker) core.FinalAnswer {
	if marker.Type == parsing.FinalTypeVariable {
		if val, ok := sb.GetLocal(marker.Content); ok {
			return core.FinalAnswer{Message: fmt.Sprintf("%v", val)}
		}
		return core.FinalAnswer{Message: fmt.Sprintf("error: variable %q not found", marker.Content)}
	}
	return core.FinalAnswer{Message: marker.Content}
}

// rootCall performs one root LLM call with trace bookkeeping.
func (c *Client) rootCall(
	ctx context.Context,
	rec *trace.Recorder,
	iteration int,
	messages []core.Message,
	acct *accounting,
) (string, error) {
	lastContent := ""
	if len(messages) > 0 {
		lastContent = messages[len(messages)-1].Content
	}
	rec.Emit(core.EventLLMQueryStart, iteration, map[string]any{
		"prompt": truncate(lastContent, 500),
	})

	resp, err := c.service.Complete(ctx, core.CompletionRequest{
		Messages: messages,
		Model:    c.config.Model,
	})
	if err != nil {
		rec.Emit(core.EventLLMQueryEnd, iteration, map[string]any{"error": err.Error()})
		return "", err
	}

	acct.rootCalls++
	acct.rootUsage = acct.rootUsage.Add(resp.Usage)

	rec.Emit(core.EventLLMQueryEnd, iteration, map[string]any{
		"response":          truncate(resp.Message.Content, 2000),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})

	return resp.Message.Content, nil
}

// executeBlocks runs each code block in order, stopping early once a final
// answer is set; remaining blocks are skipped.
func (c *Client) executeBlocks(
	ctx context.Context,
	rec *trace.Recorder,
	iteration int,
	sb *sandbox.Sandbox,
	blocks []string,
	acct *accounting,
) ([]core.CodeBlock, *core.FinalAnswer) {
	executed := make([]core.CodeBlock, 0, len(blocks))

	for _, code := range blocks {
		rec.Emit(core.EventCodeExecutionStart, iteration, map[string]any{
			"code": truncate(code, 500),
		})

		report := sb.Execute(ctx, code)
		executed = append(executed, core.CodeBlock{Code: code, Report: *report})

		acct.subCalls += len(report.SubCalls)
		for _, call := range report.SubCalls {
			acct.subUsage = acct.subUsage.Add(call.Usage)
		}

		payload := map[string]any{
			"duration_ms": report.Duration.Milliseconds(),
			"sub_calls":   len(report.SubCalls),
		}
		if report.Error != "" {
			payload["error"] = report.Error
		}
		rec.Emit(core.EventCodeExecutionEnd, iteration, payload)

		if c.config.Verbose {
			slog.Info("code executed",
				"iteration", iteration,
				"sub_calls", len(report.SubCalls),
				"error", report.Error != "")
		}

		if fa := sb.FinalAnswer(); fa != nil {
			return executed, fa
		}
	}

	return executed, nil
}

// accounting accumulates call and token counts for one completion.
type accounting struct {
	rootCalls int
	subCalls  int
	rootUsage core.Usage
	subUsage  core.Usage
}

// finish assembles the public result and records metrics.
func (c *Client) finish(
	answer core.FinalAnswer,
	acct *accounting,
	iterations int,
	rec *trace.Recorder,
	start time.Time,
) *core.RLMResult {
	result := &core.RLMResult{
		Answer: answer,
		Usage: core.UsageStats{
			TotalCalls:    acct.rootCalls + acct.subCalls,
			RootCalls:     acct.rootCalls,
			SubCalls:      acct.subCalls,
			Tokens:        acct.rootUsage.Add(acct.subUsage),
			ExecutionTime: time.Since(start),
		},
		Iterations: iterations,
		Trace:      rec.Events(),
	}
	c.config.Metrics.ObserveCompletion(result)
	return result
}

func (c *Client) logIteration(
	iteration int,
	messages []core.Message,
	response string,
	blocks []core.CodeBlock,
	finalAnswer *core.FinalAnswer,
	iterStart time.Time,
) {
	if c.config.Logger == nil {
		return
	}
	_ = c.config.Logger.LogIteration(iteration, messages, response, blocks, finalAnswer, time.Since(iterStart))
}

// truncate shortens a string for trace payloads.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
