// Package main provides a CLI for running RLM completions over large contexts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/code-rabi/rllm/pkg/core"
	"github.com/code-rabi/rllm/pkg/logger"
	"github.com/code-rabi/rllm/pkg/prompt"
	"github.com/code-rabi/rllm/pkg/providers"
	"github.com/code-rabi/rllm/pkg/rlm"
)

var (
	contextFile   = flag.String("context", "", "Path to context file (or use stdin)")
	contextStr    = flag.String("context-string", "", "Context string directly")
	contextJSON   = flag.Bool("context-json", false, "Parse the context as JSON into a structured value")
	query         = flag.String("query", "", "Query to run against the context")
	model         = flag.String("model", "claude-sonnet-4-20250514", "Model to use")
	maxIterations = flag.Int("max-iterations", 30, "Maximum iterations")
	verbose       = flag.Bool("verbose", false, "Enable verbose output")
	logDir        = flag.String("log-dir", "", "Directory for JSONL session logs (optional)")
	jsonOutput    = flag.Bool("json", false, "Output result as JSON")
	showTrace     = flag.Bool("trace", false, "Print trace events as they occur")
)

func main() {
	flag.Parse()

	// Credentials may live in a local .env file.
	_ = godotenv.Load()

	if *query == "" {
		fmt.Fprintln(os.Stderr, "error: -query is required")
		flag.Usage()
		os.Exit(1)
	}

	contextValue, err := readContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	provider := providers.GetProvider(*model)
	apiKey := os.Getenv(provider.EnvKey())
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "error: %s is not set\n", provider.EnvKey())
		os.Exit(1)
	}

	service, err := providers.New(provider, apiKey, *model, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	opts := []rlm.Option{
		rlm.WithMaxIterations(*maxIterations),
		rlm.WithVerbose(*verbose),
		rlm.WithModel(*model),
	}

	if *logDir != "" {
		desc := prompt.DescribeContext(contextValue)
		sessionLog, err := logger.New(*logDir, logger.Config{
			Model:         *model,
			MaxIterations: *maxIterations,
			Query:         *query,
			ContextType:   desc.Type,
			ContextChars:  desc.TotalChars,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer sessionLog.Close()
		opts = append(opts, rlm.WithLogger(sessionLog))
	}

	client := rlm.New(service, opts...)

	completionOpts := rlm.CompletionOptions{Context: contextValue}
	if *showTrace {
		width := outputWidth()
		completionOpts.OnEvent = func(event core.TraceEvent) {
			line := fmt.Sprintf("[%s] iter=%d %s", event.Type, event.Iteration, summarizePayload(event.Payload))
			fmt.Fprintln(os.Stderr, clip(line, width))
		}
	}

	result, err := client.Completion(context.Background(), *query, completionOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		out := map[string]any{
			"answer":     result.Answer,
			"iterations": result.Iterations,
			"usage":      result.Usage,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Println(result.Answer.Message)
	if *verbose {
		fmt.Fprintf(os.Stderr, "\niterations: %d, root calls: %d, sub calls: %d, tokens: %d, duration: %v\n",
			result.Iterations,
			result.Usage.RootCalls,
			result.Usage.SubCalls,
			result.Usage.Tokens.TotalTokens,
			result.Usage.ExecutionTime)
	}
}

// readContext loads the context from -context-string, -context, or stdin.
func readContext() (any, error) {
	var raw string
	switch {
	case *contextStr != "":
		raw = *contextStr
	case *contextFile != "":
		data, err := os.ReadFile(*contextFile)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		raw = string(data)
	default:
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("no context given: use -context, -context-string, or pipe to stdin")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = string(data)
	}

	if *contextJSON {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("parse context as JSON: %w", err)
		}
		return value, nil
	}

	return raw, nil
}

// outputWidth returns the terminal width for stderr trace lines, or a wide
// default when not a TTY.
func outputWidth() int {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		if width, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && width > 20 {
			return width
		}
	}
	return 160
}

func summarizePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	parts := make([]string, 0, len(payload))
	for k, v := range payload {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

func clip(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
