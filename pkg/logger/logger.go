// Package logger provides JSONL logging for RLM sessions.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/code-rabi/rllm/pkg/core"
)

// Logger writes one RLM session as a JSONL file: a metadata entry followed
// by one entry per iteration.
type Logger struct {
	file      *os.File
	startTime time.Time
}

// Config holds logger configuration.
type Config struct {
	Model         string
	MaxIterations int
	Query         string
	ContextType   string
	ContextChars  int
}

// MetadataEntry is the first line of a session log.
type MetadataEntry struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"session_id"`
	Model         string `json:"model"`
	MaxIterations int    `json:"max_iterations"`
	Query         string `json:"query"`
	ContextType   string `json:"context_type"`
	ContextChars  int    `json:"context_chars"`
}

// IterationEntry records a single loop turn.
type IterationEntry struct {
	Type          string           `json:"type"`
	Iteration     int              `json:"iteration"`
	Timestamp     string           `json:"timestamp"`
	Prompt        []core.Message   `json:"prompt"`
	Response      string           `json:"response"`
	CodeBlocks    []CodeBlockEntry `json:"code_blocks"`
	FinalAnswer   *core.FinalAnswer `json:"final_answer"`
	IterationTime float64          `json:"iteration_time"`
}

// CodeBlockEntry represents an executed code block in the log.
type CodeBlockEntry struct {
	Code   string          `json:"code"`
	Result CodeResultEntry `json:"result"`
}

// CodeResultEntry is the logged shape of an execution report. Locals are
// logged by name only; values may not be serializable.
type CodeResultEntry struct {
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	LocalNames    []string       `json:"local_names"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	SubCalls      []SubCallEntry `json:"sub_calls"`
}

// SubCallEntry records one sub-LLM call.
type SubCallEntry struct {
	Prompt           string  `json:"prompt"`
	Response         string  `json:"response"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	ExecutionTime    float64 `json:"execution_time"`
	Model            string  `json:"model,omitempty"`
}

// New creates a Logger and writes the metadata entry.
func New(logDir string, cfg Config) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	now := time.Now()
	sessionID := uuid.New().String()
	filename := fmt.Sprintf("rllm_%s_%s.jsonl", now.Format("2006-01-02_15-04-05"), sessionID[:8])
	path := filepath.Join(logDir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	l := &Logger{
		file:      file,
		startTime: now,
	}

	metadata := MetadataEntry{
		Type:          "metadata",
		Timestamp:     now.Format(time.RFC3339Nano),
		SessionID:     sessionID,
		Model:         cfg.Model,
		MaxIterations: cfg.MaxIterations,
		Query:         cfg.Query,
		ContextType:   cfg.ContextType,
		ContextChars:  cfg.ContextChars,
	}

	if err := l.writeEntry(metadata); err != nil {
		file.Close()
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return l, nil
}

// LogIteration logs a single RLM iteration.
func (l *Logger) LogIteration(
	iteration int,
	prompt []core.Message,
	response string,
	blocks []core.CodeBlock,
	finalAnswer *core.FinalAnswer,
	iterationTime time.Duration,
) error {
	entries := make([]CodeBlockEntry, len(blocks))
	for i, block := range blocks {
		subCalls := make([]SubCallEntry, len(block.Report.SubCalls))
		for j, call := range block.Report.SubCalls {
			subCalls[j] = SubCallEntry{
				Prompt:           call.Prompt,
				Response:         call.Response,
				PromptTokens:     call.Usage.PromptTokens,
				CompletionTokens: call.Usage.CompletionTokens,
				ExecutionTime:    call.Duration.Seconds(),
				Model:            call.Model,
			}
		}
		entries[i] = CodeBlockEntry{
			Code: block.Code,
			Result: CodeResultEntry{
				Stdout:        block.Report.Stdout,
				Stderr:        block.Report.Stderr,
				LocalNames:    localNames(block.Report.Locals),
				Error:         block.Report.Error,
				ExecutionTime: block.Report.Duration.Seconds(),
				SubCalls:      subCalls,
			},
		}
	}

	entry := IterationEntry{
		Type:          "iteration",
		Iteration:     iteration,
		Timestamp:     time.Now().Format(time.RFC3339Nano),
		Prompt:        prompt,
		Response:      response,
		CodeBlocks:    entries,
		FinalAnswer:   finalAnswer,
		IterationTime: iterationTime.Seconds(),
	}

	return l.writeEntry(entry)
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) writeEntry(entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

func localNames(locals map[string]any) []string {
	names := make([]string, 0, len(locals))
	for name := range locals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
