package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/code-rabi/rllm/pkg/core"
)

// DefaultReportBudget is the character budget for one formatted execution
// report embedded in a user turn.
const DefaultReportBudget = 20000

// Builder assembles message history for one completion.
type Builder struct {
	systemPrompt string
	query        string
	reportBudget int
}

// NewBuilder creates a Builder for the given root query. An empty
// systemPrompt selects DefaultSystemPrompt.
func NewBuilder(systemPrompt, query string) *Builder {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Builder{
		systemPrompt: systemPrompt,
		query:        query,
		reportBudget: DefaultReportBudget,
	}
}

// SetReportBudget overrides the execution-report character budget.
func (b *Builder) SetReportBudget(n int) {
	if n > 0 {
		b.reportBudget = n
	}
}

// InitialHistory returns the fixed head of the message history: the system
// prompt followed by the context-metadata assistant turn.
func (b *Builder) InitialHistory(desc core.ContextDescriptor, schemaDesc string) []core.Message {
	return []core.Message{
		{Role: core.RoleSystem, Content: b.systemPrompt},
		MetadataTurn(desc, schemaDesc),
	}
}

// IterationTurn builds the user turn for iteration i (0-based).
// hadBlocks reports whether the previous response contained any repl block;
// it is ignored for i == 0.
func (b *Builder) IterationTurn(i int, hadBlocks bool) core.Message {
	var parts []string
	if i == 0 {
		parts = append(parts, firstIterationPreamble)
	} else {
		if !hadBlocks {
			parts = append(parts, noBlocksReminder)
		}
		parts = append(parts, continuationPreamble)
	}
	parts = append(parts, fmt.Sprintf(iterationTemplate, b.query))
	return core.Message{Role: core.RoleUser, Content: strings.Join(parts, "\n\n")}
}

// FinalRequestTurn builds the user turn sent once the iteration limit is hit.
func (b *Builder) FinalRequestTurn() core.Message {
	return core.Message{Role: core.RoleUser, Content: FinalRequestPrompt}
}

// HistoryEntries converts one executed iteration into history messages: the
// verbatim assistant response, then one user message per executed code block
// carrying the code and its formatted report.
func (b *Builder) HistoryEntries(response string, blocks []core.CodeBlock) []core.Message {
	msgs := make([]core.Message, 0, 1+len(blocks))
	msgs = append(msgs, core.Message{Role: core.RoleAssistant, Content: response})

	for _, block := range blocks {
		content := fmt.Sprintf(
			"Code executed:\n```repl\n%s\n```\n\nREPL output:\n%s",
			block.Code,
			b.FormatReport(&block.Report),
		)
		msgs = append(msgs, core.Message{Role: core.RoleUser, Content: content})
	}

	return msgs
}

// FormatReport renders an execution report for the LLM: stdout, stderr, the
// top-level variable names, and a correction hint on error. Output beyond the
// report budget is truncated with an elision tail.
func (b *Builder) FormatReport(report *core.ExecutionReport) string {
	var parts []string

	if report.Stdout != "" {
		parts = append(parts, strings.TrimRight(report.Stdout, "\n"))
	}
	if report.Stderr != "" {
		parts = append(parts, strings.TrimRight(report.Stderr, "\n"))
	}
	if names := visibleLocalNames(report.Locals); len(names) > 0 {
		parts = append(parts, "REPL variables: ["+strings.Join(names, ", ")+"]")
	}
	if report.Error != "" {
		parts = append(parts, "The code raised an error. Inspect the message above, correct the code, and try again.")
	}

	if len(parts) == 0 {
		return "No output"
	}

	return truncateWithTail(strings.Join(parts, "\n\n"), b.reportBudget)
}

// visibleLocalNames lists captured locals whose names do not start with an
// underscore, sorted for stable output.
func visibleLocalNames(locals map[string]any) []string {
	names := make([]string, 0, len(locals))
	for name := range locals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// truncateWithTail trims s to the budget and appends an elision note.
func truncateWithTail(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	elided := len(s) - budget
	return s[:budget] + fmt.Sprintf("\n... (%d chars truncated)", elided)
}
