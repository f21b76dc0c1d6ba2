// Package parsing extracts executable code blocks and legacy final-answer
// markers from LLM responses.
package parsing

import (
	"regexp"
	"strings"
)

var (
	// replBlockRe matches ```repl code blocks.
	// (?s) enables DOTALL mode so . matches newlines.
	replBlockRe = regexp.MustCompile("(?s)```repl[ \\t]*\\n(.*?)\\n[ \\t]*```")

	// finalVarRe matches FINAL_VAR(identifier) at start of line.
	finalVarRe = regexp.MustCompile(`(?m)^\s*FINAL_VAR\(\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\)`)

	// finalRe matches FINAL(...) at start of line.
	finalRe = regexp.MustCompile(`(?m)^\s*FINAL\((.+?)\)\s*$`)
)

// FindCodeBlocks extracts all ```repl code blocks from an LLM response.
// Payloads are trimmed of surrounding whitespace; empty payloads are dropped.
func FindCodeBlocks(text string) []string {
	matches := replBlockRe.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}

	results := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) > 1 {
			code := strings.TrimSpace(match[1])
			if code != "" {
				results = append(results, code)
			}
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results
}

// FinalMarkerType indicates whether a legacy marker carries a literal value
// or a variable reference.
type FinalMarkerType string

// Legacy final-answer marker kinds.
const (
	FinalTypeDirect   FinalMarkerType = "FINAL"
	FinalTypeVariable FinalMarkerType = "FINAL_VAR"
)

// FinalMarker represents a detected FINAL or FINAL_VAR signal.
type FinalMarker struct {
	Type    FinalMarkerType
	Content string
}

// FindFinalMarker detects the legacy FINAL() or FINAL_VAR() signals in an LLM
// response. The sandbox final-answer binding is the primary channel; this
// fallback exists for models that answer in the older text protocol.
// Returns nil if no marker is found.
func FindFinalMarker(text string) *FinalMarker {
	// Check FINAL_VAR first (more specific pattern)
	if match := finalVarRe.FindStringSubmatch(text); match != nil {
		return &FinalMarker{
			Type:    FinalTypeVariable,
			Content: strings.TrimSpace(match[1]),
		}
	}

	if match := finalRe.FindStringSubmatch(text); match != nil {
		content := strings.TrimSpace(match[1])
		content = stripQuotes(content)
		return &FinalMarker{
			Type:    FinalTypeDirect,
			Content: content,
		}
	}

	return nil
}

// stripQuotes removes surrounding quotes from a string if present.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') ||
			(first == '\'' && last == '\'') ||
			(first == '`' && last == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
