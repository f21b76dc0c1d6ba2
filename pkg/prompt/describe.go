package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/code-rabi/rllm/pkg/core"
)

// maxChunksListed caps the per-chunk length list in the metadata turn.
const maxChunksListed = 100

// DescribeContext computes the metadata descriptor for a context value.
// Strings report a single chunk; ordered sequences report per-element
// rendered lengths; everything else is serialized as JSON and reported as a
// single chunk. The reported total always equals the rendered-text length.
func DescribeContext(payload any) core.ContextDescriptor {
	switch v := payload.(type) {
	case nil:
		return core.ContextDescriptor{Type: "string", TotalChars: 0, ChunkLengths: []int{0}}

	case string:
		return core.ContextDescriptor{Type: "string", TotalChars: len(v), ChunkLengths: []int{len(v)}}

	case []string:
		lengths := make([]int, len(v))
		total := 0
		for i, s := range v {
			lengths[i] = len(s)
			total += len(s)
		}
		return core.ContextDescriptor{Type: "array", TotalChars: total, ChunkLengths: lengths}

	case []any:
		lengths := make([]int, len(v))
		total := 0
		for i, elem := range v {
			n := len(renderText(elem))
			lengths[i] = n
			total += n
		}
		return core.ContextDescriptor{Type: "array", TotalChars: total, ChunkLengths: lengths}

	case map[string]any:
		n := len(renderText(v))
		return core.ContextDescriptor{Type: "object", TotalChars: n, ChunkLengths: []int{n}}

	default:
		n := len(renderText(v))
		return core.ContextDescriptor{Type: "object", TotalChars: n, ChunkLengths: []int{n}}
	}
}

// renderText renders a context element as text the way the sandbox would
// present it to a sub-LLM.
func renderText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// MetadataTurn builds the assistant message describing the context. The
// schema description, when non-empty, is appended as a type reference the
// model may consult.
func MetadataTurn(desc core.ContextDescriptor, schemaDesc string) core.Message {
	var b strings.Builder
	b.WriteString("Context metadata:\n")
	fmt.Fprintf(&b, "- type: %s\n", desc.Type)
	fmt.Fprintf(&b, "- total characters: %d\n", desc.TotalChars)
	fmt.Fprintf(&b, "- chunk lengths: %s\n", formatChunkLengths(desc.ChunkLengths))

	if schemaDesc != "" {
		b.WriteString("\nContext schema:\n")
		b.WriteString(schemaDesc)
	}

	return core.Message{Role: core.RoleAssistant, Content: strings.TrimRight(b.String(), "\n")}
}

func formatChunkLengths(lengths []int) string {
	shown := lengths
	extra := 0
	if len(shown) > maxChunksListed {
		extra = len(shown) - maxChunksListed
		shown = shown[:maxChunksListed]
	}

	parts := make([]string, len(shown))
	for i, n := range shown {
		parts[i] = fmt.Sprintf("%d", n)
	}

	s := "[" + strings.Join(parts, ", ") + "]"
	if extra > 0 {
		s += fmt.Sprintf(" (+ %d more)", extra)
	}
	return s
}
