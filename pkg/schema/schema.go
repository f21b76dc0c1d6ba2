// Package schema renders human-readable type descriptions of context values
// for the metadata turn.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// ErrUnrenderable is returned when a context schema cannot be rendered into
// a description string.
var ErrUnrenderable = errors.New("schema: cannot render description")

// Describe renders a description of the given schema source. Strings pass
// through verbatim as pre-rendered descriptions; any other value is
// reflected into a JSON-schema tree and rendered as an indented outline.
func Describe(v any) (desc string, err error) {
	if s, ok := v.(string); ok {
		return s, nil
	}

	defer func() {
		if r := recover(); r != nil {
			desc, err = "", fmt.Errorf("%w: %v", ErrUnrenderable, r)
		}
	}()

	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	sch := reflector.Reflect(v)
	if sch == nil {
		return "", ErrUnrenderable
	}

	var b strings.Builder
	render(&b, sch, "", 0)
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "", ErrUnrenderable
	}
	return out, nil
}

// render writes one line per field, indenting nested objects.
func render(b *strings.Builder, sch *jsonschema.Schema, name string, depth int) {
	indent := strings.Repeat("  ", depth)

	label := typeLabel(sch)
	if name == "" {
		fmt.Fprintf(b, "%s%s\n", indent, label)
	} else {
		fmt.Fprintf(b, "%s%s: %s\n", indent, name, label)
	}

	if sch.Properties != nil {
		for pair := sch.Properties.Oldest(); pair != nil; pair = pair.Next() {
			render(b, pair.Value, pair.Key, depth+1)
		}
	}
	if sch.Items != nil && sch.Items.Properties != nil {
		for pair := sch.Items.Properties.Oldest(); pair != nil; pair = pair.Next() {
			render(b, pair.Value, pair.Key, depth+1)
		}
	}
}

func typeLabel(sch *jsonschema.Schema) string {
	switch sch.Type {
	case "array":
		if sch.Items != nil {
			return "array of " + typeLabel(sch.Items)
		}
		return "array"
	case "":
		return "any"
	default:
		return sch.Type
	}
}
