package task

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// fence delimits the YAML frontmatter block.
const fence = "---"

// knownKeys are the frontmatter keys decoded into Task fields. Anything
// else in the header is preserved verbatim in the Metadata map.
var knownKeys = map[string]bool{
	"id":                 true,
	"project":            true,
	"schema_version":     true,
	"title":              true,
	"priority":           true,
	"tags":               true,
	"status":             true,
	"routing":            true,
	"lease":              true,
	"parent_id":          true,
	"depends_on":         true,
	"created_at":         true,
	"updated_at":         true,
	"last_transition_at": true,
	"content_hash":       true,
	"gate":               true,
	"gate_history":       true,
	"review_context":     true,
	"sla":                true,
	"resource":           true,
	"metadata":           true,
}

// Encode serializes a task as a frontmatter record: a YAML header fenced
// by "---" lines followed by the free-text body. Output is UTF-8 with
// Unix line endings.
func Encode(t *Task) ([]byte, error) {
	header, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString(fence)
	b.WriteByte('\n')
	b.Write(header)
	b.WriteString(fence)
	b.WriteByte('\n')
	if t.Body != "" {
		b.WriteString(t.Body)
		if !strings.HasSuffix(t.Body, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.Bytes(), nil
}

// Decode parses a frontmatter record into a task. Unknown header keys are
// preserved in Metadata; the body is everything after the closing fence.
func Decode(data []byte) (*Task, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var t Task
	if err := yaml.Unmarshal(header, &t); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("frontmatter missing id")
	}
	if !IsValidStatus(t.Status) {
		return nil, fmt.Errorf("frontmatter has invalid status %q", t.Status)
	}

	// Preserve unknown keys in the opaque metadata map
	var raw map[string]any
	if err := yaml.Unmarshal(header, &raw); err == nil {
		for key, val := range raw {
			if knownKeys[key] {
				continue
			}
			t.SetMeta(key, stringifyValue(val))
		}
	}

	t.Body = string(body)
	return &t, nil
}

// splitFrontmatter separates the fenced YAML header from the body.
func splitFrontmatter(data []byte) (header, body []byte, err error) {
	text := string(data)
	if !strings.HasPrefix(text, fence+"\n") {
		return nil, nil, fmt.Errorf("missing frontmatter opening fence")
	}
	rest := text[len(fence)+1:]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return nil, nil, fmt.Errorf("missing frontmatter closing fence")
	}
	header = []byte(rest[:idx+1])
	after := rest[idx+1+len(fence):]
	// The closing fence line ends with a newline unless at EOF
	after = strings.TrimPrefix(after, "\n")
	return header, []byte(after), nil
}

// stringifyValue renders an unknown frontmatter value for the metadata map.
// Scalars keep their natural rendering; compound values round-trip as
// inline YAML.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprint(val)
	default:
		out, err := yaml.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return strings.TrimSuffix(string(out), "\n")
	}
}
