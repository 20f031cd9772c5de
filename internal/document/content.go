// Package document holds the structured content model shared by the save,
// versioning, asset and export paths.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidContent  = errors.New("invalid document content")
	ErrTransientSource = errors.New("document references a non-persistent image source")
)

// Content is a serialized ProseMirror/TipTap tree ({"type":"doc","content":[...]}).
type Content = json.RawMessage

type Document struct {
	ID        string
	TenantID  string
	Title     string
	Content   Content
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Revision  int64
}

// Node is the decoded form of a content tree node.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// IsEmpty reports whether content carries no tree at all.
func IsEmpty(content Content) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Canonical re-encodes content so that semantically equal trees compare
// byte-equal: object keys sorted, insignificant whitespace dropped, numbers
// kept verbatim.
func Canonical(content Content) (Content, error) {
	if IsEmpty(content) {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return Content(normalized), nil
}

// Equal compares two trees by their canonical serialized form. Content that
// fails to decode only equals byte-identical content.
func Equal(a, b Content) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

// Parse decodes content into a Node tree.
func Parse(content Content) (Node, error) {
	if IsEmpty(content) {
		return Node{}, fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	var root Node
	if err := json.Unmarshal(content, &root); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return root, nil
}

// Validate checks that content is a well-formed tree: every node is an object
// with a non-empty string type and, when present, an array of child nodes.
func Validate(content Content) error {
	if IsEmpty(content) {
		return fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	var raw any
	if err := json.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return validateNode(raw, "$")
}

func validateNode(value any, path string) error {
	node, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s is not an object", ErrInvalidContent, path)
	}
	nodeType, ok := node["type"].(string)
	if !ok || strings.TrimSpace(nodeType) == "" {
		return fmt.Errorf("%w: %s has no type", ErrInvalidContent, path)
	}
	children, present := node["content"]
	if !present || children == nil {
		return nil
	}
	items, ok := children.([]any)
	if !ok {
		return fmt.Errorf("%w: %s.content is not an array", ErrInvalidContent, path)
	}
	for i, child := range items {
		if err := validateNode(child, fmt.Sprintf("%s.content[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// Walk visits every node depth-first. Returning false stops descent into
// that node's children.
func Walk(node Node, visit func(Node) bool) {
	if !visit(node) {
		return
	}
	for _, child := range node.Content {
		Walk(child, visit)
	}
}

// ImageSources lists the src attribute of every image node.
func ImageSources(content Content) []string {
	root, err := Parse(content)
	if err != nil {
		return nil
	}
	var sources []string
	Walk(root, func(n Node) bool {
		if n.Type == "image" {
			if src, ok := n.Attrs["src"].(string); ok {
				sources = append(sources, src)
			}
		}
		return true
	})
	return sources
}

// IsTransientSource reports URLs that only resolve inside one browser session.
func IsTransientSource(src string) bool {
	lower := strings.ToLower(strings.TrimSpace(src))
	return strings.HasPrefix(lower, "blob:") || strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "file:")
}

// CheckPersistentSources fails when any image node points at a transient URL.
func CheckPersistentSources(content Content) error {
	for _, src := range ImageSources(content) {
		if IsTransientSource(src) {
			return fmt.Errorf("%w: %.40s", ErrTransientSource, src)
		}
	}
	return nil
}

// PlainText concatenates all text nodes, separating blocks with newlines.
func PlainText(content Content) string {
	root, err := Parse(content)
	if err != nil {
		return ""
	}
	var out strings.Builder
	Walk(root, func(n Node) bool {
		if n.Type == "text" {
			out.WriteString(n.Text)
		}
		if n.Type == "paragraph" || n.Type == "heading" {
			if out.Len() > 0 {
				out.WriteString("\n")
			}
		}
		return true
	})
	return strings.TrimSpace(out.String())
}
