package versioning

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/export"
)

// Current addresses the live document content in Compare.
const Current = 0

type LineOp string

const (
	LineEqual  LineOp = "equal"
	LineInsert LineOp = "insert"
	LineDelete LineOp = "delete"
)

type Line struct {
	Op   LineOp `json:"op"`
	Text string `json:"text"`
}

// Comparison is a line diff of the Markdown renderings of two states.
type Comparison struct {
	From    int    `json:"from"`
	To      int    `json:"to"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Lines   []Line `json:"lines"`
}

// Unified renders the comparison as +/- prefixed text.
func (c Comparison) Unified() string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", label(c.From), label(c.To))
	for _, line := range c.Lines {
		switch line.Op {
		case LineInsert:
			b.WriteString("+ " + line.Text + "\n")
		case LineDelete:
			b.WriteString("- " + line.Text + "\n")
		default:
			b.WriteString("  " + line.Text + "\n")
		}
	}
	return b.String()
}

func label(number int) string {
	if number == Current {
		return "current"
	}
	return fmt.Sprintf("v%d", number)
}

// Compare diffs two versions of a document. Version 0 is the live content.
func (m *Manager) Compare(ctx context.Context, tenantID, documentID string, from, to int) (Comparison, error) {
	before, err := m.contentAt(ctx, tenantID, documentID, from)
	if err != nil {
		return Comparison{}, err
	}
	after, err := m.contentAt(ctx, tenantID, documentID, to)
	if err != nil {
		return Comparison{}, err
	}
	beforeText, err := renderForDiff(before)
	if err != nil {
		return Comparison{}, fmt.Errorf("render %s: %w", label(from), err)
	}
	afterText, err := renderForDiff(after)
	if err != nil {
		return Comparison{}, fmt.Errorf("render %s: %w", label(to), err)
	}

	result := Comparison{From: from, To: to, Lines: make([]Line, 0)}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(beforeText, afterText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		text := strings.TrimSuffix(d.Text, "\n")
		op := LineEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = LineInsert
		case diffmatchpatch.DiffDelete:
			op = LineDelete
		}
		for _, line := range strings.Split(text, "\n") {
			result.Lines = append(result.Lines, Line{Op: op, Text: line})
			switch op {
			case LineInsert:
				result.Added++
			case LineDelete:
				result.Removed++
			}
		}
	}
	return result, nil
}

func (m *Manager) contentAt(ctx context.Context, tenantID, documentID string, number int) (document.Content, error) {
	if number == Current {
		if m.docs == nil {
			return nil, fmt.Errorf("compare current content: no document reader")
		}
		doc, err := m.docs.GetDocument(ctx, tenantID, documentID)
		if err != nil {
			return nil, err
		}
		return doc.Content, nil
	}
	v, err := m.Get(ctx, tenantID, documentID, number)
	if err != nil {
		return nil, err
	}
	return v.Content, nil
}

func renderForDiff(content document.Content) (string, error) {
	if document.IsEmpty(content) {
		return "", nil
	}
	return export.ToMarkdown(content)
}
