// Package export turns document snapshots into static HTML, Markdown and PDF
// files. Nothing here mutates the snapshot or writes to storage.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rubyeditor/api/internal/document"
)

// Format represents the export output format
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// ParseFormat accepts a format name or its usual file extension.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "html", "htm":
		return FormatHTML, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

// Snapshot is the frozen document state an export is produced from.
type Snapshot struct {
	Title     string
	Content   document.Content
	Author    string
	UpdatedAt time.Time
}

// PDFOptions controls the diagonal watermark stamped on every page.
type PDFOptions struct {
	IncludeWatermark bool
	WatermarkText    string
}

func (o PDFOptions) watermark() string {
	if !o.IncludeWatermark {
		return ""
	}
	text := strings.TrimSpace(o.WatermarkText)
	if text == "" {
		return "CONFIDENTIAL"
	}
	return text
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates the snapshot has no renderable tree.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
