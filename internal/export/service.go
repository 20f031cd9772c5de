package export

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Exporter produces downloadable files from snapshots. The PDF printer is
// swappable so callers without Chrome can still export HTML and Markdown.
type Exporter struct {
	print PrintFunc
}

func New(print PrintFunc) *Exporter {
	if print == nil {
		print = ChromePDF
	}
	return &Exporter{print: print}
}

// Export dispatches on format. Options only affect PDF output.
func (e *Exporter) Export(ctx context.Context, format Format, snapshot Snapshot, filename string, opts PDFOptions) (*Result, error) {
	switch format {
	case FormatHTML:
		return ExportHTML(snapshot, filename)
	case FormatMarkdown:
		return ExportMarkdown(snapshot, filename)
	case FormatPDF:
		return e.ExportPDF(ctx, snapshot, filename, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func ExportHTML(snapshot Snapshot, filename string) (*Result, error) {
	page, err := RenderPage(snapshot, "")
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return &Result{
		Data:     []byte(page),
		Filename: outputName(filename, snapshot.Title, ".html"),
		MimeType: "text/html; charset=utf-8",
	}, nil
}

func ExportMarkdown(snapshot Snapshot, filename string) (*Result, error) {
	body, err := ToMarkdown(snapshot.Content)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	if title := strings.TrimSpace(snapshot.Title); title != "" && !strings.HasPrefix(body, "# ") {
		body = "# " + title + "\n\n" + body
	}
	return &Result{
		Data:     []byte(body),
		Filename: outputName(filename, snapshot.Title, ".md"),
		MimeType: "text/markdown; charset=utf-8",
	}, nil
}

func (e *Exporter) ExportPDF(ctx context.Context, snapshot Snapshot, filename string, opts PDFOptions) (*Result, error) {
	page, err := RenderPage(snapshot, opts.watermark())
	if err != nil {
		return nil, fmt.Errorf("render pdf source: %w", err)
	}
	data, err := e.print(ctx, page)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     data,
		Filename: outputName(filename, snapshot.Title, ".pdf"),
		MimeType: "application/pdf",
	}, nil
}

func outputName(filename, title, ext string) string {
	base := strings.TrimSpace(filename)
	if base == "" {
		base = title
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return sanitizeFilename(base) + ext
}
