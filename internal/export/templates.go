package export

import (
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("document.html").
	Funcs(template.FuncMap{"formatDate": func(t time.Time) string { return t.Format("Jan 2, 2006") }}).
	ParseFS(templateFS, "templates/document.html"))

type pageData struct {
	Title       string
	ContentHTML template.HTML
	Author      string
	UpdatedAt   time.Time
	// Watermark, when set, is drawn diagonally behind every page.
	Watermark string
}

// RenderPage renders a snapshot as one standalone HTML page, optionally
// watermarked. The HTML and PDF exports and the public share view all
// start from this page.
func RenderPage(snapshot Snapshot, watermark string) (string, error) {
	body, err := ToHTML(snapshot.Content)
	if err != nil {
		return "", err
	}
	data := pageData{
		Title:       strings.TrimSpace(snapshot.Title),
		ContentHTML: template.HTML(body),
		Author:      snapshot.Author,
		UpdatedAt:   snapshot.UpdatedAt,
		Watermark:   strings.TrimSpace(watermark),
	}
	if data.Title == "" {
		data.Title = "Untitled document"
	}
	var out strings.Builder
	if err := pageTemplate.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}
