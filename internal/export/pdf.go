package export

import (
	"context"
	"fmt"
	"html"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PrintFunc turns a standalone HTML page into PDF bytes.
type PrintFunc func(ctx context.Context, html string) ([]byte, error)

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// ChromeOptions tune headless printing. Zero values pick US Letter, 0.75in
// margins and a 30s budget per document.
type ChromeOptions struct {
	ExecPath     string
	Timeout      time.Duration
	PaperWidth   float64
	PaperHeight  float64
	Margin       float64
	FooterPrefix string
}

// ChromePrinter prints pages with a fresh headless Chrome per call.
type ChromePrinter struct {
	opts ChromeOptions
}

func NewChromePrinter(opts ChromeOptions) *ChromePrinter {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PaperWidth <= 0 || opts.PaperHeight <= 0 {
		opts.PaperWidth, opts.PaperHeight = 8.5, 11
	}
	if opts.Margin <= 0 {
		opts.Margin = 0.75
	}
	return &ChromePrinter{opts: opts}
}

// ChromePDF prints with default options and whichever Chrome is on PATH.
func ChromePDF(ctx context.Context, html string) ([]byte, error) {
	return NewChromePrinter(ChromeOptions{}).Print(ctx, html)
}

func (p *ChromePrinter) execPath() (string, error) {
	if p.opts.ExecPath != "" {
		if _, err := exec.LookPath(p.opts.ExecPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrPDFDependencyMissing, p.opts.ExecPath)
		}
		return p.opts.ExecPath, nil
	}
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

// footerTemplate numbers every printed page. Chrome fills the pageNumber
// and totalPages spans.
func (p *ChromePrinter) footerTemplate() string {
	prefix := ""
	if p.opts.FooterPrefix != "" {
		prefix = html.EscapeString(p.opts.FooterPrefix) + " &middot; "
	}
	return `<div style="font-size:8px;width:100%;text-align:center;color:#59636e;">` +
		prefix + `<span class="pageNumber"></span> / <span class="totalPages"></span></div>`
}

// Print loads page into a blank tab and prints it.
func (p *ChromePrinter) Print(ctx context.Context, pageHTML string) ([]byte, error) {
	path, err := p.execPath()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, pageHTML).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(p.opts.PaperWidth).
				WithPaperHeight(p.opts.PaperHeight).
				WithMarginTop(p.opts.Margin).
				WithMarginBottom(p.opts.Margin).
				WithMarginLeft(p.opts.Margin).
				WithMarginRight(p.opts.Margin).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(p.footerTemplate()).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return pdf, nil
}
