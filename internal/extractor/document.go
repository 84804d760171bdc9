package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	ErrPasswordProtected = errors.New("PDF is password protected")
	ErrDamaged           = errors.New("PDF appears to be damaged or invalid")
)

// PageContent is what one page's text layer yields.
type PageContent struct {
	Text   string
	Tables [][][]string
	// Source is "text-layer" or "pdftotext".
	Source string
}

// Toolkit opens PDFs for page-wise processing.
type Toolkit struct {
	cfg    Config
	logger *slog.Logger
}

func NewToolkit(cfg Config, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{cfg: cfg.withDefaults(), logger: logger}
}

// Document is an opened PDF. The Go text-layer reader is not safe for
// concurrent use, so access to it is serialized; poppler calls run freely.
type Document struct {
	path   string
	cfg    Config
	logger *slog.Logger
	pages  int

	mu     sync.Mutex
	file   *os.File
	reader *pdf.Reader
}

func (t *Toolkit) Open(_ context.Context, path string) (*Document, error) {
	d := &Document{path: path, cfg: t.cfg, logger: t.logger}

	f, r, readerErr := openReader(path)
	if readerErr == nil {
		d.file, d.reader = f, r
	}

	pages, countErr := api.PageCountFile(path)
	switch {
	case countErr == nil:
		d.pages = pages
	case d.reader != nil:
		d.pages = safeNumPage(d.reader)
	}

	if d.pages <= 0 {
		d.Close()
		if countErr != nil && strings.Contains(strings.ToLower(countErr.Error()), "password") {
			return nil, ErrPasswordProtected
		}
		if countErr != nil || readerErr != nil {
			return nil, ErrDamaged
		}
		return nil, fmt.Errorf("PDF has no pages")
	}
	if readerErr != nil {
		t.logger.Debug("go text layer unavailable, using pdftotext", "error", readerErr)
	}
	return d, nil
}

func (d *Document) PageCount() int { return d.pages }

// PageText returns the text layer and detected tables for a 1-based page.
// Blank or unreadable Go text layers fall back to pdftotext; a blank page
// is not an error.
func (d *Document) PageText(ctx context.Context, page int) (PageContent, error) {
	if page < 1 || page > d.pages {
		return PageContent{}, fmt.Errorf("page %d out of range 1..%d", page, d.pages)
	}

	pc, err := d.goTextLayer(page)
	if err == nil && strings.TrimSpace(pc.Text) != "" {
		return pc, nil
	}

	text, ptErr := TextForPage(ctx, d.path, page, d.cfg)
	if ptErr != nil {
		if err != nil {
			return PageContent{}, fmt.Errorf("page %d: %w", page, errors.Join(err, ptErr))
		}
		return pc, nil
	}
	return PageContent{Text: text, Tables: pc.Tables, Source: "pdftotext"}, nil
}

func (d *Document) RasterizePage(ctx context.Context, page int, outDir string) (string, error) {
	return RasterizePage(ctx, d.path, page, outDir, d.cfg)
}

func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reader = nil
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *Document) goTextLayer(page int) (pc PageContent, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reader == nil {
		return PageContent{}, errors.New("text layer reader unavailable")
	}

	defer func() {
		if r := recover(); r != nil {
			pc = PageContent{}
			err = fmt.Errorf("text layer panic on page %d: %v", page, r)
		}
	}()

	p := d.reader.Page(page)
	if p.V.IsNull() {
		return PageContent{Source: "text-layer"}, nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return PageContent{}, fmt.Errorf("page %d text: %w", page, err)
	}
	return PageContent{
		Text:   text,
		Tables: DetectTables(p.Content().Text),
		Source: "text-layer",
	}, nil
}

func openReader(path string) (f *os.File, r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if f != nil {
				_ = f.Close()
			}
			f, r, err = nil, nil, fmt.Errorf("pdf reader panic: %v", rec)
		}
	}()
	return pdf.Open(path)
}

func safeNumPage(r *pdf.Reader) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	return r.NumPage()
}
