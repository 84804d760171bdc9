package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/mail-attachment-service/internal/extractor"
)

type Classification string

const (
	Digital Classification = "digital"
	Scanned Classification = "scanned"
)

// Document is the page-level view of an opened PDF.
type Document interface {
	PageCount() int
	PageText(ctx context.Context, page int) (extractor.PageContent, error)
	RasterizePage(ctx context.Context, page int, outDir string) (string, error)
	Close() error
}

type Opener func(ctx context.Context, path string) (Document, error)

type Uploader interface {
	UploadScratch(ctx context.Context, localPath string) (string, error)
}

type Describer interface {
	Describe(ctx context.Context, imageURL string) (string, error)
}

type Options struct {
	MaxPages    int
	PageWorkers int
	OCRWorkers  int
	// ScratchRoot is the parent of per-document page render directories.
	// Empty means os.TempDir.
	ScratchRoot string
}

type Result struct {
	Classification Classification
	Text           string
	Tables         [][][]string
	PageCount      int
	// PagesProcessed is below PageCount when MaxPages capped the run.
	PagesProcessed int
	OCRPages       int
	FailedPages    int
}

type Processor struct {
	open     Opener
	uploader Uploader
	ocr      Describer
	opts     Options
	logger   *slog.Logger
}

func New(open Opener, uploader Uploader, ocr Describer, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageWorkers <= 0 {
		opts.PageWorkers = runtime.NumCPU()
	}
	if opts.OCRWorkers <= 0 {
		opts.OCRWorkers = 1
	}
	return &Processor{open: open, uploader: uploader, ocr: ocr, opts: opts, logger: logger}
}

// ToolkitOpener adapts the poppler/text-layer toolkit to Opener.
func ToolkitOpener(tk *extractor.Toolkit) Opener {
	return func(ctx context.Context, path string) (Document, error) {
		doc, err := tk.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
}

type pageText struct {
	text   string
	tables [][][]string
	err    error
}

// Process classifies the PDF at pdfPath as digital or scanned. Any page with
// a non-blank text layer makes it digital; otherwise every page is rendered,
// uploaded and sent to OCR. A page that fails to render, upload or analyze
// contributes empty text.
func (p *Processor) Process(ctx context.Context, pdfPath string) (Result, error) {
	doc, err := p.open(ctx, pdfPath)
	if err != nil {
		return Result{}, err
	}
	defer doc.Close()

	total := doc.PageCount()
	if total <= 0 {
		return Result{}, errors.New("PDF has no pages")
	}
	count := total
	if p.opts.MaxPages > 0 && count > p.opts.MaxPages {
		p.logger.Warn("pdf page limit applied", "pages", total, "limit", p.opts.MaxPages)
		count = p.opts.MaxPages
	}

	res := Result{PageCount: total, PagesProcessed: count}
	pages := p.extractPagesParallel(ctx, doc, count)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var texts []string
	for i, pg := range pages {
		if pg.err != nil {
			res.FailedPages++
			p.logger.Debug("page text layer failed", "page", i+1, "error", pg.err)
		}
		res.Tables = append(res.Tables, pg.tables...)
		if strings.TrimSpace(pg.text) != "" {
			texts = append(texts, pg.text)
		}
	}

	if len(texts) > 0 {
		res.Classification = Digital
		res.Text = strings.Join(texts, "\n\n")
		return res, nil
	}

	res.Classification = Scanned
	ocrTexts, failed, err := p.ocrPages(ctx, doc, count)
	if err != nil {
		return Result{}, err
	}
	res.OCRPages = count
	res.FailedPages = failed
	res.Text = strings.Join(ocrTexts, "\n")
	return res, nil
}

func (p *Processor) extractPagesParallel(ctx context.Context, doc Document, count int) []pageText {
	results := make([]pageText, count)

	workers := min(p.opts.PageWorkers, count)
	sem := semaphore.NewWeighted(int64(max(workers, 1)))
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = pageText{err: err}
				return
			}
			defer sem.Release(1)

			pc, err := doc.PageText(ctx, idx+1)
			if err != nil {
				results[idx] = pageText{err: err}
				return
			}
			results[idx] = pageText{text: cleanText(pc.Text), tables: pc.Tables}
		}(i)
	}

	wg.Wait()
	return results
}

func (p *Processor) ocrPages(ctx context.Context, doc Document, count int) ([]string, int, error) {
	dir, err := os.MkdirTemp(p.opts.ScratchRoot, "mailatt-pages-*")
	if err != nil {
		return nil, 0, fmt.Errorf("page scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	texts := make([]string, count)
	var failedMu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.OCRWorkers)
	for i := 0; i < count; i++ {
		page := i + 1
		g.Go(func() error {
			text, err := p.ocrPage(gctx, doc, page, dir)
			if err != nil {
				p.logger.Warn("scanned page skipped", "page", page, "error", err)
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return nil
			}
			texts[page-1] = text
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return texts, failed, nil
}

func (p *Processor) ocrPage(ctx context.Context, doc Document, page int, dir string) (string, error) {
	png, err := doc.RasterizePage(ctx, page, dir)
	if err != nil {
		return "", fmt.Errorf("rasterize: %w", err)
	}
	defer os.Remove(png)

	url, err := p.uploader.UploadScratch(ctx, png)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return p.ocr.Describe(ctx, url)
}

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			return -1
		case '\u00A0':
			return ' '
		case '\u00AD':
			return -1
		default:
			return r
		}
	}, text)

	lines := strings.Split(text, "\n")
	var cleaned []string
	consecutiveEmpty := 0

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")

		if strings.TrimSpace(line) == "" {
			consecutiveEmpty++
			if consecutiveEmpty <= 2 {
				cleaned = append(cleaned, "")
			}
			continue
		}

		consecutiveEmpty = 0

		leadingSpaces := len(line) - len(strings.TrimLeft(line, " \t"))
		normalized := strings.Join(strings.Fields(line), " ")
		if leadingSpaces > 0 {
			line = strings.Repeat(" ", leadingSpaces) + normalized
		} else {
			line = normalized
		}

		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
