package office

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
)

const mediaPrefix = "word/media/"

type Options struct {
	// MaxEntryBytes bounds every archive entry read. Zero means 100 MiB.
	MaxEntryBytes int64
	MaxFileSize   int64
	// ImageWorkers bounds concurrent uploads and analyses of embedded media.
	ImageWorkers int
	// ScratchRoot is the parent of per-call scratch directories.
	ScratchRoot string
}

// DOCXExtractor reads Word documents: paragraphs, tables and every embedded
// media file, the latter analyzed through the image service.
type DOCXExtractor struct {
	opts     Options
	uploader extract.ScratchUploader
	analyzer extract.ImageDescriber
	logger   *slog.Logger
}

func NewDOCX(opts Options, uploader extract.ScratchUploader, analyzer extract.ImageDescriber, logger *slog.Logger) *DOCXExtractor {
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = 100 << 20
	}
	if opts.ImageWorkers <= 0 {
		opts.ImageWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DOCXExtractor{opts: opts, uploader: uploader, analyzer: analyzer, logger: logger}
}

func (e *DOCXExtractor) Name() string { return "document/docx" }

func (e *DOCXExtractor) Family() extract.Family { return extract.FamilyWord }

func (e *DOCXExtractor) MaxFileSize() int64 { return e.opts.MaxFileSize }

func (e *DOCXExtractor) NeedsLocalFile() bool { return true }

func (e *DOCXExtractor) SupportedExtensions() []string { return []string{".docx", ".doc"} }

// body is the outcome of one parse strategy.
type body struct {
	paragraphs []string
	tables     [][][]string
}

type strategy struct {
	name  string
	parse func(doc []byte) (body, error)
}

var strategies = []strategy{
	{name: "structured", parse: parseStructured},
	{name: "plaintext", parse: parsePlaintext},
}

func (e *DOCXExtractor) Extract(ctx context.Context, job extract.Job) (extract.Result, error) {
	select {
	case <-ctx.Done():
		return extract.Result{Kind: extract.KindError, Status: extract.StatusError}, ctx.Err()
	default:
	}

	zr, err := zip.OpenReader(job.File.Path)
	if err != nil {
		return e.failed(job, fmt.Errorf("open word archive: %w", err))
	}
	defer zr.Close()

	doc, err := readZipFile(&zr.Reader, extract.WordManifest, e.opts.MaxEntryBytes)
	if err != nil {
		return e.failed(job, err)
	}

	parsed, method, err := parseWithFallback(doc, e.logger)
	if err != nil {
		return e.failed(job, err)
	}

	images, err := e.describeMedia(ctx, &zr.Reader)
	if err != nil {
		return e.failed(job, err)
	}

	text := strings.Join(parsed.paragraphs, "\n")
	if tables := extract.TablesText(parsed.tables); tables != "" {
		text += "\n" + tables
	}

	return extract.Result{
		Kind:     extract.KindWordDocument,
		Status:   extract.StatusSuccess,
		Method:   method,
		MIMEType: job.MIMEType,
		Text:     text,
		Tables:   parsed.tables,
		Images:   images,
	}, nil
}

func (e *DOCXExtractor) failed(job extract.Job, err error) (extract.Result, error) {
	msg := err.Error()
	return extract.Result{Kind: extract.KindError, Status: extract.StatusError, MIMEType: job.MIMEType, Error: &msg}, err
}

// parseWithFallback tries each strategy in order; the first success wins and
// the last failure is returned when all fail.
func parseWithFallback(doc []byte, logger *slog.Logger) (body, string, error) {
	var lastErr error
	for _, s := range strategies {
		out, err := s.parse(doc)
		if err == nil {
			return out, s.name, nil
		}
		logger.Warn("word parse strategy failed", "strategy", s.name, "error", err)
		lastErr = fmt.Errorf("%s parse: %w", s.name, err)
	}
	return body{}, "", lastErr
}

// parseStructured walks <w:body> strictly. Top-level paragraphs become text,
// tables become rows of trimmed cells. Paragraphs nested in tables are only
// reported through the table.
func parseStructured(doc []byte) (body, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var out body
	inBody := false
	sawBody := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return body{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "body":
				inBody, sawBody = true, true
			case inBody && t.Name.Local == "p":
				text, err := docxParagraph(dec)
				if err != nil {
					return body{}, err
				}
				if strings.TrimSpace(text) != "" {
					out.paragraphs = append(out.paragraphs, text)
				}
			case inBody && t.Name.Local == "tbl":
				rows, err := docxTable(dec)
				if err != nil {
					return body{}, err
				}
				if len(rows) > 0 {
					out.tables = append(out.tables, rows)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "body" {
				inBody = false
			}
		}
	}
	if !sawBody {
		return body{}, errors.New("document has no body")
	}
	return out, nil
}

// parsePlaintext collects every text run in document order, one line per
// paragraph, tolerating malformed markup. Input without a single element
// is not a document and fails.
func parsePlaintext(doc []byte) (body, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose

	var out body
	var line strings.Builder
	inText := false
	elements := 0
	var readErr error
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			out.paragraphs = append(out.paragraphs, line.String())
		}
		line.Reset()
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elements++
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				line.WriteByte('\t')
			case "br", "cr":
				line.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				line.Write(t)
			}
		}
	}
	flush()
	if elements == 0 {
		if readErr != nil {
			return body{}, readErr
		}
		return body{}, errors.New("no markup found")
	}
	return out, nil
}

// docxParagraph reads one <w:p> element, the start tag already consumed.
func docxParagraph(dec *xml.Decoder) (string, error) {
	var runs strings.Builder
	depth := 1
	inText := false

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				runs.WriteByte('\t')
			case "br", "cr":
				runs.WriteByte('\n')
			}
		case xml.EndElement:
			depth--
			if t.Name.Local == "t" {
				inText = false
			}
		case xml.CharData:
			if inText {
				runs.Write(t)
			}
		}
	}
	return runs.String(), nil
}

// docxTable reads one <w:tbl> element into rows of trimmed cell text.
// Nested tables contribute their text to the enclosing cell.
func docxTable(dec *xml.Decoder) ([][]string, error) {
	var rows [][]string
	var row []string
	var cell strings.Builder
	depth := 1
	cellDepth := 0
	inText := false

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "tr":
				if cellDepth == 0 {
					row = []string{}
				}
			case "tc":
				if cellDepth == 0 {
					cell.Reset()
				}
				cellDepth++
			case "p":
				if cellDepth > 0 && cell.Len() > 0 {
					cell.WriteByte('\n')
				}
			case "t":
				inText = true
			case "tab":
				cell.WriteByte('\t')
			}
		case xml.EndElement:
			depth--
			switch t.Name.Local {
			case "t":
				inText = false
			case "tc":
				cellDepth--
				if cellDepth == 0 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "tr":
				if cellDepth == 0 && row != nil {
					rows = append(rows, row)
					row = nil
				}
			}
		case xml.CharData:
			if inText && cellDepth > 0 {
				cell.Write(t)
			}
		}
	}
	return rows, nil
}

type mediaEntry struct {
	file *zip.File
	name string
}

// describeMedia extracts every word/media entry into a private scratch
// directory, publishes each one and collects its analysis text in archive
// order. The directory is removed before returning.
func (e *DOCXExtractor) describeMedia(ctx context.Context, zr *zip.Reader) ([]extract.ImageText, error) {
	var media []mediaEntry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasPrefix(f.Name, mediaPrefix) {
			continue
		}
		name := path.Base(f.Name)
		if name == "" || name == "." || name == "/" {
			continue
		}
		media = append(media, mediaEntry{file: f, name: name})
	}
	if len(media) == 0 {
		return []extract.ImageText{}, nil
	}
	if e.uploader == nil || e.analyzer == nil {
		return nil, errors.New("embedded media present but image analysis is not configured")
	}

	scratch, err := os.MkdirTemp(e.opts.ScratchRoot, "mailatt-media-*")
	if err != nil {
		return nil, fmt.Errorf("create media scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("media scratch cleanup failed", "dir", scratch, "error", err)
		}
	}()

	out := make([]extract.ImageText, len(media))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ImageWorkers)

	for i, m := range media {
		out[i] = extract.ImageText{Filename: m.name}
		g.Go(func() error {
			local := filepath.Join(scratch, fmt.Sprintf("%03d_%s", i, m.name))
			if err := extractEntry(m.file, local, e.opts.MaxEntryBytes); err != nil {
				e.logger.Warn("embedded image extraction failed", "image", m.name, "error", err)
				return nil
			}
			url, err := e.uploader.UploadScratch(gctx, local)
			if err != nil {
				e.logger.Warn("embedded image upload failed", "image", m.name, "error", err)
				return nil
			}
			text, err := e.analyzer.Describe(gctx, url)
			if err != nil {
				e.logger.Warn("embedded image analysis failed", "image", m.name, "error", err)
				return nil
			}
			out[i].Text = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func extractEntry(f *zip.File, dest string, maxBytes int64) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxBytes {
		return fmt.Errorf("zip entry %s exceeds %d bytes", f.Name, maxBytes)
	}
	return nil
}

// readZipFile reads the named entry, refusing entries larger than maxBytes.
func readZipFile(zr *zip.Reader, name string, maxBytes int64) ([]byte, error) {
	for _, f := range zr.File {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > maxBytes {
			return nil, fmt.Errorf("zip entry %s exceeds %d bytes", name, maxBytes)
		}
		return b, nil
	}
	return nil, fmt.Errorf("missing %s", name)
}
