package extract

import (
	"context"
	"strings"
)

type Kind string

const (
	KindWordDocument Kind = "word_document"
	KindPDFDigital   Kind = "pdf_digital"
	KindPDFScanned   Kind = "pdf_scanned"
	KindImage        Kind = "image"
	KindUnsupported  Kind = "unsupported"
	KindError        Kind = "error"
)

type Status string

const (
	StatusSuccess     Status = "success"
	StatusUnsupported Status = "unsupported"
	StatusError       Status = "error"
)

// Job is what a strategy receives. File is nil for strategies that work
// from a URL.
type Job struct {
	Ref      Reference
	File     *MaterializedFile
	FileName string
	Ext      string
	MIMEType string
	FileSize int64
}

// ImageText is the analysis text of one image, keyed by its original name.
type ImageText struct {
	Filename string `json:"filename"`
	Text     string `json:"ocr_text"`
}

// Result is the per-attachment record handed to summarization.
type Result struct {
	URI       string       `json:"uri"`
	Extension string       `json:"extension"`
	Kind      Kind         `json:"type"`
	Status    Status       `json:"status"`
	MIMEType  string       `json:"mimeType,omitempty"`
	Method    string       `json:"method,omitempty"`
	Text      string       `json:"text"`
	Tables    [][][]string `json:"tables"`
	Images    []ImageText  `json:"images"`
	PageCount int          `json:"page_count,omitempty"`
	WordCount int          `json:"wordCount"`
	CharCount int          `json:"charCount"`
	Note      string       `json:"note,omitempty"`
	Error     *string      `json:"error,omitempty"`
}

func unsupportedResult(note string) Result {
	return Result{Kind: KindUnsupported, Status: StatusUnsupported, Note: note}
}

func errorResult(err error) Result {
	msg := "extraction failed"
	if err != nil {
		msg = err.Error()
	}
	return Result{Kind: KindError, Status: StatusError, Error: &msg}
}

// Normalize enforces the record invariants: collections are never nil,
// status error iff Error is set, and unsupported records carry no content.
func Normalize(r Result) Result {
	if r.Error != nil && strings.TrimSpace(*r.Error) == "" {
		msg := "extraction failed"
		r.Error = &msg
	}

	switch {
	case r.Error != nil || r.Status == StatusError || r.Kind == KindError:
		if r.Error == nil {
			msg := "extraction failed"
			r.Error = &msg
		}
		r.Status = StatusError
		r.Kind = KindError
	case r.Status == StatusUnsupported || r.Kind == KindUnsupported:
		r.Status = StatusUnsupported
		r.Kind = KindUnsupported
		r.Text = ""
		r.Images = nil
		r.Tables = nil
	default:
		r.Status = StatusSuccess
	}

	if r.Tables == nil {
		r.Tables = [][][]string{}
	}
	if r.Images == nil {
		r.Images = []ImageText{}
	}
	r.WordCount, r.CharCount = BuildCounts(r.Text)
	return r
}

// ImageDescriber turns a fetchable image URL into analysis text. It returns
// an error only for contract violations; service failures yield "".
type ImageDescriber interface {
	Describe(ctx context.Context, imageURL string) (string, error)
}

// ScratchUploader publishes local artifacts so URL-based services can read them.
type ScratchUploader interface {
	UploadScratch(ctx context.Context, localPath string) (string, error)
	RemoteURL(ctx context.Context, ref Reference) (string, error)
}

func BuildCounts(text string) (wordCount int, charCount int) {
	charCount = len([]rune(text))
	wordCount = 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			if inWord {
				wordCount++
				inWord = false
			}
			continue
		}
		inWord = true
	}
	if inWord {
		wordCount++
	}
	return
}

// TablesText renders tables one row per line, cells separated by " | ".
func TablesText(tables [][][]string) string {
	var b strings.Builder
	for _, table := range tables {
		for _, row := range table {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(strings.Join(row, " | "))
		}
	}
	return b.String()
}
