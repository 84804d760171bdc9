package pdf

import (
	"context"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
	"github.com/toricodesthings/mail-attachment-service/internal/hybrid"
)

// Processor is satisfied by *hybrid.Processor.
type Processor interface {
	Process(ctx context.Context, pdfPath string) (hybrid.Result, error)
}

type Extractor struct {
	processor Processor
	maxBytes  int64
}

func New(processor Processor, maxBytes int64) *Extractor {
	return &Extractor{processor: processor, maxBytes: maxBytes}
}

func (e *Extractor) Name() string { return "document/pdf" }

func (e *Extractor) Family() extract.Family { return extract.FamilyPDF }

func (e *Extractor) MaxFileSize() int64 { return e.maxBytes }

func (e *Extractor) NeedsLocalFile() bool { return true }

func (e *Extractor) SupportedExtensions() []string {
	return []string{".pdf"}
}

func (e *Extractor) Extract(ctx context.Context, job extract.Job) (extract.Result, error) {
	out, err := e.processor.Process(ctx, job.File.Path)
	if err != nil {
		msg := err.Error()
		return extract.Result{Kind: extract.KindError, Status: extract.StatusError, Method: "hybrid", MIMEType: job.MIMEType, Error: &msg}, err
	}

	res := extract.Result{
		Status:    extract.StatusSuccess,
		Text:      out.Text,
		Tables:    out.Tables,
		MIMEType:  job.MIMEType,
		PageCount: out.PageCount,
	}
	switch out.Classification {
	case hybrid.Scanned:
		res.Kind = extract.KindPDFScanned
		res.Method = "ocr"
	default:
		res.Kind = extract.KindPDFDigital
		res.Method = "text-layer"
	}
	return res, nil
}
