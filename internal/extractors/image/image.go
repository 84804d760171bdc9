package image

import (
	"context"
	"fmt"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
)

// Extractor hands image attachments to the analysis service by URL; the
// bytes are never downloaded here.
type Extractor struct {
	urls     extract.ScratchUploader
	analyzer extract.ImageDescriber
}

func New(urls extract.ScratchUploader, analyzer extract.ImageDescriber) *Extractor {
	return &Extractor{urls: urls, analyzer: analyzer}
}

func (e *Extractor) Name() string { return "image" }

func (e *Extractor) Family() extract.Family { return extract.FamilyImage }

func (e *Extractor) MaxFileSize() int64 { return 0 }

func (e *Extractor) NeedsLocalFile() bool { return false }

func (e *Extractor) SupportedExtensions() []string {
	return []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".gif", ".bmp"}
}

func (e *Extractor) Extract(ctx context.Context, job extract.Job) (extract.Result, error) {
	url, err := e.urls.RemoteURL(ctx, job.Ref)
	if err != nil {
		msg := err.Error()
		return extract.Result{Kind: extract.KindError, Status: extract.StatusError, Method: "image", Error: &msg}, err
	}

	text, err := e.analyzer.Describe(ctx, url)
	if err != nil {
		msg := fmt.Sprintf("image analysis: %v", err)
		return extract.Result{Kind: extract.KindError, Status: extract.StatusError, Method: "image", Error: &msg}, err
	}

	name := job.FileName
	if name == "" {
		name = job.Ref.Name()
	}
	return extract.Result{
		Kind:   extract.KindImage,
		Status: extract.StatusSuccess,
		Method: "image",
		Text:   text,
		Images: []extract.ImageText{{Filename: name, Text: text}},
	}, nil
}
