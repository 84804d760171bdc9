// Package mail runs one inbound email through the attachment pipeline and
// produces the final summary.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
)

// ErrInvalidRequest marks requests that are missing required fields.
var ErrInvalidRequest = errors.New("invalid email request")

type Request struct {
	Sender         string   `json:"sender"`
	Subject        string   `json:"subject"`
	BodyText       string   `json:"bodyText"`
	EmailBlobURI   string   `json:"emailBlobUri"`
	AttachmentURIs []string `json:"attachmentUris"`
}

type Response struct {
	Sender      string           `json:"sender"`
	Subject     string           `json:"subject"`
	Summary     string           `json:"Summary"`
	Attachments []extract.Result `json:"attachments"`
}

// AttachmentProcessor is satisfied by *extract.Router.
type AttachmentProcessor interface {
	Process(ctx context.Context, ref extract.Reference) (extract.Result, error)
}

type Materializer interface {
	Materialize(ctx context.Context, ref extract.Reference) (*extract.MaterializedFile, error)
}

type Summarizer interface {
	AnalyzeText(ctx context.Context, text string) string
}

type Observer interface {
	ObserveEmail(outcome string)
}

type Options struct {
	Workers int
	// DefaultContainer resolves one-segment storage paths.
	DefaultContainer string
	// MaxEmbeddedBytes caps each attachment read out of an email blob.
	MaxEmbeddedBytes int64
}

type Pipeline struct {
	attachments AttachmentProcessor
	files       Materializer
	summarizer  Summarizer
	observer    Observer
	body        *bodyNormalizer
	opts        Options
	logger      *slog.Logger
}

func NewPipeline(attachments AttachmentProcessor, files Materializer, summarizer Summarizer, observer Observer, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		attachments: attachments,
		files:       files,
		summarizer:  summarizer,
		observer:    observer,
		body:        newBodyNormalizer(),
		opts:        opts,
		logger:      logger,
	}
}

// summaryInput is the document handed to the text-analysis prompt.
type summaryInput struct {
	Sender      string           `json:"sender"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Attachments []extract.Result `json:"attachments"`
}

// ProcessEmail extracts every attachment, then asks the model for a single
// summary of the email. Attachment failures are reported in their records;
// the returned error is reserved for invalid requests and cancellation.
func (p *Pipeline) ProcessEmail(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	req.Sender = strings.TrimSpace(req.Sender)
	req.Subject = strings.TrimSpace(req.Subject)
	req.EmailBlobURI = strings.TrimSpace(req.EmailBlobURI)
	if req.Sender == "" || req.EmailBlobURI == "" {
		p.observe("invalid")
		return Response{}, fmt.Errorf("%w: missing required fields: sender and/or emailBlobUri", ErrInvalidRequest)
	}

	p.logger.Info("processing email",
		"subject_chars", len(req.Subject),
		"attachments", len(req.AttachmentURIs),
		"has_body", req.BodyText != "",
		"has_blob", req.EmailBlobURI != "",
	)

	body := p.body.Normalize(req.BodyText)
	var embedded []embeddedAttachment
	if body == "" {
		parsed, err := p.readEmailBlob(ctx, req.EmailBlobURI, len(req.AttachmentURIs) == 0)
		if err != nil {
			p.logger.Warn("email blob unreadable", "error", err)
		} else {
			body = parsed.body
			embedded = parsed.attachments
		}
	}
	defer func() {
		for _, e := range embedded {
			if err := e.file.Close(); err != nil {
				p.logger.Warn("temp cleanup failed", "path", e.file.Path, "error", err)
			}
		}
	}()

	records := p.processAttachments(ctx, req.AttachmentURIs, embedded)
	if err := ctx.Err(); err != nil {
		p.observe("cancelled")
		return Response{}, err
	}

	input, err := marshalSummaryInput(summaryInput{
		Sender:      req.Sender,
		Subject:     req.Subject,
		Body:        body,
		Attachments: records,
	})
	if err != nil {
		p.observe("error")
		return Response{}, fmt.Errorf("encode summary input: %w", err)
	}

	summary := p.summarizer.AnalyzeText(ctx, input)
	p.observe("ok")
	p.logger.Info("email processed",
		"attachments", len(records),
		"summary_chars", len(summary),
		"duration", time.Since(start),
	)

	return Response{
		Sender:      req.Sender,
		Subject:     req.Subject,
		Summary:     summary,
		Attachments: records,
	}, nil
}

// processAttachments returns one record per reference, in request order
// followed by attachments read out of the email blob.
func (p *Pipeline) processAttachments(ctx context.Context, uris []string, embedded []embeddedAttachment) []extract.Result {
	total := len(uris) + len(embedded)
	records := make([]extract.Result, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, uri := range uris {
		g.Go(func() error {
			ref, err := extract.ParseInboundReference(uri, p.opts.DefaultContainer)
			if err != nil {
				records[i] = invalidReference(uri, err)
				return nil
			}
			records[i], _ = p.attachments.Process(gctx, ref)
			return nil
		})
	}
	for j, e := range embedded {
		i := len(uris) + j
		g.Go(func() error {
			res, _ := p.attachments.Process(gctx, extract.LocalPath(e.file.Path))
			res.URI = e.name
			records[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func invalidReference(uri string, err error) extract.Result {
	msg := err.Error()
	return extract.Normalize(extract.Result{
		URI:    uri,
		Kind:   extract.KindError,
		Status: extract.StatusError,
		Error:  &msg,
	})
}

type embeddedAttachment struct {
	name string
	file *extract.MaterializedFile
}

type parsedEmail struct {
	body        string
	attachments []embeddedAttachment
}

// readEmailBlob fetches a stored MIME message and returns its body, preferring
// the text part. Attachments are saved to temp files when withAttachments is
// set; the caller closes them.
func (p *Pipeline) readEmailBlob(ctx context.Context, uri string, withAttachments bool) (parsedEmail, error) {
	ref, err := extract.ParseInboundReference(uri, p.opts.DefaultContainer)
	if err != nil {
		return parsedEmail{}, err
	}
	if p.files == nil {
		return parsedEmail{}, errors.New("no materializer configured")
	}
	file, err := p.files.Materialize(ctx, ref)
	if err != nil {
		return parsedEmail{}, err
	}
	defer file.Close()

	f, err := os.Open(file.Path)
	if err != nil {
		return parsedEmail{}, err
	}
	defer f.Close()

	env, err := enmime.ReadEnvelope(f)
	if err != nil {
		return parsedEmail{}, fmt.Errorf("parse email: %w", err)
	}

	out := parsedEmail{body: p.body.Normalize(env.Text)}
	if out.body == "" && env.HTML != "" {
		out.body = p.body.Normalize(p.body.FromHTML(env.HTML))
	}
	if !withAttachments {
		return out, nil
	}

	for _, part := range env.Attachments {
		name := strings.TrimSpace(part.FileName)
		if name == "" || len(part.Content) == 0 {
			continue
		}
		mf, err := extract.SaveToTemp(bytes.NewReader(part.Content), name, p.opts.MaxEmbeddedBytes)
		if err != nil {
			p.logger.Warn("embedded attachment skipped", "name", name, "error", err)
			continue
		}
		out.attachments = append(out.attachments, embeddedAttachment{name: name, file: mf})
	}
	return out, nil
}

func marshalSummaryInput(in summaryInput) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(in); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func (p *Pipeline) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveEmail(outcome)
	}
}
