package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Materializer produces local files for references.
type Materializer interface {
	Materialize(ctx context.Context, ref Reference) (*MaterializedFile, error)
}

// Router runs one reference through classification, its strategy and
// normalization.
type Router struct {
	registry *Registry
	files    Materializer
	logger   *slog.Logger
	observe  func(kind Kind, status Status, duration time.Duration)
}

func NewRouter(registry *Registry, files Materializer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, files: files, logger: logger}
}

// SetObserver registers a callback invoked once per processed reference.
func (r *Router) SetObserver(fn func(kind Kind, status Status, duration time.Duration)) {
	r.observe = fn
}

// Process always returns a normalized record. The error is non-nil only
// when the reference could not be resolved; the record then carries the
// same failure.
func (r *Router) Process(ctx context.Context, ref Reference) (Result, error) {
	start := time.Now()
	res, err := r.process(ctx, ref)

	res.URI = ref.String()
	if res.Extension == "" {
		res.Extension = ref.Ext()
	}
	res = Normalize(res)

	if r.observe != nil {
		r.observe(res.Kind, res.Status, time.Since(start))
	}
	r.logger.Info("attachment processed",
		"uri", res.URI,
		"type", string(res.Kind),
		"status", string(res.Status),
		"method", res.Method,
		"chars", res.CharCount,
		"images", len(res.Images),
		"duration", time.Since(start),
	)
	return res, err
}

func (r *Router) process(ctx context.Context, ref Reference) (Result, error) {
	ext := ref.Ext()
	if FamilyForExt(ext) == FamilyUnsupported {
		r.logger.Warn("unsupported attachment type", "uri", ref.String(), "extension", ext)
		return unsupportedResult("unsupported file format."), nil
	}

	extractor, err := r.registry.Resolve(ext)
	if err != nil {
		return unsupportedResult("unsupported file format."), nil
	}

	job := Job{Ref: ref, FileName: ref.Name(), Ext: ext}

	if !extractor.NeedsLocalFile() {
		res, err := r.run(ctx, extractor, job)
		var rerr *ResolutionError
		if errors.As(err, &rerr) {
			return res, err
		}
		return res, nil
	}

	file, err := r.files.Materialize(ctx, ref)
	if err != nil {
		r.logger.Error("attachment resolution failed", "uri", ref.String(), "error", err)
		return errorResult(err), err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			r.logger.Warn("temp cleanup failed", "path", file.Path, "error", cerr)
		}
	}()

	cls := Classify(file.Path, ext)
	if !cls.Supported() {
		res := unsupportedResult(cls.Reason)
		res.MIMEType = cls.MIMEType
		return res, nil
	}

	if max := extractor.MaxFileSize(); max > 0 && file.Size > max {
		return errorResult(fmt.Errorf("file exceeds extractor limit (%dMB)", max/(1<<20))), nil
	}

	job.File = file
	job.MIMEType = cls.MIMEType
	job.FileSize = file.Size

	res, _ := r.run(ctx, extractor, job)
	if res.MIMEType == "" {
		res.MIMEType = cls.MIMEType
	}
	return res, nil
}

// run executes the strategy, converting failures and panics into an error
// record. The strategy's error is returned alongside for the caller.
func (r *Router) run(ctx context.Context, extractor Extractor, job Job) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("extractor panic", "extractor", extractor.Name(), "uri", job.Ref.String(), "panic", p)
			res = errorResult(errors.New("internal extractor failure"))
			err = nil
		}
	}()

	res, err = extractor.Extract(ctx, job)
	if err != nil {
		r.logger.Warn("extraction failed", "extractor", extractor.Name(), "uri", job.Ref.String(), "error", err)
		if res.Error == nil {
			msg := err.Error()
			res.Error = &msg
		}
		res.Status = StatusError
	}
	return res, err
}
