package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/toricodesthings/mail-attachment-service/internal/storage"
)

var errNoStore = errors.New("object storage not configured")

// ResolutionError is returned when a reference cannot be turned into a local
// file or a fetchable URL. It is never retried here.
type ResolutionError struct {
	Op  string
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s (%s): %v", e.Ref, e.Op, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ObjectStore is the part of blob storage the resolver relies on.
type ObjectStore interface {
	Upload(ctx context.Context, container, blob string, r io.Reader) error
	SignedURL(ctx context.Context, container, blob string) (string, error)
}

type Resolver struct {
	store            ObjectStore
	downloader       *Downloader
	scratchContainer string
	logger           *slog.Logger
	now              func() time.Time
}

func NewResolver(store ObjectStore, downloader *Downloader, scratchContainer string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if downloader == nil {
		downloader = NewDownloader(0, 0, false)
	}
	return &Resolver{
		store:            store,
		downloader:       downloader,
		scratchContainer: scratchContainer,
		logger:           logger,
		now:              time.Now,
	}
}

// Materialize returns a local file for ref. The caller must Close it; Close
// is a no-op for caller-supplied local paths.
func (r *Resolver) Materialize(ctx context.Context, ref Reference) (*MaterializedFile, error) {
	switch ref.Kind() {
	case RefRemoteURL:
		mf, err := r.downloader.Download(ctx, ref.URL(), ref.Name())
		if err != nil {
			return nil, &ResolutionError{Op: "download", Ref: ref.String(), Err: err}
		}
		return mf, nil

	case RefStoragePath:
		if r.store == nil {
			return nil, &ResolutionError{Op: "sign", Ref: ref.String(), Err: errNoStore}
		}
		signed, err := r.store.SignedURL(ctx, ref.Container(), ref.Key())
		if err != nil {
			return nil, &ResolutionError{Op: "sign", Ref: ref.String(), Err: err}
		}
		mf, err := r.downloader.Download(ctx, signed, ref.Name())
		if err != nil {
			return nil, &ResolutionError{Op: "download", Ref: ref.String(), Err: err}
		}
		return mf, nil

	case RefLocalPath:
		info, err := os.Stat(ref.Path())
		if err != nil {
			return nil, &ResolutionError{Op: "stat", Ref: ref.String(), Err: err}
		}
		if info.IsDir() {
			return nil, &ResolutionError{Op: "stat", Ref: ref.String(), Err: errors.New("path is a directory")}
		}
		name := filepath.Base(ref.Path())
		return &MaterializedFile{
			Path:     ref.Path(),
			Name:     name,
			Ext:      strings.ToLower(filepath.Ext(name)),
			MIMEType: sniffMIMEType(ref.Path()),
			Size:     info.Size(),
		}, nil

	case RefInMemoryImage:
		mf, err := writeImageTemp(ref)
		if err != nil {
			return nil, &ResolutionError{Op: "encode", Ref: ref.String(), Err: err}
		}
		return mf, nil

	default:
		return nil, &ResolutionError{Op: "materialize", Ref: ref.String(), Err: errors.New("invalid reference")}
	}
}

// RemoteURL returns an http(s) URL an external service can fetch ref from.
// Local files and in-memory images are uploaded to the scratch container.
func (r *Resolver) RemoteURL(ctx context.Context, ref Reference) (string, error) {
	switch ref.Kind() {
	case RefRemoteURL:
		lower := strings.ToLower(ref.URL())
		if !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "http://") {
			return "", &ResolutionError{Op: "url", Ref: ref.String(), Err: errors.New("not an http(s) URL")}
		}
		return ref.URL(), nil

	case RefStoragePath:
		if r.store == nil {
			return "", &ResolutionError{Op: "sign", Ref: ref.String(), Err: errNoStore}
		}
		signed, err := r.store.SignedURL(ctx, ref.Container(), ref.Key())
		if err != nil {
			return "", &ResolutionError{Op: "sign", Ref: ref.String(), Err: err}
		}
		return signed, nil

	case RefLocalPath:
		return r.UploadScratch(ctx, ref.Path())

	case RefInMemoryImage:
		mf, err := writeImageTemp(ref)
		if err != nil {
			return "", &ResolutionError{Op: "encode", Ref: ref.String(), Err: err}
		}
		defer mf.Close()
		return r.UploadScratch(ctx, mf.Path)

	default:
		return "", &ResolutionError{Op: "url", Ref: ref.String(), Err: errors.New("invalid reference")}
	}
}

// UploadScratch copies a local file into the scratch container under a
// collision-free name and returns a signed read URL for it.
func (r *Resolver) UploadScratch(ctx context.Context, localPath string) (string, error) {
	if r.store == nil {
		return "", &ResolutionError{Op: "upload", Ref: localPath, Err: errNoStore}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", &ResolutionError{Op: "upload", Ref: localPath, Err: err}
	}
	defer f.Close()

	blob := storage.ScratchName(filepath.Base(localPath), r.now())
	if err := r.store.Upload(ctx, r.scratchContainer, blob, f); err != nil {
		return "", &ResolutionError{Op: "upload", Ref: localPath, Err: err}
	}

	signed, err := r.store.SignedURL(ctx, r.scratchContainer, blob)
	if err != nil {
		return "", &ResolutionError{Op: "sign", Ref: "/" + r.scratchContainer + "/" + blob, Err: err}
	}

	r.logger.Debug("scratch upload", "container", r.scratchContainer, "blob", blob)
	return signed, nil
}

func writeImageTemp(ref Reference) (*MaterializedFile, error) {
	img := ref.Image()
	if img == nil {
		return nil, errors.New("nil image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("png encode produced no data")
	}
	return SaveToTemp(&buf, ref.Name(), 0)
}
