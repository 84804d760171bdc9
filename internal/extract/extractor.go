package extract

import "context"

// Extractor is implemented by every attachment family handler.
type Extractor interface {
	Extract(ctx context.Context, job Job) (Result, error)
	Family() Family
	SupportedExtensions() []string
	Name() string
	MaxFileSize() int64
	// NeedsLocalFile is false for handlers that only pass a URL along.
	NeedsLocalFile() bool
}
