package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/toricodesthings/mail-attachment-service/internal/storage"
)

// ErrNotURL is returned when Describe is handed anything but an http(s) URL.
var ErrNotURL = errors.New("image analysis expects an http(s) URL")

const sentinel = "None"

type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, imageURL string) (string, error)
}

// Analyzer turns an image URL into descriptive text. Upstream failures are
// logged and yield "", so one unreadable image never fails a batch.
type Analyzer struct {
	llm     ImageAnalyzer
	limiter *Limiter
	logger  *slog.Logger
}

func NewAnalyzer(llm ImageAnalyzer, limiter *Limiter, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{llm: llm, limiter: limiter, logger: logger}
}

func (a *Analyzer) Describe(ctx context.Context, imageURL string) (string, error) {
	if !isHTTPURL(imageURL) {
		return "", ErrNotURL
	}

	reply, err := a.limiter.do(ctx, func() (string, error) {
		return a.llm.AnalyzeImage(ctx, imageURL)
	})
	if err != nil {
		a.logger.Warn("image analysis failed", "url", storage.RedactURL(imageURL), "error", err)
		return "", nil
	}
	return NormalizeReply(reply), nil
}

// NormalizeReply drops fields whose value is the string "None" from a JSON
// object reply and re-serializes it compactly, keeping field order. Anything
// that is not a single JSON object is returned unchanged.
func NormalizeReply(reply string) string {
	out, err := dropSentinelFields(reply)
	if err != nil {
		return reply
	}
	return out
}

func dropSentinelFields(reply string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(reply))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return "", fmt.Errorf("reply is not a json object")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", err
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", fmt.Errorf("unexpected key token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", err
		}
		if isSentinel(raw) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeKey(&buf, key); err != nil {
			return "", err
		}
		buf.WriteByte(':')
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
	}
	if _, err := dec.Token(); err != nil {
		return "", err
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("trailing data after json object")
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

func isSentinel(raw json.RawMessage) bool {
	var s string
	if len(raw) == 0 || raw[0] != '"' {
		return false
	}
	return json.Unmarshal(raw, &s) == nil && s == sentinel
}

func writeKey(buf *bytes.Buffer, key string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(key); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
