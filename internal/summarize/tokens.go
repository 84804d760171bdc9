package summarize

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE vocabulary of the GPT-4o/GPT-5 model family.
const DefaultEncoding = "o200k_base"

var loaderOnce sync.Once

// Tokenizer counts and cuts model input in BPE tokens. The vocabulary is
// read from tables embedded in the binary; when it cannot be loaded the
// tokenizer falls back to the four-bytes-per-token heuristic.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads encoding, then cl100k_base, before giving up on an
// exact count.
func NewTokenizer(encoding string) *Tokenizer {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if encoding == "" {
		encoding = DefaultEncoding
	}
	for _, name := range []string{encoding, tiktoken.MODEL_CL100K_BASE} {
		if enc, err := tiktoken.GetEncoding(name); err == nil {
			return &Tokenizer{enc: enc}
		}
	}
	return &Tokenizer{}
}

// Exact reports whether counts come from a real vocabulary.
func (t *Tokenizer) Exact() bool { return t != nil && t.enc != nil }

// Count returns the number of tokens in s, at least 1.
func (t *Tokenizer) Count(s string) int {
	if ids, ok := t.encode(s); ok {
		return max(1, len(ids))
	}
	return EstimateTokens(s)
}

// Truncate cuts s to at most budget tokens including the marker. Input
// within budget is returned unchanged.
func (t *Tokenizer) Truncate(s string, budget int) string {
	ids, ok := t.encode(s)
	if !ok {
		return Truncate(s, budget)
	}
	if len(ids) <= budget {
		return s
	}
	markerIDs, _ := t.encode(truncatedMarker)
	keep := max(0, budget-len(markerIDs))
	head := t.enc.Decode(ids[:keep])
	// A cut inside a multi-byte rune leaves an invalid tail.
	for len(head) > 0 {
		r, size := utf8.DecodeLastRuneInString(head)
		if r != utf8.RuneError || size > 1 {
			break
		}
		head = head[:len(head)-size]
	}
	return strings.ToValidUTF8(head, "") + truncatedMarker
}

// encode treats special-token text as ordinary input; email bodies are not
// trusted to be free of it.
func (t *Tokenizer) encode(s string) (ids []int, ok bool) {
	if !t.Exact() {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			ids, ok = nil, false
		}
	}()
	return t.enc.Encode(s, []string{"all"}, nil), true
}
