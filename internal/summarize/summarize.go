// Package summarize wraps the chat-completions client with the two fixed
// system prompts used by the pipeline. Text analysis never fails: problems
// are reported as a human-readable string in place of the summary.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

const truncatedMarker = "\n[truncated]"

type Completer interface {
	CompleteText(ctx context.Context, systemPrompt, text string) (string, error)
	CompleteImage(ctx context.Context, systemPrompt, imageURL string) (string, error)
}

// Observer receives one call per model request.
type Observer interface {
	ObserveLLM(operation, outcome string, inputTokens int)
}

type Options struct {
	TextPromptPath  string
	ImagePromptPath string
	// MaxInputTokens caps the token count of prompt plus text. Zero
	// disables the ceiling.
	MaxInputTokens int
	// Encoding names the BPE vocabulary; empty means DefaultEncoding.
	Encoding string
}

type Client struct {
	llm      Completer
	opts     Options
	observer Observer
	tokens   *Tokenizer
	logger   *slog.Logger
}

func New(llm Completer, opts Options, observer Observer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	tokens := NewTokenizer(opts.Encoding)
	if !tokens.Exact() {
		logger.Warn("tokenizer unavailable, estimating at four bytes per token", "encoding", opts.Encoding)
	}
	return &Client{llm: llm, opts: opts, observer: observer, tokens: tokens, logger: logger}
}

// AnalyzeText summarizes free text with the text-analysis prompt.
func (c *Client) AnalyzeText(ctx context.Context, text string) string {
	prompt, err := loadPrompt(c.opts.TextPromptPath)
	if err != nil {
		c.logger.Error("prompt file missing", "path", c.opts.TextPromptPath, "error", err)
		return fmt.Sprintf("Failed to load prompt file: %v", err)
	}

	tokens := c.tokens.Count(prompt + text)
	if ceiling := c.opts.MaxInputTokens; ceiling > 0 && tokens > ceiling {
		budget := ceiling - c.tokens.Count(prompt)
		text = c.tokens.Truncate(text, budget)
		c.logger.Warn("summary input truncated",
			"input_tokens", tokens,
			"max_input_tokens", ceiling,
		)
		tokens = c.tokens.Count(prompt + text)
	}
	c.logger.Info("text analysis", "input_tokens", tokens, "bytes", len(text))

	out, err := c.llm.CompleteText(ctx, prompt, text)
	if err != nil {
		c.observe("summarize_text", "error", tokens)
		c.logger.Error("text completion failed", "error", err)
		return fmt.Sprintf("Completion failed: %v", err)
	}
	c.observe("summarize_text", "ok", tokens)
	return out
}

// AnalyzeImage sends an image URL with the image-analysis prompt and returns
// the raw reply.
func (c *Client) AnalyzeImage(ctx context.Context, imageURL string) (string, error) {
	prompt, err := loadPrompt(c.opts.ImagePromptPath)
	if err != nil {
		return "", fmt.Errorf("load image prompt: %w", err)
	}

	tokens := c.tokens.Count(prompt)
	out, err := c.llm.CompleteImage(ctx, prompt, imageURL)
	if err != nil {
		c.observe("analyze_image", "error", tokens)
		return "", fmt.Errorf("image completion: %w", err)
	}
	c.observe("analyze_image", "ok", tokens)
	return out, nil
}

func (c *Client) observe(op, outcome string, tokens int) {
	if c.observer != nil {
		c.observer.ObserveLLM(op, outcome, tokens)
	}
}

func loadPrompt(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("prompt path not configured")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EstimateTokens approximates the token count at four bytes per token. It
// backs Tokenizer when no vocabulary is available.
func EstimateTokens(s string) int {
	return max(1, len(s)/4)
}

// Truncate cuts s to roughly budget tokens on a rune boundary and appends a
// marker. A non-positive budget keeps only the marker.
func Truncate(s string, budget int) string {
	limit := max(0, budget*4-len(truncatedMarker))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
