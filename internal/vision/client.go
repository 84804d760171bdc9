package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/toricodesthings/mail-attachment-service/internal/credentials"
	"github.com/toricodesthings/mail-attachment-service/internal/resilience"
)

const (
	defaultAPIVersion = "2024-12-01-preview"
	defaultTimeout    = 120 * time.Second
	defaultMaxTokens  = 16384
)

type Options struct {
	Endpoint   string
	Deployment string
	APIVersion string
	// Timeout bounds a single attempt.
	Timeout         time.Duration
	MaxOutputTokens int
}

// Client sends chat completions to an Azure OpenAI deployment. Calls go
// through the resilience executor, so the SDK's own retries are disabled.
type Client struct {
	api        openai.Client
	deployment string
	timeout    time.Duration
	maxTokens  int
	exec       *resilience.Executor
	logger     *slog.Logger
}

func New(opts Options, cred credentials.Credential, exec *resilience.Executor, logger *slog.Logger, extra ...option.RequestOption) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("openai endpoint is required")
	}
	if strings.TrimSpace(opts.Deployment) == "" {
		return nil, errors.New("openai deployment is required")
	}
	version := opts.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig(), logger)
	}

	reqOpts := []option.RequestOption{
		azure.WithEndpoint(endpoint, version),
		option.WithMaxRetries(0),
	}
	switch {
	case cred.IsKey():
		reqOpts = append(reqOpts, azure.WithAPIKey(cred.Key))
	case cred.Token != nil:
		reqOpts = append(reqOpts, azure.WithTokenCredential(cred.Token))
	default:
		return nil, errors.New("no openai credential")
	}
	reqOpts = append(reqOpts, extra...)

	return &Client{
		api:        openai.NewClient(reqOpts...),
		deployment: opts.Deployment,
		timeout:    opts.Timeout,
		maxTokens:  opts.MaxOutputTokens,
		exec:       exec,
		logger:     logger,
	}, nil
}

// CompleteText sends the system prompt and the user text.
func (c *Client) CompleteText(ctx context.Context, systemPrompt, text string) (string, error) {
	return c.complete(ctx, "complete_text", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(text),
	}, true)
}

// CompleteImage sends the system prompt and a single image_url part.
func (c *Client) CompleteImage(ctx context.Context, systemPrompt, imageURL string) (string, error) {
	return c.complete(ctx, "complete_image", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
		}),
	}, false)
}

func (c *Client) complete(ctx context.Context, op string, messages []openai.ChatCompletionMessageParamUnion, sampling bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.deployment),
		Messages:  messages,
		MaxTokens: openai.Int(int64(c.maxTokens)),
	}
	if sampling {
		params.Temperature = openai.Float(1.0)
		params.TopP = openai.Float(1.0)
	}

	var content string
	err := c.exec.Execute(ctx, op, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.api.Chat.Completions.New(attemptCtx, params)
		if err != nil {
			return wrapAPIError(err)
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion returned no choices")
		}
		content = resp.Choices[0].Message.Content
		return nil
	}, resilience.ClassifyHTTP)
	if err != nil {
		return "", err
	}
	return content, nil
}

// APIError is a non-2xx reply from the completions endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("openai %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func wrapAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &APIError{StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: msg}
	}
	return err
}
