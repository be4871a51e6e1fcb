package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	VisionName          = "vision"
	visionDefaultModel  = openai.ChatModelGPT4o
	visionDefaultTokens = 1024
)

// VisionConfig holds configuration for the vision-model client.
type VisionConfig struct {
	APIKey            string
	Model             string
	BaseURL           string // Optional (tests, compatible gateways)
	Timeout           time.Duration
	MaxRetries        int
	MaxTokens         int
	RequestsPerMinute int
	Logger            *slog.Logger
	HTTPClient        *http.Client // Optional (tests)
}

// VisionClient runs describe-style prompts against an OpenAI-compatible chat
// model. It cannot ground text to coordinates; pair it with an OCR engine
// when positions matter.
type VisionClient struct {
	apiKey            string
	baseURL           string
	model             string
	maxTokens         int
	maxRetries        int
	requestsPerMinute int
	client            openai.Client
	limiter           *RateLimiter
	logger            *slog.Logger
}

// NewVisionClient creates a new vision-model client.
func NewVisionClient(cfg VisionConfig) *VisionClient {
	if cfg.Model == "" {
		cfg.Model = visionDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = visionDefaultTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &VisionClient{
		apiKey:            cfg.APIKey,
		baseURL:           cfg.BaseURL,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		maxRetries:        cfg.MaxRetries,
		requestsPerMinute: cfg.RequestsPerMinute,
		client:            openai.NewClient(opts...),
		limiter:           NewRateLimiter(cfg.RequestsPerMinute),
		logger:            cfg.Logger.With("engine", VisionName),
	}
}

// Name returns the engine identifier.
func (c *VisionClient) Name() string {
	return VisionName
}

// Limiter exposes the client's rate limiter for status reporting.
func (c *VisionClient) Limiter() *RateLimiter {
	return c.limiter
}

// Infer sends the image with a chat prompt and returns the model's reply.
// Sizing is ignored: chat backends do their own image preprocessing.
func (c *VisionClient) Infer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if len(req.Image) == 0 {
		return nil, fmt.Errorf("inference request requires image bytes")
	}

	prompt := req.CustomPrompt
	if prompt == "" {
		if req.Prompt == "" {
			req.Prompt = PromptDescribe
		}
		text, err := req.Prompt.ChatText()
		if err != nil {
			return nil, err
		}
		prompt = text
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		MaxTokens: openai.Int(int64(c.maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: imageDataURL(req.Image),
				}),
			}),
		},
	})
	if err != nil {
		return nil, mapVisionError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("vision model returned no choices")
	}

	elapsed := time.Since(start)
	c.logger.Debug("vision inference complete",
		"request_id", completion.ID,
		"model", c.model,
		"elapsed", elapsed)

	return &Result{
		Text:          completion.Choices[0].Message.Content,
		Engine:        VisionName,
		RequestID:     completion.ID,
		Attempts:      1,
		ExecutionTime: elapsed,
	}, nil
}

// HealthCheck verifies the API is reachable and the key is valid.
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("vision models list failed: %w", mapVisionError(err))
	}
	if page == nil {
		return fmt.Errorf("vision models list returned nil response")
	}
	return nil
}

// imageDataURL inlines image bytes as a base64 data URL, sniffing the media
// type from the bytes themselves.
func imageDataURL(image []byte) string {
	mediaType := http.DetectContentType(image)
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func mapVisionError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("vision model rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("vision model error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("vision model error (status %d)", apiErr.StatusCode)
	}
	return err
}

// Verify interface
var _ Engine = (*VisionClient)(nil)
