package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	DeepSeekName    = "deepseek"
	DeepSeekBaseURL = "http://localhost:8000"

	deepseekInferPath  = "/ocr/figure"
	deepseekHealthPath = "/health"
)

// deepseekResponseSchema pins the service envelope. Validating up front turns
// a drifted backend into one clear error instead of zero-valued fields
// propagating downstream.
const deepseekResponseSchema = `{
  "type": "object",
  "required": ["blocks", "markdown", "raw_output"],
  "properties": {
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "content"],
        "properties": {
          "id": {"type": "integer"},
          "type": {"type": "string"},
          "content": {"type": "string"},
          "bbox": {
            "type": ["object", "null"],
            "properties": {
              "x0": {"type": "number"},
              "y0": {"type": "number"},
              "x1": {"type": "number"},
              "y1": {"type": "number"}
            }
          },
          "confidence": {"type": "number"},
          "metadata": {"type": "object"}
        }
      }
    },
    "markdown": {"type": "string"},
    "raw_output": {"type": "string"}
  }
}`

var envelopeSchema = jsonschema.MustCompileString("deepseek_response.json", deepseekResponseSchema)

// DeepSeekConfig holds configuration for the DeepSeek OCR client.
type DeepSeekConfig struct {
	BaseURL           string
	APIKey            string // optional; local deployments run keyless
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int
	Logger            *slog.Logger
}

// DeepSeekClient talks to a DeepSeek OCR service over its multipart HTTP API.
type DeepSeekClient struct {
	baseURL           string
	apiKey            string
	maxRetries        int
	requestsPerMinute int
	client            *http.Client
	limiter           *RateLimiter
	logger            *slog.Logger
}

// NewDeepSeekClient creates a new DeepSeek OCR client.
func NewDeepSeekClient(cfg DeepSeekConfig) *DeepSeekClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DeepSeekBaseURL
	}
	if cfg.Timeout == 0 {
		// Inference on large documents can run minutes on a busy GPU.
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &DeepSeekClient{
		baseURL:           cfg.BaseURL,
		apiKey:            cfg.APIKey,
		maxRetries:        cfg.MaxRetries,
		requestsPerMinute: cfg.RequestsPerMinute,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: NewRateLimiter(cfg.RequestsPerMinute),
		logger:  cfg.Logger.With("engine", DeepSeekName),
	}
}

// Name returns the engine identifier.
func (c *DeepSeekClient) Name() string {
	return DeepSeekName
}

// Limiter exposes the client's rate limiter for status reporting.
func (c *DeepSeekClient) Limiter() *RateLimiter {
	return c.limiter
}

// Infer sends one image to the OCR service and returns the model output.
// Rate-limit responses and 5xx are retried with backoff; other 4xx fail
// immediately since resending the same form cannot fix them.
func (c *DeepSeekClient) Infer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if len(req.Image) == 0 {
		return nil, fmt.Errorf("inference request requires image bytes")
	}
	if req.CustomPrompt == "" {
		if req.Prompt == "" {
			req.Prompt = PromptDefault
		}
		if err := req.Prompt.Validate(); err != nil {
			return nil, err
		}
	}
	if req.Sizing.IsZero() {
		req.Sizing = DefaultSizing()
	}
	if err := req.Sizing.Validate(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	form, contentType, err := buildInferForm(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build inference form: %w", err)
	}

	var (
		envelope *deepseekResponse
		attempts int
	)
	err = retry.Do(
		func() error {
			attempts++
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.doRequest(ctx, requestID, form, contentType)
			if err != nil {
				return err
			}
			envelope = resp
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("inference attempt failed, retrying",
				"request_id", requestID,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	c.logger.Debug("inference complete",
		"request_id", requestID,
		"prompt", string(req.Prompt),
		"blocks", len(envelope.Blocks),
		"attempts", attempts,
		"elapsed", elapsed)

	return &Result{
		Text:          envelope.RawOutput,
		Markdown:      envelope.Markdown,
		Engine:        DeepSeekName,
		RequestID:     requestID,
		Attempts:      attempts,
		ExecutionTime: elapsed,
	}, nil
}

// HealthCheck verifies the OCR service is reachable and ready.
func (c *DeepSeekClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+deepseekHealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ocr service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ocr service health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// doRequest posts the prepared form once and decodes the envelope. The form
// bytes are reused across attempts, so each call gets a fresh reader.
func (c *DeepSeekClient) doRequest(ctx context.Context, requestID string, form []byte, contentType string) (*deepseekResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+deepseekInferPath, bytes.NewReader(form))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and refused connections are the transient cases retry
		// exists for.
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.Record429(retryAfter)
		return nil, &RateLimitError{
			Message:    fmt.Sprintf("ocr service rate limited request %s", requestID),
			RetryAfter: retryAfter,
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("ocr service error (status %d): %s", resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Unrecoverable(fmt.Errorf("ocr request rejected (status %d): %s", resp.StatusCode, string(respBody)))
	}

	return decodeEnvelope(respBody)
}

// decodeEnvelope validates the body against the service schema before
// unmarshalling into the typed response. A malformed envelope is not
// retriable: the backend answered, it just answered wrong.
func decodeEnvelope(body []byte) (*deepseekResponse, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("ocr response is not valid JSON: %w", err))
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("ocr response does not match expected envelope: %w", err))
	}

	var envelope deepseekResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to unmarshal ocr response: %w", err))
	}
	return &envelope, nil
}

// buildInferForm encodes the request as the service's multipart form. The
// returned bytes can back any number of retry attempts.
func buildInferForm(req Request) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	name := req.ImageName
	if name == "" {
		name = "image.png"
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", fmt.Errorf("failed to write image data: %w", err)
	}

	fields := map[string]string{
		"prompt_type":   string(req.Prompt),
		"custom_prompt": req.CustomPrompt,
		"base_size":     strconv.Itoa(req.Sizing.BaseSize),
		"image_size":    strconv.Itoa(req.Sizing.ImageSize),
		"crop_mode":     strconv.FormatBool(req.Sizing.CropMode),
	}
	for _, key := range []string{"prompt_type", "custom_prompt", "base_size", "image_size", "crop_mode"} {
		if err := writer.WriteField(key, fields[key]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

// parseRetryAfter reads a Retry-After header value in seconds. Malformed or
// absent values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// deepseekResponse mirrors the OCR service envelope.
type deepseekResponse struct {
	Blocks    []deepseekBlock `json:"blocks"`
	Markdown  string          `json:"markdown"`
	RawOutput string          `json:"raw_output"`
}

type deepseekBlock struct {
	ID         int            `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	BBox       *deepseekBBox  `json:"bbox,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type deepseekBBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Verify interface
var _ Engine = (*DeepSeekClient)(nil)
