// Package inference is the boundary to the external OCR model. The model
// itself (weights, devices, tiling, stdout capture) belongs to the backend;
// every Engine here takes an image and returns the model's text directly.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine is the capability exposed by a model backend: one inference call in,
// raw text out. Implementations own transport, retries and rate limiting.
type Engine interface {
	// Name identifies the engine in logs and registry lookups.
	Name() string
	// Infer runs one inference call.
	Infer(ctx context.Context, req Request) (*Result, error)
}

// Request describes one inference call.
type Request struct {
	// Image holds encoded image bytes (PNG or JPEG).
	Image []byte
	// ImageName is an optional filename hint for transports that send one.
	ImageName string
	// Prompt selects a catalog prompt.
	Prompt PromptType
	// CustomPrompt overrides the catalog text verbatim when non-empty.
	CustomPrompt string
	// Sizing selects the model's resolution mode. Zero value means the
	// engine's default.
	Sizing Sizing
}

// Result is the outcome of one inference call.
type Result struct {
	// Text is the model's raw output: annotated records for grounded
	// prompts, free prose for describe prompts.
	Text string
	// Markdown is the backend-rendered markdown, when the backend builds one.
	Markdown string
	// Engine and RequestID tie the result back to the call for logging.
	Engine    string
	RequestID string
	// Attempts counts tries including the successful one.
	Attempts      int
	ExecutionTime time.Duration
}

// Sizing enumerates the model's recognized sizing options: processing base
// size, image window size, and whether dynamic tiling is on.
type Sizing struct {
	BaseSize  int  `json:"base_size" mapstructure:"base_size"`
	ImageSize int  `json:"image_size" mapstructure:"image_size"`
	CropMode  bool `json:"crop_mode" mapstructure:"crop_mode"`
}

// IsZero reports whether the sizing is unset.
func (s Sizing) IsZero() bool {
	return s == Sizing{}
}

// Validate checks that both dimensions are positive.
func (s Sizing) Validate() error {
	if s.BaseSize <= 0 || s.ImageSize <= 0 {
		return fmt.Errorf("sizing requires positive dimensions, got base=%d image=%d", s.BaseSize, s.ImageSize)
	}
	return nil
}

// Mode is a named sizing preset of the model.
type Mode struct {
	Name   string
	Sizing Sizing
	// VisionTokens is the mode's fixed vision token budget; 0 means the mode
	// tiles dynamically.
	VisionTokens int
}

// Modes lists the model's resolution presets in ascending size order.
var Modes = []Mode{
	{Name: "tiny", Sizing: Sizing{BaseSize: 512, ImageSize: 512}, VisionTokens: 64},
	{Name: "small", Sizing: Sizing{BaseSize: 640, ImageSize: 640}, VisionTokens: 100},
	{Name: "base", Sizing: Sizing{BaseSize: 1024, ImageSize: 1024}, VisionTokens: 256},
	{Name: "large", Sizing: Sizing{BaseSize: 1280, ImageSize: 1280}, VisionTokens: 400},
	{Name: "gundam", Sizing: Sizing{BaseSize: 1024, ImageSize: 640, CropMode: true}},
}

// ModeByName looks up a preset case-insensitively.
func ModeByName(name string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("unknown sizing mode %q", name)
}

// DefaultSizing is the dynamic-tiling preset, the safest choice for mixed
// documents.
func DefaultSizing() Sizing {
	return Sizing{BaseSize: 1024, ImageSize: 640, CropMode: true}
}

// RateLimitError is returned when a backend answers 429. RetryAfter is zero
// when the backend did not say how long to back off.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// IsRateLimitError reports whether err wraps a RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
