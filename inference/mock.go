package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockEngineName = "mock"

// MockEngine is an Engine for testing.
type MockEngine struct {
	// Configurable behavior
	EngineName   string
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string
	// Responses overrides ResponseText per prompt type, so one mock can
	// serve both passes of a pipeline.
	Responses map[PromptType]string

	// State
	requestCount atomic.Int64
	mu           sync.Mutex
	requests     []Request
}

// NewMockEngine creates a new mock engine with sensible defaults.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		EngineName:   MockEngineName,
		Latency:      time.Millisecond,
		ResponseText: "mock output",
	}
}

// Name returns the engine identifier.
func (e *MockEngine) Name() string {
	return e.EngineName
}

// Infer returns the configured response.
func (e *MockEngine) Infer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	count := e.requestCount.Add(1)

	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.ShouldFail {
		return nil, fmt.Errorf("mock engine configured to fail")
	}
	if e.FailAfter > 0 && int(count) > e.FailAfter {
		return nil, fmt.Errorf("mock engine failed after %d requests", e.FailAfter)
	}

	select {
	case <-time.After(e.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	text := e.ResponseText
	if override, ok := e.Responses[req.Prompt]; ok {
		text = override
	}

	return &Result{
		Text:          text,
		Engine:        e.EngineName,
		RequestID:     fmt.Sprintf("mock-%d", count),
		Attempts:      1,
		ExecutionTime: time.Since(start),
	}, nil
}

// RequestCount returns the number of requests made.
func (e *MockEngine) RequestCount() int64 {
	return e.requestCount.Load()
}

// Requests returns a copy of every request seen, in call order.
func (e *MockEngine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// Reset clears the counter and recorded requests.
func (e *MockEngine) Reset() {
	e.requestCount.Store(0)
	e.mu.Lock()
	e.requests = nil
	e.mu.Unlock()
}

// Verify interface
var _ Engine = (*MockEngine)(nil)
