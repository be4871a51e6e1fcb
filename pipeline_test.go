package grounding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/diagramkit/grounding/annotation"
	"github.com/diagramkit/grounding/config"
	"github.com/diagramkit/grounding/inference"
	"github.com/diagramkit/grounding/reconcile"
)

// groundedStream is what a grounded OCR pass emits for a two-element diagram:
// reliable boxes, transliteration-corrupted Cyrillic labels.
const groundedStream = `=====================
BASE: h=1024, w=640, vision tokens: 256
=====================
<|ref|>npoecc1<|/ref|><|det|>[[355,410,409,431]]<|/det|>
<|ref|>C6bITHe1<|/ref|><|det|>[[500,380,560,400]]<|/det|>
`

// describedText is what a describe pass emits for the same diagram: clean
// names, no positions.
const describedText = `На схеме изображены блок «Процесс 1» и элемент «Событие 1».`

var testImage = []byte("\x89PNG\r\n\x1a\nstub-pixels")

func newTestPipeline(t *testing.T, grounded, describe inference.Engine) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		Grounded: PassSpec{Engine: grounded, Prompt: inference.PromptRussianLayout},
		Describe: PassSpec{Engine: describe, Prompt: inference.PromptDescribe},
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func TestNewPipelineValidation(t *testing.T) {
	mock := inference.NewMockEngine()

	t.Run("requires grounded engine", func(t *testing.T) {
		_, err := NewPipeline(PipelineConfig{})
		if err == nil || !strings.Contains(err.Error(), "requires an engine") {
			t.Errorf("expected missing engine error, got %v", err)
		}
	})

	t.Run("rejects non-grounded prompt on grounded pass", func(t *testing.T) {
		_, err := NewPipeline(PipelineConfig{
			Grounded: PassSpec{Engine: mock, Prompt: inference.PromptDescribe},
		})
		if err == nil || !strings.Contains(err.Error(), "grounding token") {
			t.Errorf("expected grounding token error, got %v", err)
		}
	})

	t.Run("rejects unknown prompts", func(t *testing.T) {
		_, err := NewPipeline(PipelineConfig{
			Grounded: PassSpec{Engine: mock, Prompt: "made_up"},
		})
		if err == nil || !strings.Contains(err.Error(), "unknown prompt") {
			t.Errorf("expected unknown prompt error, got %v", err)
		}

		_, err = NewPipeline(PipelineConfig{
			Grounded: PassSpec{Engine: mock},
			Describe: PassSpec{Engine: mock, Prompt: "made_up"},
		})
		if err == nil || !strings.Contains(err.Error(), "unknown prompt") {
			t.Errorf("expected unknown prompt error, got %v", err)
		}
	})

	t.Run("describe engine is optional", func(t *testing.T) {
		if _, err := NewPipeline(PipelineConfig{
			Grounded: PassSpec{Engine: mock},
		}); err != nil {
			t.Errorf("grounded-only pipeline should construct, got %v", err)
		}
	})
}

func TestPipelineRun(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.EngineName = "grounded-mock"
	grounded.ResponseText = groundedStream

	describe := inference.NewMockEngine()
	describe.EngineName = "describe-mock"
	describe.ResponseText = describedText

	p := newTestPipeline(t, grounded, describe)

	result, err := p.Run(context.Background(), testImage)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.RunID == "" {
		t.Error("expected non-empty run id")
	}
	if len(result.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(result.Regions))
	}
	if len(result.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(result.Entities), result.Entities)
	}

	if result.Entities[0].Label != "Процесс 1" || result.Entities[0].Source != reconcile.ConfidenceCorrected {
		t.Errorf("first entity not corrected: %+v", result.Entities[0])
	}
	if result.Entities[1].Label != "Событие 1" || result.Entities[1].Source != reconcile.ConfidenceCorrected {
		t.Errorf("second entity not corrected: %+v", result.Entities[1])
	}
	if result.Entities[0].BBox != (annotation.Box{X0: 355, Y0: 410, X1: 409, Y1: 431}) {
		t.Errorf("bbox not carried from the grounded pass: %v", result.Entities[0].BBox)
	}

	if result.Corrected != 2 || result.Uncorrected != 0 {
		t.Errorf("counts = %d corrected / %d uncorrected, want 2/0", result.Corrected, result.Uncorrected)
	}
	if result.GroundedTime <= 0 || result.DescribeTime <= 0 || result.Elapsed <= 0 {
		t.Errorf("timings not recorded: %+v", result)
	}

	// Each pass went to its own engine with its own prompt.
	if grounded.RequestCount() != 1 || describe.RequestCount() != 1 {
		t.Fatalf("request counts = %d/%d, want 1/1", grounded.RequestCount(), describe.RequestCount())
	}
	if got := grounded.Requests()[0].Prompt; got != inference.PromptRussianLayout {
		t.Errorf("grounded pass sent prompt %q", got)
	}
	if got := describe.Requests()[0].Prompt; got != inference.PromptDescribe {
		t.Errorf("describe pass sent prompt %q", got)
	}
}

func TestPipelineRunSharedEngine(t *testing.T) {
	// One engine can serve both passes when its responses are keyed by
	// prompt. Prompts left empty fall back to the pipeline defaults.
	mock := inference.NewMockEngine()
	mock.Responses = map[inference.PromptType]string{
		inference.PromptOCRSimple: groundedStream,
		inference.PromptDescribe:  describedText,
	}

	p, err := NewPipeline(PipelineConfig{
		Grounded: PassSpec{Engine: mock},
		Describe: PassSpec{Engine: mock},
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	result, err := p.Run(context.Background(), testImage)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Corrected != 2 {
		t.Errorf("expected 2 corrected entities, got %d", result.Corrected)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("expected 2 requests on the shared engine, got %d", mock.RequestCount())
	}
}

// barrierEngine blocks inside Infer until its peer has also arrived, so a
// test can prove the two passes overlap instead of running back to back.
type barrierEngine struct {
	name    string
	text    string
	arrive  chan<- string
	release <-chan struct{}
}

func (e *barrierEngine) Name() string { return e.name }

func (e *barrierEngine) Infer(ctx context.Context, req inference.Request) (*inference.Result, error) {
	select {
	case e.arrive <- e.name:
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("%s: arrival never consumed", e.name)
	}
	select {
	case <-e.release:
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("%s: peer never arrived, passes did not overlap", e.name)
	}
	return &inference.Result{Text: e.text, Engine: e.name, Attempts: 1}, nil
}

func TestPipelineRunsPassesInParallel(t *testing.T) {
	arrive := make(chan string, 2)
	release := make(chan struct{})

	grounded := &barrierEngine{name: "grounded", text: groundedStream, arrive: arrive, release: release}
	describe := &barrierEngine{name: "describe", text: describedText, arrive: arrive, release: release}

	go func() {
		<-arrive
		<-arrive
		close(release)
	}()

	p := newTestPipeline(t, grounded, describe)
	if _, err := p.Run(context.Background(), testImage); err != nil {
		t.Fatalf("parallel run failed: %v", err)
	}
}

func TestPipelineRunPassFailures(t *testing.T) {
	t.Run("grounded pass failure fails the run", func(t *testing.T) {
		grounded := inference.NewMockEngine()
		grounded.EngineName = "grounded-mock"
		grounded.ShouldFail = true

		describe := inference.NewMockEngine()
		describe.ResponseText = describedText

		p := newTestPipeline(t, grounded, describe)
		_, err := p.Run(context.Background(), testImage)
		if err == nil || !strings.Contains(err.Error(), "grounded pass (grounded-mock)") {
			t.Errorf("expected grounded pass error, got %v", err)
		}
	})

	t.Run("describe pass failure fails the run", func(t *testing.T) {
		grounded := inference.NewMockEngine()
		grounded.ResponseText = groundedStream

		describe := inference.NewMockEngine()
		describe.EngineName = "describe-mock"
		describe.ShouldFail = true

		p := newTestPipeline(t, grounded, describe)
		_, err := p.Run(context.Background(), testImage)
		if err == nil || !strings.Contains(err.Error(), "describe pass (describe-mock)") {
			t.Errorf("expected describe pass error, got %v", err)
		}
	})

	t.Run("malformed grounded stream fails the run", func(t *testing.T) {
		grounded := inference.NewMockEngine()
		grounded.ResponseText = "<|ref|>dangling"

		describe := inference.NewMockEngine()
		describe.ResponseText = describedText

		p := newTestPipeline(t, grounded, describe)
		_, err := p.Run(context.Background(), testImage)
		if err == nil {
			t.Fatal("expected error for malformed stream")
		}
		var malformed *annotation.MalformedStreamError
		if !errors.As(err, &malformed) {
			t.Errorf("expected MalformedStreamError, got %v", err)
		}
	})

	t.Run("empty image is rejected before any call", func(t *testing.T) {
		grounded := inference.NewMockEngine()
		describe := inference.NewMockEngine()

		p := newTestPipeline(t, grounded, describe)
		if _, err := p.Run(context.Background(), nil); err == nil {
			t.Error("expected error for empty image")
		}
		if grounded.RequestCount() != 0 || describe.RequestCount() != 0 {
			t.Error("no engine should be called for an empty image")
		}
	})
}

func TestPipelineRunCarriesWarnings(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.ResponseText = "<|ref|>npoecc1<|/ref|><|det|>[[355,410,409,431]]<|/det|>\n" +
		"<|ref|>шлюз<|/ref|><|det|>[[broken]]<|/det|>\n"

	describe := inference.NewMockEngine()
	describe.ResponseText = describedText

	p := newTestPipeline(t, grounded, describe)
	result, err := p.Run(context.Background(), testImage)
	if err != nil {
		t.Fatalf("undecodable boxes must not fail the run: %v", err)
	}

	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", result.Warnings)
	}
	if len(result.Regions) != 2 {
		t.Errorf("boxless region must stay in Regions, got %d", len(result.Regions))
	}
	if len(result.Entities) != 1 {
		t.Errorf("boxless region must not become an entity, got %+v", result.Entities)
	}
}

func TestPipelineRunWithoutDescribeEngine(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.ResponseText = groundedStream

	p, err := NewPipeline(PipelineConfig{
		Grounded: PassSpec{Engine: grounded, Prompt: inference.PromptRussianLayout},
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	if _, err := p.Run(context.Background(), testImage); err == nil {
		t.Error("Run without a describe engine must fail")
	}
	if _, err := p.RunGrounded(context.Background(), testImage); err != nil {
		t.Errorf("RunGrounded should work without a describe engine: %v", err)
	}
}

func TestPipelineRunGrounded(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.ResponseText = groundedStream

	describe := inference.NewMockEngine()
	describe.ResponseText = describedText

	p := newTestPipeline(t, grounded, describe)

	result, err := p.RunGrounded(context.Background(), testImage)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(result.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(result.Entities))
	}
	for _, e := range result.Entities {
		if e.Source != reconcile.ConfidenceUncorrected {
			t.Errorf("grounded-only entities must be uncorrected, got %+v", e)
		}
	}
	if result.Entities[0].Label != "npoecc1" {
		t.Errorf("grounded-only entity keeps raw text, got %q", result.Entities[0].Label)
	}
	if result.Corrected != 0 || result.Uncorrected != 2 {
		t.Errorf("counts = %d/%d, want 0/2", result.Corrected, result.Uncorrected)
	}
	if result.DescribeTime != 0 {
		t.Errorf("describe time should be zero, got %v", result.DescribeTime)
	}
	if describe.RequestCount() != 0 {
		t.Error("describe engine must not be called in grounded-only mode")
	}
}

func TestPipelineReconcileThresholdApplies(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.ResponseText = groundedStream

	describe := inference.NewMockEngine()
	describe.ResponseText = describedText

	p, err := NewPipeline(PipelineConfig{
		Grounded:  PassSpec{Engine: grounded, Prompt: inference.PromptRussianLayout},
		Describe:  PassSpec{Engine: describe},
		Reconcile: reconcile.Config{AcceptThreshold: 0.99},
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	result, err := p.Run(context.Background(), testImage)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Corrected != 0 {
		t.Errorf("near-impossible threshold should correct nothing, got %d", result.Corrected)
	}
}

func TestNewPipelineFromConfig(t *testing.T) {
	grounded := inference.NewMockEngine()
	grounded.EngineName = "deepseek"
	grounded.Responses = map[inference.PromptType]string{
		inference.PromptRussianLayout: groundedStream,
	}

	describe := inference.NewMockEngine()
	describe.EngineName = "vision"
	describe.Responses = map[inference.PromptType]string{
		inference.PromptDescribe: describedText,
	}

	reg := inference.NewRegistry()
	reg.Register("deepseek", grounded)
	reg.Register("vision", describe)

	cfg := config.DefaultConfig()

	p, err := NewPipelineFromConfig(cfg, reg)
	if err != nil {
		t.Fatalf("failed to build pipeline from config: %v", err)
	}

	result, err := p.Run(context.Background(), testImage)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Corrected != 2 {
		t.Errorf("expected 2 corrected entities, got %d", result.Corrected)
	}

	// The configured sizing mode reaches the engine.
	gundam, err := inference.ModeByName("gundam")
	if err != nil {
		t.Fatalf("mode lookup: %v", err)
	}
	if got := grounded.Requests()[0].Sizing; got != gundam.Sizing {
		t.Errorf("grounded pass sizing = %+v, want %+v", got, gundam.Sizing)
	}

	t.Run("unknown engine name fails", func(t *testing.T) {
		bad := config.DefaultConfig()
		bad.Passes.Grounded.Engine = "ghost"
		if _, err := NewPipelineFromConfig(bad, reg); err == nil || !strings.Contains(err.Error(), "passes.grounded") {
			t.Errorf("expected passes.grounded error, got %v", err)
		}
	})

	t.Run("unknown mode fails", func(t *testing.T) {
		bad := config.DefaultConfig()
		bad.Passes.Describe.Mode = "colossal"
		if _, err := NewPipelineFromConfig(bad, reg); err == nil || !strings.Contains(err.Error(), "unknown sizing mode") {
			t.Errorf("expected sizing mode error, got %v", err)
		}
	})

	t.Run("nil arguments fail", func(t *testing.T) {
		if _, err := NewPipelineFromConfig(nil, reg); err == nil {
			t.Error("expected error for nil config")
		}
		if _, err := NewPipelineFromConfig(cfg, nil); err == nil {
			t.Error("expected error for nil registry")
		}
	})
}
