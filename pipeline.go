// Package grounding turns one image into a positioned entity list by running
// two model passes and merging them: a grounded pass whose output carries
// bounding boxes but possibly corrupted label text, and a describe pass whose
// output carries clean names but no positions. The annotation package parses
// the grounded stream, the reconcile package corrects the labels.
package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diagramkit/grounding/annotation"
	"github.com/diagramkit/grounding/config"
	"github.com/diagramkit/grounding/inference"
	"github.com/diagramkit/grounding/reconcile"
)

// PassSpec binds one inference pass to an engine, a catalog prompt, and a
// sizing mode. A zero Sizing means the engine's default.
type PassSpec struct {
	Engine inference.Engine
	Prompt inference.PromptType
	Sizing inference.Sizing
}

// PipelineConfig holds the configuration for a dual-pass pipeline.
type PipelineConfig struct {
	// Grounded is the pass that produces boxes. Required.
	Grounded PassSpec
	// Describe is the pass that produces clean names. Optional: without it
	// only RunGrounded works.
	Describe PassSpec
	// Reconcile configures label matching.
	Reconcile reconcile.Config
	Logger    *slog.Logger
}

// Pipeline runs the two passes and reconciles their output. Safe for
// concurrent use.
type Pipeline struct {
	grounded   PassSpec
	describe   PassSpec
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

// NewPipeline creates a pipeline, defaulting the grounded prompt to plain
// grounded OCR and the describe prompt to the catalog description prompt.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Grounded.Engine == nil {
		return nil, fmt.Errorf("grounded pass requires an engine")
	}
	if cfg.Grounded.Prompt == "" {
		cfg.Grounded.Prompt = inference.PromptOCRSimple
	}
	if err := cfg.Grounded.Prompt.Validate(); err != nil {
		return nil, fmt.Errorf("grounded pass: %w", err)
	}
	if !cfg.Grounded.Prompt.Grounded() {
		return nil, fmt.Errorf("grounded pass: prompt %q carries no grounding token and would yield no boxes", cfg.Grounded.Prompt)
	}

	if cfg.Describe.Engine != nil {
		if cfg.Describe.Prompt == "" {
			cfg.Describe.Prompt = inference.PromptDescribe
		}
		if err := cfg.Describe.Prompt.Validate(); err != nil {
			return nil, fmt.Errorf("describe pass: %w", err)
		}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Reconcile.Logger = cfg.Logger

	return &Pipeline{
		grounded:   cfg.Grounded,
		describe:   cfg.Describe,
		reconciler: reconcile.New(cfg.Reconcile),
		logger:     cfg.Logger,
	}, nil
}

// NewPipelineFromConfig wires a pipeline from a loaded configuration and an
// engine registry built from the same configuration.
func NewPipelineFromConfig(cfg *config.Config, reg *inference.Registry) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if reg == nil {
		return nil, fmt.Errorf("nil registry")
	}

	grounded, err := passFromConfig(cfg.Passes.Grounded, reg)
	if err != nil {
		return nil, fmt.Errorf("passes.grounded: %w", err)
	}
	describe, err := passFromConfig(cfg.Passes.Describe, reg)
	if err != nil {
		return nil, fmt.Errorf("passes.describe: %w", err)
	}

	return NewPipeline(PipelineConfig{
		Grounded: grounded,
		Describe: describe,
		Reconcile: reconcile.Config{
			AcceptThreshold: cfg.Reconcile.AcceptThreshold,
			MaxCandidateLen: cfg.Reconcile.MaxCandidateLen,
		},
	})
}

func passFromConfig(pass config.PassCfg, reg *inference.Registry) (PassSpec, error) {
	engine, err := reg.Get(pass.Engine)
	if err != nil {
		return PassSpec{}, err
	}
	spec := PassSpec{Engine: engine, Prompt: inference.PromptType(pass.Prompt)}
	if pass.Mode != "" {
		mode, err := inference.ModeByName(pass.Mode)
		if err != nil {
			return PassSpec{}, err
		}
		spec.Sizing = mode.Sizing
	}
	return spec, nil
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID string `json:"run_id"`

	// Entities is the reconciled output, one per box-bearing region.
	Entities []reconcile.LabeledEntity `json:"entities"`

	// Regions is the parsed grounded stream, boxless regions included.
	Regions []annotation.Region `json:"regions"`

	// Warnings records box payloads that did not decode.
	Warnings []annotation.DecodeWarning `json:"warnings,omitempty"`

	GroundedTime time.Duration `json:"grounded_time"`
	DescribeTime time.Duration `json:"describe_time"`
	Elapsed      time.Duration `json:"elapsed"`

	// Corrected and Uncorrected count entities by label source.
	Corrected   int `json:"corrected"`
	Uncorrected int `json:"uncorrected"`
}

// Run executes both passes in parallel, parses the grounded stream, and
// reconciles it against the description. Both passes must succeed; a
// malformed grounded stream fails the run. Reconciliation itself never
// fails: regions without a confident match come back uncorrected.
func (p *Pipeline) Run(ctx context.Context, image []byte) (*RunResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if p.describe.Engine == nil {
		return nil, fmt.Errorf("no describe engine configured, use RunGrounded")
	}

	runID := uuid.New().String()
	start := time.Now()
	logger := p.logger.With("run_id", runID)

	logger.Debug("starting dual-pass run",
		"grounded_engine", p.grounded.Engine.Name(),
		"grounded_prompt", p.grounded.Prompt,
		"describe_engine", p.describe.Engine.Name(),
		"describe_prompt", p.describe.Prompt,
		"image_bytes", len(image))

	// The passes share no state, so they run concurrently; reconciliation
	// needs both, so nothing downstream starts until both return.
	var (
		wg                       sync.WaitGroup
		groundedRes, describeRes *inference.Result
		groundedErr, describeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		groundedRes, groundedErr = p.grounded.Engine.Infer(ctx, inference.Request{
			Image:  image,
			Prompt: p.grounded.Prompt,
			Sizing: p.grounded.Sizing,
		})
	}()
	go func() {
		defer wg.Done()
		describeRes, describeErr = p.describe.Engine.Infer(ctx, inference.Request{
			Image:  image,
			Prompt: p.describe.Prompt,
			Sizing: p.describe.Sizing,
		})
	}()
	wg.Wait()

	if groundedErr != nil {
		return nil, fmt.Errorf("grounded pass (%s): %w", p.grounded.Engine.Name(), groundedErr)
	}
	if describeErr != nil {
		return nil, fmt.Errorf("describe pass (%s): %w", p.describe.Engine.Name(), describeErr)
	}

	regions, warnings, err := annotation.ParseString(groundedRes.Text)
	if err != nil {
		return nil, fmt.Errorf("grounded pass (%s): %w", p.grounded.Engine.Name(), err)
	}
	for _, w := range warnings {
		logger.Warn("undecodable box payload",
			"line", w.Line,
			"error", w.Err)
	}

	entities := p.reconciler.Reconcile(regions, describeRes.Text)

	result := &RunResult{
		RunID:        runID,
		Entities:     entities,
		Regions:      regions,
		Warnings:     warnings,
		GroundedTime: groundedRes.ExecutionTime,
		DescribeTime: describeRes.ExecutionTime,
		Elapsed:      time.Since(start),
	}
	for _, e := range entities {
		if e.Source == reconcile.ConfidenceCorrected {
			result.Corrected++
		} else {
			result.Uncorrected++
		}
	}

	logger.Info("dual-pass run complete",
		"regions", len(regions),
		"entities", len(entities),
		"corrected", result.Corrected,
		"uncorrected", result.Uncorrected,
		"warnings", len(warnings),
		"elapsed", result.Elapsed)

	return result, nil
}

// RunGrounded executes only the grounded pass and emits every box-bearing
// region as an uncorrected entity. This is the degraded mode for setups
// without a describe engine.
func (p *Pipeline) RunGrounded(ctx context.Context, image []byte) (*RunResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	runID := uuid.New().String()
	start := time.Now()
	logger := p.logger.With("run_id", runID)

	res, err := p.grounded.Engine.Infer(ctx, inference.Request{
		Image:  image,
		Prompt: p.grounded.Prompt,
		Sizing: p.grounded.Sizing,
	})
	if err != nil {
		return nil, fmt.Errorf("grounded pass (%s): %w", p.grounded.Engine.Name(), err)
	}

	regions, warnings, err := annotation.ParseString(res.Text)
	if err != nil {
		return nil, fmt.Errorf("grounded pass (%s): %w", p.grounded.Engine.Name(), err)
	}
	for _, w := range warnings {
		logger.Warn("undecodable box payload",
			"line", w.Line,
			"error", w.Err)
	}

	// An empty description extracts no candidates, so every region keeps its
	// raw text.
	entities := p.reconciler.Reconcile(regions, "")

	result := &RunResult{
		RunID:        runID,
		Entities:     entities,
		Regions:      regions,
		Warnings:     warnings,
		GroundedTime: res.ExecutionTime,
		Elapsed:      time.Since(start),
		Uncorrected:  len(entities),
	}

	logger.Info("grounded-only run complete",
		"regions", len(regions),
		"entities", len(entities),
		"warnings", len(warnings),
		"elapsed", result.Elapsed)

	return result, nil
}
