// Package reconcile merges the two passes of a dual-pass OCR run: regions
// with reliable coordinates but possibly corrupted label text, and a natural
// language description with reliable names but no coordinates. The output is
// a positioned entity list with each label corrected where a confident match
// exists.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/diagramkit/grounding/annotation"
)

// Confidence records where an entity's label came from.
type Confidence string

const (
	// ConfidenceCorrected marks a label replaced by its matched candidate
	// from the description pass.
	ConfidenceCorrected Confidence = "corrected"
	// ConfidenceUncorrected marks a label kept as the region's raw text.
	ConfidenceUncorrected Confidence = "uncorrected"
)

// LabeledEntity is the terminal output of one reconciliation run. Every
// entity carries a box: regions without positional evidence are never
// emitted, since supplying position is the whole point.
type LabeledEntity struct {
	Label  string         `json:"label"`
	BBox   annotation.Box `json:"bbox"`
	Source Confidence     `json:"source_confidence"`
}

const (
	// DefaultAcceptThreshold splits the observed corruption pairs (which
	// score ~0.78 and up after folding) from cross matches (~0.2).
	DefaultAcceptThreshold = 0.6
	// DefaultMaxCandidateLen bounds quoted candidate length in runes.
	DefaultMaxCandidateLen = 64
)

// Config holds reconciler settings.
type Config struct {
	// AcceptThreshold is the minimum similarity for a candidate label to
	// replace a region's raw text. Default 0.6.
	AcceptThreshold float64
	// MaxCandidateLen caps candidate label length in runes. Default 64.
	MaxCandidateLen int
	Logger          *slog.Logger
}

// Reconciler pairs positioned regions with their best-matching candidate
// labels. Safe for concurrent use.
type Reconciler struct {
	threshold float64
	maxLen    int
	logger    *slog.Logger
}

// New creates a Reconciler with defaults applied.
func New(cfg Config) *Reconciler {
	if cfg.AcceptThreshold == 0 {
		cfg.AcceptThreshold = DefaultAcceptThreshold
	}
	if cfg.MaxCandidateLen == 0 {
		cfg.MaxCandidateLen = DefaultMaxCandidateLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		threshold: cfg.AcceptThreshold,
		maxLen:    cfg.MaxCandidateLen,
		logger:    cfg.Logger,
	}
}

// Reconcile matches positioned regions against candidate labels extracted
// from the description. Matching is greedy in descending similarity, one
// candidate per region; ties break by region position (top-to-bottom,
// left-to-right by box origin, then source order) and then by candidate
// first-mention order, so identical inputs always produce identical output.
// Regions without a box are skipped; regions without a confident match keep
// their raw text flagged uncorrected. Nothing here fails: mismatched counts
// between the passes degrade to unused candidates and uncorrected regions.
func (rc *Reconciler) Reconcile(positioned []annotation.Region, described string) []LabeledEntity {
	var regions []annotation.Region
	for _, r := range positioned {
		if r.BBox != nil {
			regions = append(regions, r)
		}
	}
	if len(regions) == 0 {
		return nil
	}

	candidates := extractCandidates(described, rc.maxLen)

	// Positional rank for tie-breaking.
	order := make([]int, len(regions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ba, bb := regions[order[a]].BBox, regions[order[b]].BBox
		if ba.Y0 != bb.Y0 {
			return ba.Y0 < bb.Y0
		}
		if ba.X0 != bb.X0 {
			return ba.X0 < bb.X0
		}
		return order[a] < order[b]
	})
	rank := make([]int, len(regions))
	for pos, ri := range order {
		rank[ri] = pos
	}

	type pair struct {
		ri, ci int
		score  float64
	}
	pairs := make([]pair, 0, len(regions)*len(candidates))
	for ri, r := range regions {
		raw := r.RawText()
		best := 0.0
		tied := 0
		for ci, c := range candidates {
			score := Similarity(raw, c)
			pairs = append(pairs, pair{ri: ri, ci: ci, score: score})
			switch {
			case score > best:
				best, tied = score, 1
			case score == best && score > 0:
				tied++
			}
		}
		if tied > 1 {
			rc.logger.Debug("ambiguous label candidates for region",
				"region_text", raw,
				"score", best,
				"tied", tied)
		}
	}

	sort.SliceStable(pairs, func(a, b int) bool {
		pa, pb := pairs[a], pairs[b]
		if pa.score != pb.score {
			return pa.score > pb.score
		}
		if rank[pa.ri] != rank[pb.ri] {
			return rank[pa.ri] < rank[pb.ri]
		}
		return pa.ci < pb.ci
	})

	matched := make([]int, len(regions)) // candidate index + 1, 0 = none
	taken := make([]bool, len(candidates))
	for _, p := range pairs {
		if p.score < rc.threshold {
			break
		}
		if matched[p.ri] != 0 || taken[p.ci] {
			continue
		}
		matched[p.ri] = p.ci + 1
		taken[p.ci] = true
	}

	entities := make([]LabeledEntity, 0, len(regions))
	for ri, r := range regions {
		e := LabeledEntity{BBox: *r.BBox, Label: r.RawText(), Source: ConfidenceUncorrected}
		if ci := matched[ri]; ci != 0 {
			e.Label = candidates[ci-1]
			e.Source = ConfidenceCorrected
		}
		entities = append(entities, e)
	}
	return entities
}
