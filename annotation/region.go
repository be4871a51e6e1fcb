// Package annotation parses the bounding-box-annotated text streams emitted
// by grounding-capable OCR models. A stream is a sequence of records of the
// form <|ref|>kind<|/ref|><|det|>[[x0,y0,x1,y1]]<|/det|> followed by free-form
// content lines, optionally preceded by diagnostic banner lines.
package annotation

import (
	"fmt"
	"strings"
)

// Stream markers as emitted by the model.
const (
	RefOpen  = "<|ref|>"
	RefClose = "<|/ref|>"
	DetOpen  = "<|det|>"
	DetClose = "<|/det|>"
)

// CoordSpace is the normalized coordinate range grounding boxes are emitted
// in. Box values run 0..999 regardless of the actual inference resolution;
// use ToImage to project onto real pixel dimensions.
const CoordSpace = 999.0

// Box is a rectangle in the coordinate space of the inference call that
// produced it. Coordinates are not portable across calls made with different
// sizing parameters without explicit rescaling.
type Box struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 {
	return b.X1 - b.X0
}

// Height returns the vertical extent of the box.
func (b Box) Height() float64 {
	return b.Y1 - b.Y0
}

// Canonical returns the box with corners ordered so X0 <= X1 and Y0 <= Y1.
func (b Box) Canonical() Box {
	if b.X0 > b.X1 {
		b.X0, b.X1 = b.X1, b.X0
	}
	if b.Y0 > b.Y1 {
		b.Y0, b.Y1 = b.Y1, b.Y0
	}
	return b
}

// Scale multiplies the box by independent horizontal and vertical factors.
func (b Box) Scale(sx, sy float64) Box {
	return Box{
		X0: b.X0 * sx,
		Y0: b.Y0 * sy,
		X1: b.X1 * sx,
		Y1: b.Y1 * sy,
	}
}

// ToImage projects a box from the model's normalized 0..999 space onto an
// image of the given pixel dimensions.
func (b Box) ToImage(width, height int) Box {
	return b.Scale(float64(width)/CoordSpace, float64(height)/CoordSpace)
}

func (b Box) String() string {
	return fmt.Sprintf("(%g,%g,%g,%g)", b.X0, b.Y0, b.X1, b.Y1)
}

// Region is one detected element from an annotated stream. Regions are
// produced fresh per parse and never mutated afterwards.
type Region struct {
	// Kind is the tag text between the ref markers. The model emits an open
	// set: layout tags like "text", "title", "image", "table" in document
	// mode, or the recognized text itself in plain OCR mode.
	Kind string `json:"kind"`

	// BBox is nil for streams without grounding and for records whose box
	// payload could not be decoded.
	BBox *Box `json:"bbox,omitempty"`

	// Content holds the non-empty trimmed lines following the tag, joined
	// with newlines. May be empty.
	Content string `json:"content,omitempty"`
}

// RawText returns the text a region carries: Content when present, otherwise
// Kind. Plain OCR streams put the recognized text in the tag itself, document
// streams put it on the lines below.
func (r Region) RawText() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Kind
}

// DecodeWarning records a box payload that was present but not decodable as
// a single numeric 4-tuple. The affected region is kept with a nil BBox.
type DecodeWarning struct {
	Line    int    // 1-based line the det marker opened on
	Payload string // raw payload between the det markers
	Err     error
}

func (w DecodeWarning) String() string {
	return fmt.Sprintf("line %d: undecodable box payload %q: %v", w.Line, truncate(w.Payload, 64), w.Err)
}

// MalformedStreamError reports an opening marker that was never closed before
// end of input. It is fatal to the parse call that hit it; no partial region
// is emitted for the dangling tag.
type MalformedStreamError struct {
	Line   int    // 1-based line the marker opened on
	Marker string // the marker left unclosed, RefOpen or DetOpen
}

func (e *MalformedStreamError) Error() string {
	return fmt.Sprintf("malformed stream: %s opened at line %d is never closed", e.Marker, e.Line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
