package annotation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Scanner reads an annotated stream record by record, in source order. It is
// a single traversal of the input: lazy, finite, not restartable. Use it like
// bufio.Scanner:
//
//	s := annotation.NewScanner(r)
//	for s.Scan() {
//		region := s.Region()
//		...
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	lines    *bufio.Scanner
	line     int // 1-based number of the last line read
	carry    string
	carryOK  bool
	pending  Region
	cur      bool // pending holds a parsed header collecting content
	content  []string
	out      Region
	err      error
	warnings []DecodeWarning
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	// Content lines can be long markdown table rows, well past bufio's
	// 64KB default token size.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Scanner{lines: sc}
}

// Scan advances to the next region. It returns false at end of stream or on
// the first error; Err distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for {
		line, ok := s.next()
		if !ok {
			if s.err != nil {
				return false
			}
			if s.cur {
				s.out = s.finish()
				return true
			}
			return false
		}
		if !strings.Contains(line, RefOpen) {
			s.collect(line)
			continue
		}
		if s.cur {
			// A new record terminates the one being collected. Emit it
			// and reprocess this header line on the next call.
			s.pushback(line)
			s.out = s.finish()
			return true
		}
		if !s.header(line) {
			return false
		}
	}
}

// Region returns the region produced by the last successful Scan.
func (s *Scanner) Region() Region {
	return s.out
}

// Err returns the first error encountered: a *MalformedStreamError for an
// unterminated marker, or an underlying read error. Undecodable box payloads
// are not errors; see Warnings.
func (s *Scanner) Err() error {
	return s.err
}

// Warnings returns the decode warnings accumulated so far.
func (s *Scanner) Warnings() []DecodeWarning {
	return s.warnings
}

// next returns the pushed-back segment if one is waiting, otherwise the next
// input line.
func (s *Scanner) next() (string, bool) {
	if s.carryOK {
		s.carryOK = false
		return s.carry, true
	}
	if !s.lines.Scan() {
		if err := s.lines.Err(); err != nil && s.err == nil {
			s.err = fmt.Errorf("reading stream: %w", err)
		}
		return "", false
	}
	s.line++
	return s.lines.Text(), true
}

func (s *Scanner) pushback(seg string) {
	s.carry = seg
	s.carryOK = true
}

// collect adds a content line to the region under construction. Lines before
// the first record (diagnostic banners) and stray model tokens are dropped.
func (s *Scanner) collect(line string) {
	if !s.cur {
		return
	}
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "<|") || strings.HasPrefix(t, "===") {
		return
	}
	s.content = append(s.content, t)
}

func (s *Scanner) finish() Region {
	r := s.pending
	r.Content = strings.Join(s.content, "\n")
	s.pending = Region{}
	s.content = nil
	s.cur = false
	return r
}

// header parses one record header starting at the first RefOpen in line. Any
// further record on the same line is pushed back; other trailing text is
// noise and dropped.
func (s *Scanner) header(line string) bool {
	openLine := s.line
	idx := strings.Index(line, RefOpen)
	kind, rest, err := s.readTo(line[idx+len(RefOpen):], RefClose, openLine, RefOpen)
	if err != nil {
		s.err = err
		return false
	}

	var bbox *Box
	probe := strings.TrimLeft(rest, " \t")
	if probe == "" {
		// The box marker may open the immediately following line.
		if nl, ok := s.next(); ok {
			if trimmed := strings.TrimLeft(nl, " \t"); strings.HasPrefix(trimmed, DetOpen) {
				probe = trimmed
			} else {
				s.pushback(nl)
			}
		}
	}
	if strings.HasPrefix(probe, DetOpen) {
		detLine := s.line
		payload, after, err := s.readTo(probe[len(DetOpen):], DetClose, detLine, DetOpen)
		if err != nil {
			s.err = err
			return false
		}
		if box, derr := decodeBox(payload); derr == nil {
			bbox = box
		} else {
			s.warnings = append(s.warnings, DecodeWarning{
				Line:    detLine,
				Payload: strings.TrimSpace(payload),
				Err:     derr,
			})
		}
		probe = after
	}
	if i := strings.Index(probe, RefOpen); i >= 0 {
		s.pushback(probe[i:])
	}

	s.pending = Region{Kind: strings.TrimSpace(kind), BBox: bbox}
	s.cur = true
	return true
}

// readTo consumes input up to the closing marker, which may sit on a later
// line. Hitting end of stream first is a MalformedStreamError attributed to
// the opening marker's line.
func (s *Scanner) readTo(seg, closing string, openLine int, openMarker string) (inner, rest string, err error) {
	var b strings.Builder
	cur := seg
	for {
		if i := strings.Index(cur, closing); i >= 0 {
			b.WriteString(cur[:i])
			return b.String(), cur[i+len(closing):], nil
		}
		b.WriteString(cur)
		nl, ok := s.next()
		if !ok {
			return "", "", &MalformedStreamError{Line: openLine, Marker: openMarker}
		}
		b.WriteString("\n")
		cur = nl
	}
}

// Parse reads the whole stream eagerly. Regions scanned before an error are
// returned alongside it.
func Parse(r io.Reader) ([]Region, []DecodeWarning, error) {
	s := NewScanner(r)
	var regions []Region
	for s.Scan() {
		regions = append(regions, s.Region())
	}
	return regions, s.Warnings(), s.Err()
}

// ParseString is Parse over an in-memory stream.
func ParseString(text string) ([]Region, []DecodeWarning, error) {
	return Parse(strings.NewReader(text))
}

// Models occasionally emit full-width CJK punctuation inside box payloads.
var fullWidthPunct = strings.NewReplacer(
	"，", ",",
	"。", ".",
	"；", ",",
	"：", ":",
	"【", "[",
	"】", "]",
	"（", "(",
	"）", ")",
	"、", ",",
	"－", "-",
)

// sanitizeBoxPayload normalizes punctuation and salvages the outermost
// bracketed slice from a det payload.
func sanitizeBoxPayload(raw string) string {
	cleaned := strings.TrimSpace(fullWidthPunct.Replace(raw))
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start >= 0 && end >= start {
		return cleaned[start : end+1]
	}
	return ""
}

// decodeBox decodes a det payload into a single canonical box. Accepted
// forms: [[x0,y0,x1,y1]], the flat degenerate [x0,y0,x1,y1], and the corner
// pair form [[[x0,y0],[x1,y1]]]. Anything else is a decode error; the caller
// records a warning and keeps the region without a box.
func decodeBox(payload string) (*Box, error) {
	cleaned := sanitizeBoxPayload(payload)
	if cleaned == "" {
		return nil, fmt.Errorf("no bracketed payload")
	}
	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	items, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("payload is not a list")
	}
	if nums, ok := numericSlice(items); ok && len(nums) == 4 {
		return canonicalBox(nums), nil
	}
	if len(items) != 1 {
		return nil, fmt.Errorf("expected exactly one box, got %d entries", len(items))
	}
	inner, ok := items[0].([]any)
	if !ok {
		return nil, fmt.Errorf("box entry is not a list")
	}
	if nums, ok := numericSlice(inner); ok && len(nums) == 4 {
		return canonicalBox(nums), nil
	}
	if len(inner) == 2 {
		p0, ok0 := numericPair(inner[0])
		p1, ok1 := numericPair(inner[1])
		if ok0 && ok1 {
			return canonicalBox([]float64{p0[0], p0[1], p1[0], p1[1]}), nil
		}
	}
	return nil, fmt.Errorf("box entry is not a numeric 4-tuple")
}

func canonicalBox(nums []float64) *Box {
	b := Box{X0: nums[0], Y0: nums[1], X1: nums[2], Y1: nums[3]}.Canonical()
	return &b
}

func numericSlice(items []any) ([]float64, bool) {
	nums := make([]float64, 0, len(items))
	for _, it := range items {
		f, ok := it.(float64)
		if !ok {
			return nil, false
		}
		nums = append(nums, f)
	}
	return nums, true
}

func numericPair(item any) ([2]float64, bool) {
	pair, ok := item.([]any)
	if !ok || len(pair) != 2 {
		return [2]float64{}, false
	}
	x, okx := pair[0].(float64)
	y, oky := pair[1].(float64)
	if !okx || !oky {
		return [2]float64{}, false
	}
	return [2]float64{x, y}, true
}
