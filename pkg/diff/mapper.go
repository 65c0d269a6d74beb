// Package diff converts baseline/proposed content pairs into annotated,
// segment-identified diffs with a deterministic content hash. The hash
// binds later approval of a proposal to the exact diff the author
// reviewed; it is a staleness/tamper check, not a cryptographic
// commitment.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// Segment operations, mirroring difflib opcodes.
const (
	OpEqual   = "equal"
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpReplace = "replace"
)

// Annotation kinds attached to non-equal segments.
const (
	AnnotationAddition = "addition"
	AnnotationDeletion = "deletion"
	AnnotationRevision = "revision"
)

// Segment is one contiguous region of the diff. Line ranges are
// half-open [start, end) into the respective content's lines.
type Segment struct {
	ID            string `json:"id"`
	Op            string `json:"op"`
	BaselineStart int    `json:"baselineStart"`
	BaselineEnd   int    `json:"baselineEnd"`
	ProposedStart int    `json:"proposedStart"`
	ProposedEnd   int    `json:"proposedEnd"`
	BaselineText  string `json:"baselineText,omitempty"`
	ProposedText  string `json:"proposedText,omitempty"`
}

// Annotation summarizes a changed segment for review UIs.
type Annotation struct {
	SegmentID string `json:"segmentId"`
	Kind      string `json:"kind"`
	Summary   string `json:"summary"`
}

// Snapshot is an immutable, time-boxed rendering of a mapped diff.
type Snapshot struct {
	ProposalID   string       `json:"proposalId"`
	SessionID    string       `json:"sessionId"`
	OriginTurnID string       `json:"originTurnId,omitempty"`
	Segments     []Segment    `json:"segments"`
	Annotations  []Annotation `json:"annotations"`
	DiffHash     string       `json:"diffHash"`
	RenderMode   string       `json:"renderMode"`
	Confidence   float64      `json:"confidence"`
	Citations    []string     `json:"citations,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// MapRequest carries the inputs for one mapping pass.
type MapRequest struct {
	ProposalID   string
	SessionID    string
	OriginTurnID string
	Baseline     string
	Proposed     string
	RenderMode   string
	Confidence   float64
	Citations    []string
}

// Mapper builds Snapshots from content pairs.
type Mapper struct {
	ttl time.Duration
	now func() time.Time
}

// NewMapper creates a Mapper whose snapshots expire after ttl.
func NewMapper(ttl time.Duration) *Mapper {
	return &Mapper{ttl: ttl, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (m *Mapper) SetClock(now func() time.Time) {
	m.now = now
}

// Map diffs baseline against proposed and returns the snapshot.
func (m *Mapper) Map(req MapRequest) *Snapshot {
	segments := m.segment(req.Baseline, req.Proposed)
	created := m.now()

	renderMode := req.RenderMode
	if renderMode == "" {
		renderMode = "unified"
	}

	return &Snapshot{
		ProposalID:   req.ProposalID,
		SessionID:    req.SessionID,
		OriginTurnID: req.OriginTurnID,
		Segments:     segments,
		Annotations:  annotate(segments),
		DiffHash:     HashSegments(segments),
		RenderMode:   renderMode,
		Confidence:   req.Confidence,
		Citations:    req.Citations,
		CreatedAt:    created,
		ExpiresAt:    created.Add(m.ttl),
	}
}

func (m *Mapper) segment(baseline, proposed string) []Segment {
	baseLines := splitLines(baseline)
	propLines := splitLines(proposed)

	matcher := difflib.NewMatcher(baseLines, propLines)
	opcodes := matcher.GetOpCodes()

	segments := make([]Segment, 0, len(opcodes))
	for i, op := range opcodes {
		seg := Segment{
			ID:            fmt.Sprintf("seg-%d", i+1),
			BaselineStart: op.I1,
			BaselineEnd:   op.I2,
			ProposedStart: op.J1,
			ProposedEnd:   op.J2,
		}
		switch op.Tag {
		case 'e':
			seg.Op = OpEqual
		case 'i':
			seg.Op = OpInsert
		case 'd':
			seg.Op = OpDelete
		case 'r':
			seg.Op = OpReplace
		default:
			seg.Op = OpReplace
		}
		if seg.Op != OpInsert {
			seg.BaselineText = strings.Join(baseLines[op.I1:op.I2], "\n")
		}
		if seg.Op != OpDelete {
			seg.ProposedText = strings.Join(propLines[op.J1:op.J2], "\n")
		}
		segments = append(segments, seg)
	}
	return segments
}

func annotate(segments []Segment) []Annotation {
	var annotations []Annotation
	for _, seg := range segments {
		switch seg.Op {
		case OpInsert:
			annotations = append(annotations, Annotation{
				SegmentID: seg.ID,
				Kind:      AnnotationAddition,
				Summary:   fmt.Sprintf("adds %d line(s)", seg.ProposedEnd-seg.ProposedStart),
			})
		case OpDelete:
			annotations = append(annotations, Annotation{
				SegmentID: seg.ID,
				Kind:      AnnotationDeletion,
				Summary:   fmt.Sprintf("removes %d line(s)", seg.BaselineEnd-seg.BaselineStart),
			})
		case OpReplace:
			annotations = append(annotations, Annotation{
				SegmentID: seg.ID,
				Kind:      AnnotationRevision,
				Summary: fmt.Sprintf("rewrites %d line(s) as %d line(s)",
					seg.BaselineEnd-seg.BaselineStart, seg.ProposedEnd-seg.ProposedStart),
			})
		}
	}
	return annotations
}

// HashSegments computes the deterministic digest over segment content.
// Field separators keep adjacent segments from colliding.
func HashSegments(segments []Segment) string {
	h := sha256.New()
	for _, seg := range segments {
		fmt.Fprintf(h, "%s\x1f%d\x1f%d\x1f%d\x1f%d\x1f", seg.Op,
			seg.BaselineStart, seg.BaselineEnd, seg.ProposedStart, seg.ProposedEnd)
		h.Write([]byte(seg.BaselineText))
		h.Write([]byte{0x1e})
		h.Write([]byte(seg.ProposedText))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// splitLines is line splitting without a trailing phantom element for
// content that ends in a newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}
