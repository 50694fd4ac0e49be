// Package twopass implements two-pass execution: a fast first pass, a refined
// second pass fed with the first pass's learnings, and a comparator/rollback
// pair that keeps the first pass when the second one is measurably worse.
package twopass

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/mitchellh/copystructure"
)

// ErrInvalidConfidence is returned when a ConfidenceScore violates its bounds.
var ErrInvalidConfidence = errors.New("invalid confidence score")

// =============================================================================
// CONFIDENCE SCORE
// =============================================================================

// ConfidenceScore is an immutable measure of how certain a pass is about its
// quality. Fields are read through accessors so the construction invariants
// (confidence in [0,1], variance >= 0, sample size >= 1) always hold.
type ConfidenceScore struct {
	confidence float64
	variance   float64
	entropy    float64
	sampleSize int
	evidence   map[string]any
	context    map[string]any
	timestamp  time.Time
}

// ConfidenceOption sets optional ConfidenceScore fields.
type ConfidenceOption func(*ConfidenceScore)

// WithEvidence attaches supporting evidence.
func WithEvidence(evidence map[string]any) ConfidenceOption {
	return func(c *ConfidenceScore) { c.evidence = deepCopyMap(evidence) }
}

// WithScoreContext attaches free-form context.
func WithScoreContext(ctx map[string]any) ConfidenceOption {
	return func(c *ConfidenceScore) { c.context = deepCopyMap(ctx) }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) ConfidenceOption {
	return func(c *ConfidenceScore) { c.timestamp = ts }
}

// NewConfidenceScore validates and builds a score.
func NewConfidenceScore(confidence, variance, entropy float64, sampleSize int, opts ...ConfidenceOption) (ConfidenceScore, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return ConfidenceScore{}, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidConfidence, confidence)
	}
	if math.IsNaN(variance) || variance < 0 {
		return ConfidenceScore{}, fmt.Errorf("%w: variance %v is negative", ErrInvalidConfidence, variance)
	}
	if sampleSize < 1 {
		return ConfidenceScore{}, fmt.Errorf("%w: sample size %d below 1", ErrInvalidConfidence, sampleSize)
	}

	c := ConfidenceScore{
		confidence: confidence,
		variance:   variance,
		entropy:    entropy,
		sampleSize: sampleSize,
		timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c, nil
}

func (c ConfidenceScore) Confidence() float64  { return c.confidence }
func (c ConfidenceScore) Variance() float64    { return c.variance }
func (c ConfidenceScore) Entropy() float64     { return c.entropy }
func (c ConfidenceScore) SampleSize() int      { return c.sampleSize }
func (c ConfidenceScore) Timestamp() time.Time { return c.timestamp }

// Evidence returns a copy of the evidence map.
func (c ConfidenceScore) Evidence() map[string]any { return deepCopyMap(c.evidence) }

// Context returns a copy of the context map.
func (c ConfidenceScore) Context() map[string]any { return deepCopyMap(c.context) }

// StandardError is sqrt(variance / sample_size).
func (c ConfidenceScore) StandardError() float64 {
	return math.Sqrt(c.variance / float64(c.sampleSize))
}

// ConfidenceInterval returns confidence ± z·SE clamped to [0, 1].
// Use z = 1.96 for a 95% interval.
func (c ConfidenceScore) ConfidenceInterval(z float64) (low, high float64) {
	margin := z * c.StandardError()
	return math.Max(0, c.confidence-margin), math.Min(1, c.confidence+margin)
}

// MarshalJSON exposes the score's fields.
func (c ConfidenceScore) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"confidence":  c.confidence,
		"variance":    c.variance,
		"entropy":     c.entropy,
		"sample_size": c.sampleSize,
		"evidence":    c.evidence,
		"context":     c.context,
		"timestamp":   c.timestamp,
	})
}

// UnmarshalJSON decodes and validates a score.
func (c *ConfidenceScore) UnmarshalJSON(data []byte) error {
	var raw struct {
		Confidence float64        `json:"confidence"`
		Variance   float64        `json:"variance"`
		Entropy    float64        `json:"entropy"`
		SampleSize int            `json:"sample_size"`
		Evidence   map[string]any `json:"evidence"`
		Context    map[string]any `json:"context"`
		Timestamp  time.Time      `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	opts := []ConfidenceOption{WithEvidence(raw.Evidence), WithScoreContext(raw.Context)}
	if !raw.Timestamp.IsZero() {
		opts = append(opts, WithTimestamp(raw.Timestamp))
	}
	score, err := NewConfidenceScore(raw.Confidence, raw.Variance, raw.Entropy, raw.SampleSize, opts...)
	if err != nil {
		return err
	}
	*c = score
	return nil
}

// =============================================================================
// PASS RESULT
// =============================================================================

// PassResult is the outcome of one execution pass.
type PassResult struct {
	PassName      string           `json:"pass_name"`
	Success       bool             `json:"success"`
	QualityScore  float64          `json:"quality_score"`
	Artifacts     map[string]any   `json:"artifacts"`
	Learnings     []string         `json:"learnings"`
	Insights      map[string]any   `json:"insights"`
	Metadata      map[string]any   `json:"metadata"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Confidence    *ConfidenceScore `json:"confidence,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// =============================================================================
// PASS MEMENTO
// =============================================================================

// Memento state keys. The first three are required for a valid restoration.
const (
	StateKeyArtifacts    = "artifacts"
	StateKeyLearnings    = "learnings"
	StateKeyInsights     = "insights"
	StateKeyQualityScore = "quality_score"
	StateKeyMetadata     = "metadata"
)

// PassMemento is a snapshot of a pass kept for potential rollback.
type PassMemento struct {
	PassName     string
	QualityScore float64
	Artifacts    map[string]any
	State        map[string]any
	CreatedAt    time.Time
}

// NewPassMemento captures result. Nothing in the memento aliases result.
func NewPassMemento(result *PassResult) *PassMemento {
	learnings := make([]any, len(result.Learnings))
	for i, l := range result.Learnings {
		learnings[i] = l
	}
	return &PassMemento{
		PassName:     result.PassName,
		QualityScore: result.QualityScore,
		Artifacts:    deepCopyMap(result.Artifacts),
		State: map[string]any{
			StateKeyArtifacts:    orEmpty(deepCopyMap(result.Artifacts)),
			StateKeyLearnings:    learnings,
			StateKeyInsights:     orEmpty(deepCopyMap(result.Insights)),
			StateKeyQualityScore: result.QualityScore,
			StateKeyMetadata:     orEmpty(deepCopyMap(result.Metadata)),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// PASS DELTA
// =============================================================================

// QualityChange classifies a quality delta.
type QualityChange string

const (
	QualityImproved  QualityChange = "improved"
	QualityDegraded  QualityChange = "degraded"
	QualityUnchanged QualityChange = "unchanged"
)

// DefaultNoiseThreshold is the band within which quality changes count as noise.
const DefaultNoiseThreshold = 0.01

// ClassifyQualityChange maps delta to a classification. Both bounds are strict:
// a delta of exactly ±threshold is unchanged.
func ClassifyQualityChange(delta, threshold float64) QualityChange {
	switch {
	case delta > threshold:
		return QualityImproved
	case delta < -threshold:
		return QualityDegraded
	default:
		return QualityUnchanged
	}
}

// PassDelta is derived entirely from two pass results.
type PassDelta struct {
	FirstPassName      string        `json:"first_pass"`
	SecondPassName     string        `json:"second_pass"`
	QualityDelta       float64       `json:"quality_delta"`
	NewArtifacts       []string      `json:"new_artifacts"`
	NewLearnings       []string      `json:"new_learnings"`
	ExecutionTimeDelta time.Duration `json:"execution_time_delta"`
}

// NewPassDelta computes the difference second − first.
func NewPassDelta(first, second *PassResult) (*PassDelta, error) {
	if first == nil || second == nil {
		return nil, errors.New("both pass results are required")
	}

	newArtifacts := make([]string, 0)
	for key := range second.Artifacts {
		if _, ok := first.Artifacts[key]; !ok {
			newArtifacts = append(newArtifacts, key)
		}
	}
	sort.Strings(newArtifacts)

	newLearnings := make([]string, 0)
	for _, l := range second.Learnings {
		if !slices.Contains(first.Learnings, l) && !slices.Contains(newLearnings, l) {
			newLearnings = append(newLearnings, l)
		}
	}

	return &PassDelta{
		FirstPassName:      first.PassName,
		SecondPassName:     second.PassName,
		QualityDelta:       second.QualityScore - first.QualityScore,
		NewArtifacts:       newArtifacts,
		NewLearnings:       newLearnings,
		ExecutionTimeDelta: second.ExecutionTime - first.ExecutionTime,
	}, nil
}

// Classify applies ClassifyQualityChange with threshold.
func (d *PassDelta) Classify(threshold float64) QualityChange {
	return ClassifyQualityChange(d.QualityDelta, threshold)
}

// =============================================================================
// HELPERS
// =============================================================================

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup, err := copystructure.Copy(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return dup.(map[string]any)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
