package etl

import (
	"time"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// DefaultBatchSize bounds how many rows one load transaction covers.
const DefaultBatchSize = 1000

// Processor composes the per-row stages in order: score the candidate,
// derive its analytic fields, and assemble the immutable measurement.
type Processor struct {
	scorer *Scorer
}

// NewProcessor returns a Processor with the standard scorer.
func NewProcessor() *Processor { return &Processor{scorer: NewScorer()} }

// Process runs one candidate through scoring and derivation and assembles the
// final measurement stamped with processedAt.
func (p *Processor) Process(c ingestion.Candidate, processedAt time.Time) (*ingestion.Measurement, error) {
	score := p.scorer.Score(c)
	derived := Derive(c.Value)
	return ingestion.NewMeasurement(c, score, derived.ValueNum, derived.Systolic, derived.Diastolic, processedAt)
}

// PlanBatches slices candidates into sequential batches of at most batchSize
// rows, preserving row order. A non-positive batchSize falls back to the
// default.
func PlanBatches(candidates []ingestion.Candidate, batchSize int) [][]ingestion.Candidate {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if len(candidates) == 0 {
		return nil
	}

	batches := make([][]ingestion.Candidate, 0, (len(candidates)+batchSize-1)/batchSize)
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[start:end])
	}
	return batches
}
