package etl

import (
	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// Aggregator folds loaded measurements into per-bucket deltas. The deltas are
// merged into the persisted rollup inside the same transaction that inserts
// the measurements, so concurrent jobs touching the same bucket serialize on
// the bucket row and never lose updates.
type Aggregator struct {
	qualityThreshold float64
}

// NewAggregator builds an Aggregator classifying low quality strictly below
// the given threshold.
func NewAggregator(qualityThreshold float64) *Aggregator {
	return &Aggregator{qualityThreshold: qualityThreshold}
}

// QualityThreshold returns the configured low-quality boundary.
func (a *Aggregator) QualityThreshold() float64 { return a.qualityThreshold }

// BucketBatch collapses one batch of measurements into per-bucket deltas
// keyed by (day, study, site, participant, type).
func (a *Aggregator) BucketBatch(measurements []*ingestion.Measurement) map[ingestion.BucketKey]*ingestion.BucketDelta {
	if len(measurements) == 0 {
		return nil
	}

	deltas := make(map[ingestion.BucketKey]*ingestion.BucketDelta)
	for _, m := range measurements {
		key := ingestion.BucketKeyFor(m)
		delta, ok := deltas[key]
		if !ok {
			delta = new(ingestion.BucketDelta)
			deltas[key] = delta
		}
		delta.Observe(m, a.qualityThreshold)
	}
	return deltas
}
