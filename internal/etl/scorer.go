package etl

import (
	"strings"
	"time"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// DefaultQualityThreshold classifies a measurement as low quality when its
// score falls strictly below it. The effective threshold is configuration;
// this is only the default.
const DefaultQualityThreshold = 0.95

// Scoring works in integer basis points (1.0 == 10000) and converts to a
// float at the end, so scores land exactly on their decimal boundaries and
// threshold comparisons never wobble on representation error.
const scoreBasis = 10000

const (
	penaltyMissingUnit      = 1000 // 0.10
	penaltyUnitMismatch     = 1500 // 0.15
	penaltyUnparseableValue = 3000 // 0.30
	penaltyValueOutOfRange  = 2500 // 0.25
	penaltyAncientTimestamp = 1500 // 0.15
	penaltyMissingSite      = 500  // 0.05
)

// earliestPlausibleObservation bounds timestamp plausibility: trials in this
// system predate nothing earlier than this.
var earliestPlausibleObservation = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// expectedUnits lists the units each measurement type is plausibly reported
// in, compared case-insensitively.
var expectedUnits = map[ingestion.MeasurementType][]string{
	ingestion.MeasurementTypeGlucose:       {"mg/dl", "mmol/l"},
	ingestion.MeasurementTypeCholesterol:   {"mg/dl", "mmol/l"},
	ingestion.MeasurementTypeWeight:        {"kg", "lb", "lbs"},
	ingestion.MeasurementTypeHeight:        {"cm", "m", "in"},
	ingestion.MeasurementTypeBloodPressure: {"mmhg"},
	ingestion.MeasurementTypeHeartRate:     {"bpm"},
}

type valueRange struct{ lo, hi float64 }

// plausibleRanges are deliberately generous sanity bounds per type, wide
// enough to span reporting units, narrow enough to catch entry errors.
var plausibleRanges = map[ingestion.MeasurementType]valueRange{
	ingestion.MeasurementTypeGlucose:     {lo: 10, hi: 1000},
	ingestion.MeasurementTypeCholesterol: {lo: 20, hi: 1000},
	ingestion.MeasurementTypeWeight:      {lo: 1, hi: 1100},
	ingestion.MeasurementTypeHeight:      {lo: 10, hi: 275},
	ingestion.MeasurementTypeHeartRate:   {lo: 20, hi: 300},
}

var (
	systolicRange  = valueRange{lo: 50, hi: 260}
	diastolicRange = valueRange{lo: 30, hi: 200}
)

func (r valueRange) contains(v float64) bool { return v >= r.lo && v <= r.hi }

// Scorer assigns a confidence score in [0,1] to a parsed candidate.
// Scoring is deterministic and stateless: the same candidate always yields
// the same score, which keeps reprocessing idempotent.
type Scorer struct{}

// NewScorer returns a ready Scorer.
func NewScorer() *Scorer { return &Scorer{} }

// Score computes the quality score for a candidate. It starts from a perfect
// score and deducts for incompleteness and implausibility; the result is
// clamped to [0,1].
func (s *Scorer) Score(c ingestion.Candidate) float64 {
	points := scoreBasis

	if c.Unit == "" {
		points -= penaltyMissingUnit
	} else if !unitMatchesType(c.MeasurementType, c.Unit) {
		points -= penaltyUnitMismatch
	}

	derived := Derive(c.Value)
	switch {
	case derived.ValueNum != nil:
		if r, ok := plausibleRanges[c.MeasurementType]; ok && !r.contains(*derived.ValueNum) {
			points -= penaltyValueOutOfRange
		}
	case derived.Systolic != nil:
		if !systolicRange.contains(*derived.Systolic) || !diastolicRange.contains(*derived.Diastolic) {
			points -= penaltyValueOutOfRange
		}
	default:
		points -= penaltyUnparseableValue
	}

	if c.Timestamp.Before(earliestPlausibleObservation) {
		points -= penaltyAncientTimestamp
	}

	if c.SiteID == "" || c.SiteID == UnassignedSite {
		points -= penaltyMissingSite
	}

	if points < 0 {
		points = 0
	}
	return float64(points) / scoreBasis
}

func unitMatchesType(t ingestion.MeasurementType, unit string) bool {
	expected, ok := expectedUnits[t]
	if !ok {
		return true
	}
	needle := strings.ToLower(strings.TrimSpace(unit))
	for _, u := range expected {
		if needle == u {
			return true
		}
	}
	return false
}
