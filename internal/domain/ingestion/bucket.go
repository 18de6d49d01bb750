package ingestion

import "time"

// BucketKey identifies one aggregation partition: all measurements sharing a
// study, site, participant, measurement type, and UTC calendar day.
type BucketKey struct {
	Day             time.Time // UTC midnight of the observation day
	StudyID         string
	SiteID          string
	ParticipantID   string
	MeasurementType MeasurementType
}

// BucketKeyFor derives the partition key for a measurement.
func BucketKeyFor(m *Measurement) BucketKey {
	ts := m.Timestamp().UTC()
	return BucketKey{
		Day:             time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		StudyID:         m.StudyID(),
		SiteID:          m.SiteID(),
		ParticipantID:   m.ParticipantID(),
		MeasurementType: m.MeasurementType(),
	}
}

// BucketDelta accumulates one batch's contribution to a single bucket.
// It tracks exact sums alongside sample counts so that merging deltas, in any
// order, yields the same means as computing them over the union of the
// underlying rows. The storage upsert applies the identical algebra.
type BucketDelta struct {
	measurementCount int64

	valueSampleCount int64
	valueSum         float64
	minValue         *float64
	maxValue         *float64

	bpSampleCount int64
	systolicSum   float64
	diastolicSum  float64

	qualityScoreSum float64
	lowQualityCount int64
}

// Observe folds one measurement into the delta. A measurement is low-quality
// iff its score is strictly below the configured threshold.
func (d *BucketDelta) Observe(m *Measurement, qualityThreshold float64) {
	d.measurementCount++
	d.qualityScoreSum += m.QualityScore()
	if m.QualityScore() < qualityThreshold {
		d.lowQualityCount++
	}

	if v := m.ValueNum(); v != nil {
		d.valueSampleCount++
		d.valueSum += *v
		if d.minValue == nil || *v < *d.minValue {
			val := *v
			d.minValue = &val
		}
		if d.maxValue == nil || *v > *d.maxValue {
			val := *v
			d.maxValue = &val
		}
	}

	if s := m.BPSystolic(); s != nil {
		d.bpSampleCount++
		d.systolicSum += *s
		d.diastolicSum += *m.BPDiastolic()
	}
}

// Merge folds another delta into this one. Counts and sums add; min/max take
// the extreme of the two sides.
func (d *BucketDelta) Merge(other *BucketDelta) {
	d.measurementCount += other.measurementCount
	d.qualityScoreSum += other.qualityScoreSum
	d.lowQualityCount += other.lowQualityCount

	d.valueSampleCount += other.valueSampleCount
	d.valueSum += other.valueSum
	if other.minValue != nil && (d.minValue == nil || *other.minValue < *d.minValue) {
		val := *other.minValue
		d.minValue = &val
	}
	if other.maxValue != nil && (d.maxValue == nil || *other.maxValue > *d.maxValue) {
		val := *other.maxValue
		d.maxValue = &val
	}

	d.bpSampleCount += other.bpSampleCount
	d.systolicSum += other.systolicSum
	d.diastolicSum += other.diastolicSum
}

// MeasurementCount returns how many measurements the delta covers.
func (d *BucketDelta) MeasurementCount() int64 { return d.measurementCount }

// ValueSampleCount returns how many covered measurements carried a derived
// numeric value.
func (d *BucketDelta) ValueSampleCount() int64 { return d.valueSampleCount }

// AvgValue returns the mean of the derived numeric values, nil when the delta
// holds no numeric samples.
func (d *BucketDelta) AvgValue() *float64 {
	if d.valueSampleCount == 0 {
		return nil
	}
	avg := d.valueSum / float64(d.valueSampleCount)
	return &avg
}

// MinValue returns the smallest derived numeric value observed, nil when none.
func (d *BucketDelta) MinValue() *float64 { return d.minValue }

// MaxValue returns the largest derived numeric value observed, nil when none.
func (d *BucketDelta) MaxValue() *float64 { return d.maxValue }

// BPSampleCount returns how many covered measurements carried a blood-pressure pair.
func (d *BucketDelta) BPSampleCount() int64 { return d.bpSampleCount }

// AvgSystolic returns the mean systolic reading, nil when the delta holds no
// blood-pressure samples.
func (d *BucketDelta) AvgSystolic() *float64 {
	if d.bpSampleCount == 0 {
		return nil
	}
	avg := d.systolicSum / float64(d.bpSampleCount)
	return &avg
}

// AvgDiastolic returns the mean diastolic reading, nil when the delta holds no
// blood-pressure samples.
func (d *BucketDelta) AvgDiastolic() *float64 {
	if d.bpSampleCount == 0 {
		return nil
	}
	avg := d.diastolicSum / float64(d.bpSampleCount)
	return &avg
}

// AvgQualityScore returns the mean quality score across all covered
// measurements. Every loaded measurement carries a score, so the weight here
// is the full measurement count.
func (d *BucketDelta) AvgQualityScore() float64 {
	if d.measurementCount == 0 {
		return 0
	}
	return d.qualityScoreSum / float64(d.measurementCount)
}

// LowQualityCount returns how many covered measurements scored strictly below
// the quality threshold.
func (d *BucketDelta) LowQualityCount() int64 { return d.lowQualityCount }

// AggregateBucket is the persisted rollup row for one bucket, as read back
// from storage for the query surface.
type AggregateBucket struct {
	Key              BucketKey
	MeasurementCount int64
	ValueSampleCount int64
	AvgValue         *float64
	MinValue         *float64
	MaxValue         *float64
	BPSampleCount    int64
	AvgSystolic      *float64
	AvgDiastolic     *float64
	AvgQualityScore  float64
	LowQualityCount  int64
	UpdatedAt        time.Time
}
