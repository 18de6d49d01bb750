package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float64Ptr(v float64) *float64 { return &v }

func testCandidate() Candidate {
	return Candidate{
		RowNumber:       1,
		StudyID:         "STUDY-001",
		ParticipantID:   "P-042",
		SiteID:          "SITE-07",
		MeasurementType: MeasurementTypeWeight,
		Value:           "95.5",
		Unit:            "kg",
		Timestamp:       time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC),
	}
}

func TestDeterministicMeasurementID(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)

	a := DeterministicMeasurementID("STUDY-001", "P-042", ts, MeasurementTypeWeight, "95.5")
	b := DeterministicMeasurementID("STUDY-001", "P-042", ts, MeasurementTypeWeight, "95.5")
	require.Equal(t, a, b, "same natural key must yield the same id")

	c := DeterministicMeasurementID("STUDY-001", "P-042", ts, MeasurementTypeWeight, "95.6")
	require.NotEqual(t, a, c, "different value must yield a different id")

	d := DeterministicMeasurementID("STUDY-001", "P-042", ts.Add(time.Second), MeasurementTypeWeight, "95.5")
	require.NotEqual(t, a, d, "different timestamp must yield a different id")

	// Timestamps that denote the same instant in different zones hash identically.
	est := time.FixedZone("EST", -5*3600)
	e := DeterministicMeasurementID("STUDY-001", "P-042", ts.In(est), MeasurementTypeWeight, "95.5")
	require.Equal(t, a, e, "id must be zone-independent")
}

func TestNewMeasurement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		score    float64
		valueNum *float64
		systolic *float64
		diastole *float64
		wantErr  string
	}{
		{name: "numeric only", score: 1.0, valueNum: float64Ptr(95.5)},
		{name: "bp pair only", score: 0.9, systolic: float64Ptr(120), diastole: float64Ptr(80)},
		{name: "neither derived field", score: 0.7},
		{
			name:     "numeric and bp pair together",
			score:    1.0,
			valueNum: float64Ptr(95.5),
			systolic: float64Ptr(120),
			diastole: float64Ptr(80),
			wantErr:  "mutually exclusive",
		},
		{
			name:     "systolic without diastolic",
			score:    1.0,
			systolic: float64Ptr(120),
			wantErr:  "set together",
		},
		{name: "score above one", score: 1.01, wantErr: "outside [0,1]"},
		{name: "negative score", score: -0.2, wantErr: "outside [0,1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := testCandidate()
			m, err := NewMeasurement(c, tc.score, tc.valueNum, tc.systolic, tc.diastole, time.Now())
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, DeterministicMeasurementID(c.StudyID, c.ParticipantID, c.Timestamp, c.MeasurementType, c.Value), m.ID())
			assert.Equal(t, c.StudyID, m.StudyID())
			assert.Equal(t, c.Value, m.Value())
			assert.Equal(t, tc.score, m.QualityScore())
		})
	}
}

func TestParseMeasurementType(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"glucose", "cholesterol", "weight", "height", "blood_pressure", "heart_rate"} {
		mt, ok := ParseMeasurementType(valid)
		require.True(t, ok, "%s should be a recognized type", valid)
		require.Equal(t, valid, mt.String())
	}

	_, ok := ParseMeasurementType("temperature")
	require.False(t, ok)
	_, ok = ParseMeasurementType("")
	require.False(t, ok)
}

func TestBucketKeyFor(t *testing.T) {
	t.Parallel()

	c := testCandidate()
	c.Timestamp = time.Date(2024, 6, 15, 23, 59, 59, 0, time.UTC)
	m, err := NewMeasurement(c, 1.0, float64Ptr(95.5), nil, nil, time.Now())
	require.NoError(t, err)

	key := BucketKeyFor(m)
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), key.Day, "day truncates to UTC midnight")
	assert.Equal(t, "STUDY-001", key.StudyID)
	assert.Equal(t, "SITE-07", key.SiteID)
	assert.Equal(t, "P-042", key.ParticipantID)
	assert.Equal(t, MeasurementTypeWeight, key.MeasurementType)
}
