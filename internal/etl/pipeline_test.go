package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

func TestProcessor_Process(t *testing.T) {
	t.Parallel()

	processedAt := time.Date(2024, 6, 16, 12, 0, 0, 0, time.UTC)
	processor := NewProcessor()

	t.Run("numeric value", func(t *testing.T) {
		t.Parallel()

		c := cleanCandidate()
		c.Value = "95.5"

		m, err := processor.Process(c, processedAt)
		require.NoError(t, err)

		require.NotNil(t, m.ValueNum())
		assert.InDelta(t, 95.5, *m.ValueNum(), 1e-9)
		assert.Nil(t, m.BPSystolic())
		assert.Nil(t, m.BPDiastolic())
		assert.Equal(t, "95.5", m.Value(), "raw value is preserved alongside the derived one")
		assert.Equal(t, 1.0, m.QualityScore())
		assert.Equal(t, processedAt, m.ProcessedAt())
	})

	t.Run("blood pressure pair", func(t *testing.T) {
		t.Parallel()

		c := cleanCandidate()
		c.MeasurementType = ingestion.MeasurementTypeBloodPressure
		c.Value = "120/80"
		c.Unit = "mmHg"

		m, err := processor.Process(c, processedAt)
		require.NoError(t, err)

		assert.Nil(t, m.ValueNum())
		require.NotNil(t, m.BPSystolic())
		require.NotNil(t, m.BPDiastolic())
		assert.InDelta(t, 120, *m.BPSystolic(), 1e-9)
		assert.InDelta(t, 80, *m.BPDiastolic(), 1e-9)
	})

	t.Run("unparseable value is still stored", func(t *testing.T) {
		t.Parallel()

		c := cleanCandidate()
		c.Value = "not recorded"

		m, err := processor.Process(c, processedAt)
		require.NoError(t, err)

		assert.Nil(t, m.ValueNum())
		assert.Nil(t, m.BPSystolic())
		assert.Equal(t, "not recorded", m.Value())
		assert.InDelta(t, 0.70, m.QualityScore(), 1e-12, "unparseable values score low but load anyway")
	})

	t.Run("identical rows yield identical ids", func(t *testing.T) {
		t.Parallel()

		c := cleanCandidate()
		first, err := processor.Process(c, processedAt)
		require.NoError(t, err)
		second, err := processor.Process(c, processedAt.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, first.ID(), second.ID(), "id derives from row content, not processing time")
	})
}

func TestPlanBatches(t *testing.T) {
	t.Parallel()

	makeCandidates := func(n int) []ingestion.Candidate {
		out := make([]ingestion.Candidate, n)
		for i := range out {
			c := cleanCandidate()
			c.RowNumber = i + 1
			out[i] = c
		}
		return out
	}

	tests := []struct {
		name      string
		total     int
		batchSize int
		wantSizes []int
	}{
		{name: "empty input", total: 0, batchSize: 10, wantSizes: nil},
		{name: "single partial batch", total: 3, batchSize: 10, wantSizes: []int{3}},
		{name: "exact multiple", total: 6, batchSize: 3, wantSizes: []int{3, 3}},
		{name: "trailing remainder", total: 7, batchSize: 3, wantSizes: []int{3, 3, 1}},
		{name: "non-positive size uses default", total: 5, batchSize: 0, wantSizes: []int{5}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			batches := PlanBatches(makeCandidates(tc.total), tc.batchSize)
			require.Len(t, batches, len(tc.wantSizes))

			row := 1
			for i, batch := range batches {
				assert.Len(t, batch, tc.wantSizes[i])
				for _, c := range batch {
					assert.Equal(t, row, c.RowNumber, "batching must preserve row order")
					row++
				}
			}
		})
	}
}
