package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeRejections(t *testing.T) {
	t.Parallel()

	rejections := []Rejection{
		{RowNumber: 2, Reason: RejectionMissingField, Detail: "participant_id is blank"},
		{RowNumber: 5, Reason: RejectionUnknownType, Detail: "temperature"},
		{RowNumber: 9, Reason: RejectionMissingField, Detail: "value is blank"},
	}

	s := SummarizeRejections(rejections)
	assert.Equal(t, 3, s.Total())
	assert.Equal(t, 2, s.Count(RejectionMissingField))
	assert.Equal(t, 1, s.Count(RejectionUnknownType))
	assert.Zero(t, s.Count(RejectionBadTimestamp))

	// Reasons render in stable lexical order.
	assert.Equal(t, "2 missing_required_field, 1 unknown_measurement_type", s.String())
}

func TestFinalJobMessage(t *testing.T) {
	t.Parallel()

	t.Run("with rejections", func(t *testing.T) {
		t.Parallel()

		s := SummarizeRejections([]Rejection{
			{RowNumber: 1, Reason: RejectionBadTimestamp, Detail: "not-a-date"},
			{RowNumber: 2, Reason: RejectionBadTimestamp, Detail: "13/13/13"},
			{RowNumber: 3, Reason: RejectionUnknownType, Detail: "mood"},
		})
		msg := FinalJobMessage(100, 97, s)
		assert.Equal(t, "processed 100 rows: 97 loaded, 3 rejected (2 unparseable_timestamp, 1 unknown_measurement_type)", msg)
	})

	t.Run("clean file", func(t *testing.T) {
		t.Parallel()

		msg := FinalJobMessage(10, 10, SummarizeRejections(nil))
		assert.Equal(t, "processed 10 rows: 10 loaded, 0 rejected", msg)
	})
}
