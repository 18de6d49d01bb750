package ingestion

import (
	"fmt"
	"sort"
	"strings"
)

// RejectionReason identifies why one input row was rejected, enabling
// per-reason reporting in the job's final message.
type RejectionReason string

const (
	// RejectionMissingField indicates a required field was absent or blank.
	RejectionMissingField RejectionReason = "missing_required_field"

	// RejectionBadTimestamp indicates the observation timestamp could not be parsed.
	RejectionBadTimestamp RejectionReason = "unparseable_timestamp"

	// RejectionUnknownType indicates the measurement type is not a recognized category.
	RejectionUnknownType RejectionReason = "unknown_measurement_type"

	// RejectionReferenceNotFound indicates a row referenced a study, participant,
	// or site that no longer exists at load time.
	RejectionReferenceNotFound RejectionReason = "reference_not_found"
)

// Rejection records one rejected input row. Rejections are absorbed per row:
// they never abort the batch or the job, and they accumulate into the job's
// final message.
type Rejection struct {
	RowNumber int
	Reason    RejectionReason
	Detail    string
}

func (r Rejection) String() string {
	return fmt.Sprintf("row %d: %s (%s)", r.RowNumber, r.Reason, r.Detail)
}

// RejectionSummary aggregates rejections by reason for reporting.
type RejectionSummary struct {
	total    int
	byReason map[RejectionReason]int
}

// SummarizeRejections collapses a slice of rejections into per-reason counts.
func SummarizeRejections(rejections []Rejection) RejectionSummary {
	s := RejectionSummary{byReason: make(map[RejectionReason]int)}
	for _, r := range rejections {
		s.total++
		s.byReason[r.Reason]++
	}
	return s
}

// Total returns the number of rejected rows.
func (s RejectionSummary) Total() int { return s.total }

// Count returns the number of rejections for one reason.
func (s RejectionSummary) Count(reason RejectionReason) int { return s.byReason[reason] }

// String renders the per-reason breakdown in stable reason order,
// e.g. "2 missing_required_field, 1 unknown_measurement_type".
func (s RejectionSummary) String() string {
	reasons := make([]string, 0, len(s.byReason))
	for r := range s.byReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)

	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%d %s", s.byReason[RejectionReason(r)], r))
	}
	return strings.Join(parts, ", ")
}

// FinalJobMessage renders the job outcome line surfaced to callers,
// e.g. "processed 100 rows: 97 loaded, 3 rejected (2 missing_required_field, 1 unparseable_timestamp)".
func FinalJobMessage(total, loaded int64, summary RejectionSummary) string {
	msg := fmt.Sprintf("processed %d rows: %d loaded, %d rejected", total, loaded, summary.Total())
	if summary.Total() > 0 {
		msg += " (" + summary.String() + ")"
	}
	return msg
}
