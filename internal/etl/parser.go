// Package etl implements the row-level stages of the measurement ingestion
// pipeline: parsing raw records into candidates, scoring their quality,
// deriving analytic fields, and collapsing loaded batches into aggregation
// deltas. Every stage is a pure function of its inputs, so reprocessing the
// same file yields identical output.
package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

// UnassignedSite is the site dimension rows land under when the source file
// carries no site column or leaves it blank. Keeping a concrete sentinel keeps
// bucket keys total and referential closure intact.
const UnassignedSite = "unassigned"

// Column names recognized after header normalization.
const (
	columnStudyID         = "study_id"
	columnParticipantID   = "participant_id"
	columnSiteID          = "site_id"
	columnMeasurementType = "measurement_type"
	columnValue           = "value"
	columnUnit            = "unit"
	columnTimestamp       = "timestamp"
)

var requiredColumns = []string{
	columnStudyID,
	columnParticipantID,
	columnMeasurementType,
	columnValue,
	columnTimestamp,
}

// Schema maps normalized column names to their positions in a source file.
type Schema struct {
	colIdx map[string]int
}

// ResolveSchema inspects a CSV header and binds column positions. A header
// missing a required column fails the whole job: there is nothing row-level
// to salvage when a column simply does not exist.
//
// The study_id column may be absent when the submission carries a default
// study; pass hasDefaultStudy in that case.
func ResolveSchema(header []string, hasDefaultStudy bool) (Schema, error) {
	colIdx := make(map[string]int, len(header))
	for i, col := range header {
		colIdx[normalizeColumn(col)] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := colIdx[col]; ok {
			continue
		}
		if col == columnStudyID && hasDefaultStudy {
			continue
		}
		missing = append(missing, col)
	}
	if len(missing) > 0 {
		return Schema{}, fmt.Errorf("header missing required columns: %s", strings.Join(missing, ", "))
	}

	return Schema{colIdx: colIdx}, nil
}

// normalizeColumn lower-cases, trims, and underscores a header cell so files
// with "Participant ID" and "participant_id" resolve identically.
func normalizeColumn(col string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(col)), " ", "_")
}

// column returns the trimmed cell for a named column, empty when absent.
func (s Schema) column(record []string, name string) string {
	idx, ok := s.colIdx[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// Parser turns raw CSV records into typed candidates or structured
// rejections. Parsing is pure and side-effect free; malformed rows never
// escape as errors, they accumulate as rejections.
type Parser struct {
	schema         Schema
	defaultStudyID string
}

// NewParser binds a parser to a resolved schema. defaultStudyID, when
// non-empty, fills rows whose study cell is blank or whose column is absent.
func NewParser(schema Schema, defaultStudyID string) *Parser {
	return &Parser{schema: schema, defaultStudyID: defaultStudyID}
}

// ParseRow converts one record into a candidate measurement or a rejection.
// Exactly one of the return values is meaningful: a nil rejection means the
// candidate is valid.
func (p *Parser) ParseRow(rowNumber int, record []string) (ingestion.Candidate, *ingestion.Rejection) {
	reject := func(reason ingestion.RejectionReason, detail string) (ingestion.Candidate, *ingestion.Rejection) {
		return ingestion.Candidate{}, &ingestion.Rejection{RowNumber: rowNumber, Reason: reason, Detail: detail}
	}

	studyID := p.schema.column(record, columnStudyID)
	if studyID == "" {
		studyID = p.defaultStudyID
	}
	if studyID == "" {
		return reject(ingestion.RejectionMissingField, "study_id is blank")
	}

	participantID := p.schema.column(record, columnParticipantID)
	if participantID == "" {
		return reject(ingestion.RejectionMissingField, "participant_id is blank")
	}

	rawType := p.schema.column(record, columnMeasurementType)
	if rawType == "" {
		return reject(ingestion.RejectionMissingField, "measurement_type is blank")
	}
	measurementType, ok := ingestion.ParseMeasurementType(rawType)
	if !ok {
		return reject(ingestion.RejectionUnknownType, fmt.Sprintf("%q is not a recognized measurement type", rawType))
	}

	value := p.schema.column(record, columnValue)
	if value == "" {
		return reject(ingestion.RejectionMissingField, "value is blank")
	}

	rawTimestamp := p.schema.column(record, columnTimestamp)
	if rawTimestamp == "" {
		return reject(ingestion.RejectionMissingField, "timestamp is blank")
	}
	timestamp, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return reject(ingestion.RejectionBadTimestamp, fmt.Sprintf("cannot parse %q as a timestamp", rawTimestamp))
	}

	siteID := p.schema.column(record, columnSiteID)
	if siteID == "" {
		siteID = UnassignedSite
	}

	return ingestion.Candidate{
		RowNumber:       rowNumber,
		StudyID:         studyID,
		ParticipantID:   participantID,
		SiteID:          siteID,
		MeasurementType: measurementType,
		Value:           value,
		Unit:            p.schema.column(record, columnUnit),
		Timestamp:       timestamp,
	}, nil
}

// timestampLayouts are tried in order; layouts without a zone are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
}
