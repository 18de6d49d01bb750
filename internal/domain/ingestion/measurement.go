package ingestion

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MeasurementType identifies the clinical quantity a row reports.
type MeasurementType string

const (
	MeasurementTypeGlucose       MeasurementType = "glucose"
	MeasurementTypeCholesterol   MeasurementType = "cholesterol"
	MeasurementTypeWeight        MeasurementType = "weight"
	MeasurementTypeHeight        MeasurementType = "height"
	MeasurementTypeBloodPressure MeasurementType = "blood_pressure"
	MeasurementTypeHeartRate     MeasurementType = "heart_rate"
)

func (t MeasurementType) String() string { return string(t) }

var validMeasurementTypes = map[MeasurementType]struct{}{
	MeasurementTypeGlucose:       {},
	MeasurementTypeCholesterol:   {},
	MeasurementTypeWeight:        {},
	MeasurementTypeHeight:        {},
	MeasurementTypeBloodPressure: {},
	MeasurementTypeHeartRate:     {},
}

// ParseMeasurementType converts a raw type string into a MeasurementType.
// The second return value reports whether the type is recognized.
func ParseMeasurementType(s string) (MeasurementType, bool) {
	t := MeasurementType(s)
	_, ok := validMeasurementTypes[t]
	return t, ok
}

// Candidate is one parsed input row awaiting scoring, derivation, and
// persistence. It carries the textual fields exactly as provided (after
// whitespace trimming) plus the normalized UTC observation timestamp.
type Candidate struct {
	RowNumber       int
	StudyID         string
	ParticipantID   string
	SiteID          string
	MeasurementType MeasurementType
	Value           string
	Unit            string
	Timestamp       time.Time
}

// DeterministicMeasurementID builds the measurement identifier from the unique
// content of a row: the MD5 digest of the pipe-joined natural key, rendered as
// a UUID. The same logical row always maps to the same id, which is what makes
// reloading a file idempotent.
func DeterministicMeasurementID(
	studyID, participantID string,
	timestamp time.Time,
	measurementType MeasurementType,
	value string,
) uuid.UUID {
	key := strings.Join([]string{
		studyID,
		participantID,
		timestamp.UTC().Format(time.RFC3339),
		string(measurementType),
		value,
	}, "|")
	sum := md5.Sum([]byte(key))
	id, _ := uuid.FromBytes(sum[:])
	return id
}

// Measurement is one observed clinical value after parsing, scoring, and
// derivation. Measurements are immutable: created once per successfully parsed
// row and never updated in place.
type Measurement struct {
	id              uuid.UUID
	studyID         string
	participantID   string
	siteID          string
	measurementType MeasurementType
	value           string
	unit            string
	timestamp       time.Time
	qualityScore    float64
	valueNum        *float64
	bpSystolic      *float64
	bpDiastolic     *float64
	processedAt     time.Time
}

// NewMeasurement assembles a Measurement from a scored candidate and its
// derived fields, assigning the deterministic identifier. It enforces the
// derived-field invariant: exactly one of {numeric value, systolic/diastolic
// pair} is populated, or neither, never both.
func NewMeasurement(
	c Candidate,
	qualityScore float64,
	valueNum, bpSystolic, bpDiastolic *float64,
	processedAt time.Time,
) (*Measurement, error) {
	if qualityScore < 0 || qualityScore > 1 {
		return nil, fmt.Errorf("quality score %v outside [0,1]", qualityScore)
	}
	if (bpSystolic == nil) != (bpDiastolic == nil) {
		return nil, fmt.Errorf("systolic and diastolic must be set together")
	}
	if valueNum != nil && bpSystolic != nil {
		return nil, fmt.Errorf("numeric value and blood-pressure pair are mutually exclusive")
	}

	return &Measurement{
		id:              DeterministicMeasurementID(c.StudyID, c.ParticipantID, c.Timestamp, c.MeasurementType, c.Value),
		studyID:         c.StudyID,
		participantID:   c.ParticipantID,
		siteID:          c.SiteID,
		measurementType: c.MeasurementType,
		value:           c.Value,
		unit:            c.Unit,
		timestamp:       c.Timestamp.UTC(),
		qualityScore:    qualityScore,
		valueNum:        valueNum,
		bpSystolic:      bpSystolic,
		bpDiastolic:     bpDiastolic,
		processedAt:     processedAt.UTC(),
	}, nil
}

// ReconstructMeasurement creates a Measurement from persisted columns,
// bypassing creation invariants. This should only be used by repositories
// when loading from the DB.
func ReconstructMeasurement(
	id uuid.UUID,
	studyID, participantID, siteID string,
	measurementType MeasurementType,
	value, unit string,
	timestamp time.Time,
	qualityScore float64,
	valueNum, bpSystolic, bpDiastolic *float64,
	processedAt time.Time,
) *Measurement {
	return &Measurement{
		id:              id,
		studyID:         studyID,
		participantID:   participantID,
		siteID:          siteID,
		measurementType: measurementType,
		value:           value,
		unit:            unit,
		timestamp:       timestamp,
		qualityScore:    qualityScore,
		valueNum:        valueNum,
		bpSystolic:      bpSystolic,
		bpDiastolic:     bpDiastolic,
		processedAt:     processedAt,
	}
}

// ID returns the deterministic identifier for this measurement.
func (m *Measurement) ID() uuid.UUID { return m.id }

// StudyID returns the study this measurement belongs to.
func (m *Measurement) StudyID() string { return m.studyID }

// ParticipantID returns the participant this measurement was observed for.
func (m *Measurement) ParticipantID() string { return m.participantID }

// SiteID returns the site the measurement was taken at.
func (m *Measurement) SiteID() string { return m.siteID }

// MeasurementType returns the clinical quantity category.
func (m *Measurement) MeasurementType() MeasurementType { return m.measurementType }

// Value returns the raw textual value as ingested.
func (m *Measurement) Value() string { return m.value }

// Unit returns the unit the value was reported in, possibly empty.
func (m *Measurement) Unit() string { return m.unit }

// Timestamp returns the UTC observation time.
func (m *Measurement) Timestamp() time.Time { return m.timestamp }

// QualityScore returns the confidence score assigned at ingestion.
// Once set it is immutable for the life of the measurement.
func (m *Measurement) QualityScore() float64 { return m.qualityScore }

// ValueNum returns the derived numeric value, nil when the raw value is not a
// plain number.
func (m *Measurement) ValueNum() *float64 { return m.valueNum }

// BPSystolic returns the derived systolic reading, nil unless the raw value is
// a blood-pressure pair.
func (m *Measurement) BPSystolic() *float64 { return m.bpSystolic }

// BPDiastolic returns the derived diastolic reading, nil unless the raw value
// is a blood-pressure pair.
func (m *Measurement) BPDiastolic() *float64 { return m.bpDiastolic }

// ProcessedAt returns when the pipeline processed this measurement.
func (m *Measurement) ProcessedAt() time.Time { return m.processedAt }
