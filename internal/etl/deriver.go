package etl

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Derived holds the analytic fields computed from a raw textual value.
// Exactly one of {ValueNum, (Systolic, Diastolic)} is populated, or neither,
// never both. Values matching neither pattern are still stored and scored;
// they are simply invisible to numeric aggregation.
type Derived struct {
	ValueNum  *float64
	Systolic  *float64
	Diastolic *float64
}

// bpPattern matches a "systolic/diastolic" pair of plain decimals.
var bpPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)$`)

// Derive computes the derived fields from a raw value. It depends on nothing
// but its argument, so re-deriving from the stored raw text reproduces the
// persisted columns byte for byte.
func Derive(raw string) Derived {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Derived{}
	}

	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		// ParseFloat accepts "NaN" and "Inf"; neither is a measurement.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Derived{}
		}
		return Derived{ValueNum: &v}
	}

	if m := bpPattern.FindStringSubmatch(trimmed); m != nil {
		systolic, err1 := strconv.ParseFloat(m[1], 64)
		diastolic, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			return Derived{Systolic: &systolic, Diastolic: &diastolic}
		}
	}

	return Derived{}
}
