package query

import (
	"github.com/malbeclabs/sage/pkg/dataset"
)

// ResultKind tags the variant held by a Result.
type ResultKind string

const (
	KindScalar ResultKind = "scalar"
	KindGroups ResultKind = "groups"
	KindRows      ResultKind = "rows"
	KindAnomalies ResultKind = "anomalies"
)

// WarningCode classifies a result warning.
type WarningCode string

const (
	WarnEmptyResult    WarningCode = "empty_result"
	WarnExcludedValues WarningCode = "excluded_values"
	WarnNegativeValues WarningCode = "negative_values"
	WarnTruncated      WarningCode = "truncated"
	WarnLowConfidence  WarningCode = "low_confidence"
	WarnUndefined      WarningCode = "undefined_values"
)

// NoDataMessage is the warning text for an empty result.
const NoDataMessage = "no data found for the specified criteria"

// Warning is a non-fatal note attached to a result.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Result is the typed outcome of executing a plan. Exactly one of Scalar,
// Groups, Rows or Anomalies is set, matching Kind.
type Result struct {
	Kind     ResultKind `json:"kind"`
	Plan     *Plan      `json:"plan"`
	Warnings []Warning  `json:"warnings"`

	Scalar *Scalar `json:"scalar,omitempty"`
	Groups *Groups `json:"groups,omitempty"`
	Rows   *Rows   `json:"rows,omitempty"`

	Anomalies *AnomalyReport `json:"anomalies,omitempty"`
}

// HasWarning reports whether the result carries a warning with code.
func (r *Result) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Empty reports whether no rows matched the plan.
func (r *Result) Empty() bool {
	return r.HasWarning(WarnEmptyResult)
}

// Metric describes one aggregate output, or a derived value over
// aggregates when Derived is set.
type Metric struct {
	Name     string       `json:"name"`
	Function Function     `json:"function,omitempty"`
	Derived  DerivedKind  `json:"derived,omitempty"`
	Column   string       `json:"column,omitempty"`
	Unit     dataset.Unit `json:"unit,omitempty"`
}

// Scalar is a single aggregate over the whole filtered set. Provenance is
// the row behind the value when one row determines it.
type Scalar struct {
	Metric     Metric          `json:"metric"`
	Value      dataset.Value   `json:"value"`
	Rows       int             `json:"rows"`
	Provenance *dataset.Record `json:"provenance,omitempty"`
}

// Groups is an aggregate per distinct group key. Ordered is true when the
// plan requested an explicit sort and Groups follows it.
type Groups struct {
	Keys    []string `json:"keys"`
	Buckets []Bucket `json:"buckets,omitempty"`
	Metrics []Metric `json:"metrics"`
	Groups  []Group  `json:"groups"`
	Ordered bool     `json:"ordered,omitempty"`
}

// Group is one partition of a grouped result.
type Group struct {
	Key    []dataset.Value `json:"key"`
	Values []dataset.Value `json:"values"`
	Rows   int             `json:"rows"`
}

// Rows is a row-set result. Total counts rows before the size cap.
type Rows struct {
	Columns []dataset.Column  `json:"columns"`
	Rows    [][]dataset.Value `json:"rows"`
	Total   int               `json:"total"`
}

// AnomalyReport lists values more than Threshold standard deviations from
// their column mean, largest deviation first. Checked counts the rows the
// statistics were computed over.
type AnomalyReport struct {
	Columns   []string  `json:"columns"`
	Threshold float64   `json:"threshold"`
	Checked   int       `json:"checked"`
	Anomalies []Anomaly `json:"anomalies"`
	Total     int       `json:"total"`
}

// Anomaly is one unusual value. Context holds the row's identifier and
// temporal columns, or the plan's columns when it lists any.
type Anomaly struct {
	Column  string         `json:"column"`
	Unit    dataset.Unit   `json:"unit,omitempty"`
	Value   dataset.Value  `json:"value"`
	Mean    float64        `json:"mean"`
	ZScore  float64        `json:"z_score"`
	Context dataset.Record `json:"context"`
}
