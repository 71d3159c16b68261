package model

import (
	"encoding/json"
	"math"
)

// SchemaVersion is the only accepted version of the grading JSON contract.
const SchemaVersion = 2

// AggregateMedian names the multi-model aggregation strategy.
const AggregateMedian = "median"

// ItemResult is one graded rubric item.
type ItemResult struct {
	Name     string  `json:"name"`
	MaxScore float64 `json:"max_score"`
	Score    float64 `json:"score"`
	Comment  string  `json:"comment"`
}

// SectionResult is one graded rubric section. Score is always the sum of its
// item scores.
type SectionResult struct {
	Name     string       `json:"name"`
	MaxScore float64      `json:"max_score"`
	Score    float64      `json:"score"`
	Comment  string       `json:"comment"`
	Items    []ItemResult `json:"items"`
}

// NormalizedGradeResult is a model response after validation against the
// rubric. Totals are computed locally, never copied from the model.
type NormalizedGradeResult struct {
	SchemaVersion  int             `json:"schema_version"`
	CategoryName   string          `json:"category_name"`
	ScoreTargetMax float64         `json:"score_target_max"`
	ScoreRubricMax float64         `json:"score_rubric_max"`
	ScoreRubric    float64         `json:"score_rubric"`
	Score          float64         `json:"score"`
	Comment        string          `json:"comment"`
	Sections       []SectionResult `json:"sections"`
	Model          string          `json:"model,omitempty"`
}

// JSON renders the result the way it is stored in GradeItem.DetailJSON.
func (r *NormalizedGradeResult) JSON() string {
	if r == nil {
		return ""
	}
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// CallStatus is the outcome of one model call or one graded submission.
type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusFailure CallStatus = "failure"
)

// ModelCallResult records one endpoint's attempt at grading a submission.
// Score fields are nil when the call failed.
type ModelCallResult struct {
	ModelIndex       int                    `json:"model_index"`
	APIURL           string                 `json:"api_url"`
	ModelName        string                 `json:"model_name"`
	Status           CallStatus             `json:"status"`
	Score            *float64               `json:"score"`
	ScoreRubric      *float64               `json:"score_rubric"`
	ScoreRubricMax   *float64               `json:"score_rubric_max"`
	Comment          string                 `json:"comment"`
	NormalizedResult *NormalizedGradeResult `json:"normalized_result,omitempty"`
	RawResponse      string                 `json:"raw_response"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	ErrorMessage     string                 `json:"error_message"`
	LatencyMS        int64                  `json:"latency_ms"`
}

// Succeeded reports whether the call produced a usable score.
func (r ModelCallResult) Succeeded() bool {
	return r.Status == StatusSuccess && r.Score != nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
