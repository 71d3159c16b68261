package model

// Endpoint is one configured model to call for every submission.
type Endpoint struct {
	APIURL    string `json:"api_url"`
	APIKey    string `json:"-"`
	ModelName string `json:"model_name"`
	Provider  string `json:"provider,omitempty"`
}

// IsMock reports whether calls to the endpoint are synthesized locally.
func (e Endpoint) IsMock() bool {
	return e.APIURL == ""
}

// GradeItem is the per-submission grading outcome exported to the result
// workbook.
type GradeItem struct {
	FileName          string            `json:"file_name"`
	StudentID         string            `json:"student_id"`
	StudentName       string            `json:"student_name"`
	ClassName         string            `json:"class_name"`
	AssignmentTitle   string            `json:"assignment_title"`
	Category          string            `json:"category"`
	Score             *float64          `json:"score"`
	ScoreRubricMax    *float64          `json:"score_rubric_max"`
	ScoreRubric       *float64          `json:"score_rubric"`
	DetailJSON        string            `json:"detail_json"`
	Comment           string            `json:"comment"`
	Status            CallStatus        `json:"status"`
	ErrorMessage      string            `json:"error_message"`
	RawTextLength     int               `json:"raw_text_length"`
	RawResponse       string            `json:"raw_response"`
	AggregateStrategy string            `json:"aggregate_strategy"`
	GraderResults     []ModelCallResult `json:"grader_results"`
}

// ErrorRow is one line of the error workbook.
type ErrorRow struct {
	FileName     string `json:"file_name"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// Error types reported in the error workbook.
const (
	ErrorTypeValidation = "parse/validation error"
	ErrorTypeModel      = "model call error"
)

// BatchSummary aggregates a finished batch. Averages are nil when no
// submission succeeded.
type BatchSummary struct {
	BatchID            string    `json:"batch_id"`
	ScoreTargetMax     float64   `json:"score_target_max"`
	RubricMaxValues    []float64 `json:"rubric_max_values"`
	TotalFiles         int       `json:"total_files"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	AverageScore       *float64  `json:"average_score"`
	AverageScoreRubric *float64  `json:"average_score_rubric"`
}

// BatchResult is everything a batch run produces.
type BatchResult struct {
	Summary    BatchSummary `json:"summary"`
	Items      []GradeItem  `json:"items"`
	Errors     []ErrorRow   `json:"errors"`
	ResultPath string       `json:"result_path,omitempty"`
	ErrorPath  string       `json:"error_path,omitempty"`
}
