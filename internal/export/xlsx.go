// Package export writes batch results to Excel workbooks.
package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/rubric"
)

// Workbook file names inside a batch directory.
const (
	ResultFile = "grade_result.xlsx"
	ErrorFile  = "error_list.xlsx"
)

// Sheet names.
const (
	SheetResults = "Results"
	SheetSummary = "Summary"
	SheetErrors  = "Errors"
)

// ModelSheet names the per-model sheet for a 1-based model index.
func ModelSheet(index int) string {
	return fmt.Sprintf("Model %d", index)
}

var resultHeaders = []string{
	"File name", "Student ID", "Student name", "Class", "Assignment", "Category",
	"Score", "Rubric max", "Rubric score", "Status", "Comment", "Error",
	"Aggregate", "Model 1 score", "Model 2 score", "Model 3 score", "Detail JSON",
}

var modelHeaders = []string{
	"File name", "Student ID", "Student name", "API URL", "Model", "Status",
	"Score", "Rubric score", "Rubric max", "Latency ms", "Error", "Comment",
}

var errorHeaders = []string{"File name", "Error type", "Error message"}

// WriteResults writes grade_result.xlsx into dir and returns its path.
func WriteResults(dir string, items []model.GradeItem, summary model.BatchSummary) (string, error) {
	f := xlsx.NewFile()

	results, err := f.AddSheet(SheetResults)
	if err != nil {
		return "", eris.Wrap(err, "export: add results sheet")
	}
	addStringRow(results, resultHeaders)
	for _, it := range items {
		row := results.AddRow()
		addStrings(row, it.FileName, it.StudentID, it.StudentName, it.ClassName, it.AssignmentTitle, it.Category)
		addFloat(row, it.Score)
		addFloat(row, it.ScoreRubricMax)
		addFloat(row, it.ScoreRubric)
		addStrings(row, string(it.Status), it.Comment, it.ErrorMessage, it.AggregateStrategy)
		for idx := 1; idx <= 3; idx++ {
			addFloat(row, graderScore(it.GraderResults, idx))
		}
		addStrings(row, it.DetailJSON)
	}

	sum, err := f.AddSheet(SheetSummary)
	if err != nil {
		return "", eris.Wrap(err, "export: add summary sheet")
	}
	writeSummary(sum, summary)

	for _, idx := range modelIndexes(items) {
		sheet, err := f.AddSheet(ModelSheet(idx))
		if err != nil {
			return "", eris.Wrapf(err, "export: add model %d sheet", idx)
		}
		writeModelSheet(sheet, items, idx)
	}

	path := filepath.Join(dir, ResultFile)
	if err := f.Save(path); err != nil {
		return "", eris.Wrap(err, "export: save results")
	}
	zap.L().Info("result workbook written", zap.String("path", path), zap.Int("rows", len(items)))
	return path, nil
}

// WriteErrors writes error_list.xlsx into dir and returns its path. The
// workbook is written even when rows is empty.
func WriteErrors(dir string, rows []model.ErrorRow) (string, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetErrors)
	if err != nil {
		return "", eris.Wrap(err, "export: add errors sheet")
	}
	addStringRow(sheet, errorHeaders)
	for _, r := range rows {
		addStringRow(sheet, []string{r.FileName, r.ErrorType, r.ErrorMessage})
	}

	path := filepath.Join(dir, ErrorFile)
	if err := f.Save(path); err != nil {
		return "", eris.Wrap(err, "export: save errors")
	}
	zap.L().Info("error workbook written", zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

func writeSummary(sheet *xlsx.Sheet, s model.BatchSummary) {
	maxima := make([]string, len(s.RubricMaxValues))
	for i, v := range s.RubricMaxValues {
		maxima[i] = rubric.FormatPoints(v)
	}
	pairs := []struct {
		key string
		val any
	}{
		{"Batch ID", s.BatchID},
		{"Target max score", s.ScoreTargetMax},
		{"Rubric max score(s)", strings.Join(maxima, " / ")},
		{"Total files", s.TotalFiles},
		{"Succeeded", s.SuccessCount},
		{"Failed", s.FailureCount},
		{"Average score", s.AverageScore},
		{"Average rubric score", s.AverageScoreRubric},
	}
	for _, p := range pairs {
		row := sheet.AddRow()
		row.AddCell().SetString(p.key)
		switch v := p.val.(type) {
		case string:
			row.AddCell().SetString(v)
		case int:
			row.AddCell().SetInt(v)
		case float64:
			row.AddCell().SetFloat(v)
		case *float64:
			addFloat(row, v)
		}
	}
}

// writeModelSheet lays out one model's results with one column per rubric
// item, in the order items are first seen.
func writeModelSheet(sheet *xlsx.Sheet, items []model.GradeItem, idx int) {
	type itemKey struct{ section, item string }
	var keys []itemKey
	seen := make(map[itemKey]bool)
	for _, it := range items {
		r := graderResult(it.GraderResults, idx)
		if r == nil || r.NormalizedResult == nil {
			continue
		}
		for _, sec := range r.NormalizedResult.Sections {
			for _, ir := range sec.Items {
				k := itemKey{sec.Name, ir.Name}
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
			}
		}
	}

	headers := append([]string{}, modelHeaders...)
	for _, k := range keys {
		headers = append(headers, k.section+" / "+k.item)
	}
	addStringRow(sheet, headers)

	for _, it := range items {
		r := graderResult(it.GraderResults, idx)
		if r == nil {
			continue
		}
		row := sheet.AddRow()
		addStrings(row, it.FileName, it.StudentID, it.StudentName, r.APIURL, r.ModelName, string(r.Status))
		addFloat(row, r.Score)
		addFloat(row, r.ScoreRubric)
		addFloat(row, r.ScoreRubricMax)
		row.AddCell().SetInt64(r.LatencyMS)
		addStrings(row, r.ErrorMessage, r.Comment)

		scores := make(map[itemKey]float64)
		if r.NormalizedResult != nil {
			for _, sec := range r.NormalizedResult.Sections {
				for _, ir := range sec.Items {
					scores[itemKey{sec.Name, ir.Name}] = ir.Score
				}
			}
		}
		for _, k := range keys {
			if v, ok := scores[k]; ok {
				row.AddCell().SetFloat(v)
			} else {
				row.AddCell().SetString("")
			}
		}
	}
}

func modelIndexes(items []model.GradeItem) []int {
	var present [4]bool
	for _, it := range items {
		for _, r := range it.GraderResults {
			if r.ModelIndex >= 1 && r.ModelIndex <= 3 {
				present[r.ModelIndex] = true
			}
		}
	}
	var out []int
	for i := 1; i <= 3; i++ {
		if present[i] {
			out = append(out, i)
		}
	}
	return out
}

func graderResult(results []model.ModelCallResult, idx int) *model.ModelCallResult {
	for i := range results {
		if results[i].ModelIndex == idx {
			return &results[i]
		}
	}
	return nil
}

func graderScore(results []model.ModelCallResult, idx int) *float64 {
	if r := graderResult(results, idx); r != nil {
		return r.Score
	}
	return nil
}

func addStringRow(sheet *xlsx.Sheet, values []string) {
	addStrings(sheet.AddRow(), values...)
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// addFloat writes v, or an empty cell when v is nil.
func addFloat(row *xlsx.Row, v *float64) {
	cell := row.AddCell()
	if v == nil {
		cell.SetString("")
		return
	}
	cell.SetFloat(*v)
}

// ReadSheet returns every row of the named sheet as strings.
func ReadSheet(path, name string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open workbook")
	}
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("export: sheet %q not found", name)
	}
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// SheetNames lists a workbook's sheets in order.
func SheetNames(path string) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open workbook")
	}
	names := make([]string, len(f.Sheets))
	for i, s := range f.Sheets {
		names[i] = s.Name
	}
	return names, nil
}
