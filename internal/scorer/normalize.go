// Package scorer validates untrusted model grading output against a compiled
// rubric and derives every total locally.
package scorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/rubric"
)

// Comments substituted for blank model comments.
const (
	PlaceholderItemComment    = "No rationale provided for this item."
	PlaceholderSectionComment = "No overall assessment provided for this section."
)

// ValidationError reports a model response that does not match the rubric.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "scorer: " + e.Msg
	}
	return fmt.Sprintf("scorer: %s: %s", e.Field, e.Msg)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Normalize checks parsed against expected and builds the normalized result.
// Item scores are clamped to their maxima; section and rubric totals are
// summed from the clamped items and rescaled to scoreTargetMax. Totals the
// model may have included are ignored.
func Normalize(parsed map[string]any, expected rubric.Expected, scoreTargetMax float64) (*model.NormalizedGradeResult, error) {
	if parsed == nil {
		return nil, invalid("", "response is not a JSON object")
	}

	version, ok := toFloat(parsed["schema_version"])
	if !ok || version != model.SchemaVersion {
		return nil, invalid("schema_version", "must be %d, got %v", model.SchemaVersion, parsed["schema_version"])
	}

	comment, _ := parsed["comment"].(string)
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, invalid("comment", "must be a non-empty string")
	}

	if !(scoreTargetMax > 0) {
		return nil, invalid("score_target_max", "must be greater than 0, got %v", scoreTargetMax)
	}
	if !(expected.RubricMax > 0) {
		return nil, invalid("score_rubric_max", "must be greater than 0, got %v", expected.RubricMax)
	}

	rawSections, ok := parsed["sections"].([]any)
	if !ok || len(rawSections) == 0 {
		return nil, invalid("sections", "must be a non-empty array")
	}
	if len(rawSections) != len(expected.Sections) {
		return nil, invalid("sections", "expected %d sections, got %d", len(expected.Sections), len(rawSections))
	}
	byName, err := indexByName("sections", rawSections, sectionNames(expected))
	if err != nil {
		return nil, err
	}

	result := &model.NormalizedGradeResult{
		SchemaVersion:  model.SchemaVersion,
		CategoryName:   expected.CategoryName,
		ScoreTargetMax: scoreTargetMax,
		ScoreRubricMax: expected.RubricMax,
		Comment:        comment,
		Sections:       make([]model.SectionResult, 0, len(expected.Sections)),
	}
	if m, ok := parsed["model"].(string); ok {
		result.Model = strings.TrimSpace(m)
	}

	var rubricScore float64
	for _, exp := range expected.Sections {
		sec, err := normalizeSection(exp, byName[exp.Name])
		if err != nil {
			return nil, err
		}
		rubricScore += sec.Score
		result.Sections = append(result.Sections, sec)
	}

	result.ScoreRubric = clamp(rubricScore, 0, expected.RubricMax)
	result.Score = model.Round2(result.ScoreRubric * scoreTargetMax / expected.RubricMax)
	return result, nil
}

func normalizeSection(exp rubric.Section, raw map[string]any) (model.SectionResult, error) {
	field := fmt.Sprintf("sections[%s]", exp.Name)

	rawItems, ok := raw["items"].([]any)
	if !ok || len(rawItems) == 0 {
		return model.SectionResult{}, invalid(field+".items", "must be a non-empty array")
	}
	if len(rawItems) != len(exp.Items) {
		return model.SectionResult{}, invalid(field+".items", "expected %d items, got %d", len(exp.Items), len(rawItems))
	}
	itemNames := make(map[string]struct{}, len(exp.Items))
	for _, it := range exp.Items {
		itemNames[it.Name] = struct{}{}
	}
	byName, err := indexByName(field+".items", rawItems, itemNames)
	if err != nil {
		return model.SectionResult{}, err
	}

	sec := model.SectionResult{
		Name:     exp.Name,
		MaxScore: exp.MaxScore,
		Comment:  commentOr(raw["comment"], PlaceholderSectionComment),
		Items:    make([]model.ItemResult, 0, len(exp.Items)),
	}
	for _, it := range exp.Items {
		rawItem := byName[it.Name]
		score, ok := toFloat(rawItem["score"])
		if !ok {
			return model.SectionResult{}, invalid(fmt.Sprintf("%s.items[%s].score", field, it.Name),
				"must be a number, got %v", rawItem["score"])
		}
		score = clamp(score, 0, it.MaxScore)
		sec.Score += score
		sec.Items = append(sec.Items, model.ItemResult{
			Name:     it.Name,
			MaxScore: it.MaxScore,
			Score:    score,
			Comment:  commentOr(rawItem["comment"], PlaceholderItemComment),
		})
	}
	return sec, nil
}

// indexByName maps each entry's trimmed name to the entry. Entries must be
// objects with unique names drawn from allowed.
func indexByName(field string, entries []any, allowed map[string]struct{}) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(entries))
	for i, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s[%d]", field, i), "must be an object")
		}
		name, _ := obj["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, invalid(fmt.Sprintf("%s[%d].name", field, i), "must be a non-empty string")
		}
		if _, known := allowed[name]; !known {
			return nil, invalid(field, "unexpected name %q", name)
		}
		if _, dup := out[name]; dup {
			return nil, invalid(field, "duplicate name %q", name)
		}
		out[name] = obj
	}
	for name := range allowed {
		if _, found := out[name]; !found {
			return nil, invalid(field, "missing name %q", name)
		}
	}
	return out, nil
}

func sectionNames(expected rubric.Expected) map[string]struct{} {
	names := make(map[string]struct{}, len(expected.Sections))
	for _, s := range expected.Sections {
		names[s.Name] = struct{}{}
	}
	return names
}

func commentOr(v any, placeholder string) string {
	s, _ := v.(string)
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return placeholder
}

// toFloat accepts JSON numbers in any decoded form and numeric strings.
// Booleans, null, NaN and infinities are not numbers.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
