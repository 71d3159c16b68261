package grading

import (
	"math"
	"slices"
	"sort"

	"github.com/sells-group/homework-grader/internal/model"
)

// Median returns the median of scores. An even count averages the two
// middle values. It returns 0 for an empty slice.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	s := slices.Clone(scores)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// PickRepresentative returns the index of the successful result whose score
// is closest to target. The earliest result wins ties. It returns -1 when no
// result succeeded.
func PickRepresentative(results []model.ModelCallResult, target float64) int {
	best := -1
	bestGap := math.Inf(1)
	for i, r := range results {
		if !r.Succeeded() {
			continue
		}
		if gap := math.Abs(*r.Score - target); gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// Summarize computes batch statistics from finished items. Only items with a
// score count as successes.
func Summarize(batchID string, scoreTargetMax float64, items []model.GradeItem) model.BatchSummary {
	s := model.BatchSummary{
		BatchID:        batchID,
		ScoreTargetMax: scoreTargetMax,
		TotalFiles:     len(items),
	}

	var scores, rubricScores []float64
	maxima := make(map[float64]struct{})
	for _, it := range items {
		if it.Score != nil {
			scores = append(scores, *it.Score)
		}
		if it.ScoreRubric != nil {
			rubricScores = append(rubricScores, *it.ScoreRubric)
		}
		if it.ScoreRubricMax != nil {
			maxima[*it.ScoreRubricMax] = struct{}{}
		}
	}

	s.SuccessCount = len(scores)
	s.FailureCount = len(items) - len(scores)
	s.AverageScore = mean(scores)
	s.AverageScoreRubric = mean(rubricScores)
	for v := range maxima {
		s.RubricMaxValues = append(s.RubricMaxValues, v)
	}
	sort.Float64s(s.RubricMaxValues)
	return s
}

func mean(v []float64) *float64 {
	if len(v) == 0 {
		return nil
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return model.Float(model.Round2(sum / float64(len(v))))
}
