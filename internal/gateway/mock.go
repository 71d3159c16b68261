package gateway

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/rubric"
)

const (
	mockItemComment    = "Mock grading: mostly complete, minor issues in detail."
	mockSectionComment = "Mock grading: this section meets most of the requirements."
	mockOverallComment = "Mock grading result. No model was called; scores are synthetic."
)

// lockedRand makes a *rand.Rand safe for the concurrent Grade calls of one
// gateway.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// mockReply renders a wire-format grading reply in which every item scores a
// little below its maximum.
func mockReply(expected rubric.Expected, rnd *lockedRand) (string, error) {
	type item struct {
		Name    string  `json:"name"`
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	}
	type section struct {
		Name    string `json:"name"`
		Comment string `json:"comment"`
		Items   []item `json:"items"`
	}
	type reply struct {
		SchemaVersion int       `json:"schema_version"`
		CategoryName  string    `json:"category_name"`
		Comment       string    `json:"comment"`
		Sections      []section `json:"sections"`
		Model         string    `json:"model"`
	}

	out := reply{
		SchemaVersion: model.SchemaVersion,
		CategoryName:  expected.CategoryName,
		Comment:       mockOverallComment,
		Model:         ProviderMock,
	}
	for _, sec := range expected.Sections {
		s := section{Name: sec.Name, Comment: mockSectionComment}
		for _, it := range sec.Items {
			s.Items = append(s.Items, item{
				Name:    it.Name,
				Score:   mockScore(it.MaxScore, rnd.Float64()),
				Comment: mockItemComment,
			})
		}
		out.Sections = append(out.Sections, s)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return "", eris.Wrap(err, "gateway: encode mock reply")
	}
	return "```json\n" + buf.String() + "```", nil
}

// mockScore deducts up to 30% of max (at least one point) scaled by r in [0,1).
func mockScore(maxScore, r float64) float64 {
	deduction := r * math.Max(1, maxScore*0.3)
	return model.Round2(math.Max(0, math.Min(maxScore, maxScore-deduction)))
}
