package rubric

import (
	"strings"
)

// BuildExpected compiles a category into the rubric shape a model response
// must match. It re-checks the category so hand-built configs that never went
// through Parse fail the same way. Calling it twice yields equal values.
func BuildExpected(cat CategoryConfig) (Expected, error) {
	name := strings.TrimSpace(cat.DisplayName)
	if name == "" {
		return Expected{}, configErr("display_name", "must not be empty")
	}
	if len(cat.Sections) == 0 {
		return Expected{}, configErr("sections", "must not be empty")
	}

	exp := Expected{
		CategoryName: name,
		Sections:     make([]Section, 0, len(cat.Sections)),
	}
	seenSections := make(map[string]struct{}, len(cat.Sections))
	for _, sc := range cat.Sections {
		secName := strings.TrimSpace(sc.Key)
		if secName == "" {
			return Expected{}, configErr("sections.key", "must not be empty")
		}
		if _, dup := seenSections[secName]; dup {
			return Expected{}, configErr("sections", "duplicate section %q", secName)
		}
		seenSections[secName] = struct{}{}
		if len(sc.Items) == 0 {
			return Expected{}, configErr("sections["+secName+"].items", "must not be empty")
		}

		sec := Section{Name: secName, Items: make([]Item, 0, len(sc.Items))}
		seenItems := make(map[string]struct{}, len(sc.Items))
		for _, it := range sc.Items {
			itName := strings.TrimSpace(it.Key)
			if itName == "" {
				return Expected{}, configErr("sections["+secName+"].items.key", "must not be empty")
			}
			if _, dup := seenItems[itName]; dup {
				return Expected{}, configErr("sections["+secName+"].items", "duplicate item %q", itName)
			}
			seenItems[itName] = struct{}{}
			if !(it.MaxScore > 0) {
				return Expected{}, configErr("sections["+secName+"].items["+itName+"].max_score", "must be greater than 0")
			}
			sec.Items = append(sec.Items, Item{Name: itName, MaxScore: it.MaxScore})
			sec.MaxScore += it.MaxScore
		}
		exp.Sections = append(exp.Sections, sec)
		exp.RubricMax += sec.MaxScore
	}
	return exp, nil
}
