package submission

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/sells-group/homework-grader/internal/rubric"
)

// AutoTemplate asks DetectCategory to match on the file name.
const AutoTemplate = "auto"

// autoHints are template labels older clients send for automatic detection.
var autoHints = []string{"通用作业分类批改", "职业规划书与专业分析报告的自动分类"}

func normalizeLabel(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "：", ":")
	return strings.TrimSpace(s)
}

// IsAutoTemplate reports whether hint requests file-name based detection.
func IsAutoTemplate(hint string) bool {
	h := normalizeLabel(hint)
	return h == "" || strings.EqualFold(h, AutoTemplate) ||
		strings.HasPrefix(h, "自动识别") || slices.Contains(autoHints, h)
}

// DetectCategory resolves the category key for a file. An explicit hint is
// matched against category keys and then display names. Otherwise exactly
// one category display name must appear in the file name.
func DetectCategory(fileName, hint string, cfg *rubric.Config) (string, error) {
	if cfg == nil || len(cfg.Categories) == 0 {
		return "", &FileError{File: fileName, Msg: "no grading categories are configured"}
	}
	keys := make([]string, 0, len(cfg.Categories))
	for k := range cfg.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if !IsAutoTemplate(hint) {
		h := normalizeLabel(hint)
		if _, ok := cfg.Categories[h]; ok {
			return h, nil
		}
		for _, k := range keys {
			if normalizeLabel(cfg.Categories[k].DisplayName) == h {
				return k, nil
			}
		}
		return "", &FileError{File: fileName, Msg: fmt.Sprintf("no grading category matches template %q", hint)}
	}

	text := normalizeLabel(fileName)
	var matched []string
	for _, k := range keys {
		kw := normalizeLabel(cfg.Categories[k].DisplayName)
		if kw != "" && strings.Contains(text, kw) {
			matched = append(matched, k)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return "", &FileError{File: fileName, Msg: "file name does not contain any category name; include exactly one category display name"}
	default:
		names := make([]string, len(matched))
		for i, k := range matched {
			names[i] = cfg.Categories[k].DisplayName
		}
		return "", &FileError{File: fileName, Msg: fmt.Sprintf("file name matches several categories (%s); include exactly one category display name", strings.Join(names, ", "))}
	}
}
