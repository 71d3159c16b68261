package rubric

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Reserved prompts.md section names. Any other section is named after a
// category key.
const (
	SectionSystem       = "system"
	SectionHardRules    = "rubric_system_hard_rules"
	SectionUserTemplate = "rubric_user_template"
)

const markdownTitle = "# Grading prompts (generated)"

// FormatPoints renders a score without trailing zeros.
func FormatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RenderCategory renders the human-readable prompt body for one category.
func RenderCategory(cat CategoryConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a university instructor. Grade the student's %q strictly against the rubric below.\n", cat.DisplayName)
	b.WriteString("Score every item and explain each deduction.\n\n")
	for i, sec := range cat.Sections {
		fmt.Fprintf(&b, "%d. %s (%s points)\n", i+1, sec.Key, FormatPoints(sectionSum(sec)))
		for j, it := range sec.Items {
			fmt.Fprintf(&b, "   %d. %s (%s points): %s\n", j+1, it.Key, FormatPoints(it.MaxScore), it.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("[Student submission]\n{{HOMEWORK_TEXT}}")
	return strings.TrimSpace(b.String())
}

func sectionSum(sec SectionConfig) float64 {
	var sum float64
	for _, it := range sec.Items {
		sum += it.MaxScore
	}
	return sum
}

// RenderMarkdown renders prompts.md for cfg. Reserved override sections
// present in overrides are carried into the output unchanged.
func RenderMarkdown(cfg *Config, overrides map[string]string) string {
	var b strings.Builder
	b.WriteString(markdownTitle + "\n\n")
	writeSection(&b, SectionSystem, cfg.SystemPrompt)
	for _, key := range []string{SectionHardRules, SectionUserTemplate} {
		if text := strings.TrimSpace(overrides[key]); text != "" {
			writeSection(&b, key, text)
		}
	}
	for _, key := range sortedKeys(cfg.Categories) {
		writeSection(&b, key, RenderCategory(cfg.Categories[key]))
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeSection(b *strings.Builder, name, body string) {
	fmt.Fprintf(b, "## %s\n%s\n\n", name, strings.TrimSpace(body))
}

// ParseMarkdownSections splits prompts.md into "## name" sections.
func ParseMarkdownSections(text string) map[string]string {
	sections := make(map[string]string)
	var current string
	var body []string
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			current = strings.TrimSpace(name)
			body = body[:0]
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return sections
}

// LoadMarkdownSections reads prompts.md. A missing file yields no sections.
func LoadMarkdownSections(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: read %s", path)
	}
	return ParseMarkdownSections(string(data)), nil
}

// Save validates raw config bytes, writes the normalized configuration to
// jsonPath and regenerates prompts.md at mdPath.
func Save(data []byte, format Format, jsonPath, mdPath string) (*Config, error) {
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "rubric: marshal config")
	}
	if err := writeFile(jsonPath, append(out, '\n')); err != nil {
		return nil, err
	}

	if mdPath != "" {
		existing, err := LoadMarkdownSections(mdPath)
		if err != nil {
			return nil, err
		}
		if err := writeFile(mdPath, []byte(RenderMarkdown(cfg, existing))); err != nil {
			return nil, err
		}
	}

	zap.L().Info("prompt config saved",
		zap.String("path", jsonPath),
		zap.String("prompts_md", mdPath),
		zap.Int("categories", len(cfg.Categories)),
	)
	return cfg, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "rubric: create dir for %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "rubric: write %s", path)
	}
	return nil
}
