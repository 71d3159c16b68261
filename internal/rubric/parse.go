package rubric

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format is the serialization of a prompt configuration file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DefaultFontSizeTolerance applies when docx validation omits a tolerance.
const DefaultFontSizeTolerance = 0.5

// DefaultLineSpacingTolerance applies when only a target line spacing is set.
const DefaultLineSpacingTolerance = 0.1

const sumEpsilon = 1e-6

//go:embed schema.json
var schemaJSON string

var (
	configSchema = jsonschema.MustCompileString("prompt_config.schema.json", schemaJSON)
	validate     = validator.New(validator.WithRequiredStructEnabled())
)

// ConfigError reports an invalid rubric configuration. Path locates the
// offending value, e.g. "categories.lab.sections[Method].items".
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "rubric: " + e.Msg
	}
	return fmt.Sprintf("rubric: %s: %s", e.Path, e.Msg)
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configErr(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// FormatFromPath picks the format from a file extension; anything that is
// not .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and parses the prompt configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: read %s", path)
	}
	cfg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: load %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a prompt configuration. Section maxima are
// recomputed from their items; disagreeing authored values are logged.
func Parse(data []byte, format Format) (*Config, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	var untyped any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&untyped); err != nil {
		return nil, configErr("", "decode: %v", err)
	}
	if err := configSchema.Validate(untyped); err != nil {
		return nil, configErr("", "schema: %v", err)
	}

	var cfg Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, configErr("", "decode: %v", err)
	}
	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	if format != FormatYAML {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErr("", "decode yaml: %v", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, configErr("", "yaml to json: %v", err)
	}
	return out, nil
}

// normalize trims text fields, fills docx defaults, runs struct and
// semantic validation, and derives section maxima.
func normalize(cfg *Config) error {
	cfg.SystemPrompt = strings.TrimSpace(cfg.SystemPrompt)
	if cfg.SystemPrompt == "" {
		return configErr("system_prompt", "must not be empty")
	}
	if len(cfg.Categories) == 0 {
		return configErr("categories", "must not be empty")
	}

	for _, key := range sortedKeys(cfg.Categories) {
		cat := cfg.Categories[key]
		if err := normalizeCategory(key, &cat); err != nil {
			return err
		}
		cfg.Categories[key] = cat
	}

	if err := validate.Struct(cfg); err != nil {
		return structErr(err)
	}
	return nil
}

func normalizeCategory(key string, cat *CategoryConfig) error {
	path := "categories." + key
	cat.DisplayName = strings.TrimSpace(cat.DisplayName)
	if cat.DisplayName == "" {
		return configErr(path+".display_name", "must not be empty")
	}
	if len(cat.Sections) == 0 {
		return configErr(path+".sections", "must not be empty")
	}

	dv, err := normalizeDocxValidation(path+".docx_validation", cat.DocxValidation)
	if err != nil {
		return err
	}
	cat.DocxValidation = dv

	seen := make(map[string]struct{}, len(cat.Sections))
	for i := range cat.Sections {
		sec := &cat.Sections[i]
		sec.Key = strings.TrimSpace(sec.Key)
		if sec.Key == "" {
			return configErr(path+".sections.key", "must not be empty")
		}
		if _, dup := seen[sec.Key]; dup {
			return configErr(path+".sections", "duplicate section %q", sec.Key)
		}
		seen[sec.Key] = struct{}{}

		sum, err := normalizeItems(fmt.Sprintf("%s.sections[%s]", path, sec.Key), sec.Items)
		if err != nil {
			return err
		}
		if sec.MaxScore > 0 && math.Abs(sec.MaxScore-sum) > sumEpsilon {
			zap.L().Warn("section max score disagrees with item sum, using item sum",
				zap.String("category", key),
				zap.String("section", sec.Key),
				zap.Float64("configured", sec.MaxScore),
				zap.Float64("item_sum", sum),
			)
		}
		sec.MaxScore = sum
	}
	return nil
}

func normalizeItems(path string, items []ItemConfig) (float64, error) {
	if len(items) == 0 {
		return 0, configErr(path+".items", "must not be empty")
	}
	seen := make(map[string]struct{}, len(items))
	var sum float64
	for i := range items {
		it := &items[i]
		it.Key = strings.TrimSpace(it.Key)
		it.Description = strings.TrimSpace(it.Description)
		if it.Key == "" {
			return 0, configErr(path+".items.key", "must not be empty")
		}
		if _, dup := seen[it.Key]; dup {
			return 0, configErr(path+".items", "duplicate item %q", it.Key)
		}
		seen[it.Key] = struct{}{}
		if !(it.MaxScore > 0) || math.IsInf(it.MaxScore, 0) {
			return 0, configErr(path+".items["+it.Key+"].max_score", "must be greater than 0")
		}
		if it.Description == "" {
			return 0, configErr(path+".items["+it.Key+"].description", "must not be empty")
		}
		sum += it.MaxScore
	}
	return sum, nil
}

func normalizeDocxValidation(path string, dv *DocxValidation) (*DocxValidation, error) {
	if dv == nil {
		return &DocxValidation{FontSizeTolerance: DefaultFontSizeTolerance}, nil
	}

	fonts := dv.AllowedFontKeywords[:0:0]
	for _, f := range dv.AllowedFontKeywords {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, configErr(path+".allowed_font_keywords", "must be non-empty strings")
		}
		fonts = append(fonts, f)
	}
	dv.AllowedFontKeywords = fonts

	if dv.FontSizeTolerance == 0 {
		dv.FontSizeTolerance = DefaultFontSizeTolerance
	}
	if dv.FontSizeTolerance < 0 {
		return nil, configErr(path+".font_size_tolerance", "must be >= 0")
	}

	if dv.TargetLineSpacing != nil || dv.LineSpacingTolerance != nil {
		target := 0.0
		if dv.TargetLineSpacing != nil {
			target = *dv.TargetLineSpacing
		}
		tol := DefaultLineSpacingTolerance
		if dv.LineSpacingTolerance != nil && *dv.LineSpacingTolerance != 0 {
			tol = *dv.LineSpacingTolerance
		}
		if target <= 0 {
			return nil, configErr(path+".target_line_spacing", "must be greater than 0")
		}
		if tol < 0 {
			return nil, configErr(path+".line_spacing_tolerance", "must be >= 0")
		}
		dv.TargetLineSpacing = &target
		dv.LineSpacingTolerance = &tol
	}

	if dv.Enabled {
		if len(dv.AllowedFontKeywords) == 0 {
			return nil, configErr(path, "enabled but allowed_font_keywords is empty")
		}
		if len(dv.AllowedFontSizePts) == 0 {
			return nil, configErr(path, "enabled but allowed_font_size_pts is empty")
		}
		for _, sz := range dv.AllowedFontSizePts {
			if sz <= 0 {
				return nil, configErr(path+".allowed_font_size_pts", "must all be greater than 0")
			}
		}
	}
	return dv, nil
}

func structErr(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return configErr(fe.Namespace(), "failed %q constraint", fe.Tag())
	}
	return configErr("", "%v", err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
