// Package rubric loads, validates and compiles the grading rubric
// configuration that drives prompt generation and response validation.
package rubric

// ItemConfig is one scored rubric item as authored by an operator.
type ItemConfig struct {
	Key         string  `json:"key" yaml:"key" validate:"required"`
	MaxScore    float64 `json:"max_score" yaml:"max_score" validate:"gt=0"`
	Description string  `json:"description" yaml:"description" validate:"required"`
}

// SectionConfig groups rubric items. MaxScore is derived from the items on
// load; an authored value is only kept for reference in warnings.
type SectionConfig struct {
	Key      string       `json:"key" yaml:"key" validate:"required"`
	MaxScore float64      `json:"max_score" yaml:"max_score"`
	Items    []ItemConfig `json:"items" yaml:"items" validate:"required,min=1,dive"`
}

// DocxValidation configures the optional .docx formatting check for a
// category. It never takes part in prompt construction.
type DocxValidation struct {
	Enabled              bool      `json:"enabled" yaml:"enabled"`
	AllowedFontKeywords  []string  `json:"allowed_font_keywords" yaml:"allowed_font_keywords" validate:"dive,required"`
	AllowedFontSizePts   []float64 `json:"allowed_font_size_pts" yaml:"allowed_font_size_pts"`
	FontSizeTolerance    float64   `json:"font_size_tolerance" yaml:"font_size_tolerance" validate:"gte=0"`
	TargetLineSpacing    *float64  `json:"target_line_spacing,omitempty" yaml:"target_line_spacing,omitempty"`
	LineSpacingTolerance *float64  `json:"line_spacing_tolerance,omitempty" yaml:"line_spacing_tolerance,omitempty"`
}

// CategoryConfig is the rubric for one assignment category.
type CategoryConfig struct {
	DisplayName    string          `json:"display_name" yaml:"display_name" validate:"required"`
	DocxValidation *DocxValidation `json:"docx_validation,omitempty" yaml:"docx_validation,omitempty"`
	Sections       []SectionConfig `json:"sections" yaml:"sections" validate:"required,min=1,dive"`
}

// Config is the complete prompt configuration: the base system prompt plus
// one rubric per category key.
type Config struct {
	SystemPrompt string                    `json:"system_prompt" yaml:"system_prompt" validate:"required"`
	Categories   map[string]CategoryConfig `json:"categories" yaml:"categories" validate:"required,min=1,dive"`
}

// Category returns the category config by key.
func (c *Config) Category(key string) (CategoryConfig, bool) {
	if c == nil {
		return CategoryConfig{}, false
	}
	cat, ok := c.Categories[key]
	return cat, ok
}

// Keys returns the category keys in sorted order.
func (c *Config) Keys() []string {
	if c == nil {
		return nil
	}
	return sortedKeys(c.Categories)
}

// Item is a compiled rubric item.
type Item struct {
	Name     string
	MaxScore float64
}

// Section is a compiled rubric section; MaxScore is the sum of its items.
type Section struct {
	Name     string
	MaxScore float64
	Items    []Item
}

// Expected is the rubric shape a model response must match exactly.
type Expected struct {
	CategoryName string
	RubricMax    float64
	Sections     []Section
}

// ItemCount returns the number of items across all sections.
func (e Expected) ItemCount() int {
	n := 0
	for _, s := range e.Sections {
		n += len(s.Items)
	}
	return n
}
