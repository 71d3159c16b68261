package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homework-grader/internal/rubric"
)

func categoryConfig() *rubric.Config {
	return &rubric.Config{
		SystemPrompt: "grader",
		Categories: map[string]rubric.CategoryConfig{
			"career_plan":    {DisplayName: "职业规划书"},
			"major_analysis": {DisplayName: "专业分析报告"},
			"lab_report":     {DisplayName: "Lab Report"},
		},
	}
}

func TestDetectCategory(t *testing.T) {
	cfg := categoryConfig()
	tests := []struct {
		name    string
		file    string
		hint    string
		want    string
		wantErr string
	}{
		{name: "filename keyword", file: "计科1班+张三+2025001+职业规划书.docx", want: "career_plan"},
		{name: "spaces ignored", file: "2023001_Alice_LabReport.md", want: "lab_report"},
		{name: "explicit key", file: "whatever.txt", hint: "major_analysis", want: "major_analysis"},
		{name: "explicit display name", file: "whatever.txt", hint: " 专业分析 报告 ", want: "major_analysis"},
		{name: "auto hint", file: "a_专业分析报告.docx", hint: "auto", want: "major_analysis"},
		{name: "legacy auto label", file: "a_专业分析报告.docx", hint: "自动识别（按文件名）", want: "major_analysis"},
		{name: "unknown hint", file: "职业规划书.docx", hint: "poetry", wantErr: `template "poetry"`},
		{name: "no match", file: "essay.docx", wantErr: "does not contain any category name"},
		{name: "several matches", file: "职业规划书与专业分析报告.docx", wantErr: "职业规划书, 专业分析报告"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectCategory(tt.file, tt.hint, cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsFileError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectCategoryWithoutConfig(t *testing.T) {
	_, err := DetectCategory("a.docx", "", nil)
	assert.Error(t, err)
	_, err = DetectCategory("a.docx", "", &rubric.Config{})
	assert.Error(t, err)
}

func TestIsAutoTemplate(t *testing.T) {
	for _, h := range []string{"", " ", "auto", "AUTO", "自动识别", "通用作业分类批改"} {
		assert.True(t, IsAutoTemplate(h), h)
	}
	assert.False(t, IsAutoTemplate("career_plan"))
}
