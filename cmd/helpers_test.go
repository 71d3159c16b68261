package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/homework-grader/internal/config"
)

const labRubricJSON = `{
  "system_prompt": "You grade lab reports.",
  "categories": {
    "lab_report": {
      "display_name": "Lab Report",
      "sections": [
        {"key": "Method", "items": [
          {"key": "Design", "max_score": 10, "description": "Sound experimental design"},
          {"key": "Procedure", "max_score": 10, "description": "Reproducible steps"}
        ]},
        {"key": "Analysis", "items": [
          {"key": "Data", "max_score": 10, "description": "Data is tabulated"},
          {"key": "Error", "max_score": 10, "description": "Uncertainty is discussed"}
        ]}
      ]
    }
  }
}`

const essay = "The experiment measured the period of a simple pendulum for five string lengths and compared it with theory."

// testConfig returns a mock-mode config rooted in a temp dir with the lab
// rubric installed.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rubricPath := filepath.Join(dir, "prompt_config.json")
	require.NoError(t, os.WriteFile(rubricPath, []byte(labRubricJSON), 0o644))

	return &config.Config{
		Model: config.ModelConfig{ModelName: "demo-model"},
		Grading: config.GradingConfig{
			Mock:              true,
			DataDir:           filepath.Join(dir, "data"),
			PromptConfigPath:  rubricPath,
			PromptsMDPath:     filepath.Join(dir, "prompts.md"),
			FileConcurrency:   2,
			OriginConcurrency: 2,
			ModelTimeoutSecs:  5,
			MaxAttempts:       1,
			ScoreTargetMax:    60,
			MinContentLength:  20,
		},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "error", Format: "console"},
	}
}

func testEnv(t *testing.T) *graderEnv {
	t.Helper()
	env, err := initGrader(testConfig(t))
	require.NoError(t, err)
	return env
}
