package grading

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homework-grader/internal/audit"
	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/export"
	"github.com/sells-group/homework-grader/internal/gateway"
	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/resilience"
	"github.com/sells-group/homework-grader/internal/rubric"
)

const essay = "The experiment measured the period of a simple pendulum for five string lengths and compared it with theory."

func labRubric() *rubric.Config {
	return &rubric.Config{
		SystemPrompt: "You grade lab reports.",
		Categories:   map[string]rubric.CategoryConfig{"lab_report": labCategory()},
	}
}

func staticRubric(cfg *rubric.Config) RubricLoader {
	return func() (*rubric.Config, error) { return cfg, nil }
}

func gradingConfig(dataDir string) config.GradingConfig {
	return config.GradingConfig{
		DataDir:          dataDir,
		FileConcurrency:  2,
		MinContentLength: 20,
		MaxAttempts:      1,
		ModelTimeoutSecs: 5,
	}
}

func writeInputs(t *testing.T, files map[string]string) []string {
	t.Helper()
	dir := t.TempDir()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], []byte(files[name]), 0o644))
	}
	return paths
}

func TestProcessBatchMock(t *testing.T) {
	data := t.TempDir()
	cfg := gradingConfig(data)
	orch := NewOrchestrator(nil, nil, GatewayFactory(cfg))
	coord := NewCoordinator(orch, staticRubric(labRubric()), cfg)

	files := writeInputs(t, map[string]string{
		"a_2023001_Alice_LabReport.md": essay,
		"b_2023002_Bob_LabReport.md":   "too short",
		"c_notes.pdf":                  "%PDF-1.4",
		"d_2023003_Carol_essay.md":     essay,
	})

	res, err := coord.ProcessBatch(context.Background(), BatchRequest{
		Files:          files,
		Template:       "auto",
		Mock:           true,
		ScoreTargetMax: 60,
		Models:         ResolveEndpoints(model.Endpoint{}, nil, true),
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 4)
	good := res.Items[0]
	assert.Equal(t, "a_2023001_Alice_LabReport.md", good.FileName)
	require.Equal(t, model.StatusSuccess, good.Status, good.ErrorMessage)
	assert.Equal(t, "2023001", good.StudentID)
	assert.Equal(t, "lab_report", good.Category)
	require.NotNil(t, good.Score)
	assert.LessOrEqual(t, *good.Score, 60.0)

	for _, it := range res.Items[1:] {
		assert.Equal(t, model.StatusFailure, it.Status, it.FileName)
		assert.Nil(t, it.Score)
	}
	assert.Contains(t, res.Items[1].ErrorMessage, "too short")
	assert.Contains(t, res.Items[2].ErrorMessage, "unsupported file type")
	assert.Contains(t, res.Items[3].ErrorMessage, "does not contain any category name")

	require.Len(t, res.Errors, 3)
	for _, r := range res.Errors {
		assert.Equal(t, model.ErrorTypeValidation, r.ErrorType)
	}

	s := res.Summary
	assert.True(t, strings.HasPrefix(s.BatchID, "batch-"))
	assert.Equal(t, 4, s.TotalFiles)
	assert.Equal(t, 1, s.SuccessCount)
	assert.Equal(t, 3, s.FailureCount)
	assert.Equal(t, []float64{40}, s.RubricMaxValues)

	assert.Equal(t, filepath.Join(data, BatchesDir, s.BatchID, export.ResultFile), res.ResultPath)
	rows, err := export.ReadSheet(res.ResultPath, export.SheetResults)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	errRows, err := export.ReadSheet(res.ErrorPath, export.SheetErrors)
	require.NoError(t, err)
	assert.Len(t, errRows, 4)

	staged, err := os.ReadDir(filepath.Join(data, BatchesDir, s.BatchID))
	require.NoError(t, err)
	assert.Len(t, staged, 6, "4 inputs plus 2 workbooks")

	logDir := filepath.Join(data, "logs", s.BatchID)
	assert.FileExists(t, filepath.Join(logDir, audit.MetaFile))
	assert.FileExists(t, filepath.Join(logDir, audit.PromptsDir, "user_prompt.lab_report.txt"))
	responses, err := os.ReadDir(filepath.Join(logDir, audit.ResponsesDir))
	require.NoError(t, err)
	assert.Len(t, responses, 1)
	errLog, err := os.ReadFile(filepath.Join(logDir, audit.ErrorsFile))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(errLog), "\n"))
}

func TestProcessBatchModelFailure(t *testing.T) {
	data := t.TempDir()
	cfg := gradingConfig(data)
	orch := NewOrchestrator(nil, nil, byModel(map[string]Grader{
		"a": &fakeGrader{err: &gateway.ModelCallError{Kind: gateway.KindTransport, Err: errors.New("status 502")}},
	}))
	coord := NewCoordinator(orch, staticRubric(labRubric()), cfg)

	res, err := coord.ProcessBatch(context.Background(), BatchRequest{
		Files:          writeInputs(t, map[string]string{"2023001_Alice_LabReport.md": essay}),
		ScoreTargetMax: 60,
		Models:         endpoints("a"),
	})
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, model.ErrorTypeModel, res.Errors[0].ErrorType)
	assert.Equal(t, "all model endpoints failed: transport: status 502", res.Errors[0].ErrorMessage)
	assert.Nil(t, res.Summary.AverageScore)
	assert.Len(t, res.Items[0].GraderResults, 1)
}

func TestProcessBatchEndToEnd(t *testing.T) {
	data := t.TempDir()
	cfg := gradingConfig(data)
	factory := func(ep model.Endpoint, mock bool) (Grader, error) {
		return gateway.New(ep, mock,
			gateway.WithRetry(resilience.FromGradingConfig(1, 0)),
			gateway.WithCompleter(completerFunc(func(context.Context, gateway.Prompt) (string, error) {
				return labReply(10, 8, 9, 7), nil
			})),
		)
	}
	coord := NewCoordinator(NewOrchestrator(nil, nil, factory), staticRubric(labRubric()), cfg)

	res, err := coord.ProcessBatch(context.Background(), BatchRequest{
		Files:          writeInputs(t, map[string]string{"x.md": essay}),
		Template:       "lab_report",
		ScoreTargetMax: 100,
		Models:         endpoints("a", "b"),
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	require.Equal(t, model.StatusSuccess, res.Items[0].Status, res.Items[0].ErrorMessage)
	assert.Equal(t, 85.0, *res.Items[0].Score)
	assert.Equal(t, 34.0, *res.Items[0].ScoreRubric)
	require.NotNil(t, res.Summary.AverageScore)
	assert.Equal(t, 85.0, *res.Summary.AverageScore)
	assert.Empty(t, res.Errors)
}

func TestProcessBatchWithoutRubric(t *testing.T) {
	cfg := gradingConfig(t.TempDir())
	load := func() (*rubric.Config, error) { return nil, errors.New("missing file") }
	coord := NewCoordinator(NewOrchestrator(nil, nil, GatewayFactory(cfg)), load, cfg)

	res, err := coord.ProcessBatch(context.Background(), BatchRequest{
		Files:          writeInputs(t, map[string]string{"2023001_Alice_LabReport.md": essay}),
		Mock:           true,
		ScoreTargetMax: 60,
		Models:         ResolveEndpoints(model.Endpoint{}, nil, true),
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].ErrorMessage, "no grading categories are configured")
}

func TestProcessBatchMissingInput(t *testing.T) {
	cfg := gradingConfig(t.TempDir())
	coord := NewCoordinator(NewOrchestrator(nil, nil, GatewayFactory(cfg)), staticRubric(labRubric()), cfg)
	_, err := coord.ProcessBatch(context.Background(), BatchRequest{Files: []string{"/does/not/exist.md"}})
	assert.Error(t, err)
}

func TestNewBatchID(t *testing.T) {
	id := NewBatchID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))
	assert.True(t, strings.HasPrefix(id, "batch-20250304-050607-"), id)
	assert.Regexp(t, batchIDPattern, id)
	assert.NotEqual(t, id, NewBatchID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)))
}

func TestDownloadPath(t *testing.T) {
	coord := NewCoordinator(nil, nil, config.GradingConfig{DataDir: "/data"})
	id := "batch-20250304-050607-abc123"

	p, err := coord.DownloadPath(id, DownloadResult)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", BatchesDir, id, export.ResultFile), p)

	p, err = coord.DownloadPath(id, DownloadError)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", BatchesDir, id, export.ErrorFile), p)

	_, err = coord.DownloadPath(id, "zip")
	assert.Error(t, err)
	_, err = coord.DownloadPath("../../etc", DownloadResult)
	assert.Error(t, err)
}
