package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/export"
	"github.com/sells-group/homework-grader/internal/model"
)

func TestResolvePort(t *testing.T) {
	tests := []struct {
		name       string
		flag, conf int
		want       int
	}{
		{"flag wins", 9090, 8080, 9090},
		{"config fallback", 0, 8080, 8080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePort(tt.flag, tt.conf))
		})
	}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Ping(t *testing.T) {
	rr := serve(buildRouter(testEnv(t)), httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildRouter_Metrics(t *testing.T) {
	rr := serve(buildRouter(testEnv(t)), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func multipartRequest(t *testing.T, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/grade", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestGrade_NoFiles(t *testing.T) {
	rr := serve(buildRouter(testEnv(t)), multipartRequest(t, nil, map[string]string{"mock": "true"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "no files uploaded")
}

func TestGrade_BadTarget(t *testing.T) {
	req := multipartRequest(t,
		map[string]string{"2023001_Alice_LabReport.md": essay},
		map[string]string{"score_target_max": "-5"})
	rr := serve(buildRouter(testEnv(t)), req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "score_target_max")
}

func TestGrade_NoModel(t *testing.T) {
	c := testConfig(t)
	c.Grading.Mock = false
	env, err := initGrader(c)
	require.NoError(t, err)

	req := multipartRequest(t, map[string]string{"2023001_Alice_LabReport.md": essay}, nil)
	rr := serve(buildRouter(env), req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "no model configured")
}

func TestGrade_MockBatchAndDownload(t *testing.T) {
	env := testEnv(t)
	router := buildRouter(env)

	req := multipartRequest(t,
		map[string]string{
			"2023001_Alice_LabReport.md": essay,
			"notes.pdf":                  "%PDF-1.4",
		},
		map[string]string{"score_target_max": "100", "template": "auto"})
	rr := serve(router, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp gradeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, 1, resp.SuccessCount)
	assert.Equal(t, 1, resp.ErrorCount)
	assert.Equal(t, 100.0, resp.ScoreTargetMax)
	assert.Equal(t, []float64{40}, resp.RubricMaxValues)
	require.Len(t, resp.Items, 2)

	byName := map[string]model.GradeItem{}
	for _, it := range resp.Items {
		byName[it.FileName] = it
	}
	good := byName["2023001_Alice_LabReport.md"]
	require.Equal(t, model.StatusSuccess, good.Status, good.ErrorMessage)
	require.NotNil(t, good.Score)
	assert.LessOrEqual(t, *good.Score, 100.0)
	assert.Equal(t, model.StatusFailure, byName["notes.pdf"].Status)

	assert.Equal(t, "/api/download/result/"+resp.BatchID, resp.DownloadResult)
	dl := serve(router, httptest.NewRequest(http.MethodGet, resp.DownloadResult, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), export.ResultFile)
	assert.True(t, bytes.HasPrefix(dl.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	dl = serve(router, httptest.NewRequest(http.MethodGet, resp.DownloadError, nil))
	assert.Equal(t, http.StatusOK, dl.Code)

	uploads, err := os.ReadDir(env.Config.Grading.DataDir + "/uploads")
	require.NoError(t, err)
	assert.Empty(t, uploads, "temporary upload directories are removed")
}

func TestDownload_Errors(t *testing.T) {
	router := buildRouter(testEnv(t))
	tests := []struct {
		name string
		path string
		code int
	}{
		{"bad batch id", "/api/download/result/not-a-batch", http.StatusBadRequest},
		{"bad kind", "/api/download/audit/batch-20260101-120000-abcdef", http.StatusBadRequest},
		{"missing batch", "/api/download/result/batch-20260101-120000-abcdef", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(router, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestPromptConfig_GetAndSave(t *testing.T) {
	env := testEnv(t)
	router := buildRouter(env)

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/api/prompt-config", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Config    map[string]any `json:"config"`
		PromptsMD string         `json:"prompts_md"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "You grade lab reports.", got.Config["system_prompt"])
	assert.Empty(t, got.PromptsMD)

	updated := strings.Replace(labRubricJSON, "You grade lab reports.", "Grade strictly.", 1)
	req := httptest.NewRequest(http.MethodPost, "/api/prompt-config", strings.NewReader(updated))
	req.Header.Set("Content-Type", "application/json")
	rr = serve(router, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	md, err := os.ReadFile(env.Config.Grading.PromptsMDPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Grade strictly.")

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/prompt-config", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "Grade strictly.", got.Config["system_prompt"])
	assert.NotEmpty(t, got.PromptsMD)
}

func TestPromptConfig_SaveInvalid(t *testing.T) {
	env := testEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/prompt-config", strings.NewReader(`{"system_prompt": "x", "categories": {}}`))
	rr := serve(buildRouter(env), req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	data, err := os.ReadFile(env.Config.Grading.PromptConfigPath)
	require.NoError(t, err)
	assert.JSONEq(t, labRubricJSON, string(data), "a rejected config leaves the installed one alone")
}

func TestPromptPreview(t *testing.T) {
	router := buildRouter(testEnv(t))

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"installed config", `{"category": "lab_report", "score_target_max": 60}`, http.StatusOK, "You grade lab reports."},
		{"draft config", `{"category": "lab_report", "config": ` + strings.Replace(labRubricJSON, "You grade lab reports.", "Draft prompt.", 1) + `}`, http.StatusOK, "Draft prompt."},
		{"unknown category", `{"category": "essay"}`, http.StatusNotFound, "unknown category"},
		{"bad body", `{`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/prompt-preview", strings.NewReader(tt.body))
			rr := serve(router, req)
			assert.Equal(t, tt.code, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
		})
	}
}

func TestStartServer_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- startServer(ctx, http.NewServeMux(), 0)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRequestEndpoints(t *testing.T) {
	form := func(kv map[string]string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/grade", nil)
		req.Form = map[string][]string{}
		for k, v := range kv {
			req.Form.Set(k, v)
		}
		return req
	}
	configured := []config.ModelConfig{{APIURL: "https://b.example/v1", ModelName: "b"}}

	eps, err := requestEndpoints(form(nil), configured, false)
	require.NoError(t, err)
	assert.Nil(t, eps, "no form model defers to config")

	eps, err = requestEndpoints(form(map[string]string{"api_url": " https://a.example/v1 ", "model_name": "a"}), configured, false)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "https://a.example/v1", eps[0].APIURL)
	assert.Equal(t, "b", eps[1].ModelName)

	eps, err = requestEndpoints(form(map[string]string{
		"api_url": "https://a.example/v1",
		"models":  `[{"api_url": "https://c.example/v1", "model_name": "c", "provider": "openai"}]`,
	}), configured, false)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "openai", eps[1].Provider)

	_, err = requestEndpoints(form(map[string]string{"models": "{"}), configured, false)
	assert.Error(t, err)
}
