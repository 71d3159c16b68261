package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/grading"
	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/prompt"
	"github.com/sells-group/homework-grader/internal/rubric"
	"github.com/sells-group/homework-grader/internal/submission"
)

const maxUploadBytes = 64 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the grading HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initGrader(cfg)
		if err != nil {
			return err
		}
		return startServer(ctx, buildRouter(env), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h until ctx is done, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// buildRouter mounts the API on a chi router.
func buildRouter(env *graderEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	h := &apiHandler{env: env}
	r.Get("/api/ping", h.ping)
	r.Post("/api/grade", h.grade)
	r.Get("/api/download/{type}/{batchID}", h.download)
	r.Get("/api/prompt-config", h.getPromptConfig)
	r.Post("/api/prompt-config", h.savePromptConfig)
	r.Post("/api/prompt-preview", h.previewPrompt)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type apiHandler struct {
	env *graderEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *apiHandler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// gradeResponse is the body returned by POST /api/grade.
type gradeResponse struct {
	BatchID         string            `json:"batch_id"`
	TotalFiles      int               `json:"total_files"`
	SuccessCount    int               `json:"success_count"`
	ErrorCount      int               `json:"error_count"`
	AverageScore    *float64          `json:"average_score"`
	AverageRubric   *float64          `json:"average_score_rubric"`
	ScoreTargetMax  float64           `json:"score_target_max"`
	RubricMaxValues []float64         `json:"rubric_max_values"`
	DownloadResult  string            `json:"download_result_url"`
	DownloadError   string            `json:"download_error_url"`
	Items           []model.GradeItem `json:"items"`
}

func (h *apiHandler) grade(w http.ResponseWriter, r *http.Request) {
	c := h.env.Config
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	mock := formBool(r.FormValue("mock")) || c.Grading.Mock
	endpoints, err := requestEndpoints(r, c.ExtraModels, mock)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(endpoints) == 0 {
		endpoints = grading.EndpointsFromConfig(c, mock)
	}
	if len(endpoints) == 0 {
		writeError(w, http.StatusBadRequest, "no model configured; provide api_url and model_name or enable mock")
		return
	}

	target := c.Grading.ScoreTargetMax
	if v := strings.TrimSpace(r.FormValue("score_target_max")); v != "" {
		target, err = strconv.ParseFloat(v, 64)
		if err != nil || target <= 0 {
			writeError(w, http.StatusBadRequest, "score_target_max must be a positive number")
			return
		}
	}

	uploadRoot := filepath.Join(c.Grading.DataDir, "uploads")
	if err := os.MkdirAll(uploadRoot, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot prepare upload directory")
		return
	}
	tmp, err := os.MkdirTemp(uploadRoot, "upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot prepare upload directory")
		return
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	// Each upload gets its own directory so identical names survive until
	// staging renames them.
	files := make([]string, 0, len(uploads))
	for i, fh := range uploads {
		path, err := stageUpload(filepath.Join(tmp, strconv.Itoa(i)), fh)
		if err != nil {
			zap.L().Warn("upload rejected", zap.String("file", fh.Filename), zap.Error(err))
			writeError(w, http.StatusBadRequest, "cannot read uploaded file "+fh.Filename)
			return
		}
		files = append(files, path)
	}

	res, err := h.env.Coordinator.ProcessBatch(r.Context(), grading.BatchRequest{
		Files:           files,
		Template:        r.FormValue("template"),
		Mock:            mock,
		SkipFormatCheck: formBool(r.FormValue("skip_format_check")),
		ScoreTargetMax:  target,
		Models:          endpoints,
	})
	if err != nil {
		zap.L().Error("batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch failed")
		return
	}

	s := res.Summary
	writeJSON(w, http.StatusOK, gradeResponse{
		BatchID:         s.BatchID,
		TotalFiles:      s.TotalFiles,
		SuccessCount:    s.SuccessCount,
		ErrorCount:      s.FailureCount,
		AverageScore:    s.AverageScore,
		DownloadResult:  "/api/download/" + grading.DownloadResult + "/" + s.BatchID,
		DownloadError:   "/api/download/" + grading.DownloadError + "/" + s.BatchID,
		Items:           res.Items,
		ScoreTargetMax:  s.ScoreTargetMax,
		RubricMaxValues: s.RubricMaxValues,
		AverageRubric:   s.AverageScoreRubric,
	})
}

func stageUpload(dir string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", eris.Wrap(err, "serve: open upload")
	}
	defer f.Close() //nolint:errcheck
	return submission.StageReader(dir, fh.Filename, f)
}

// requestEndpoints reads the primary endpoint from the form and optional
// extras from a JSON "models" field. It returns nil when the form names no
// model, leaving the configured endpoints in charge.
func requestEndpoints(r *http.Request, configured []config.ModelConfig, mock bool) ([]model.Endpoint, error) {
	primary := model.Endpoint{
		APIURL:    strings.TrimSpace(r.FormValue("api_url")),
		APIKey:    strings.TrimSpace(r.FormValue("api_key")),
		ModelName: strings.TrimSpace(r.FormValue("model_name")),
		Provider:  strings.TrimSpace(r.FormValue("provider")),
	}
	raw := strings.TrimSpace(r.FormValue("models"))
	if primary.APIURL == "" && raw == "" {
		return nil, nil
	}

	var extras []model.Endpoint
	if raw != "" {
		var in []struct {
			APIURL    string `json:"api_url"`
			APIKey    string `json:"api_key"`
			ModelName string `json:"model_name"`
			Provider  string `json:"provider"`
		}
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, eris.New("models must be a JSON array of {api_url, api_key, model_name}")
		}
		for _, m := range in {
			extras = append(extras, model.Endpoint{
				APIURL:    strings.TrimSpace(m.APIURL),
				APIKey:    strings.TrimSpace(m.APIKey),
				ModelName: strings.TrimSpace(m.ModelName),
				Provider:  strings.TrimSpace(m.Provider),
			})
		}
	} else {
		for _, m := range configured {
			extras = append(extras, model.Endpoint{APIURL: m.APIURL, APIKey: m.APIKey, ModelName: m.ModelName, Provider: m.Provider})
		}
	}
	return grading.ResolveEndpoints(primary, extras, mock), nil
}

func formBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func (h *apiHandler) download(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "type")
	batchID := chi.URLParam(r, "batchID")
	path, err := h.env.Coordinator.DownloadPath(batchID, kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batchID+"_"+filepath.Base(path)))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	http.ServeFile(w, r, path)
}

func (h *apiHandler) getPromptConfig(w http.ResponseWriter, _ *http.Request) {
	g := h.env.Config.Grading
	resp := map[string]any{"config": nil, "prompts_md": ""}
	if _, err := os.Stat(g.PromptConfigPath); err == nil {
		rc, err := rubric.Load(g.PromptConfigPath)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		resp["config"] = rc
	}
	if md, err := os.ReadFile(g.PromptsMDPath); err == nil {
		resp["prompts_md"] = string(md)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) savePromptConfig(w http.ResponseWriter, r *http.Request) {
	g := h.env.Config.Grading
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	format := rubric.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = rubric.FormatYAML
	}
	rc, err := rubric.Save(data, format, g.PromptConfigPath, g.PromptsMDPath)
	if err != nil {
		if rubric.IsConfigError(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		zap.L().Error("save prompt config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot save prompt configuration")
		return
	}
	if err := h.env.reloadPrompts(); err != nil {
		zap.L().Warn("reload prompts.md", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "config": rc})
}

type previewRequest struct {
	Category       string          `json:"category"`
	ScoreTargetMax float64         `json:"score_target_max"`
	Config         json.RawMessage `json:"config,omitempty"`
}

func (h *apiHandler) previewPrompt(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g := h.env.Config.Grading

	// An unsaved draft may be previewed before it is installed.
	var (
		rc  *rubric.Config
		err error
	)
	if len(req.Config) > 0 && string(req.Config) != "null" {
		rc, err = rubric.Parse(req.Config, rubric.FormatJSON)
	} else {
		rc, err = rubric.Load(g.PromptConfigPath)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	cat, ok := rc.Category(req.Category)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown category %q", req.Category))
		return
	}
	target := req.ScoreTargetMax
	if target <= 0 {
		target = g.ScoreTargetMax
	}

	sections, err := rubric.LoadMarkdownSections(g.PromptsMDPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c := prompt.NewCompiler(sections)
	user, expected, err := c.BuildUserPrompt(cat, target, req.Category)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system_prompt":    c.BuildSystemPrompt(rc.SystemPrompt),
		"user_prompt":      user,
		"category_name":    expected.CategoryName,
		"score_rubric_max": expected.RubricMax,
	})
}
