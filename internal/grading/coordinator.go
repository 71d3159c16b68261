package grading

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/homework-grader/internal/audit"
	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/export"
	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/rubric"
	"github.com/sells-group/homework-grader/internal/submission"
)

// DefaultFileConcurrency bounds how many files of a batch are processed at
// once.
const DefaultFileConcurrency = 5

// BatchesDir holds one working directory per batch under the data dir.
const BatchesDir = "batches"

// Download kinds accepted by DownloadPath.
const (
	DownloadResult = "result"
	DownloadError  = "error"
)

var batchIDPattern = regexp.MustCompile(`^batch-\d{8}-\d{6}-[0-9a-f]{6}$`)

// BatchRequest describes one grading run.
type BatchRequest struct {
	Files           []string
	Template        string
	Mock            bool
	SkipFormatCheck bool
	ScoreTargetMax  float64
	Models          []model.Endpoint
}

// RubricLoader returns the rubric configuration in force for a batch.
type RubricLoader func() (*rubric.Config, error)

// Coordinator runs batches of submissions through an Orchestrator.
type Coordinator struct {
	orch             *Orchestrator
	loadRubric       RubricLoader
	dataDir          string
	fileConcurrency  int
	minContentLength int
	now              func() time.Time
}

// NewCoordinator wires a coordinator using the grading settings in cfg.
func NewCoordinator(orch *Orchestrator, load RubricLoader, cfg config.GradingConfig) *Coordinator {
	fc := cfg.FileConcurrency
	if fc <= 0 {
		fc = DefaultFileConcurrency
	}
	return &Coordinator{
		orch:             orch,
		loadRubric:       load,
		dataDir:          cfg.DataDir,
		fileConcurrency:  fc,
		minContentLength: cfg.MinContentLength,
		now:              time.Now,
	}
}

// NewBatchID returns an id of the form batch-YYYYMMDD-HHMMSS-xxxxxx.
func NewBatchID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "batch-" + now.Format("20060102-150405") + "-" + suffix
}

// DownloadPath locates a batch's result or error workbook.
func (c *Coordinator) DownloadPath(batchID, kind string) (string, error) {
	if !batchIDPattern.MatchString(batchID) {
		return "", eris.Errorf("grading: invalid batch id %q", batchID)
	}
	dir := filepath.Join(c.dataDir, BatchesDir, batchID)
	switch kind {
	case DownloadResult:
		return filepath.Join(dir, export.ResultFile), nil
	case DownloadError:
		return filepath.Join(dir, export.ErrorFile), nil
	default:
		return "", eris.Errorf("grading: unsupported download type %q", kind)
	}
}

// batchRun carries the state shared by every file of one batch.
type batchRun struct {
	req    BatchRequest
	rubric *rubric.Config
	audit  *audit.Logger
}

// ProcessBatch grades every file in req. A file that fails never aborts the
// batch; it becomes a failed item and an error row. The returned error covers
// only batch-level faults such as an unwritable data directory.
func (c *Coordinator) ProcessBatch(ctx context.Context, req BatchRequest) (*model.BatchResult, error) {
	start := c.now()
	batchID := NewBatchID(start)
	batchDir := filepath.Join(c.dataDir, BatchesDir, batchID)
	log := zap.L().With(zap.String("batch_id", batchID))

	staged, err := submission.Stage(batchDir, req.Files)
	if err != nil {
		return nil, eris.Wrap(err, "grading: stage files")
	}

	al, err := audit.New(c.dataDir, batchID)
	if err != nil {
		return nil, err
	}
	defer al.Close() //nolint:errcheck

	names := make([]string, len(staged))
	for i, p := range staged {
		names[i] = filepath.Base(p)
	}
	if err := al.SaveMeta(audit.Meta{
		BatchID:        batchID,
		Template:       req.Template,
		ScoreTargetMax: req.ScoreTargetMax,
		Mock:           req.Mock,
		Models:         req.Models,
		Files:          names,
	}); err != nil {
		log.Warn("grading: save request meta", zap.Error(err))
	}
	al.Operation("batch initialized", zap.Int("files", len(staged)), zap.Int("models", len(req.Models)))

	run := &batchRun{req: req, audit: al}
	if c.loadRubric != nil {
		run.rubric, err = c.loadRubric()
		if err != nil {
			log.Warn("grading: rubric configuration unavailable", zap.Error(err))
			run.rubric = nil
		}
	}

	items := make([]model.GradeItem, len(staged))
	rows := make([]*model.ErrorRow, len(staged))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.fileConcurrency)
	for i, path := range staged {
		g.Go(func() error {
			items[i], rows[i] = c.processFile(gCtx, run, path)
			return nil
		})
	}
	_ = g.Wait()

	var errorRows []model.ErrorRow
	for i, r := range rows {
		if r != nil {
			errorRows = append(errorRows, *r)
		}
		submissionsTotal.WithLabelValues(string(items[i].Status)).Inc()
	}

	summary := Summarize(batchID, req.ScoreTargetMax, items)
	al.Operation("batch finished, exporting workbooks",
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
	)

	resultPath, err := export.WriteResults(batchDir, items, summary)
	if err != nil {
		return nil, err
	}
	errorPath, err := export.WriteErrors(batchDir, errorRows)
	if err != nil {
		return nil, err
	}

	batchDuration.Observe(time.Since(start).Seconds())
	fields := []zap.Field{
		zap.Int("total", summary.TotalFiles),
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
		zap.Duration("elapsed", time.Since(start)),
	}
	if summary.AverageScore != nil {
		fields = append(fields, zap.Float64("average_score", *summary.AverageScore))
	}
	log.Info("grading: batch complete", fields...)

	return &model.BatchResult{
		Summary:    summary,
		Items:      items,
		Errors:     errorRows,
		ResultPath: resultPath,
		ErrorPath:  errorPath,
	}, nil
}

// processFile validates, decodes and grades one staged file.
func (c *Coordinator) processFile(ctx context.Context, run *batchRun, path string) (model.GradeItem, *model.ErrorRow) {
	name := filepath.Base(path)

	sub, err := c.prepare(run, path)
	if err != nil {
		return c.rejected(run, name, err)
	}
	run.audit.Operation("processing file", zap.String("file", name), zap.String("category", sub.CategoryKey))

	item, p, err := c.orch.ProcessSubmission(ctx, sub, run.req.Models, run.req.Mock)
	if err != nil {
		return c.rejected(run, name, err)
	}

	if err := run.audit.SavePrompts(sub.CategoryKey, p.System, p.User); err != nil {
		zap.L().Warn("grading: save prompts", zap.String("file", name), zap.Error(err))
	}
	for _, r := range item.GraderResults {
		in := audit.Interaction{
			File:               name,
			ModelID:            endpointLabel(r.ModelIndex),
			ModelName:          r.ModelName,
			SystemPrompt:       p.System,
			UserPrompt:         p.User,
			ResolvedUserPrompt: p.Resolved,
			Response:           r.NormalizedResult,
			RawResponse:        r.RawResponse,
			Status:             r.Status,
			ErrorMessage:       r.ErrorMessage,
		}
		if err := run.audit.SaveInteraction(in); err != nil {
			zap.L().Warn("grading: save interaction", zap.String("file", name), zap.Error(err))
		}
	}

	if item.Status != model.StatusSuccess {
		run.audit.Error(name, item.ErrorMessage)
		run.audit.Operation("all models failed", zap.String("file", name), zap.String("error", item.ErrorMessage))
		return item, &model.ErrorRow{FileName: name, ErrorType: model.ErrorTypeModel, ErrorMessage: item.ErrorMessage}
	}
	return item, nil
}

// prepare runs every local check on a file and returns the submission to
// grade.
func (c *Coordinator) prepare(run *batchRun, path string) (Submission, error) {
	name := filepath.Base(path)
	if err := submission.CheckSupported(path); err != nil {
		return Submission{}, err
	}
	meta := submission.ParseFilename(name)

	key, err := submission.DetectCategory(name, run.req.Template, run.rubric)
	if err != nil {
		return Submission{}, err
	}
	cat, ok := run.rubric.Category(key)
	if !ok {
		return Submission{}, &submission.FileError{File: name, Msg: "no rubric is configured for category " + key}
	}

	content, err := submission.ReadText(path, c.minContentLength)
	if err != nil {
		return Submission{}, err
	}

	if strings.EqualFold(filepath.Ext(path), ".docx") && !run.req.SkipFormatCheck &&
		cat.DocxValidation != nil && cat.DocxValidation.Enabled {
		if err := submission.CheckDocxFormat(path, *cat.DocxValidation); err != nil {
			return Submission{}, err
		}
	}

	return Submission{
		FileName:       name,
		Content:        content,
		Meta:           meta,
		CategoryKey:    key,
		Category:       cat,
		BasePrompt:     run.rubric.SystemPrompt,
		ScoreTargetMax: run.req.ScoreTargetMax,
	}, nil
}

// rejected records a file that never reached a model.
func (c *Coordinator) rejected(run *batchRun, name string, err error) (model.GradeItem, *model.ErrorRow) {
	msg := err.Error()
	var fe *submission.FileError
	if errors.As(err, &fe) {
		msg = fe.Msg
	}
	zap.L().Warn("grading: file rejected", zap.String("file", name), zap.Error(err))
	run.audit.Error(name, msg)
	run.audit.Operation("file failed", zap.String("file", name), zap.String("error", msg))

	item := model.GradeItem{
		FileName:          name,
		Status:            model.StatusFailure,
		ErrorMessage:      msg,
		AggregateStrategy: model.AggregateMedian,
	}
	return item, &model.ErrorRow{FileName: name, ErrorType: model.ErrorTypeValidation, ErrorMessage: msg}
}
