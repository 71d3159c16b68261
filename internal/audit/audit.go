// Package audit archives everything a grading batch sent and received under
// a per-batch log directory.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/homework-grader/internal/model"
)

// Layout of a batch log directory.
const (
	MetaFile       = "request_meta.json"
	OperationsFile = "operations.log"
	ErrorsFile     = "errors.log"
	PromptsDir     = "prompts"
	ResponsesDir   = "model-responses"
	SystemPrompt   = "system_prompt.txt"
	UserPrompt     = "user_prompt.txt"
)

// Meta records the request that started a batch. API keys are never
// written.
type Meta struct {
	BatchID        string           `json:"batch_id"`
	Template       string           `json:"template"`
	ScoreTargetMax float64          `json:"score_target_max"`
	Mock           bool             `json:"mock_mode"`
	Models         []model.Endpoint `json:"models"`
	Files          []string         `json:"files"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Interaction is one model call for one file.
type Interaction struct {
	File               string                       `json:"file"`
	ModelID            string                       `json:"model_id"`
	ModelName          string                       `json:"model_name"`
	SystemPrompt       string                       `json:"system_prompt"`
	UserPrompt         string                       `json:"user_prompt"`
	ResolvedUserPrompt string                       `json:"resolved_user_prompt"`
	Response           *model.NormalizedGradeResult `json:"response"`
	RawResponse        string                       `json:"raw_response,omitempty"`
	Status             model.CallStatus             `json:"status"`
	ErrorMessage       string                       `json:"error_message,omitempty"`
	Timestamp          time.Time                    `json:"timestamp"`
}

// Logger writes one batch's audit trail. It is safe for concurrent use.
type Logger struct {
	dir       string
	ops       *zap.Logger
	errs      *zap.Logger
	files     []*os.File
	now       func() time.Time
	mu        sync.Mutex
	usedNames map[string]bool
}

// New creates <dataDir>/logs/<batchID> and opens its log files.
func New(dataDir, batchID string) (*Logger, error) {
	dir := filepath.Join(dataDir, "logs", batchID)
	for _, d := range []string{dir, filepath.Join(dir, PromptsDir), filepath.Join(dir, ResponsesDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, eris.Wrapf(err, "audit: create %s", d)
		}
	}

	l := &Logger{dir: dir, now: time.Now, usedNames: make(map[string]bool)}
	var err error
	if l.ops, err = l.openLog(OperationsFile); err != nil {
		return nil, err
	}
	if l.errs, err = l.openLog(ErrorsFile); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	l.ops = l.ops.With(zap.String("batch_id", batchID))
	l.errs = l.errs.With(zap.String("batch_id", batchID))
	return l, nil
}

func (l *Logger) openLog(name string) (*zap.Logger, error) {
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: open %s", name)
	}
	l.files = append(l.files, f)
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(f), zapcore.DebugLevel)
	return zap.New(core), nil
}

// Dir returns the batch log directory.
func (l *Logger) Dir() string {
	return l.dir
}

// SaveMeta writes request_meta.json.
func (l *Logger) SaveMeta(m Meta) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now().UTC()
	}
	return writeJSON(filepath.Join(l.dir, MetaFile), m)
}

// SavePrompts stores the compiled prompts. The batch-level files hold the
// most recent category; each category also gets its own user prompt file.
func (l *Logger) SavePrompts(category, system, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir := filepath.Join(l.dir, PromptsDir)
	writes := map[string]string{SystemPrompt: system, UserPrompt: user}
	if category != "" {
		writes["user_prompt."+safeName(category)+".txt"] = user
	}
	for name, body := range writes {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return eris.Wrapf(err, "audit: write %s", name)
		}
	}
	return nil
}

// SaveInteraction writes one model-responses/<file>_<model>_<HHMMSS>.json.
func (l *Logger) SaveInteraction(in Interaction) error {
	if in.Timestamp.IsZero() {
		in.Timestamp = l.now().UTC()
	}
	base := fmt.Sprintf("%s_%s_%s", safeName(in.File), in.ModelID, in.Timestamp.Format("150405"))

	l.mu.Lock()
	name := base + ".json"
	for i := 2; l.usedNames[name]; i++ {
		name = fmt.Sprintf("%s_%d.json", base, i)
	}
	l.usedNames[name] = true
	l.mu.Unlock()

	return writeJSON(filepath.Join(l.dir, ResponsesDir, name), in)
}

// Operation appends a line to operations.log.
func (l *Logger) Operation(msg string, fields ...zap.Field) {
	l.ops.Info(msg, fields...)
}

// Error appends a line to errors.log.
func (l *Logger) Error(file, msg string) {
	l.errs.Error(msg, zap.String("file", file))
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	var firstErr error
	for _, zl := range []*zap.Logger{l.ops, l.errs} {
		if zl != nil {
			_ = zl.Sync()
		}
	}
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = eris.Wrap(err, "audit: close log")
		}
	}
	l.files = nil
	return firstErr
}

func safeName(s string) string {
	return strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(s)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "audit: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "audit: write %s", filepath.Base(path))
	}
	return nil
}
