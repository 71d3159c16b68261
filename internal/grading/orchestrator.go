// Package grading fans a submission out to the configured model endpoints,
// aggregates their scores and runs whole batches of submissions.
package grading

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/gateway"
	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/prompt"
	"github.com/sells-group/homework-grader/internal/resilience"
	"github.com/sells-group/homework-grader/internal/rubric"
	"github.com/sells-group/homework-grader/internal/submission"
	"github.com/sells-group/homework-grader/internal/throttle"
)

// MaxEndpoints is the most models a submission is sent to.
const MaxEndpoints = 3

// MockModelName names the endpoint used in mock mode when none is configured.
const MockModelName = "demo-model"

// Grader grades one submission against one endpoint. *gateway.Gateway
// implements it.
type Grader interface {
	Grade(ctx context.Context, req gateway.Request) (*gateway.Outcome, error)
}

// GraderFactory builds the grader for one endpoint.
type GraderFactory func(ep model.Endpoint, mock bool) (Grader, error)

// GatewayFactory returns a factory that builds gateways tuned by cfg.
func GatewayFactory(cfg config.GradingConfig) GraderFactory {
	opts := []gateway.Option{
		gateway.WithRetry(resilience.FromGradingConfig(cfg.MaxAttempts, cfg.RetryBackoffMS)),
		gateway.WithTimeout(time.Duration(cfg.ModelTimeoutSecs) * time.Second),
		gateway.WithTemperature(cfg.Temperature),
	}
	return func(ep model.Endpoint, mock bool) (Grader, error) {
		return gateway.New(ep, mock, opts...)
	}
}

// Submission is one decoded file ready for grading.
type Submission struct {
	FileName       string
	Content        string
	Meta           submission.Meta
	CategoryKey    string
	Category       rubric.CategoryConfig
	BasePrompt     string
	ScoreTargetMax float64
}

// Prompts are the compiled prompts shared by every endpoint call for one
// submission.
type Prompts struct {
	System   string
	User     string
	Resolved string
	Expected rubric.Expected
}

// Orchestrator grades single submissions across endpoints.
type Orchestrator struct {
	registry *throttle.Registry
	compiler atomic.Pointer[prompt.Compiler]
	factory  GraderFactory
}

// NewOrchestrator wires an orchestrator. The registry is shared process-wide.
func NewOrchestrator(registry *throttle.Registry, compiler *prompt.Compiler, factory GraderFactory) *Orchestrator {
	if registry == nil {
		registry = throttle.NewRegistry(throttle.DefaultPerOrigin, 0)
	}
	o := &Orchestrator{registry: registry, factory: factory}
	o.SetCompiler(compiler)
	return o
}

// SetCompiler swaps the prompt compiler, e.g. after prompts.md was edited.
// Submissions already compiling keep the previous one.
func (o *Orchestrator) SetCompiler(c *prompt.Compiler) {
	if c == nil {
		c = prompt.NewCompiler(nil)
	}
	o.compiler.Store(c)
}

// Compile builds the prompts for sub.
func (o *Orchestrator) Compile(sub Submission) (Prompts, error) {
	c := o.compiler.Load()
	user, expected, err := c.BuildUserPrompt(sub.Category, sub.ScoreTargetMax, sub.CategoryKey)
	if err != nil {
		return Prompts{}, err
	}
	return Prompts{
		System:   c.BuildSystemPrompt(sub.BasePrompt),
		User:     user,
		Resolved: prompt.ResolveUserContent(user, sub.Content),
		Expected: expected,
	}, nil
}

// ProcessSubmission compiles the prompts once, grades sub on every endpoint
// concurrently and aggregates the results with the median. Endpoint failures
// are reported inside the returned item. The error is non-nil only when the
// prompts cannot be compiled or no endpoint is given.
func (o *Orchestrator) ProcessSubmission(ctx context.Context, sub Submission, endpoints []model.Endpoint, mock bool) (model.GradeItem, Prompts, error) {
	item := model.GradeItem{
		FileName:          sub.FileName,
		StudentID:         sub.Meta.StudentID,
		StudentName:       sub.Meta.StudentName,
		ClassName:         sub.Meta.ClassName,
		AssignmentTitle:   sub.Meta.AssignmentTitle,
		Category:          sub.CategoryKey,
		RawTextLength:     len([]rune(sub.Content)),
		AggregateStrategy: model.AggregateMedian,
		Status:            model.StatusFailure,
	}
	if len(endpoints) == 0 {
		return item, Prompts{}, eris.New("grading: no model endpoints configured")
	}

	p, err := o.Compile(sub)
	if err != nil {
		return item, Prompts{}, err
	}

	req := gateway.Request{
		FileName:       sub.FileName,
		Content:        sub.Content,
		SystemPrompt:   p.System,
		UserPrompt:     p.User,
		Expected:       p.Expected,
		ScoreTargetMax: sub.ScoreTargetMax,
	}

	results := make([]model.ModelCallResult, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = o.gradeOne(ctx, i+1, ep, mock, req)
			return nil
		})
	}
	_ = g.Wait()

	item.GraderResults = results
	aggregate(&item, results)
	return item, p, nil
}

// gradeOne runs one endpoint call under its origin permit. Latency covers
// the call only, not the wait for a permit.
func (o *Orchestrator) gradeOne(ctx context.Context, index int, ep model.Endpoint, mock bool, req gateway.Request) (res model.ModelCallResult) {
	res = model.ModelCallResult{
		ModelIndex: index,
		APIURL:     ep.APIURL,
		ModelName:  ep.ModelName,
		Status:     model.StatusFailure,
	}

	release, err := o.registry.Acquire(ctx, ep.APIURL)
	if err != nil {
		res.ErrorKind = string(gateway.KindTransport)
		res.ErrorMessage = err.Error()
		return res
	}
	defer release()

	start := time.Now()
	defer func() { res.LatencyMS = time.Since(start).Milliseconds() }()

	grader, err := o.factory(ep, mock)
	if err != nil {
		res.ErrorKind = string(gateway.KindTransport)
		res.ErrorMessage = err.Error()
		return res
	}

	out, err := grader.Grade(ctx, req)
	if err != nil {
		res.ErrorKind = string(gateway.KindOf(err))
		res.ErrorMessage = err.Error()
		res.RawResponse = gateway.RawResponse(err)
		zap.L().Warn("grading: model call failed",
			zap.String("file", req.FileName),
			zap.Int("model_index", index),
			zap.String("model", ep.ModelName),
			zap.Error(err),
		)
		return res
	}

	r := out.Result
	res.Status = model.StatusSuccess
	res.Score = model.Float(r.Score)
	res.ScoreRubric = model.Float(r.ScoreRubric)
	res.ScoreRubricMax = model.Float(r.ScoreRubricMax)
	res.Comment = r.Comment
	res.NormalizedResult = r
	res.RawResponse = out.RawText
	return res
}

// aggregate fills item's score fields from results.
func aggregate(item *model.GradeItem, results []model.ModelCallResult) {
	var scores []float64
	for _, r := range results {
		if r.Succeeded() {
			scores = append(scores, *r.Score)
		}
	}

	if len(scores) == 0 {
		msgs := make([]string, 0, MaxEndpoints)
		for _, r := range results {
			if len(msgs) == MaxEndpoints {
				break
			}
			msg := r.ErrorMessage
			if msg == "" {
				msg = "unknown error"
			}
			msgs = append(msgs, msg)
		}
		item.Status = model.StatusFailure
		item.ErrorMessage = "all model endpoints failed: " + strings.Join(msgs, "; ")
		return
	}

	median := Median(scores)
	rep := results[PickRepresentative(results, median)].NormalizedResult
	item.Status = model.StatusSuccess
	item.Score = model.Float(model.Round2(median))
	item.ScoreRubric = model.Float(rep.ScoreRubric)
	item.ScoreRubricMax = model.Float(rep.ScoreRubricMax)
	item.Comment = rep.Comment
	item.DetailJSON = rep.JSON()
}

// ResolveEndpoints orders the primary endpoint before at most
// MaxEndpoints-1 extras. The primary counts only when it has a URL or mock
// mode is on; in mock mode a missing model name defaults to MockModelName.
// Without a primary the extras are not promoted into its slot.
func ResolveEndpoints(primary model.Endpoint, extras []model.Endpoint, mock bool) []model.Endpoint {
	var out []model.Endpoint
	if primary.APIURL != "" || mock {
		if strings.TrimSpace(primary.ModelName) == "" {
			primary.ModelName = MockModelName
		}
		out = append(out, primary)
	}
	added := 0
	for _, ep := range extras {
		if added == MaxEndpoints-1 {
			break
		}
		if ep.APIURL == "" && !mock {
			continue
		}
		out = append(out, ep)
		added++
	}
	return out
}

// EndpointsFromConfig converts configured models into endpoints.
func EndpointsFromConfig(cfg *config.Config, mock bool) []model.Endpoint {
	extras := make([]model.Endpoint, 0, len(cfg.ExtraModels))
	for _, m := range cfg.ExtraModels {
		extras = append(extras, endpointOf(m))
	}
	return ResolveEndpoints(endpointOf(cfg.Model), extras, mock)
}

func endpointOf(m config.ModelConfig) model.Endpoint {
	return model.Endpoint{
		APIURL:    strings.TrimSpace(m.APIURL),
		APIKey:    strings.TrimSpace(m.APIKey),
		ModelName: strings.TrimSpace(m.ModelName),
		Provider:  m.Provider,
	}
}

// endpointLabel is the audit model id for a 1-based endpoint index.
func endpointLabel(index int) string {
	return fmt.Sprintf("m%d", index)
}
