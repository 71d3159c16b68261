// Package gateway sends one compiled grading prompt to one model endpoint
// and turns the reply into a validated grade.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/prompt"
	"github.com/sells-group/homework-grader/internal/resilience"
	"github.com/sells-group/homework-grader/internal/rubric"
	"github.com/sells-group/homework-grader/internal/scorer"
)

// DefaultTimeout bounds a single model call attempt.
const DefaultTimeout = 300 * time.Second

// DefaultTemperature is sent with every chat request.
const DefaultTemperature = 0.2

// Request is one submission to grade against one compiled rubric.
type Request struct {
	FileName       string
	Content        string
	SystemPrompt   string
	UserPrompt     string
	Expected       rubric.Expected
	ScoreTargetMax float64
}

// Outcome is a successful grade with the raw material it came from.
type Outcome struct {
	RawText string
	Parsed  map[string]any
	Result  *model.NormalizedGradeResult
}

// Gateway grades submissions against a single endpoint. It is safe for
// concurrent use.
type Gateway struct {
	endpoint    model.Endpoint
	provider    string
	mock        bool
	completer   Completer
	retry       resilience.RetryConfig
	timeout     time.Duration
	temperature float64
	rnd         *lockedRand
	tracer      trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry replaces the retry policy for transport failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithCompleter overrides the provider client.
func WithCompleter(c Completer) Option {
	return func(g *Gateway) { g.completer = c }
}

// WithSeed fixes the mock score generator.
func WithSeed(seed uint64) Option {
	return func(g *Gateway) { g.rnd = newLockedRand(seed) }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Gateway) { g.temperature = t }
}

// New returns a gateway for ep. Mock is forced when ep has no URL.
func New(ep model.Endpoint, mock bool, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		endpoint:    ep,
		mock:        mock || ep.IsMock(),
		retry:       resilience.DefaultRetryConfig(),
		timeout:     DefaultTimeout,
		temperature: DefaultTemperature,
		rnd:         newLockedRand(uint64(time.Now().UnixNano())),
		tracer:      otel.Tracer("github.com/sells-group/homework-grader/internal/gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	if g.mock {
		g.provider = ProviderMock
		return g, nil
	}
	g.provider = ProviderName(ep)
	if g.completer == nil {
		c, err := NewCompleter(ep)
		if err != nil {
			return nil, err
		}
		g.completer = c
	}
	return g, nil
}

// Endpoint returns the endpoint this gateway calls.
func (g *Gateway) Endpoint() model.Endpoint {
	return g.endpoint
}

// Grade calls the model, extracts the JSON object from its reply and
// validates it. Every error is a *ModelCallError.
func (g *Gateway) Grade(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.grade", trace.WithAttributes(
		attribute.String("grader.provider", g.provider),
		attribute.String("grader.model", g.endpoint.ModelName),
		attribute.String("grader.file", req.FileName),
	))
	defer span.End()

	start := time.Now()
	out, err := g.grade(ctx, req)
	callDuration.WithLabelValues(g.provider).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindOf(err)
		callFailures.WithLabelValues(g.provider, string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		return nil, err
	}
	span.SetAttributes(attribute.Float64("grader.score", out.Result.Score))
	return out, nil
}

func (g *Gateway) grade(ctx context.Context, req Request) (*Outcome, error) {
	raw, err := g.call(ctx, req)
	if err != nil {
		return nil, err
	}

	parsed, err := ExtractJSON(raw)
	if err != nil {
		return nil, &ModelCallError{Kind: KindMalformed, RawResponse: raw, Err: err}
	}
	result, err := scorer.Normalize(parsed, req.Expected, req.ScoreTargetMax)
	if err != nil {
		return nil, &ModelCallError{Kind: KindSchema, RawResponse: raw, Err: err}
	}
	if m, ok := parsed["model"].(string); ok && m != "" {
		result.Model = m
	} else {
		result.Model = g.endpoint.ModelName
	}
	return &Outcome{RawText: raw, Parsed: parsed, Result: result}, nil
}

// call produces the raw reply text, retrying transport failures.
func (g *Gateway) call(ctx context.Context, req Request) (string, error) {
	if g.mock {
		raw, err := mockReply(req.Expected, g.rnd)
		if err != nil {
			return "", &ModelCallError{Kind: KindMalformed, Err: err}
		}
		return raw, nil
	}

	p := prompt.ResolveUserContent(req.UserPrompt, req.Content)
	cfg := g.retry
	cfg.ShouldRetry = isTransport
	logRetry := resilience.RetryLogger(g.endpoint.APIURL, g.endpoint.ModelName)
	cfg.OnRetry = func(attempt int, err error) {
		callRetries.WithLabelValues(g.provider).Inc()
		logRetry(attempt, err)
	}

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		actx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		text, err := g.completer.Complete(actx, Prompt{
			System:      req.SystemPrompt,
			User:        p,
			Temperature: g.temperature,
		})
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrEmptyCompletion) {
			return "", &ModelCallError{Kind: KindMalformed, Err: err}
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			zap.L().Warn("model call timed out",
				zap.String("model", g.endpoint.ModelName),
				zap.Duration("timeout", g.timeout),
			)
		}
		return "", &ModelCallError{Kind: KindTransport, Err: err}
	})
}
