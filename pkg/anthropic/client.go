package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client sends one grading exchange to the Messages API.
type Client interface {
	Grade(ctx context.Context, req GradeRequest) (*Reply, error)
}

// GradeRequest is a single-turn call: the shared system prompt plus one
// user message holding the submission.
type GradeRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	User        string
	Temperature float64

	// CacheTTL marks the system prompt cacheable ("5m" or "1h"). Every
	// submission in a batch shares it, so the cache is warm after the first
	// call. Empty disables caching.
	CacheTTL string
}

// Reply is the joined text of the response plus token usage.
type Reply struct {
	Text  string
	Usage Usage
}

// Usage counts tokens for one call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Log writes usage at debug level.
func (u Usage) Log(model string) {
	zap.L().Debug("anthropic token usage",
		zap.String("model", model),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
	)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a client backed by the SDK. An empty baseURL keeps the
// SDK default. SDK-level retries are disabled; callers own the retry policy.
func NewClient(apiKey, baseURL string) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Grade(ctx context.Context, req GradeRequest) (*Reply, error) {
	msg, err := c.client.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return replyOf(msg), nil
}

func newParams(req GradeRequest) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   req.MaxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.User))},
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheTTL != "" {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(req.CacheTTL)
			block.CacheControl = cc
		}
		params.System = []sdk.TextBlockParam{block}
	}
	return params
}

// replyOf keeps text blocks only; tool and thinking blocks never carry the
// grade.
func replyOf(msg *sdk.Message) *Reply {
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return &Reply{
		Text: sb.String(),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}
