package gateway

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/pkg/anthropic"
	"github.com/sells-group/homework-grader/pkg/chat"
)

// Provider names accepted in endpoint configuration.
const (
	ProviderChat      = "chat"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

const anthropicMaxTokens = 4096

// Prompt is one grading conversation: a system and a user turn.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// Completer sends a prompt to one model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ProviderName normalizes an endpoint's provider, defaulting to chat.
func ProviderName(ep model.Endpoint) string {
	if ep.IsMock() {
		return ProviderMock
	}
	p := strings.ToLower(strings.TrimSpace(ep.Provider))
	if p == "" {
		return ProviderChat
	}
	return p
}

// NewCompleter builds the wire client for a real endpoint.
func NewCompleter(ep model.Endpoint) (Completer, error) {
	switch ProviderName(ep) {
	case ProviderChat:
		return &chatCompleter{client: chat.NewClient(ep.APIURL, ep.APIKey, chat.WithModel(ep.ModelName))}, nil
	case ProviderOpenAI:
		cfg := openai.DefaultConfig(ep.APIKey)
		if base := trimSuffixPath(ep.APIURL, "/chat/completions"); base != "" {
			cfg.BaseURL = base
		}
		return &openaiCompleter{client: openai.NewClientWithConfig(cfg), model: ep.ModelName}, nil
	case ProviderAnthropic:
		base := trimSuffixPath(ep.APIURL, "/v1/messages")
		return &anthropicCompleter{client: anthropic.NewClient(ep.APIKey, base), model: ep.ModelName}, nil
	case ProviderGemini:
		return &geminiCompleter{apiKey: ep.APIKey, model: ep.ModelName, endpoint: hostOf(ep.APIURL)}, nil
	case ProviderMock:
		return nil, eris.New("gateway: mock endpoints have no completer")
	default:
		return nil, eris.Errorf("gateway: unknown provider %q", ep.Provider)
	}
}

type chatCompleter struct {
	client chat.Client
}

func (c *chatCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	temp := p.Temperature
	resp, err := c.client.ChatCompletion(ctx, chat.ChatCompletionRequest{
		Messages: []chat.Message{
			{Role: "system", Content: chat.Content(p.System)},
			{Role: "user", Content: chat.Content(p.User)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	return nonEmpty(resp.Text())
}

type openaiCompleter struct {
	client *openai.Client
	model  string
}

func (c *openaiCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: float32(p.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return nonEmpty(resp.Choices[0].Message.Content)
}

type anthropicCompleter struct {
	client anthropic.Client
	model  string
}

func (c *anthropicCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	reply, err := c.client.Grade(ctx, anthropic.GradeRequest{
		Model:       c.model,
		MaxTokens:   anthropicMaxTokens,
		System:      p.System,
		User:        p.User,
		Temperature: p.Temperature,
		CacheTTL:    "5m",
	})
	if err != nil {
		return "", err
	}
	reply.Usage.Log(c.model)
	return nonEmpty(reply.Text)
}

type geminiCompleter struct {
	apiKey   string
	model    string
	endpoint string
}

func (c *geminiCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	opts := []option.ClientOption{option.WithAPIKey(c.apiKey)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return "", eris.Wrap(err, "gemini: new client")
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.SetTemperature(float32(p.Temperature))
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}

	resp, err := m.GenerateContent(ctx, genai.Text(p.User))
	if err != nil {
		return "", eris.Wrap(err, "gemini: generate content")
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return nonEmpty(sb.String())
}

func nonEmpty(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", ErrEmptyCompletion
	}
	return s, nil
}

// trimSuffixPath strips a known API path so SDKs that append their own path
// can take the configured URL.
func trimSuffixPath(raw, suffix string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimSuffix(raw, suffix)
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}
