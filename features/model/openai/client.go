// Package openai provides an engine.AgentInvoker backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go. The session cache seed is
// forwarded as the completion seed so replays of a session sample
// consistently.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/prompt"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
)

type (
	// ChatClient is the subset of the OpenAI SDK used by the adapter. It is
	// satisfied by *openai.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configure the OpenAI invoker.
	Options struct {
		// Model is the chat model identifier. Defaults to gpt-4o-mini.
		Model string
		// AgentModels overrides Model for specific agents.
		AgentModels map[string]string
		// Temperature is sent when non-zero.
		Temperature float64
		// MaxCompletionTokens caps each completion. Defaults to 4096.
		MaxCompletionTokens int64
		// Pricing computes the reported cost of each turn.
		Pricing prompt.Pricing
	}

	// Client implements engine.AgentInvoker on top of OpenAI chat
	// completions.
	Client struct {
		chat ChatClient
		opts Options
	}
)

var _ engine.AgentInvoker = (*Client)(nil)

// New builds an OpenAI-backed invoker from chat.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxCompletionTokens <= 0 {
		opts.MaxCompletionTokens = 4096
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromAPIKey constructs an invoker using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, opts)
}

// Invoke runs one agent turn.
func (c *Client) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.InvokeResult, error) {
	params := c.buildParams(req)
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return engine.InvokeResult{}, fmt.Errorf("%w: %w", prompt.ErrRateLimited, err)
		}
		return engine.InvokeResult{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return engine.InvokeResult{}, errors.New("openai: no choices returned")
	}

	agent := req.Agent.Name
	msg := resp.Choices[0].Message
	res := engine.InvokeResult{
		Events: prompt.Decode(agent, req.Agent.AcceptsStructuredOutput, msg.Content),
	}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = nil
		}
		res.Events = append(res.Events, event.ToolCall{
			Agent:  agent,
			ToolID: tc.ID,
			Name:   tc.Function.Name,
			Args:   args,
		})
	}
	model := resp.Model
	if model == "" {
		model = params.Model
	}
	res.Usage = event.Usage{
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Cost:         c.opts.Pricing.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	return res, nil
}

func (c *Client) buildParams(req engine.InvokeRequest) openai.ChatCompletionNewParams {
	p := prompt.Build(req)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(p.Turns)+1)
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	for _, t := range p.Turns {
		if t.User {
			messages = append(messages, openai.UserMessage(t.Text))
			continue
		}
		messages = append(messages, openai.AssistantMessage(t.Text))
	}
	model := c.opts.Model
	if m, ok := c.opts.AgentModels[req.Agent.Name]; ok && m != "" {
		model = m
	}
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
		Seed:                openai.Int(req.CacheSeed),
	}
	if c.opts.Temperature != 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	return params
}
