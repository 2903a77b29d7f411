// Package anthropic provides an engine.AgentInvoker backed by the Anthropic
// Claude Messages API. It renders each agent turn into a Messages.New call
// using github.com/anthropics/anthropic-sdk-go and maps the reply (text, tool
// use, usage) back into raw agent events.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/prompt"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
)

// defaultMaxTokens caps completions when Options.MaxTokens is not set.
const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic invoker.
	Options struct {
		// Model is the Claude model identifier, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		Model string
		// AgentModels overrides Model for specific agents.
		AgentModels map[string]string
		// MaxTokens caps each completion. Defaults to 1024.
		MaxTokens int64
		// Temperature is sent when non-zero.
		Temperature float64
		// Pricing computes the reported cost of each turn.
		Pricing prompt.Pricing
	}

	// Client implements engine.AgentInvoker on top of Anthropic Claude
	// Messages.
	Client struct {
		msg     MessagesClient
		model   string
		models  map[string]string
		maxTok  int64
		temp    float64
		pricing prompt.Pricing
	}
)

var _ engine.AgentInvoker = (*Client)(nil)

// New builds an Anthropic-backed invoker from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:     msg,
		model:   opts.Model,
		models:  opts.AgentModels,
		maxTok:  maxTok,
		temp:    opts.Temperature,
		pricing: opts.Pricing,
	}, nil
}

// NewFromAPIKey constructs an invoker using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Invoke runs one agent turn.
func (c *Client) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.InvokeResult, error) {
	params := c.params(req)
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return engine.InvokeResult{}, fmt.Errorf("%w: %w", prompt.ErrRateLimited, err)
		}
		return engine.InvokeResult{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return c.translateResponse(req, string(params.Model), msg)
}

func (c *Client) params(req engine.InvokeRequest) sdk.MessageNewParams {
	p := prompt.Build(req)
	model := c.model
	if m, ok := c.models[req.Agent.Name]; ok && m != "" {
		model = m
	}
	msgs := make([]sdk.MessageParam, 0, len(p.Turns))
	for _, t := range p.Turns {
		if t.User {
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(t.Text)))
			continue
		}
		msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Text)))
	}
	params := sdk.MessageNewParams{
		MaxTokens: c.maxTok,
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if p.System != "" {
		params.System = []sdk.TextBlockParam{{Text: p.System}}
	}
	if c.temp != 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return params
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func (c *Client) translateResponse(req engine.InvokeRequest, model string, msg *sdk.Message) (engine.InvokeResult, error) {
	if msg == nil {
		return engine.InvokeResult{}, errors.New("anthropic: response message is nil")
	}
	agent := req.Agent.Name
	var res engine.InvokeResult
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			res.Events = append(res.Events, prompt.Decode(agent, req.Agent.AcceptsStructuredOutput, block.Text)...)
		case "tool_use":
			res.Events = append(res.Events, event.ToolCall{
				Agent:  agent,
				ToolID: block.ID,
				Name:   block.Name,
				Args:   block.Input,
			})
		}
	}
	if msg.Model != "" {
		model = string(msg.Model)
	}
	res.Usage = event.Usage{
		Model:        model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Cost:         c.pricing.Cost(msg.Usage.InputTokens, msg.Usage.OutputTokens),
	}
	return res, nil
}
