package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/errmodel"
)

const (
	defaultModel = "gpt-5-nano"
)

type clientWrapper struct {
	client oa.Client
	model  string
}

func (c *clientWrapper) Name() string { return "openai" }

func (c *clientWrapper) StreamCompletion(ctx context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		model := c.model
		if req.Model != "" {
			model = req.Model
		}
		params, err := buildParams(model, req)
		if err != nil {
			yield(llm.Chunk{}, errmodel.Validation("invalid_request", err.Error(), nil))
			return
		}
		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := oa.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !yield(llm.Chunk{TextDelta: chunk.Choices[0].Delta.Content}, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Chunk{}, errmodel.Model("completion_failed", "openai stream failed", map[string]any{"model": model}, err))
			return
		}
		resp, err := toResponse(model, acc)
		if err != nil {
			yield(llm.Chunk{}, errmodel.Model("bad_tool_call", err.Error(), map[string]any{"model": model}, err))
			return
		}
		yield(llm.Chunk{Done: true, Response: &resp}, nil)
	}
}

func buildParams(model string, req llm.Request) (oa.ChatCompletionNewParams, error) {
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		mm = append(mm, oa.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			mm = append(mm, oa.SystemMessage(m.Text))
		case llm.RoleAssistant:
			mm = append(mm, assistantMessage(m))
		case llm.RoleTool:
			mm = append(mm, oa.ToolMessage(m.Text, m.ToolCallID))
		default:
			mm = append(mm, oa.UserMessage(m.Text))
		}
	}
	params := oa.ChatCompletionNewParams{
		Model:         shared.ChatModel(model),
		Messages:      mm,
		StreamOptions: oa.ChatCompletionStreamOptionsParam{IncludeUsage: oa.Bool(true)},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = oa.Int(int64(req.MaxOutputTokens))
	}
	for _, t := range req.Tools {
		fn := shared.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			fn.Description = oa.String(t.Description)
		}
		if len(t.Parameters) > 0 {
			var p shared.FunctionParameters
			if err := json.Unmarshal(t.Parameters, &p); err != nil {
				return params, fmt.Errorf("tool %q: parameters: %w", t.Name, err)
			}
			fn.Parameters = p
		}
		params.Tools = append(params.Tools, oa.ChatCompletionFunctionTool(fn))
	}
	return params, nil
}

func assistantMessage(m llm.Message) oa.ChatCompletionMessageParamUnion {
	if len(m.ToolCalls) == 0 {
		return oa.AssistantMessage(m.Text)
	}
	msg := oa.ChatCompletionAssistantMessageParam{}
	if m.Text != "" {
		msg.Content.OfString = oa.String(m.Text)
	}
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		msg.ToolCalls = append(msg.ToolCalls, oa.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &oa.ChatCompletionMessageFunctionToolCallParam{
				ID:       tc.ID,
				Function: oa.ChatCompletionMessageFunctionToolCallFunctionParam{Name: tc.Name, Arguments: string(args)},
			},
		})
	}
	return oa.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func toResponse(model string, acc oa.ChatCompletionAccumulator) (llm.Response, error) {
	resp := llm.Response{
		Model: model,
		Usage: llm.Usage{InputTokens: acc.Usage.PromptTokens, OutputTokens: acc.Usage.CompletionTokens},
	}
	if len(acc.Choices) == 0 {
		return resp, nil
	}
	msg := acc.Choices[0].Message
	resp.Text = msg.Content
	for _, tc := range msg.ToolCalls {
		args, err := llm.DecodeArgs(tc.Function.Arguments)
		if err != nil {
			return resp, fmt.Errorf("tool call %s: %w", tc.ID, err)
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return resp, nil
}

// Factory builds the OpenAI client. cfg keys: api_key, model, base_url.
func Factory(ctx context.Context, cfg map[string]any) (llm.Client, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		opts = append(opts, option.WithBaseURL(v))
	}
	return &clientWrapper{client: oa.NewClient(opts...), model: model}, nil
}

func init() {
	_ = llm.Register("openai", Factory)
}
