package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	genai "google.golang.org/genai"

	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/errmodel"
)

const defaultModel = "gemini-2.5-flash-lite"

type clientWrapper struct {
	client *genai.Client
	model  string
}

func (c *clientWrapper) Name() string { return "gemini" }

func (c *clientWrapper) StreamCompletion(ctx context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		model := c.model
		if req.Model != "" {
			model = req.Model
		}
		contents, cfg, err := buildRequest(req)
		if err != nil {
			yield(llm.Chunk{}, errmodel.Validation("invalid_request", err.Error(), nil))
			return
		}
		resp := llm.Response{Model: model}
		var text strings.Builder
		for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				yield(llm.Chunk{}, errmodel.Model("completion_failed", "gemini stream failed", map[string]any{"model": model}, err))
				return
			}
			if chunk.UsageMetadata != nil {
				resp.Usage = llm.Usage{
					InputTokens:  int64(chunk.UsageMetadata.PromptTokenCount),
					OutputTokens: int64(chunk.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				switch {
				case part.FunctionCall != nil:
					resp.ToolCalls = append(resp.ToolCalls, toToolCall(part.FunctionCall))
				case part.Text != "" && !part.Thought:
					text.WriteString(part.Text)
					if !yield(llm.Chunk{TextDelta: part.Text}, nil) {
						return
					}
				}
			}
		}
		resp.Text = text.String()
		yield(llm.Chunk{Done: true, Response: &resp}, nil)
	}
}

func toToolCall(fc *genai.FunctionCall) llm.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: id, Name: fc.Name, Args: args}
}

func buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, nil, fmt.Errorf("tool %q: parameters: %w", t.Name, err)
				}
				fd.ParametersJsonSchema = schema
			}
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, fd)
		}
		cfg.Tools = []*genai.Tool{tool}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		case llm.RoleAssistant:
			var parts []*genai.Part
			if m.Text != "" {
				parts = append(parts, genai.NewPartFromText(m.Text))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}})
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case llm.RoleTool:
			out := map[string]any{}
			var v any
			if err := json.Unmarshal([]byte(m.Text), &v); err == nil {
				out["output"] = v
			} else {
				out["output"] = m.Text
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.Name, Response: out}}
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		}
	}
	return contents, cfg, nil
}

// Factory creates a Gemini client using GOOGLE_API_KEY by default.
func Factory(ctx context.Context, cfg map[string]any) (llm.Client, error) { // nolint: revive
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY or cfg.api_key")
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: v}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	return &clientWrapper{client: client, model: model}, nil
}

func init() {
	_ = llm.Register("gemini", Factory)
}
