package genai

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the generative backend operations used by the report
// pipeline.
type Client interface {
	// Generate issues a plain or schema-constrained call. When a schema is
	// supplied the returned Text is the extracted JSON body.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// GenerateGrounded issues an evidence-gathering call with web search
	// enabled. Schemas are not supported on grounded calls.
	GenerateGrounded(ctx context.Context, req GenerateRequest) (*GroundedResponse, error)
}

// GenerateRequest is the backend-agnostic request shape.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int64
	Schema      *Schema
}

// Schema constrains a response to a JSON object. It is rendered into the
// system prompt and the response body is extracted as JSON; callers still
// validate the decoded structure field by field.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}

// TokenUsage reports token consumption and the precomputed cost of one call.
type TokenUsage struct {
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	EstimatedCost float64
}

// GenerateResponse is the backend-agnostic response shape.
type GenerateResponse struct {
	Text         string
	Usage        TokenUsage
	FinishReason string
}

// GroundingChunk is one external source the backend consulted.
type GroundingChunk struct {
	URL   string
	Title string
}

// GroundingSupport ties a span of generated text to the chunks backing it.
type GroundingSupport struct {
	TextSpan         string
	ChunkIndices     []int
	ConfidenceScores []float64
}

// GroundingMetadata carries the evidence trail of a grounded call.
type GroundingMetadata struct {
	WebSearchQueries []string
	Chunks           []GroundingChunk
	Supports         []GroundingSupport
}

// GroundedResponse extends GenerateResponse with grounding metadata.
type GroundedResponse struct {
	GenerateResponse
	Grounding *GroundingMetadata
}

// PriceFunc computes the USD cost of a call from its token counts.
type PriceFunc func(inputTokens, outputTokens int) float64

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model ID.
func WithModel(model string) Option {
	return func(c *sdkClient) {
		c.model = model
	}
}

// WithPriceFunc sets the cost function used to stamp EstimatedCost on every
// response. Without it costs report as zero.
func WithPriceFunc(fn PriceFunc) Option {
	return func(c *sdkClient) {
		c.price = fn
	}
}

// WithRateLimit throttles outgoing requests to rps requests per second.
// Zero or negative disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *sdkClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMaxSearches bounds web-search invocations per grounded call.
func WithMaxSearches(n int) Option {
	return func(c *sdkClient) {
		c.maxSearches = n
	}
}

const defaultModel = "claude-sonnet-4-5-20250929"

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client      sdk.Client
	model       string
	price       PriceFunc
	limiter     *rate.Limiter
	maxSearches int
}

// NewClient creates a backend client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		client:      sdk.NewClient(option.WithAPIKey(apiKey)),
		model:       defaultModel,
		maxSearches: 5,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "genai: generate")
	}

	resp := &GenerateResponse{
		Text:         collectText(msg),
		Usage:        c.usageOf(msg),
		FinishReason: string(msg.StopReason),
	}
	if req.Schema != nil {
		resp.Text = ExtractJSON(resp.Text)
	}
	return resp, nil
}

func (c *sdkClient) GenerateGrounded(ctx context.Context, req GenerateRequest) (*GroundedResponse, error) {
	if req.Schema != nil {
		return nil, eris.New("genai: grounded calls do not accept a schema")
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.Tools = []sdk.ToolUnionParam{{
		OfWebSearchTool20250305: &sdk.WebSearchTool20250305Param{
			MaxUses: sdk.Int(int64(c.maxSearches)),
		},
	}}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "genai: generate grounded")
	}

	return &GroundedResponse{
		GenerateResponse: GenerateResponse{
			Text:         collectText(msg),
			Usage:        c.usageOf(msg),
			FinishReason: string(msg.StopReason),
		},
		Grounding: extractGrounding(msg),
	}, nil
}

func (c *sdkClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "genai: rate limit wait")
	}
	return nil
}

func (c *sdkClient) buildParams(req GenerateRequest) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	system := req.System
	if req.Schema != nil {
		rendered, err := renderSchema(req.Schema)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		system = system + "\n\n" + rendered
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params, nil
}

func (c *sdkClient) usageOf(msg *sdk.Message) TokenUsage {
	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	u := TokenUsage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}
	if c.price != nil {
		u.EstimatedCost = c.price(in, out)
	}
	return u
}

// renderSchema turns a Schema into a hard output constraint appended to the
// system prompt.
func renderSchema(s *Schema) (string, error) {
	body, err := json.MarshalIndent(map[string]any{
		"type":       "object",
		"properties": s.Properties,
		"required":   s.Required,
	}, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "genai: marshal schema")
	}
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else.")
	if s.Description != "" {
		b.WriteString(" " + s.Description)
	}
	b.WriteString("\nThe object must conform to this JSON schema")
	if s.Name != "" {
		b.WriteString(" (" + s.Name + ")")
	}
	b.WriteString(":\n")
	b.Write(body)
	return b.String(), nil
}

func collectText(msg *sdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// extractGrounding maps web-search tool activity onto grounding metadata.
// Returns nil when the response carries no search evidence.
func extractGrounding(msg *sdk.Message) *GroundingMetadata {
	meta := &GroundingMetadata{}
	chunkIndex := make(map[string]int)

	for _, block := range msg.Content {
		switch block.Type {
		case "server_tool_use":
			var input struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(block.Input, &input); err == nil && input.Query != "" {
				meta.WebSearchQueries = append(meta.WebSearchQueries, input.Query)
			}
		case "text":
			for _, cit := range block.Citations {
				if cit.Type != "web_search_result_location" || cit.URL == "" {
					continue
				}
				idx, ok := chunkIndex[cit.URL]
				if !ok {
					idx = len(meta.Chunks)
					chunkIndex[cit.URL] = idx
					meta.Chunks = append(meta.Chunks, GroundingChunk{
						URL:   cit.URL,
						Title: cit.Title,
					})
				}
				meta.Supports = append(meta.Supports, GroundingSupport{
					TextSpan:     cit.CitedText,
					ChunkIndices: []int{idx},
				})
			}
		}
	}

	if len(meta.Chunks) == 0 && len(meta.WebSearchQueries) == 0 {
		return nil
	}
	return meta
}

// ExtractJSON strips markdown code fences and surrounding prose from a model
// response, returning the innermost JSON object or array text.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	// Fenced block first.
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:] // drop the language tag line
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}

	// Otherwise take the outermost object or array.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start >= 0 && end > start {
			return strings.TrimSpace(text[start : end+1])
		}
	}
	return text
}
