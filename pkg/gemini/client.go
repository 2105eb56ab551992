// Package gemini is a minimal client for the Google Generative Language
// REST API: text generation with optional search grounding, plus model
// listing. Only the pieces the market-map pipeline consumes are modeled.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client defines the upstream operations used by the orchestrator.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// GenerateRequest is our own request type for GenerateContent.
type GenerateRequest struct {
	Model           string
	System          string
	Messages        []Message
	UseSearch       bool
	Temperature     *float64
	MaxOutputTokens int
	ThinkingBudget  int
}

// Message is a single conversational turn.
type Message struct {
	Role    string // "user" or "model"
	Content string
}

// GenerateResponse is the subset of the generateContent envelope we read.
type GenerateResponse struct {
	Candidates []Candidate `json:"candidates"`
	Usage      Usage       `json:"usageMetadata"`
}

// Candidate is a single generated answer.
type Candidate struct {
	Content      Content            `json:"content"`
	FinishReason string             `json:"finishReason"`
	Grounding    *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// Content holds the generated parts.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one block of generated text.
type Part struct {
	Text string `json:"text"`
}

// GroundingMetadata carries the web citations attached by search grounding.
type GroundingMetadata struct {
	Chunks []GroundingChunk `json:"groundingChunks"`
}

// GroundingChunk is a single cited web source.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

// WebSource identifies a cited page.
type WebSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"promptTokenCount"`
	CandidatesTokens int `json:"candidatesTokenCount"`
	TotalTokens      int `json:"totalTokenCount"`
}

// ModelInfo describes one upstream model.
type ModelInfo struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName"`
	SupportedMethods []string `json:"supportedGenerationMethods"`
	InputTokenLimit  int      `json:"inputTokenLimit"`
	OutputTokenLimit int      `json:"outputTokenLimit"`
}

// SupportsGeneration reports whether the model can serve generateContent.
func (m ModelInfo) SupportsGeneration() bool {
	for _, method := range m.SupportedMethods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}

// ID returns the bare model identifier without the "models/" prefix.
func (m ModelInfo) ID() string {
	return strings.TrimPrefix(m.Name, "models/")
}

// APIError is a non-2xx response from the upstream.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: upstream status %d (%s): %s", e.StatusCode, e.Status, e.Message)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Generative Language API client. Per-call deadlines
// come from the request context; the transport timeout is a backstop.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// wire types for the generateContent request body.

type wireRequest struct {
	SystemInstruction *wireContent   `json:"system_instruction,omitempty"`
	Contents          []wireContent  `json:"contents"`
	Tools             []wireTool     `json:"tools,omitempty"`
	GenerationConfig  *wireGenConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type wireTool struct {
	GoogleSearch struct{} `json:"google_search"`
}

type wireGenConfig struct {
	Temperature     *float64            `json:"temperature,omitempty"`
	MaxOutputTokens int                 `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

func (c *httpClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		return nil, eris.New("gemini: model is required")
	}

	wire := wireRequest{}
	if req.System != "" {
		wire.SystemInstruction = &wireContent{Parts: []Part{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		wire.Contents = append(wire.Contents, wireContent{
			Role:  role,
			Parts: []Part{{Text: m.Content}},
		})
	}
	if req.UseSearch {
		wire.Tools = []wireTool{{}}
	}
	if req.Temperature != nil || req.MaxOutputTokens > 0 || req.ThinkingBudget > 0 {
		gc := &wireGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		}
		if req.ThinkingBudget > 0 {
			gc.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: req.ThinkingBudget}
		}
		wire.GenerationConfig = gc
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: marshal request")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	var result GenerateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "gemini: unmarshal response")
	}

	return &result, nil
}

func (c *httpClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	url := fmt.Sprintf("%s/models?key=%s&pageSize=200", c.baseURL, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create list request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: list models")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: read list response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "gemini: unmarshal list response")
	}

	return result.Models, nil
}

// parseAPIError maps the upstream error envelope onto an APIError. Bodies
// that do not match the envelope are carried verbatim in Message.
func parseAPIError(statusCode int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Status = envelope.Error.Status
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return eris.Wrap(apiErr, "gemini: generate content")
}

// Text concatenates the text parts of the first candidate.
func Text(resp *GenerateResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// GroundingSources returns the cited web sources of the first candidate.
func GroundingSources(resp *GenerateResponse) []WebSource {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Grounding == nil {
		return nil
	}
	var out []WebSource
	for _, chunk := range resp.Candidates[0].Grounding.Chunks {
		if chunk.Web != nil && chunk.Web.URI != "" {
			out = append(out, *chunk.Web)
		}
	}
	return out
}
