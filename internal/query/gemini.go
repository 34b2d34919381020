package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string, httpClient *http.Client) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Query(ctx context.Context, req Request) (Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Response{}, classifyGemini(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, &Error{Kind: KindMalformed, Message: "no candidates in response"}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, &Error{Kind: KindMalformed, Message: "empty candidate text"}
	}

	return Response{Text: text}, nil
}

func classifyGemini(err error) error {
	var code int
	var status string

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, status = apiErr.Code, apiErr.Status
	case errors.As(err, &apiErrPtr):
		code, status = apiErrPtr.Code, apiErrPtr.Status
	default:
		return &Error{Kind: transportKind(err), Message: "generate content", Err: err}
	}

	kind := statusKind(code)
	switch status {
	case "RESOURCE_EXHAUSTED":
		kind = KindQuota
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		kind = KindAuth
	}
	if kind == KindUnknown && code == 400 && strings.Contains(strings.ToLower(err.Error()), "api key") {
		kind = KindAuth
	}

	return &Error{Kind: kind, Message: "generate content", Err: err}
}
