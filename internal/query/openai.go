package query

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultOpenAIModel = openai.ChatModelGPT4oMini

type OpenAI struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAI builds a chat-completions backend. httpClient may be nil.
func NewOpenAI(apiKey, model string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	m := openai.ChatModel(model)
	if m == "" {
		m = DefaultOpenAIModel
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  m,
	}
}

func (o *OpenAI) Query(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Model:       o.model,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAI(err)
	}

	if len(resp.Choices) == 0 {
		return Response{}, &Error{Kind: KindMalformed, Message: "no choices in response"}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Response{}, &Error{Kind: KindMalformed, Message: "empty message content"}
	}

	return Response{Text: text}, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: statusKind(apiErr.StatusCode), Message: "chat completion", Err: err}
	}
	return &Error{Kind: transportKind(err), Message: "chat completion", Err: err}
}
