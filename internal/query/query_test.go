package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"

	openai "github.com/openai/openai-go/v3"
)

func TestPrompt(t *testing.T) {
	now := time.Date(2026, time.March, 5, 15, 4, 0, 0, time.UTC)
	got := Prompt("what is the capital of france", now)

	for _, part := range []string{
		"Today's date is Thursday, March 5, 2026",
		"the current time is 3:04 PM",
		"2-3 sentences maximum",
		"Question: what is the capital of france",
	} {
		if !strings.Contains(got, part) {
			t.Errorf("prompt %q missing %q", got, part)
		}
	}

	req := NewRequest("hi", now)
	if req.Temperature != 0.7 || req.MaxTokens != 150 {
		t.Errorf("request = %+v", req)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransportKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindNetwork},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "api"}, KindNetwork},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportKind(tt.err); got != tt.want {
				t.Errorf("transportKind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusKind(t *testing.T) {
	tests := map[int]Kind{
		401: KindAuth,
		403: KindAuth,
		429: KindQuota,
		503: KindNetwork,
		500: KindUnknown,
	}
	for code, want := range tests {
		if got := statusKind(code); got != want {
			t.Errorf("statusKind(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("route: %w", &Error{Kind: KindQuota, Message: "x"})
	if got := KindOf(err); got != KindQuota {
		t.Errorf("KindOf = %v, want quota", got)
	}
	if got := KindOf(errors.New("x")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want unknown", got)
	}
	if _, err := (Unconfigured{}).Query(context.Background(), Request{}); KindOf(err) != KindAuth {
		t.Errorf("Unconfigured kind = %v, want auth", KindOf(err))
	}
}

func openAIServer(t *testing.T, status int, body any) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)

	return &OpenAI{
		client: openai.NewClient(
			option.WithAPIKey("test"),
			option.WithBaseURL(srv.URL),
			option.WithMaxRetries(0),
		),
		model: DefaultOpenAIModel,
	}
}

func TestOpenAIQuery(t *testing.T) {
	o := openAIServer(t, http.StatusOK, map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": " Paris is the capital. "},
		}},
	})

	resp, err := o.Query(context.Background(), NewRequest("capital of france", time.Now()))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text != "Paris is the capital." {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   Kind
	}{
		{"unauthorized", 401, map[string]any{"error": map[string]any{"message": "bad key", "type": "invalid_request_error"}}, KindAuth},
		{"rate limited", 429, map[string]any{"error": map[string]any{"message": "quota", "type": "insufficient_quota"}}, KindQuota},
		{"no choices", 200, map[string]any{"id": "x", "object": "chat.completion", "choices": []any{}}, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := openAIServer(t, tt.status, tt.body)
			_, err := o.Query(context.Background(), NewRequest("q", time.Now()))
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}
