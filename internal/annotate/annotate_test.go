package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

var transcript = []chat.Message{
	{Role: "user", Content: "how do I rotate logs?"},
	{Role: "assistant", Content: "use a capped folder"},
}

const goodBody = `{
	"topics": ["logging", "ops"],
	"userStyle": "terse",
	"improvements": ["give an example"],
	"trainingPairs": [
		{"user": "how do I rotate logs?", "assistant": "use a capped folder"},
		{"user": "", "assistant": "orphan"}
	]
}`

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		wantPairs int
		wantStyle string
	}{
		{name: "plain", body: goodBody, wantPairs: 1, wantStyle: "terse"},
		{name: "fenced", body: "```json\n" + goodBody + "\n```", wantPairs: 1, wantStyle: "terse"},
		{name: "snake case", body: `{"user_style":"chatty","training_pairs":[{"user":"a","assistant":"b"}]}`, wantPairs: 1, wantStyle: "chatty"},
		{name: "only topics", body: `{"topics":[]}`},
		{name: "empty object", body: `{}`, wantErr: true},
		{name: "foreign object", body: `{"error":"quota exceeded"}`, wantErr: true},
		{name: "not json", body: `topics: logging`, wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "pairs not array", body: `{"trainingPairs":"none"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if KindOf(err) != KindParse {
					t.Errorf("kind = %q, want %q", KindOf(err), KindParse)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(a.TrainingPairs) != tt.wantPairs {
				t.Errorf("pairs = %d, want %d", len(a.TrainingPairs), tt.wantPairs)
			}
			if a.UserStyle != tt.wantStyle {
				t.Errorf("userStyle = %q, want %q", a.UserStyle, tt.wantStyle)
			}
			if a.Topics == nil || a.Improvements == nil {
				t.Error("topics and improvements should be non-nil")
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(ErrNoCredential) != KindNoCredential {
		t.Error("ErrNoCredential kind")
	}
	wrapped := fmt.Errorf("outer: %w", parseError("bad"))
	if KindOf(wrapped) != KindParse {
		t.Error("wrapped parse error kind")
	}
	if KindOf(errors.New("other")) != KindService {
		t.Error("foreign errors should be service errors")
	}
}

func TestHTTPClient_Success(t *testing.T) {
	var gotAuth string
	var gotReq httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(goodBody))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, nil)
	a, err := c.Annotate(context.Background(), "secret", transcript)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[1].Role != "assistant" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
	if len(a.Topics) != 2 || a.Topics[0] != "logging" {
		t.Errorf("topics = %v", a.Topics)
	}
}

func TestHTTPClient_Failures(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		status     int
		body       string
		want       Kind
	}{
		{"no credential", "", 200, goodBody, KindNoCredential},
		{"server error", "k", 502, "bad gateway", KindService},
		{"unauthorized", "k", 401, "nope", KindService},
		{"malformed", "k", 200, "<html>", KindParse},
		{"off contract", "k", 200, `{"error":"quota exceeded"}`, KindParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, nil, nil).Annotate(context.Background(), tt.credential, transcript)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.want, err)
			}
			if tt.want == KindNoCredential && calls != 0 {
				t.Errorf("service called %d times without credential", calls)
			}
		})
	}
}

func TestHTTPClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, nil, nil).Annotate(context.Background(), "k", transcript)
	if KindOf(err) != KindService {
		t.Errorf("kind = %q, want service error (err: %v)", KindOf(err), err)
	}
}

func TestChatClient_Success(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		content, _ := json.Marshal("```json\n" + goodBody + "\n```")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, content)
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL+"/v1", "test-model", nil, nil)
	a, err := c.Annotate(context.Background(), "sk-test", transcript)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/chat/completions") {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(a.TrainingPairs) != 1 {
		t.Errorf("pairs = %d, want 1", len(a.TrainingPairs))
	}
}

func TestChatClient_Errors(t *testing.T) {
	if _, err := NewChatClient("", "m", nil, nil).Annotate(context.Background(), "", transcript); KindOf(err) != KindNoCredential {
		t.Errorf("missing credential kind = %q", KindOf(err))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL+"/v1", "m", nil, nil).Annotate(context.Background(), "k", transcript)
	if KindOf(err) != KindService {
		t.Errorf("rate limit kind = %q, want service error", KindOf(err))
	}
}

func TestBuildTranscript_Truncates(t *testing.T) {
	long := strings.Repeat("x", 1000)
	var msgs []chat.Message
	for i := 0; i < 100; i++ {
		msgs = append(msgs, chat.Message{Role: "user", Content: long})
	}
	got := buildTranscript(msgs)
	if !strings.HasSuffix(got, "(truncated)\n") {
		t.Error("long transcript not marked truncated")
	}
	if len(got) > maxTranscriptBytes+1100 {
		t.Errorf("transcript length %d exceeds cap", len(got))
	}
}
