package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/config"
	"github.com/gitNoodler/wankr-sub000/internal/httpkit"
)

// maxTranscriptBytes caps the transcript embedded in the prompt.
const maxTranscriptBytes = 32000

const systemPrompt = `You review chat transcripts between a user and an assistant and prepare them for training.
Respond with a single JSON object and nothing else, using exactly these keys:
  "topics": array of short topic strings,
  "userStyle": one sentence describing how the user writes,
  "improvements": array of concrete ways the assistant could have answered better,
  "trainingPairs": array of {"user": ..., "assistant": ...} objects holding clean, self-contained exchanges worth training on.
Use an empty array when there is nothing to report.`

// ChatClient annotates through an OpenAI-compatible chat completion
// endpoint, instructing the model to reply in the annotation shape.
type ChatClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChatClient creates a client for baseURL (empty means the OpenAI
// default) using model.
func NewChatClient(baseURL, model string, httpClient *http.Client, logger *slog.Logger) *ChatClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger.With("annotator", "openai", "model", model),
	}
}

// Annotate implements [Annotator].
func (c *ChatClient) Annotate(ctx context.Context, credential string, messages []chat.Message) (*Annotation, error) {
	if credential == "" {
		return nil, ErrNoCredential
	}

	cfg := openai.DefaultConfig(credential)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	cfg.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(cfg)

	transcript := buildTranscript(messages)
	c.logger.Log(ctx, config.LevelTrace, "annotation prompt", "transcript", transcript)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return nil, serviceError("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, parseError("chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	c.logger.Log(ctx, config.LevelTrace, "annotation reply", "content", content)

	return Parse([]byte(content))
}

// buildTranscript renders messages one per line, truncated at
// maxTranscriptBytes.
func buildTranscript(messages []chat.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		if b.Len() > maxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}
