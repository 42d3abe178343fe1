package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/config"
	"github.com/gitNoodler/wankr-sub000/internal/httpkit"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPClient posts transcripts to an annotation endpoint speaking the
// native contract: request {"messages":[...]}, response
// {"topics","userStyle","improvements","trainingPairs"}.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the endpoint at url. A nil
// httpClient gets the shared httpkit defaults.
func NewHTTPClient(url string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		url:        url,
		httpClient: httpClient,
		logger:     logger.With("annotator", "http"),
	}
}

type httpRequest struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Annotate implements [Annotator].
func (c *HTTPClient) Annotate(ctx context.Context, credential string, messages []chat.Message) (*Annotation, error) {
	if credential == "" {
		return nil, ErrNoCredential
	}

	req := httpRequest{Messages: make([]wireMessage, 0, len(messages))}
	for _, m := range messages {
		req.Messages = append(req.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, serviceError("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "annotation request", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, serviceError("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, serviceError("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, serviceError("annotation service returned %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, serviceError("read response: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "annotation response", "body", string(body))

	return Parse(body)
}
