package archive

import (
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/annotate"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

// RawRecord is the immutable snapshot taken when a chat is archived or
// deleted. It is written to the permanent store and a raw buffer.
type RawRecord struct {
	ID        string         `json:"id"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	Name      string         `json:"name"`
	Username  string         `json:"username"`
}

// AnnotatedRecord is a raw snapshot enriched with the annotation
// result, minus the training pairs which are stored separately.
type AnnotatedRecord struct {
	ID         string         `json:"id"`
	Messages   []chat.Message `json:"messages"`
	CreatedAt  time.Time      `json:"createdAt"`
	Username   string         `json:"username"`
	Annotation Summary        `json:"annotation"`
}

// Summary is the descriptive part of an annotation.
type Summary struct {
	Topics       []string `json:"topics"`
	UserStyle    string   `json:"userStyle"`
	Improvements []string `json:"improvements"`
}

// TrainingBatch holds the training pairs produced by one annotation
// run. Each batch is its own file in the training store.
type TrainingBatch struct {
	BatchID   string                  `json:"batchId"`
	Username  string                  `json:"username"`
	ChatID    string                  `json:"chatId"`
	Timestamp time.Time               `json:"timestamp"`
	Pairs     []annotate.TrainingPair `json:"pairs"`
}

// ErrorRecord describes a captured pipeline failure.
type ErrorRecord struct {
	ChatName         string    `json:"chatName"`
	ErrorType        string    `json:"errorType"`
	ErrorDescription string    `json:"errorDescription"`
	Timestamp        time.Time `json:"timestamp"`
}

// Error types written to the error log. The annotation kinds come from
// [annotate.Kind].
const (
	ErrorPermanentWrite = "permanent write failure"
	ErrorBufferWrite    = "buffer write failure"
	ErrorAnnotatedWrite = "annotated write failure"
	ErrorTrainingWrite  = "training write failure"
)
