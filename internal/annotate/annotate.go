// Package annotate talks to the external annotation service that turns
// a conversation transcript into topics, style notes, suggested
// improvements, and clean user/assistant training pairs.
//
// Every failure is reported as an *Error carrying a [Kind], so callers
// can record what went wrong without inspecting transport details.
package annotate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

// Annotation is the structured result of one annotation call.
type Annotation struct {
	Topics        []string       `json:"topics"`
	UserStyle     string         `json:"userStyle"`
	Improvements  []string       `json:"improvements"`
	TrainingPairs []TrainingPair `json:"trainingPairs,omitempty"`
}

// TrainingPair is one prompt/response example extracted from a chat.
type TrainingPair struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Annotator calls the annotation service. The credential is supplied
// per call by whoever asked for the archive.
type Annotator interface {
	Annotate(ctx context.Context, credential string, messages []chat.Message) (*Annotation, error)
}

// Kind classifies an annotation failure.
type Kind string

const (
	KindNoCredential Kind = "no credential"
	KindService      Kind = "service error"
	KindParse        Kind = "parse error"
)

// Error is returned by every Annotator in this package.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoCredential is returned when no credential was supplied.
var ErrNoCredential = &Error{Kind: KindNoCredential, Err: errors.New("annotation credential not configured")}

// KindOf returns the Kind of err, treating anything that is not an
// *Error as a service error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindService
}

func serviceError(format string, args ...any) error {
	return &Error{Kind: KindService, Err: fmt.Errorf(format, args...)}
}

func parseError(format string, args ...any) error {
	return &Error{Kind: KindParse, Err: fmt.Errorf(format, args...)}
}
