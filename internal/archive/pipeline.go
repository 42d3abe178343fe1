// Package archive turns ending conversations into durable artifacts.
//
// [Pipeline.Process] gates a chat on its exchange count, writes the
// snapshot to the uncapped permanent store and a capped raw buffer,
// and then hands annotation to a background task. Only a permanent
// write failure reaches the caller. Every other failure is captured as
// an [ErrorRecord] in the capped errors folder.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gitNoodler/wankr-sub000/internal/annotate"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
	"github.com/gitNoodler/wankr-sub000/internal/paths"
	"github.com/gitNoodler/wankr-sub000/internal/record"
)

// Defaults used when Config fields are zero.
const (
	DefaultMinExchanges  = 5
	DefaultBufferCap     = 10
	DefaultMaxConcurrent = 4
)

// ErrPermanentWrite wraps a failure to write the permanent copy.
var ErrPermanentWrite = errors.New("permanent write failed")

// Config tunes a Pipeline.
type Config struct {
	// MinExchanges is the gate. Chats with fewer exchanges are
	// discarded without any write.
	MinExchanges int
	// BufferCap is the file count kept in each capped folder.
	BufferCap int
	// MaxConcurrent bounds in-flight annotation calls.
	MaxConcurrent int
	Roles         chat.Roles
}

func (c *Config) applyDefaults() {
	if c.MinExchanges <= 0 {
		c.MinExchanges = DefaultMinExchanges
	}
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultBufferCap
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if len(c.Roles.Human) == 0 && len(c.Roles.Agent) == 0 {
		c.Roles = chat.DefaultRoles()
	}
}

// Pipeline archives chats. It is safe for concurrent use.
type Pipeline struct {
	layout    *paths.Layout
	cfg       Config
	annotator annotate.Annotator
	logger    *slog.Logger
	metrics   *metrics.Recorder

	archived  *record.CappedFolder
	deleted   *record.CappedFolder
	annotated *record.CappedFolder
	errorLog  *record.CappedFolder

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	now func() time.Time
}

// New creates a Pipeline writing under layout. rec may be nil.
func New(layout *paths.Layout, cfg Config, annotator annotate.Annotator, logger *slog.Logger, rec *metrics.Recorder) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		layout:    layout,
		cfg:       cfg,
		annotator: annotator,
		logger:    logger.With("component", "archive"),
		metrics:   rec,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:       time.Now,
	}
	p.archived = p.capped(paths.Archived)
	p.deleted = p.capped(paths.Deleted)
	p.annotated = p.capped(paths.Annotated)
	p.errorLog = p.capped(paths.Errors)
	return p
}

func (p *Pipeline) capped(c paths.Category) *record.CappedFolder {
	return &record.CappedFolder{
		Dir:      p.layout.Dir(c),
		MaxFiles: p.cfg.BufferCap,
		OnEvict: func(path string) {
			p.logger.Debug("rotated record out", "category", c, "path", path)
			p.metrics.Rotated(string(c))
		},
	}
}

// Result describes what Process did.
type Result struct {
	Discarded     bool
	Exchanges     int
	PermanentPath string
	// BufferPath is empty when the raw buffer write failed.
	BufferPath string
	// Annotation tracks the background annotation step. It is nil for
	// discarded chats.
	Annotation *Task
}

// Process archives c on behalf of username. isDelete selects the
// deleted raw buffer instead of the archived one. The credential is
// passed to the annotator untouched.
//
// Process returns once the permanent and raw buffer writes are done;
// annotation continues in the background, detached from ctx
// cancellation. The only error returned wraps [ErrPermanentWrite].
func (p *Pipeline) Process(ctx context.Context, c chat.Chat, isDelete bool, username, credential string) (*Result, error) {
	log := p.logger.With("user", username, "chat", c.ID)

	n := p.cfg.Roles.ExchangeCount(c.Messages)
	if n < p.cfg.MinExchanges {
		log.Debug("chat below exchange threshold, discarding",
			"exchanges", n, "min", p.cfg.MinExchanges)
		p.metrics.Discarded()
		return &Result{Discarded: true, Exchanges: n}, nil
	}

	snap := RawRecord{
		ID:        c.ID,
		Messages:  append([]chat.Message(nil), c.Messages...),
		CreatedAt: c.CreatedAt,
		Name:      c.Name,
		Username:  username,
	}
	now := p.now()

	permDir := filepath.Join(p.layout.Dir(paths.Permanent), paths.Sanitize(username))
	permPath, err := record.WriteFile(permDir, record.FileName(now, username+"-"+c.Name), snap)
	if err != nil {
		log.Error("permanent write failed", "error", err)
		p.recordError(c.Name, ErrorPermanentWrite, err)
		return nil, fmt.Errorf("%w: %w", ErrPermanentWrite, err)
	}

	kind, buffer := "archived", p.archived
	if isDelete {
		kind, buffer = "deleted", p.deleted
	}
	bufPath, err := buffer.Write(c.ID, snap)
	if err != nil {
		// A rotation error still leaves the new file in place.
		log.Warn("raw buffer write failed", "buffer", kind, "error", err)
		p.recordError(c.Name, ErrorBufferWrite, err)
	}

	p.metrics.Archived(kind)
	log.Info("chat archived", "kind", kind, "exchanges", n, "path", permPath)

	task := p.schedule(context.WithoutCancel(ctx), snap, credential)

	return &Result{
		Exchanges:     n,
		PermanentPath: permPath,
		BufferPath:    bufPath,
		Annotation:    task,
	}, nil
}

// Wait blocks until every scheduled annotation task has finished or
// ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordError appends an ErrorRecord. A failure to write it is only
// logged.
func (p *Pipeline) recordError(chatName, errType string, cause error) {
	rec := ErrorRecord{
		ChatName:         chatName,
		ErrorType:        errType,
		ErrorDescription: cause.Error(),
		Timestamp:        p.now().UTC(),
	}
	if _, err := p.errorLog.Write(chatName, rec); err != nil {
		p.logger.Error("failed to write error record",
			"chat_name", chatName, "error_type", errType, "error", err)
	}
}
