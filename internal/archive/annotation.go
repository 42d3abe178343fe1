package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gitNoodler/wankr-sub000/internal/annotate"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
	"github.com/gitNoodler/wankr-sub000/internal/paths"
	"github.com/gitNoodler/wankr-sub000/internal/record"
)

// Task is a handle on one background annotation run. Its failure is
// already captured in the error log; the handle lets callers observe
// it anyway.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's failure, or nil. It is only meaningful after
// Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// schedule starts the annotation step on its own goroutine. The
// caller never waits for a semaphore slot.
func (p *Pipeline) schedule(ctx context.Context, snap RawRecord, credential string) *Task {
	task := newTask()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			task.finish(err)
			return
		}
		defer p.sem.Release(1)
		task.finish(p.annotateSnapshot(ctx, snap, credential))
	}()
	return task
}

// annotateSnapshot runs the annotation call and writes its outputs.
// Every failure is recorded once in the error log and returned.
func (p *Pipeline) annotateSnapshot(ctx context.Context, snap RawRecord, credential string) error {
	log := p.logger.With("user", snap.Username, "chat", snap.ID)

	if credential == "" {
		log.Info("no annotation credential, skipping annotation")
		p.metrics.Annotation(outcomeLabel(annotate.KindNoCredential))
		p.recordError(snap.Name, string(annotate.KindNoCredential), annotate.ErrNoCredential)
		return annotate.ErrNoCredential
	}

	a, err := p.annotator.Annotate(ctx, credential, snap.Messages)
	if err != nil {
		kind := annotate.KindOf(err)
		log.Warn("annotation failed", "kind", kind, "error", err)
		p.metrics.Annotation(outcomeLabel(kind))
		p.recordError(snap.Name, string(kind), err)
		return err
	}

	annotatedRec := AnnotatedRecord{
		ID:        snap.ID,
		Messages:  snap.Messages,
		CreatedAt: snap.CreatedAt,
		Username:  snap.Username,
		Annotation: Summary{
			Topics:       a.Topics,
			UserStyle:    a.UserStyle,
			Improvements: a.Improvements,
		},
	}
	// The annotated copy and the training batch are independent writes;
	// losing one does not skip the other.
	var errs []error
	if _, err := p.annotated.Write(snap.ID, annotatedRec); err != nil {
		log.Warn("annotated write failed", "error", err)
		p.metrics.Annotation(outcomeLabel(ErrorAnnotatedWrite))
		p.recordError(snap.Name, ErrorAnnotatedWrite, err)
		errs = append(errs, err)
	}

	if len(a.TrainingPairs) > 0 {
		path, err := p.writeTraining(snap, a.TrainingPairs)
		if err != nil {
			log.Warn("training pairs write failed", "error", err)
			p.metrics.Annotation(outcomeLabel(ErrorTrainingWrite))
			p.recordError(snap.Name, ErrorTrainingWrite, err)
			errs = append(errs, err)
		} else {
			p.metrics.TrainingPairs(len(a.TrainingPairs))
			log.Info("training pairs written", "pairs", len(a.TrainingPairs), "path", path)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	p.metrics.Annotation(metrics.OutcomeOK)
	log.Debug("annotation complete", "topics", len(a.Topics))
	return nil
}

// writeTraining stores pairs as a new batch file in the uncapped
// training store.
func (p *Pipeline) writeTraining(snap RawRecord, pairs []annotate.TrainingPair) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	now := p.now().UTC()
	batch := TrainingBatch{
		BatchID:   id.String(),
		Username:  snap.Username,
		ChatID:    snap.ID,
		Timestamp: now,
		Pairs:     pairs,
	}
	dir := p.layout.Dir(paths.Training)
	return record.WriteFile(dir, record.FileName(now, snap.Username+"-"+batch.BatchID), batch)
}

// outcomeLabel turns an error type into a metric label value.
func outcomeLabel[T ~string](kind T) string {
	return strings.ReplaceAll(string(kind), " ", "_")
}

