// Package metrics records archive pipeline and active store activity
// as Prometheus metrics. A nil *Recorder is valid and records nothing,
// so components can be built without metrics in tests.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wankr"

// Recorder holds the Prometheus collectors plus an in-process snapshot
// of the headline counters for publishers that cannot scrape.
type Recorder struct {
	archives      *prometheus.CounterVec
	discards      prometheus.Counter
	annotations   *prometheus.CounterVec
	trainingPairs prometheus.Counter
	evictions     prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepLast     prometheus.Gauge
	rotations     *prometheus.CounterVec

	archived           atomic.Int64
	discarded          atomic.Int64
	annotationFailures atomic.Int64
	pairs              atomic.Int64
	lastSweep          atomic.Int64 // unix seconds
}

// New creates a Recorder and registers its collectors with reg. A nil
// reg skips registration.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_total",
			Help:      "Conversations durably archived, by kind (archived or deleted).",
		}, []string{"kind"}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_discards_total",
			Help:      "Conversations discarded below the exchange threshold.",
		}),
		annotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Annotation runs by outcome.",
		}, []string{"outcome"}),
		trainingPairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_pairs_total",
			Help:      "Training pairs written to the training store.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_evictions_total",
			Help:      "Active chats evicted by the per-user cap.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Stale active chats removed by the sweep.",
		}),
		sweepLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capped_folder_evictions_total",
			Help:      "Files deleted by capped folder rotation, by category.",
		}, []string{"category"}),
	}
	if reg != nil {
		reg.MustRegister(r.archives, r.discards, r.annotations, r.trainingPairs,
			r.evictions, r.sweepRemoved, r.sweepLast, r.rotations)
	}
	return r
}

// Outcome labels for annotation runs.
const (
	OutcomeOK = "ok"
)

// Archived counts a durable archive of the given kind.
func (r *Recorder) Archived(kind string) {
	if r == nil {
		return
	}
	r.archives.WithLabelValues(kind).Inc()
	r.archived.Add(1)
}

// Discarded counts a below-threshold discard.
func (r *Recorder) Discarded() {
	if r == nil {
		return
	}
	r.discards.Inc()
	r.discarded.Add(1)
}

// Annotation counts one annotation run. Any outcome other than
// [OutcomeOK] is a failure.
func (r *Recorder) Annotation(outcome string) {
	if r == nil {
		return
	}
	r.annotations.WithLabelValues(outcome).Inc()
	if outcome != OutcomeOK {
		r.annotationFailures.Add(1)
	}
}

// TrainingPairs counts n training pairs written.
func (r *Recorder) TrainingPairs(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.trainingPairs.Add(float64(n))
	r.pairs.Add(int64(n))
}

// Evicted counts an active chat pushed out by the cap.
func (r *Recorder) Evicted() {
	if r == nil {
		return
	}
	r.evictions.Inc()
}

// Swept records a completed sweep that removed n chats.
func (r *Recorder) Swept(n int, at time.Time) {
	if r == nil {
		return
	}
	if n > 0 {
		r.sweepRemoved.Add(float64(n))
	}
	r.sweepLast.Set(float64(at.Unix()))
	r.lastSweep.Store(at.Unix())
}

// Rotated counts a file deleted by capped folder rotation.
func (r *Recorder) Rotated(category string) {
	if r == nil {
		return
	}
	r.rotations.WithLabelValues(category).Inc()
}

// Snapshot is a point-in-time copy of the headline counters.
type Snapshot struct {
	Archived           int64
	Discarded          int64
	AnnotationFailures int64
	TrainingPairs      int64
	LastSweep          time.Time
}

// Snapshot returns the current headline counters.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Archived:           r.archived.Load(),
		Discarded:          r.discarded.Load(),
		AnnotationFailures: r.annotationFailures.Load(),
		TrainingPairs:      r.pairs.Load(),
	}
	if ts := r.lastSweep.Load(); ts > 0 {
		s.LastSweep = time.Unix(ts, 0).UTC()
	}
	return s
}
