package sweeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gitNoodler/wankr-sub000/internal/active"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/opstate"
)

type fakeSweeper struct {
	calls   atomic.Int32
	removed int
	err     error
}

func (f *fakeSweeper) Sweep() (active.SweepReport, error) {
	f.calls.Add(1)
	return active.SweepReport{Removed: f.removed}, f.err
}

func newState(t *testing.T) *opstate.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := opstate.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunOnce_PersistsState(t *testing.T) {
	state := newState(t)
	target := &fakeSweeper{removed: 3}
	w := New(target, state, nil, Config{})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	report, err := w.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Removed != 3 {
		t.Errorf("removed = %d", report.Removed)
	}
	if got := w.LastRun(); !got.Equal(fixed) {
		t.Errorf("LastRun = %v, want %v", got, fixed)
	}
	if n, _ := state.GetInt(StateNamespace, KeyLastRemoved); n != 3 {
		t.Errorf("last_removed = %d, want 3", n)
	}
}

func TestRunOnce_FailureLeavesState(t *testing.T) {
	state := newState(t)
	w := New(&fakeSweeper{err: errors.New("disk gone")}, state, nil, Config{})

	if _, err := w.RunOnce(); err == nil {
		t.Fatal("expected error")
	}
	if !w.LastRun().IsZero() {
		t.Error("failed sweep recorded as last run")
	}
}

func TestInitialDelay(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		lastRun time.Time
		want    time.Duration
	}{
		{"never run", time.Time{}, 0},
		{"overdue", now.Add(-2 * time.Hour), 0},
		{"exactly due", now.Add(-time.Hour), 0},
		{"recent", now.Add(-10 * time.Minute), 50 * time.Minute},
		{"clock moved back", now.Add(time.Hour), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newState(t)
			if !tt.lastRun.IsZero() {
				state.SetTime(StateNamespace, KeyLastRun, tt.lastRun)
			}
			w := New(&fakeSweeper{}, state, nil, Config{Interval: time.Hour})
			w.now = func() time.Time { return now }
			if got := w.initialDelay(); got != tt.want {
				t.Errorf("initialDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorker_StartupSweep(t *testing.T) {
	target := &fakeSweeper{}
	w := New(target, nil, nil, Config{Interval: time.Hour})

	w.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return target.calls.Load() >= 1 })
	w.Stop()
}

func TestWorker_WaitsWhenRecentlySwept(t *testing.T) {
	state := newState(t)
	state.SetTime(StateNamespace, KeyLastRun, time.Now().Add(-time.Minute))
	target := &fakeSweeper{}
	w := New(target, state, nil, Config{Interval: time.Hour})

	w.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	if n := target.calls.Load(); n != 0 {
		t.Errorf("sweeps = %d, want 0 before interval elapses", n)
	}
}

func TestWorker_PeriodicSweep(t *testing.T) {
	target := &fakeSweeper{}
	w := New(target, newState(t), nil, Config{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	waitFor(t, 5*time.Second, func() bool { return target.calls.Load() >= 3 })
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return within 5 seconds")
	}
}

func TestRunOnce_ActiveStore(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-10 * 24 * time.Hour)
	chats := []chat.Chat{
		{ID: "thin", CreatedAt: old, UpdatedAt: old, Messages: []chat.Message{
			{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"},
		}},
		{ID: "fresh", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}
	data, _ := json.Marshal(chats)
	if err := os.WriteFile(filepath.Join(dir, "alice.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	store := active.NewStore(dir, active.Config{}, nil, nil)
	w := New(store, newState(t), nil, Config{})

	report, err := w.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Removed != 1 || report.Scanned != 2 {
		t.Errorf("report = %+v", report)
	}
	left := store.Load("alice")
	if len(left) != 1 || left[0].ID != "fresh" {
		t.Errorf("remaining = %+v", left)
	}
}
