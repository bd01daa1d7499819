package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"startrails/internal/storage"
	"startrails/internal/trails"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer collects log output written from the worker goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeEngine records requests and reports progress for the configured number of steps.
type fakeEngine struct {
	mu       sync.Mutex
	steps    int
	release  chan struct{}
	imageReq trails.ImageRequest
	videoReq trails.VideoRequest
	skipped  []*trails.DecodeError
	err      error
}

func (f *fakeEngine) wait(ctx context.Context) error {
	if f.release == nil {
		return nil
	}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeEngine) CompositeImage(ctx context.Context, req trails.ImageRequest) (trails.ImageResult, error) {
	f.mu.Lock()
	f.imageReq = req
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return trails.ImageResult{}, err
	}
	report(req.OnProgress, f.steps)
	return trails.ImageResult{Output: req.Output, Total: f.steps, Used: f.steps - len(f.skipped), Skipped: f.skipped}, f.err
}

func (f *fakeEngine) CompositeVideo(ctx context.Context, req trails.VideoRequest) (trails.VideoResult, error) {
	f.mu.Lock()
	f.videoReq = req
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return trails.VideoResult{}, err
	}
	report(req.OnProgress, f.steps)
	return trails.VideoResult{Output: req.Output, Frames: f.steps, FPS: req.FPS, Length: time.Second}, f.err
}

func report(fn trails.ProgressFunc, steps int) {
	if fn == nil {
		return
	}
	for i := 1; i <= steps; i++ {
		fn(i, steps)
	}
}

func collectUntilDone(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed before run finished: %+v", events)
			events = append(events, ev)
			if ev.Done() {
				return events
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for run to finish", "%+v", events)
		}
	}
}

func TestPipelineRunsImageJob(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	eng := &fakeEngine{steps: 3, skipped: []*trails.DecodeError{{Index: 1, Path: "b.jpg", Err: errors.New("corrupt")}}}
	p := New(context.Background(), quietLogger(), store, NewRouter(quietLogger(), store, eng, RouterConfig{}))
	defer p.Stop()

	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "run-1", Type: JobImage, Pattern: "*.jpg", Output: "trail.jpg"}))
	got := collectUntilDone(t, events)

	assert.Equal(t, EventQueued, got[0].Type)
	last := got[len(got)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, 2, last.Meta["used"])
	assert.Contains(t, got, Event{Type: EventProgress, JobID: "run-1", Mode: JobImage, Current: 3, Total: 3})

	rec, err := store.Run("run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	skipped, err := store.SkippedImages("run-1")
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "corrupt", skipped[0].Reason)
}

func TestPipelineLogsStoreFailures(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p := New(context.Background(), logger, store, NewRouter(logger, store, &fakeEngine{steps: 1}, RouterConfig{}))
	defer p.Stop()

	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "run-2", Type: JobImage, Pattern: "*.jpg", Output: "trail.jpg"}))
	got := collectUntilDone(t, events)
	assert.Equal(t, EventCompleted, got[len(got)-1].Type, "store failures must not fail the run")

	out := logs.String()
	assert.Contains(t, out, "failed to record queued run")
	assert.Contains(t, out, "failed to record run start")
	assert.Contains(t, out, "failed to record run result")
	assert.Contains(t, out, "level=WARN")
}

func TestPipelineRefusesConcurrentRuns(t *testing.T) {
	eng := &fakeEngine{steps: 1, release: make(chan struct{})}
	p := New(context.Background(), quietLogger(), nil, NewRouter(quietLogger(), nil, eng, RouterConfig{}))
	defer p.Stop()

	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "a", Type: JobImage, Pattern: "*.jpg", Output: "a.jpg"}))
	assert.True(t, p.Busy())
	assert.ErrorIs(t, p.Submit(Job{ID: "b", Type: JobImage, Pattern: "*.jpg", Output: "b.jpg"}), ErrBusy)

	close(eng.release)
	collectUntilDone(t, events)

	require.Eventually(t, func() bool { return !p.Busy() }, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Submit(Job{ID: "c", Type: JobImage, Pattern: "*.jpg", Output: "c.jpg"}))
}

func TestPipelineReportsFailure(t *testing.T) {
	eng := &fakeEngine{err: trails.ErrNoValidImages}
	p := New(context.Background(), quietLogger(), nil, NewRouter(quietLogger(), nil, eng, RouterConfig{}))
	defer p.Stop()

	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "x", Type: JobVideo, Pattern: "*.jpg", Output: "x.mp4"}))
	got := collectUntilDone(t, events)
	last := got[len(got)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, trails.ErrNoValidImages.Error(), last.Error)
}

func TestStopCancelsRunningJob(t *testing.T) {
	eng := &fakeEngine{release: make(chan struct{})}
	p := New(context.Background(), quietLogger(), nil, NewRouter(quietLogger(), nil, eng, RouterConfig{}))

	events, _ := p.Subscribe()
	require.NoError(t, p.Submit(Job{ID: "x", Type: JobImage, Pattern: "*.jpg", Output: "x.jpg"}))
	p.Stop()

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, context.Canceled.Error(), last.Error)
	assert.ErrorIs(t, p.Submit(Job{ID: "y", Type: JobImage}), ErrStopped)
}
