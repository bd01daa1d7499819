package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"startrails/internal/logging"
	"startrails/internal/storage"
	"startrails/internal/trails"
)

// JobType enumerates supported compositing modes.
type JobType string

const (
	JobImage JobType = "image"
	JobVideo JobType = "video"
)

var (
	// ErrBusy is returned by Submit while another run is queued or running.
	ErrBusy = errors.New("a compositing run is already in progress")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// Job represents a single compositing request.
type Job struct {
	ID      string         `json:"id"`
	Type    JobType        `json:"type"`
	Pattern string         `json:"pattern"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job, reporting progress as it goes.
type Processor interface {
	Process(ctx context.Context, job Job, progress trails.ProgressFunc) Result
}

// EventType names the lifecycle stage an Event reports.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is broadcast to subscribers for every state change of a run.
type Event struct {
	Type    EventType      `json:"type"`
	JobID   string         `json:"job_id"`
	Mode    JobType        `json:"mode"`
	Current int            `json:"current,omitempty"`
	Total   int            `json:"total,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Done reports whether e ends its run.
func (e Event) Done() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Pipeline runs one compositing job at a time on a single worker. The canvas of a run
// can be large, so concurrent runs are refused rather than queued.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once

	mu        sync.Mutex
	active    int
	stopped   bool
	subs      map[int]chan Event
	nextSubID int
}

// New starts the worker. store may be nil.
func New(ctx context.Context, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		store:     store,
		jobs:      make(chan Job, 1),
		cancel:    cancel,
		subs:      make(map[int]chan Event),
	}
	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// Submit queues job, refusing with ErrBusy while another run is active.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.active > 0 {
		p.mu.Unlock()
		return ErrBusy
	}
	p.active++
	p.mu.Unlock()

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Mode:        string(job.Type),
			Status:      "queued",
			Pattern:     job.Pattern,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		}
	}

	p.broadcast(Event{Type: EventQueued, JobID: job.ID, Mode: job.Type})

	// the send happens under the lock so Stop cannot close jobs in between; it never
	// blocks because active admits a single job
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.active--
		return ErrStopped
	}
	p.jobs <- job
	return nil
}

// Busy reports whether a run is queued or running.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active > 0
}

// Stop cancels the running job, waits for the worker and closes all subscriptions.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(ctx, job)
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogRunStart(p.log, string(job.Type), job.ID, job.Pattern, job.Output, job.Options)
	if p.store != nil {
		if err := p.store.RecordRunStart(job.ID); err != nil {
			p.log.Warn("failed to record run start", "id", job.ID, "error", err)
		}
	}

	// progress leaves the compositor through a non-blocking queue so slow subscribers
	// never stall decoding
	queue := trails.NewProgressQueue(16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for pr := range queue.C() {
			p.broadcast(Event{Type: EventProgress, JobID: job.ID, Mode: job.Type, Current: pr.Current, Total: pr.Total})
		}
	}()

	res := p.processor.Process(ctx, job, queue.Func())
	queue.Close()
	<-drained
	res.Job = job
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogRunError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"pattern": job.Pattern,
			"output":  job.Output,
			"options": job.Options,
		})
		if p.store != nil {
			if err := p.store.RecordRunResult(job.ID, "failed", res.Meta, res.Error.Error()); err != nil {
				p.log.Warn("failed to record run result", "id", job.ID, "status", "failed", "error", err)
			}
		}
		p.broadcast(Event{Type: EventFailed, JobID: job.ID, Mode: job.Type, Meta: res.Meta, Error: res.Error.Error()})
		return
	}

	logging.LogRunComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	if p.store != nil {
		if err := p.store.RecordRunResult(job.ID, "completed", res.Meta, ""); err != nil {
			p.log.Warn("failed to record run result", "id", job.ID, "status", "completed", "error", err)
		}
	}
	p.broadcast(Event{Type: EventCompleted, JobID: job.ID, Mode: job.Type, Meta: res.Meta})
}

// Subscribe returns a channel for receiving run events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			// terminal events must not be lost behind a burst of progress updates
			if ev.Done() {
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
					continue
				default:
				}
			}
			p.log.Warn("event channel full", "subscriber", id, "job", ev.JobID, "event", ev.Type)
		}
	}
}

// NewJobID returns a unique run id prefixed with the mode.
func NewJobID(t JobType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString())
}
