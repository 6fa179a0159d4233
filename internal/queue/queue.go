// Package queue schedules note enrichment: it admits jobs once the models are
// ready, runs them one at a time in FIFO order and records every state change
// on the note.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/storage"
)

// ErrCancelled is returned by a Runner that stopped because the job was cancelled.
var ErrCancelled = errors.New("processing cancelled")

// Job is one request to enrich a note.
type Job struct {
	NoteID     string    `json:"note_id"`
	Content    string    `json:"content"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Status is a snapshot of the queue.
type Status struct {
	IsProcessing       bool   `json:"is_processing"`
	QueueLength        int    `json:"queue_length"`
	PendingQueueLength int    `json:"pending_queue_length"`
	CurrentJobID       string `json:"current_job_id,omitempty"`
}

// Completion is broadcast once per job when it leaves execution.
type Completion struct {
	NoteID string           `json:"note_id"`
	Status storage.AIStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// SubscriptionID identifies a completion subscriber.
type SubscriptionID uint64

// NoteStore is the persistence the queue needs.
type NoteStore interface {
	SetAIStatus(id string, status storage.AIStatus, errMsg string) error
}

// Runner executes one job. cancelled reports whether the job should stop at
// the next stage boundary.
type Runner interface {
	Run(ctx context.Context, job Job, models inference.Models, cancelled func() bool) error
}

type subscription struct {
	fn      func(Completion)
	removed atomic.Bool
}

// Queue is the enrichment scheduler. At most one job runs at a time.
type Queue struct {
	store  NoteStore
	runner Runner
	logger *slog.Logger

	// ctx bounds model calls for the lifetime of the queue; CancelAll does
	// not touch it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	models    inference.Models
	pending   []Job
	ready     []Job
	current   *Job
	cancelled *atomic.Bool
	rerun     map[string]Job
	closed    bool
	subs      map[SubscriptionID]*subscription
	nextSub   SubscriptionID
	wg        sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue with no models.
func New(store NoteStore, runner Runner, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[SubscriptionID]*subscription),
		rerun:  make(map[string]Job),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetModels replaces the model handles and moves pending jobs to the tail of
// the ready list if the new models admit them.
func (q *Queue) SetModels(m inference.Models) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.models = m
	still, promoted := promote(q.pending, m.Readiness())
	q.pending = still
	q.ready = append(q.ready, promoted...)
	if len(promoted) > 0 {
		q.logger.Info("promoted pending jobs", "count", len(promoted))
	}
	q.startLocked()
}

// Add admits a job unless the note already has a live one. It returns
// whether the job was accepted.
func (q *Queue) Add(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.liveLocked(job.NoteID) {
		return false
	}
	if !q.admitLocked(job) {
		return false
	}
	q.startLocked()
	return true
}

// Requeue is Add for a note whose content changed. A waiting job picks up
// the new content; a running one is run again once it finishes. It returns
// whether a new job was admitted.
func (q *Queue) Requeue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.current != nil && q.current.NoteID == job.NoteID {
		q.rerun[job.NoteID] = job
		q.logger.Debug("note changed while processing, will rerun", "note_id", job.NoteID)
		return false
	}
	for _, list := range [][]Job{q.ready, q.pending} {
		for i := range list {
			if list[i].NoteID == job.NoteID {
				list[i].Content = job.Content
				return false
			}
		}
	}
	if !q.admitLocked(job) {
		return false
	}
	q.startLocked()
	return true
}

// admitLocked marks the note queued and appends the job to the ready or
// pending list.
func (q *Queue) admitLocked(job Job) bool {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := q.store.SetAIStatus(job.NoteID, storage.StatusQueued, ""); err != nil {
		q.logger.Error("failed to mark note queued", "note_id", job.NoteID, "error", err)
		return false
	}

	if q.models.Readiness().Admits() {
		q.ready = append(q.ready, job)
	} else {
		q.pending = append(q.pending, job)
	}
	return true
}

func (q *Queue) liveLocked(noteID string) bool {
	if q.current != nil && q.current.NoteID == noteID {
		return true
	}
	for _, j := range q.ready {
		if j.NoteID == noteID {
			return true
		}
	}
	for _, j := range q.pending {
		if j.NoteID == noteID {
			return true
		}
	}
	return false
}

// Status returns a snapshot without blocking on model work.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{
		IsProcessing:       q.current != nil,
		QueueLength:        len(q.ready),
		PendingQueueLength: len(q.pending),
	}
	if q.current != nil {
		s.CurrentJobID = q.current.NoteID
	}
	return s
}

// CancelAll drops every waiting job, marking its note cancelled, and asks the
// running job to stop at its next stage boundary.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := make([]Job, 0, len(q.pending)+len(q.ready))
	dropped = append(dropped, q.pending...)
	dropped = append(dropped, q.ready...)
	q.pending, q.ready = nil, nil
	clear(q.rerun)

	for _, j := range dropped {
		if err := q.store.SetAIStatus(j.NoteID, storage.StatusCancelled, ""); err != nil {
			q.logger.Error("failed to mark note cancelled", "note_id", j.NoteID, "error", err)
		}
	}
	if q.cancelled != nil {
		q.cancelled.Store(true)
	}
	q.logger.Info("cancelled queued jobs", "count", len(dropped), "running", q.current != nil)
}

// OnProcessingComplete registers fn to be called after each job finishes.
// Callbacks run on the worker goroutine and must not block for long.
func (q *Queue) OnProcessingComplete(fn func(Completion)) SubscriptionID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSub++
	q.subs[q.nextSub] = &subscription{fn: fn}
	return q.nextSub
}

// RemoveProcessingCompleteCallback unregisters a subscriber. Once it returns,
// the callback is not started again; an invocation already running is left
// to finish. It may be called from inside the callback itself.
func (q *Queue) RemoveProcessingCompleteCallback(id SubscriptionID) {
	q.mu.Lock()
	s, ok := q.subs[id]
	delete(q.subs, id)
	q.mu.Unlock()
	if ok {
		s.removed.Store(true)
	}
}

// Close stops admitting jobs, aborts in-flight model calls and waits for the
// worker to exit. Notes of unfinished jobs keep their queued or processing
// status so Recover picks them up on the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// startLocked promotes the head of the ready list to current and spawns the
// worker. It is a no-op while a job is running.
func (q *Queue) startLocked() {
	j, flag, ok := q.nextLocked()
	if !ok {
		return
	}
	q.wg.Add(1)
	go q.work(j, flag)
}

func (q *Queue) nextLocked() (Job, *atomic.Bool, bool) {
	if q.closed || q.current != nil || len(q.ready) == 0 || !q.models.Readiness().Admits() {
		return Job{}, nil, false
	}
	j := q.ready[0]
	q.ready[0] = Job{}
	q.ready = q.ready[1:]

	flag := new(atomic.Bool)
	q.current = &j
	q.cancelled = flag
	if err := q.store.SetAIStatus(j.NoteID, storage.StatusProcessing, ""); err != nil {
		q.logger.Error("failed to mark note processing", "note_id", j.NoteID, "error", err)
	}
	return j, flag, true
}

// work runs jobs until the ready list is empty.
func (q *Queue) work(j Job, flag *atomic.Bool) {
	defer q.wg.Done()
	for {
		c := q.execute(j, flag)
		q.finish(j, c)

		q.mu.Lock()
		next, nextFlag, ok := q.nextLocked()
		q.mu.Unlock()
		if !ok {
			return
		}
		j, flag = next, nextFlag
	}
}

func (q *Queue) execute(j Job, flag *atomic.Bool) (c Completion) {
	c = Completion{NoteID: j.NoteID}

	q.mu.Lock()
	models := q.models
	q.mu.Unlock()

	start := time.Now()
	err := q.safeRun(j, models, flag)
	switch {
	case err == nil:
		c.Status = storage.StatusOrganized
		q.logger.Info("note organized", "note_id", j.NoteID, "duration", time.Since(start))
	case errors.Is(err, ErrCancelled) || flag.Load():
		c.Status = storage.StatusCancelled
		q.logger.Info("note processing cancelled", "note_id", j.NoteID)
	default:
		c.Status = storage.StatusFailed
		c.Error = err.Error()
		q.logger.Warn("note processing failed", "note_id", j.NoteID, "error", err)
	}
	return c
}

func (q *Queue) safeRun(j Job, models inference.Models, flag *atomic.Bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return q.runner.Run(q.ctx, j, models, flag.Load)
}

// finish persists a failed or cancelled outcome, clears current, re-admits
// the note if its content changed during the run and notifies subscribers.
// The runner has already written organized notes itself.
func (q *Queue) finish(j Job, c Completion) {
	q.mu.Lock()
	shuttingDown := q.closed
	q.mu.Unlock()

	// A job aborted by Close keeps its processing status for Recover and is
	// not reported as finished.
	interrupted := shuttingDown && c.Status == storage.StatusFailed
	if !interrupted && c.Status != storage.StatusOrganized {
		if err := q.store.SetAIStatus(j.NoteID, c.Status, c.Error); err != nil {
			q.logger.Error("failed to persist job outcome", "note_id", j.NoteID, "status", c.Status, "error", err)
		}
	}

	q.mu.Lock()
	q.current = nil
	q.cancelled = nil
	next, changed := q.rerun[j.NoteID]
	delete(q.rerun, j.NoteID)
	if changed && !q.closed && c.Status != storage.StatusCancelled {
		q.admitLocked(next)
	}
	subs := q.snapshotSubsLocked()
	q.mu.Unlock()

	if interrupted {
		return
	}

	for _, s := range subs {
		q.notify(s, c)
	}
}

func (q *Queue) snapshotSubsLocked() []*subscription {
	ids := make([]SubscriptionID, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*subscription, len(ids))
	for i, id := range ids {
		out[i] = q.subs[id]
	}
	return out
}

func (q *Queue) notify(s *subscription, c Completion) {
	if s.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("completion callback panicked", "note_id", c.NoteID, "panic", r)
		}
	}()
	s.fn(c)
}
