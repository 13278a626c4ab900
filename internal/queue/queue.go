// Package queue decouples the fast webhook path from slow card rendering:
// a bounded FIFO of immutable jobs, an inflight-ticket set guarding against
// duplicate enqueues, and a fixed pool of workers draining the queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"GreetingCardBot/internal/utils/logger/sl"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when the queue is at capacity. Producers
	// surface this to the user instead of blocking the webhook path.
	ErrQueueFull = errors.New("job queue is full")
	// ErrInflight is returned when a job for the same ticket is already
	// queued or being processed (a duplicate confirm tap).
	ErrInflight = errors.New("job for this ticket is already in flight")
)

// Ticket identifies one logical generation request. Seq is the session's
// sequence counter at enqueue time; bumping it on restart orphans the job.
type Ticket struct {
	BotID  string
	ChatID int64
	Seq    uint64
}

func (t Ticket) String() string {
	return fmt.Sprintf("%s/%d/%d", t.BotID, t.ChatID, t.Seq)
}

// Renderer turns a template plus text replacements into image bytes.
type Renderer interface {
	Render(ctx context.Context, templateID string, replacements map[string]string) ([]byte, error)
}

// Sink receives the outcome of one job. Implementations own the staleness
// check: a result whose ticket no longer matches the session is discarded.
type Sink interface {
	Delivered(ctx context.Context, job Job, png []byte)
	Failed(ctx context.Context, job Job, err error)
}

// Job is an immutable snapshot of one generation request. It carries copies
// of the session's collected data, never a live reference: the session may
// be reset before a worker picks the job up.
type Job struct {
	ID            uuid.UUID
	Ticket        Ticket
	NamePrimary   string
	NameSecondary string
	Size          string
	Design        int
	TemplateID    string
	Replacements  map[string]string
	EnqueuedAt    time.Time
	Sink          Sink
}

// Pool is the shared bounded queue plus its workers. One pool serves all
// configured bots.
type Pool struct {
	jobs    chan Job
	workers int
	timeout time.Duration

	mu       sync.Mutex
	inflight map[Ticket]struct{}

	renderer Renderer
	log      *slog.Logger

	cancel context.CancelFunc
	wg     *errgroup.Group
}

// NewPool creates a pool with the given queue capacity and worker count.
func NewPool(logger *slog.Logger, renderer Renderer, capacity, workers int, renderTimeout time.Duration) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		jobs:     make(chan Job, capacity),
		workers:  workers,
		timeout:  renderTimeout,
		inflight: make(map[Ticket]struct{}),
		renderer: renderer,
		log:      logger.With(slog.String("component", "queue")),
	}
}

// TryEnqueue adds a job without blocking. It first claims the inflight
// marker for the job's ticket, then attempts the push; on a full queue the
// marker is released again so the user can retry later.
func (p *Pool) TryEnqueue(job Job) error {
	p.mu.Lock()
	if _, dup := p.inflight[job.Ticket]; dup {
		p.mu.Unlock()
		return ErrInflight
	}
	p.inflight[job.Ticket] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		p.log.Debug("job enqueued",
			slog.String("job_id", job.ID.String()),
			slog.String("ticket", job.Ticket.String()),
			slog.Int("depth", len(p.jobs)))
		return nil
	default:
		p.release(job.Ticket)
		return ErrQueueFull
	}
}

// Len returns the current queue depth.
func (p *Pool) Len() int {
	return len(p.jobs)
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	p.wg = g

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}

	p.log.Info("worker pool started",
		slog.Int("workers", p.workers),
		slog.Int("capacity", cap(p.jobs)))
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(ctx, job)
		}
	}
}

// process runs one job. The inflight marker is released in a deferred block
// regardless of outcome, so a failed job never blocks future generations
// for its chat. A panicking job is logged and the worker keeps going.
func (p *Pool) process(ctx context.Context, job Job) {
	op := "queue.process"
	log := p.log.With(
		slog.String("op", op),
		slog.String("job_id", job.ID.String()),
		slog.String("ticket", job.Ticket.String()),
	)

	defer p.release(job.Ticket)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", slog.Any("panic", r))
		}
	}()

	renderCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	png, err := p.renderer.Render(renderCtx, job.TemplateID, job.Replacements)
	if err != nil {
		log.Error("render failed",
			slog.Duration("took", time.Since(started)),
			sl.Err(err))
		job.Sink.Failed(ctx, job, err)
		return
	}

	log.Info("render finished",
		slog.Duration("took", time.Since(started)),
		slog.Int("bytes", len(png)))
	job.Sink.Delivered(ctx, job, png)
}

func (p *Pool) release(t Ticket) {
	p.mu.Lock()
	delete(p.inflight, t)
	p.mu.Unlock()
}

// Shutdown stops the workers. Jobs still in the queue are dropped; their
// inflight markers die with the process.
func (p *Pool) Shutdown(ctx context.Context) error {
	op := "Pool.Shutdown"
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		_ = p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("force exit %s: %w", op, ctx.Err())
	}
}
