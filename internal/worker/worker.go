package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
)

// Runner is a polling job loop. *orchestrator.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, interval time.Duration) error
}

type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Status is a point-in-time view of one worker.
type Status struct {
	ID        string     `json:"id"`
	Hostname  string     `json:"hostname"`
	State     State      `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Worker runs one Runner loop in its own goroutine.
type Worker struct {
	id       string
	hostname string
	runner   Runner
	interval time.Duration
	logger   *logger.Logger

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(runner Runner, interval time.Duration, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	id := uuid.New().String()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Worker{
		id:       id,
		hostname: hostname,
		runner:   runner,
		interval: interval,
		logger: log.WithComponent("worker").WithFields(
			"worker_id", id,
			"hostname", hostname,
		),
		status: Status{ID: id, Hostname: hostname, State: StateIdle},
	}
}

func (w *Worker) ID() string { return w.id }

// Start launches the loop. It returns immediately; the loop ends when ctx is
// done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status.State == StateActive {
		return fmt.Errorf("worker %s already running", w.id)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	now := time.Now().UTC()
	w.status.State = StateActive
	w.status.StartedAt = &now
	w.status.StoppedAt = nil
	w.status.LastError = ""

	w.logger.Infow("Worker started", "poll_interval", w.interval.String())

	go w.run(ctx, w.done)
	return nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			w.logger.LogError(ctx, err, "worker.run")
		}
		w.finish(err)
		w.logger.LogDuration(ctx, "worker.run", start)
		close(done)
	}()

	err = w.runner.Run(ctx, w.interval)
	if err != nil {
		w.logger.LogError(ctx, err, "worker.run")
	}
}

func (w *Worker) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	w.status.StoppedAt = &now
	w.status.State = StateStopped
	if err != nil {
		w.status.State = StateFailed
		w.status.LastError = err.Error()
	}
}

// Stop cancels the loop and waits up to timeout for the in-flight job to
// finish.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.RLock()
	cancel, done := w.cancel, w.done
	w.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("worker %s not started", w.id)
	}
	cancel()

	select {
	case <-done:
		w.logger.Infow("Worker stopped")
		return nil
	case <-time.After(timeout):
		w.logger.Warnw("Worker stop timed out", "timeout", timeout.String())
		return fmt.Errorf("worker %s did not stop within %s", w.id, timeout)
	}
}

// Done is closed when the loop has returned.
func (w *Worker) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.done
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}
