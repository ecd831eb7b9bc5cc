// Package runner executes external commands on a fixed-size worker pool with
// a bounded admission queue and a hard per-command timeout.
//
// Captured stdout and stderr are written to files in the runner's work
// directory rather than held in memory. The caller owns those files once Run
// returns and removes them with Result.Remove.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// StatusKilled is the status reported for a process that was terminated
// because it exceeded its timeout (128 + SIGKILL).
const StatusKilled = 137

var (
	// ErrQueueFull is returned when every worker is busy and the admission
	// queue is at capacity.
	ErrQueueFull = errors.New("runner queue is full")

	// ErrStopped is returned for calls made while the runner is not started,
	// for queued calls discarded by Stop, and for processes killed by a
	// forced Stop.
	ErrStopped = errors.New("runner is stopped")
)

// Config configures a Runner.
type Config struct {
	// Workers is the number of commands that may run at once.
	Workers int

	// QueueSize is the number of calls that may wait for a free worker. Zero
	// means a call is only accepted if a worker is idle.
	QueueSize int

	// WorkDir holds captured stdout/stderr files. Defaults to a directory
	// under os.TempDir().
	WorkDir string

	Logger *slog.Logger
}

// Command describes one process invocation.
type Command struct {
	// Name labels the command in logs.
	Name string
	Path string
	Args []string

	// Timeout bounds the process's wall-clock run time, measured from the
	// moment it starts. Zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of a process that ran to completion or was killed.
type Result struct {
	// Status is the exit code, 128+signal for a process terminated by a
	// signal, or StatusKilled when the timeout elapsed.
	Status int

	// Stdout and Stderr are paths to the captured output.
	Stdout string
	Stderr string

	// Killed is set when the runner killed the process for exceeding its
	// timeout. A process that exits with StatusKilled on its own, or is
	// killed by someone else, leaves it unset.
	Killed bool

	Duration time.Duration
}

// TimedOut reports whether the process was killed for exceeding its timeout.
func (r Result) TimedOut() bool {
	return r.Killed
}

// Output reads the captured stdout and stderr.
func (r Result) Output() (stdout, stderr []byte, err error) {
	if r.Stdout != "" {
		if stdout, err = os.ReadFile(r.Stdout); err != nil {
			return nil, nil, fmt.Errorf("failed to read stdout: %w", err)
		}
	}
	if r.Stderr != "" {
		if stderr, err = os.ReadFile(r.Stderr); err != nil {
			return nil, nil, fmt.Errorf("failed to read stderr: %w", err)
		}
	}
	return stdout, stderr, nil
}

// Remove deletes the captured output files.
func (r Result) Remove() error {
	var errs []error
	for _, path := range []string{r.Stdout, r.Stderr} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of runner activity.
type Stats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
	Started   int64 `json:"started"`
	Killed    int64 `json:"killed"`
	Rejected  int64 `json:"rejected"`
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type jobResult struct {
	res Result
	err error
}

type job struct {
	cmd   Command
	state atomic.Int32
	done  chan jobResult
}

// pool is the state of one Start/Stop cycle.
type pool struct {
	queue    chan *job
	base     context.Context
	kill     context.CancelFunc
	draining atomic.Bool
	wg       sync.WaitGroup
}

// Runner executes commands with bounded concurrency.
type Runner struct {
	workers   int
	queueSize int
	workDir   string
	logger    *slog.Logger

	mu   sync.Mutex
	pool *pool

	running  atomic.Int64
	started  atomic.Int64
	killed   atomic.Int64
	rejected atomic.Int64
}

// New validates cfg and creates the work directory. The runner does not
// accept calls until Start is called.
func New(cfg Config) (*Runner, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", cfg.QueueSize)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "dotcache-runner")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runner work directory: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runner{
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		workDir:   cfg.WorkDir,
		logger:    cfg.Logger,
	}, nil
}

// Start launches the worker pool and begins accepting calls.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pool != nil {
		return fmt.Errorf("runner already started")
	}

	base, kill := context.WithCancel(context.Background())
	p := &pool{
		queue: make(chan *job, r.queueSize),
		base:  base,
		kill:  kill,
	}
	p.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker(p, i)
	}
	r.pool = p

	r.logger.Debug("runner started", "workers", r.workers, "queueSize", r.queueSize)
	return nil
}

// Stop stops accepting calls and discards queued calls that have not started
// with ErrStopped. Running processes are allowed to finish; if ctx is done
// first they are killed and Stop returns ctx.Err().
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	p := r.pool
	r.pool = nil
	r.mu.Unlock()

	if p == nil {
		return nil
	}

	p.draining.Store(true)
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.kill()
		r.logger.Debug("runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("runner stop deadline reached, killing running processes")
		p.kill()
		<-done
		return ctx.Err()
	}
}

// Run executes cmd on the pool and waits for it. If the queue is full it
// fails immediately with ErrQueueFull. If ctx is done while the call is still
// queued, the call is withdrawn and ctx.Err() is returned; once the process
// has started Run waits for it, bounded by cmd.Timeout.
//
// A non-zero exit status is not an error. The caller must call Result.Remove
// when done with the captured output.
func (r *Runner) Run(ctx context.Context, cmd Command) (Result, error) {
	j := &job{cmd: cmd, done: make(chan jobResult, 1)}

	r.mu.Lock()
	p := r.pool
	if p == nil {
		r.mu.Unlock()
		return Result{}, ErrStopped
	}
	select {
	case p.queue <- j:
	default:
		r.mu.Unlock()
		r.rejected.Add(1)
		return Result{}, ErrQueueFull
	}
	r.mu.Unlock()

	select {
	case out := <-j.done:
		return out.res, out.err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return Result{}, ctx.Err()
		}
		out := <-j.done
		return out.res, out.err
	}
}

// Stats returns current counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	queued := 0
	if r.pool != nil {
		queued = len(r.pool.queue)
	}
	r.mu.Unlock()

	return Stats{
		Workers:   r.workers,
		QueueSize: r.queueSize,
		Queued:    queued,
		Running:   r.running.Load(),
		Started:   r.started.Load(),
		Killed:    r.killed.Load(),
		Rejected:  r.rejected.Load(),
	}
}

func (r *Runner) worker(p *pool, id int) {
	defer p.wg.Done()
	logger := r.logger.With("worker", id)

	for j := range p.queue {
		if p.draining.Load() {
			j.done <- jobResult{err: ErrStopped}
			continue
		}
		if !j.state.CompareAndSwap(jobQueued, jobStarted) {
			// Caller gave up while queued.
			continue
		}

		r.running.Add(1)
		res, err := r.execute(p.base, j.cmd, logger)
		r.running.Add(-1)
		j.done <- jobResult{res: res, err: err}
	}
}

func (r *Runner) execute(base context.Context, cmd Command, logger *slog.Logger) (Result, error) {
	stdout, err := os.CreateTemp(r.workDir, "run-*.stdout")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stdout file: %w", err)
	}
	stderr, err := os.CreateTemp(r.workDir, "run-*.stderr")
	if err != nil {
		stdout.Close()
		os.Remove(stdout.Name())
		return Result{}, fmt.Errorf("failed to create stderr file: %w", err)
	}
	res := Result{Stdout: stdout.Name(), Stderr: stderr.Name()}

	ctx, cancel := base, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, cmd.Timeout)
	}
	defer cancel()

	c := newCommand(ctx, cmd.Path, cmd.Args)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		res.Remove()
		return Result{}, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	r.started.Add(1)
	logger.Debug("process started", "name", cmd.Name, "pid", c.Process.Pid, "timeout", cmd.Timeout)

	waitErr := c.Wait()
	res.Duration = time.Since(start)

	closeErr := errors.Join(stdout.Close(), stderr.Close())

	state := c.ProcessState
	if state == nil {
		res.Remove()
		return Result{}, fmt.Errorf("failed to wait for %s: %w", cmd.Path, waitErr)
	}

	switch {
	case !state.Exited() && base.Err() != nil:
		// Forced stop, not a timeout.
		res.Remove()
		return Result{}, fmt.Errorf("%s killed during shutdown: %w", cmd.Path, ErrStopped)
	case !state.Exited() && ctx.Err() != nil:
		res.Status = StatusKilled
		res.Killed = true
		r.killed.Add(1)
		logger.Warn("process killed after timeout",
			"name", cmd.Name, "timeout", cmd.Timeout, "duration", res.Duration)
	default:
		res.Status = exitStatus(state)
	}

	if closeErr != nil {
		res.Remove()
		return Result{}, fmt.Errorf("failed to close captured output: %w", closeErr)
	}

	logger.Debug("process finished", "name", cmd.Name, "status", res.Status, "duration", res.Duration)
	return res, nil
}
