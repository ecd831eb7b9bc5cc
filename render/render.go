// Package render coordinates graph renders: it serves cached artifacts,
// shares in-flight builds between concurrent requesters, and starts at most
// one renderer process per content hash.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/richardartoul/dotcache/backends"
	"github.com/richardartoul/dotcache/dedupe"
	"github.com/richardartoul/dotcache/index"
	"github.com/richardartoul/dotcache/runner"
	"github.com/richardartoul/dotcache/store"
)

var (
	// ErrAdmissionRejected is returned when the renderer queue is full.
	ErrAdmissionRejected = errors.New("render queue is full")

	// ErrRenderTimeout is returned when the renderer process was killed for
	// exceeding its timeout.
	ErrRenderTimeout = errors.New("renderer was killed after exceeding its timeout")

	// ErrBuildTimeout is returned to waiters when a build, including time
	// spent queued, takes longer than twice the render timeout.
	ErrBuildTimeout = errors.New("build did not complete in time")

	// ErrInvalidHash is returned for hashes that cannot name a cache file.
	ErrInvalidHash = errors.New("invalid hash")
)

// RenderError reports a renderer process that exited with a non-zero status.
type RenderError struct {
	Status int
	Stdout string
	Stderr string
}

func (e *RenderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graphviz process returned: %d\n", e.Status)
	b.WriteString("stdout:\n")
	writeLines(&b, e.Stdout)
	b.WriteString("stderr:\n")
	writeLines(&b, e.Stderr)
	return b.String()
}

func writeLines(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	b.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		b.WriteByte('\n')
	}
}

// Runner executes renderer commands. *runner.Runner implements it.
type Runner interface {
	Run(ctx context.Context, cmd runner.Command) (runner.Result, error)
}

// Config configures a Coordinator.
type Config struct {
	Runner Runner
	Store  *store.Dir

	// DotPath is the renderer binary.
	DotPath string

	// Timeout is the renderer's per-process timeout. Waiters give up on a
	// build after twice this long.
	Timeout time.Duration

	// CacheSize bounds the number of rendered artifacts kept on disk.
	CacheSize    int
	RefreshOnHit bool

	// Publisher, if set, receives a copy of every newly rendered artifact.
	Publisher      backends.Backend
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// Result describes a rendered artifact as seen by one requester.
type Result struct {
	Hash       string
	OutputPath string

	// Cached is set when the artifact was already on disk.
	Cached bool
	// Shared is set when the requester joined another request's build.
	Shared bool

	Duration time.Duration
}

// Build is a handle on a render in progress, or on an already cached result.
type Build struct {
	call   *dedupe.Call[Result]
	shared bool
}

// Wait blocks until the build completes or ctx is done. A waiter that gives
// up does not affect the build or other waiters.
func (b *Build) Wait(ctx context.Context) (Result, error) {
	res, err := b.call.Wait(ctx)
	if err != nil {
		return Result{}, err
	}
	res.Shared = b.shared
	return res, nil
}

// Shared reports whether this handle joined a build started by another
// request.
func (b *Build) Shared() bool {
	return b.shared
}

// Coordinator runs at most one build per hash at a time.
type Coordinator struct {
	runner    Runner
	store     *store.Dir
	index     *index.Index
	inflight  *dedupe.Group[Result]
	dotPath   string
	timeout   time.Duration
	publisher backends.Backend
	pubTO     time.Duration
	logger    *slog.Logger

	publishWG sync.WaitGroup

	requests        atomic.Int64
	hits            atomic.Int64
	shared          atomic.Int64
	builds          atomic.Int64
	successes       atomic.Int64
	failures        atomic.Int64
	renderTimeouts  atomic.Int64
	buildTimeouts   atomic.Int64
	rejections      atomic.Int64
	lateSuccesses   atomic.Int64
	bytesRendered   atomic.Int64
	published       atomic.Int64
	publishFailures atomic.Int64

	latencyMu sync.Mutex
	latency   *ddsketch.DDSketch // render durations in milliseconds
}

// New constructs a Coordinator. The index it owns deletes an artifact's files
// when the artifact is evicted.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.DotPath == "" {
		return nil, fmt.Errorf("renderer path is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = time.Minute
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency sketch: %w", err)
	}

	c := &Coordinator{
		runner:    cfg.Runner,
		store:     cfg.Store,
		inflight:  dedupe.NewGroup[Result](),
		dotPath:   cfg.DotPath,
		timeout:   cfg.Timeout,
		publisher: cfg.Publisher,
		pubTO:     cfg.PublishTimeout,
		logger:    cfg.Logger.With("component", "render"),
		latency:   sketch,
	}
	c.index = index.New(index.Config{
		MaxEntries:   cfg.CacheSize,
		RefreshOnHit: cfg.RefreshOnHit,
		OnEvict:      c.evict,
	})
	return c, nil
}

// Timeout returns the renderer's per-process timeout.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Render returns a handle on the artifact for hash. A cached artifact yields
// a completed build; an in-flight build for hash is joined without reading
// input; otherwise input is written to disk before Render returns and a new
// build is started. Render does nothing if ctx is already done.
func (c *Coordinator) Render(ctx context.Context, hash string, input io.Reader) (*Build, error) {
	if !store.ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.requests.Add(1)
	logger := c.logger.With("hash", hash)

	if c.index.Contains(hash) {
		return c.cached(hash, logger), nil
	}

	// The index is checked again under the in-flight lock: a build registers
	// its hash and unregisters its call in one step under that lock.
	hit := false
	call, shared := c.inflight.Join(hash, func() *dedupe.Call[Result] {
		if c.index.Contains(hash) {
			hit = true
			return nil
		}
		return dedupe.NewCall[Result]()
	})
	if hit {
		return c.cached(hash, logger), nil
	}
	if shared {
		c.shared.Add(1)
		logger.Info("using in flight build")
		return &Build{call: call, shared: true}, nil
	}

	c.builds.Add(1)
	logger.Info("building")

	if _, err := c.store.WriteInput(hash, input); err != nil {
		err = fmt.Errorf("failed to write input for %s: %w", hash, err)
		c.failures.Add(1)
		c.fail(hash, call, err, logger)
		return &Build{call: call}, nil
	}

	go c.build(hash, call, logger)
	return &Build{call: call}, nil
}

func (c *Coordinator) cached(hash string, logger *slog.Logger) *Build {
	c.hits.Add(1)
	logger.Debug("hash found in cache")
	call := dedupe.NewCall[Result]()
	call.Finish(Result{
		Hash:       hash,
		OutputPath: c.store.OutputPath(hash),
		Cached:     true,
	}, nil)
	return &Build{call: call}
}

func (c *Coordinator) command(hash string) runner.Command {
	return runner.Command{
		Name: "graphviz",
		Path: c.dotPath,
		Args: []string{
			"-T" + c.store.Format(),
			"-Grankdir=LR", "-Gnewrank=true", "-Gbgcolor=transparent",
			c.store.InputPath(hash),
			"-o", c.store.OutputPath(hash),
		},
		Timeout: c.timeout,
	}
}

// build runs the renderer until call is settled.
func (c *Coordinator) build(hash string, call *dedupe.Call[Result], logger *slog.Logger) {
	for call != nil {
		call = c.attempt(hash, call, logger)
	}
}

// attempt runs the renderer once for call. After 2x the render timeout the
// waiters on call are released with ErrBuildTimeout and the in-flight entry
// is handed to a fresh call: a queued job is withdrawn, a started process
// keeps the entry until it exits so no second build writes the same files.
// attempt returns the call to build again when the job was withdrawn after
// requesters joined the fresh call.
func (c *Coordinator) attempt(hash string, call *dedupe.Call[Result], logger *slog.Logger) *dedupe.Call[Result] {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		settled  bool
		current  = call
		timedOut bool
	)
	deadline := 2 * c.timeout
	timer := time.AfterFunc(deadline, func() {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return
		}
		next := dedupe.NewCall[Result]()
		if !c.inflight.Replace(hash, call, next) {
			return
		}
		current, timedOut = next, true
		call.Finish(Result{}, fmt.Errorf("%w: no result within %v", ErrBuildTimeout, deadline))
		c.buildTimeouts.Add(1)
		logger.Warn("build timed out, releasing waiters", "deadline", deadline)
		cancel()
	})
	res, err := c.runner.Run(ctx, c.command(hash))
	timer.Stop()

	mu.Lock()
	settled = true
	owner, late := current, timedOut
	mu.Unlock()

	if late && errors.Is(err, context.Canceled) {
		// Withdrawn before it started. Requesters that arrived after the
		// timeout still need an artifact, and their input is on disk.
		withdrawn := c.inflight.ForgetFunc(hash, owner, func() bool {
			if owner.Joined() > 0 {
				return false
			}
			c.removeFiles(hash, logger)
			return true
		})
		if withdrawn {
			logger.Info("queued build withdrawn after waiters timed out")
			return nil
		}
		c.builds.Add(1)
		logger.Info("rebuilding withdrawn build for new requesters", "waiters", owner.Joined())
		return owner
	}

	c.settle(hash, owner, res, err, late, logger)
	return nil
}

func (c *Coordinator) settle(hash string, call *dedupe.Call[Result], res runner.Result, runErr error, late bool, logger *slog.Logger) {
	if runErr != nil {
		if errors.Is(runErr, runner.ErrQueueFull) {
			c.rejections.Add(1)
			c.fail(hash, call, fmt.Errorf("%w: %w", ErrAdmissionRejected, runErr), logger)
			return
		}
		c.failures.Add(1)
		c.fail(hash, call, fmt.Errorf("failed to run renderer: %w", runErr), logger)
		return
	}
	defer func() {
		if err := res.Remove(); err != nil {
			logger.Warn("failed to remove captured output", "error", err)
		}
	}()

	switch {
	case res.TimedOut():
		c.renderTimeouts.Add(1)
		c.fail(hash, call, fmt.Errorf("%w (%v)", ErrRenderTimeout, c.timeout), logger)
		return
	case res.Status != 0:
		c.failures.Add(1)
		stdout, stderr, err := res.Output()
		if err != nil {
			c.fail(hash, call, err, logger)
			return
		}
		c.fail(hash, call, &RenderError{Status: res.Status, Stdout: string(stdout), Stderr: string(stderr)}, logger)
		return
	}

	size, err := c.store.OutputSize(hash)
	if err != nil {
		c.failures.Add(1)
		c.fail(hash, call, fmt.Errorf("renderer exited 0 without output: %w", err), logger)
		return
	}

	// Open before the hash is visible to eviction so the publisher still
	// has the content if the file is unlinked.
	var artifact *os.File
	if c.publisher != nil {
		artifact, err = os.Open(c.store.OutputPath(hash))
		if err != nil {
			logger.Warn("failed to open artifact for publishing", "error", err)
		}
	}

	// Registering the hash and unregistering the call are one step, so a
	// request never joins a finished call whose artifact was already evicted.
	c.inflight.ForgetFunc(hash, call, func() bool {
		c.index.Add(hash)
		return true
	})
	c.successes.Add(1)
	c.bytesRendered.Add(size)
	c.recordLatency(res.Duration)

	call.Finish(Result{
		Hash:       hash,
		OutputPath: c.store.OutputPath(hash),
		Duration:   res.Duration,
	}, nil)
	if late {
		c.lateSuccesses.Add(1)
		logger.Info("build finished after waiters timed out, artifact registered", "duration", res.Duration, "waiters", call.Joined())
	} else {
		logger.Info("build completed", "duration", res.Duration, "size", size)
	}

	if artifact != nil {
		c.publish(hash, artifact, size, logger)
	}
}

// fail removes the files of a failed build and unregisters call, then
// publishes err to its waiters. The files are removed under the in-flight
// lock so a new build for the same hash cannot race with the cleanup.
func (c *Coordinator) fail(hash string, call *dedupe.Call[Result], err error, logger *slog.Logger) {
	c.inflight.ForgetFunc(hash, call, func() bool {
		c.removeFiles(hash, logger)
		return true
	})
	call.Finish(Result{}, err)
	logger.Info("build failed", "error", err)
}

func (c *Coordinator) removeFiles(hash string, logger *slog.Logger) {
	if err := c.store.Remove(hash); err != nil {
		logger.Warn("failed to remove files of failed build", "error", err)
	}
}

func (c *Coordinator) evict(hash string) {
	c.logger.Debug("evicting", "hash", hash)
	if err := c.store.Remove(hash); err != nil {
		c.logger.Warn("failed to remove evicted artifact", "hash", hash, "error", err)
	}
}

func (c *Coordinator) publish(hash string, artifact *os.File, size int64, logger *slog.Logger) {
	c.publishWG.Add(1)
	go func() {
		defer c.publishWG.Done()
		defer artifact.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.pubTO)
		defer cancel()

		if err := c.publisher.Put(ctx, c.store.OutputName(hash), artifact, size); err != nil {
			c.publishFailures.Add(1)
			logger.Warn("failed to publish artifact", "error", err)
			return
		}
		c.published.Add(1)
	}()
}

// Flush waits for background publishes to finish or ctx to be done.
func (c *Coordinator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.publishWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops every cached artifact.
func (c *Coordinator) Clear() {
	for _, hash := range c.index.Keys() {
		c.index.Remove(hash)
	}
}

// Cached reports whether hash has a rendered artifact in the cache. It does
// not count as a use.
func (c *Coordinator) Cached(hash string) bool {
	return c.index.Peek(hash)
}

// InFlight reports whether a build for hash is currently registered.
func (c *Coordinator) InFlight(hash string) bool {
	_, ok := c.inflight.Lookup(hash)
	return ok
}

func (c *Coordinator) recordLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	// Add only fails for values the sketch cannot index.
	_ = c.latency.Add(float64(d) / float64(time.Millisecond))
}
