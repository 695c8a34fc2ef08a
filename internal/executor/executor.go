package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults applied by New.
const (
	DefaultTimeout          = 15 * time.Second
	DefaultProgressInterval = 5 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
)

// teardownGrace bounds how long Execute waits, past the deadline, for a
// runner to close its session. Runners that honour ctx finish well within it.
var teardownGrace = 2 * time.Second

// Runner is the interface that the SSH layer implements to execute a command
// on a single host. Implementations should return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, host string, command string) Outcome
}

// Executor fans a command out to many hosts, one worker per host.
type Executor struct {
	runner      Runner
	concurrency int
	timeout     time.Duration
	progress    io.Writer
	interval    time.Duration
	poll        time.Duration
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency caps the number of hosts worked on at once. Zero, the
// default, starts every host immediately.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-host command deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithProgress enables periodic reporting of outstanding hosts to w while Run
// waits. A nil writer disables reporting.
func WithProgress(w io.Writer) Option {
	return func(e *Executor) {
		e.progress = w
	}
}

// WithProgressInterval sets how often outstanding hosts are reported.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithPollInterval sets how often the reporter checks whether all hosts are done.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithLogger sets the logger used for per-host diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:   runner,
		timeout:  DefaultTimeout,
		interval: DefaultProgressInterval,
		poll:     DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the per-host deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Run executes command on every host and blocks until all of them have
// finished or timed out. If progress reporting is enabled, a reporter
// goroutine is started alongside the workers and is not waited for.
func (e *Executor) Run(hosts []string, command string) ResultSet {
	b := e.Start(hosts, command)
	if e.progress != nil {
		go Watch(e.progress, b.Tracker(), e.interval, e.poll)
	}
	return b.Wait()
}

// Start launches the workers for hosts and returns immediately. Duplicate
// hosts each get their own worker; the last one to finish wins the key.
func (e *Executor) Start(hosts []string, command string) *Batch {
	b := &Batch{
		tracker: newTracker(hosts),
		results: make(ResultSet, len(hosts)),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(b.done)

		var g errgroup.Group
		if e.concurrency > 0 {
			g.SetLimit(e.concurrency)
		}
		for i, host := range hosts {
			g.Go(func() error {
				b.tracker.start(i)
				out := Execute(e.runner, host, command, e.timeout)
				e.logger.Debug("host finished",
					"host", host,
					"outcome", out.Kind.String(),
					"duration", out.Duration)
				b.record(host, out)
				b.tracker.finish(i, out.Kind)
				return nil
			})
		}
		// Workers never return errors; every failure is an Outcome.
		_ = g.Wait()
	}()

	return b
}

// Execute runs command on a single host with its own deadline. The runner is
// given a context that expires after timeout. Once it expires the host is
// recorded as TimedOut, but Execute still waits for the runner to tear its
// session down, giving up only after teardownGrace.
func Execute(runner Runner, host, command string, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Outcome, 1)
	go func() {
		done <- runner.Run(ctx, host, command)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = Expired(timeout)
		grace := time.NewTimer(teardownGrace)
		select {
		case <-done:
		case <-grace.C:
		}
		grace.Stop()
	}
	if out.Kind == TimedOut {
		out.Deadline = timeout
	}
	out.Duration = time.Since(start)
	return out
}

// Batch is a fan-out run in progress.
type Batch struct {
	tracker *Tracker
	mu      sync.Mutex
	results ResultSet
	done    chan struct{}
}

func (b *Batch) record(host string, out Outcome) {
	b.mu.Lock()
	b.results[host] = out
	b.mu.Unlock()
}

// Tracker returns the live view of outstanding hosts.
func (b *Batch) Tracker() *Tracker {
	return b.tracker
}

// Done is closed once every worker has recorded its outcome.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until all workers finish and returns the complete results.
func (b *Batch) Wait() ResultSet {
	<-b.done
	return b.results
}
