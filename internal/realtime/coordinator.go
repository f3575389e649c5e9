// Package realtime keeps metric snapshots fresh. Each job recomputes on
// change-feed notifications, coalescing bursts, and on a fixed poll
// interval that keeps working when the feed is down.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"go.uber.org/zap"
)

// State is the lifecycle state of one job.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateRecomputing
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateRecomputing:
		return "recomputing"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrUnknownJob is returned by RefreshJob for an unregistered name.
var ErrUnknownJob = errors.New("unknown refresh job")

// Job is one recomputation target.
type Job struct {
	Name string
	// Tables whose changes trigger the job.
	Tables []string
	// PollInterval is the safety-net period; zero disables polling.
	PollInterval time.Duration
	Run          func(ctx context.Context) error
}

// WatchedTables returns the union of the jobs' tables in first-seen order.
func WatchedTables(jobs []Job) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, j := range jobs {
		for _, t := range j.Tables {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Options tunes the coordinator.
type Options struct {
	// Debounce is the window within which notifications collapse into one run.
	Debounce time.Duration
	// MinInterval is the minimum spacing of change-triggered runs of a job.
	MinInterval time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// JobStatus describes a job for health output.
type JobStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

type job struct {
	Job
	// base is Idle, Subscribed or Polling; busy overlays Recomputing.
	base atomic.Int32
	busy atomic.Bool
	runs atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

func (j *job) state() State {
	if j.busy.Load() {
		return StateRecomputing
	}
	return State(j.base.Load())
}

func (j *job) getLastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}

// Coordinator runs the refresh jobs.
type Coordinator struct {
	feed storage.ChangeFeed
	jobs []*job
	opts Options

	// run serializes recomputations across jobs and manual refreshes.
	run sync.Mutex

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a coordinator. feed may be nil, in which case jobs
// only poll.
func NewCoordinator(feed storage.ChangeFeed, jobs []Job, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}

	c := &Coordinator{
		feed:    feed,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
	for _, j := range jobs {
		c.jobs = append(c.jobs, &job{Job: j})
	}
	return c
}

// Run drives every job until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range c.jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			c.runJob(ctx, j)
		}(j)
	}
	wg.Wait()

	for _, j := range c.jobs {
		c.setState(j, StateIdle)
	}
	c.logger.Info("refresh coordinator stopped")
}

// Refresh recomputes every job now and returns the error of each failed
// job by name. An empty map means everything refreshed.
func (c *Coordinator) Refresh(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, j := range c.jobs {
		if err := c.recompute(ctx, j, "manual"); err != nil {
			errs[j.Name] = err
		}
	}
	return errs
}

// RefreshJob recomputes a single job by name.
func (c *Coordinator) RefreshJob(ctx context.Context, name string) error {
	for _, j := range c.jobs {
		if j.Name == name {
			return c.recompute(ctx, j, "manual")
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// State returns the current state of a job; unknown names report Idle.
func (c *Coordinator) State(name string) State {
	for _, j := range c.jobs {
		if j.Name == name {
			return j.state()
		}
	}
	return StateIdle
}

// Status reports every job.
func (c *Coordinator) Status() []JobStatus {
	out := make([]JobStatus, 0, len(c.jobs))
	for _, j := range c.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:    j.Name,
			State:   j.state(),
			LastRun: j.lastRun,
			Runs:    j.runs.Load(),
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// backoff returns base·2^(attempt-1) capped at BackoffMax.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

func (c *Coordinator) setState(j *job, s State) {
	j.base.Store(int32(s))
	c.metrics.SetCoordinatorState(j.Name, int(j.state()))
}

func (c *Coordinator) recompute(ctx context.Context, j *job, trigger string) error {
	c.run.Lock()
	defer c.run.Unlock()

	j.busy.Store(true)
	c.metrics.SetCoordinatorState(j.Name, int(StateRecomputing))
	defer func() {
		j.busy.Store(false)
		c.metrics.SetCoordinatorState(j.Name, int(j.state()))
	}()

	err := j.Run(ctx)
	j.runs.Add(1)

	j.mu.Lock()
	j.lastRun = time.Now()
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		c.logger.Error("metric refresh failed",
			zap.String("job", j.Name),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return err
	}
	c.logger.Debug("metrics refreshed",
		zap.String("job", j.Name),
		zap.String("trigger", trigger),
	)
	return nil
}

func (c *Coordinator) runJob(ctx context.Context, j *job) {
	log := c.logger.With(zap.String("job", j.Name))

	var pollC <-chan time.Time
	if j.PollInterval > 0 {
		poll := time.NewTicker(j.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	}

	var (
		changes   <-chan models.Change
		cancelSub = func() {}

		debounce  *time.Timer
		debounceC <-chan time.Time
		coalesced int

		retry    *time.Timer
		retryC   <-chan time.Time
		attempts int
	)
	defer func() {
		cancelSub()
		if debounce != nil {
			debounce.Stop()
		}
		if retry != nil {
			retry.Stop()
		}
	}()

	scheduleRetry := func(err error) {
		attempts++
		delay := c.backoff(attempts)
		c.metrics.RecordSubscribeFailure(j.Name)
		log.Warn("change feed unavailable, polling",
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		c.setState(j, StatePolling)
		retry = time.NewTimer(delay)
		retryC = retry.C
	}

	subscribe := func() {
		subCtx, cancel := context.WithCancel(ctx)
		ch, err := c.feed.Subscribe(subCtx, j.Tables)
		if err != nil {
			cancel()
			scheduleRetry(err)
			return
		}
		if attempts > 0 {
			log.Info("change feed resubscribed", zap.Int("after_attempts", attempts))
		}
		attempts = 0
		changes = ch
		cancelSub = cancel
		c.setState(j, StateSubscribed)
	}

	c.setState(j, StateIdle)
	_ = c.recompute(ctx, j, "startup")

	if c.feed == nil {
		c.setState(j, StatePolling)
	} else {
		subscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollC:
			_ = c.recompute(ctx, j, "poll")

		case change, ok := <-changes:
			if !ok {
				changes = nil
				cancelSub()
				cancelSub = func() {}
				if ctx.Err() != nil {
					return
				}
				scheduleRetry(errors.New("change feed closed"))
				continue
			}
			coalesced++
			if debounceC == nil {
				debounce = time.NewTimer(c.opts.Debounce)
				debounceC = debounce.C
				log.Debug("change received, debouncing",
					zap.String("table", change.Table),
					zap.String("operation", change.Operation),
				)
			}

		case <-debounceC:
			debounceC = nil
			if wait := c.opts.MinInterval - time.Since(j.getLastRun()); wait > 0 {
				debounce = time.NewTimer(wait)
				debounceC = debounce.C
				continue
			}
			log.Debug("recomputing after coalesced changes", zap.Int("changes", coalesced))
			coalesced = 0
			_ = c.recompute(ctx, j, "change")

		case <-retryC:
			retryC = nil
			subscribe()
		}
	}
}
