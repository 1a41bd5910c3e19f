package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/duckmesh/spice/internal/delay"
	"github.com/duckmesh/spice/internal/observability"
	"github.com/duckmesh/spice/internal/remote"
	"github.com/duckmesh/spice/internal/table"
)

const DefaultPollInterval = time.Second

// Rate-limited polls stretch the current sleep by a factor in this range.
const (
	rateLimitJitterLow  = 1.0
	rateLimitJitterHigh = 2.0
)

// RemoteAPI is the subset of the remote client the controller drives.
type RemoteAPI interface {
	Execute(ctx context.Context, request remote.ExecuteRequest) (string, error)
	Status(ctx context.Context, executionID, apiKey string) (remote.Status, error)
	LatestExecution(ctx context.Context, queryID int64, apiKey string) (remote.LatestExecution, bool, error)
	Results(ctx context.Context, request remote.ResultRequest) (table.Table, bool, error)
}

// Controller runs the trigger, poll and fetch steps against the remote
// service. All waiting goes through one delay.Func.
type Controller struct {
	remote RemoteAPI
	wait   delay.Func
	jitter delay.Jitter
	now    func() time.Time
	logger *slog.Logger
}

type ControllerOption func(*Controller)

func WithDelay(wait delay.Func) ControllerOption {
	return func(c *Controller) {
		if wait != nil {
			c.wait = wait
		}
	}
}

func WithJitter(jitter delay.Jitter) ControllerOption {
	return func(c *Controller) {
		if jitter != nil {
			c.jitter = jitter
		}
	}
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(api RemoteAPI, opts ...ControllerOption) *Controller {
	c := &Controller{
		remote: api,
		wait:   delay.Sleep,
		jitter: delay.Uniform,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger starts a new execution of request.QueryID.
func (c *Controller) Trigger(ctx context.Context, request remote.ExecuteRequest) (Execution, error) {
	id, err := c.remote.Execute(ctx, request)
	if err != nil {
		if errors.Is(err, ErrRemoteExecution) {
			observability.IncrementExecutionFailure("rejected")
		}
		return Execution{}, err
	}
	observability.IncrementExecutionTriggered()
	c.logger.InfoContext(ctx, "execution_triggered",
		slog.Int64("query_id", request.QueryID),
		slog.String("execution_id", id),
	)
	return Execution{ID: id}, nil
}

// Poll blocks until execution reaches a terminal state. On success the
// handle's StartedAt is filled in. A positive timeout bounds the total wall
// time; a status response that arrives after the deadline is discarded.
func (c *Controller) Poll(ctx context.Context, execution *Execution, apiKey string, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := c.now()
	expired := func() (time.Duration, bool) {
		elapsed := c.now().Sub(start)
		return elapsed, timeout > 0 && elapsed >= timeout
	}
	timedOut := func(elapsed time.Duration) error {
		observability.IncrementExecutionFailure("timeout")
		return &PollTimeoutError{ExecutionID: execution.ID, Timeout: timeout, Elapsed: elapsed}
	}

	sleep := interval
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if elapsed, over := expired(); over {
			return timedOut(elapsed)
		}

		polledAt := c.now()
		status, err := c.remote.Status(ctx, execution.ID, apiKey)
		if err != nil {
			return err
		}
		if elapsed, over := expired(); over {
			return timedOut(elapsed)
		}
		c.logger.DebugContext(ctx, "execution_poll",
			slog.String("execution_id", execution.ID),
			slog.Int("attempt", attempt),
			slog.String("state", status.State),
			slog.Bool("finished", status.IsFinished),
			slog.Bool("rate_limited", status.RateLimited),
		)

		if status.RateLimited && !status.IsFinished {
			sleep = delay.Scale(sleep, c.jitter(rateLimitJitterLow, rateLimitJitterHigh))
			if err := c.wait(ctx, c.capToDeadline(sleep, start, timeout)); err != nil {
				return err
			}
			continue
		}

		if status.IsFinished {
			if !remote.SucceededState(status.State) {
				observability.IncrementExecutionFailure("failed")
				return &RemoteExecutionError{ExecutionID: execution.ID, State: status.State, Detail: status.Error}
			}
			if status.StartedAt != nil {
				startedAt := *status.StartedAt
				execution.StartedAt = &startedAt
			}
			observability.ObserveExecutionPoll(c.now().Sub(start))
			return nil
		}

		remaining := interval - c.now().Sub(polledAt)
		if remaining > 0 {
			if err := c.wait(ctx, c.capToDeadline(remaining, start, timeout)); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) capToDeadline(d time.Duration, start time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return d
	}
	left := timeout - c.now().Sub(start)
	if left < 0 {
		left = 0
	}
	return min(d, left)
}

// Status reads an execution's state once.
func (c *Controller) Status(ctx context.Context, executionID, apiKey string) (remote.Status, error) {
	return c.remote.Status(ctx, executionID, apiKey)
}

// LatestExecution returns the newest execution of queryID, or nil when the
// query has never run.
func (c *Controller) LatestExecution(ctx context.Context, queryID int64, apiKey string) (*Execution, error) {
	latest, found, err := c.remote.LatestExecution(ctx, queryID, apiKey)
	if err != nil || !found || latest.ExecutionID == "" {
		return nil, err
	}
	return &Execution{ID: latest.ExecutionID, StartedAt: latest.StartedAt}, nil
}

// LatestAge reports how long ago the newest execution of queryID started.
// ok is false when the query has never run or its start time is unknown.
func (c *Controller) LatestAge(ctx context.Context, queryID int64, apiKey string) (time.Duration, bool, error) {
	latest, found, err := c.remote.LatestExecution(ctx, queryID, apiKey)
	if err != nil {
		return 0, false, err
	}
	if !found || latest.StartedAt == nil {
		return 0, false, nil
	}
	return c.now().Sub(*latest.StartedAt), true, nil
}

// Fetch downloads and types a result. found is false when the remote has
// no result for the target yet.
func (c *Controller) Fetch(ctx context.Context, request remote.ResultRequest, decode table.Options) (table.Table, bool, error) {
	raw, found, err := c.remote.Results(ctx, request)
	if err != nil || !found {
		return table.Table{}, found, err
	}
	typed, err := table.Decode(raw, decode)
	if err != nil {
		return table.Table{}, false, err
	}
	return typed, true, nil
}
