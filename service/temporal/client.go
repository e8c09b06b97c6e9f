package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Watch status values reported by GetWatch.
const (
	WatchRunning   = "running"
	WatchCompleted = "completed"
	WatchFailed    = "failed"
)

// WatchStatus is the state of a watch workflow.
type WatchStatus struct {
	WatchID    string              `json:"watch_id"`
	WorkflowID string              `json:"workflow_id"`
	Status     string              `json:"status"`
	Result     *WatchPaymentResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ScheduleInfo summarizes the crank schedule.
type ScheduleInfo struct {
	ID              string        `json:"id"`
	Interval        time.Duration `json:"interval"`
	Paused          bool          `json:"paused"`
	Actions         int64         `json:"actions"`
	NextActionTimes []time.Time   `json:"next_action_times"`
}

// Client is a production implementation of Scheduler that talks to Temporal.
// It also starts and inspects watch workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// UpsertResolveSchedule creates the crank schedule for a round, or updates
// its interval when the schedule already exists.
func (c *Client) UpsertResolveSchedule(ctx context.Context, round string, interval time.Duration) error {
	id := scheduleID(round)
	handle := c.client.ScheduleClient().GetHandle(ctx, id)

	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createResolveSchedule(ctx, round, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("resolve schedule updated",
		"round", round,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

func (c *Client) createResolveSchedule(ctx context.Context, round string, interval time.Duration) error {
	id := scheduleID(round)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		// A slow tick must not overlap the next one.
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        "resolve-round-" + round,
			Workflow:  ResolveRoundWorkflow,
			TaskQueue: c.taskQueue,
		},
		Memo: map[string]interface{}{
			"round":      round,
			"created_by": "psyduk",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("resolve schedule created",
		"round", round,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DescribeResolveSchedule reports the crank schedule for a round.
func (c *Client) DescribeResolveSchedule(ctx context.Context, round string) (*ScheduleInfo, error) {
	id := scheduleID(round)
	desc, err := c.client.ScheduleClient().GetHandle(ctx, id).Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to describe schedule %q: %w", id, err)
	}

	info := &ScheduleInfo{
		ID:              id,
		Actions:         int64(desc.Info.NumActions),
		NextActionTimes: desc.Info.NextActionTimes,
	}
	if spec := desc.Schedule.Spec; spec != nil && len(spec.Intervals) > 0 {
		info.Interval = spec.Intervals[0].Every
	}
	if state := desc.Schedule.State; state != nil {
		info.Paused = state.Paused
	}
	return info, nil
}

// DeleteResolveSchedule deletes the crank schedule for a round.
func (c *Client) DeleteResolveSchedule(ctx context.Context, round string) error {
	id := scheduleID(round)

	if err := c.client.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("resolve schedule deleted", "round", round, "schedule_id", id)
	return nil
}

// StartWatch starts a WatchPaymentWorkflow for input.WatchID.
func (c *Client) StartWatch(ctx context.Context, input WatchPaymentInput) error {
	id := watchWorkflowID(input.WatchID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, WatchPaymentWorkflow, input)
	if err != nil {
		return fmt.Errorf("failed to start watch workflow: %w", err)
	}

	c.logger.InfoContext(ctx, "watch started",
		"watch_id", input.WatchID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// GetWatch reports the state of a watch, including its outcome once the
// workflow has completed.
func (c *Client) GetWatch(ctx context.Context, watchID string) (*WatchStatus, error) {
	id := watchWorkflowID(watchID)

	desc, err := c.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("failed to describe watch %q: %w", watchID, err)
	}

	status := &WatchStatus{WatchID: watchID, WorkflowID: id}
	switch desc.GetWorkflowExecutionInfo().GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		status.Status = WatchRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var result WatchPaymentResult
		if err := c.client.GetWorkflow(ctx, id, "").Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("failed to get watch result: %w", err)
		}
		status.Status = WatchCompleted
		status.Result = &result
	default:
		status.Status = WatchFailed
		if err := c.client.GetWorkflow(ctx, id, "").Get(ctx, nil); err != nil {
			status.Error = err.Error()
		}
	}
	return status, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
