// Package orchestrator runs the fixed-attempt retry loop around the
// third-party sync task. Retry is modeled by the state graph itself, not by
// the invocation primitive: Invoke -> Decide -> {Succeed | IncrementAttempt
// -> CheckLimit -> {Wait -> Invoke | Fail}}.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"export-job-service/internal/models"
	"export-job-service/internal/telemetry"
)

// Cause attached to executions that exhaust their attempts.
const failureCauseMaxRetries = "maximum retry attempts reached"

type state int

const (
	stateInvoke state = iota
	stateDecide
	stateIncrementAttempt
	stateCheckLimit
	stateWait
	stateSucceed
	stateFail
)

// SyncTask is the step the machine drives. It reports outcomes as data; the
// machine never sees a transport error.
type SyncTask interface {
	Invoke(ctx context.Context, in models.SyncInput) models.SyncResult
}

// ExecutionStore persists execution progress so terminal outcomes stay
// visible to whoever started the run.
type ExecutionStore interface {
	CreateSyncExecution(ctx context.Context, exec models.SyncExecution) error
	UpdateSyncExecution(ctx context.Context, id string, attempt int, state string, message *string, syncedCount *int) error
}

// Machine is the retry orchestrator. One Run is one execution.
type Machine struct {
	task        SyncTask
	store       ExecutionStore
	logger      *zap.Logger
	maxAttempts int
	retryWait   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a machine with the given attempt cap (total invocations) and
// fixed wait between rounds.
func New(task SyncTask, store ExecutionStore, maxAttempts int, retryWait time.Duration, logger *zap.Logger) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &Machine{
		task:        task,
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryWait:   retryWait,
		sleep:       sleepCtx,
	}
}

// Start creates the durable execution record and runs the machine in the
// background, detached from the caller's cancellation. Returns the
// execution id immediately.
func (m *Machine) Start(ctx context.Context, resourceType string, limit int) (string, error) {
	now := time.Now().UTC()
	exec := models.SyncExecution{
		ExecutionID:  uuid.New().String(),
		ResourceType: resourceType,
		Limit:        limit,
		Attempt:      1,
		State:        models.ExecutionRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateSyncExecution(ctx, exec); err != nil {
		return "", err
	}
	go m.Run(context.WithoutCancel(ctx), exec.ExecutionID, models.SyncInput{
		ResourceType: resourceType,
		Limit:        limit,
		Attempt:      1,
	})
	return exec.ExecutionID, nil
}

// Run drives one execution to a terminal state and returns it. The input's
// Attempt field is threaded through each round and incremented by exactly 1
// per failed round.
func (m *Machine) Run(ctx context.Context, executionID string, in models.SyncInput) models.SyncExecution {
	var result models.SyncResult
	current := stateInvoke

	for {
		switch current {
		case stateInvoke:
			result = m.task.Invoke(ctx, in)
			current = stateDecide

		case stateDecide:
			m.record(ctx, executionID, in.Attempt, models.ExecutionRunning, nil, nil)
			switch {
			case result.Success:
				current = stateSucceed
			case !result.ShouldRetry:
				// The task classified this failure as non-retryable; waiting
				// out the remaining attempts would only repeat it.
				current = stateFail
			default:
				current = stateIncrementAttempt
			}

		case stateIncrementAttempt:
			in = models.SyncInput{
				ResourceType: in.ResourceType,
				Limit:        in.Limit,
				Attempt:      in.Attempt + 1,
			}
			current = stateCheckLimit

		case stateCheckLimit:
			if in.Attempt <= m.maxAttempts {
				current = stateWait
			} else {
				result.Message = failureCauseMaxRetries + ": " + result.Message
				current = stateFail
			}

		case stateWait:
			if err := m.sleep(ctx, m.retryWait); err != nil {
				result.Message = "execution interrupted: " + err.Error()
				current = stateFail
				continue
			}
			current = stateInvoke

		case stateSucceed:
			m.logger.Info("sync execution succeeded",
				zap.String("execution_id", executionID),
				zap.Int("attempts", result.Attempt),
				zap.Int("synced", result.SyncedCount))
			count := result.SyncedCount
			m.record(ctx, executionID, result.Attempt, models.ExecutionSucceeded, &result.Message, &count)
			return m.terminal(executionID, in, models.ExecutionSucceeded, result)

		case stateFail:
			telemetry.SyncFailures.Inc()
			m.logger.Warn("sync execution failed",
				zap.String("execution_id", executionID),
				zap.Int("attempts", result.Attempt),
				zap.String("cause", result.Message))
			m.record(ctx, executionID, result.Attempt, models.ExecutionFailed, &result.Message, nil)
			return m.terminal(executionID, in, models.ExecutionFailed, result)
		}
	}
}

func (m *Machine) record(ctx context.Context, id string, attempt int, st string, message *string, count *int) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateSyncExecution(ctx, id, attempt, st, message, count); err != nil {
		m.logger.Warn("record execution state", zap.String("execution_id", id), zap.Error(err))
	}
}

func (m *Machine) terminal(id string, in models.SyncInput, st string, result models.SyncResult) models.SyncExecution {
	exec := models.SyncExecution{
		ExecutionID:  id,
		ResourceType: in.ResourceType,
		Limit:        in.Limit,
		Attempt:      result.Attempt,
		State:        st,
		Message:      &result.Message,
		UpdatedAt:    time.Now().UTC(),
	}
	if st == models.ExecutionSucceeded {
		count := result.SyncedCount
		exec.SyncedCount = &count
	}
	return exec
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
