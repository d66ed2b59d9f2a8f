package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"finrisk/internal/domain"
	"finrisk/internal/events"
	"finrisk/internal/repo"
	"finrisk/internal/schema"
)

// ResolvedCheckpoint pairs a definition with its per-task instance.
type ResolvedCheckpoint struct {
	Definition domain.CheckpointDefinition
	Instance   domain.CheckpointInstance
}

// ResolveCheckpoints materializes the checkpoints due at a pipeline position
// for a task. Enabled definitions at the position are walked in
// (sort_order, control_type) order; ones applicable to the task's mode get an
// instance created at offered, or promoted from pending. Resolution is
// idempotent: calling it again returns the same instances untouched.
func (e Engine) ResolveCheckpoints(ctx context.Context, taskID string, position domain.PipelinePosition) ([]ResolvedCheckpoint, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	definitions, err := e.Repo.ListEnabledDefinitionsAtTx(ctx, tx, position)
	if err != nil {
		return nil, err
	}

	now := e.nowRFC3339()
	var resolved []ResolvedCheckpoint
	for _, def := range definitions {
		if !def.AppliesTo(task.Mode) {
			continue
		}

		instance, err := e.Repo.GetInstanceByDefinitionTx(ctx, tx, task.ID, def.ID)
		switch {
		case err == nil:
			if instance.State == domain.StatePending {
				instance.State = domain.StateOffered
				if instance.OfferedAt == nil {
					instance.OfferedAt = &now
				}
				if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
					return nil, err
				}
				if err := e.appendInstanceEvent(ctx, tx, "checkpoint.offered", task, instance); err != nil {
					return nil, err
				}
			}
		case err == repo.ErrNotFound:
			instance = domain.CheckpointInstance{
				ID:           uuid.NewString(),
				TaskID:       task.ID,
				DefinitionID: def.ID,
				ControlType:  def.ControlType,
				State:        domain.StateOffered,
				OfferedAt:    &now,
				CreatedAt:    now,
			}
			if insErr := e.Repo.InsertInstanceTx(ctx, tx, instance); insErr != nil {
				if !repo.IsUniqueViolation(insErr) {
					return nil, insErr
				}
				// Lost a race: the row exists, use it.
				instance, err = e.Repo.GetInstanceByDefinitionTx(ctx, tx, task.ID, def.ID)
				if err != nil {
					return nil, err
				}
			} else if err := e.appendInstanceEvent(ctx, tx, "checkpoint.offered", task, instance); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		resolved = append(resolved, ResolvedCheckpoint{Definition: def, Instance: instance})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// GetInstance fetches an instance by id scoped to its task. A missing parent
// definition is reported the same way as a missing instance.
func (e Engine) GetInstance(ctx context.Context, taskID, instanceID string) (ResolvedCheckpoint, error) {
	instance, err := e.Repo.GetInstanceForTask(ctx, taskID, instanceID)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	def, err := e.Repo.GetDefinition(ctx, instance.DefinitionID)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	return ResolvedCheckpoint{Definition: def, Instance: instance}, nil
}

// SubmitOutcome is the result of a submit attempt. A non-empty Issues slice
// means the submission was rejected and the instance moved to failed; the
// caller decides how to surface that, it is not a transport error.
type SubmitOutcome struct {
	Definition domain.CheckpointDefinition
	Instance   domain.CheckpointInstance
	Issues     []schema.Issue
}

func (o SubmitOutcome) Accepted() bool { return len(o.Issues) == 0 }

// RetryAvailable reports whether another retry fits in the budget.
func (o SubmitOutcome) RetryAvailable() bool {
	return o.Instance.AttemptCount < o.Definition.MaxRetries
}

// Submit validates data against the definition's field schema. The raw
// payload is persisted whatever the outcome, so failed attempts stay
// reviewable. Failure charges an attempt and records the joined issues in
// last_error; success stores the data as submit_result.
func (e Engine) Submit(ctx context.Context, taskID, instanceID string, data map[string]any) (SubmitOutcome, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return SubmitOutcome{}, err
	}
	defer tx.Rollback()

	def, instance, task, err := e.getInstanceTx(ctx, tx, taskID, instanceID)
	if err != nil {
		return SubmitOutcome{}, err
	}

	now := e.nowRFC3339()
	instance.Payload = data

	issues := schema.Validate(def.FieldSchema, data)
	if len(issues) > 0 {
		joined := schema.JoinIssues(issues)
		instance.AttemptCount++
		instance.LastError = &joined
		instance.State = domain.StateFailed
		instance.FailedAt = &now
		if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
			return SubmitOutcome{}, err
		}
		if err := e.appendInstanceEvent(ctx, tx, "checkpoint.failed", task, instance); err != nil {
			return SubmitOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return SubmitOutcome{}, err
		}
		return SubmitOutcome{Definition: def, Instance: instance, Issues: issues}, nil
	}

	instance.SubmitResult = data
	instance.State = domain.StateSubmitted
	instance.SubmittedAt = &now
	instance.LastError = nil
	if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
		return SubmitOutcome{}, err
	}
	if err := e.appendInstanceEvent(ctx, tx, "checkpoint.submitted", task, instance); err != nil {
		return SubmitOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitOutcome{}, err
	}
	return SubmitOutcome{Definition: def, Instance: instance}, nil
}

// Skip declines an optional checkpoint. Required checkpoints can never be
// skipped, whatever state the instance is in.
func (e Engine) Skip(ctx context.Context, taskID, instanceID string) (ResolvedCheckpoint, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	defer tx.Rollback()

	def, instance, task, err := e.getInstanceTx(ctx, tx, taskID, instanceID)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	if def.Required {
		return ResolvedCheckpoint{}, fmt.Errorf("%w: required checkpoints cannot be skipped", ErrInvalidOperation)
	}

	instance.State = domain.StateSkipped
	instance.LastError = nil
	if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := e.appendInstanceEvent(ctx, tx, "checkpoint.skipped", task, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolvedCheckpoint{}, err
	}
	return ResolvedCheckpoint{Definition: def, Instance: instance}, nil
}

// Retry re-offers a failed, timed out, or skipped checkpoint. The attempt
// counter is a lifetime budget and is never reset.
func (e Engine) Retry(ctx context.Context, taskID, instanceID string) (ResolvedCheckpoint, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	defer tx.Rollback()

	def, instance, task, err := e.getInstanceTx(ctx, tx, taskID, instanceID)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	switch instance.State {
	case domain.StateFailed, domain.StateTimedOut, domain.StateSkipped:
	default:
		return ResolvedCheckpoint{}, fmt.Errorf("%w: only failed, timed out, or skipped checkpoints can be retried", ErrInvalidOperation)
	}
	if instance.AttemptCount >= def.MaxRetries {
		return ResolvedCheckpoint{}, fmt.Errorf("%w: attempt %d of %d", ErrRetryLimit, instance.AttemptCount, def.MaxRetries)
	}

	now := e.nowRFC3339()
	instance.State = domain.StateOffered
	instance.LastError = nil
	instance.FailedAt = nil
	instance.OfferedAt = &now
	if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := e.appendInstanceEvent(ctx, tx, "checkpoint.retried", task, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolvedCheckpoint{}, err
	}
	return ResolvedCheckpoint{Definition: def, Instance: instance}, nil
}

// Timeout expires an in-flight checkpoint. Completed instances (submitted,
// skipped, collapsed) cannot time out; a timeout charges an attempt so
// unattended checkpoints eventually exhaust their retry budget.
func (e Engine) Timeout(ctx context.Context, taskID, instanceID string) (ResolvedCheckpoint, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	defer tx.Rollback()

	def, instance, task, err := e.getInstanceTx(ctx, tx, taskID, instanceID)
	if err != nil {
		return ResolvedCheckpoint{}, err
	}
	switch instance.State {
	case domain.StateSubmitted, domain.StateSkipped, domain.StateCollapsed:
		return ResolvedCheckpoint{}, fmt.Errorf("%w: completed checkpoints cannot be timed out", ErrInvalidOperation)
	}

	now := e.nowRFC3339()
	timedOut := "Checkpoint timed out"
	instance.AttemptCount++
	instance.State = domain.StateTimedOut
	instance.LastError = &timedOut
	instance.FailedAt = &now
	if err := e.Repo.UpdateInstanceTx(ctx, tx, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := e.appendInstanceEvent(ctx, tx, "checkpoint.timed_out", task, instance); err != nil {
		return ResolvedCheckpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolvedCheckpoint{}, err
	}
	return ResolvedCheckpoint{Definition: def, Instance: instance}, nil
}

// ListInstances returns a task's instances, oldest first.
func (e Engine) ListInstances(ctx context.Context, taskID string) ([]domain.CheckpointInstance, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListInstancesByTask(ctx, taskID)
}

func (e Engine) getInstanceTx(ctx context.Context, tx *sql.Tx, taskID, instanceID string) (domain.CheckpointDefinition, domain.CheckpointInstance, domain.Task, error) {
	instance, err := e.Repo.GetInstanceForTaskTx(ctx, tx, taskID, instanceID)
	if err != nil {
		return domain.CheckpointDefinition{}, domain.CheckpointInstance{}, domain.Task{}, err
	}
	def, err := e.Repo.GetDefinitionTx(ctx, tx, instance.DefinitionID)
	if err != nil {
		return domain.CheckpointDefinition{}, domain.CheckpointInstance{}, domain.Task{}, err
	}
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.CheckpointDefinition{}, domain.CheckpointInstance{}, domain.Task{}, err
	}
	return def, instance, task, nil
}

func (e Engine) appendInstanceEvent(ctx context.Context, tx *sql.Tx, evtType string, task domain.Task, instance domain.CheckpointInstance) error {
	return e.Events.Append(ctx, tx, evtType, task.SessionID, "checkpoint_instance", instance.ID, events.EventPayload{
		"task_id":       task.ID,
		"control_type":  instance.ControlType,
		"state":         string(instance.State),
		"attempt_count": instance.AttemptCount,
	})
}
