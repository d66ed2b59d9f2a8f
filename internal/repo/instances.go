package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"finrisk/internal/domain"
)

const instanceColumns = `id,task_id,definition_id,control_type,state,payload_json,submit_result_json,attempt_count,last_error,failed_at,offered_at,submitted_at,created_at`

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.CheckpointInstance) error {
	payload, err := encodeJSONNullable(in.Payload, len(in.Payload) == 0)
	if err != nil {
		return err
	}
	result, err := encodeJSONNullable(in.SubmitResult, len(in.SubmitResult) == 0)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoint_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.TaskID, in.DefinitionID, in.ControlType, string(in.State), payload, result,
		in.AttemptCount, nullableStringPtr(in.LastError), nullableStringPtr(in.FailedAt),
		nullableStringPtr(in.OfferedAt), nullableStringPtr(in.SubmittedAt), in.CreatedAt)
	return err
}

func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, in domain.CheckpointInstance) error {
	payload, err := encodeJSONNullable(in.Payload, len(in.Payload) == 0)
	if err != nil {
		return err
	}
	result, err := encodeJSONNullable(in.SubmitResult, len(in.SubmitResult) == 0)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE checkpoint_instances SET state=?, payload_json=?, submit_result_json=?, attempt_count=?, last_error=?, failed_at=?, offered_at=?, submitted_at=? WHERE id=?`,
		string(in.State), payload, result, in.AttemptCount, nullableStringPtr(in.LastError),
		nullableStringPtr(in.FailedAt), nullableStringPtr(in.OfferedAt), nullableStringPtr(in.SubmittedAt), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInstanceForTaskTx looks an instance up by id scoped to its task, so a
// valid instance id paired with the wrong task is a miss.
func (r Repo) GetInstanceForTaskTx(ctx context.Context, tx *sql.Tx, taskID, instanceID string) (domain.CheckpointInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM checkpoint_instances WHERE id=? AND task_id=?`, instanceID, taskID))
}

func (r Repo) GetInstanceForTask(ctx context.Context, taskID, instanceID string) (domain.CheckpointInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM checkpoint_instances WHERE id=? AND task_id=?`, instanceID, taskID))
}

// GetInstanceByDefinitionTx finds the unique instance for (task, definition).
func (r Repo) GetInstanceByDefinitionTx(ctx context.Context, tx *sql.Tx, taskID, definitionID string) (domain.CheckpointInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM checkpoint_instances WHERE task_id=? AND definition_id=?`, taskID, definitionID))
}

func (r Repo) ListInstancesByTask(ctx context.Context, taskID string) ([]domain.CheckpointInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM checkpoint_instances WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckpointInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func scanInstance(row rowScanner) (domain.CheckpointInstance, error) {
	var in domain.CheckpointInstance
	var state string
	var payloadJSON, resultJSON, lastError, failedAt, offeredAt, submittedAt sql.NullString
	err := row.Scan(&in.ID, &in.TaskID, &in.DefinitionID, &in.ControlType, &state,
		&payloadJSON, &resultJSON, &in.AttemptCount, &lastError, &failedAt, &offeredAt, &submittedAt, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.State = domain.CheckpointState(state)
	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &in.Payload)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &in.SubmitResult)
	}
	if lastError.Valid {
		in.LastError = &lastError.String
	}
	if failedAt.Valid {
		in.FailedAt = &failedAt.String
	}
	if offeredAt.Valid {
		in.OfferedAt = &offeredAt.String
	}
	if submittedAt.Valid {
		in.SubmittedAt = &submittedAt.String
	}
	return in, nil
}
