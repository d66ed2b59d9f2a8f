package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"finrisk/internal/domain"
)

const taskColumns = `id,session_id,phase,mode,ticker,query_text,started_at,completed_at,time_on_task_seconds,retrieval_id,retrieved_nodes_json,selected_node_ids_json,rejected_node_ids_json,generated_summary,edited_summary,flagged_spans_json,characters_edited,retrieval_completed_at,generation_completed_at,edit_completed_at`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	nodes, err := encodeJSONNullable(t.RetrievedNodes, len(t.RetrievedNodes) == 0)
	if err != nil {
		return err
	}
	selected, err := encodeJSONNullable(t.SelectedNodeIDs, len(t.SelectedNodeIDs) == 0)
	if err != nil {
		return err
	}
	rejected, err := encodeJSONNullable(t.RejectedNodeIDs, len(t.RejectedNodeIDs) == 0)
	if err != nil {
		return err
	}
	spans, err := encodeJSONNullable(t.FlaggedSpans, len(t.FlaggedSpans) == 0)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.Phase, string(t.Mode), t.Ticker, nullable(t.QueryText), t.StartedAt,
		nullableStringPtr(t.CompletedAt), nullableIntPtr(t.TimeOnTaskSeconds), nullableStringPtr(t.RetrievalID),
		nodes, selected, rejected,
		nullableStringPtr(t.GeneratedSummary), nullableStringPtr(t.EditedSummary), spans,
		nullableIntPtr(t.CharactersEdited), nullableStringPtr(t.RetrievalCompletedAt),
		nullableStringPtr(t.GenerationCompletedAt), nullableStringPtr(t.EditCompletedAt))
	return err
}

// UpdateTaskTx rewrites every mutable task column from t.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	nodes, err := encodeJSONNullable(t.RetrievedNodes, len(t.RetrievedNodes) == 0)
	if err != nil {
		return err
	}
	selected, err := encodeJSONNullable(t.SelectedNodeIDs, len(t.SelectedNodeIDs) == 0)
	if err != nil {
		return err
	}
	rejected, err := encodeJSONNullable(t.RejectedNodeIDs, len(t.RejectedNodeIDs) == 0)
	if err != nil {
		return err
	}
	spans, err := encodeJSONNullable(t.FlaggedSpans, len(t.FlaggedSpans) == 0)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET query_text=?, completed_at=?, time_on_task_seconds=?, retrieval_id=?, retrieved_nodes_json=?, selected_node_ids_json=?, rejected_node_ids_json=?, generated_summary=?, edited_summary=?, flagged_spans_json=?, characters_edited=?, retrieval_completed_at=?, generation_completed_at=?, edit_completed_at=? WHERE id=?`,
		nullable(t.QueryText), nullableStringPtr(t.CompletedAt), nullableIntPtr(t.TimeOnTaskSeconds),
		nullableStringPtr(t.RetrievalID), nodes, selected, rejected,
		nullableStringPtr(t.GeneratedSummary), nullableStringPtr(t.EditedSummary), spans,
		nullableIntPtr(t.CharactersEdited), nullableStringPtr(t.RetrievalCompletedAt),
		nullableStringPtr(t.GenerationCompletedAt), nullableStringPtr(t.EditCompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// LatestTaskForPhaseTx returns the most recently started task of a session's
// phase, ErrNotFound when the phase has no task yet.
func (r Repo) LatestTaskForPhaseTx(ctx context.Context, tx *sql.Tx, sessionID string, phase int) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id=? AND phase=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		sessionID, phase))
}

func (r Repo) LatestTaskForPhase(ctx context.Context, sessionID string, phase int) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id=? AND phase=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		sessionID, phase))
}

func (r Repo) ListTasksBySession(ctx context.Context, sessionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id=? ORDER BY phase ASC, started_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var mode string
	var queryText, completedAt, retrievalID sql.NullString
	var nodesJSON, selectedJSON, rejectedJSON, spansJSON sql.NullString
	var generated, edited sql.NullString
	var retrievalDone, generationDone, editDone sql.NullString
	var timeOnTask, charsEdited sql.NullInt64
	err := row.Scan(&t.ID, &t.SessionID, &t.Phase, &mode, &t.Ticker, &queryText, &t.StartedAt,
		&completedAt, &timeOnTask, &retrievalID, &nodesJSON, &selectedJSON, &rejectedJSON,
		&generated, &edited, &spansJSON, &charsEdited, &retrievalDone, &generationDone, &editDone)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Mode = domain.Mode(mode)
	if queryText.Valid {
		t.QueryText = queryText.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if timeOnTask.Valid {
		v := int(timeOnTask.Int64)
		t.TimeOnTaskSeconds = &v
	}
	if retrievalID.Valid {
		t.RetrievalID = &retrievalID.String
	}
	if nodesJSON.Valid && nodesJSON.String != "" {
		_ = json.Unmarshal([]byte(nodesJSON.String), &t.RetrievedNodes)
	}
	if selectedJSON.Valid && selectedJSON.String != "" {
		_ = json.Unmarshal([]byte(selectedJSON.String), &t.SelectedNodeIDs)
	}
	if rejectedJSON.Valid && rejectedJSON.String != "" {
		_ = json.Unmarshal([]byte(rejectedJSON.String), &t.RejectedNodeIDs)
	}
	if generated.Valid {
		t.GeneratedSummary = &generated.String
	}
	if edited.Valid {
		t.EditedSummary = &edited.String
	}
	if spansJSON.Valid && spansJSON.String != "" {
		_ = json.Unmarshal([]byte(spansJSON.String), &t.FlaggedSpans)
	}
	if charsEdited.Valid {
		v := int(charsEdited.Int64)
		t.CharactersEdited = &v
	}
	if retrievalDone.Valid {
		t.RetrievalCompletedAt = &retrievalDone.String
	}
	if generationDone.Valid {
		t.GenerationCompletedAt = &generationDone.String
	}
	if editDone.Valid {
		t.EditCompletedAt = &editDone.String
	}
	return t, nil
}
