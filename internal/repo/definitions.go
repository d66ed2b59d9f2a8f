package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"finrisk/internal/domain"
)

const definitionColumns = `id,control_type,label,description,field_schema_json,pipeline_position,sort_order,applicable_modes_json,required,timeout_seconds,max_retries,circuit_breaker_threshold,circuit_breaker_window_minutes,enabled,created_at,updated_at`

func (r Repo) InsertDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.CheckpointDefinition) error {
	fieldSchema, err := encodeJSON(nonNilFields(d.FieldSchema))
	if err != nil {
		return err
	}
	modes, err := encodeJSON(nonNilStrings(d.ApplicableModes))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoint_definitions(`+definitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ControlType, d.Label, nullable(d.Description), fieldSchema, string(d.PipelinePosition),
		d.SortOrder, modes, d.Required, nullableIntPtr(d.TimeoutSeconds), d.MaxRetries,
		d.CircuitBreakerThreshold, d.CircuitBreakerWindowMinutes, d.Enabled, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDefinitionTx rewrites every mutable column. control_type is immutable.
func (r Repo) UpdateDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.CheckpointDefinition) error {
	fieldSchema, err := encodeJSON(nonNilFields(d.FieldSchema))
	if err != nil {
		return err
	}
	modes, err := encodeJSON(nonNilStrings(d.ApplicableModes))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE checkpoint_definitions SET label=?, description=?, field_schema_json=?, pipeline_position=?, sort_order=?, applicable_modes_json=?, required=?, timeout_seconds=?, max_retries=?, circuit_breaker_threshold=?, circuit_breaker_window_minutes=?, enabled=?, updated_at=? WHERE id=?`,
		d.Label, nullable(d.Description), fieldSchema, string(d.PipelinePosition), d.SortOrder, modes,
		d.Required, nullableIntPtr(d.TimeoutSeconds), d.MaxRetries, d.CircuitBreakerThreshold,
		d.CircuitBreakerWindowMinutes, d.Enabled, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDefinition(ctx context.Context, id string) (domain.CheckpointDefinition, error) {
	return scanDefinition(r.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE id=?`, id))
}

func (r Repo) GetDefinitionTx(ctx context.Context, tx *sql.Tx, id string) (domain.CheckpointDefinition, error) {
	return scanDefinition(tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE id=?`, id))
}

func (r Repo) GetDefinitionByControlTypeTx(ctx context.Context, tx *sql.Tx, controlType string) (domain.CheckpointDefinition, error) {
	return scanDefinition(tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE control_type=?`, controlType))
}

// ListDefinitions returns the catalog ordered for display.
func (r Repo) ListDefinitions(ctx context.Context, enabledOnly bool) ([]domain.CheckpointDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM checkpoint_definitions`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY pipeline_position ASC, sort_order ASC, control_type ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// ListEnabledDefinitionsAtTx returns enabled definitions for one pipeline
// position in resolution order.
func (r Repo) ListEnabledDefinitionsAtTx(ctx context.Context, tx *sql.Tx, position domain.PipelinePosition) ([]domain.CheckpointDefinition, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE enabled=1 AND pipeline_position=? ORDER BY sort_order ASC, control_type ASC`,
		string(position))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

func collectDefinitions(rows *sql.Rows) ([]domain.CheckpointDefinition, error) {
	var res []domain.CheckpointDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDefinition(row rowScanner) (domain.CheckpointDefinition, error) {
	var d domain.CheckpointDefinition
	var position string
	var description sql.NullString
	var fieldSchemaJSON, modesJSON string
	var timeoutSeconds sql.NullInt64
	err := row.Scan(&d.ID, &d.ControlType, &d.Label, &description, &fieldSchemaJSON, &position,
		&d.SortOrder, &modesJSON, &d.Required, &timeoutSeconds, &d.MaxRetries,
		&d.CircuitBreakerThreshold, &d.CircuitBreakerWindowMinutes, &d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.PipelinePosition = domain.PipelinePosition(position)
	if description.Valid {
		d.Description = description.String
	}
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		d.TimeoutSeconds = &v
	}
	_ = json.Unmarshal([]byte(fieldSchemaJSON), &d.FieldSchema)
	_ = json.Unmarshal([]byte(modesJSON), &d.ApplicableModes)
	return d, nil
}

func nonNilFields(fields []domain.FieldDefinition) []domain.FieldDefinition {
	if fields == nil {
		return []domain.FieldDefinition{}
	}
	return fields
}

func nonNilStrings(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
