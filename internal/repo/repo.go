package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"finrisk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a sqlite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(id,grp,phase1_ticker,phase2_ticker,phase3_ticker) VALUES (?,?,?,?,?)`,
		p.ID, string(p.Group), p.Phase1Ticker, p.Phase2Ticker, p.Phase3Ticker)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, participantSelect+` WHERE id=?`, id))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx, participantSelect+` WHERE id=?`, id))
}

const participantSelect = `SELECT id,grp,phase1_ticker,phase2_ticker,phase3_ticker FROM participants`

func scanParticipant(row *sql.Row) (domain.Participant, error) {
	var p domain.Participant
	var grp string
	err := row.Scan(&p.ID, &grp, &p.Phase1Ticker, &p.Phase2Ticker, &p.Phase3Ticker)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Group = domain.Group(grp)
	return p, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,participant_id,current_phase,current_mode,started_at,ended_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ParticipantID, s.CurrentPhase, string(s.CurrentMode), s.StartedAt, nullableStringPtr(s.EndedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, sessionSelect+` WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, sessionSelect+` WHERE id=?`, id))
}

func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET current_phase=?, current_mode=?, ended_at=? WHERE id=?`,
		s.CurrentPhase, string(s.CurrentMode), nullableStringPtr(s.EndedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionSelect = `SELECT id,participant_id,current_phase,current_mode,started_at,ended_at FROM sessions`

func scanSession(row *sql.Row) (domain.Session, error) {
	var s domain.Session
	var mode string
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.ParticipantID, &s.CurrentPhase, &mode, &s.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CurrentMode = domain.Mode(mode)
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// encodeJSON marshals v for a NOT NULL json column.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

// encodeJSONNullable stores NULL instead of "null"/"[]" for absent values.
func encodeJSONNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	return encodeJSON(v)
}
