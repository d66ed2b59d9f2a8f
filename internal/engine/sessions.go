package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"finrisk/internal/domain"
	"finrisk/internal/events"
	"finrisk/internal/repo"
	"finrisk/internal/study"
)

// SessionState is the live view of a session: its participant and the task
// for the current phase.
type SessionState struct {
	Session     domain.Session
	Participant domain.Participant
	CurrentTask domain.Task
}

// StartSession provisions the participant on first contact (group and ticker
// rotation derived from the id), opens a session at phase 1, and creates the
// phase's task.
func (e Engine) StartSession(ctx context.Context, participantID string) (SessionState, error) {
	group, err := study.GroupFor(participantID)
	if err != nil {
		return SessionState{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return SessionState{}, err
	}
	defer tx.Rollback()

	participant, err := e.Repo.GetParticipantTx(ctx, tx, participantID)
	if err == repo.ErrNotFound {
		seq, seqErr := study.TickerSequence(participantID, e.Config.Study.Tickers)
		if seqErr != nil {
			return SessionState{}, fmt.Errorf("%w: %v", ErrInvalidOperation, seqErr)
		}
		participant = domain.Participant{
			ID:           participantID,
			Group:        group,
			Phase1Ticker: seq[0],
			Phase2Ticker: seq[1],
			Phase3Ticker: seq[2],
		}
		if err := e.Repo.InsertParticipantTx(ctx, tx, participant); err != nil {
			return SessionState{}, err
		}
	} else if err != nil {
		return SessionState{}, err
	}

	modes := study.PhaseModes(participant.Group)
	session := domain.Session{
		ID:            uuid.NewString(),
		ParticipantID: participant.ID,
		CurrentPhase:  1,
		CurrentMode:   modes[0],
		StartedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, session); err != nil {
		return SessionState{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", session.ID, "session", session.ID, events.EventPayload{
		"participant_id": participant.ID,
		"group":          string(participant.Group),
	}); err != nil {
		return SessionState{}, err
	}

	task, err := e.createTaskForPhaseTx(ctx, tx, session, participant, 1)
	if err != nil {
		return SessionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionState{}, err
	}
	return SessionState{Session: session, Participant: participant, CurrentTask: task}, nil
}

// GetSessionState loads the session with the latest task of its current phase.
func (e Engine) GetSessionState(ctx context.Context, sessionID string) (SessionState, error) {
	session, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	participant, err := e.Repo.GetParticipant(ctx, session.ParticipantID)
	if err != nil {
		return SessionState{}, err
	}
	task, err := e.Repo.LatestTaskForPhase(ctx, session.ID, session.CurrentPhase)
	if err != nil {
		return SessionState{}, err
	}
	return SessionState{Session: session, Participant: participant, CurrentTask: task}, nil
}

// NextPhase advances the session to its next phase, switching mode per the
// group's order and creating the phase's task. Sessions have three phases.
func (e Engine) NextPhase(ctx context.Context, sessionID string) (SessionState, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return SessionState{}, err
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	participant, err := e.Repo.GetParticipantTx(ctx, tx, session.ParticipantID)
	if err != nil {
		return SessionState{}, err
	}
	if session.CurrentPhase >= study.PhaseCount {
		return SessionState{}, fmt.Errorf("%w: session already at final phase", ErrInvalidOperation)
	}

	session.CurrentPhase++
	mode, err := study.ModeForPhase(participant.Group, session.CurrentPhase)
	if err != nil {
		return SessionState{}, err
	}
	session.CurrentMode = mode
	if err := e.Repo.UpdateSessionTx(ctx, tx, session); err != nil {
		return SessionState{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.phase_advanced", session.ID, "session", session.ID, events.EventPayload{
		"current_phase": session.CurrentPhase,
		"current_mode":  string(session.CurrentMode),
	}); err != nil {
		return SessionState{}, err
	}

	task, err := e.createTaskForPhaseTx(ctx, tx, session, participant, session.CurrentPhase)
	if err != nil {
		return SessionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionState{}, err
	}
	return SessionState{Session: session, Participant: participant, CurrentTask: task}, nil
}

// CompleteSession stamps ended_at. Completion is terminal but not enforced;
// re-completing just refreshes the timestamp.
func (e Engine) CompleteSession(ctx context.Context, sessionID string) (domain.Session, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.nowRFC3339()
	session.EndedAt = &now
	if err := e.Repo.UpdateSessionTx(ctx, tx, session); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.completed", session.ID, "session", session.ID, nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (e Engine) createTaskForPhaseTx(ctx context.Context, tx *sql.Tx, session domain.Session, participant domain.Participant, phase int) (domain.Task, error) {
	var ticker string
	switch phase {
	case 1:
		ticker = participant.Phase1Ticker
	case 2:
		ticker = participant.Phase2Ticker
	case 3:
		ticker = participant.Phase3Ticker
	default:
		return domain.Task{}, fmt.Errorf("%w: phase %d out of range", ErrInvalidOperation, phase)
	}

	task := domain.Task{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Phase:     phase,
		Mode:      session.CurrentMode,
		Ticker:    ticker,
		QueryText: e.Config.Study.Queries[ticker],
		StartedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", session.ID, "task", task.ID, events.EventPayload{
		"phase":  phase,
		"mode":   string(task.Mode),
		"ticker": ticker,
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}
