package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"finrisk/internal/config"
	"finrisk/internal/events"
	"finrisk/internal/repo"
	"finrisk/internal/retrieval"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	// ErrInvalidOperation marks a request the current state forbids.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrConflict marks a uniqueness clash, like a duplicate control_type.
	ErrConflict = errors.New("conflict")
	// ErrRetryLimit marks a retry past the definition's max_retries budget.
	ErrRetryLimit = errors.New("retry limit reached")
)

// Engine owns every study transition. Each exported operation runs in one
// transaction and appends its audit events inside it.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	PageIndex *retrieval.PageIndexClient
	LLM       *retrieval.LLMClient
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		PageIndex: retrieval.NewPageIndexClient(cfg),
		LLM:       retrieval.NewLLMClient(cfg),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}
