package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"finrisk/internal/domain"
	"finrisk/internal/events"
	"finrisk/internal/repo"
)

// Catalog defaults applied when a create request leaves them unset.
const (
	DefaultMaxRetries                  = 2
	DefaultCircuitBreakerThreshold     = 5
	DefaultCircuitBreakerWindowMinutes = 60
)

// DefinitionCreateOptions are parameters for creating a checkpoint
// definition. Zero-valued retry and circuit breaker knobs pick up defaults.
type DefinitionCreateOptions struct {
	ControlType                 string
	Label                       string
	Description                 string
	FieldSchema                 []domain.FieldDefinition
	PipelinePosition            domain.PipelinePosition
	SortOrder                   int
	ApplicableModes             []string
	Required                    bool
	TimeoutSeconds              *int
	MaxRetries                  *int
	CircuitBreakerThreshold     *int
	CircuitBreakerWindowMinutes *int
	Enabled                     *bool
}

// CreateDefinition installs a new checkpoint type. control_type is the
// natural key; a duplicate is a Conflict.
func (e Engine) CreateDefinition(ctx context.Context, opts DefinitionCreateOptions) (domain.CheckpointDefinition, error) {
	if opts.ControlType == "" {
		return domain.CheckpointDefinition{}, fmt.Errorf("%w: control_type is required", ErrInvalidOperation)
	}
	if opts.Label == "" {
		return domain.CheckpointDefinition{}, fmt.Errorf("%w: label is required", ErrInvalidOperation)
	}
	if !opts.PipelinePosition.Valid() {
		return domain.CheckpointDefinition{}, fmt.Errorf("%w: invalid pipeline_position %q", ErrInvalidOperation, opts.PipelinePosition)
	}
	if err := validateApplicableModes(opts.ApplicableModes); err != nil {
		return domain.CheckpointDefinition{}, err
	}

	now := e.nowRFC3339()
	def := domain.CheckpointDefinition{
		ID:                          uuid.NewString(),
		ControlType:                 opts.ControlType,
		Label:                       opts.Label,
		Description:                 opts.Description,
		FieldSchema:                 opts.FieldSchema,
		PipelinePosition:            opts.PipelinePosition,
		SortOrder:                   opts.SortOrder,
		ApplicableModes:             opts.ApplicableModes,
		Required:                    opts.Required,
		TimeoutSeconds:              opts.TimeoutSeconds,
		MaxRetries:                  intOrDefault(opts.MaxRetries, DefaultMaxRetries),
		CircuitBreakerThreshold:     intOrDefault(opts.CircuitBreakerThreshold, DefaultCircuitBreakerThreshold),
		CircuitBreakerWindowMinutes: intOrDefault(opts.CircuitBreakerWindowMinutes, DefaultCircuitBreakerWindowMinutes),
		Enabled:                     true,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if opts.Enabled != nil {
		def.Enabled = *opts.Enabled
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CheckpointDefinition{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDefinitionTx(ctx, tx, def); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.CheckpointDefinition{}, fmt.Errorf("%w: definition with control_type %q already exists", ErrConflict, def.ControlType)
		}
		return domain.CheckpointDefinition{}, err
	}
	if err := e.appendDefinitionEvent(ctx, tx, "definition.created", def); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	return def, nil
}

func (e Engine) GetDefinition(ctx context.Context, id string) (domain.CheckpointDefinition, error) {
	return e.Repo.GetDefinition(ctx, id)
}

func (e Engine) ListDefinitions(ctx context.Context, enabledOnly bool) ([]domain.CheckpointDefinition, error) {
	return e.Repo.ListDefinitions(ctx, enabledOnly)
}

// DefinitionUpdateOptions carries a partial update: nil fields keep their
// stored value. control_type is immutable.
type DefinitionUpdateOptions struct {
	Label                       *string
	Description                 *string
	FieldSchema                 []domain.FieldDefinition
	PipelinePosition            *domain.PipelinePosition
	SortOrder                   *int
	ApplicableModes             []string
	Required                    *bool
	TimeoutSeconds              *int
	ClearTimeout                bool
	MaxRetries                  *int
	CircuitBreakerThreshold     *int
	CircuitBreakerWindowMinutes *int
	Enabled                     *bool
}

func (e Engine) UpdateDefinition(ctx context.Context, id string, opts DefinitionUpdateOptions) (domain.CheckpointDefinition, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CheckpointDefinition{}, err
	}
	defer tx.Rollback()

	def, err := e.Repo.GetDefinitionTx(ctx, tx, id)
	if err != nil {
		return domain.CheckpointDefinition{}, err
	}

	if opts.Label != nil {
		def.Label = *opts.Label
	}
	if opts.Description != nil {
		def.Description = *opts.Description
	}
	if opts.FieldSchema != nil {
		def.FieldSchema = opts.FieldSchema
	}
	if opts.PipelinePosition != nil {
		if !opts.PipelinePosition.Valid() {
			return domain.CheckpointDefinition{}, fmt.Errorf("%w: invalid pipeline_position %q", ErrInvalidOperation, *opts.PipelinePosition)
		}
		def.PipelinePosition = *opts.PipelinePosition
	}
	if opts.SortOrder != nil {
		def.SortOrder = *opts.SortOrder
	}
	if opts.ApplicableModes != nil {
		if err := validateApplicableModes(opts.ApplicableModes); err != nil {
			return domain.CheckpointDefinition{}, err
		}
		def.ApplicableModes = opts.ApplicableModes
	}
	if opts.Required != nil {
		def.Required = *opts.Required
	}
	if opts.ClearTimeout {
		def.TimeoutSeconds = nil
	} else if opts.TimeoutSeconds != nil {
		def.TimeoutSeconds = opts.TimeoutSeconds
	}
	if opts.MaxRetries != nil {
		def.MaxRetries = *opts.MaxRetries
	}
	if opts.CircuitBreakerThreshold != nil {
		def.CircuitBreakerThreshold = *opts.CircuitBreakerThreshold
	}
	if opts.CircuitBreakerWindowMinutes != nil {
		def.CircuitBreakerWindowMinutes = *opts.CircuitBreakerWindowMinutes
	}
	if opts.Enabled != nil {
		def.Enabled = *opts.Enabled
	}
	def.UpdatedAt = e.nowRFC3339()

	if err := e.Repo.UpdateDefinitionTx(ctx, tx, def); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	if err := e.appendDefinitionEvent(ctx, tx, "definition.updated", def); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	return def, nil
}

// SetDefinitionEnabled toggles a definition in or out of resolution.
// Disabling is the soft delete: existing instances keep working.
func (e Engine) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) (domain.CheckpointDefinition, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CheckpointDefinition{}, err
	}
	defer tx.Rollback()

	def, err := e.Repo.GetDefinitionTx(ctx, tx, id)
	if err != nil {
		return domain.CheckpointDefinition{}, err
	}
	if def.Enabled != enabled {
		def.Enabled = enabled
		def.UpdatedAt = e.nowRFC3339()
		if err := e.Repo.UpdateDefinitionTx(ctx, tx, def); err != nil {
			return domain.CheckpointDefinition{}, err
		}
		evtType := "definition.disabled"
		if enabled {
			evtType = "definition.enabled"
		}
		if err := e.appendDefinitionEvent(ctx, tx, evtType, def); err != nil {
			return domain.CheckpointDefinition{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.CheckpointDefinition{}, err
	}
	return def, nil
}

// SeedDefinitions installs the builtin study checkpoints, keyed by
// control_type so reseeding is a no-op. Returns how many were created.
func (e Engine) SeedDefinitions(ctx context.Context) (int, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	created := 0
	now := e.nowRFC3339()
	for _, builtin := range builtinDefinitions() {
		_, err := e.Repo.GetDefinitionByControlTypeTx(ctx, tx, builtin.ControlType)
		if err == nil {
			continue
		}
		if err != repo.ErrNotFound {
			return 0, err
		}
		builtin.ID = uuid.NewString()
		builtin.CreatedAt = now
		builtin.UpdatedAt = now
		if err := e.Repo.InsertDefinitionTx(ctx, tx, builtin); err != nil {
			return 0, err
		}
		if err := e.appendDefinitionEvent(ctx, tx, "definition.created", builtin); err != nil {
			return 0, err
		}
		created++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func (e Engine) appendDefinitionEvent(ctx context.Context, tx *sql.Tx, evtType string, def domain.CheckpointDefinition) error {
	return e.Events.Append(ctx, tx, evtType, "", "checkpoint_definition", def.ID, events.EventPayload{
		"control_type":      def.ControlType,
		"pipeline_position": string(def.PipelinePosition),
		"enabled":           def.Enabled,
	})
}

func validateApplicableModes(modes []string) error {
	for _, m := range modes {
		if m == domain.ModeWildcard {
			continue
		}
		if !domain.Mode(m).Valid() {
			return fmt.Errorf("%w: invalid mode %q in applicable_modes", ErrInvalidOperation, m)
		}
	}
	return nil
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func sevenPointScale() []domain.FieldOption {
	opts := make([]domain.FieldOption, 0, 7)
	for i := 1; i <= 7; i++ {
		v := fmt.Sprintf("%d", i)
		opts = append(opts, domain.FieldOption{Value: v, Label: v})
	}
	return opts
}

// builtinDefinitions are the three study checkpoints: chunk selection after
// retrieval, summary editing after generation, and the post-task
// questionnaire.
func builtinDefinitions() []domain.CheckpointDefinition {
	return []domain.CheckpointDefinition{
		{
			ControlType: "chunk_selector",
			Label:       "Chunk Selector",
			Description: "Select which retrieved chunks should be used for generation.",
			FieldSchema: []domain.FieldDefinition{
				{Key: "selected_node_ids", Type: "chips", Label: "Selected node IDs", Required: true},
			},
			PipelinePosition:            domain.AfterRetrieval,
			SortOrder:                   10,
			ApplicableModes:             []string{string(domain.ModeHITLR), string(domain.ModeHITLFull)},
			Required:                    true,
			MaxRetries:                  DefaultMaxRetries,
			CircuitBreakerThreshold:     DefaultCircuitBreakerThreshold,
			CircuitBreakerWindowMinutes: DefaultCircuitBreakerWindowMinutes,
			Enabled:                     true,
		},
		{
			ControlType: "summary_editor",
			Label:       "Summary Editor",
			Description: "Edit generated summary before finalization.",
			FieldSchema: []domain.FieldDefinition{
				{Key: "edited_text", Type: "textarea", Label: "Edited summary", Required: true, Placeholder: "Review and edit the generated summary..."},
			},
			PipelinePosition:            domain.AfterGeneration,
			SortOrder:                   20,
			ApplicableModes:             []string{string(domain.ModeHITLG), string(domain.ModeHITLFull)},
			Required:                    true,
			MaxRetries:                  DefaultMaxRetries,
			CircuitBreakerThreshold:     DefaultCircuitBreakerThreshold,
			CircuitBreakerWindowMinutes: DefaultCircuitBreakerWindowMinutes,
			Enabled:                     true,
		},
		{
			ControlType: "questionnaire",
			Label:       "Post-Task Questionnaire",
			Description: "Capture post-task confidence and quality feedback.",
			FieldSchema: []domain.FieldDefinition{
				{Key: "q_accuracy", Type: "select", Label: "The summary accurately reflects the company's risk factors", Required: true, Options: sevenPointScale()},
				{Key: "q_no_errors", Type: "select", Label: "The summary contains no factual errors", Required: true, Options: sevenPointScale()},
				{Key: "q_trust", Type: "select", Label: "I trust this summary for investment decisions", Required: true, Options: sevenPointScale()},
			},
			PipelinePosition:            domain.PostGeneration,
			SortOrder:                   30,
			ApplicableModes:             []string{string(domain.ModeHITLR), string(domain.ModeHITLG), string(domain.ModeHITLFull)},
			Required:                    false,
			MaxRetries:                  DefaultMaxRetries,
			CircuitBreakerThreshold:     DefaultCircuitBreakerThreshold,
			CircuitBreakerWindowMinutes: DefaultCircuitBreakerWindowMinutes,
			Enabled:                     true,
		},
	}
}
