package domain

// Mode is the study condition governing which checkpoints are active for a task.
type Mode string

const (
	ModeBaseline Mode = "baseline"
	ModeHITLR    Mode = "hitl_r"
	ModeHITLG    Mode = "hitl_g"
	ModeHITLFull Mode = "hitl_full"
)

// ModeWildcard in applicable_modes matches every mode.
const ModeWildcard = "*"

func (m Mode) Valid() bool {
	switch m {
	case ModeBaseline, ModeHITLR, ModeHITLG, ModeHITLFull:
		return true
	}
	return false
}

// PipelinePosition is where in the task pipeline a checkpoint is offered.
type PipelinePosition string

const (
	AfterRetrieval  PipelinePosition = "after_retrieval"
	AfterGeneration PipelinePosition = "after_generation"
	PostGeneration  PipelinePosition = "post_generation"
)

func (p PipelinePosition) Valid() bool {
	switch p {
	case AfterRetrieval, AfterGeneration, PostGeneration:
		return true
	}
	return false
}

// CheckpointState is the lifecycle state of one checkpoint instance.
type CheckpointState string

const (
	StatePending   CheckpointState = "pending"
	StateOffered   CheckpointState = "offered"
	StateActive    CheckpointState = "active"
	StateSubmitted CheckpointState = "submitted"
	StateCollapsed CheckpointState = "collapsed"
	StateSkipped   CheckpointState = "skipped"
	StateFailed    CheckpointState = "failed"
	StateTimedOut  CheckpointState = "timed_out"
)

// Terminal reports whether the state ends the instance's participation in the
// task flow. failed and timed_out are recoverable via retry, so not terminal.
func (s CheckpointState) Terminal() bool {
	switch s {
	case StateSubmitted, StateSkipped, StateCollapsed:
		return true
	}
	return false
}

// Group is the counterbalancing arm a participant is assigned to.
type Group string

const (
	GroupA Group = "A"
	GroupB Group = "B"
)

type Participant struct {
	ID           string `json:"id"`
	Group        Group  `json:"group" enum:"A,B"`
	Phase1Ticker string `json:"phase1_ticker"`
	Phase2Ticker string `json:"phase2_ticker"`
	Phase3Ticker string `json:"phase3_ticker"`
}

type Session struct {
	ID            string  `json:"id"`
	ParticipantID string  `json:"participant_id"`
	CurrentPhase  int     `json:"current_phase"`
	CurrentMode   Mode    `json:"current_mode" enum:"baseline,hitl_r,hitl_g,hitl_full"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	EndedAt       *string `json:"ended_at,omitempty" format:"date-time"`
}

// RetrievalNode is one normalized passage returned by retrieval.
type RetrievalNode struct {
	NodeID          string `json:"node_id"`
	Title           string `json:"title"`
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

// FlaggedSpan marks a region of the summary the participant flagged while editing.
type FlaggedSpan struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Task is one unit of study work: one phase, one mode, one ticker.
// Checkpoint instances hang off the task and are deleted with it.
type Task struct {
	ID                    string          `json:"id"`
	SessionID             string          `json:"session_id"`
	Phase                 int             `json:"phase"`
	Mode                  Mode            `json:"mode" enum:"baseline,hitl_r,hitl_g,hitl_full"`
	Ticker                string          `json:"ticker"`
	QueryText             string          `json:"query_text,omitempty"`
	StartedAt             string          `json:"started_at" format:"date-time"`
	CompletedAt           *string         `json:"completed_at,omitempty" format:"date-time"`
	TimeOnTaskSeconds     *int            `json:"time_on_task_seconds,omitempty"`
	RetrievalID           *string         `json:"retrieval_id,omitempty"`
	RetrievedNodes        []RetrievalNode `json:"retrieved_nodes,omitempty"`
	SelectedNodeIDs       []string        `json:"selected_node_ids,omitempty"`
	RejectedNodeIDs       []string        `json:"rejected_node_ids,omitempty"`
	GeneratedSummary      *string         `json:"generated_summary,omitempty"`
	EditedSummary         *string         `json:"edited_summary,omitempty"`
	FlaggedSpans          []FlaggedSpan   `json:"flagged_spans,omitempty"`
	CharactersEdited      *int            `json:"characters_edited,omitempty"`
	RetrievalCompletedAt  *string         `json:"retrieval_completed_at,omitempty" format:"date-time"`
	GenerationCompletedAt *string         `json:"generation_completed_at,omitempty" format:"date-time"`
	EditCompletedAt       *string         `json:"edit_completed_at,omitempty" format:"date-time"`
}

// FieldOption is one selectable value for option-backed field types.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// FieldDefinition describes one form field inside a checkpoint's schema.
type FieldDefinition struct {
	Key         string        `json:"key"`
	Type        string        `json:"type"`
	Label       string        `json:"label,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Options     []FieldOption `json:"options,omitempty"`
	Min         *float64      `json:"min,omitempty"`
	Max         *float64      `json:"max,omitempty"`
	Default     any           `json:"default,omitempty"`
}

// CheckpointDefinition is a reusable checkpoint type. Definitions are never
// hard-deleted; disabling hides them from resolution while existing instances
// keep pointing at them.
type CheckpointDefinition struct {
	ID                          string            `json:"id"`
	ControlType                 string            `json:"control_type"`
	Label                       string            `json:"label"`
	Description                 string            `json:"description,omitempty"`
	FieldSchema                 []FieldDefinition `json:"field_schema"`
	PipelinePosition            PipelinePosition  `json:"pipeline_position" enum:"after_retrieval,after_generation,post_generation"`
	SortOrder                   int               `json:"sort_order"`
	ApplicableModes             []string          `json:"applicable_modes"`
	Required                    bool              `json:"required"`
	TimeoutSeconds              *int              `json:"timeout_seconds,omitempty"`
	MaxRetries                  int               `json:"max_retries"`
	CircuitBreakerThreshold     int               `json:"circuit_breaker_threshold"`
	CircuitBreakerWindowMinutes int               `json:"circuit_breaker_window_minutes"`
	Enabled                     bool              `json:"enabled"`
	CreatedAt                   string            `json:"created_at" format:"date-time"`
	UpdatedAt                   string            `json:"updated_at" format:"date-time"`
}

// AppliesTo reports whether the definition is active for the given mode.
func (d CheckpointDefinition) AppliesTo(mode Mode) bool {
	for _, m := range d.ApplicableModes {
		if m == ModeWildcard || m == string(mode) {
			return true
		}
	}
	return false
}

// CheckpointInstance is the per-task materialization of a definition.
// ControlType is denormalized from the definition at creation time so the
// record stays readable after the definition is edited or disabled.
type CheckpointInstance struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	DefinitionID string          `json:"definition_id"`
	ControlType  string          `json:"control_type"`
	State        CheckpointState `json:"state" enum:"pending,offered,active,submitted,collapsed,skipped,failed,timed_out"`
	Payload      map[string]any  `json:"payload,omitempty"`
	SubmitResult map[string]any  `json:"submit_result,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	LastError    *string         `json:"last_error,omitempty"`
	FailedAt     *string         `json:"failed_at,omitempty" format:"date-time"`
	OfferedAt    *string         `json:"offered_at,omitempty" format:"date-time"`
	SubmittedAt  *string         `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
