package server

import (
	"encoding/json"

	"finrisk/internal/domain"
	"finrisk/internal/engine"
	"finrisk/internal/retrieval"
)

// Request payloads

type StartSessionRequest struct {
	ParticipantID string `json:"participant_id"`
}

type QueryTaskRequest struct {
	Query string `json:"query,omitempty"`
}

type GenerateTaskRequest struct {
	SelectedNodeIDs []string `json:"selected_node_ids,omitempty"`
}

type SelectNodesRequest struct {
	SelectedNodeIDs []string `json:"selected_node_ids"`
	RejectedNodeIDs []string `json:"rejected_node_ids,omitempty"`
	SelectionOrder  []string `json:"selection_order,omitempty"`
}

type EditSummaryRequest struct {
	EditedText   string               `json:"edited_text"`
	FlaggedSpans []domain.FlaggedSpan `json:"flagged_spans,omitempty"`
}

type SubmitCheckpointRequest struct {
	Payload map[string]any `json:"payload"`
}

type CreateDefinitionRequest struct {
	ControlType                 string                   `json:"control_type"`
	Label                       string                   `json:"label"`
	Description                 *string                  `json:"description,omitempty"`
	FieldSchema                 []domain.FieldDefinition `json:"field_schema,omitempty"`
	PipelinePosition            string                   `json:"pipeline_position" enum:"after_retrieval,after_generation,post_generation"`
	SortOrder                   *int                     `json:"sort_order,omitempty"`
	ApplicableModes             []string                 `json:"applicable_modes,omitempty"`
	Required                    *bool                    `json:"required,omitempty"`
	TimeoutSeconds              *int                     `json:"timeout_seconds,omitempty"`
	MaxRetries                  *int                     `json:"max_retries,omitempty"`
	CircuitBreakerThreshold     *int                     `json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerWindowMinutes *int                     `json:"circuit_breaker_window_minutes,omitempty"`
	Enabled                     *bool                    `json:"enabled,omitempty"`
}

type UpdateDefinitionRequest struct {
	Label                       *string                  `json:"label,omitempty"`
	Description                 *string                  `json:"description,omitempty"`
	FieldSchema                 []domain.FieldDefinition `json:"field_schema,omitempty"`
	PipelinePosition            *string                  `json:"pipeline_position,omitempty" enum:"after_retrieval,after_generation,post_generation"`
	SortOrder                   *int                     `json:"sort_order,omitempty"`
	ApplicableModes             []string                 `json:"applicable_modes,omitempty"`
	Required                    *bool                    `json:"required,omitempty"`
	TimeoutSeconds              *int                     `json:"timeout_seconds,omitempty"`
	MaxRetries                  *int                     `json:"max_retries,omitempty"`
	CircuitBreakerThreshold     *int                     `json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerWindowMinutes *int                     `json:"circuit_breaker_window_minutes,omitempty"`
	Enabled                     *bool                    `json:"enabled,omitempty"`
}

type SyntheticRetrieveRequest struct {
	Ticker   string `json:"ticker"`
	Query    string `json:"query,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

type SyntheticGenerateRequest struct {
	Ticker      string                    `json:"ticker"`
	Query       string                    `json:"query,omitempty"`
	RetrievalID string                    `json:"retrieval_id,omitempty"`
	Scenario    string                    `json:"scenario,omitempty"`
	Nodes       []retrieval.SyntheticNode `json:"retrieved_nodes,omitempty"`
}

// Response payloads

// SessionResponse is the live session view: the session row, its participant,
// and the current phase's task.
type SessionResponse struct {
	Session     domain.Session     `json:"session"`
	Participant domain.Participant `json:"participant"`
	CurrentTask domain.Task        `json:"current_task"`
}

// CheckpointInstanceResponse folds the rendering metadata from the definition
// into the instance so clients can draw the form without a second fetch.
type CheckpointInstanceResponse struct {
	ID               string                   `json:"id"`
	TaskID           string                   `json:"task_id"`
	DefinitionID     string                   `json:"definition_id"`
	ControlType      string                   `json:"control_type"`
	Label            string                   `json:"label"`
	Description      string                   `json:"description,omitempty"`
	FieldSchema      []domain.FieldDefinition `json:"field_schema"`
	PipelinePosition domain.PipelinePosition  `json:"pipeline_position" enum:"after_retrieval,after_generation,post_generation"`
	Required         bool                     `json:"required"`
	TimeoutSeconds   *int                     `json:"timeout_seconds,omitempty"`
	MaxRetries       int                      `json:"max_retries"`
	State            domain.CheckpointState   `json:"state" enum:"pending,offered,active,submitted,collapsed,skipped,failed,timed_out"`
	Payload          map[string]any           `json:"payload,omitempty"`
	SubmitResult     map[string]any           `json:"submit_result,omitempty"`
	AttemptCount     int                      `json:"attempt_count"`
	RetryAvailable   bool                     `json:"retry_available"`
	LastError        *string                  `json:"last_error,omitempty"`
	FailedAt         *string                  `json:"failed_at,omitempty" format:"date-time"`
	OfferedAt        *string                  `json:"offered_at,omitempty" format:"date-time"`
	SubmittedAt      *string                  `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt        string                   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(state engine.SessionState) SessionResponse {
	return SessionResponse{
		Session:     state.Session,
		Participant: state.Participant,
		CurrentTask: state.CurrentTask,
	}
}

func instanceResponse(cp engine.ResolvedCheckpoint) CheckpointInstanceResponse {
	def, in := cp.Definition, cp.Instance
	return CheckpointInstanceResponse{
		ID:               in.ID,
		TaskID:           in.TaskID,
		DefinitionID:     in.DefinitionID,
		ControlType:      in.ControlType,
		Label:            def.Label,
		Description:      def.Description,
		FieldSchema:      nonNilSlice(def.FieldSchema),
		PipelinePosition: def.PipelinePosition,
		Required:         def.Required,
		TimeoutSeconds:   def.TimeoutSeconds,
		MaxRetries:       def.MaxRetries,
		State:            in.State,
		Payload:          in.Payload,
		SubmitResult:     in.SubmitResult,
		AttemptCount:     in.AttemptCount,
		RetryAvailable:   in.AttemptCount < def.MaxRetries,
		LastError:        in.LastError,
		FailedAt:         in.FailedAt,
		OfferedAt:        in.OfferedAt,
		SubmittedAt:      in.SubmittedAt,
		CreatedAt:        in.CreatedAt,
	}
}

func mapInstances(items []engine.ResolvedCheckpoint) []CheckpointInstanceResponse {
	res := make([]CheckpointInstanceResponse, 0, len(items))
	for _, cp := range items {
		res = append(res, instanceResponse(cp))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
