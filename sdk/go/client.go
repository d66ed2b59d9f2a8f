package finrisksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal FinRisk study HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID            string  `json:"id"`
	ParticipantID string  `json:"participant_id"`
	CurrentPhase  int     `json:"current_phase"`
	CurrentMode   string  `json:"current_mode"`
	StartedAt     string  `json:"started_at"`
	EndedAt       *string `json:"ended_at,omitempty"`
}

// Participant represents a provisioned study subject.
type Participant struct {
	ID           string `json:"id"`
	Group        string `json:"group"`
	Phase1Ticker string `json:"phase1_ticker"`
	Phase2Ticker string `json:"phase2_ticker"`
	Phase3Ticker string `json:"phase3_ticker"`
}

// RetrievalNode is one retrieved passage.
type RetrievalNode struct {
	NodeID          string `json:"node_id"`
	Title           string `json:"title"`
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Phase             int             `json:"phase"`
	Mode              string          `json:"mode"`
	Ticker            string          `json:"ticker"`
	QueryText         string          `json:"query_text,omitempty"`
	RetrievedNodes    []RetrievalNode `json:"retrieved_nodes,omitempty"`
	SelectedNodeIDs   []string        `json:"selected_node_ids,omitempty"`
	GeneratedSummary  *string         `json:"generated_summary,omitempty"`
	EditedSummary     *string         `json:"edited_summary,omitempty"`
	CharactersEdited  *int            `json:"characters_edited,omitempty"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
	TimeOnTaskSeconds *int            `json:"time_on_task_seconds,omitempty"`
}

// SessionState is the live session view returned by session endpoints.
type SessionState struct {
	Session     Session     `json:"session"`
	Participant Participant `json:"participant"`
	CurrentTask Task        `json:"current_task"`
}

// Checkpoint represents a checkpoint instance with its definition's
// rendering metadata folded in (partial).
type Checkpoint struct {
	ID               string           `json:"id"`
	TaskID           string           `json:"task_id"`
	DefinitionID     string           `json:"definition_id"`
	ControlType      string           `json:"control_type"`
	Label            string           `json:"label"`
	FieldSchema      []map[string]any `json:"field_schema"`
	PipelinePosition string           `json:"pipeline_position"`
	Required         bool             `json:"required"`
	MaxRetries       int              `json:"max_retries"`
	State            string           `json:"state"`
	Payload          map[string]any   `json:"payload,omitempty"`
	SubmitResult     map[string]any   `json:"submit_result,omitempty"`
	AttemptCount     int              `json:"attempt_count"`
	RetryAvailable   bool             `json:"retry_available"`
	LastError        *string          `json:"last_error,omitempty"`
	OfferedAt        *string          `json:"offered_at,omitempty"`
	SubmittedAt      *string          `json:"submitted_at,omitempty"`
}

// Definition represents a checkpoint definition (partial).
type Definition struct {
	ID               string           `json:"id"`
	ControlType      string           `json:"control_type"`
	Label            string           `json:"label"`
	Description      string           `json:"description,omitempty"`
	FieldSchema      []map[string]any `json:"field_schema"`
	PipelinePosition string           `json:"pipeline_position"`
	SortOrder        int              `json:"sort_order"`
	ApplicableModes  []string         `json:"applicable_modes"`
	Required         bool             `json:"required"`
	MaxRetries       int              `json:"max_retries"`
	Enabled          bool             `json:"enabled"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses, decoding the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartSession starts (or resumes provisioning for) a participant.
func (c *Client) StartSession(ctx context.Context, participantID string) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"participant_id": participantID}, &resp)
	return resp, err
}

// SessionState fetches the live view of a session.
func (c *Client) SessionState(ctx context.Context, sessionID string) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, ""), nil, &resp)
	return resp, err
}

// NextPhase advances a session to its next phase.
func (c *Client) NextPhase(ctx context.Context, sessionID string) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "next-phase"), nil, &resp)
	return resp, err
}

// CompleteSession ends a session.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "complete"), nil, &resp)
	return resp, err
}

// Task fetches a task.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// QueryTask runs retrieval for a task. query may be empty to use the
// ticker's configured query.
func (c *Client) QueryTask(ctx context.Context, taskID, query string) (Task, error) {
	body := map[string]any{}
	if query != "" {
		body["query"] = query
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "query"), body, &resp)
	return resp, err
}

// GenerateTask runs generation from the selected nodes (all retrieved nodes
// when selectedNodeIDs is empty).
func (c *Client) GenerateTask(ctx context.Context, taskID string, selectedNodeIDs []string) (Task, error) {
	body := map[string]any{}
	if len(selectedNodeIDs) > 0 {
		body["selected_node_ids"] = selectedNodeIDs
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "generate"), body, &resp)
	return resp, err
}

// SelectNodes records the participant's chunk selection.
func (c *Client) SelectNodes(ctx context.Context, taskID string, selected, rejected, selectionOrder []string) (Task, error) {
	body := map[string]any{
		"selected_node_ids": selected,
		"rejected_node_ids": rejected,
		"selection_order":   selectionOrder,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "select-nodes"), body, &resp)
	return resp, err
}

// EditSummary records the participant's edited summary text.
func (c *Client) EditSummary(ctx context.Context, taskID, editedText string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "edit-summary"), map[string]any{"edited_text": editedText}, &resp)
	return resp, err
}

// CompleteTask completes a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "complete"), nil, &resp)
	return resp, err
}

// ResolveCheckpoints returns the checkpoints offered to a task at a
// pipeline position, creating instances as needed.
func (c *Client) ResolveCheckpoints(ctx context.Context, taskID, position string) ([]Checkpoint, error) {
	endpoint := c.taskPath(taskID, "checkpoints")
	if position != "" {
		endpoint = fmt.Sprintf("%s?pipeline_position=%s", endpoint, url.QueryEscape(position))
	}
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Checkpoint fetches one checkpoint instance.
func (c *Client) Checkpoint(ctx context.Context, taskID, instanceID string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodGet, c.checkpointPath(taskID, instanceID, ""), nil, &resp)
	return resp, err
}

// SubmitCheckpoint submits a payload. Validation failures come back as an
// *APIError with status 422 and the issues in Details.
func (c *Client) SubmitCheckpoint(ctx context.Context, taskID, instanceID string, payload map[string]any) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, c.checkpointPath(taskID, instanceID, "submit"), map[string]any{"payload": payload}, &resp)
	return resp, err
}

// SkipCheckpoint skips an optional checkpoint.
func (c *Client) SkipCheckpoint(ctx context.Context, taskID, instanceID string) (Checkpoint, error) {
	return c.checkpointTransition(ctx, taskID, instanceID, "skip")
}

// RetryCheckpoint re-offers a failed, timed out, or skipped checkpoint.
func (c *Client) RetryCheckpoint(ctx context.Context, taskID, instanceID string) (Checkpoint, error) {
	return c.checkpointTransition(ctx, taskID, instanceID, "retry")
}

// TimeoutCheckpoint marks a checkpoint timed out.
func (c *Client) TimeoutCheckpoint(ctx context.Context, taskID, instanceID string) (Checkpoint, error) {
	return c.checkpointTransition(ctx, taskID, instanceID, "timeout")
}

func (c *Client) checkpointTransition(ctx context.Context, taskID, instanceID, action string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, c.checkpointPath(taskID, instanceID, action), nil, &resp)
	return resp, err
}

// Definitions lists checkpoint definitions.
func (c *Client) Definitions(ctx context.Context, enabledOnly bool) ([]Definition, error) {
	endpoint := "checkpoint-definitions"
	if enabledOnly {
		endpoint += "?enabled_only=true"
	}
	var resp []Definition
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) sessionPath(sessionID, action string) string {
	p := fmt.Sprintf("sessions/%s", url.PathEscape(sessionID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) taskPath(taskID, action string) string {
	p := fmt.Sprintf("tasks/%s", url.PathEscape(taskID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) checkpointPath(taskID, instanceID, action string) string {
	p := fmt.Sprintf("tasks/%s/checkpoints/%s", url.PathEscape(taskID), url.PathEscape(instanceID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
