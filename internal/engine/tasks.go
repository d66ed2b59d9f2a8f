package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"finrisk/internal/domain"
	"finrisk/internal/events"
	"finrisk/internal/retrieval"
)

// UpstreamError is a pipeline stage failure attributable to an upstream
// service (live or simulated), carrying the status the API should relay.
type UpstreamError struct {
	Message    string
	StatusCode int
}

func (e *UpstreamError) Error() string { return e.Message }

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}

// QueryTask runs retrieval for the task's ticker. Live PageIndex is tried
// first; any live failure or empty result falls back to the deterministic
// mock engine unless the fallback is disabled.
func (e Engine) QueryTask(ctx context.Context, taskID, queryOverride string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	query := queryOverride
	if query == "" {
		query = task.QueryText
	}

	var nodes []domain.RetrievalNode
	var retrievalID string
	outcome, liveErr := e.PageIndex.Retrieve(ctx, task.Ticker, query)
	if liveErr != nil {
		var pageErr *retrieval.PageIndexError
		if !errors.As(liveErr, &pageErr) {
			return domain.Task{}, liveErr
		}
		if !e.Config.Mock.EnableFallback {
			return domain.Task{}, &UpstreamError{Message: "retrieval failed and fallback is disabled", StatusCode: 503}
		}
		nodes, retrievalID, err = e.mockRetrieve(task.Ticker, query)
		if err != nil {
			return domain.Task{}, err
		}
	} else {
		nodes, retrievalID = outcome.Nodes, outcome.RetrievalID
	}

	if len(nodes) == 0 {
		if !e.Config.Mock.EnableFallback {
			return domain.Task{}, &UpstreamError{Message: "retrieval returned no nodes", StatusCode: 502}
		}
		nodes, retrievalID, err = e.mockRetrieve(task.Ticker, query)
		if err != nil {
			return domain.Task{}, err
		}
	}

	now := e.nowRFC3339()
	task.QueryText = query
	task.RetrievedNodes = nodes
	if retrievalID != "" {
		task.RetrievalID = &retrievalID
	}
	task.RetrievalCompletedAt = &now

	return e.saveTask(ctx, task, "task.retrieval_completed", events.EventPayload{
		"node_count": len(nodes),
	})
}

func (e Engine) mockRetrieve(ticker, query string) ([]domain.RetrievalNode, string, error) {
	engine := retrieval.NewMockEngine(e.Config.Mock.Scenario, e.Config.Mock.SeedSalt)
	result, err := engine.Retrieve(ticker, query)
	if err != nil {
		var mockErr *retrieval.MockError
		if errors.As(err, &mockErr) {
			return nil, "", &UpstreamError{Message: mockErr.Message, StatusCode: mockErr.StatusCode}
		}
		return nil, "", err
	}
	return result.Nodes, result.RetrievalID, nil
}

// GenerateTask produces the risk summary over the selected nodes. With no
// explicit selection the task's stored selection applies, then all retrieved
// nodes. The LLM failure fallback is the deterministic mock summary.
func (e Engine) GenerateTask(ctx context.Context, taskID string, selectedNodeIDs []string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(task.RetrievedNodes) == 0 {
		return domain.Task{}, fmt.Errorf("%w: run retrieval before generation", ErrInvalidOperation)
	}

	selected := selectedNodeIDs
	if len(selected) == 0 {
		selected = task.SelectedNodeIDs
	}
	if len(selected) == 0 {
		for _, node := range task.RetrievedNodes {
			selected = append(selected, node.NodeID)
		}
	}

	selectedSet := make(map[string]bool, len(selected))
	for _, id := range selected {
		selectedSet[id] = true
	}
	var nodes []domain.RetrievalNode
	for _, node := range task.RetrievedNodes {
		if selectedSet[node.NodeID] {
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		return domain.Task{}, fmt.Errorf("%w: no nodes selected for generation", ErrInvalidOperation)
	}

	summary, llmErr := e.LLM.GenerateSummary(ctx, task.Ticker, task.QueryText, nodes)
	if llmErr != nil {
		var svcErr *retrieval.LLMError
		if !errors.As(llmErr, &svcErr) {
			return domain.Task{}, llmErr
		}
		if !e.Config.Mock.EnableFallback {
			return domain.Task{}, &UpstreamError{Message: "generation failed and fallback is disabled", StatusCode: 503}
		}
		summary = retrieval.MockSummary(task.Ticker, task.QueryText, nodes)
	}

	now := e.nowRFC3339()
	task.SelectedNodeIDs = selected
	task.GeneratedSummary = &summary
	task.GenerationCompletedAt = &now

	return e.saveTask(ctx, task, "task.generation_completed", events.EventPayload{
		"used_node_count": len(nodes),
	})
}

// SelectNodes records the participant's chunk triage. The stored selection is
// selection_order filtered to the accepted ids, preserving click order.
func (e Engine) SelectNodes(ctx context.Context, taskID string, selectedNodeIDs, rejectedNodeIDs, selectionOrder []string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(task.RetrievedNodes) == 0 {
		return domain.Task{}, fmt.Errorf("%w: run retrieval before selecting nodes", ErrInvalidOperation)
	}

	selectedSet := make(map[string]bool, len(selectedNodeIDs))
	for _, id := range selectedNodeIDs {
		selectedSet[id] = true
	}
	var ordered []string
	for _, id := range selectionOrder {
		if selectedSet[id] {
			ordered = append(ordered, id)
		}
	}

	task.SelectedNodeIDs = ordered
	task.RejectedNodeIDs = rejectedNodeIDs

	return e.saveTask(ctx, task, "task.nodes_selected", events.EventPayload{
		"selected_count": len(ordered),
		"rejected_count": len(rejectedNodeIDs),
	})
}

// EditSummary stores the participant's revision with the character delta and
// any spans they flagged as suspect.
func (e Engine) EditSummary(ctx context.Context, taskID, editedText string, flaggedSpans []domain.FlaggedSpan) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.GeneratedSummary == nil {
		return domain.Task{}, fmt.Errorf("%w: generate summary before editing", ErrInvalidOperation)
	}

	delta := utf8.RuneCountInString(editedText) - utf8.RuneCountInString(*task.GeneratedSummary)
	if delta < 0 {
		delta = -delta
	}

	now := e.nowRFC3339()
	task.EditedSummary = &editedText
	task.CharactersEdited = &delta
	task.FlaggedSpans = flaggedSpans
	task.EditCompletedAt = &now

	return e.saveTask(ctx, task, "task.summary_edited", events.EventPayload{
		"characters_edited": delta,
		"flagged_spans":     len(flaggedSpans),
	})
}

// CompleteTask stamps completion and derives time on task from started_at.
func (e Engine) CompleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	now := e.now().UTC()
	completedAt := now.Format(time.RFC3339)
	task.CompletedAt = &completedAt
	if started, err := time.Parse(time.RFC3339, task.StartedAt); err == nil {
		seconds := int(now.Sub(started).Seconds())
		task.TimeOnTaskSeconds = &seconds
	}

	return e.saveTask(ctx, task, "task.completed", events.EventPayload{
		"time_on_task_seconds": task.TimeOnTaskSeconds,
	})
}

func (e Engine) saveTask(ctx context.Context, task domain.Task, evtType string, payload events.EventPayload) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, task.SessionID, "task", task.ID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}
