package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finrisk/internal/config"
	"finrisk/internal/db"
	"finrisk/internal/engine"
	"finrisk/internal/migrate"
)

type testServer struct {
	handler http.Handler
	engine  engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := e.SeedDefinitions(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{Engine: e})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{handler: handler, engine: e}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	// Array responses are decoded by the caller from rec.Body.
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		var tmp any
		if err := json.Unmarshal(rec.Body.Bytes(), &tmp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
		decoded, _ = tmp.(map[string]any)
	}
	return rec, decoded
}

func errorBody(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	return envelope
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/v0/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStartSession(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/v0/sessions", map[string]any{"participant_id": "P01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", rec.Code, body)
	}
	session := body["session"].(map[string]any)
	if session["current_phase"].(float64) != 1 || session["current_mode"] != "baseline" {
		t.Fatalf("unexpected session: %v", session)
	}
	participant := body["participant"].(map[string]any)
	if participant["group"] != "A" {
		t.Fatalf("P01 should be group A, got %v", participant["group"])
	}
	task := body["current_task"].(map[string]any)
	if task["ticker"] != participant["phase1_ticker"] {
		t.Fatalf("task ticker mismatch: %v vs %v", task["ticker"], participant["phase1_ticker"])
	}
}

func TestStartSessionBadParticipant(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodPost, "/v0/sessions", map[string]any{"participant_id": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", rec.Code, body)
	}
	if code := errorBody(t, body)["code"]; code != "invalid_operation" {
		t.Fatalf("expected invalid_operation, got %v", code)
	}
}

func TestSessionNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/v0/sessions/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorBody(t, body)["code"]; code != "not_found" {
		t.Fatalf("expected not_found, got %v", code)
	}
}

// TestStudyFlow drives a participant end to end over HTTP: session at
// hitl_full, retrieval, chunk selection checkpoint with one failed attempt,
// generation, summary edit, questionnaire skip, completion.
func TestStudyFlow(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodPost, "/v0/sessions", map[string]any{"participant_id": "P01"})
	sessionID := body["session"].(map[string]any)["id"].(string)

	// walk to phase 3 where every checkpoint applies
	for i := 0; i < 2; i++ {
		rec, next := ts.do(t, http.MethodPost, "/v0/sessions/"+sessionID+"/next-phase", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("next-phase: %d %v", rec.Code, next)
		}
		body = next
	}
	task := body["current_task"].(map[string]any)
	taskID := task["id"].(string)
	if task["mode"] != "hitl_full" {
		t.Fatalf("expected hitl_full, got %v", task["mode"])
	}

	// retrieval falls back to the mock engine without credentials
	rec, taskBody := ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/query", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d %v", rec.Code, taskBody)
	}
	nodes := taskBody["retrieved_nodes"].([]any)
	if len(nodes) < 4 {
		t.Fatalf("expected at least 4 nodes, got %d", len(nodes))
	}
	firstNode := nodes[0].(map[string]any)["node_id"].(string)

	// chunk selector checkpoint
	rec, _ = ts.do(t, http.MethodGet, "/v0/tasks/"+taskID+"/checkpoints?pipeline_position=after_retrieval", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d", rec.Code)
	}
	var resolved []map[string]any
	recList := httptest.NewRecorder()
	ts.handler.ServeHTTP(recList, httptest.NewRequest(http.MethodGet, "/v0/tasks/"+taskID+"/checkpoints?pipeline_position=after_retrieval", nil))
	if err := json.Unmarshal(recList.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	if len(resolved) != 1 || resolved[0]["control_type"] != "chunk_selector" {
		t.Fatalf("unexpected checkpoints: %v", resolved)
	}
	instanceID := resolved[0]["id"].(string)
	if resolved[0]["state"] != "offered" {
		t.Fatalf("expected offered, got %v", resolved[0]["state"])
	}
	if resolved[0]["label"] != "Chunk Selector" {
		t.Fatalf("definition metadata missing: %v", resolved[0])
	}

	// bad submission: 422 with issue details
	rec, errResp := ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/checkpoints/"+instanceID+"/submit",
		map[string]any{"payload": map[string]any{"wrong": 1}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", rec.Code, errResp)
	}
	envelope := errorBody(t, errResp)
	if envelope["code"] != "validation_failed" || envelope["message"] != "Checkpoint submission validation failed" {
		t.Fatalf("unexpected envelope: %v", envelope)
	}
	details := envelope["details"].(map[string]any)
	if details["attempt_count"].(float64) != 1 || details["retry_available"] != true {
		t.Fatalf("unexpected details: %v", details)
	}
	issues := details["issues"].([]any)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", issues)
	}

	// retry then a valid submission
	rec, _ = ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/checkpoints/"+instanceID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d", rec.Code)
	}
	rec, submitted := ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/checkpoints/"+instanceID+"/submit",
		map[string]any{"payload": map[string]any{"selected_node_ids": []string{firstNode}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %v", rec.Code, submitted)
	}
	if submitted["state"] != "submitted" {
		t.Fatalf("expected submitted, got %v", submitted["state"])
	}
	if submitted["attempt_count"].(float64) != 1 {
		t.Fatalf("attempt_count should stay at 1, got %v", submitted["attempt_count"])
	}

	// generation, then the participant edits the summary
	rec, taskBody = ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/generate", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %v", rec.Code, taskBody)
	}
	summary, _ := taskBody["generated_summary"].(string)
	if summary == "" {
		t.Fatal("no generated summary")
	}
	rec, taskBody = ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/edit-summary",
		map[string]any{"edited_text": summary + " Reviewed."})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit-summary: %d %v", rec.Code, taskBody)
	}
	if taskBody["characters_edited"].(float64) != 10 {
		t.Fatalf("characters_edited = %v, want 10", taskBody["characters_edited"])
	}

	// questionnaire is optional, skip it
	recList = httptest.NewRecorder()
	ts.handler.ServeHTTP(recList, httptest.NewRequest(http.MethodGet, "/v0/tasks/"+taskID+"/checkpoints?pipeline_position=post_generation", nil))
	if err := json.Unmarshal(recList.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	questionnaireID := resolved[0]["id"].(string)
	rec, skipped := ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/checkpoints/"+questionnaireID+"/skip", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("skip: %d %v", rec.Code, skipped)
	}
	if skipped["state"] != "skipped" {
		t.Fatalf("expected skipped, got %v", skipped["state"])
	}

	rec, taskBody = ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete task: %d", rec.Code)
	}
	if taskBody["completed_at"] == nil {
		t.Fatal("completed_at not set")
	}

	rec, sessionBody := ts.do(t, http.MethodPost, "/v0/sessions/"+sessionID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete session: %d", rec.Code)
	}
	if sessionBody["ended_at"] == nil {
		t.Fatal("ended_at not set")
	}
}

func TestSkipRequiredCheckpoint(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/v0/sessions", map[string]any{"participant_id": "P01"})
	sessionID := body["session"].(map[string]any)["id"].(string)
	for i := 0; i < 2; i++ {
		_, body = ts.do(t, http.MethodPost, "/v0/sessions/"+sessionID+"/next-phase", nil)
	}
	taskID := body["current_task"].(map[string]any)["id"].(string)

	var resolved []map[string]any
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/tasks/"+taskID+"/checkpoints?pipeline_position=after_retrieval", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instanceID := resolved[0]["id"].(string)

	recSkip, errResp := ts.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/checkpoints/"+instanceID+"/skip", nil)
	if recSkip.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recSkip.Code)
	}
	if code := errorBody(t, errResp)["code"]; code != "invalid_operation" {
		t.Fatalf("expected invalid_operation, got %v", code)
	}
}

func TestDefinitionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/v0/checkpoint-definitions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var defs []map[string]any
	recList := httptest.NewRecorder()
	ts.handler.ServeHTTP(recList, httptest.NewRequest(http.MethodGet, "/v0/checkpoint-definitions", nil))
	if err := json.Unmarshal(recList.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 seeded definitions, got %d", len(defs))
	}

	// duplicate control_type conflicts
	rec, errResp := ts.do(t, http.MethodPost, "/v0/checkpoint-definitions", map[string]any{
		"control_type":      "chunk_selector",
		"label":             "Duplicate",
		"pipeline_position": "after_retrieval",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorBody(t, errResp)["code"]; code != "conflict" {
		t.Fatalf("expected conflict, got %v", code)
	}

	rec, created := ts.do(t, http.MethodPost, "/v0/checkpoint-definitions", map[string]any{
		"control_type":      "attention_check",
		"label":             "Attention Check",
		"pipeline_position": "post_generation",
		"applicable_modes":  []string{"*"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %v", rec.Code, created)
	}
	if created["max_retries"].(float64) != 2 {
		t.Fatalf("default max_retries = %v, want 2", created["max_retries"])
	}
	defID := created["id"].(string)

	rec, updated := ts.do(t, http.MethodPatch, "/v0/checkpoint-definitions/"+defID, map[string]any{
		"label": "Renamed Check",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %v", rec.Code, updated)
	}
	if updated["label"] != "Renamed Check" || updated["control_type"] != "attention_check" {
		t.Fatalf("unexpected update result: %v", updated)
	}

	rec, disabled := ts.do(t, http.MethodPost, "/v0/checkpoint-definitions/"+defID+"/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}
	if disabled["enabled"] != false {
		t.Fatalf("expected disabled, got %v", disabled["enabled"])
	}
}

func TestSyntheticEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, retrieved := ts.do(t, http.MethodPost, "/v0/synthetic/retrieve", map[string]any{
		"ticker": "MSFT",
		"query":  "cloud concentration risk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve: %d %v", rec.Code, retrieved)
	}
	if retrieved["status"] != "completed" || retrieved["scenario"] != "happy_path" {
		t.Fatalf("unexpected result: %v", retrieved)
	}
	nodes := retrieved["retrieved_nodes"].([]any)
	if len(nodes) == 0 {
		t.Fatal("no synthetic nodes")
	}

	rec, generated := ts.do(t, http.MethodPost, "/v0/synthetic/generate", map[string]any{
		"ticker":          "MSFT",
		"query":           "cloud concentration risk",
		"retrieval_id":    retrieved["retrieval_id"],
		"retrieved_nodes": nodes,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %v", rec.Code, generated)
	}
	if generated["summary"] == "" || generated["retrieval_id"] != retrieved["retrieval_id"] {
		t.Fatalf("unexpected generation: %v", generated)
	}

	// error scenarios relay upstream status
	rec, errResp := ts.do(t, http.MethodPost, "/v0/synthetic/retrieve", map[string]any{
		"ticker":   "MSFT",
		"scenario": "failed_retrieval",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code := errorBody(t, errResp)["code"]; code != "upstream_error" {
		t.Fatalf("expected upstream_error, got %v", code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/v0/sessions", map[string]any{"participant_id": "P02"})
	sessionID := body["session"].(map[string]any)["id"].(string)

	rec, events := ts.do(t, http.MethodGet, "/v0/events?session_id="+sessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	items := events["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected session.started and task.created, got %d events", len(items))
	}
	newest := items[0].(map[string]any)
	if newest["type"] != "task.created" {
		t.Fatalf("expected newest event task.created, got %v", newest["type"])
	}
}
