package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"finrisk/internal/config"
	"finrisk/internal/db"
	"finrisk/internal/domain"
	"finrisk/internal/migrate"
	"finrisk/internal/repo"
)

type testEnv struct {
	engine Engine
	ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{engine: e, ctx: context.Background()}
}

func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	if _, err := env.engine.SeedDefinitions(env.ctx); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}
}

// fullModeTask walks a session to phase 3 (hitl_full for both groups) and
// returns its task.
func (env *testEnv) fullModeTask(t *testing.T, participantID string) domain.Task {
	t.Helper()
	state, err := env.engine.StartSession(env.ctx, participantID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	for i := 0; i < 2; i++ {
		state, err = env.engine.NextPhase(env.ctx, state.Session.ID)
		if err != nil {
			t.Fatalf("next phase: %v", err)
		}
	}
	if state.CurrentTask.Mode != domain.ModeHITLFull {
		t.Fatalf("expected hitl_full task, got %s", state.CurrentTask.Mode)
	}
	return state.CurrentTask
}

func (env *testEnv) resolveOne(t *testing.T, taskID string, position domain.PipelinePosition) ResolvedCheckpoint {
	t.Helper()
	resolved, err := env.engine.ResolveCheckpoints(env.ctx, taskID, position)
	if err != nil {
		t.Fatalf("resolve checkpoints: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(resolved))
	}
	return resolved[0]
}

func TestSeedDefinitionsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.engine.SeedDefinitions(env.ctx)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if created != 3 {
		t.Fatalf("expected 3 created, got %d", created)
	}
	created, err = env.engine.SeedDefinitions(env.ctx)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected reseed to create 0, got %d", created)
	}
	defs, err := env.engine.ListDefinitions(env.ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
}

func TestResolveCheckpointsCreatesAtOffered(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")

	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if cp.Definition.ControlType != "chunk_selector" {
		t.Fatalf("expected chunk_selector, got %s", cp.Definition.ControlType)
	}
	if cp.Instance.State != domain.StateOffered {
		t.Fatalf("expected offered, got %s", cp.Instance.State)
	}
	if cp.Instance.OfferedAt == nil {
		t.Fatal("offered_at not set")
	}
	if cp.Instance.ControlType != "chunk_selector" {
		t.Fatalf("control_type not denormalized: %q", cp.Instance.ControlType)
	}
}

func TestResolveCheckpointsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")

	first := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	second := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if first.Instance.ID != second.Instance.ID {
		t.Fatalf("resolution created a second instance: %s vs %s", first.Instance.ID, second.Instance.ID)
	}
	if second.Instance.OfferedAt == nil || *second.Instance.OfferedAt != *first.Instance.OfferedAt {
		t.Fatal("offered_at changed on re-resolution")
	}
}

func TestResolvePromotesPendingKeepingOfferedAt(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	// park the instance back at pending with an earlier offer stamp
	stamp := "2024-05-01T00:00:00Z"
	if _, err := env.engine.DB.ExecContext(env.ctx,
		`UPDATE checkpoint_instances SET state='pending', offered_at=? WHERE id=?`, stamp, cp.Instance.ID); err != nil {
		t.Fatalf("force pending: %v", err)
	}

	promoted := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if promoted.Instance.ID != cp.Instance.ID {
		t.Fatalf("promotion created a new instance: %s vs %s", promoted.Instance.ID, cp.Instance.ID)
	}
	if promoted.Instance.State != domain.StateOffered {
		t.Fatalf("expected offered after promotion, got %s", promoted.Instance.State)
	}
	if promoted.Instance.OfferedAt == nil || *promoted.Instance.OfferedAt != stamp {
		t.Fatalf("promotion must keep the existing offered_at, got %v", promoted.Instance.OfferedAt)
	}

	// a pending instance without a stamp gets one on promotion
	if _, err := env.engine.DB.ExecContext(env.ctx,
		`UPDATE checkpoint_instances SET state='pending', offered_at=NULL WHERE id=?`, cp.Instance.ID); err != nil {
		t.Fatalf("clear offered_at: %v", err)
	}
	promoted = env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if promoted.Instance.OfferedAt == nil {
		t.Fatal("offered_at not stamped on promotion")
	}
}

func TestResolveCheckpointsModeFilter(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	// phase 1 is baseline: no checkpoints anywhere
	state, err := env.engine.StartSession(env.ctx, "P01")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, pos := range []domain.PipelinePosition{domain.AfterRetrieval, domain.AfterGeneration, domain.PostGeneration} {
		resolved, err := env.engine.ResolveCheckpoints(env.ctx, state.CurrentTask.ID, pos)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(resolved) != 0 {
			t.Fatalf("baseline task should resolve no checkpoints at %s, got %d", pos, len(resolved))
		}
	}

	// phase 2 for group A is hitl_r: chunk_selector yes, summary_editor no
	state, err = env.engine.NextPhase(env.ctx, state.Session.ID)
	if err != nil {
		t.Fatalf("next phase: %v", err)
	}
	if state.CurrentTask.Mode != domain.ModeHITLR {
		t.Fatalf("expected hitl_r, got %s", state.CurrentTask.Mode)
	}
	env.resolveOne(t, state.CurrentTask.ID, domain.AfterRetrieval)
	resolved, err := env.engine.ResolveCheckpoints(env.ctx, state.CurrentTask.ID, domain.AfterGeneration)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("summary_editor should not apply to hitl_r, got %d checkpoints", len(resolved))
	}
}

func TestResolveCheckpointsWildcardMode(t *testing.T) {
	env := newTestEnv(t)
	def, err := env.engine.CreateDefinition(env.ctx, DefinitionCreateOptions{
		ControlType:      "attention_check",
		Label:            "Attention Check",
		PipelinePosition: domain.PostGeneration,
		ApplicableModes:  []string{domain.ModeWildcard},
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}

	state, err := env.engine.StartSession(env.ctx, "P01")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	cp := env.resolveOne(t, state.CurrentTask.ID, domain.PostGeneration)
	if cp.Definition.ID != def.ID {
		t.Fatalf("wildcard definition not resolved for baseline task")
	}
}

func TestResolveCheckpointsUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	if _, err := env.engine.ResolveCheckpoints(env.ctx, "nope", domain.AfterRetrieval); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveOrdering(t *testing.T) {
	env := newTestEnv(t)
	for _, ct := range []struct {
		controlType string
		sortOrder   int
	}{
		{"z_second", 10},
		{"a_first", 10},
		{"later", 20},
	} {
		_, err := env.engine.CreateDefinition(env.ctx, DefinitionCreateOptions{
			ControlType:      ct.controlType,
			Label:            ct.controlType,
			PipelinePosition: domain.AfterRetrieval,
			SortOrder:        ct.sortOrder,
			ApplicableModes:  []string{domain.ModeWildcard},
		})
		if err != nil {
			t.Fatalf("create %s: %v", ct.controlType, err)
		}
	}
	state, err := env.engine.StartSession(env.ctx, "P01")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	resolved, err := env.engine.ResolveCheckpoints(env.ctx, state.CurrentTask.ID, domain.AfterRetrieval)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var got []string
	for _, cp := range resolved {
		got = append(got, cp.Definition.ControlType)
	}
	want := []string{"a_first", "z_second", "later"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestSubmitSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	outcome, err := env.engine.Submit(env.ctx, task.ID, cp.Instance.ID, map[string]any{
		"selected_node_ids": []any{"0001:1", "0002:1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("expected accepted, got issues %v", outcome.Issues)
	}
	in := outcome.Instance
	if in.State != domain.StateSubmitted {
		t.Fatalf("expected submitted, got %s", in.State)
	}
	if in.SubmittedAt == nil {
		t.Fatal("submitted_at not set")
	}
	if in.LastError != nil {
		t.Fatalf("last_error should be cleared, got %q", *in.LastError)
	}
	if in.AttemptCount != 0 {
		t.Fatalf("successful submit should not charge an attempt, got %d", in.AttemptCount)
	}
	if in.SubmitResult == nil {
		t.Fatal("submit_result not stored")
	}
}

func TestSubmitValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	outcome, err := env.engine.Submit(env.ctx, task.ID, cp.Instance.ID, map[string]any{
		"bogus": "x",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Accepted() {
		t.Fatal("expected validation failure")
	}
	in := outcome.Instance
	if in.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", in.State)
	}
	if in.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", in.AttemptCount)
	}
	if in.FailedAt == nil {
		t.Fatal("failed_at not set")
	}
	if in.LastError == nil {
		t.Fatal("last_error not set")
	}
	if want := "bogus: Unexpected field; selected_node_ids: This field is required"; *in.LastError != want {
		t.Fatalf("last_error = %q, want %q", *in.LastError, want)
	}
	// payload persisted even though rejected
	if in.Payload == nil || in.Payload["bogus"] != "x" {
		t.Fatalf("payload not persisted: %#v", in.Payload)
	}
	if !outcome.RetryAvailable() {
		t.Fatal("first failure should leave retries available")
	}
}

func TestRetryFlowAndLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	// retry from offered is invalid
	if _, err := env.engine.Retry(env.ctx, task.ID, cp.Instance.ID); !strings.Contains(err.Error(), "retried") || !isInvalidOperation(err) {
		t.Fatalf("expected invalid operation, got %v", err)
	}

	fail := func() SubmitOutcome {
		outcome, err := env.engine.Submit(env.ctx, task.ID, cp.Instance.ID, map[string]any{})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if outcome.Accepted() {
			t.Fatal("expected failure")
		}
		return outcome
	}

	fail()
	re, err := env.engine.Retry(env.ctx, task.ID, cp.Instance.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if re.Instance.State != domain.StateOffered {
		t.Fatalf("expected offered after retry, got %s", re.Instance.State)
	}
	if re.Instance.AttemptCount != 1 {
		t.Fatalf("retry must not reset attempt_count, got %d", re.Instance.AttemptCount)
	}
	if re.Instance.LastError != nil || re.Instance.FailedAt != nil {
		t.Fatal("retry should clear last_error and failed_at")
	}

	outcome := fail()
	if outcome.Instance.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", outcome.Instance.AttemptCount)
	}
	if outcome.RetryAvailable() {
		t.Fatal("attempt budget should be exhausted at max_retries")
	}
	if _, err := env.engine.Retry(env.ctx, task.ID, cp.Instance.ID); !isRetryLimit(err) {
		t.Fatalf("expected retry limit error, got %v", err)
	}
}

func TestSkipSemantics(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")

	required := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if _, err := env.engine.Skip(env.ctx, task.ID, required.Instance.ID); !isInvalidOperation(err) {
		t.Fatalf("required checkpoint skip should be invalid, got %v", err)
	}

	// required blocks skip in every state, including submitted
	outcome, err := env.engine.Submit(env.ctx, task.ID, required.Instance.ID, map[string]any{
		"selected_node_ids": []any{"0001:1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("expected accepted, got issues %v", outcome.Issues)
	}
	if _, err := env.engine.Skip(env.ctx, task.ID, required.Instance.ID); !isInvalidOperation(err) {
		t.Fatalf("skip of submitted required checkpoint should be invalid, got %v", err)
	}

	optional := env.resolveOne(t, task.ID, domain.PostGeneration)
	skipped, err := env.engine.Skip(env.ctx, task.ID, optional.Instance.ID)
	if err != nil {
		t.Fatalf("skip optional: %v", err)
	}
	if skipped.Instance.State != domain.StateSkipped {
		t.Fatalf("expected skipped, got %s", skipped.Instance.State)
	}

	// a skipped checkpoint can be re-opened
	re, err := env.engine.Retry(env.ctx, task.ID, optional.Instance.ID)
	if err != nil {
		t.Fatalf("retry from skipped: %v", err)
	}
	if re.Instance.State != domain.StateOffered {
		t.Fatalf("expected offered, got %s", re.Instance.State)
	}
}

func TestTimeoutSemantics(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	timed, err := env.engine.Timeout(env.ctx, task.ID, cp.Instance.ID)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	in := timed.Instance
	if in.State != domain.StateTimedOut {
		t.Fatalf("expected timed_out, got %s", in.State)
	}
	if in.AttemptCount != 1 {
		t.Fatalf("timeout should charge an attempt, got %d", in.AttemptCount)
	}
	if in.LastError == nil || *in.LastError != "Checkpoint timed out" {
		t.Fatalf("unexpected last_error: %v", in.LastError)
	}
	if in.FailedAt == nil {
		t.Fatal("failed_at not set")
	}

	// submit successfully, then timeout must be rejected
	re, err := env.engine.Retry(env.ctx, task.ID, cp.Instance.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := env.engine.Submit(env.ctx, task.ID, re.Instance.ID, map[string]any{
		"selected_node_ids": []any{"0001:1"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.Timeout(env.ctx, task.ID, cp.Instance.ID); !isInvalidOperation(err) {
		t.Fatalf("timeout of submitted checkpoint should be invalid, got %v", err)
	}
}

func TestGetInstanceScopedToTask(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	taskA := env.fullModeTask(t, "P01")
	taskB := env.fullModeTask(t, "P03")
	cp := env.resolveOne(t, taskA.ID, domain.AfterRetrieval)

	if _, err := env.engine.GetInstance(env.ctx, taskA.ID, cp.Instance.ID); err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if _, err := env.engine.GetInstance(env.ctx, taskB.ID, cp.Instance.ID); err != repo.ErrNotFound {
		t.Fatalf("cross-task fetch should be not found, got %v", err)
	}
}

func TestDefinitionConflictAndPartialUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	_, err := env.engine.CreateDefinition(env.ctx, DefinitionCreateOptions{
		ControlType:      "chunk_selector",
		Label:            "Duplicate",
		PipelinePosition: domain.AfterRetrieval,
	})
	if !isConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	defs, err := env.engine.ListDefinitions(env.ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var target domain.CheckpointDefinition
	for _, d := range defs {
		if d.ControlType == "questionnaire" {
			target = d
		}
	}

	newLabel := "Exit Survey"
	updated, err := env.engine.UpdateDefinition(env.ctx, target.ID, DefinitionUpdateOptions{Label: &newLabel})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Label != newLabel {
		t.Fatalf("label not updated: %s", updated.Label)
	}
	// untouched fields keep their values
	if updated.SortOrder != target.SortOrder || updated.Required != target.Required {
		t.Fatal("partial update modified unrelated fields")
	}
	if updated.ControlType != "questionnaire" {
		t.Fatal("control_type must be immutable")
	}
	if len(updated.FieldSchema) != 3 {
		t.Fatalf("field schema lost: %d fields", len(updated.FieldSchema))
	}
}

func TestDisableDefinitionStopsResolution(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)

	if _, err := env.engine.SetDefinitionEnabled(env.ctx, cp.Definition.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// a new task no longer offers it
	other := env.fullModeTask(t, "P03")
	resolved, err := env.engine.ResolveCheckpoints(env.ctx, other.ID, domain.AfterRetrieval)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("disabled definition still resolving, got %d", len(resolved))
	}

	// the existing instance still works
	if _, err := env.engine.GetInstance(env.ctx, task.ID, cp.Instance.ID); err != nil {
		t.Fatalf("existing instance broken by disable: %v", err)
	}

	enabledOnly, err := env.engine.ListDefinitions(env.ctx, true)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	for _, d := range enabledOnly {
		if d.ID == cp.Definition.ID {
			t.Fatal("disabled definition in enabled-only listing")
		}
	}
}

func TestStartSessionProvisionsParticipant(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.engine.StartSession(env.ctx, "P02")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.Participant.Group != domain.GroupB {
		t.Fatalf("P02 should be group B, got %s", state.Participant.Group)
	}
	if state.Session.CurrentPhase != 1 || state.Session.CurrentMode != domain.ModeBaseline {
		t.Fatalf("unexpected session state: phase=%d mode=%s", state.Session.CurrentPhase, state.Session.CurrentMode)
	}
	if state.CurrentTask.Ticker != state.Participant.Phase1Ticker {
		t.Fatalf("task ticker %s != phase1 ticker %s", state.CurrentTask.Ticker, state.Participant.Phase1Ticker)
	}
	if state.CurrentTask.QueryText == "" {
		t.Fatal("task query not filled from config")
	}

	// second session reuses the participant
	again, err := env.engine.StartSession(env.ctx, "P02")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if again.Participant.Phase1Ticker != state.Participant.Phase1Ticker {
		t.Fatal("participant re-provisioned with different tickers")
	}

	if _, err := env.engine.StartSession(env.ctx, "bogus"); !isInvalidOperation(err) {
		t.Fatalf("bad participant id should be invalid, got %v", err)
	}
}

func TestPhaseProgression(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.engine.StartSession(env.ctx, "P02")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	wantModes := []domain.Mode{domain.ModeHITLG, domain.ModeHITLFull}
	wantTickers := []string{state.Participant.Phase2Ticker, state.Participant.Phase3Ticker}
	for i := 0; i < 2; i++ {
		state, err = env.engine.NextPhase(env.ctx, state.Session.ID)
		if err != nil {
			t.Fatalf("next phase: %v", err)
		}
		if state.Session.CurrentPhase != i+2 {
			t.Fatalf("expected phase %d, got %d", i+2, state.Session.CurrentPhase)
		}
		if state.Session.CurrentMode != wantModes[i] {
			t.Fatalf("expected mode %s, got %s", wantModes[i], state.Session.CurrentMode)
		}
		if state.CurrentTask.Ticker != wantTickers[i] {
			t.Fatalf("expected ticker %s, got %s", wantTickers[i], state.CurrentTask.Ticker)
		}
	}

	if _, err := env.engine.NextPhase(env.ctx, state.Session.ID); !isInvalidOperation(err) {
		t.Fatalf("fourth phase should be invalid, got %v", err)
	}

	completed, err := env.engine.CompleteSession(env.ctx, state.Session.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.EndedAt == nil {
		t.Fatal("ended_at not set")
	}
}

func TestTaskPipelineWithMockFallback(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.engine.StartSession(env.ctx, "P01")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	taskID := state.CurrentTask.ID

	// no live credentials configured: retrieval falls back to the mock engine
	task, err := env.engine.QueryTask(env.ctx, taskID, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(task.RetrievedNodes) == 0 {
		t.Fatal("no nodes retrieved")
	}
	if task.RetrievalID == nil || !strings.HasPrefix(*task.RetrievalID, "sr-mock-") {
		t.Fatalf("unexpected retrieval id: %v", task.RetrievalID)
	}
	if task.RetrievalCompletedAt == nil {
		t.Fatal("retrieval_completed_at not set")
	}

	// select a subset, preserving click order
	first := task.RetrievedNodes[0].NodeID
	second := task.RetrievedNodes[1].NodeID
	task, err = env.engine.SelectNodes(env.ctx, taskID,
		[]string{first, second}, []string{task.RetrievedNodes[2].NodeID}, []string{second, first, "unknown"})
	if err != nil {
		t.Fatalf("select nodes: %v", err)
	}
	if len(task.SelectedNodeIDs) != 2 || task.SelectedNodeIDs[0] != second || task.SelectedNodeIDs[1] != first {
		t.Fatalf("selection order not preserved: %v", task.SelectedNodeIDs)
	}

	task, err = env.engine.GenerateTask(env.ctx, taskID, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if task.GeneratedSummary == nil || !strings.Contains(*task.GeneratedSummary, "Executive overview") {
		t.Fatal("mock summary not generated")
	}
	if task.GenerationCompletedAt == nil {
		t.Fatal("generation_completed_at not set")
	}

	edited := *task.GeneratedSummary + " extra!"
	task, err = env.engine.EditSummary(env.ctx, taskID, edited, []domain.FlaggedSpan{{Start: 0, End: 6, Text: "Execut", Reason: "check"}})
	if err != nil {
		t.Fatalf("edit summary: %v", err)
	}
	if task.CharactersEdited == nil || *task.CharactersEdited != 7 {
		t.Fatalf("characters_edited = %v, want 7", task.CharactersEdited)
	}
	if len(task.FlaggedSpans) != 1 {
		t.Fatalf("flagged spans not stored: %d", len(task.FlaggedSpans))
	}

	task, err = env.engine.CompleteTask(env.ctx, taskID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.CompletedAt == nil || task.TimeOnTaskSeconds == nil {
		t.Fatal("completion fields not set")
	}
}

func TestGenerateRequiresRetrieval(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.engine.StartSession(env.ctx, "P01")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.GenerateTask(env.ctx, state.CurrentTask.ID, nil); !isInvalidOperation(err) {
		t.Fatalf("generate before retrieval should be invalid, got %v", err)
	}
	if _, err := env.engine.SelectNodes(env.ctx, state.CurrentTask.ID, nil, nil, nil); !isInvalidOperation(err) {
		t.Fatalf("select before retrieval should be invalid, got %v", err)
	}
	if _, err := env.engine.EditSummary(env.ctx, state.CurrentTask.ID, "x", nil); !isInvalidOperation(err) {
		t.Fatalf("edit before generation should be invalid, got %v", err)
	}
}

func TestEventsAppendedOnTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	task := env.fullModeTask(t, "P01")
	cp := env.resolveOne(t, task.ID, domain.AfterRetrieval)
	if _, err := env.engine.Submit(env.ctx, task.ID, cp.Instance.ID, map[string]any{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	evts, err := env.engine.Repo.LatestEvents(env.ctx, 50, task.SessionID, "", "checkpoint_instance", cp.Instance.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, evt := range evts {
		types = append(types, evt.Type)
	}
	// newest first
	if len(types) != 2 || types[0] != "checkpoint.failed" || types[1] != "checkpoint.offered" {
		t.Fatalf("unexpected event trail: %v", types)
	}
}

func isInvalidOperation(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrInvalidOperation.Error())
}

func isRetryLimit(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrRetryLimit.Error())
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrConflict.Error())
}
