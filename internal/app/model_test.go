package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"automl-tui/internal/backendstub"
	"automl-tui/internal/monitor"
	"automl-tui/internal/service"
	"automl-tui/internal/storage"
	"automl-tui/internal/wizard"

	tea "github.com/charmbracelet/bubbletea"
)

// runCmd executes cmd and flattens batches into the messages they produce.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	switch msg := cmd().(type) {
	case nil:
		return nil
	case tea.BatchMsg:
		var out []tea.Msg
		for _, c := range msg {
			out = append(out, runCmd(c)...)
		}
		return out
	default:
		return []tea.Msg{msg}
	}
}

func findMsg[T any](t *testing.T, msgs []tea.Msg) T {
	t.Helper()
	for _, msg := range msgs {
		if typed, ok := msg.(T); ok {
			return typed
		}
	}
	var zero T
	t.Fatalf("no %T among %d messages", zero, len(msgs))
	return zero
}

func hasMsg[T any](msgs []tea.Msg) bool {
	for _, msg := range msgs {
		if _, ok := msg.(T); ok {
			return true
		}
	}
	return false
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

type stubEnv struct {
	stub   *backendstub.Server
	client *service.Client
	store  *storage.Store
}

func newStubEnv(t *testing.T, opts ...backendstub.Option) stubEnv {
	t.Helper()
	stub := backendstub.New(opts...)
	server := httptest.NewServer(stub.Handler())
	t.Cleanup(server.Close)
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return stubEnv{
		stub:   stub,
		client: service.NewClient(service.Options{BaseURL: server.URL, Timeout: 2 * time.Second}),
		store:  store,
	}
}

func newTestModel(backend Backend, store *storage.Store) Model {
	m := NewModelWithOptions(backend, store, Options{
		PollInterval:   time.Millisecond,
		ListInterval:   time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func TestGenerateSubmitAndMonitorToCompletion(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t, backendstub.WithRunIDs("abc123"), backendstub.WithCandidates(
		map[string]any{"statement": "Predict customer churn"},
		map[string]any{"raw_text": "Detect fraudulent transactions"},
	))
	m := newTestModel(env.client, env.store)

	m, _ = update(t, m, keyRunes("n"))
	if m.wizard.Step() != wizard.StepGenerating {
		t.Fatalf("expected generating step, got %s", m.wizard.Step())
	}
	m.hintInput.SetValue("customers")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, findMsg[candidatesMsg](t, runCmd(cmd)))
	if m.wizard.Step() != wizard.StepCandidatesReady || len(m.wizard.Candidates()) != 2 {
		t.Fatalf("expected two candidates, got %s %v", m.wizard.Step(), m.wizard.Candidates())
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.wizard.Step() != wizard.StepStatementChosen || m.statementEditor.Value() != "Detect fraudulent transactions" {
		t.Fatalf("unexpected choice: %s %q", m.wizard.Step(), m.statementEditor.Value())
	}

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	if !m.wizard.Submitting() {
		t.Fatalf("expected submission to be outstanding")
	}
	m, cmd = update(t, m, findMsg[runSubmittedMsg](t, runCmd(cmd)))
	if m.Screen() != "run" || m.monitor == nil || m.monitor.RunID() != "abc123" {
		t.Fatalf("expected to watch abc123, got screen=%s", m.Screen())
	}
	if m.wizard.Step() != wizard.StepUndecided {
		t.Fatalf("wizard should reset after submission, got %s", m.wizard.Step())
	}
	sub := env.stub.Submission("abc123")
	if sub["problem_statement"] != "Detect fraudulent transactions" {
		t.Fatalf("unexpected submission: %v", sub)
	}

	msgs := runCmd(cmd)
	for i := 0; m.monitor.Polling(); i++ {
		if i > 50 {
			t.Fatalf("monitor never finished")
		}
		var next []tea.Msg
		for _, msg := range msgs {
			switch msg.(type) {
			case runStatusMsg, pollTickMsg:
				var c tea.Cmd
				m, c = update(t, m, msg)
				next = append(next, runCmd(c)...)
			}
		}
		msgs = next
	}

	if m.monitor.Phase() != monitor.PhaseCompleted {
		t.Fatalf("expected completed, got %s", m.monitor.Phase())
	}
	if got := m.monitor.Snapshot().State.Metrics["f1"]; got != 0.83 {
		t.Fatalf("expected f1 0.83, got %v", got)
	}
	if polls := env.stub.Polls("abc123"); polls != len(backendstub.DefaultFrames("abc123")) {
		t.Fatalf("expected one poll per frame, got %d", polls)
	}
	if !strings.Contains(m.View(), "xgboost") {
		t.Fatalf("expected best model in view")
	}

	saved := findMsg[runSavedMsg](t, msgs)
	if saved.err != nil {
		t.Fatalf("save run: %v", saved.err)
	}
	if saved.summary.Statement != "Detect fraudulent transactions" || saved.summary.MetricValue != 0.83 {
		t.Fatalf("unexpected saved summary: %+v", saved.summary)
	}
}

func TestPollTickAfterLeavingRunIsIgnored(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("slow", map[string]any{"status": "running"})
	m := newTestModel(env.client, env.store)

	cmd := m.openRun("slow", nil)
	msgs := runCmd(cmd)
	tick := findMsg[pollTickMsg](t, msgs)
	status := findMsg[runStatusMsg](t, msgs)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlN})
	if m.monitor != nil || m.Screen() != "new run" {
		t.Fatalf("expected monitor to be torn down")
	}
	if status.fetch.Ctx.Err() == nil {
		t.Fatalf("leaving the view should cancel the outstanding fetch")
	}

	polls := env.stub.Polls("slow")
	m, cmd = update(t, m, tick)
	if cmd != nil {
		t.Fatalf("tick for a closed monitor scheduled more work")
	}
	m, _ = update(t, m, status)
	if env.stub.Polls("slow") != polls {
		t.Fatalf("backend polled after the view was left")
	}
}

func TestSwitchingRunsIgnoresOldResponses(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("run-a", map[string]any{"status": "completed", "state": map[string]any{"best_model": "a-model"}})
	env.stub.Script("run-b", map[string]any{"status": "running", "state": map[string]any{"phase": "training"}})
	m := newTestModel(env.client, env.store)

	oldStatus := findMsg[runStatusMsg](t, runCmd(m.openRun("run-a", nil)))
	newStatus := findMsg[runStatusMsg](t, runCmd(m.openRun("run-b", nil)))

	m, _ = update(t, m, newStatus)
	m, cmd := update(t, m, oldStatus)
	if cmd != nil {
		t.Fatalf("stale response produced a command")
	}
	snap := m.monitor.Snapshot()
	if m.monitor.RunID() != "run-b" || snap == nil || snap.State.BestModel != "" || snap.State.Phase != "training" {
		t.Fatalf("run-b snapshot polluted: %+v", snap)
	}
}

type failingBackend struct {
	Backend
	startErr error
	genErr   error
}

func (f failingBackend) StartRun(context.Context, service.RunSubmission) (string, error) {
	return "", f.startErr
}

func (f failingBackend) GenerateCandidates(context.Context, string) ([]service.Candidate, error) {
	return nil, f.genErr
}

func TestFailedSubmitKeepsStatementForRetry(t *testing.T) {
	t.Parallel()

	backend := failingBackend{startErr: &service.TransportError{Op: "start run", StatusCode: 503, Message: "unavailable"}}
	m := newTestModel(backend, nil)

	m, _ = update(t, m, keyRunes("y"))
	m.statementEditor.SetValue("Predict customer churn")
	_ = m.wizard.SetStatement(m.statementEditor.Value())

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	m, _ = update(t, m, findMsg[runSubmittedMsg](t, runCmd(cmd)))

	if m.Screen() != "new run" || m.wizard.Step() != wizard.StepHasStatement {
		t.Fatalf("expected to stay on the form, got %s/%s", m.Screen(), m.wizard.Step())
	}
	if m.wizard.RawStatement() != "Predict customer churn" {
		t.Fatalf("statement lost: %q", m.wizard.RawStatement())
	}
	if !strings.Contains(m.errorText, "unavailable") {
		t.Fatalf("expected retryable error, got %q", m.errorText)
	}
	if m.wizard.Submitting() {
		t.Fatalf("submission should have settled")
	}
}

func TestInvalidBudgetBlocksSubmission(t *testing.T) {
	t.Parallel()

	m := newTestModel(failingBackend{}, nil)
	m, _ = update(t, m, keyRunes("y"))
	_ = m.wizard.SetStatement("Predict customer churn")
	m.budgetInput.SetValue("ten")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	if cmd != nil || m.wizard.Submitting() {
		t.Fatalf("invalid budget must not reach the network")
	}
	if !strings.Contains(m.errorText, "training_budget_minutes") {
		t.Fatalf("expected validation error, got %q", m.errorText)
	}
}

func TestGenerationFailureIsRetryable(t *testing.T) {
	t.Parallel()

	m := newTestModel(failingBackend{genErr: errors.New("dial tcp: connection refused")}, nil)
	m, _ = update(t, m, keyRunes("n"))
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, findMsg[candidatesMsg](t, runCmd(cmd)))

	if m.wizard.Step() != wizard.StepGenerating || !strings.Contains(m.errorText, "retry") {
		t.Fatalf("expected retryable error in generating step, got %s %q", m.wizard.Step(), m.errorText)
	}
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd == nil {
		t.Fatalf("expected retry to issue a new request")
	}
}

func TestEscBacksOutOfWizard(t *testing.T) {
	t.Parallel()

	m := newTestModel(failingBackend{}, nil)
	m, _ = update(t, m, keyRunes("y"))
	m.statementEditor.SetValue("half typed")
	_ = m.wizard.SetStatement("half typed")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.wizard.Step() != wizard.StepUndecided || m.wizard.RawStatement() != "" || m.statementEditor.Value() != "" {
		t.Fatalf("expected a clean wizard, got %s %q", m.wizard.Step(), m.wizard.RawStatement())
	}
}

func TestTransportErrorOnPollIsShownAndRefreshResumes(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("abc123", map[string]any{"status": "running", "state": map[string]any{"phase": "training"}})
	m := newTestModel(env.client, env.store)

	first := findMsg[runStatusMsg](t, runCmd(m.openRun("abc123", nil)))
	m, _ = update(t, m, first)

	fetch, ok := m.monitor.Refresh()
	if !ok {
		t.Fatalf("expected refresh fetch")
	}
	m, _ = update(t, m, runStatusMsg{fetch: fetch, err: &service.TransportError{Op: "poll status", Message: "connection refused"}})
	if m.monitor.Phase() != monitor.PhaseErrored {
		t.Fatalf("expected errored, got %s", m.monitor.Phase())
	}
	view := m.View()
	if !strings.Contains(view, "Connection problem") || strings.Contains(view, "Run failed") {
		t.Fatalf("transport error rendered like a failed run")
	}

	m, cmd := update(t, m, keyRunes("r"))
	msgs := runCmd(cmd)
	if !hasMsg[pollTickMsg](msgs) {
		t.Fatalf("refresh from errored should re-arm polling")
	}
	m, _ = update(t, m, findMsg[runStatusMsg](t, msgs))
	if m.monitor.Phase() != monitor.PhaseActive || m.errorText != "" {
		t.Fatalf("expected active again, got %s %q", m.monitor.Phase(), m.errorText)
	}
}

func TestRunsListingOpensSelectedRunAndStopsRefreshing(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("listed-run", map[string]any{"status": "completed"})
	m := newTestModel(env.client, env.store)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	if m.Screen() != "runs" || m.refresher == nil {
		t.Fatalf("expected runs screen")
	}
	msgs := runCmd(cmd)
	m, _ = update(t, m, findMsg[runsListedMsg](t, msgs))
	if row := m.runsTable.SelectedRow(); len(row) == 0 || row[0] != "listed-run" {
		t.Fatalf("expected listed-run row, got %v", row)
	}

	tick := findMsg[listTickMsg](t, msgs)
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.Screen() != "run" || m.monitor.RunID() != "listed-run" || m.refresher != nil {
		t.Fatalf("expected to open listed-run")
	}
	if _, c := update(t, m, tick); c != nil {
		t.Fatalf("listing tick after leaving produced work")
	}
	m, _ = update(t, m, findMsg[runStatusMsg](t, runCmd(cmd)))
	if m.monitor.Phase() != monitor.PhaseCompleted {
		t.Fatalf("expected completed, got %s", m.monitor.Phase())
	}
}

func TestListingErrorKeepsPolling(t *testing.T) {
	t.Parallel()

	m := newTestModel(failingBackend{}, nil)
	m.screen = screenRuns
	m.refresher = monitor.NewRefresher(time.Millisecond)
	fetch, _ := m.refresher.Start()

	m, _ = update(t, m, runsListedMsg{fetch: fetch, err: errors.New("connection reset")})
	if !strings.Contains(m.errorText, "connection reset") {
		t.Fatalf("expected listing error, got %q", m.errorText)
	}
	_, cmd := update(t, m, listTickMsg{session: m.refresher.Session()})
	if cmd == nil {
		t.Fatalf("expected listing to keep polling")
	}
}

func TestDownloadArtifactSavesIntoStore(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("abc123", map[string]any{"status": "completed", "artifacts": []any{"abc123_model.joblib"}})
	env.stub.AddArtifact("abc123_model.joblib", []byte("model bytes"))
	m := newTestModel(env.client, env.store)

	m, _ = update(t, m, findMsg[runStatusMsg](t, runCmd(m.openRun("abc123", nil))))
	m, cmd := update(t, m, keyRunes("d"))
	saved := findMsg[artifactSavedMsg](t, runCmd(cmd))
	if saved.err != nil {
		t.Fatalf("download: %v", saved.err)
	}
	m, _ = update(t, m, saved)
	blob, err := os.ReadFile(saved.path)
	if err != nil || string(blob) != "model bytes" {
		t.Fatalf("unexpected artifact on disk: %q %v", blob, err)
	}
	if !strings.Contains(m.statusText, "Downloaded abc123_model.joblib") {
		t.Fatalf("unexpected status: %q", m.statusText)
	}
}

func TestDraftPrefillsForm(t *testing.T) {
	t.Parallel()

	m := NewModelWithOptions(failingBackend{}, nil, Options{
		Draft:     &Draft{ProblemStatement: "Forecast weekly sales", TrainingBudgetMinutes: 90, PrimaryMetric: "R2"},
		DraftPath: "/tmp/draft.json",
	})
	if m.wizard.Step() != wizard.StepHasStatement || m.statementEditor.Value() != "Forecast weekly sales" {
		t.Fatalf("draft statement not applied: %s %q", m.wizard.Step(), m.statementEditor.Value())
	}
	if m.budgetInput.Value() != "60" || m.metric != service.MetricR2 {
		t.Fatalf("draft preferences not applied: %q %s", m.budgetInput.Value(), m.metric)
	}
	if !strings.Contains(m.statusText, "/tmp/draft.json") {
		t.Fatalf("unexpected status: %q", m.statusText)
	}
}

func TestViewStaysWithinWindowHeight(t *testing.T) {
	t.Parallel()

	m := newTestModel(failingBackend{}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 16})
	m, _ = update(t, m, keyRunes("n"))
	if lines := strings.Count(m.View(), "\n") + 1; lines > 16 {
		t.Fatalf("view has %d lines, want at most 16", lines)
	}
}

func TestBackDuringSubmitDropsLateFailure(t *testing.T) {
	t.Parallel()

	backend := failingBackend{startErr: &service.TransportError{Op: "start run", Message: "boom"}}
	m := newTestModel(backend, nil)

	m, _ = update(t, m, keyRunes("y"))
	m.statementEditor.SetValue("Predict customer churn")
	_ = m.wizard.SetStatement(m.statementEditor.Value())
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	m, _ = update(t, m, findMsg[runSubmittedMsg](t, runCmd(cmd)))

	if m.wizard.Step() != wizard.StepUndecided {
		t.Fatalf("step = %s, want %s", m.wizard.Step(), wizard.StepUndecided)
	}
	if m.errorText != "" || m.wizard.Err() != nil {
		t.Fatalf("late failure surfaced after Back: %q %v", m.errorText, m.wizard.Err())
	}
}

func TestSavedRunOpensFromHistory(t *testing.T) {
	t.Parallel()

	env := newStubEnv(t)
	env.stub.Script("saved-run", map[string]any{"status": "completed"})
	sub := service.RunSubmission{
		ProblemStatement: "Forecast weekly sales",
		Preferences:      service.Preferences{TrainingBudgetMinutes: 5, PrimaryMetric: service.MetricR2},
	}
	if _, err := env.store.SaveRun(service.RunSnapshot{RunID: "saved-run", Status: service.StatusCompleted}, &sub); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	m := newTestModel(env.client, env.store)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	m, _ = update(t, m, findMsg[historyLoadedMsg](t, runCmd(cmd)))
	if len(m.history) != 1 {
		t.Fatalf("expected one saved run, got %d", len(m.history))
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if !m.historyFocus {
		t.Fatalf("expected tab to focus the saved runs panel")
	}
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, cmd = update(t, m, findMsg[bundleLoadedMsg](t, runCmd(cmd)))

	if m.Screen() != "run" || m.monitor.RunID() != "saved-run" || m.refresher != nil {
		t.Fatalf("expected saved-run to open, got screen %s", m.Screen())
	}
	if m.runSubmission == nil || m.runSubmission.ProblemStatement != "Forecast weekly sales" {
		t.Fatalf("submission not restored: %+v", m.runSubmission)
	}
	m, _ = update(t, m, findMsg[runStatusMsg](t, runCmd(cmd)))
	if m.monitor.Phase() != monitor.PhaseCompleted {
		t.Fatalf("expected completed, got %s", m.monitor.Phase())
	}
	if !strings.Contains(m.renderRunDetail(100), "Updated: ") {
		t.Fatalf("expected the last update time in the detail view")
	}
}

func TestSaveDraftFromForm(t *testing.T) {
	t.Parallel()

	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m := newTestModel(failingBackend{}, store)

	m, _ = update(t, m, keyRunes("y"))
	m.statementEditor.SetValue("Detect fraudulent transactions")
	m.metric = service.MetricROCAUC
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlO})
	saved := findMsg[draftSavedMsg](t, runCmd(cmd))
	if saved.err != nil {
		t.Fatalf("save draft: %v", saved.err)
	}
	m, _ = update(t, m, saved)
	if !strings.Contains(m.statusText, "Draft saved") {
		t.Fatalf("unexpected status: %q", m.statusText)
	}

	draft, _, err := LoadDraftFile(filepath.Join(store.RootDir(), "draft.json"))
	if err != nil {
		t.Fatalf("LoadDraftFile: %v", err)
	}
	want := Draft{ProblemStatement: "Detect fraudulent transactions", TrainingBudgetMinutes: wizard.DefaultBudgetMinutes, PrimaryMetric: "roc_auc"}
	if draft != want {
		t.Fatalf("draft = %+v, want %+v", draft, want)
	}
}

func TestSortedModelsFollowsMetricDirection(t *testing.T) {
	t.Parallel()

	models := []service.TrainedModel{
		{Name: "unscored"},
		{Name: "linear", Score: 0.40, HasScore: true},
		{Name: "xgboost", Score: 0.12, HasScore: true},
	}
	names := func(ms []service.TrainedModel) string {
		out := make([]string, 0, len(ms))
		for _, model := range ms {
			out = append(out, model.Name)
		}
		return strings.Join(out, ",")
	}
	if got := names(sortedModels(models, service.MetricMSE)); got != "xgboost,linear,unscored" {
		t.Fatalf("mse order = %s", got)
	}
	if got := names(sortedModels(models, service.MetricF1)); got != "linear,xgboost,unscored" {
		t.Fatalf("f1 order = %s", got)
	}
	if got := names(sortedModels(models, "")); got != "linear,xgboost,unscored" {
		t.Fatalf("fallback order = %s", got)
	}
}
