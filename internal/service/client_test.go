package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automl-tui/internal/backendstub"

	"github.com/google/go-cmp/cmp"
)

func newStubClient(t *testing.T, opts ...backendstub.Option) (*Client, *backendstub.Server) {
	t.Helper()
	stub := backendstub.New(opts...)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}), stub
}

func TestStartRunSendsSubmissionContract(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t, backendstub.WithRunIDs("abc123"))
	runID, err := client.StartRun(context.Background(), RunSubmission{
		ProblemStatement: "Predict customer churn",
		Preferences:      Preferences{TrainingBudgetMinutes: 10, PrimaryMetric: MetricF1},
		FileRef:          "/home/me/data/churn.csv",
	})
	if err != nil {
		t.Fatalf("StartRun returned error: %v", err)
	}
	if runID != "abc123" {
		t.Fatalf("unexpected run id: %q", runID)
	}

	want := map[string]any{
		"problem_statement": "Predict customer churn",
		"preferences": map[string]any{
			"training_budget_minutes": float64(10),
			"primary_metric":          "f1",
		},
		"user": map[string]any{"upload_path": "churn.csv"},
	}
	if diff := cmp.Diff(want, stub.Submission("abc123")); diff != "" {
		t.Fatalf("submission payload mismatch (-want +got):\n%s", diff)
	}
}

func TestStartRunWithoutFileSendsEmptyUser(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t, backendstub.WithRunIDs("run-1"))
	if _, err := client.StartRun(context.Background(), RunSubmission{
		ProblemStatement: "Classify reviews",
		Preferences:      Preferences{TrainingBudgetMinutes: 5, PrimaryMetric: MetricAccuracy},
	}); err != nil {
		t.Fatalf("StartRun returned error: %v", err)
	}
	user, ok := stub.Submission("run-1")["user"].(map[string]any)
	if !ok || len(user) != 0 {
		t.Fatalf("expected empty user object, got %#v", stub.Submission("run-1")["user"])
	}
}

func TestStartRunRejectedByBackendIsTransportError(t *testing.T) {
	t.Parallel()

	client, _ := newStubClient(t)
	_, err := client.StartRun(context.Background(), RunSubmission{ProblemStatement: "  "})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var te *TransportError
	errors.As(err, &te)
	if te.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status code: %d", te.StatusCode)
	}
	if !strings.Contains(te.Error(), "problem_statement") {
		t.Fatalf("expected backend message in error, got %q", te.Error())
	}
}

func TestGenerateCandidatesNormalizesAlternateFields(t *testing.T) {
	t.Parallel()

	client, _ := newStubClient(t)
	got, err := client.GenerateCandidates(context.Background(), "customer behavior")
	if err != nil {
		t.Fatalf("GenerateCandidates returned error: %v", err)
	}
	want := []Candidate{
		{Title: "Churn", Statement: "Predict customer churn from usage patterns"},
		{Title: "Sales", Statement: "Forecast next quarter sales from historical data"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateCandidatesEmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t)
	stub.SetCandidates()
	got, err := client.GenerateCandidates(context.Background(), "fraud detection")
	if err != nil {
		t.Fatalf("GenerateCandidates returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}

func TestGenerateCandidatesInBandErrorIsTransportError(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t)
	stub.FailGeneration("llm unavailable")
	_, err := client.GenerateCandidates(context.Background(), "")
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "llm unavailable") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetRunStatusNormalizesSnapshot(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t)
	stub.Script("abc123", map[string]any{
		"status": "completed",
		"state": map[string]any{
			"phase":               "completed",
			"metrics":             map[string]any{"f1": 0.83, "notes": "n/a"},
			"dataset_source":      "kaggle",
			"dataset_source_name": "churn",
			"trained_models": []any{
				map[string]any{"name": "xgboost", "score": 0.83},
				map[string]any{"name": "baseline", "score": nil},
			},
			"best_model": "xgboost",
		},
		"last_error": nil,
		"log_tail":   "done\n",
		"artifacts":  []any{"abc123_model.joblib"},
	})

	snap, err := client.GetRunStatus(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("GetRunStatus returned error: %v", err)
	}
	want := RunState{
		Phase:     "completed",
		Metrics:   map[string]float64{"f1": 0.83},
		Dataset:   DatasetSource{Source: "kaggle", Name: "churn"},
		BestModel: "xgboost",
		TrainedModels: []TrainedModel{
			{Name: "xgboost", Score: 0.83, HasScore: true},
			{Name: "baseline"},
		},
	}
	if diff := cmp.Diff(want, snap.State); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if snap.Status != StatusCompleted || snap.RunID != "abc123" || snap.LastError != "" {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if snap.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be parsed")
	}
	if diff := cmp.Diff([]string{"abc123_model.joblib"}, snap.Artifacts); diff != "" {
		t.Fatalf("artifacts mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRunStatusUnknownRunIsTransportError(t *testing.T) {
	t.Parallel()

	client, _ := newStubClient(t)
	_, err := client.GetRunStatus(context.Background(), "missing")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.StatusCode != http.StatusNotFound || te.Message != "not found" {
		t.Fatalf("unexpected transport error: %+v", te)
	}
}

func TestListRunsParsesEntries(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t)
	stub.Script("older", map[string]any{"status": "completed"})
	stub.Script("newer", map[string]any{"status": "running"})

	runs, err := client.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, entry := range runs {
		if entry.CreatedAt.IsZero() {
			t.Fatalf("expected created_at for %s", entry.RunID)
		}
	}
}

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	client, stub := newStubClient(t)
	stub.AddArtifact("abc123_model.joblib", []byte("model-bytes"))

	var buf bytes.Buffer
	n, err := client.DownloadArtifact(context.Background(), "abc123_model.joblib", &buf)
	if err != nil {
		t.Fatalf("DownloadArtifact returned error: %v", err)
	}
	if n != int64(len("model-bytes")) || buf.String() != "model-bytes" {
		t.Fatalf("unexpected artifact body: n=%d body=%q", n, buf.String())
	}

	_, err = client.DownloadArtifact(context.Background(), "missing.bin", &buf)
	if !IsTransport(err) {
		t.Fatalf("expected transport error for missing artifact, got %v", err)
	}
}

func TestDownloadArtifactRejectsTraversal(t *testing.T) {
	t.Parallel()

	client := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	for _, name := range []string{"../secret", "a/b.bin", `a\b.bin`, ""} {
		_, err := client.DownloadArtifact(context.Background(), name, &bytes.Buffer{})
		if !errors.Is(err, ErrInvalidArtifactName) {
			t.Fatalf("expected ErrInvalidArtifactName for %q, got %v", name, err)
		}
	}
}

func TestUnreachableBackendIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(Options{BaseURL: url, Timeout: time.Second})
	_, err := client.ListRuns(context.Background())
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCanceledContextIsReportedAsCanceled(t *testing.T) {
	t.Parallel()

	client, _ := newStubClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Health(ctx)
	if !IsTransport(err) || !IsCanceled(err) {
		t.Fatalf("expected canceled transport error, got %v", err)
	}
}
