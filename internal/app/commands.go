package app

import (
	"context"
	"io"
	"time"

	"automl-tui/internal/monitor"
	"automl-tui/internal/service"
	"automl-tui/internal/storage"
	"automl-tui/internal/wizard"

	tea "github.com/charmbracelet/bubbletea"
)

// Backend is the subset of the orchestrator API the TUI drives.
type Backend interface {
	Health(ctx context.Context) (map[string]any, error)
	GenerateCandidates(ctx context.Context, hint string) ([]service.Candidate, error)
	StartRun(ctx context.Context, sub service.RunSubmission) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*service.RunSnapshot, error)
	ListRuns(ctx context.Context) ([]service.RunListEntry, error)
	DownloadArtifact(ctx context.Context, filename string, w io.Writer) (int64, error)
}

type healthMsg struct {
	payload map[string]any
	err     error
}

type candidatesMsg struct {
	req        wizard.GenerateRequest
	candidates []service.Candidate
	err        error
}

type runSubmittedMsg struct {
	req   wizard.SubmitRequest
	runID string
	err   error
}

type pollTickMsg struct {
	session string
	tickID  int64
}

type runStatusMsg struct {
	fetch    monitor.Fetch
	snapshot *service.RunSnapshot
	err      error
}

type listTickMsg struct {
	session string
}

type runsListedMsg struct {
	fetch   monitor.ListFetch
	entries []service.RunListEntry
	err     error
}

type historyLoadedMsg struct {
	items []storage.RunSummary
	err   error
}

type runSavedMsg struct {
	summary storage.RunSummary
	err     error
}

type artifactSavedMsg struct {
	runID    string
	filename string
	path     string
	bytes    int64
	err      error
}

type bundleLoadedMsg struct {
	bundle *storage.RunBundle
	err    error
}

type draftSavedMsg struct {
	path string
	err  error
}

func healthCmd(backend Backend, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		payload, err := backend.Health(ctx)
		return healthMsg{payload: payload, err: err}
	}
}

func generateCandidatesCmd(backend Backend, timeout time.Duration, req wizard.GenerateRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		candidates, err := backend.GenerateCandidates(ctx, req.Hint)
		return candidatesMsg{req: req, candidates: candidates, err: err}
	}
}

func startRunCmd(backend Backend, timeout time.Duration, req wizard.SubmitRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		runID, err := backend.StartRun(ctx, req.Submission)
		return runSubmittedMsg{req: req, runID: runID, err: err}
	}
}

func fetchRunStatusCmd(backend Backend, timeout time.Duration, fetch monitor.Fetch) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(fetch.Ctx, timeout)
		defer cancel()
		snapshot, err := backend.GetRunStatus(ctx, fetch.RunID)
		return runStatusMsg{fetch: fetch, snapshot: snapshot, err: err}
	}
}

func listRunsCmd(backend Backend, timeout time.Duration, fetch monitor.ListFetch) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(fetch.Ctx, timeout)
		defer cancel()
		entries, err := backend.ListRuns(ctx)
		return runsListedMsg{fetch: fetch, entries: entries, err: err}
	}
}

func pollTickCmd(interval time.Duration, session string, tickID int64) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return pollTickMsg{session: session, tickID: tickID}
	})
}

func listTickCmd(interval time.Duration, session string) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return listTickMsg{session: session}
	})
}

func loadHistoryCmd(store *storage.Store) tea.Cmd {
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		items, err := store.List(20)
		return historyLoadedMsg{items: items, err: err}
	}
}

func saveRunCmd(store *storage.Store, snapshot service.RunSnapshot, sub *service.RunSubmission) tea.Cmd {
	if store == nil {
		return nil
	}
	var subCopy *service.RunSubmission
	if sub != nil {
		copied := *sub
		subCopy = &copied
	}
	return func() tea.Msg {
		summary, err := store.SaveRun(snapshot, subCopy)
		return runSavedMsg{summary: summary, err: err}
	}
}

func loadBundleCmd(store *storage.Store, ref string) tea.Cmd {
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		bundle, err := store.LoadBundle(ref)
		return bundleLoadedMsg{bundle: bundle, err: err}
	}
}

func saveDraftCmd(path string, draft Draft) tea.Cmd {
	return func() tea.Msg {
		return draftSavedMsg{path: path, err: SaveDraftFile(path, draft)}
	}
}

func downloadArtifactCmd(backend Backend, store *storage.Store, timeout time.Duration, runID, filename string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		path, n, err := store.SaveArtifact(runID, filename, func(w io.Writer) (int64, error) {
			return backend.DownloadArtifact(ctx, filename, w)
		})
		return artifactSavedMsg{runID: runID, filename: filename, path: path, bytes: n, err: err}
	}
}
