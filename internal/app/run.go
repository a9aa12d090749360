package app

import (
	"fmt"
	"sort"
	"strings"

	"automl-tui/internal/monitor"
	"automl-tui/internal/service"

	tea "github.com/charmbracelet/bubbletea"
)

// openRun replaces whatever run is being watched with runID. The submission is
// nil when the run was opened from the listing.
func (m *Model) openRun(runID string, sub *service.RunSubmission) tea.Cmd {
	m.closeRun()
	m.closeRuns()

	m.screen = screenRun
	m.applyFocusState()
	m.runSubmission = sub
	m.artifactCursor = 0
	m.activity = nil
	m.errorText = ""
	m.statusText = fmt.Sprintf("Watching run %s", shortRunID(runID))
	m.detail.GotoTop()

	m.monitor = monitor.New(runID, m.pollInterval)
	m.appendActivity("watching run " + runID)
	m.logger.Info("monitor opened", "run_id", runID, "session", m.monitor.Session())

	fetch, ok := m.monitor.Start()
	if !ok {
		return nil
	}
	m.refreshDetail()
	return tea.Batch(
		m.spinner.Tick,
		fetchRunStatusCmd(m.backend, m.requestTimeout, fetch),
		m.armPollTick(),
	)
}

func (m *Model) armPollTick() tea.Cmd {
	m.pollTickID++
	return pollTickCmd(m.monitor.Interval(), m.monitor.Session(), m.pollTickID)
}

func (m *Model) closeRun() {
	if m.monitor == nil {
		return
	}
	m.logger.Info("monitor closed", "run_id", m.monitor.RunID(), "fetches", m.monitor.Fetches())
	m.monitor.Close()
	m.monitor = nil
	m.pollTickID++
	m.runSubmission = nil
}

func (m Model) handlePollTick(msg pollTickMsg) (tea.Model, tea.Cmd) {
	if m.monitor == nil || msg.session != m.monitor.Session() || msg.tickID != m.pollTickID {
		return m, nil
	}
	if !m.monitor.Polling() {
		return m, nil
	}
	cmds := []tea.Cmd{pollTickCmd(m.monitor.Interval(), msg.session, msg.tickID)}
	if fetch, ok := m.monitor.Tick(msg.session); ok {
		cmds = append(cmds, fetchRunStatusCmd(m.backend, m.requestTimeout, fetch), m.spinner.Tick)
	} else {
		m.logger.Debug("poll suppressed while a fetch is outstanding", "run_id", m.monitor.RunID())
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleRunStatus(msg runStatusMsg) (tea.Model, tea.Cmd) {
	if m.monitor == nil || !m.monitor.Apply(msg.fetch, msg.snapshot, msg.err) {
		m.logger.Debug("dropped stale status response", "run_id", msg.fetch.RunID, "seq", msg.fetch.Seq)
		return m, nil
	}

	runID := m.monitor.RunID()
	switch m.monitor.Phase() {
	case monitor.PhaseErrored:
		err := m.monitor.Err()
		m.logger.Warn("poll status", "run_id", runID, "seq", msg.fetch.Seq, "error", err)
		m.appendActivity("poll failed: " + err.Error())
		m.errorText = "Lost contact with the backend: " + err.Error() + " (press r to retry)"
		m.refreshDetail()
		return m, nil
	case monitor.PhaseCompleted, monitor.PhaseFailed:
		snap := m.monitor.Snapshot()
		m.appendActivity("run " + string(snap.Status))
		m.logger.Info("run finished", "run_id", runID, "status", snap.Status, "fetches", m.monitor.Fetches())
		if snap.Status == service.StatusCompleted {
			m.statusText = fmt.Sprintf("Run %s completed", shortRunID(runID))
		} else {
			m.statusText = fmt.Sprintf("Run %s failed", shortRunID(runID))
		}
		m.errorText = ""
		m.refreshDetail()
		return m, saveRunCmd(m.store, *snap, m.runSubmission)
	}

	snap := m.monitor.Snapshot()
	m.errorText = ""
	line := "status " + string(snap.Status)
	if snap.State.Phase != "" {
		line += " | phase " + snap.State.Phase
	}
	m.appendActivity(line)
	m.statusText = fmt.Sprintf("Run %s %s", shortRunID(runID), snap.Status)
	m.refreshDetail()
	return m, nil
}

func (m Model) handleRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.monitor == nil {
		return m, nil
	}
	switch msg.String() {
	case "esc":
		cmd := m.openRuns()
		return m, cmd
	case "r":
		wasErrored := m.monitor.Phase() == monitor.PhaseErrored
		fetch, ok := m.monitor.Refresh()
		if !ok {
			m.statusText = "Run has finished; nothing to refresh."
			return m, nil
		}
		m.errorText = ""
		m.appendActivity("manual refresh")
		cmds := []tea.Cmd{fetchRunStatusCmd(m.backend, m.requestTimeout, fetch), m.spinner.Tick}
		if wasErrored {
			cmds = append(cmds, m.armPollTick())
		}
		m.refreshDetail()
		return m, tea.Batch(cmds...)
	case "up", "k":
		m.artifactCursor = maxInt(0, m.artifactCursor-1)
		m.refreshDetail()
		return m, nil
	case "down", "j":
		if snap := m.monitor.Snapshot(); snap != nil {
			m.artifactCursor = clampInt(m.artifactCursor+1, 0, maxInt(0, len(snap.Artifacts)-1))
		}
		m.refreshDetail()
		return m, nil
	case "d":
		snap := m.monitor.Snapshot()
		if snap == nil || len(snap.Artifacts) == 0 {
			m.statusText = "No artifacts to download yet."
			return m, nil
		}
		if m.store == nil {
			m.errorText = "No local data directory configured."
			return m, nil
		}
		name := snap.Artifacts[clampInt(m.artifactCursor, 0, len(snap.Artifacts)-1)]
		m.statusText = "Downloading " + name + "..."
		return m, downloadArtifactCmd(m.backend, m.store, m.requestTimeout, m.monitor.RunID(), name)
	}
	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m *Model) refreshDetail() {
	m.detail.SetContent(m.renderRunDetail(maxInt(20, m.detail.Width)))
}

func (m Model) viewRun(width int) string {
	if m.monitor == nil {
		return renderPanel("Run", "No run selected.", width, 0, false)
	}
	title := fmt.Sprintf("Run %s · %s", m.monitor.RunID(), m.monitor.Phase())
	return renderPanel(title, m.detail.View(), width, 0, true)
}

func phaseLine(p monitor.Phase, snap *service.RunSnapshot) string {
	switch p {
	case monitor.PhaseLoading:
		return statusStyle.Render("Loading run...")
	case monitor.PhaseErrored:
		return errorStyle.Render("Connection problem: showing the last known state")
	case monitor.PhaseFailed:
		return runFailedStyle.Render("Run failed")
	case monitor.PhaseCompleted:
		return selectedLineStyle.Render("Run completed")
	}
	if snap != nil {
		return statusStyle.Render("Run " + string(snap.Status))
	}
	return ""
}

func (m Model) renderRunDetail(width int) string {
	snap := m.monitor.Snapshot()
	lines := []string{phaseLine(m.monitor.Phase(), snap)}
	if m.monitor.Phase() == monitor.PhaseErrored && m.monitor.Err() != nil {
		lines = append(lines, errorStyle.Render(m.monitor.Err().Error()))
	}
	if m.runSubmission != nil {
		lines = append(lines,
			"",
			"Problem:  "+truncateText(m.runSubmission.ProblemStatement, maxInt(20, width-10)),
			fmt.Sprintf("Budget:   %d min    Metric: %s", m.runSubmission.Preferences.TrainingBudgetMinutes, m.runSubmission.Preferences.PrimaryMetric.Label()),
		)
		if m.runSubmission.FileRef != "" {
			lines = append(lines, "Dataset file: "+m.runSubmission.FileRef)
		}
	}

	if snap != nil {
		lines = append(lines, "", fmt.Sprintf("Status: %s", snap.Status))
		if snap.State.Phase != "" {
			lines = append(lines, "Phase:  "+snap.State.Phase)
		}
		if updated := m.monitor.LastUpdate(); !updated.IsZero() {
			lines = append(lines, "Updated: "+updated.Local().Format("15:04:05"))
		}
		if !snap.CreatedAt.IsZero() {
			lines = append(lines, "Created: "+snap.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if snap.Status == service.StatusFailed && snap.LastError != "" {
			lines = append(lines, runFailedStyle.Render("Error: "+snap.LastError))
		}

		if !snap.State.Dataset.Empty() {
			lines = append(lines, "", panelTitleStyle.Render("Dataset"))
			if snap.State.Dataset.Source != "" {
				lines = append(lines, "  source: "+snap.State.Dataset.Source)
			}
			if snap.State.Dataset.Name != "" {
				lines = append(lines, "  name:   "+snap.State.Dataset.Name)
			}
			if snap.State.Dataset.URL != "" {
				lines = append(lines, "  url:    "+snap.State.Dataset.URL)
			}
		}

		if len(snap.State.TrainedModels) > 0 {
			lines = append(lines, "", panelTitleStyle.Render("Trained models"))
			var metric service.Metric
			if m.runSubmission != nil {
				metric = m.runSubmission.Preferences.PrimaryMetric
			}
			for _, model := range sortedModels(snap.State.TrainedModels, metric) {
				score := "n/a"
				if model.HasScore {
					score = fmt.Sprintf("%.4f", model.Score)
				}
				line := fmt.Sprintf("  %-28s %s", truncateText(model.Name, 28), score)
				if model.Name == snap.State.BestModel {
					line = bestModelStyle.Render(line + "  ★ best")
				}
				lines = append(lines, line)
			}
		} else if snap.State.BestModel != "" {
			lines = append(lines, "", "Best model: "+bestModelStyle.Render(snap.State.BestModel))
		}

		if len(snap.State.Metrics) > 0 {
			lines = append(lines, "", panelTitleStyle.Render("Metrics"))
			names := make([]string, 0, len(snap.State.Metrics))
			for name := range snap.State.Metrics {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				lines = append(lines, fmt.Sprintf("  %-16s %.4f", name, snap.State.Metrics[name]))
			}
		}

		if len(snap.Artifacts) > 0 {
			lines = append(lines, "", panelTitleStyle.Render("Artifacts"))
			for i, name := range snap.Artifacts {
				if i == m.artifactCursor {
					lines = append(lines, selectedLineStyle.Render("> "+name))
				} else {
					lines = append(lines, "  "+name)
				}
			}
		}

		if tail := strings.TrimSpace(snap.LogTail); tail != "" {
			lines = append(lines, "", panelTitleStyle.Render("Logs"))
			for _, line := range strings.Split(tail, "\n") {
				lines = append(lines, "  "+truncateText(line, maxInt(20, width-4)))
			}
		}
	}

	if len(m.activity) > 0 {
		lines = append(lines, "", panelTitleStyle.Render("Activity"))
		start := maxInt(0, len(m.activity)-8)
		for _, line := range m.activity[start:] {
			lines = append(lines, mutedTextStyle("  "+line))
		}
	}
	return strings.Join(lines, "\n")
}
