package app

import (
	"fmt"
	"strings"
	"time"

	"automl-tui/internal/monitor"
	"automl-tui/internal/service"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func newRunsTable() table.Model {
	columns := []table.Column{
		{Title: "Run", Width: 38},
		{Title: "Status", Width: 10},
		{Title: "Created", Width: 19},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(10),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(panelBorder).
		BorderBottom(true).
		Foreground(accentPrimary).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(chromeBG).
		Background(accentPrimary).
		Bold(true)
	t.SetStyles(styles)
	return t
}

func runRows(entries []service.RunListEntry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, entry := range entries {
		created := ""
		if !entry.CreatedAt.IsZero() {
			created = entry.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, table.Row{entry.RunID, string(entry.Status), created})
	}
	return rows
}

func (m *Model) openRuns() tea.Cmd {
	m.closeRun()
	m.closeRuns()

	m.screen = screenRuns
	m.applyFocusState()
	m.historyFocus = false
	m.runsTable.Focus()
	m.errorText = ""
	m.statusText = "Loading runs..."

	m.refresher = monitor.NewRefresher(m.listInterval)
	fetch, ok := m.refresher.Start()
	if !ok {
		return nil
	}
	return tea.Batch(
		m.spinner.Tick,
		listRunsCmd(m.backend, m.requestTimeout, fetch),
		listTickCmd(m.refresher.Interval(), m.refresher.Session()),
		loadHistoryCmd(m.store),
	)
}

func (m *Model) closeRuns() {
	if m.refresher == nil {
		return
	}
	m.refresher.Close()
	m.refresher = nil
}

func (m Model) handleListTick(msg listTickMsg) (tea.Model, tea.Cmd) {
	if m.refresher == nil || msg.session != m.refresher.Session() {
		return m, nil
	}
	cmds := []tea.Cmd{listTickCmd(m.refresher.Interval(), msg.session)}
	if fetch, ok := m.refresher.Tick(msg.session); ok {
		cmds = append(cmds, listRunsCmd(m.backend, m.requestTimeout, fetch))
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleRunsListed(msg runsListedMsg) (tea.Model, tea.Cmd) {
	if m.refresher == nil || !m.refresher.Apply(msg.fetch, msg.entries, msg.err) {
		return m, nil
	}
	if err := m.refresher.Err(); err != nil {
		m.logger.Warn("list runs", "error", err)
		m.errorText = "Could not refresh runs: " + err.Error()
		return m, nil
	}
	m.errorText = ""
	entries := m.refresher.Entries()
	m.runsTable.SetRows(runRows(entries))
	if cursor := m.runsTable.Cursor(); cursor >= len(entries) {
		m.runsTable.SetCursor(maxInt(0, len(entries)-1))
	}
	m.statusText = fmt.Sprintf("%d runs · refreshed %s", len(entries), time.Now().Format("15:04:05"))
	return m, nil
}

func (m Model) handleRunsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "tab" {
		m.historyFocus = !m.historyFocus
		if m.historyFocus {
			m.runsTable.Blur()
		} else {
			m.runsTable.Focus()
		}
		return m, nil
	}
	if m.historyFocus {
		return m.handleHistoryKey(msg)
	}
	switch msg.String() {
	case "enter":
		row := m.runsTable.SelectedRow()
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			return m, nil
		}
		cmd := m.openRun(row[0], nil)
		return m, cmd
	case "r":
		if m.refresher == nil {
			return m, nil
		}
		fetch, ok := m.refresher.Refresh()
		if !ok {
			return m, nil
		}
		m.statusText = "Refreshing runs..."
		return m, tea.Batch(m.spinner.Tick, listRunsCmd(m.backend, m.requestTimeout, fetch), loadHistoryCmd(m.store))
	case "esc":
		return m, nil
	}
	var cmd tea.Cmd
	m.runsTable, cmd = m.runsTable.Update(msg)
	return m, cmd
}

func (m Model) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.historyCursor = clampInt(m.historyCursor-1, 0, maxInt(0, len(m.history)-1))
	case "down", "j":
		m.historyCursor = clampInt(m.historyCursor+1, 0, maxInt(0, len(m.history)-1))
	case "enter":
		if len(m.history) == 0 {
			return m, nil
		}
		item := m.history[clampInt(m.historyCursor, 0, len(m.history)-1)]
		m.statusText = "Opening saved run " + shortRunID(item.RunID) + "..."
		return m, loadBundleCmd(m.store, item.Directory)
	}
	return m, nil
}

// handleBundleLoaded reopens a saved run with the submission it was started
// with, then keeps watching it against the backend.
func (m Model) handleBundleLoaded(msg bundleLoadedMsg) (tea.Model, tea.Cmd) {
	if m.screen != screenRuns {
		return m, nil
	}
	if msg.err != nil {
		m.errorText = "Could not open saved run: " + msg.err.Error()
		m.logger.Warn("load saved run", "error", msg.err)
		return m, nil
	}
	runID := msg.bundle.Summary.RunID
	if runID == "" {
		runID = msg.bundle.Snapshot.RunID
	}
	cmd := m.openRun(runID, msg.bundle.Submission)
	m.appendActivity("opened from " + msg.bundle.Summary.Directory)
	return m, cmd
}

func (m Model) viewRuns(width int) string {
	var remote string
	switch {
	case m.refresher == nil || !m.refresher.Loaded():
		remote = m.spinner.View() + " loading runs..."
	case len(m.refresher.Entries()) == 0:
		remote = mutedTextStyle("No runs yet. Press ctrl+n to start one.")
	default:
		remote = m.runsTable.View()
	}
	parts := []string{renderPanel("Backend Runs", remote, width, 0, !m.historyFocus)}
	parts = append(parts, renderPanel("Saved Locally", m.renderHistory(width-4), width, 0, m.historyFocus))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) renderHistory(width int) string {
	if len(m.history) == 0 {
		return mutedTextStyle("No saved runs yet.")
	}
	lines := make([]string, 0, len(m.history))
	for i, item := range m.history {
		result := item.BestModel
		if item.HasMetric {
			result = fmt.Sprintf("%s %s=%.4f", item.BestModel, item.PrimaryMetric, item.MetricValue)
		}
		line := fmt.Sprintf("%-10s %-9s %s", shortRunID(item.RunID), item.Status, strings.TrimSpace(result))
		if item.Statement != "" {
			line += " · " + item.Statement
		}
		line = truncateText(line, maxInt(20, width-2))
		if m.historyFocus && i == m.historyCursor {
			lines = append(lines, selectedLineStyle.Render("> "+line))
		} else {
			lines = append(lines, "  "+line)
		}
	}
	return strings.Join(lines, "\n")
}
