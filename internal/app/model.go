package app

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"automl-tui/internal/monitor"
	"automl-tui/internal/service"
	"automl-tui/internal/storage"
	"automl-tui/internal/wizard"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type screen int

const (
	screenNewRun screen = iota
	screenRun
	screenRuns
)

func (s screen) String() string {
	switch s {
	case screenNewRun:
		return "new run"
	case screenRun:
		return "run"
	case screenRuns:
		return "runs"
	default:
		return "unknown"
	}
}

type formField int

const (
	fieldStatement formField = iota
	fieldBudget
	fieldMetric
	fieldFile
)

const maxActivityLines = 200

type Options struct {
	PollInterval   time.Duration
	ListInterval   time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Draft          *Draft
	DraftPath      string
}

type Model struct {
	backend Backend
	store   *storage.Store
	logger  *slog.Logger

	pollInterval   time.Duration
	listInterval   time.Duration
	requestTimeout time.Duration

	ready  bool
	width  int
	height int

	screen     screen
	statusText string
	errorText  string
	healthText string
	spinner    spinner.Model
	showHelp   bool

	// new run
	wizard          *wizard.Wizard
	hintInput       textinput.Model
	statementEditor textarea.Model
	budgetInput     textinput.Model
	fileInput       textinput.Model
	metric          service.Metric
	field           formField
	candidateCursor int
	draftPath       string

	// run detail
	monitor        *monitor.Monitor
	pollTickID     int64
	runSubmission  *service.RunSubmission
	artifactCursor int
	activity       []string
	detail         viewport.Model

	// runs listing
	refresher     *monitor.Refresher
	runsTable     table.Model
	history       []storage.RunSummary
	historyFocus  bool
	historyCursor int
}

func NewModel(backend Backend, store *storage.Store) Model {
	return NewModelWithOptions(backend, store, Options{})
}

func NewModelWithOptions(backend Backend, store *storage.Store, opts Options) Model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = monitor.DefaultPollInterval
	}
	listInterval := opts.ListInterval
	if listInterval <= 0 {
		listInterval = monitor.DefaultListInterval
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}

	hint := textinput.New()
	hint.Prompt = "> "
	hint.Placeholder = "customer churn, fraud detection, house prices..."
	hint.CharLimit = 500
	hint.Width = 70

	editor := textarea.New()
	editor.Placeholder = "e.g. Predict customer churn based on usage patterns and demographics"
	editor.CharLimit = 5000
	editor.ShowLineNumbers = false
	editor.SetWidth(70)
	editor.SetHeight(5)

	budget := textinput.New()
	budget.Prompt = ""
	budget.CharLimit = 4
	budget.Width = 6
	budget.SetValue(fmt.Sprint(wizard.DefaultBudgetMinutes))

	file := textinput.New()
	file.Prompt = ""
	file.Placeholder = "optional: path to a CSV or JSON dataset"
	file.CharLimit = 1024
	file.Width = 60

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(accentSecondary)

	detail := viewport.New(80, 20)

	model := Model{
		backend:         backend,
		store:           store,
		logger:          logger,
		pollInterval:    pollInterval,
		listInterval:    listInterval,
		requestTimeout:  requestTimeout,
		screen:          screenNewRun,
		statusText:      "Connecting to backend...",
		spinner:         spin,
		showHelp:        true,
		wizard:          wizard.New(),
		hintInput:       hint,
		statementEditor: editor,
		budgetInput:     budget,
		fileInput:       file,
		metric:          wizard.DefaultMetric,
		detail:          detail,
		runsTable:       newRunsTable(),
	}
	model.draftPath = strings.TrimSpace(opts.DraftPath)
	if model.draftPath == "" && store != nil {
		model.draftPath = filepath.Join(store.RootDir(), "draft.json")
	}
	if opts.Draft != nil {
		model.applyDraft(*opts.Draft, opts.DraftPath)
	}
	return model
}

// applyDraft prefills the new-run form from a startup draft file.
func (m *Model) applyDraft(draft Draft, source string) {
	if draft.TrainingBudgetMinutes > 0 {
		m.budgetInput.SetValue(fmt.Sprint(wizard.ClampBudget(draft.TrainingBudgetMinutes)))
	}
	if metric, err := wizard.ParseMetric(draft.PrimaryMetric); err == nil {
		m.metric = metric
	}
	m.fileInput.SetValue(strings.TrimSpace(draft.FileRef))
	if statement := strings.TrimSpace(draft.ProblemStatement); statement != "" {
		_ = m.wizard.ChooseHasStatement(true)
		_ = m.wizard.SetStatement(statement)
		m.statementEditor.SetValue(statement)
	}
	m.applyFocusState()
	if source != "" {
		m.statusText = "Loaded draft from " + source
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		healthCmd(m.backend, m.requestTimeout),
		loadHistoryCmd(m.store),
		textinput.Blink,
	)
}

// Screen reports which view is showing.
func (m Model) Screen() string { return m.screen.String() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case healthMsg:
		if msg.err != nil {
			m.healthText = "backend unreachable"
			m.errorText = "Health check failed: " + msg.err.Error()
			m.logger.Warn("health check failed", "error", msg.err)
			return m, nil
		}
		m.healthText = "backend " + stringValue(msg.payload["status"], "up")
		if m.statusText == "Connecting to backend..." {
			m.statusText = "Ready."
		}
		return m, nil

	case candidatesMsg:
		return m.handleCandidates(msg)

	case runSubmittedMsg:
		return m.handleRunSubmitted(msg)

	case pollTickMsg:
		return m.handlePollTick(msg)

	case runStatusMsg:
		return m.handleRunStatus(msg)

	case listTickMsg:
		return m.handleListTick(msg)

	case runsListedMsg:
		return m.handleRunsListed(msg)

	case historyLoadedMsg:
		if msg.err != nil {
			m.logger.Warn("load run history", "error", msg.err)
			return m, nil
		}
		m.history = msg.items
		m.historyCursor = clampInt(m.historyCursor, 0, maxInt(0, len(m.history)-1))
		return m, nil

	case bundleLoadedMsg:
		return m.handleBundleLoaded(msg)

	case draftSavedMsg:
		if msg.err != nil {
			m.errorText = "Could not save draft: " + msg.err.Error()
			m.logger.Warn("save draft", "path", msg.path, "error", msg.err)
			return m, nil
		}
		m.errorText = ""
		m.statusText = "Draft saved to " + msg.path
		return m, nil

	case runSavedMsg:
		if msg.err != nil {
			m.errorText = "Could not save run: " + msg.err.Error()
			m.logger.Error("save run", "error", msg.err)
			return m, nil
		}
		m.appendActivity("saved run to " + msg.summary.Directory)
		return m, loadHistoryCmd(m.store)

	case artifactSavedMsg:
		if msg.err != nil {
			m.errorText = fmt.Sprintf("Download of %s failed: %v", msg.filename, msg.err)
			m.logger.Warn("download artifact", "run_id", msg.runID, "artifact", msg.filename, "error", msg.err)
			return m, nil
		}
		m.errorText = ""
		m.statusText = fmt.Sprintf("Downloaded %s (%d bytes) to %s", msg.filename, msg.bytes, msg.path)
		m.appendActivity(fmt.Sprintf("downloaded %s (%d bytes)", msg.filename, msg.bytes))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updateFocusedInput(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.closeRun()
		m.closeRuns()
		return m, tea.Quit
	case "ctrl+n":
		m.closeRun()
		m.closeRuns()
		m.screen = screenNewRun
		m.errorText = ""
		m.applyFocusState()
		return m, nil
	case "ctrl+l":
		cmd := m.openRuns()
		return m, cmd
	case "ctrl+h":
		m.showHelp = !m.showHelp
		m.resize()
		return m, nil
	}

	if msg.String() == "q" && !m.typing() {
		m.closeRun()
		m.closeRuns()
		return m, tea.Quit
	}

	switch m.screen {
	case screenRun:
		return m.handleRunKey(msg)
	case screenRuns:
		return m.handleRunsKey(msg)
	default:
		return m.handleNewRunKey(msg)
	}
}

// typing reports whether key presses go to a text field.
func (m Model) typing() bool {
	if m.screen != screenNewRun {
		return false
	}
	switch m.wizard.Step() {
	case wizard.StepGenerating:
		return true
	case wizard.StepHasStatement, wizard.StepStatementChosen:
		return m.field != fieldMetric
	default:
		return false
	}
}

func (m Model) busy() bool {
	if m.wizard.Generating() || m.wizard.Submitting() {
		return true
	}
	if m.screen == screenRun && m.monitor != nil && m.monitor.InFlight() {
		return true
	}
	return m.screen == screenRuns && m.refresher != nil && m.refresher.InFlight()
}

func (m Model) updateFocusedInput(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.screen == screenRun {
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}
	if m.screen != screenNewRun {
		return m, nil
	}
	return m.updateFormInput(msg)
}

func (m *Model) appendActivity(line string) {
	entry := time.Now().Format("15:04:05") + " | " + line
	m.activity = append(m.activity, entry)
	if len(m.activity) > maxActivityLines {
		m.activity = m.activity[len(m.activity)-maxActivityLines:]
	}
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	innerW := maxInt(40, m.width-6)
	m.hintInput.Width = clampInt(innerW-4, 20, 100)
	m.statementEditor.SetWidth(clampInt(innerW-2, 20, 120))
	m.fileInput.Width = clampInt(innerW-14, 20, 100)
	m.detail.Width = maxInt(20, innerW)
	m.detail.Height = maxInt(4, m.height-m.chromeHeight()-2)
	m.runsTable.SetWidth(maxInt(20, innerW))
	m.runsTable.SetHeight(clampInt(m.height/2-4, 3, 22))
}

func (m Model) chromeHeight() int {
	if m.showHelp {
		return 6
	}
	return 5
}

func (m Model) View() string {
	if !m.ready {
		return "Booting automl-tui..."
	}

	innerWidth := maxInt(40, m.width-2)
	innerHeight := maxInt(12, m.height-2)

	header := headerStyle.Render("AutoML Run Console")
	if m.healthText != "" {
		header += mutedTextStyle("  " + m.healthText)
	}

	statusPrefix := "*"
	if m.busy() {
		statusPrefix = m.spinner.View()
	}
	statusBody := strings.TrimSpace(m.statusText)
	if statusBody == "" {
		statusBody = "Ready"
	}
	statusLine := statusStyle.Render(statusPrefix + " " + statusBody)
	if strings.TrimSpace(m.errorText) != "" {
		statusLine = errorStyle.Render(m.errorText)
	}

	var body string
	var help string
	switch m.screen {
	case screenRun:
		body = m.viewRun(innerWidth - 4)
		help = "r refresh | up/down select artifact | d download | pgup/pgdn scroll | esc runs | ctrl+n new run | q quit"
	case screenRuns:
		body = m.viewRuns(innerWidth - 4)
		help = "up/down select | enter open run | tab backend/saved | r refresh | ctrl+n new run | q quit"
	default:
		body = m.viewNewRun(innerWidth - 4)
		help = m.newRunHelp()
	}

	parts := []string{header, statusLine, body}
	if m.showHelp {
		parts = append(parts, helpStyle.Render(help))
	}

	out := fitTextHeight(strings.Join(parts, "\n"), innerHeight)
	return lipgloss.NewStyle().
		Background(chromeBG).
		Foreground(lipgloss.Color("#E8F0F2")).
		Width(innerWidth).
		Height(innerHeight).
		MaxHeight(innerHeight).
		Padding(0, 1).
		Render(out)
}

func stringValue(value any, fallback string) string {
	if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// sortedModels orders trained models best first for metric; models without a score sink
// to the bottom.
func sortedModels(models []service.TrainedModel, metric service.Metric) []service.TrainedModel {
	out := append([]service.TrainedModel(nil), models...)
	lower := metric.LowerIsBetter()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasScore != out[j].HasScore {
			return out[i].HasScore
		}
		if lower {
			return out[i].Score < out[j].Score
		}
		return out[i].Score > out[j].Score
	})
	return out
}
