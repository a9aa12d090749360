package app

import (
	"errors"
	"fmt"
	"strings"

	"automl-tui/internal/service"
	"automl-tui/internal/wizard"

	tea "github.com/charmbracelet/bubbletea"
)

func (m Model) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "esc" {
		m.wizard.Back()
		m.resetForm()
		m.errorText = ""
		m.statusText = "Back to the start."
		m.applyFocusState()
		return m, nil
	}

	switch m.wizard.Step() {
	case wizard.StepUndecided:
		switch key {
		case "y":
			_ = m.wizard.ChooseHasStatement(true)
		case "n", "g":
			_ = m.wizard.ChooseHasStatement(false)
		default:
			return m, nil
		}
		m.field = fieldStatement
		m.applyFocusState()
		return m, nil

	case wizard.StepGenerating:
		if key == "enter" {
			return m.generate()
		}
		return m.updateFormInput(msg)

	case wizard.StepCandidatesReady:
		count := len(m.wizard.Candidates())
		switch key {
		case "up", "k":
			m.candidateCursor = clampInt(m.candidateCursor-1, 0, maxInt(0, count-1))
		case "down", "j":
			m.candidateCursor = clampInt(m.candidateCursor+1, 0, maxInt(0, count-1))
		case "enter":
			if err := m.wizard.SelectCandidate(m.candidateCursor); err != nil {
				m.errorText = err.Error()
				return m, nil
			}
			m.statementEditor.SetValue(m.wizard.RawStatement())
			m.field = fieldStatement
			m.applyFocusState()
			m.statusText = "Statement chosen. Adjust preferences and press ctrl+s to start the run."
		}
		return m, nil

	case wizard.StepHasStatement, wizard.StepStatementChosen:
		switch key {
		case "ctrl+s":
			return m.submit()
		case "ctrl+o":
			return m.saveDraft()
		case "tab":
			m.field = (m.field + 1) % 4
			m.applyFocusState()
			return m, nil
		case "shift+tab":
			m.field = (m.field + 3) % 4
			m.applyFocusState()
			return m, nil
		}
		if m.field == fieldMetric {
			switch key {
			case "left", "h":
				m.metric = wizard.NextMetric(m.metric, -1)
			case "right", "l", " ":
				m.metric = wizard.NextMetric(m.metric, 1)
			}
			return m, nil
		}
		return m.updateFormInput(msg)
	}
	return m, nil
}

// updateFormInput forwards a message to the focused widget and mirrors the
// text back into the wizard.
func (m Model) updateFormInput(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.wizard.Step() {
	case wizard.StepGenerating:
		m.hintInput, cmd = m.hintInput.Update(msg)
		_ = m.wizard.SetHint(m.hintInput.Value())
	case wizard.StepHasStatement, wizard.StepStatementChosen:
		switch m.field {
		case fieldStatement:
			m.statementEditor, cmd = m.statementEditor.Update(msg)
			_ = m.wizard.SetStatement(m.statementEditor.Value())
		case fieldBudget:
			m.budgetInput, cmd = m.budgetInput.Update(msg)
		case fieldFile:
			m.fileInput, cmd = m.fileInput.Update(msg)
		}
	}
	return m, cmd
}

func (m *Model) applyFocusState() {
	m.hintInput.Blur()
	m.statementEditor.Blur()
	m.budgetInput.Blur()
	m.fileInput.Blur()
	if m.screen != screenNewRun {
		return
	}
	switch m.wizard.Step() {
	case wizard.StepGenerating:
		m.hintInput.Focus()
	case wizard.StepHasStatement, wizard.StepStatementChosen:
		switch m.field {
		case fieldStatement:
			m.statementEditor.Focus()
		case fieldBudget:
			m.budgetInput.Focus()
		case fieldFile:
			m.fileInput.Focus()
		}
	}
}

// resetForm clears the statement widgets. Preferences survive so a second
// run starts from the same settings.
func (m *Model) resetForm() {
	m.hintInput.SetValue("")
	m.statementEditor.SetValue("")
	m.candidateCursor = 0
	m.field = fieldStatement
}

func (m Model) generate() (tea.Model, tea.Cmd) {
	req, err := m.wizard.BeginGenerate(m.hintInput.Value())
	if err != nil {
		if errors.Is(err, wizard.ErrGenerateInFlight) {
			m.statusText = "Still generating statements..."
			return m, nil
		}
		m.errorText = err.Error()
		return m, nil
	}
	m.errorText = ""
	m.statusText = "Generating problem statements..."
	m.logger.Info("generate statements", "seq", req.Seq, "hint", req.Hint)
	return m, tea.Batch(m.spinner.Tick, generateCandidatesCmd(m.backend, m.requestTimeout, req))
}

func (m Model) handleCandidates(msg candidatesMsg) (tea.Model, tea.Cmd) {
	if !m.wizard.ApplyGenerate(msg.req, msg.candidates, msg.err) {
		m.logger.Debug("dropped stale generation result", "seq", msg.req.Seq)
		return m, nil
	}
	if err := m.wizard.Err(); err != nil {
		m.logger.Warn("generate statements", "seq", msg.req.Seq, "error", err)
		if errors.Is(err, wizard.ErrNoCandidates) {
			m.errorText = "No statements were generated. Press enter to try again."
		} else {
			m.errorText = err.Error() + " (press enter to retry)"
		}
		return m, nil
	}
	m.errorText = ""
	m.candidateCursor = 0
	m.statusText = fmt.Sprintf("%d statements generated. Pick one with enter.", len(m.wizard.Candidates()))
	m.applyFocusState()
	return m, nil
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	budget, err := wizard.ParseBudget(m.budgetInput.Value())
	if err != nil {
		m.errorText = err.Error()
		return m, nil
	}
	m.budgetInput.SetValue(fmt.Sprint(budget))
	prefs := service.Preferences{TrainingBudgetMinutes: budget, PrimaryMetric: m.metric}
	req, err := m.wizard.BeginSubmit(prefs, m.fileInput.Value())
	if err != nil {
		if errors.Is(err, wizard.ErrSubmitInFlight) {
			m.statusText = "Run submission already in progress..."
			return m, nil
		}
		m.errorText = err.Error()
		return m, nil
	}
	m.errorText = ""
	m.statusText = "Starting run..."
	m.logger.Info("start run", "seq", req.Seq, "metric", req.Submission.Preferences.PrimaryMetric, "budget_minutes", req.Submission.Preferences.TrainingBudgetMinutes)
	return m, tea.Batch(m.spinner.Tick, startRunCmd(m.backend, m.requestTimeout, req))
}

// saveDraft writes the form as it stands, so it can be reloaded with --draft.
func (m Model) saveDraft() (tea.Model, tea.Cmd) {
	if m.draftPath == "" {
		m.errorText = "No draft path configured."
		return m, nil
	}
	budget, err := wizard.ParseBudget(m.budgetInput.Value())
	if err != nil {
		m.errorText = err.Error()
		return m, nil
	}
	draft := Draft{
		ProblemStatement:      strings.TrimSpace(m.statementEditor.Value()),
		TrainingBudgetMinutes: budget,
		PrimaryMetric:         string(m.metric),
		FileRef:               strings.TrimSpace(m.fileInput.Value()),
	}
	m.statusText = "Saving draft..."
	return m, saveDraftCmd(m.draftPath, draft)
}

func (m Model) handleRunSubmitted(msg runSubmittedMsg) (tea.Model, tea.Cmd) {
	runID, ok := m.wizard.ApplySubmit(msg.req, msg.runID, msg.err)
	if !ok {
		if err := m.wizard.Err(); err != nil && msg.err != nil {
			m.logger.Warn("start run", "seq", msg.req.Seq, "error", msg.err)
			m.errorText = err.Error() + " (press ctrl+s to retry)"
		}
		return m, nil
	}
	m.logger.Info("run started", "run_id", runID)
	submission := msg.req.Submission
	m.wizard.Reset()
	m.resetForm()
	cmd := m.openRun(runID, &submission)
	return m, cmd
}

func (m Model) newRunHelp() string {
	switch m.wizard.Step() {
	case wizard.StepUndecided:
		return "y I have a statement | n generate one | ctrl+l runs | q quit"
	case wizard.StepGenerating:
		return "type an optional hint | enter generate | esc back | ctrl+l runs | ctrl+c quit"
	case wizard.StepCandidatesReady:
		return "up/down select | enter choose | esc back | q quit"
	default:
		return "tab/shift+tab field | left/right metric | ctrl+s start run | ctrl+o save draft | esc back | ctrl+c quit"
	}
}

func (m Model) viewNewRun(width int) string {
	step := m.wizard.Step()
	var body string
	switch step {
	case wizard.StepUndecided:
		body = strings.Join([]string{
			"Do you already have a problem statement?",
			"",
			"  [y] Yes, I'll type it",
			"  [n] No, generate some for me",
		}, "\n")

	case wizard.StepGenerating:
		lines := []string{
			"Describe the area you're interested in (optional):",
			m.hintInput.View(),
			"",
		}
		if m.wizard.Generating() {
			lines = append(lines, m.spinner.View()+" asking the backend for statements...")
		} else {
			lines = append(lines, mutedTextStyle("press enter to generate"))
		}
		body = strings.Join(lines, "\n")

	case wizard.StepCandidatesReady:
		candidates := m.wizard.Candidates()
		lines := []string{"Choose a problem statement:", ""}
		for i, candidate := range candidates {
			text := candidate.Statement
			if candidate.Title != "" {
				text = candidate.Title + ": " + text
			}
			line := fmt.Sprintf("  %d. %s", i+1, truncateText(text, maxInt(20, width-8)))
			if i == m.candidateCursor {
				line = selectedLineStyle.Render(fmt.Sprintf("> %d. %s", i+1, truncateText(text, maxInt(20, width-8))))
			}
			lines = append(lines, line)
		}
		body = strings.Join(lines, "\n")

	default:
		body = m.viewForm()
	}
	return renderPanel("New Run · "+step.String(), body, width, 0, true)
}

func (m Model) viewForm() string {
	label := func(field formField, text string) string {
		if m.field == field {
			return selectedLineStyle.Render("> " + text)
		}
		return "  " + text
	}
	metricLine := fmt.Sprintf("< %s >", m.metric.Label())
	lines := []string{
		label(fieldStatement, "Problem statement"),
		m.statementEditor.View(),
		"",
		label(fieldBudget, fmt.Sprintf("Training budget (%d-%d min): ", wizard.MinBudgetMinutes, wizard.MaxBudgetMinutes)) + m.budgetInput.View(),
		label(fieldMetric, "Primary metric: ") + metricLine,
		label(fieldFile, "Dataset file: ") + m.fileInput.View(),
	}
	if m.wizard.Submitting() {
		lines = append(lines, "", m.spinner.View()+" starting run...")
	} else if !m.wizard.Ready() {
		lines = append(lines, "", mutedTextStyle("a non-empty statement is required to start a run"))
	}
	return strings.Join(lines, "\n")
}
