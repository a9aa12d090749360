package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"automl-tui/internal/service"
)

const (
	MinBudgetMinutes     = 1
	MaxBudgetMinutes     = 60
	DefaultBudgetMinutes = 10
	DefaultMetric        = service.MetricF1
)

func DefaultPreferences() service.Preferences {
	return service.Preferences{TrainingBudgetMinutes: DefaultBudgetMinutes, PrimaryMetric: DefaultMetric}
}

func ClampBudget(minutes int) int {
	if minutes < MinBudgetMinutes {
		return MinBudgetMinutes
	}
	if minutes > MaxBudgetMinutes {
		return MaxBudgetMinutes
	}
	return minutes
}

// ParseBudget reads a budget typed by the user. Numbers outside [1,60] are
// clamped; anything that is not an integer is a validation error.
func ParseBudget(raw string) (int, error) {
	minutes, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ValidationError{Field: "training_budget_minutes", Message: fmt.Sprintf("%q is not a whole number of minutes", raw)}
	}
	return ClampBudget(minutes), nil
}

func ParseMetric(raw string) (service.Metric, error) {
	metric := service.Metric(strings.ToLower(strings.TrimSpace(raw)))
	if !metric.Valid() {
		return "", &ValidationError{Field: "primary_metric", Message: fmt.Sprintf("unknown metric %q", raw)}
	}
	return metric, nil
}

func NewPreferences(budgetMinutes int, metric string) (service.Preferences, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return service.Preferences{}, err
	}
	return service.Preferences{TrainingBudgetMinutes: ClampBudget(budgetMinutes), PrimaryMetric: m}, nil
}

// NextMetric cycles through the recognised metrics.
func NextMetric(current service.Metric, step int) service.Metric {
	idx := 0
	for i, m := range service.Metrics {
		if m == current {
			idx = i
			break
		}
	}
	n := len(service.Metrics)
	return service.Metrics[((idx+step)%n+n)%n]
}

// BeginSubmit builds the immutable submission from the chosen statement. Only
// one submission may be outstanding.
func (w *Wizard) BeginSubmit(prefs service.Preferences, fileRef string) (SubmitRequest, error) {
	if w.submitting {
		return SubmitRequest{}, ErrSubmitInFlight
	}
	statement, err := w.Statement()
	if err != nil {
		return SubmitRequest{}, err
	}
	prefs, err = NewPreferences(prefs.TrainingBudgetMinutes, string(prefs.PrimaryMetric))
	if err != nil {
		return SubmitRequest{}, err
	}
	w.submitSeq++
	w.submitting = true
	w.err = nil
	return SubmitRequest{
		Seq: w.submitSeq,
		Submission: service.RunSubmission{
			ProblemStatement: statement,
			Preferences:      prefs,
			FileRef:          strings.TrimSpace(fileRef),
		},
	}, nil
}

// ApplySubmit settles an outstanding submission. On failure the wizard keeps
// its statement so the user can resubmit.
func (w *Wizard) ApplySubmit(req SubmitRequest, runID string, err error) (string, bool) {
	if req.Seq != w.submitSeq {
		return "", false
	}
	if !w.submitting {
		if req.Seq == 0 || req.Seq != w.abandonedSeq {
			return "", false
		}
		w.abandonedSeq = 0
		if err != nil {
			return "", false
		}
		return runID, true
	}
	w.submitting = false
	if err != nil {
		w.err = requestErr("start run", err)
		return "", false
	}
	w.err = nil
	return runID, true
}
