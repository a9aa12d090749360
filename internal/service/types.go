package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Rank orders statuses along the run lifecycle. Unknown statuses rank as queued.
func (s Status) Rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusRunning:
		return StatusRunning
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return StatusQueued
	}
}

type Metric string

const (
	MetricF1       Metric = "f1"
	MetricAccuracy Metric = "accuracy"
	MetricROCAUC   Metric = "roc_auc"
	MetricR2       Metric = "r2"
	MetricMSE      Metric = "mse"
)

var Metrics = []Metric{MetricF1, MetricAccuracy, MetricROCAUC, MetricR2, MetricMSE}

func (m Metric) Valid() bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}

// LowerIsBetter reports whether smaller scores rank higher for m.
func (m Metric) LowerIsBetter() bool {
	return m == MetricMSE
}

func (m Metric) Label() string {
	switch m {
	case MetricF1:
		return "F1 Score (Classification)"
	case MetricAccuracy:
		return "Accuracy (Classification)"
	case MetricROCAUC:
		return "ROC AUC (Classification)"
	case MetricR2:
		return "R² Score (Regression)"
	case MetricMSE:
		return "MSE (Regression)"
	default:
		return string(m)
	}
}

type Candidate struct {
	Title     string
	Statement string
}

type Preferences struct {
	TrainingBudgetMinutes int    `json:"training_budget_minutes"`
	PrimaryMetric         Metric `json:"primary_metric"`
}

type RunSubmission struct {
	ProblemStatement string      `json:"problem_statement"`
	Preferences      Preferences `json:"preferences"`
	FileRef          string      `json:"file_ref,omitempty"`
}

type DatasetSource struct {
	Source string `json:"source,omitempty"`
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
}

func (d DatasetSource) Empty() bool {
	return d.Source == "" && d.Name == ""
}

type TrainedModel struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	HasScore bool    `json:"has_score"`
}

type RunState struct {
	Phase         string             `json:"phase"`
	Metrics       map[string]float64 `json:"metrics"`
	Dataset       DatasetSource      `json:"dataset"`
	TrainedModels []TrainedModel     `json:"trained_models"`
	BestModel     string             `json:"best_model"`
}

type RunSnapshot struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	State     RunState  `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	LogTail   string    `json:"log_tail,omitempty"`
	Artifacts []string  `json:"artifacts"`
	CreatedAt time.Time `json:"created_at"`
}

type RunListEntry struct {
	RunID     string
	Status    Status
	CreatedAt time.Time
}

// Wire shapes. Only the ingestion code below touches these.

type runRequest struct {
	ProblemStatement string         `json:"problem_statement"`
	Preferences      Preferences    `json:"preferences"`
	User             map[string]any `json:"user"`
}

type runCreateResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type psRequest struct {
	HavePS           bool           `json:"have_ps"`
	ProblemStatement string         `json:"problem_statement"`
	Preferences      map[string]any `json:"preferences"`
}

type psResponse struct {
	Status    string           `json:"status"`
	Mode      string           `json:"mode"`
	Error     string           `json:"error"`
	PSOptions []map[string]any `json:"ps_options"`
}

type wireState struct {
	Phase             string          `json:"phase"`
	Metrics           map[string]any  `json:"metrics"`
	DatasetSource     string          `json:"dataset_source"`
	DatasetSourceName string          `json:"dataset_source_name"`
	DatasetSourceURL  string          `json:"dataset_source_url"`
	TrainedModels     []wireModel     `json:"trained_models"`
	BestModel         json.RawMessage `json:"best_model"`
}

type wireModel struct {
	Name  string `json:"name"`
	Score any    `json:"score"`
}

type wireStatus struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	State     wireState `json:"state"`
	LastError *string   `json:"last_error"`
	LogTail   *string   `json:"log_tail"`
	Artifacts []string  `json:"artifacts"`
	CreatedAt any       `json:"created_at"`
}

type wireListEntry struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	CreatedAt any    `json:"created_at"`
}

type runsListResponse struct {
	Runs []wireListEntry `json:"runs"`
}

// errorEnvelope matches the body the backend's exception handlers send, usually
// with HTTP 200.
type errorEnvelope struct {
	Error      any `json:"error"`
	StatusCode int `json:"status_code"`
	Detail     any `json:"detail"`
}

func (e errorEnvelope) message() string {
	if msg := asString(e.Error); msg != "" {
		return msg
	}
	return asString(e.Detail)
}

func normalizeCandidate(option map[string]any) Candidate {
	text := strings.TrimSpace(asString(option["statement"]))
	if text == "" {
		text = strings.TrimSpace(asString(option["raw_text"]))
	}
	if text == "" {
		blob, err := json.Marshal(option)
		if err == nil {
			text = string(blob)
		}
	}
	return Candidate{
		Title:     strings.TrimSpace(asString(option["title"])),
		Statement: text,
	}
}

func normalizeCandidates(options []map[string]any) []Candidate {
	out := make([]Candidate, 0, len(options))
	for _, option := range options {
		if option == nil {
			continue
		}
		out = append(out, normalizeCandidate(option))
	}
	return out
}

func normalizeSnapshot(runID string, raw wireStatus) RunSnapshot {
	snap := RunSnapshot{
		RunID:     strings.TrimSpace(raw.RunID),
		Status:    ParseStatus(raw.Status),
		Artifacts: append([]string(nil), raw.Artifacts...),
		CreatedAt: asTime(raw.CreatedAt),
	}
	if snap.RunID == "" {
		snap.RunID = runID
	}
	if raw.LastError != nil {
		snap.LastError = strings.TrimSpace(*raw.LastError)
	}
	if raw.LogTail != nil {
		snap.LogTail = *raw.LogTail
	}

	state := RunState{
		Phase:     strings.TrimSpace(raw.State.Phase),
		Metrics:   map[string]float64{},
		BestModel: bestModelName(raw.State.BestModel),
		Dataset: DatasetSource{
			Source: strings.TrimSpace(raw.State.DatasetSource),
			Name:   strings.TrimSpace(raw.State.DatasetSourceName),
			URL:    strings.TrimSpace(raw.State.DatasetSourceURL),
		},
	}
	for name, value := range raw.State.Metrics {
		if f, ok := asFloat(value); ok {
			state.Metrics[name] = f
		}
	}
	for _, model := range raw.State.TrainedModels {
		tm := TrainedModel{Name: strings.TrimSpace(model.Name)}
		if score, ok := asFloat(model.Score); ok {
			tm.Score = score
			tm.HasScore = true
		}
		state.TrainedModels = append(state.TrainedModels, tm)
	}
	snap.State = state
	return snap
}

// bestModelName accepts either a bare model name or an object with a name field.
func bestModelName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(raw, &name) == nil {
		return strings.TrimSpace(name)
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(asString(obj["name"]))
	}
	return ""
}

func normalizeListEntry(raw wireListEntry) RunListEntry {
	return RunListEntry{
		RunID:     strings.TrimSpace(raw.RunID),
		Status:    ParseStatus(raw.Status),
		CreatedAt: asTime(raw.CreatedAt),
	}
}

func asTime(value any) time.Time {
	switch v := value.(type) {
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed
			}
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return unixSeconds(f)
		}
	default:
		if f, ok := asFloat(v); ok {
			return unixSeconds(f)
		}
	}
	return time.Time{}
}

func unixSeconds(f float64) time.Time {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
