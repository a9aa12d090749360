// Package backendstub serves an in-memory AutoML backend that speaks the same
// JSON contract as the real orchestrator. Runs advance one scripted frame per
// status poll.
package backendstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type run struct {
	id         string
	createdAt  float64
	submission map[string]any
	frames     []map[string]any
	polls      int
}

type Server struct {
	mu         sync.Mutex
	runs       map[string]*run
	order      []string
	nextIDs    []string
	candidates []map[string]any
	psError    string
	artifacts  map[string][]byte
	requests   map[string]int
	now        func() time.Time
}

type Option func(*Server)

// WithRunIDs makes the server hand out the given ids, in order, before falling
// back to random ones.
func WithRunIDs(ids ...string) Option {
	return func(s *Server) {
		s.nextIDs = append(s.nextIDs, ids...)
	}
}

func WithCandidates(options ...map[string]any) Option {
	return func(s *Server) {
		s.candidates = options
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		runs:      map[string]*run{},
		artifacts: map[string][]byte{},
		requests:  map[string]int{},
		now:       time.Now,
		candidates: []map[string]any{
			{"title": "Churn", "statement": "Predict customer churn from usage patterns", "task_type": "classification"},
			{"title": "Sales", "raw_text": "Forecast next quarter sales from historical data"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/run", s.createRun).Methods(http.MethodPost)
	r.HandleFunc("/ps", s.problemStatement).Methods(http.MethodPost)
	r.HandleFunc("/status/{run_id}", s.status).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/artifacts/{fname}", s.artifact).Methods(http.MethodGet)
	r.Use(s.countRequests)
	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.requests[req.Method+" "+routeKey(req.URL.Path)]++
		s.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

func routeKey(path string) string {
	switch {
	case strings.HasPrefix(path, "/status/"):
		return "/status"
	case strings.HasPrefix(path, "/artifacts/"):
		return "/artifacts"
	default:
		return path
	}
}

// Requests returns how many requests hit a route, keyed like "GET /status".
func (s *Server) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// Script replaces the status frames of a run, creating the run if needed. The
// last frame repeats once the script is exhausted.
func (s *Server) Script(runID string, frames ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		r = &run{id: runID, createdAt: float64(s.now().UnixNano()) / 1e9}
		s.runs[runID] = r
		s.order = append(s.order, runID)
	}
	r.frames = append([]map[string]any(nil), frames...)
	r.polls = 0
}

func (s *Server) SetCandidates(options ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = options
}

// FailGeneration makes /ps answer with the backend's in-band error shape.
func (s *Server) FailGeneration(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.psError = message
}

func (s *Server) AddArtifact(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[name] = append([]byte(nil), data...)
}

func (s *Server) Submission(runID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r.submission
	}
	return nil
}

func (s *Server) Polls(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r.polls
	}
	return 0
}

// DefaultFrames walks a run through a short happy path.
func DefaultFrames(runID string) []map[string]any {
	return []map[string]any{
		{"status": "queued", "state": map[string]any{}},
		{"status": "running", "state": map[string]any{"phase": "data_collection"}, "log_tail": "[orchestrator] searching datasets\n"},
		{"status": "running", "state": map[string]any{
			"phase":               "training",
			"dataset_source":      "kaggle",
			"dataset_source_name": "telco-customer-churn",
			"dataset_source_url":  "https://www.kaggle.com/datasets/blastchar/telco-customer-churn",
		}, "log_tail": "[orchestrator] searching datasets\n[automl] training 3 models\n"},
		{"status": "completed", "state": map[string]any{
			"phase":               "completed",
			"dataset_source":      "kaggle",
			"dataset_source_name": "telco-customer-churn",
			"metrics":             map[string]any{"f1": 0.83, "accuracy": 0.86},
			"trained_models": []any{
				map[string]any{"name": "logistic_regression", "score": 0.78},
				map[string]any{"name": "xgboost", "score": 0.83},
				map[string]any{"name": "random_forest", "score": 0.81},
			},
			"best_model": "xgboost",
		}, "artifacts": []any{runID + "_model.joblib", runID + "_report.json"}},
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "AutoML Orchestrator (stub)",
		"version": "1.0.0",
	})
}

func (s *Server) createRun(w http.ResponseWriter, req *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeEnvelope(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	statement, _ := payload["problem_statement"].(string)
	if strings.TrimSpace(statement) == "" {
		writeEnvelope(w, http.StatusBadRequest, "Invalid input: problem_statement is required")
		return
	}

	s.mu.Lock()
	runID := ""
	if len(s.nextIDs) > 0 {
		runID = s.nextIDs[0]
		s.nextIDs = s.nextIDs[1:]
	} else {
		runID = uuid.NewString()
	}
	r, ok := s.runs[runID]
	if !ok {
		r = &run{id: runID, frames: DefaultFrames(runID)}
		s.runs[runID] = r
		s.order = append(s.order, runID)
		s.artifacts[runID+"_model.joblib"] = []byte("stub model " + runID)
		s.artifacts[runID+"_report.json"] = []byte(`{"best_model":"xgboost","f1":0.83}`)
	}
	r.createdAt = float64(s.now().UnixNano()) / 1e9
	r.submission = payload
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "queued"})
}

func (s *Server) problemStatement(w http.ResponseWriter, req *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeEnvelope(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	s.mu.Lock()
	psError := s.psError
	options := append([]map[string]any(nil), s.candidates...)
	s.mu.Unlock()

	if psError != "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "error": psError})
		return
	}
	havePS, _ := payload["have_ps"].(bool)
	text, _ := payload["problem_statement"].(string)
	if havePS && strings.TrimSpace(text) != "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": "parsed", "ps_parsed": map[string]any{"raw_text": text}})
		return
	}
	if options == nil {
		options = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": "generated_options", "ps_options": options})
}

func (s *Server) status(w http.ResponseWriter, req *http.Request) {
	runID := mux.Vars(req)["run_id"]

	s.mu.Lock()
	r, ok := s.runs[runID]
	var frame map[string]any
	var createdAt float64
	if ok {
		if len(r.frames) > 0 {
			idx := r.polls
			if idx >= len(r.frames) {
				idx = len(r.frames) - 1
			}
			frame = r.frames[idx]
		}
		r.polls++
		createdAt = r.createdAt
	}
	s.mu.Unlock()

	if !ok {
		writeEnvelope(w, http.StatusOK, "not found", 404)
		return
	}
	body := map[string]any{
		"run_id":     runID,
		"created_at": createdAt,
		"status":     "queued",
		"last_error": nil,
		"state":      map[string]any{},
		"log_tail":   "",
		"artifacts":  []any{},
	}
	for key, value := range frame {
		body[key] = value
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	runs := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		r := s.runs[id]
		status := "queued"
		if len(r.frames) > 0 {
			idx := r.polls - 1
			if idx < 0 {
				idx = 0
			}
			if idx >= len(r.frames) {
				idx = len(r.frames) - 1
			}
			if st, ok := r.frames[idx]["status"].(string); ok {
				status = st
			}
		}
		runs = append(runs, map[string]any{"run_id": id, "created_at": r.createdAt, "status": status})
	}
	s.mu.Unlock()

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i]["created_at"].(float64) > runs[j]["created_at"].(float64)
	})
	if len(runs) > 20 {
		runs = runs[:20]
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) artifact(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["fname"]
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		writeEnvelope(w, http.StatusBadRequest, "invalid filename")
		return
	}
	s.mu.Lock()
	data, ok := s.artifacts[name]
	s.mu.Unlock()
	if !ok {
		writeEnvelope(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeEnvelope mirrors the backend's exception handlers. The envelope status
// defaults to the HTTP status but can differ, as the real backend answers 200.
func writeEnvelope(w http.ResponseWriter, httpStatus int, message string, envelopeStatus ...int) {
	code := httpStatus
	if len(envelopeStatus) > 0 {
		code = envelopeStatus[0]
	}
	writeJSON(w, httpStatus, map[string]any{"error": message, "status_code": code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
