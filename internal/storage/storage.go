package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"automl-tui/internal/service"
)

// savedAtLayout sorts lexically.
const savedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	rootDir string
	runsDir string
}

type RunSummary struct {
	RunID         string  `json:"run_id"`
	SavedAt       string  `json:"saved_at"`
	Status        string  `json:"status"`
	Statement     string  `json:"problem_statement,omitempty"`
	PrimaryMetric string  `json:"primary_metric,omitempty"`
	MetricValue   float64 `json:"metric_value"`
	HasMetric     bool    `json:"has_metric"`
	BestModel     string  `json:"best_model,omitempty"`
	Directory     string  `json:"directory"`
}

type RunBundle struct {
	Summary    RunSummary             `json:"summary"`
	Submission *service.RunSubmission `json:"submission,omitempty"`
	Snapshot   service.RunSnapshot    `json:"snapshot"`
}

func NewStore(rootDir string) (*Store, error) {
	runsDir := filepath.Join(rootDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Store{rootDir: rootDir, runsDir: runsDir}, nil
}

func (s *Store) RootDir() string {
	return s.rootDir
}

func (s *Store) RunsDir() string {
	return s.runsDir
}

func (s *Store) runDir(runID string) (string, error) {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "", fmt.Errorf("run id is required")
	}
	if err := service.ValidateArtifactName(id); err != nil {
		return "", fmt.Errorf("run id %q: %w", runID, err)
	}
	return filepath.Join(s.runsDir, id), nil
}

// SaveRun writes the latest snapshot of a run. Saving the same run again
// replaces its files. The submission is optional; runs opened from the listing
// have none.
func (s *Store) SaveRun(snap service.RunSnapshot, sub *service.RunSubmission) (RunSummary, error) {
	dirPath, err := s.runDir(snap.RunID)
	if err != nil {
		return RunSummary{}, err
	}
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return RunSummary{}, fmt.Errorf("create run bundle dir: %w", err)
	}

	summary := RunSummary{
		RunID:     snap.RunID,
		SavedAt:   time.Now().UTC().Format(savedAtLayout),
		Status:    string(snap.Status),
		BestModel: snap.State.BestModel,
		Directory: dirPath,
	}
	if sub != nil {
		summary.Statement = sub.ProblemStatement
		summary.PrimaryMetric = string(sub.Preferences.PrimaryMetric)
		summary.MetricValue, summary.HasMetric = snap.State.Metrics[summary.PrimaryMetric]
	}

	if err := writeJSON(filepath.Join(dirPath, "summary.json"), summary); err != nil {
		return RunSummary{}, err
	}
	if err := writeJSON(filepath.Join(dirPath, "snapshot.json"), snap); err != nil {
		return RunSummary{}, err
	}
	bundle := RunBundle{Summary: summary, Submission: sub, Snapshot: snap}
	if err := writeJSON(filepath.Join(dirPath, "bundle.json"), bundle); err != nil {
		return RunSummary{}, err
	}
	return summary, nil
}

func (s *Store) List(limit int) ([]RunSummary, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	summaries := make([]RunSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var summary RunSummary
		if err := readJSON(filepath.Join(s.runsDir, entry.Name(), "summary.json"), &summary); err != nil {
			continue
		}
		if summary.Directory == "" {
			summary.Directory = filepath.Join(s.runsDir, entry.Name())
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SavedAt > summaries[j].SavedAt
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// LoadBundle accepts either a run id or a bundle directory.
func (s *Store) LoadBundle(ref string) (*RunBundle, error) {
	dir := strings.TrimSpace(ref)
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.runsDir, dir)
	}

	var bundle RunBundle
	if err := readJSON(filepath.Join(dir, "bundle.json"), &bundle); err == nil {
		if bundle.Summary.Directory == "" {
			bundle.Summary.Directory = dir
		}
		return &bundle, nil
	}

	if err := readJSON(filepath.Join(dir, "summary.json"), &bundle.Summary); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, "snapshot.json"), &bundle.Snapshot); err != nil {
		return nil, err
	}
	bundle.Summary.Directory = dir
	return &bundle, nil
}

// ArtifactPath is where a downloaded artifact of a run is kept.
func (s *Store) ArtifactPath(runID, filename string) (string, error) {
	dirPath, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	if err := service.ValidateArtifactName(filename); err != nil {
		return "", err
	}
	return filepath.Join(dirPath, "artifacts", filename), nil
}

// SaveArtifact streams an artifact into the run's directory. Partial files are
// removed when the copy fails.
func (s *Store) SaveArtifact(runID, filename string, fill func(io.Writer) (int64, error)) (string, int64, error) {
	path, err := s.ArtifactPath(runID, filename)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create artifacts dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filename+".*")
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := fill(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("save artifact %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("save artifact %s: %w", filename, err)
	}
	return path, n, nil
}

func writeJSON(path string, value any) error {
	blob, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json for %s: %w", path, err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, out any) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
