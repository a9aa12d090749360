package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Draft prefills the new-run form with a statement and preferences.
type Draft struct {
	ProblemStatement      string `json:"problem_statement"`
	TrainingBudgetMinutes int    `json:"training_budget_minutes"`
	PrimaryMetric         string `json:"primary_metric"`
	FileRef               string `json:"file_ref"`
}

// LoadDraftFile reads a local JSON draft. Unknown keys are rejected so typos
// surface at startup.
func LoadDraftFile(path string) (Draft, string, error) {
	rawPath := strings.TrimSpace(path)
	if rawPath == "" {
		return Draft{}, "", fmt.Errorf("draft file path is required")
	}
	if strings.Contains(rawPath, "://") {
		return Draft{}, "", fmt.Errorf("only local filesystem paths are supported")
	}

	resolvedPath, err := filepath.Abs(rawPath)
	if err != nil {
		return Draft{}, "", fmt.Errorf("resolve draft path %q: %w", rawPath, err)
	}

	blob, err := os.ReadFile(resolvedPath)
	if err != nil {
		return Draft{}, resolvedPath, fmt.Errorf("read draft file %q: %w", resolvedPath, err)
	}

	var draft Draft
	decoder := json.NewDecoder(bytes.NewReader(blob))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&draft); err != nil {
		return Draft{}, resolvedPath, fmt.Errorf("parse draft JSON %q: %w", resolvedPath, err)
	}
	return draft, resolvedPath, nil
}

// SaveDraftFile writes draft to path so a later start can load it with --draft.
func SaveDraftFile(path string, draft Draft) error {
	text, err := FormatDraftJSON(draft)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create draft dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		return fmt.Errorf("write draft file %q: %w", path, err)
	}
	return nil
}

// FormatDraftJSON renders a draft the way LoadDraftFile expects it.
func FormatDraftJSON(draft Draft) (string, error) {
	blob, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render draft JSON: %w", err)
	}
	return string(blob), nil
}
