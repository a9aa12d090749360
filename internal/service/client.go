package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 32 * 1024 * 1024

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
	HTTPClient        *http.Client
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, op, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		body = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "path", req.URL.Path, "request_id", req.Header.Get("X-Request-ID"), "error", err)
		return nil, &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("request done",
		"op", op,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-ID"),
		"elapsed", time.Since(started),
	)
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var envelope errorEnvelope
		msg := ""
		if json.Unmarshal(blob, &envelope) == nil {
			msg = strings.TrimSpace(envelope.message())
		}
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, payload any, out any) error {
	req, err := c.newRequest(ctx, op, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	var envelope errorEnvelope
	if json.Unmarshal(blob, &envelope) == nil && envelope.StatusCode >= 400 {
		return &TransportError{Op: op, StatusCode: envelope.StatusCode, Message: strings.TrimSpace(envelope.message())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	payload := map[string]any{}
	if err := c.doJSON(ctx, "health", http.MethodGet, "/health", nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) StartRun(ctx context.Context, sub RunSubmission) (string, error) {
	user := map[string]any{}
	if ref := strings.TrimSpace(sub.FileRef); ref != "" {
		// Only the filename travels; uploading the file itself is not part of the
		// backend contract.
		user["upload_path"] = filepath.Base(ref)
	}
	request := runRequest{
		ProblemStatement: sub.ProblemStatement,
		Preferences:      sub.Preferences,
		User:             user,
	}
	var response runCreateResponse
	if err := c.doJSON(ctx, "start run", http.MethodPost, "/run", request, &response); err != nil {
		return "", err
	}
	runID := strings.TrimSpace(response.RunID)
	if runID == "" {
		return "", &TransportError{Op: "start run", Message: "backend did not return a run id"}
	}
	return runID, nil
}

// GenerateCandidates asks the backend for problem statements built from an
// optional hint. An empty, successful answer is not an error here.
func (c *Client) GenerateCandidates(ctx context.Context, hint string) ([]Candidate, error) {
	prefs := map[string]any{}
	if hint = strings.TrimSpace(hint); hint != "" {
		prefs["hint"] = hint
	}
	request := psRequest{HavePS: false, ProblemStatement: "", Preferences: prefs}
	var response psResponse
	if err := c.doJSON(ctx, "generate statements", http.MethodPost, "/ps", request, &response); err != nil {
		return nil, err
	}
	if strings.EqualFold(response.Status, "error") {
		msg := strings.TrimSpace(response.Error)
		if msg == "" {
			msg = "statement generation failed"
		}
		return nil, &TransportError{Op: "generate statements", Message: msg}
	}
	return normalizeCandidates(response.PSOptions), nil
}

func (c *Client) GetRunStatus(ctx context.Context, runID string) (*RunSnapshot, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	var raw wireStatus
	path := fmt.Sprintf("/status/%s", url.PathEscape(runID))
	if err := c.doJSON(ctx, "poll status", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	snap := normalizeSnapshot(runID, raw)
	return &snap, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]RunListEntry, error) {
	var response runsListResponse
	if err := c.doJSON(ctx, "list runs", http.MethodGet, "/runs", nil, &response); err != nil {
		return nil, err
	}
	runs := make([]RunListEntry, 0, len(response.Runs))
	for _, raw := range response.Runs {
		entry := normalizeListEntry(raw)
		if entry.RunID == "" {
			continue
		}
		runs = append(runs, entry)
	}
	return runs, nil
}

func ValidateArtifactName(filename string) error {
	name := strings.TrimSpace(filename)
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactName, filename)
	}
	return nil
}

// DownloadArtifact streams an artifact into w and returns the byte count.
func (c *Client) DownloadArtifact(ctx context.Context, filename string, w io.Writer) (int64, error) {
	if err := ValidateArtifactName(filename); err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, "download artifact", http.MethodGet, "/artifacts/"+url.PathEscape(filename), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := c.do("download artifact", req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		blob, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return 0, &TransportError{Op: "download artifact", Err: err}
		}
		var envelope errorEnvelope
		if json.Unmarshal(blob, &envelope) == nil && envelope.StatusCode >= 400 {
			return 0, &TransportError{Op: "download artifact", StatusCode: envelope.StatusCode, Message: strings.TrimSpace(envelope.message())}
		}
		body = bytes.NewReader(blob)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, &TransportError{Op: "download artifact", Err: err}
	}
	return n, nil
}
