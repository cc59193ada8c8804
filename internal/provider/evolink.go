package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomai/credits-service/internal/config"
)

// Evolink task statuses.
const (
	taskPending    = "pending"
	taskProcessing = "processing"
	taskCompleted  = "completed"
	taskFailed     = "failed"
)

// ErrTaskTimeout means the task did not complete within the configured
// polling budget.
var ErrTaskTimeout = errors.New("evolink: task timed out")

type evolinkTask struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Status  string   `json:"status"`
	Results []string `json:"results,omitempty"`
}

type evolinkError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// EvolinkClient talks to the Evolink image generation API. Tasks are
// asynchronous: one POST creates the task, then the status endpoint is
// polled until completed/failed.
type EvolinkClient struct {
	cfg          config.EvolinkConfig
	pollInterval time.Duration
	http         *http.Client
}

func NewEvolinkClient(cfg config.EvolinkConfig) *EvolinkClient {
	interval := time.Duration(cfg.PollInterval)
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &EvolinkClient{
		cfg:          cfg,
		pollInterval: interval,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *EvolinkClient) Name() string { return "evolink" }

// Generate creates an image generation task and polls it to completion.
func (c *EvolinkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	task, err := c.createTask(ctx, req)
	if err != nil {
		return nil, err
	}

	for i := 0; i < c.cfg.MaxPolls; i++ {
		detail, err := c.getTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		switch detail.Status {
		case taskCompleted:
			if len(detail.Results) == 0 || detail.Results[0] == "" {
				return nil, fmt.Errorf("evolink: task %s completed without results", task.ID)
			}
			return &GenerateResult{TaskID: task.ID, ImageURL: detail.Results[0]}, nil
		case taskFailed:
			return nil, fmt.Errorf("evolink: task %s failed", task.ID)
		case taskPending, taskProcessing:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, ErrTaskTimeout
}

func (c *EvolinkClient) createTask(ctx context.Context, req GenerateRequest) (*evolinkTask, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/images/generations", bytes.NewReader(body))
}

func (c *EvolinkClient) getTask(ctx context.Context, id string) (*evolinkTask, error) {
	return c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/tasks/"+id, nil)
}

func (c *EvolinkClient) do(ctx context.Context, method, url string, body io.Reader) (*evolinkTask, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr evolinkError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("evolink: %d %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("evolink: %d %s", resp.StatusCode, string(data))
	}

	var task evolinkTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
