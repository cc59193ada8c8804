package provider

import "context"

// GenerateRequest describes one image generation task.
type GenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Size      string   `json:"size,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// GenerateResult is the completed task output.
type GenerateResult struct {
	TaskID   string
	ImageURL string
}

// Client is a paid generation backend. Generate blocks until the task
// completes or fails; cancellation/timeouts come from ctx.
type Client interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
