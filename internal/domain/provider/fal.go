package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const falTimeout = 15 * time.Second

// falTaskSeparator joins the model path and the queue request ID into one
// stored task identifier, since the status endpoint is scoped to the model.
const falTaskSeparator = "::"

// FalConfig holds fal.ai queue API configuration.
type FalConfig struct {
	APIKey  string
	BaseURL string
	Models  map[string]string // generation kind -> model path
}

// Fal talks to the fal.ai queue API. The queue has no push callbacks; status
// is observed by polling only.
type Fal struct {
	config FalConfig
	http   *http.Client
}

func NewFal(config FalConfig) *Fal {
	if config.BaseURL == "" {
		config.BaseURL = "https://queue.fal.run"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Models == nil {
		config.Models = map[string]string{
			"image": "fal-ai/flux/dev",
			"music": "fal-ai/stable-audio",
		}
	}

	return &Fal{
		config: config,
		http:   &http.Client{Timeout: falTimeout},
	}
}

func (f *Fal) Name() string { return "fal" }

type falQueueResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Submit enqueues a request with the model for the requested kind.
func (f *Fal) Submit(ctx context.Context, spec JobSpec) (string, error) {
	model, ok := f.config.Models[spec.Kind]
	if !ok {
		return "", &SubmissionError{Provider: f.Name(), Message: "unsupported kind " + spec.Kind}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.BaseURL+"/"+model, bytes.NewBuffer(spec.Input))
	if err != nil {
		return "", fmt.Errorf("fal submit: create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+f.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Provider: f.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &SubmissionError{
			Provider: f.Name(),
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var queued falQueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", &SubmissionError{Provider: f.Name(), Message: "invalid response: " + err.Error()}
	}
	if queued.RequestID == "" {
		return "", &SubmissionError{Provider: f.Name(), Message: "response missing request_id"}
	}

	return model + falTaskSeparator + queued.RequestID, nil
}

// Poll checks the queue status and, once completed, fetches the result.
func (f *Fal) Poll(ctx context.Context, taskID string) (PollResult, error) {
	model, requestID, err := splitFalTask(taskID)
	if err != nil {
		return PollResult{}, err
	}

	statusURL := fmt.Sprintf("%s/%s/requests/%s/status", f.config.BaseURL, model, requestID)
	var status falQueueResponse
	if err := f.getJSON(ctx, statusURL, &status); err != nil {
		return PollResult{}, err
	}

	switch status.Status {
	case "COMPLETED":
		// Fetch the terminal result payload.
	case "IN_QUEUE", "IN_PROGRESS":
		return PollResult{State: TaskRunning}, nil
	default:
		return PollResult{State: TaskFailed, Reason: "provider reported " + status.Status}, nil
	}

	resultURL := fmt.Sprintf("%s/%s/requests/%s", f.config.BaseURL, model, requestID)
	var result struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Audio struct {
			URL string `json:"url"`
		} `json:"audio_file"`
		Error string `json:"error"`
	}
	if err := f.getJSON(ctx, resultURL, &result); err != nil {
		return PollResult{}, err
	}

	if result.Error != "" {
		return PollResult{State: TaskFailed, Reason: result.Error}, nil
	}
	if len(result.Images) > 0 {
		return PollResult{State: TaskSucceeded, Output: result.Images[0].URL}, nil
	}
	if result.Audio.URL != "" {
		return PollResult{State: TaskSucceeded, Output: result.Audio.URL}, nil
	}

	return PollResult{State: TaskFailed, Reason: "completed without output"}, nil
}

func (f *Fal) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fal poll: create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+f.config.APIKey)

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("fal poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fal poll: status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func splitFalTask(taskID string) (model, requestID string, err error) {
	idx := strings.LastIndex(taskID, falTaskSeparator)
	if idx < 0 {
		return "", "", fmt.Errorf("fal: malformed task id %q", taskID)
	}
	return taskID[:idx], taskID[idx+len(falTaskSeparator):], nil
}
