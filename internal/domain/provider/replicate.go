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

const replicateTimeout = 15 * time.Second

// ReplicateConfig holds Replicate API configuration.
type ReplicateConfig struct {
	APIToken   string
	BaseURL    string
	WebhookURL string            // empty disables webhooks, polling still works
	Models     map[string]string // generation kind -> model version
}

// Replicate talks to the Replicate predictions API. Jobs complete
// asynchronously; completion arrives through the webhook when configured and
// through Poll otherwise.
type Replicate struct {
	config ReplicateConfig
	http   *http.Client
}

func NewReplicate(config ReplicateConfig) *Replicate {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.replicate.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Models == nil {
		config.Models = map[string]string{
			"image": "stability-ai/sdxl",
			"video": "stability-ai/stable-video-diffusion",
			"text":  "meta/meta-llama-3-8b-instruct",
		}
	}

	return &Replicate{
		config: config,
		http:   &http.Client{Timeout: replicateTimeout},
	}
}

func (r *Replicate) Name() string { return "replicate" }

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type replicateCreateRequest struct {
	Version             string          `json:"version"`
	Input               json.RawMessage `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

// Submit creates a prediction. A non-2xx response from the API is a
// SubmissionError; submission is never retried here.
func (r *Replicate) Submit(ctx context.Context, spec JobSpec) (string, error) {
	model, ok := r.config.Models[spec.Kind]
	if !ok {
		return "", &SubmissionError{Provider: r.Name(), Message: "unsupported kind " + spec.Kind}
	}

	reqBody := replicateCreateRequest{
		Version: model,
		Input:   spec.Input,
	}
	if r.config.WebhookURL != "" {
		reqBody.Webhook = r.config.WebhookURL
		reqBody.WebhookEventsFilter = []string{"completed"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("replicate submit: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.BaseURL+"/v1/predictions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("replicate submit: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Provider: r.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &SubmissionError{
			Provider: r.Name(),
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var pred replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return "", &SubmissionError{Provider: r.Name(), Message: "invalid response: " + err.Error()}
	}
	if pred.ID == "" {
		return "", &SubmissionError{Provider: r.Name(), Message: "response missing prediction id"}
	}

	return pred.ID, nil
}

// Poll fetches the prediction status. Network errors and 5xx responses come
// back as plain errors so the caller retries with backoff.
func (r *Replicate) Poll(ctx context.Context, taskID string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.BaseURL+"/v1/predictions/"+taskID, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("replicate poll: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.config.APIToken)

	resp, err := r.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("replicate poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PollResult{}, ErrTaskNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PollResult{}, fmt.Errorf("replicate poll: status %d", resp.StatusCode)
	}

	var pred replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return PollResult{}, fmt.Errorf("replicate poll: decode: %w", err)
	}

	return mapPrediction(pred), nil
}

// ParseCallback handles the webhook payload, which is the prediction object.
func (r *Replicate) ParseCallback(payload []byte) (string, PollResult, error) {
	var pred replicatePrediction
	if err := json.Unmarshal(payload, &pred); err != nil {
		return "", PollResult{}, fmt.Errorf("replicate callback: decode: %w", err)
	}
	if pred.ID == "" {
		return "", PollResult{}, fmt.Errorf("replicate callback: missing prediction id")
	}
	return pred.ID, mapPrediction(pred), nil
}

func mapPrediction(pred replicatePrediction) PollResult {
	switch pred.Status {
	case "succeeded":
		return PollResult{State: TaskSucceeded, Output: decodeReplicateOutput(pred.Output)}
	case "failed", "canceled":
		reason := pred.Error
		if reason == "" {
			reason = "provider reported " + pred.Status
		}
		return PollResult{State: TaskFailed, Reason: reason}
	default:
		// starting, processing
		return PollResult{State: TaskRunning}
	}
}

// decodeReplicateOutput extracts the artifact URL. Depending on the model the
// output is a string, an array of strings, or an array of text chunks.
func decodeReplicateOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return ""
		}
		if strings.HasPrefix(many[0], "http") {
			return many[0]
		}
		return strings.Join(many, "")
	}

	return string(raw)
}
