package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
)

func TestReplicateSubmit(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/predictions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "pred-123", "status": "starting"})
	}))
	defer srv.Close()

	adapter := provider.NewReplicate(provider.ReplicateConfig{
		APIToken:   "test-token",
		BaseURL:    srv.URL,
		WebhookURL: "https://api.example.com/callbacks/replicate",
	})

	taskID, err := adapter.Submit(context.Background(), provider.JobSpec{
		Kind:  "image",
		Input: json.RawMessage(`{"prompt":"a lighthouse at dusk"}`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if taskID != "pred-123" {
		t.Fatalf("expected task id pred-123, got %s", taskID)
	}
	if gotAuth != "Token test-token" {
		t.Fatalf("expected token auth header, got %q", gotAuth)
	}
	if gotBody["webhook"] != "https://api.example.com/callbacks/replicate" {
		t.Fatalf("expected webhook in request, got %v", gotBody["webhook"])
	}
}

func TestReplicateSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"invalid version"}`))
	}))
	defer srv.Close()

	adapter := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t", BaseURL: srv.URL})

	_, err := adapter.Submit(context.Background(), provider.JobSpec{
		Kind:  "image",
		Input: json.RawMessage(`{}`),
	})
	if !provider.IsSubmissionError(err) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestReplicateSubmitUnsupportedKind(t *testing.T) {
	adapter := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t"})

	_, err := adapter.Submit(context.Background(), provider.JobSpec{Kind: "hologram"})
	if !provider.IsSubmissionError(err) {
		t.Fatalf("expected SubmissionError for unsupported kind, got %v", err)
	}
}

func TestReplicatePoll(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantState  provider.TaskState
		wantOutput string
		wantReason string
	}{
		{
			name:      "still processing",
			body:      `{"id":"p1","status":"processing"}`,
			wantState: provider.TaskRunning,
		},
		{
			name:       "succeeded with url array",
			body:       `{"id":"p1","status":"succeeded","output":["https://cdn.example.com/out.png"]}`,
			wantState:  provider.TaskSucceeded,
			wantOutput: "https://cdn.example.com/out.png",
		},
		{
			name:       "succeeded with text chunks",
			body:       `{"id":"p1","status":"succeeded","output":["Once"," upon"," a time"]}`,
			wantState:  provider.TaskSucceeded,
			wantOutput: "Once upon a time",
		},
		{
			name:       "failed with error",
			body:       `{"id":"p1","status":"failed","error":"NSFW content detected"}`,
			wantState:  provider.TaskFailed,
			wantReason: "NSFW content detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/predictions/p1" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			adapter := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t", BaseURL: srv.URL})

			result, err := adapter.Poll(context.Background(), "p1")
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if result.State != tt.wantState {
				t.Fatalf("expected state %s, got %s", tt.wantState, result.State)
			}
			if result.Output != tt.wantOutput {
				t.Fatalf("expected output %q, got %q", tt.wantOutput, result.Output)
			}
			if result.Reason != tt.wantReason {
				t.Fatalf("expected reason %q, got %q", tt.wantReason, result.Reason)
			}
		})
	}
}

func TestReplicatePollTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t", BaseURL: srv.URL})

	_, err := adapter.Poll(context.Background(), "p1")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if provider.IsSubmissionError(err) {
		t.Fatal("poll errors must not be submission errors")
	}
}

func TestReplicateParseCallback(t *testing.T) {
	adapter := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t"})

	taskID, result, err := adapter.ParseCallback([]byte(`{"id":"pred-9","status":"succeeded","output":"https://cdn.example.com/clip.mp4"}`))
	if err != nil {
		t.Fatalf("parse callback failed: %v", err)
	}
	if taskID != "pred-9" {
		t.Fatalf("expected task id pred-9, got %s", taskID)
	}
	if result.State != provider.TaskSucceeded || result.Output != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, _, err := adapter.ParseCallback([]byte(`{"status":"succeeded"}`)); err == nil {
		t.Fatal("expected error for payload without prediction id")
	}
}
