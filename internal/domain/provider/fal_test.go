package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
)

func TestFalSubmitAndPoll(t *testing.T) {
	status := "IN_PROGRESS"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key test-key" {
			t.Errorf("missing key auth header, got %q", r.Header.Get("Authorization"))
		}

		switch r.URL.Path {
		case "/fal-ai/flux/dev":
			json.NewEncoder(w).Encode(map[string]string{"request_id": "req-42", "status": "IN_QUEUE"})
		case "/fal-ai/flux/dev/requests/req-42/status":
			json.NewEncoder(w).Encode(map[string]string{"request_id": "req-42", "status": status})
		case "/fal-ai/flux/dev/requests/req-42":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"images": []map[string]string{{"url": "https://fal.media/out.png"}},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter := provider.NewFal(provider.FalConfig{APIKey: "test-key", BaseURL: srv.URL})

	taskID, err := adapter.Submit(context.Background(), provider.JobSpec{
		Kind:  "image",
		Input: json.RawMessage(`{"prompt":"a fox in the snow"}`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result, err := adapter.Poll(context.Background(), taskID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if result.State != provider.TaskRunning {
		t.Fatalf("expected running, got %s", result.State)
	}

	status = "COMPLETED"
	result, err = adapter.Poll(context.Background(), taskID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if result.State != provider.TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", result.State)
	}
	if result.Output != "https://fal.media/out.png" {
		t.Fatalf("unexpected output: %s", result.Output)
	}
}

func TestFalSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer srv.Close()

	adapter := provider.NewFal(provider.FalConfig{APIKey: "bad", BaseURL: srv.URL})

	_, err := adapter.Submit(context.Background(), provider.JobSpec{
		Kind:  "music",
		Input: json.RawMessage(`{}`),
	})
	if !provider.IsSubmissionError(err) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestFalMalformedTaskID(t *testing.T) {
	adapter := provider.NewFal(provider.FalConfig{APIKey: "k"})

	if _, err := adapter.Poll(context.Background(), "no-separator"); err == nil {
		t.Fatal("expected error for malformed task id")
	}
}

func TestRegistryRouting(t *testing.T) {
	registry := provider.NewRegistry()
	replicate := provider.NewReplicate(provider.ReplicateConfig{APIToken: "t"})
	fal := provider.NewFal(provider.FalConfig{APIKey: "k"})

	registry.Register(replicate, "image", "video", "text")
	registry.Register(fal, "image", "music")

	a, err := registry.ForKind("image")
	if err != nil || a.Name() != "replicate" {
		t.Fatalf("expected replicate to keep image (registered first), got %v %v", a, err)
	}

	a, err = registry.ForKind("music")
	if err != nil || a.Name() != "fal" {
		t.Fatalf("expected fal for music, got %v %v", a, err)
	}

	if _, err := registry.ForKind("hologram"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}

	if _, err := registry.Get("nonexistent"); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	if _, err := registry.Callback("replicate"); err != nil {
		t.Fatalf("replicate should support callbacks: %v", err)
	}
	if _, err := registry.Callback("fal"); err == nil {
		t.Fatal("fal must not report callback support")
	}
}
