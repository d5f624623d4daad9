package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"name":"projects/test/messages/1"}`))
	}))
	defer server.Close()

	client := NewFCMClient(FCMConfig{ServerKey: "secret", ProjectID: "test", BaseURL: server.URL})
	err := client.Send(context.Background(), &PushMessage{Token: "tok", Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSendUnregisteredToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`))
	}))
	defer server.Close()

	client := NewFCMClient(FCMConfig{ProjectID: "test", BaseURL: server.URL})
	err := client.Send(context.Background(), &PushMessage{Token: "dead"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewFCMClient(FCMConfig{ProjectID: "test", BaseURL: server.URL})
	err := client.Send(context.Background(), &PushMessage{Token: "tok"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Error("5xx must not be treated as a dead token")
	}
}
