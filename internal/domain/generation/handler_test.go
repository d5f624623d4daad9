package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
	"github.com/dreamforge/dreamforge-api/internal/middleware"
)

func testAuth(userID uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func testRouter(h *Handler, userID uuid.UUID) chi.Router {
	r := chi.NewRouter()
	r.Mount("/generations", h.Routes(testAuth(userID)))
	r.Mount("/callbacks", h.CallbackRoutes())
	return r
}

func TestSubmitEndpoint(t *testing.T) {
	f := newFixture(t, false)
	userID := uuid.New()
	h := NewHandler(f.service, nil)
	router := testRouter(h, userID)

	body := bytes.NewBufferString(`{"kind":"image","input":{"prompt":"a lighthouse at dusk"}}`)
	req := httptest.NewRequest(http.MethodPost, "/generations", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Success bool           `json:"success"`
		Data    RecordResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !envelope.Success {
		t.Error("expected success envelope")
	}
	if envelope.Data.State != string(StateProcessing) {
		t.Errorf("state = %q, want processing", envelope.Data.State)
	}
	if envelope.Data.Kind != "image" {
		t.Errorf("kind = %q", envelope.Data.Kind)
	}
}

func TestSubmitEndpointRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.service, nil)
	router := testRouter(h, uuid.New())

	body := bytes.NewBufferString(`{"kind":"hologram","input":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/generations", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", w.Code, w.Body.String())
	}
}

func TestGetEndpointHidesForeignRecords(t *testing.T) {
	f := newFixture(t, false)
	owner := uuid.New()

	rec, err := f.service.Submit(context.Background(), owner, KindImage, "", []byte(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h := NewHandler(f.service, nil)
	router := testRouter(h, uuid.New()) // different user

	req := httptest.NewRequest(http.MethodGet, "/generations/"+rec.ID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelEndpointConflictOnTerminal(t *testing.T) {
	f := newFixture(t, false)
	userID := uuid.New()

	rec, _ := f.service.Submit(context.Background(), userID, KindImage, "", []byte(`{}`))
	f.service.applyOutcome(context.Background(), rec, provider.PollResult{State: provider.TaskSucceeded, Output: "url"})

	h := NewHandler(f.service, nil)
	router := testRouter(h, userID)

	req := httptest.NewRequest(http.MethodPost, "/generations/"+rec.ID.String()+"/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestCallbackEndpointRejectsBadToken(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.service, map[string]string{"replicate": "whsec"})
	router := testRouter(h, uuid.New())

	req := httptest.NewRequest(http.MethodPost, "/callbacks/replicate?token=wrong", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCallbackEndpointUnknownProvider(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.service, map[string]string{"replicate": "whsec"})
	router := testRouter(h, uuid.New())

	req := httptest.NewRequest(http.MethodPost, "/callbacks/acme?token=whsec", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
