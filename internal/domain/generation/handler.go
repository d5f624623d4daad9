package generation

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-api/internal/domain/ledger"
	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
	"github.com/dreamforge/dreamforge-api/internal/middleware"
	"github.com/dreamforge/dreamforge-api/internal/pkg/response"
	"github.com/dreamforge/dreamforge-api/internal/pkg/validator"
)

const maxCallbackBody = 1 << 20 // 1 MB

type Handler struct {
	service         *Service
	callbackSecrets map[string]string
}

func NewHandler(service *Service, callbackSecrets map[string]string) *Handler {
	return &Handler{service: service, callbackSecrets: callbackSecrets}
}

// Submit handles POST /generations.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	rec, err := h.service.Submit(r.Context(), userID, Kind(req.Kind), req.Provider, req.Input)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidKind), errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnsupportedKind):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ledger.ErrInsufficientCredits):
			response.PaymentRequired(w, "insufficient credits")
		default:
			response.InternalError(w)
		}
		return
	}

	// A submission the provider rejected still yields a record, already failed.
	resp := ToResponse(rec)
	if rec.State.IsTerminal() {
		response.OK(w, resp)
		return
	}
	response.Accepted(w, resp)
}

// Get handles GET /generations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid generation ID")
		return
	}

	rec, err := h.service.GetForUser(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "Generation not found")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, ToResponse(rec))
}

// List handles GET /generations.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	records, err := h.service.ListForUser(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, ToResponseList(records))
}

// Cancel handles POST /generations/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid generation ID")
		return
	}

	if err := h.service.Cancel(r.Context(), userID, id); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(w, "Generation not found")
		case errors.Is(err, ErrAlreadyTerminal):
			response.Conflict(w, "Generation already finished")
		default:
			response.InternalError(w)
		}
		return
	}

	response.OK(w, map[string]interface{}{"cancel_requested": true})
}

// Callback handles POST /callbacks/{provider}. Authenticated by a per-provider
// shared token carried in the webhook URL, compared in constant time.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	secret, ok := h.callbackSecrets[providerName]
	if !ok || secret == "" {
		response.NotFound(w, "Unknown callback provider")
		return
	}

	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		response.Unauthorized(w, "invalid callback token")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(w, "Failed to read callback body")
		return
	}

	if err := h.service.HandleCallback(r.Context(), providerName, payload); err != nil {
		response.BadRequest(w, "Invalid callback payload")
		return
	}

	response.OK(w, map[string]interface{}{"received": true})
}

// Routes returns the authenticated generation routes.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// CallbackRoutes returns the unauthenticated provider webhook routes.
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.Callback)
	return r
}
