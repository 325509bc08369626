package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const (
	TokenHeader   = "cl-x-token"
	EventIDHeader = "cl-x-event-id"

	maxBodyBytes = 1 << 20
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the ingress endpoint behind admit and the status API behind
// authn. A nil authn leaves the status API unmounted.
func (h *Handler) Routes(admit, authn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	var mws chi.Middlewares
	if admit != nil {
		mws = append(mws, admit)
	}
	r.With(mws...).Post("/server/incoming_data", h.incomingData)

	if authn != nil {
		r.With(authn).Get("/v1/events/{eventId}", h.getEvent)
	}
	return r
}

func (h *Handler) incomingData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := Request{
		Token:   r.Header.Get(TokenHeader),
		EventID: r.Header.Get(EventIDHeader),
	}
	if req.Token == "" || req.EventID == "" {
		metrics.RecordIngress("missing_fields")
		writeJSON(w, http.StatusBadRequest, response{Message: "Missing headers"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordIngress("invalid_body")
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid JSON body"})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		metrics.RecordIngress("invalid_body")
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid JSON body"})
		return
	}
	req.Payload = body

	res, err := h.svc.Ingest(ctx, req)
	switch {
	case err == nil:
		metrics.RecordIngress("accepted")
		h.logger.WithContext(ctx).WithAccount(res.AccountID).WithEvent(res.EventID).
			WithField("destinations", res.Destinations).
			Debug("event accepted")
		writeJSON(w, http.StatusOK, response{Success: true, Message: "Data Received"})
	case errors.Is(err, ErrMissingFields):
		metrics.RecordIngress("missing_fields")
		writeJSON(w, http.StatusBadRequest, response{Message: "Missing headers"})
	case errors.Is(err, ErrInvalidToken):
		metrics.RecordIngress("invalid_token")
		writeJSON(w, http.StatusForbidden, response{Message: "Invalid token"})
	case errors.Is(err, ErrDuplicateEvent):
		metrics.RecordIngress("duplicate")
		writeJSON(w, http.StatusConflict, response{Message: "Duplicate event id"})
	default:
		metrics.RecordIngress("error")
		h.logger.WithContext(ctx).WithEvent(req.EventID).WithError(err).Error("ingest failed")
		writeJSON(w, http.StatusInternalServerError, response{Message: "Internal error"})
	}
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, ok := auth.GetAccountIDFromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, response{Message: "Unauthorized"})
		return
	}
	eventID := chi.URLParam(r, "eventId")

	st, err := h.svc.EventStatus(ctx, accountID, eventID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, ErrEventNotFound):
		writeJSON(w, http.StatusNotFound, response{Message: "Event not found"})
	default:
		h.logger.WithContext(ctx).WithAccount(accountID).WithEvent(eventID).WithError(err).Error("event lookup failed")
		writeJSON(w, http.StatusInternalServerError, response{Message: "Internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
