package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"promo-code-engine/internal/captcha"
	"promo-code-engine/internal/features"
	"promo-code-engine/internal/models"
	"promo-code-engine/internal/service"
	"promo-code-engine/internal/validation"
)

// Handler provides HTTP handlers for the admin and intake API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      logger.With("component", "handler"),
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)

	r.Post("/messages", h.PostMessage)

	r.Route("/sites", func(r chi.Router) {
		r.Get("/", h.ListQueues)
		r.Route("/{site}", func(r chi.Router) {
			r.Post("/codes", h.EnqueueCodes)
			r.Get("/queue", h.GetQueue)
			r.Post("/abort", h.AbortSite)
			r.Post("/reset", h.ResetSite)
			r.Get("/ledger", h.GetLedger)
		})
	})

	r.Route("/captchas", func(r chi.Router) {
		r.Get("/", h.ListCaptchas)
		r.Post("/{id}", h.AnswerCaptcha)
	})

	r.Route("/features", func(r chi.Router) {
		r.Get("/", h.ListFeatures)
		r.Put("/{name}", h.SetFeature)
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// PostMessage handles POST /messages. With ?sync=true the message is
// processed before responding; otherwise it is queued for intake.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req models.Message
	if !h.decode(w, r, &req) {
		return
	}
	req.ChannelID = validation.SanitizeString(req.ChannelID)

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		res, err := h.service.HandleMessage(r.Context(), req)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, res)
		return
	}

	if err := h.service.QueueMessage(req); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, models.MessageAcceptedResponse{Queued: true})
}

// EnqueueCodes handles POST /sites/{site}/codes
func (h *Handler) EnqueueCodes(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueCodesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.EnqueueCodes(siteParam(r), req.Codes)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, res)
}

// ListQueues handles GET /sites
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.service.ListQueues()
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, queues)
}

// GetQueue handles GET /sites/{site}/queue
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.QueueStatus(siteParam(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// AbortSite handles POST /sites/{site}/abort
func (h *Handler) AbortSite(w http.ResponseWriter, r *http.Request) {
	site := siteParam(r)
	if err := h.service.AbortSite(site); err != nil {
		h.respondServiceError(w, err)
		return
	}
	st, err := h.service.QueueStatus(site)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, st)
}

// ResetSite handles POST /sites/{site}/reset
func (h *Handler) ResetSite(w http.ResponseWriter, r *http.Request) {
	site := siteParam(r)
	if err := h.service.ResetSite(r.Context(), site); err != nil {
		h.respondServiceError(w, err)
		return
	}
	view, err := h.service.LedgerView(r.Context(), site)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// GetLedger handles GET /sites/{site}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.LedgerView(r.Context(), siteParam(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// ListCaptchas handles GET /captchas
func (h *Handler) ListCaptchas(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.PendingCaptchas())
}

// AnswerCaptcha handles POST /captchas/{id}
func (h *Handler) AnswerCaptcha(w http.ResponseWriter, r *http.Request) {
	var req models.CaptchaAnswerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AnswerCaptcha(chi.URLParam(r, "id"), req.Answer); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Features())
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req models.FeatureUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if err := h.service.SetFeature(name, req.Enabled); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.service.Features())
}

func siteParam(r *http.Request) string {
	return validation.SanitizeString(chi.URLParam(r, "site"))
}

// decode reads a JSON body into dst, writing a 400 and returning false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownSite),
		errors.Is(err, captcha.ErrUnknownChallenge),
		errors.Is(err, features.ErrUnknownFlag):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
