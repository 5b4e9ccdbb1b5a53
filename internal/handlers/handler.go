package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/i18n"
	"github.com/afterlight/chatguard/internal/middleware"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/afterlight/chatguard/internal/pipeline"
	"github.com/afterlight/chatguard/internal/safety/crisis"
	"github.com/afterlight/chatguard/internal/services/cache"
	"github.com/afterlight/chatguard/internal/services/cost"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// MessageProcessor runs a chat message through the pipeline
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// IncidentReader lists audit incidents and reports backend health
type IncidentReader interface {
	ListIncidents(ctx context.Context, userID string, limit int) ([]models.Incident, error)
	Ping(ctx context.Context) error
}

const defaultIncidentLimit = 50

// Handler serves the HTTP API
type Handler struct {
	config    *config.Config
	pipeline  MessageProcessor
	guardian  *cost.Guardian
	cache     cache.Service
	storage   IncidentReader
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	cfg *config.Config,
	processor MessageProcessor,
	guardian *cost.Guardian,
	cache cache.Service,
	storage IncidentReader,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		config:    cfg,
		pipeline:  processor,
		guardian:  guardian,
		cache:     cache,
		storage:   storage,
		localizer: localizer,
		logger:    logger,
	}
}

// Router builds the API routes. The rate limiter guards /v1 only.
func (h *Handler) Router(limiter *middleware.ClientRateLimiter, metrics *middleware.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if limiter != nil {
		api.Use(limiter.Middleware(metrics))
	}
	api.HandleFunc("/conversations/{conversationID}/messages", h.PostMessage).Methods(http.MethodPost)
	api.HandleFunc("/crisis-resources", h.CrisisResources).Methods(http.MethodGet)
	api.HandleFunc("/cache/feedback", h.CacheFeedback).Methods(http.MethodPost)
	api.HandleFunc("/usage/{userID}", h.Usage).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/incidents", h.Incidents).Methods(http.MethodGet)

	return r
}

// Health reports whether the incident store is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.storage != nil {
		if err := h.storage.Ping(r.Context()); err != nil {
			h.logger.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resourcesResponse struct {
	Country   string            `json:"country"`
	Resources []crisis.Resource `json:"resources"`
}

// CrisisResources returns the hotline table for ?country=
func (h *Handler) CrisisResources(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("country")))
	if country == "" {
		country = h.config.Server.DefaultCountry
	}

	list := crisis.Resources(country)
	if len(list) > 0 {
		country = list[0].Country
	}
	writeJSON(w, http.StatusOK, resourcesResponse{Country: country, Resources: list})
}

type feedbackRequest struct {
	PersonaID string  `json:"persona_id"`
	Query     string  `json:"query"`
	Score     float64 `json:"score"`
}

// CacheFeedback folds a user's rating of a cached answer into its
// satisfaction score
func (h *Handler) CacheFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		writeError(w, http.StatusBadRequest, "persona_id is required")
		return
	}
	if req.Score < 0 || req.Score > 1 {
		writeError(w, http.StatusBadRequest, "score must be between 0 and 1")
		return
	}

	if !h.cache.UpdateSatisfaction(req.Query, req.Score, pipeline.CacheScope(req.PersonaID)) {
		writeError(w, http.StatusNotFound, "no cached answer for query")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usageResponse struct {
	UserID     string         `json:"user_id"`
	Usage      cost.UserUsage `json:"usage"`
	DailyLimit float64        `json:"daily_limit"`
	Remaining  float64        `json:"remaining"`
}

// Usage returns the cost guardian's ledger for a user
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	usage, ok := h.guardian.Usage(userID)
	if !ok {
		usage = cost.UserUsage{Tier: models.TierFree}
	}
	limit := h.guardian.DailyLimit(usage.Tier)
	remaining := limit - usage.DailyCost
	if remaining < 0 {
		remaining = 0
	}

	writeJSON(w, http.StatusOK, usageResponse{
		UserID:     userID,
		Usage:      usage,
		DailyLimit: limit,
		Remaining:  remaining,
	})
}

// Incidents returns a user's most recent audit incidents, newest first
func (h *Handler) Incidents(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	limit := defaultIncidentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	incidents, err := h.storage.ListIncidents(r.Context(), userID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to list incidents")
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"incidents": incidents,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
