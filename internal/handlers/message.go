package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/afterlight/chatguard/internal/i18n"
	"github.com/afterlight/chatguard/internal/middleware"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/afterlight/chatguard/internal/pipeline"
	"github.com/afterlight/chatguard/internal/services/prompt"
	"github.com/afterlight/chatguard/pkg/logger"
	"github.com/afterlight/chatguard/pkg/markdown"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type messageRequest struct {
	UserID         string           `json:"user_id"`
	PersonaID      string           `json:"persona_id"`
	Message        string           `json:"message"`
	History        []models.Message `json:"history"`
	Tier           string           `json:"tier"`
	PreferredModel string           `json:"preferred_model"`
	Language       string           `json:"language"`
	Country        string           `json:"country"`
	Persona        prompt.Persona   `json:"persona"`
	Memories       []prompt.Memory  `json:"memories"`
}

type messageResponse struct {
	*pipeline.Result
	HTML string `json:"html,omitempty"`
}

// PostMessage handles POST /v1/conversations/{conversationID}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationID"]

	var body messageRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The web app forwards the authenticated user in a header
	userID := strings.TrimSpace(r.Header.Get(middleware.ClientIDHeader))
	if userID == "" {
		userID = strings.TrimSpace(body.UserID)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if strings.TrimSpace(body.PersonaID) == "" {
		writeError(w, http.StatusBadRequest, "persona_id is required")
		return
	}

	lang := body.Language
	if lang == "" {
		lang = h.config.I18n.DefaultLanguage
	}

	result, err := h.pipeline.ProcessMessage(r.Context(), pipeline.Request{
		UserID:         userID,
		PersonaID:      body.PersonaID,
		ConversationID: conversationID,
		Message:        body.Message,
		History:        body.History,
		Tier:           models.ParseTier(body.Tier),
		PreferredModel: body.PreferredModel,
		Language:       lang,
		Country:        body.Country,
		Persona:        body.Persona,
		Memories:       body.Memories,
	})
	if err != nil {
		h.writePipelineError(w, r, err, userID, conversationID, lang)
		return
	}

	resp := messageResponse{Result: result}
	if result.Outcome != pipeline.OutcomeRejected {
		resp.HTML = markdown.ToHTML(result.Text)
	}
	writeJSON(w, result.Status, resp)
}

func (h *Handler) writePipelineError(w http.ResponseWriter, r *http.Request, err error, userID, conversationID, lang string) {
	log := logger.WithContext(h.logger, userID, conversationID)

	switch {
	case errors.Is(err, context.Canceled):
		// Nobody is listening any more
		log.Debug("Client closed request")
	case errors.Is(err, pipeline.ErrProviderTimeout):
		writeError(w, http.StatusGatewayTimeout, h.localizer.Get(lang, i18n.MsgProviderUnavailable, nil))
	case errors.Is(err, pipeline.ErrProviderFailed):
		writeError(w, http.StatusBadGateway, h.localizer.Get(lang, i18n.MsgProviderUnavailable, nil))
	default:
		log.WithError(err).WithFields(logrus.Fields{
			"path": r.URL.Path,
		}).Error("Failed to process message")
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
