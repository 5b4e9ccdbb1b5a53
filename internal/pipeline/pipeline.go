// Package pipeline runs every inbound chat message through the safety and
// cost checks before, and the bookkeeping after, the model call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/i18n"
	"github.com/afterlight/chatguard/internal/middleware"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/afterlight/chatguard/internal/safety/abuse"
	"github.com/afterlight/chatguard/internal/safety/crisis"
	"github.com/afterlight/chatguard/internal/services/ai"
	"github.com/afterlight/chatguard/internal/services/cache"
	"github.com/afterlight/chatguard/internal/services/cost"
	"github.com/afterlight/chatguard/internal/services/memory"
	"github.com/afterlight/chatguard/internal/services/prompt"
	"github.com/afterlight/chatguard/internal/services/router"
	"github.com/afterlight/chatguard/pkg/logger"
	"github.com/sirupsen/logrus"
)

var (
	// ErrProviderTimeout is returned when the model call hit the configured timeout
	ErrProviderTimeout = errors.New("model provider timed out")
	// ErrProviderFailed is returned for any other failed model call
	ErrProviderFailed = errors.New("model provider failed")
)

// Outcome is how a message left the pipeline
type Outcome string

const (
	OutcomeReply    Outcome = "reply"
	OutcomeCrisis   Outcome = "crisis"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons
const (
	ReasonRateLimited      = "rate_limited"
	ReasonBlockedForSafety = "blocked_for_safety"
	ReasonBudgetExceeded   = "budget_exceeded"
)

// IncidentStore persists audit records
type IncidentStore interface {
	SaveIncident(ctx context.Context, incident *models.Incident) error
}

// Request is one inbound chat message with the conversation state the
// pipeline needs
type Request struct {
	UserID         string
	PersonaID      string
	ConversationID string
	Message        string
	History        []models.Message
	Tier           models.Tier
	PreferredModel string
	Language       string
	Country        string
	Persona        prompt.Persona
	Memories       []prompt.Memory
}

// Result is what the caller shows the user
type Result struct {
	Outcome   Outcome           `json:"outcome"`
	Status    int               `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Text      string            `json:"text"`
	Model     string            `json:"model,omitempty"`
	Cached    bool              `json:"cached"`
	Crisis    *crisis.Result    `json:"crisis,omitempty"`
	Resources []crisis.Resource `json:"resources,omitempty"`
	Usage     models.TokenUsage `json:"usage"`
	Cost      float64           `json:"cost"`
	Stage     cost.Stage        `json:"stage,omitempty"`
}

// CrisisDetector classifies a message. An error means detection itself failed
// and the returned result is the safety banner.
type CrisisDetector interface {
	SafeDetect(message string) (crisis.Result, error)
}

// Components are the services the pipeline drives
type Components struct {
	Crisis    CrisisDetector
	Abuse     *abuse.Detector
	Guardian  *cost.Guardian
	Router    *router.Router
	Cache     cache.Service
	LLM       ai.Service
	Incidents IncidentStore
	Localizer *i18n.Localizer
	Metrics   *middleware.Metrics
}

// Pipeline processes chat messages
type Pipeline struct {
	cfg       *config.Config
	crisis    CrisisDetector
	abuse     *abuse.Detector
	guardian  *cost.Guardian
	router    *router.Router
	cache     cache.Service
	llm       ai.Service
	incidents IncidentStore
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// New creates a pipeline
func New(cfg *config.Config, c Components, logger *logrus.Logger) *Pipeline {
	metrics := c.Metrics
	if metrics == nil {
		metrics = middleware.NewMetrics()
	}

	return &Pipeline{
		cfg:       cfg,
		crisis:    c.Crisis,
		abuse:     c.Abuse,
		guardian:  c.Guardian,
		router:    c.Router,
		cache:     c.Cache,
		llm:       c.LLM,
		incidents: c.Incidents,
		localizer: c.Localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// ProcessMessage runs one message through crisis detection, abuse detection,
// the budget check, the response cache and finally the model. Safety and
// budget rejections are results, not errors; errors are reserved for
// cancellation and provider failures.
func (p *Pipeline) ProcessMessage(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logger.WithContext(p.logger, req.UserID, req.ConversationID).WithField("persona_id", req.PersonaID)
	lang := req.Language
	if lang == "" {
		lang = p.cfg.I18n.DefaultLanguage
	}
	tier := req.Tier
	if tier == "" {
		tier = models.TierFree
	}

	// Crisis detection never fails open
	detection, err := p.crisis.SafeDetect(req.Message)
	if err != nil {
		log.WithError(err).Error("Crisis detector failed, serving safety banner")
		p.metrics.RecordDetectorFailure("crisis")
		detection.RecommendedResponse = p.localizer.Get(lang, i18n.MsgSafetyBanner, nil)
	}

	style := prompt.Style{}
	if detection.IsCrisis {
		p.metrics.RecordCrisis(string(detection.CrisisLevel))
		log.WithFields(logrus.Fields{
			"severity":       detection.CrisisLevel,
			"categories":     detection.Categories,
			"phrases":        detection.DetectedPhrases,
			"message_length": len(req.Message),
			"immediate":      crisis.RequiresImmediateIntervention(detection),
		}).Warn("Crisis language detected")

		if detection.InterventionRequired {
			p.saveIncident(ctx, log, &models.Incident{
				Kind:           models.IncidentCrisis,
				UserID:         req.UserID,
				PersonaID:      req.PersonaID,
				ConversationID: req.ConversationID,
				Severity:       string(detection.CrisisLevel),
				Categories:     categoryNames(detection.Categories),
				Phrases:        detection.DetectedPhrases,
				MessageLength:  len(req.Message),
			})
			return p.finish(&Result{
				Outcome:   OutcomeCrisis,
				Status:    http.StatusOK,
				Text:      detection.RecommendedResponse,
				Crisis:    &detection,
				Resources: crisis.Resources(p.country(req.Country)),
			}), nil
		}

		style.DependencyConcern = true
	}

	// Abuse detection fails open inside the detector
	message := req.Message
	if pattern := p.abuse.DetectAbuse(req.UserID, req.Message, req.History); pattern != nil {
		p.metrics.RecordAbuse(string(pattern.Type), string(pattern.Action))
		entry := log.WithFields(logrus.Fields{
			"pattern_type":   pattern.Type,
			"severity":       pattern.Severity,
			"action":         pattern.Action,
			"message_length": len(req.Message),
		})

		transformed, ok := p.abuse.ApplyAction(req.Message, pattern)
		if !ok {
			entry.Warn("Message rejected by abuse detector")
			return p.finish(p.rejectAbuse(ctx, log, req, lang, pattern)), nil
		}
		entry.Info("Message transformed by abuse detector")
		message = transformed
	}

	history := trimHistory(req.History, p.cfg.LLM.MaxHistory)
	historyText := joinHistory(history)

	// Budget gate
	checkModel := req.PreferredModel
	if checkModel == "" {
		checkModel = p.cfg.LLM.DefaultModel
	}
	estimate := p.router.EstimateTokens(message, historyText)
	decision := p.guardian.CheckRequest(req.UserID, estimate, checkModel, tier)
	if !decision.Allowed {
		p.metrics.RecordBudgetDenied(string(tier))
		log.WithFields(logrus.Fields{
			"tier":             tier,
			"estimated_tokens": estimate,
			"estimated_cost":   decision.EstimatedCost,
			"remaining":        decision.RemainingBudget,
		}).Info("Request denied by cost guardian")

		msgID := i18n.MsgBudgetExceeded
		if decision.SuggestedAction != cost.StageBlock && decision.EstimatedCost > p.cfg.Budget.PerRequestCap {
			msgID = i18n.MsgRequestTooLarge
		}
		return p.finish(&Result{
			Outcome: OutcomeRejected,
			Status:  http.StatusTooManyRequests,
			Reason:  ReasonBudgetExceeded,
			Text:    p.localizer.Get(lang, msgID, nil),
			Stage:   decision.SuggestedAction,
		}), nil
	}
	p.metrics.RecordStage(string(decision.SuggestedAction))

	// Cache lookup; unscoped requests never touch the cache
	scope := CacheScope(req.PersonaID)
	if hit, ok := p.cacheGet(message, scope); ok {
		p.metrics.RecordCacheHit()
		log.WithField("similarity", hit.Similarity).Debug("Serving cached response")
		return p.finish(&Result{
			Outcome: OutcomeReply,
			Status:  http.StatusOK,
			Text:    hit.Response,
			Cached:  true,
			Stage:   decision.SuggestedAction,
		}), nil
	}
	p.metrics.RecordCacheMiss()

	if decision.SuggestedAction == cost.StageCacheOnly {
		log.Info("Cache-only stage and no cached answer")
		return p.finish(&Result{
			Outcome: OutcomeRejected,
			Status:  http.StatusTooManyRequests,
			Reason:  ReasonBudgetExceeded,
			Text:    p.localizer.Get(lang, i18n.MsgCacheOnlyUnavailable, nil),
			Stage:   decision.SuggestedAction,
		}), nil
	}

	// Model selection
	recommended, stage := p.guardian.GetRecommendedModel(req.UserID, req.PreferredModel)
	if recommended == cost.NoModel {
		return p.finish(&Result{
			Outcome: OutcomeRejected,
			Status:  http.StatusTooManyRequests,
			Reason:  ReasonBudgetExceeded,
			Text:    p.localizer.Get(lang, i18n.MsgBudgetExceeded, nil),
			Stage:   stage,
		}), nil
	}

	opts := router.Options{PreferredModel: req.PreferredModel, Context: historyText}
	switch stage {
	case cost.StageForceMiniModel, cost.StageSummaryOnly, cost.StageCacheOnly:
		opts.ForcedModel = recommended
	}
	route := p.router.RouteQuery(req.UserID, message, opts)

	maxTokens := p.cfg.LLM.MaxResponseTokens
	if stage == cost.StageSummaryOnly {
		style.Brief = true
		maxTokens = p.cfg.LLM.SummaryMaxTokens
	}

	system := prompt.Build(prompt.Context{
		Persona:  req.Persona,
		Memories: memory.Select(req.Memories, message, prompt.MaxMemories),
		History:  history,
		Style:    style,
	})

	userMessage, truncated := router.OptimizePrompt(message, p.cfg.Router.MaxInputTokens)
	if truncated {
		log.WithField("max_input_tokens", p.cfg.Router.MaxInputTokens).Info("Message truncated to the input budget")
	}

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: userMessage})

	// Nothing has been spent yet; a caller that already left gets nothing
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The call outlives a cancelled caller but not the caller's deadline
	deadline := time.Now().Add(p.cfg.LLM.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	callCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	start := time.Now()
	completion, err := p.llm.Complete(callCtx, ai.Request{
		Model:       route.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: p.cfg.LLM.Temperature,
	})
	if err != nil {
		status := "error"
		wrapped := fmt.Errorf("%w: %w", ErrProviderFailed, err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
			wrapped = fmt.Errorf("%w: %w", ErrProviderTimeout, err)
		}
		p.metrics.RecordLLMRequest(route.Model, status, time.Since(start))
		log.WithError(err).WithFields(logrus.Fields{
			"model":  route.Model,
			"status": status,
		}).Error("Model call failed")
		return nil, wrapped
	}
	p.metrics.RecordLLMRequest(route.Model, "success", time.Since(start))

	spent := p.guardian.RecordUsage(req.UserID, completion.Usage, route.Model)
	p.metrics.RecordLLMCost(route.Model, spent)
	stats := p.guardian.Stats()
	p.metrics.SetBudgetUsers(stats.TrackedUsers, stats.BlockedUsers)

	if err := ctx.Err(); err != nil {
		log.WithFields(logrus.Fields{
			"model": route.Model,
			"cost":  spent,
		}).Info("Caller went away during the model call, response discarded")
		return nil, err
	}

	text := stripThinking(completion.Content)
	if scope != "" && p.cache.ShouldCache(text, completion.Usage) {
		p.cache.Set(message, text, scope, completion.Usage, 0)
	}

	log.WithFields(logrus.Fields{
		"model":         route.Model,
		"query_type":    route.QueryType,
		"stage":         stage,
		"input_tokens":  completion.Usage.Input,
		"output_tokens": completion.Usage.Output,
		"cost":          spent,
	}).Info("Message processed")

	return p.finish(&Result{
		Outcome: OutcomeReply,
		Status:  http.StatusOK,
		Text:    text,
		Model:   route.Model,
		Usage:   completion.Usage,
		Cost:    spent,
		Stage:   stage,
	}), nil
}

func (p *Pipeline) rejectAbuse(ctx context.Context, log *logrus.Entry, req Request, lang string, pattern *abuse.Pattern) *Result {
	if pattern.Action == abuse.ActionBlock {
		p.saveIncident(ctx, log, &models.Incident{
			Kind:           models.IncidentAbuse,
			UserID:         req.UserID,
			PersonaID:      req.PersonaID,
			ConversationID: req.ConversationID,
			Severity:       string(pattern.Severity),
			PatternType:    string(pattern.Type),
			Action:         string(pattern.Action),
			MessageLength:  len(req.Message),
		})
	}

	if pattern.Type == abuse.TypeRateLimit {
		return &Result{
			Outcome: OutcomeRejected,
			Status:  http.StatusTooManyRequests,
			Reason:  ReasonRateLimited,
			Text:    p.localizer.Get(lang, i18n.MsgRateLimited, map[string]interface{}{"Seconds": pattern.RetryAfter}),
		}
	}

	return &Result{
		Outcome: OutcomeRejected,
		Status:  http.StatusBadRequest,
		Reason:  ReasonBlockedForSafety,
		Text:    p.localizer.Get(lang, i18n.MsgBlockedForSafety, nil),
	}
}

// saveIncident outlives the caller's context; an audit record is written
// even when the client has disconnected
func (p *Pipeline) saveIncident(ctx context.Context, log *logrus.Entry, incident *models.Incident) {
	if p.incidents == nil {
		return
	}
	if err := p.incidents.SaveIncident(context.WithoutCancel(ctx), incident); err != nil {
		log.WithError(err).WithField("kind", incident.Kind).Error("Failed to save incident")
	}
}

func (p *Pipeline) finish(r *Result) *Result {
	reason := r.Reason
	if r.Cached {
		reason = "cached"
	}
	p.metrics.RecordMessageProcessed(string(r.Outcome), reason)
	return r
}

func (p *Pipeline) country(c string) string {
	if c == "" {
		return p.cfg.Server.DefaultCountry
	}
	return strings.ToUpper(c)
}

func (p *Pipeline) cacheGet(message, scope string) (*cache.CachedResponse, bool) {
	if scope == "" {
		return nil, false
	}
	return p.cache.Get(message, scope, true)
}

// CacheScope keeps one persona's replies from being served to another.
// An empty scope means the reply must not be cached at all.
func CacheScope(personaID string) string {
	if personaID == "" {
		return ""
	}
	return "persona:" + personaID
}

func trimHistory(history []models.Message, max int) []models.Message {
	if max > 0 && len(history) > max {
		return history[len(history)-max:]
	}
	return history
}

func joinHistory(history []models.Message) string {
	parts := make([]string, 0, len(history))
	for _, m := range history {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func categoryNames(categories []crisis.Category) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		out = append(out, string(c))
	}
	return out
}

// stripThinking drops reasoning models' <think> blocks from the reply
func stripThinking(response string) string {
	const thinkEndTag = "</think>"
	if i := strings.LastIndex(response, thinkEndTag); i != -1 {
		return strings.TrimSpace(response[i+len(thinkEndTag):])
	}
	return strings.TrimSpace(response)
}
