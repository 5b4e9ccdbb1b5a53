// Package router picks a model for each query from its intent and the user's
// recent query mix.
package router

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	charsPerToken       = 4
	minResponseEstimate = 100
	truncationMarker    = "\n[...truncated]"
)

// Options carries the optional routing inputs
type Options struct {
	// PreferredModel is used for creative and analysis queries when set
	PreferredModel string
	// ForcedModel bypasses classification entirely
	ForcedModel string
	// Context is extra prompt text counted towards the token estimate
	Context string
}

// Route is the router's decision
type Route struct {
	Model           string    `json:"model"`
	Reason          string    `json:"reason"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Optimized       bool      `json:"optimized"`
	QueryType       QueryType `json:"query_type"`
}

// Router classifies queries and keeps a bounded per-user history of types
type Router struct {
	cfg    config.RouterConfig
	logger *logrus.Logger

	mu      sync.Mutex
	history map[string][]QueryType
}

// NewRouter creates a model router
func NewRouter(cfg config.RouterConfig, logger *logrus.Logger) *Router {
	return &Router{
		cfg:     cfg,
		logger:  logger,
		history: make(map[string][]QueryType),
	}
}

// RouteQuery picks the model for query
func (r *Router) RouteQuery(userID, query string, opts Options) Route {
	tokens := r.EstimateTokens(query, opts.Context)
	qt := r.Classify(query)
	codingShare, historyLen := r.record(userID, qt)

	if opts.ForcedModel != "" {
		return Route{
			Model:           opts.ForcedModel,
			Reason:          "model forced by caller",
			EstimatedTokens: tokens,
			Optimized:       false,
			QueryType:       qt,
		}
	}

	route := Route{EstimatedTokens: tokens, Optimized: true, QueryType: qt}

	switch qt {
	case QueryCoding:
		if historyLen >= r.cfg.CodingUpgradeMinLen && codingShare > r.cfg.CodingUpgradeShare {
			route.Model = r.cfg.CodingModel
			route.Reason = fmt.Sprintf("coding query from a frequent coder (%.0f%% of recent queries)", codingShare*100)
		} else {
			route.Model = r.cfg.CheapModel
			route.Reason = "coding query"
		}
	case QueryReasoning:
		route.Model = r.cfg.ReasoningModel
		route.Reason = "reasoning query"
	case QueryCreative, QueryAnalysis:
		if opts.PreferredModel != "" {
			route.Model = opts.PreferredModel
			route.Reason = fmt.Sprintf("%s query, preferred model", qt)
		} else {
			route.Model = r.cfg.MidModel
			route.Reason = fmt.Sprintf("%s query", qt)
		}
	default:
		route.Model = r.cfg.CheapModel
		route.Reason = "simple conversation"
	}

	r.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"query_type": qt,
		"model":      route.Model,
		"tokens":     tokens,
	}).Debug("Routed query")

	return route
}

// Classify returns the intent bucket of query
func (r *Router) Classify(query string) QueryType {
	return Classify(query, r.cfg.ShortQueryChars, r.cfg.LongQueryChars)
}

// record appends qt to the user's history and returns the coding share and
// length of the history as it was before the append
func (r *Router) record(userID string, qt QueryType) (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.history[userID]
	var coding int
	for _, t := range h {
		if t == QueryCoding {
			coding++
		}
	}
	n := len(h)

	h = append(h, qt)
	if size := r.cfg.HistorySize; size > 0 && len(h) > size {
		h = append([]QueryType(nil), h[len(h)-size:]...)
	}
	r.history[userID] = h

	if n == 0 {
		return 0, 0
	}
	return float64(coding) / float64(n), n
}

// UserPattern counts the user's recent query types
func (r *Router) UserPattern(userID string) map[QueryType]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[QueryType]int)
	for _, t := range r.history[userID] {
		out[t]++
	}
	return out
}

// Forget drops a user's routing history
func (r *Router) Forget(userID string) {
	r.mu.Lock()
	delete(r.history, userID)
	r.mu.Unlock()
}

// EstimateTokens approximates the tokens of a request: query and context at
// four characters per token, the system prompt allowance, and a response
// estimate capped at the configured maximum
func (r *Router) EstimateTokens(query, context string) int {
	input := countTokens(query) + countTokens(context)

	response := input * 2
	if response < minResponseEstimate {
		response = minResponseEstimate
	}
	if r.cfg.MaxResponseTokens > 0 && response > r.cfg.MaxResponseTokens {
		response = r.cfg.MaxResponseTokens
	}

	return input + r.cfg.SystemPromptTokens + response
}

// OptimizePrompt collapses whitespace and, when the result is still over
// maxTokens, cuts it to 75% of the budget. The boolean reports a cut.
func (r *Router) OptimizePrompt(prompt string, maxTokens int) (string, bool) {
	return OptimizePrompt(prompt, maxTokens)
}

// OptimizePrompt is the stateless form of Router.OptimizePrompt
func OptimizePrompt(prompt string, maxTokens int) (string, bool) {
	collapsed := strings.Join(strings.Fields(prompt), " ")
	if maxTokens <= 0 || countTokens(collapsed) <= maxTokens {
		return collapsed, false
	}

	keep := maxTokens * 3 / 4 * charsPerToken
	runes := []rune(collapsed)
	if keep > len(runes) {
		keep = len(runes)
	}
	return string(runes[:keep]) + truncationMarker, true
}

func countTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}
