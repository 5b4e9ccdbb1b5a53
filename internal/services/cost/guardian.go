// Package cost tracks per-user daily spend and maps it to progressive
// degradation stages.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/sirupsen/logrus"
)

// Stage is the degradation step suggested for a user's current spend
type Stage string

const (
	StageNone           Stage = "none"
	StagePreferCache    Stage = "prefer_cache"
	StageForceMiniModel Stage = "force_mini_model"
	StageSummaryOnly    Stage = "summary_only"
	StageCacheOnly      Stage = "cache_only"
	StageBlock          Stage = "block"
)

// NoModel is returned by GetRecommendedModel when the user may not call any model
const NoModel = "none"

const dateLayout = "2006-01-02"

// input/output split assumed when only a total token estimate is known
const (
	estimateInputShare  = 0.7
	estimateOutputShare = 0.3
)

// Decision is the result of CheckRequest. SuggestedAction is guidance only;
// Allowed is the enforcement.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	SuggestedAction Stage   `json:"suggested_action"`
	RemainingBudget float64 `json:"remaining_budget"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// UserUsage is one user's ledger for the current day
type UserUsage struct {
	DailyCost     float64     `json:"daily_cost"`
	LastResetDate string      `json:"last_reset_date"`
	Requests      int         `json:"requests"`
	Blocked       bool        `json:"blocked"`
	Tier          models.Tier `json:"tier"`
}

// Stats summarizes the ledger
type Stats struct {
	TrackedUsers int     `json:"tracked_users"`
	BlockedUsers int     `json:"blocked_users"`
	TotalSpend   float64 `json:"total_spend"`
}

// Guardian enforces the per-request cap and the per-tier daily limits
type Guardian struct {
	cfg     config.BudgetConfig
	logger  *logrus.Logger
	now     func() time.Time
	maxRate config.ModelCost

	mu    sync.Mutex
	users map[string]*UserUsage
}

// NewGuardian creates a cost guardian
func NewGuardian(cfg config.BudgetConfig, logger *logrus.Logger) *Guardian {
	var maxRate config.ModelCost
	for _, c := range cfg.ModelCosts {
		if c.InputPer1K > maxRate.InputPer1K {
			maxRate.InputPer1K = c.InputPer1K
		}
		if c.OutputPer1K > maxRate.OutputPer1K {
			maxRate.OutputPer1K = c.OutputPer1K
		}
	}

	return &Guardian{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		maxRate: maxRate,
		users:   make(map[string]*UserUsage),
	}
}

// CheckRequest decides whether a request of estimatedTokens on model may run
func (g *Guardian) CheckRequest(userID string, estimatedTokens int, model string, tier models.Tier) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	u := g.touch(userID, tier)
	limit := g.DailyLimit(u.Tier)
	remaining := limit - u.DailyCost
	if remaining < 0 {
		remaining = 0
	}

	if u.Blocked {
		return Decision{
			Allowed:         false,
			Reason:          "Daily budget exhausted. Try again tomorrow or upgrade your plan.",
			SuggestedAction: StageBlock,
			RemainingBudget: 0,
		}
	}

	estimate := g.EstimateCost(model, estimatedTokens)
	stage := g.stageFor(u.DailyCost / limit)

	if estimate > g.cfg.PerRequestCap {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("Request too large: estimated $%.4f exceeds the $%.2f per-request limit", estimate, g.cfg.PerRequestCap),
			SuggestedAction: stage,
			RemainingBudget: remaining,
			EstimatedCost:   estimate,
		}
	}

	if u.DailyCost+estimate > limit {
		u.Blocked = true
		g.logger.WithFields(logrus.Fields{
			"user_id":    userID,
			"tier":       u.Tier,
			"daily_cost": u.DailyCost,
			"estimate":   estimate,
			"limit":      limit,
		}).Warn("User blocked for the rest of the day: daily budget would be exceeded")

		return Decision{
			Allowed:         false,
			Reason:          "Daily budget exhausted. Try again tomorrow or upgrade your plan.",
			SuggestedAction: StageBlock,
			RemainingBudget: remaining,
			EstimatedCost:   estimate,
		}
	}

	return Decision{
		Allowed:         true,
		SuggestedAction: stage,
		RemainingBudget: remaining,
		EstimatedCost:   estimate,
	}
}

// RecordUsage adds the actual cost of a completed call and returns it
func (g *Guardian) RecordUsage(userID string, usage models.TokenUsage, model string) float64 {
	cost := g.Cost(model, usage)

	g.mu.Lock()
	defer g.mu.Unlock()

	u := g.touch(userID, "")
	u.DailyCost += cost
	u.Requests++

	limit := g.DailyLimit(u.Tier)
	if !u.Blocked && u.DailyCost >= limit {
		u.Blocked = true
		g.logger.WithFields(logrus.Fields{
			"user_id":    userID,
			"tier":       u.Tier,
			"daily_cost": u.DailyCost,
			"limit":      limit,
		}).Warn("User reached daily budget")
	}

	g.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"model":         model,
		"input_tokens":  usage.Input,
		"output_tokens": usage.Output,
		"cost":          cost,
		"daily_cost":    u.DailyCost,
	}).Debug("Recorded usage")

	return cost
}

// GetRecommendedModel maps the user's current stage onto a model choice
func (g *Guardian) GetRecommendedModel(userID, preferred string) (string, Stage) {
	g.mu.Lock()
	u := g.touch(userID, "")
	blocked := u.Blocked
	stage := g.stageFor(u.DailyCost / g.DailyLimit(u.Tier))
	g.mu.Unlock()

	if blocked {
		return NoModel, StageBlock
	}

	switch stage {
	case StageForceMiniModel, StageSummaryOnly, StageCacheOnly:
		return g.cfg.CheapModel, stage
	case StageBlock:
		return NoModel, stage
	default:
		return preferred, stage
	}
}

// Usage returns a snapshot of the user's ledger after applying any pending
// daily reset
func (g *Guardian) Usage(userID string) (UserUsage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[userID]
	if !ok {
		return UserUsage{}, false
	}
	g.resetIfStale(u, g.today())
	return *u, true
}

// Stats summarizes the ledger for today
func (g *Guardian) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := g.today()
	var s Stats
	for _, u := range g.users {
		g.resetIfStale(u, today)
		s.TrackedUsers++
		s.TotalSpend += u.DailyCost
		if u.Blocked {
			s.BlockedUsers++
		}
	}
	return s
}

// DailyLimit returns the dollar limit for tier, using the free limit for
// unknown tiers
func (g *Guardian) DailyLimit(tier models.Tier) float64 {
	if limit, ok := g.cfg.DailyLimits[string(tier)]; ok && limit > 0 {
		return limit
	}
	return g.cfg.DailyLimits[string(models.TierFree)]
}

// EstimateCost prices a total token estimate with a 70/30 input/output split
func (g *Guardian) EstimateCost(model string, tokens int) float64 {
	rate := g.rate(model)
	in := float64(tokens) * estimateInputShare
	out := float64(tokens) * estimateOutputShare
	return in/1000*rate.InputPer1K + out/1000*rate.OutputPer1K
}

// Cost prices actual token counts
func (g *Guardian) Cost(model string, usage models.TokenUsage) float64 {
	rate := g.rate(model)
	return float64(usage.Input)/1000*rate.InputPer1K + float64(usage.Output)/1000*rate.OutputPer1K
}

// Unknown models are priced at the most expensive configured rate
func (g *Guardian) rate(model string) config.ModelCost {
	if c, ok := g.cfg.ModelCosts[model]; ok {
		return c
	}
	return g.maxRate
}

func (g *Guardian) stageFor(fraction float64) Stage {
	s := g.cfg.Stages
	switch {
	case fraction >= s.Block:
		return StageBlock
	case fraction >= s.CacheOnly:
		return StageCacheOnly
	case fraction >= s.SummaryOnly:
		return StageSummaryOnly
	case fraction >= s.ForceMiniModel:
		return StageForceMiniModel
	case fraction >= s.PreferCache:
		return StagePreferCache
	default:
		return StageNone
	}
}

// touch returns the user's ledger, creating it and applying the lazy daily
// reset. An empty tier keeps the stored one. Caller holds g.mu.
func (g *Guardian) touch(userID string, tier models.Tier) *UserUsage {
	today := g.today()
	u, ok := g.users[userID]
	if !ok {
		if tier == "" {
			tier = models.TierFree
		}
		u = &UserUsage{LastResetDate: today, Tier: tier}
		g.users[userID] = u
		return u
	}
	if tier != "" {
		u.Tier = tier
	}
	g.resetIfStale(u, today)
	return u
}

func (g *Guardian) resetIfStale(u *UserUsage, today string) bool {
	if u.LastResetDate == today {
		return false
	}
	u.DailyCost = 0
	u.Requests = 0
	u.Blocked = false
	u.LastResetDate = today
	return true
}

func (g *Guardian) today() string {
	return g.now().Format(dateLayout)
}

// Start runs the midnight sweep until ctx is cancelled. The lazy reset in
// touch is authoritative; the sweep only keeps Stats and snapshots tidy.
func (g *Guardian) Start(ctx context.Context) {
	go func() {
		for {
			timer := time.NewTimer(untilMidnight(g.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				n := g.sweep()
				g.logger.WithField("reset_users", n).Info("Daily budget reset")
			}
		}
	}()
}

func (g *Guardian) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := g.today()
	n := 0
	for _, u := range g.users {
		if g.resetIfStale(u, today) {
			n++
		}
	}
	return n
}

func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
