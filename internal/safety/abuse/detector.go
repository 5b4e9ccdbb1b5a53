// Package abuse implements the per-user rate limiter and the classifiers for
// repetition, token stuffing, jailbreak phrasing and prompt injection.
package abuse

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/afterlight/chatguard/internal/rules"
	"github.com/sirupsen/logrus"
)

// Type names the check that produced a pattern
type Type string

const (
	TypeRateLimit       Type = "rate_limit"
	TypeRepetition      Type = "repetition"
	TypeTokenStuffing   Type = "token_stuffing"
	TypeJailbreak       Type = "jailbreak"
	TypePromptInjection Type = "prompt_injection"
)

// Severity of an abuse pattern
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Action tells the caller what to do with the message
type Action string

const (
	ActionAllow    Action = "allow"
	ActionThrottle Action = "throttle"
	ActionTruncate Action = "truncate"
	ActionCompress Action = "compress"
	ActionBlock    Action = "block"
)

// Pattern is the verdict of one detector invocation
type Pattern struct {
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
	Reason   string   `json:"reason"`
	// RetryAfter is the remaining wait in seconds for rate-limit patterns
	RetryAfter int `json:"retry_after,omitempty"`
}

// RateLimitRecord is a fixed-window message counter for one user
type RateLimitRecord struct {
	Count   int
	ResetAt time.Time
}

type compiledRule struct {
	name     string
	regex    *regexp.Regexp
	severity Severity
	action   Action
}

// Detector holds per-user counters and the compiled pattern tables. It is
// safe for concurrent use.
type Detector struct {
	cfg    config.AbuseConfig
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*RateLimitRecord

	rulesMu   sync.RWMutex
	jailbreak []compiledRule
	injection []compiledRule
}

// NewDetector creates an abuse detector
func NewDetector(cfg config.AbuseConfig, set *rules.Set, logger *logrus.Logger) (*Detector, error) {
	d := &Detector{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*RateLimitRecord),
	}
	if err := d.Reload(set); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload swaps the jailbreak and injection tables. On error nothing changes.
func (d *Detector) Reload(set *rules.Set) error {
	jailbreak, err := compileRules("jailbreak", set.Jailbreak)
	if err != nil {
		return err
	}
	injection, err := compileRules("injection", set.Injection)
	if err != nil {
		return err
	}

	d.rulesMu.Lock()
	d.jailbreak = jailbreak
	d.injection = injection
	d.rulesMu.Unlock()
	return nil
}

func compileRules(group string, list []rules.PatternRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(list))
	for i, r := range list {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s rule %d (%s): %w", group, i, r.Name, err)
		}
		out = append(out, compiledRule{
			name:     r.Name,
			regex:    re,
			severity: Severity(r.Severity),
			action:   Action(r.Action),
		})
	}
	return out, nil
}

// DetectAbuse runs the checks in priority order and returns the first
// violation, or nil. A panic inside any check is logged and treated as no
// violation so a detector bug never blocks legitimate traffic.
func (d *Detector) DetectAbuse(userID, message string, history []models.Message) (pattern *Pattern) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"panic":   fmt.Sprint(r),
			}).Error("Abuse detector failed, allowing message")
			pattern = nil
		}
	}()

	if p := d.checkRateLimit(userID); p != nil {
		return p
	}
	if p := d.checkRepetition(message, history); p != nil {
		return p
	}
	if p := d.checkTokenStuffing(message); p != nil {
		return p
	}

	d.rulesMu.RLock()
	jailbreak, injection := d.jailbreak, d.injection
	d.rulesMu.RUnlock()

	if p := matchRules(TypeJailbreak, jailbreak, message); p != nil {
		return p
	}
	return matchRules(TypePromptInjection, injection, message)
}

// Reset clears the rate-limit state for a user
func (d *Detector) Reset(userID string) {
	d.mu.Lock()
	delete(d.records, userID)
	d.mu.Unlock()
}

// Record returns a copy of the user's current rate-limit record
func (d *Detector) Record(userID string) (RateLimitRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[userID]
	if !ok {
		return RateLimitRecord{}, false
	}
	return *rec, true
}

func (d *Detector) checkRateLimit(userID string) *Pattern {
	now := d.now()

	d.mu.Lock()
	rec, ok := d.records[userID]
	if !ok || !now.Before(rec.ResetAt) {
		d.records[userID] = &RateLimitRecord{Count: 1, ResetAt: now.Add(d.cfg.RateWindow)}
		d.mu.Unlock()
		return nil
	}
	rec.Count++
	count, resetAt := rec.Count, rec.ResetAt
	d.mu.Unlock()

	if count <= d.cfg.MaxMessages {
		return nil
	}

	wait := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if count > d.cfg.BlockThreshold {
		return &Pattern{
			Type:       TypeRateLimit,
			Severity:   SeverityCritical,
			Action:     ActionBlock,
			Reason:     fmt.Sprintf("Too many messages. Please wait %d seconds before sending another.", wait),
			RetryAfter: wait,
		}
	}
	return &Pattern{
		Type:       TypeRateLimit,
		Severity:   SeverityHigh,
		Action:     ActionThrottle,
		Reason:     fmt.Sprintf("You're sending messages quickly. Please wait %d seconds.", wait),
		RetryAfter: wait,
	}
}

func (d *Detector) checkRepetition(message string, history []models.Message) *Pattern {
	if len(history) < d.cfg.RepetitionMinHistory {
		return nil
	}

	current := strings.ToLower(strings.TrimSpace(message))
	recent := history
	if len(recent) > d.cfg.RepetitionWindow {
		recent = recent[len(recent)-d.cfg.RepetitionWindow:]
	}

	matches := 0
	for _, m := range recent {
		if strings.ToLower(strings.TrimSpace(m.Content)) == current {
			matches++
		}
	}

	if matches < d.cfg.RepetitionThreshold {
		return nil
	}
	return &Pattern{
		Type:     TypeRepetition,
		Severity: SeverityMedium,
		Action:   ActionCompress,
		Reason:   fmt.Sprintf("Message repeated %d times in recent history", matches),
	}
}

var whitespaceRun = map[int]*regexp.Regexp{}
var whitespaceRunMu sync.Mutex

func whitespaceRunRegex(n int) *regexp.Regexp {
	whitespaceRunMu.Lock()
	defer whitespaceRunMu.Unlock()
	re, ok := whitespaceRun[n]
	if !ok {
		re = regexp.MustCompile(fmt.Sprintf(`\s{%d,}`, n))
		whitespaceRun[n] = re
	}
	return re
}

func (d *Detector) checkTokenStuffing(message string) *Pattern {
	length := utf8.RuneCountInString(message)
	if length == 0 {
		return nil
	}

	if length > d.cfg.MaxMessageLength {
		return &Pattern{
			Type:     TypeTokenStuffing,
			Severity: SeverityHigh,
			Action:   ActionTruncate,
			Reason:   fmt.Sprintf("Message exceeds %d characters", d.cfg.MaxMessageLength),
		}
	}

	var nonASCII, special int
	hasZeroWidth := false
	for _, r := range message {
		if r > unicode.MaxASCII {
			nonASCII++
		}
		if !isWhitelisted(r) {
			special++
		}
		if isInvisible(r) {
			hasZeroWidth = true
		}
	}

	var reasons []string
	if float64(nonASCII)/float64(length) > d.cfg.NonASCIIRatio {
		reasons = append(reasons, "high non-ASCII ratio")
	}
	if float64(special)/float64(length) > d.cfg.SpecialCharRatio {
		reasons = append(reasons, "high special character ratio")
	}
	if hasZeroWidth {
		reasons = append(reasons, "invisible characters")
	}
	runs := whitespaceRunRegex(d.cfg.WhitespaceRunLength).FindAllStringIndex(message, -1)
	if len(runs) > d.cfg.WhitespaceRunLimit {
		reasons = append(reasons, "excessive whitespace")
	}

	if len(reasons) == 0 {
		return nil
	}

	severity := SeverityMedium
	if hasZeroWidth {
		severity = SeverityHigh
	}
	return &Pattern{
		Type:     TypeTokenStuffing,
		Severity: severity,
		Action:   ActionTruncate,
		Reason:   "Suspicious content: " + strings.Join(reasons, ", "),
	}
}

func isWhitelisted(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(".,!?;:'\"-()", r)
}

func isInvisible(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F, // zero-width space/joiners, direction marks
		r >= 0x202A && r <= 0x202E, // bidi embedding/override
		r >= 0x2060 && r <= 0x2064, // word joiner, invisible operators
		r == 0xFEFF, r == 0x00AD, r == 0x180E:
		return true
	}
	return false
}

// matchRules returns the most severe matching rule in the group
func matchRules(t Type, table []compiledRule, message string) *Pattern {
	var best *compiledRule
	for i := range table {
		r := &table[i]
		if !r.regex.MatchString(message) {
			continue
		}
		if best == nil || r.severity.rank() > best.severity.rank() {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return &Pattern{
		Type:     t,
		Severity: best.severity,
		Action:   best.action,
		Reason:   fmt.Sprintf("Matched %s rule %q", t, best.name),
	}
}
