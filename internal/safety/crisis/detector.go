// Package crisis detects self-harm, suicidal, reunion-through-death, dependency
// and minor-safety language in a single chat message and picks the canned
// intervention response for it.
package crisis

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/afterlight/chatguard/internal/rules"
)

// Level is the severity of a crisis match. The zero value means no crisis.
type Level string

const (
	LevelNone   Level = ""
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// Category groups crisis patterns
type Category string

const (
	CategorySuicidal   Category = "suicidal"
	CategorySelfHarm   Category = "self_harm"
	CategoryDistress   Category = "distress"
	CategoryDependency Category = "dependency"
	CategoryMinor      Category = "minor"
	CategoryJoining    Category = "joining"
)

// Result is the outcome of scanning one message
type Result struct {
	IsCrisis             bool       `json:"is_crisis"`
	DetectedPhrases      []string   `json:"detected_phrases"`
	Categories           []Category `json:"categories,omitempty"`
	CrisisLevel          Level      `json:"crisis_level,omitempty"`
	RecommendedResponse  string     `json:"recommended_response,omitempty"`
	InterventionRequired bool       `json:"intervention_required"`
}

type compiledRule struct {
	regex    *regexp.Regexp
	severity Level
	category Category
}

// Detector is stateless apart from its rule table, which can be swapped at
// runtime with Reload.
type Detector struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// NewDetector compiles a crisis rule table
func NewDetector(set []rules.CrisisRule) (*Detector, error) {
	d := &Detector{}
	if err := d.Reload(set); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDefaultDetector uses the built-in rule table
func NewDefaultDetector() *Detector {
	d, err := NewDetector(rules.Default().Crisis)
	if err != nil {
		panic(fmt.Sprintf("built-in crisis rules do not compile: %v", err))
	}
	return d
}

// Reload replaces the rule table. On error the current table is kept.
func (d *Detector) Reload(set []rules.CrisisRule) error {
	compiled := make([]compiledRule, 0, len(set))
	for i, r := range set {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("crisis rule %d: %w", i, err)
		}
		compiled = append(compiled, compiledRule{
			regex:    re,
			severity: Level(r.Severity),
			category: Category(r.Category),
		})
	}

	d.mu.Lock()
	d.rules = compiled
	d.mu.Unlock()
	return nil
}

// Detect scans message and never fails; a message with no match yields a zero
// level and IsCrisis=false.
func (d *Detector) Detect(message string) Result {
	text := normalize(message)
	if text == "" {
		return Result{DetectedPhrases: []string{}}
	}

	d.mu.RLock()
	table := d.rules
	d.mu.RUnlock()

	phrases := []string{}
	seenPhrase := make(map[string]bool)
	seenCategory := make(map[Category]bool)
	var categories []Category
	highest := LevelNone

	for _, r := range table {
		matches := r.regex.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			if !seenPhrase[m] {
				seenPhrase[m] = true
				phrases = append(phrases, m)
			}
		}
		if !seenCategory[r.category] {
			seenCategory[r.category] = true
			categories = append(categories, r.category)
		}
		if r.severity.rank() > highest.rank() {
			highest = r.severity
		}
	}

	if len(phrases) == 0 {
		return Result{DetectedPhrases: phrases}
	}

	return Result{
		IsCrisis:             true,
		DetectedPhrases:      phrases,
		Categories:           categories,
		CrisisLevel:          highest,
		RecommendedResponse:  responseFor(highest, seenCategory),
		InterventionRequired: highest == LevelHigh || highest == LevelMedium,
	}
}

// SafeDetect runs Detect and converts a panic into the generic safety banner
// plus an error, so a broken rule never lets a message through unchecked.
func (d *Detector) SafeDetect(message string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Banner()
			err = fmt.Errorf("crisis detector panic: %v", r)
		}
	}()
	return d.Detect(message), nil
}

// Banner is the fallback result used when detection itself failed
func Banner() Result {
	return Result{
		IsCrisis:             true,
		DetectedPhrases:      []string{},
		CrisisLevel:          LevelMedium,
		RecommendedResponse:  bannerResponse,
		InterventionRequired: true,
	}
}

// RequiresImmediateIntervention is the stricter gate: high severity, or medium
// severity backed by at least two distinct phrases. It intentionally differs
// from Result.InterventionRequired, which fires on any medium match.
func RequiresImmediateIntervention(r Result) bool {
	switch r.CrisisLevel {
	case LevelHigh:
		return true
	case LevelMedium:
		return len(r.DetectedPhrases) >= 2
	}
	return false
}

// HasCategory reports whether any matched rule belongs to c
func (r Result) HasCategory(c Category) bool {
	for _, got := range r.Categories {
		if got == c {
			return true
		}
	}
	return false
}

var curlyQuotes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

func normalize(message string) string {
	return strings.TrimSpace(strings.ToLower(curlyQuotes.Replace(message)))
}
