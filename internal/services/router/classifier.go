package router

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// QueryType is the intent bucket a query is routed by
type QueryType string

const (
	QueryCoding     QueryType = "coding"
	QueryCreative   QueryType = "creative"
	QueryAnalysis   QueryType = "analysis"
	QueryReasoning  QueryType = "reasoning"
	QuerySimpleChat QueryType = "simple_chat"
	QueryUnknown    QueryType = "unknown"
)

type weightedPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Bonus weights on top of keyword hits
const (
	codeFenceBonus  = 3.0
	mathBonus       = 2.0
	shortQueryBonus = 0.5
	longQueryBonus  = 1.5
)

var keywordPatterns = map[QueryType][]weightedPattern{
	QueryCoding: {
		{regexp.MustCompile(`\b(code|coding|function|method|class|variable|syntax|compile[rsd]?)\b`), 1.0},
		{regexp.MustCompile(`\b(debug|bug|stack\s*trace|exception|segfault|null pointer)\b`), 1.0},
		{regexp.MustCompile(`\b(python|javascript|typescript|golang|java|rust|c\+\+|sql|html|css|bash)\b`), 1.0},
		{regexp.MustCompile(`\b(api|endpoint|regex|json|yaml|script|program|repository|git)\b`), 0.8},
		{regexp.MustCompile(`\b(refactor|unit test|implement|deploy)\b`), 0.8},
	},
	QueryCreative: {
		{regexp.MustCompile(`\b(poem|poetry|story|stories|song|lyrics|haiku|verse)\b`), 1.0},
		{regexp.MustCompile(`\b(eulogy|tribute|letter to|toast|speech for)\b`), 1.0},
		{regexp.MustCompile(`\b(imagine|pretend we|write me|write a|compose|creative)\b`), 0.8},
		{regexp.MustCompile(`\b(once upon a time|bedtime story|tell me a story)\b`), 1.2},
	},
	QueryAnalysis: {
		{regexp.MustCompile(`\b(analy[sz]e|analysis|compare|comparison|evaluate|assess)\b`), 1.0},
		{regexp.MustCompile(`\b(summari[sz]e|summary|break\s*down|overview)\b`), 1.0},
		{regexp.MustCompile(`\b(pros and cons|trade-?offs?|difference between|advantages|disadvantages)\b`), 1.0},
		{regexp.MustCompile(`\b(explain|why does|why do|what are the reasons)\b`), 0.7},
	},
	QueryReasoning: {
		{regexp.MustCompile(`\b(prove|proof|theorem|lemma|deduce|derive)\b`), 1.2},
		{regexp.MustCompile(`\b(calculate|compute|solve|equation|probability|math)\b`), 1.0},
		{regexp.MustCompile(`\b(logic|logical|puzzle|riddle|step by step)\b`), 1.0},
		{regexp.MustCompile(`\bif\b.+\bthen\b`), 0.6},
	},
}

var (
	codeFence    = regexp.MustCompile("```")
	mathNotation = regexp.MustCompile(`\d\s*[-+*/^=<>]\s*\d|[∀∃∑∫√≤≥≠⇒→∧∨¬]|\b[a-z]\s*\^\s*\d|\bx\s*=\s*`)
)

// Classify scores query against each bucket. Empty input is unknown; no
// signal or a tie for first place is simple chat.
func Classify(query string, shortChars, longChars int) QueryType {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return QueryUnknown
	}
	lower := strings.ToLower(trimmed)

	scores := make(map[QueryType]float64)
	for qt, patterns := range keywordPatterns {
		for _, p := range patterns {
			if p.regex.MatchString(lower) {
				scores[qt] += p.weight
			}
		}
	}

	if codeFence.MatchString(lower) {
		scores[QueryCoding] += codeFenceBonus
	}
	if mathNotation.MatchString(lower) {
		scores[QueryReasoning] += mathBonus
	}

	length := utf8.RuneCountInString(trimmed)
	if shortChars > 0 && length < shortChars {
		scores[QuerySimpleChat] += shortQueryBonus
	}
	if longChars > 0 && length > longChars {
		scores[QueryAnalysis] += longQueryBonus
	}

	best := QuerySimpleChat
	var bestScore float64
	tie := false
	for qt, score := range scores {
		switch {
		case score > bestScore:
			best, bestScore, tie = qt, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}

	if bestScore == 0 || tie {
		return QuerySimpleChat
	}
	return best
}
