package abuse

import (
	"strings"
	"unicode/utf8"
)

// TruncateSuffix marks a message cut down by ActionTruncate
const TruncateSuffix = "... [message truncated]"

// DefaultTruncateLength is used when the detector has no configured length
const DefaultTruncateLength = 500

// ApplyAction transforms message according to p. The boolean is false when
// the message must not be processed at all (block, throttle); callers are
// expected to surface a rate-limit or safety error rather than drop it silently.
func ApplyAction(message string, p *Pattern) (string, bool) {
	return applyAction(message, p, DefaultTruncateLength)
}

// ApplyAction uses the detector's configured truncate length
func (d *Detector) ApplyAction(message string, p *Pattern) (string, bool) {
	limit := d.cfg.TruncateLength
	if limit <= 0 {
		limit = DefaultTruncateLength
	}
	return applyAction(message, p, limit)
}

func applyAction(message string, p *Pattern, limit int) (string, bool) {
	if p == nil {
		return message, true
	}

	switch p.Action {
	case ActionBlock, ActionThrottle:
		return "", false
	case ActionTruncate:
		return truncate(message, limit), true
	case ActionCompress:
		return compress(message), true
	default:
		return message, true
	}
}

func truncate(message string, limit int) string {
	if utf8.RuneCountInString(message) <= limit {
		return message
	}
	runes := []rune(message)
	return string(runes[:limit]) + TruncateSuffix
}

// compress keeps at most two consecutive copies of the same word, compared
// case-insensitively; kept words are left as typed
func compress(message string) string {
	words := strings.Fields(message)
	out := make([]string, 0, len(words))

	run := 0
	for i, w := range words {
		if i > 0 && strings.EqualFold(w, words[i-1]) {
			run++
		} else {
			run = 1
		}
		if run <= 2 {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
