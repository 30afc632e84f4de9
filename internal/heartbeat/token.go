package heartbeat

import (
	"regexp"
	"strings"
)

const (
	// Token is the reply that means nothing needs attention.
	Token = "HEARTBEAT_OK"
	// DefaultMaxAckChars is how much text may surround Token and still
	// count as a plain acknowledgement.
	DefaultMaxAckChars = 300
)

var (
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Interpret decides whether a model reply is an acknowledgement. When it is
// not, the returned text is the reply with any leading or trailing Token
// removed.
func Interpret(reply string, maxAckChars int) (ok bool, message string) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true, ""
	}
	if maxAckChars <= 0 {
		maxAckChars = DefaultMaxAckChars
	}

	normalized := strings.Trim(htmlTag.ReplaceAllString(trimmed, " "), " *`~_")
	if !strings.Contains(normalized, Token) {
		return false, trimmed
	}

	rest, stripped := stripEdges(normalized)
	if !stripped {
		// token buried mid-sentence: treat the reply as a report
		return false, trimmed
	}
	if len(rest) <= maxAckChars {
		return true, ""
	}
	return false, rest
}

func stripEdges(s string) (string, bool) {
	stripped := false
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, Token):
			s = s[len(Token):]
		case strings.HasSuffix(s, Token):
			s = s[:len(s)-len(Token)]
		default:
			return strings.TrimSpace(whitespace.ReplaceAllString(s, " ")), stripped
		}
		stripped = true
	}
}
