package routing

import (
	"regexp"
	"sort"
	"strings"
)

// Tier is a model cost/capability class.
type Tier string

const (
	TierHigh     Tier = "high"
	TierStandard Tier = "standard"
	TierBudget   Tier = "budget"
)

// Confidence scores for the kind of evidence a rule matched on.
const (
	ConfidenceKeyword  = 1.0
	ConfidenceLength   = 0.7
	ConfidenceFallback = 0.5
)

// Thresholds that push a message into the high tier.
const (
	LongMessageChars = 2000
	LongHistory      = 20
)

var (
	DefaultHighKeywords = []string{
		"analyze", "analyse", "design", "refactor", "plan", "architect",
		"architecture", "compare", "evaluate", "debug", "investigate",
		"optimize", "prove", "derive", "trade-off", "tradeoff", "strategy",
		"step by step",
	}
	DefaultBudgetKeywords = []string{
		"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "yes",
		"no", "sure", "good morning", "good night", "bye",
	}
)

// Rule is one classification rule. Rules are evaluated in ascending Priority
// and the first one that matches decides the tier.
type Rule struct {
	Name     string
	Tier     Tier
	Priority int

	// Keywords matching the message score ConfidenceKeyword.
	Keywords *regexp.Regexp
	// MinLength / MinHistory, when positive, match messages or histories
	// strictly longer than the value and score ConfidenceLength.
	MinLength  int
	MinHistory int
	// MaxLength / MaxHistory, when positive, disqualify the rule for longer
	// messages or histories.
	MaxLength  int
	MaxHistory int
	// Always makes the rule match unconditionally at ConfidenceFallback.
	Always bool
}

// Classification is the outcome of ClassifyComplexity.
type Classification struct {
	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`
	Rule       string  `json:"rule"`
}

func (r Rule) evaluate(message string, historyLength int) (float64, bool) {
	length := len(message)
	if r.MaxLength > 0 && length > r.MaxLength {
		return 0, false
	}
	if r.MaxHistory > 0 && historyLength > r.MaxHistory {
		return 0, false
	}
	switch {
	case r.Keywords != nil && r.Keywords.MatchString(message):
		return ConfidenceKeyword, true
	case r.MinLength > 0 && length > r.MinLength:
		return ConfidenceLength, true
	case r.MinHistory > 0 && historyLength > r.MinHistory:
		return ConfidenceLength, true
	case r.Always:
		return ConfidenceFallback, true
	}
	return 0, false
}

// KeywordPattern compiles a case-insensitive whole-word alternation.
// It returns nil for an empty list.
func KeywordPattern(keywords []string) *regexp.Regexp {
	alt := alternation(keywords)
	if alt == "" {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + alt + `)\b`)
}

// wholeMessagePattern matches only when the message is one of keywords,
// optionally followed by punctuation.
func wholeMessagePattern(keywords []string) *regexp.Regexp {
	alt := alternation(keywords)
	if alt == "" {
		return nil
	}
	return regexp.MustCompile(`(?i)^\s*(?:` + alt + `)[\s!.?,]*$`)
}

func alternation(keywords []string) string {
	var quoted []string
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}
	return strings.Join(quoted, "|")
}

// DefaultRules builds the standard rule set. Nil keyword lists use the
// built-in defaults. Budget keywords must make up the whole message.
func DefaultRules(highKeywords, budgetKeywords []string) []Rule {
	if len(highKeywords) == 0 {
		highKeywords = DefaultHighKeywords
	}
	if len(budgetKeywords) == 0 {
		budgetKeywords = DefaultBudgetKeywords
	}
	return []Rule{
		{
			Name:       "complex",
			Tier:       TierHigh,
			Priority:   10,
			Keywords:   KeywordPattern(highKeywords),
			MinLength:  LongMessageChars,
			MinHistory: LongHistory,
		},
		{
			Name:       "simple",
			Tier:       TierBudget,
			Priority:   20,
			Keywords:   wholeMessagePattern(budgetKeywords),
			MaxLength:  LongMessageChars,
			MaxHistory: LongHistory,
		},
		{
			Name:     "default",
			Tier:     TierStandard,
			Priority: 100,
			Always:   true,
		},
	}
}

// ClassifyComplexity picks a tier for message. When no rule matches (a rule
// set without an Always rule) the result is standard at fallback confidence.
func ClassifyComplexity(message string, historyLength int, rules []Rule) Classification {
	if rules == nil {
		rules = DefaultRules(nil, nil)
	}
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, rule := range ordered {
		if confidence, ok := rule.evaluate(message, historyLength); ok {
			return Classification{Tier: rule.Tier, Confidence: confidence, Rule: rule.Name}
		}
	}
	return Classification{Tier: TierStandard, Confidence: ConfidenceFallback, Rule: "default"}
}
