package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ApprovalTier controls when a tool call must be confirmed by the user.
type ApprovalTier string

const (
	// TierAuto never asks.
	TierAuto ApprovalTier = "auto"
	// TierSession asks once per session, then remembers the tool.
	TierSession ApprovalTier = "session"
	// TierAlways asks for every call.
	TierAlways ApprovalTier = "always"
)

// ParseApprovalTier validates a tier name.
func ParseApprovalTier(s string) (ApprovalTier, error) {
	switch tier := ApprovalTier(strings.ToLower(strings.TrimSpace(s))); tier {
	case TierAuto, TierSession, TierAlways:
		return tier, nil
	case "":
		return TierSession, nil
	default:
		return "", fmt.Errorf("unknown approval tier %q", s)
	}
}

// ApprovalPolicy holds the default tier, per-tool overrides and the tools
// already approved in the current session. It lives as long as one
// connection's session.
type ApprovalPolicy struct {
	Default   ApprovalTier
	Overrides map[string]ApprovalTier

	mu       sync.RWMutex
	approved map[string]struct{}
}

// NewApprovalPolicy builds a policy from config strings. Unknown tiers fall
// back to the session tier.
func NewApprovalPolicy(defaultTier string, overrides map[string]string) *ApprovalPolicy {
	tier, err := ParseApprovalTier(defaultTier)
	if err != nil {
		tier = TierSession
	}
	p := &ApprovalPolicy{
		Default:   tier,
		Overrides: make(map[string]ApprovalTier, len(overrides)),
		approved:  make(map[string]struct{}),
	}
	for tool, raw := range overrides {
		if t, err := ParseApprovalTier(raw); err == nil {
			p.Overrides[tool] = t
		}
	}
	return p
}

// TierFor returns the effective tier for toolName.
func (p *ApprovalPolicy) TierFor(toolName string) ApprovalTier {
	if p == nil {
		return TierAuto
	}
	if tier, ok := p.Overrides[toolName]; ok {
		return tier
	}
	if p.Default == "" {
		return TierSession
	}
	return p.Default
}

// Approved reports whether toolName was approved earlier in the session.
func (p *ApprovalPolicy) Approved(toolName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.approved[toolName]
	return ok
}

// ApprovedTools returns the session-approved tool names, sorted.
func (p *ApprovalPolicy) ApprovedTools() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.approved))
	for name := range p.approved {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckApproval reports whether calling toolName requires user approval now.
func CheckApproval(toolName string, policy *ApprovalPolicy) bool {
	switch policy.TierFor(toolName) {
	case TierAuto:
		return false
	case TierAlways:
		return true
	default:
		return !policy.Approved(toolName)
	}
}

// RecordSessionApproval remembers toolName as approved for the session.
// Recording the same tool twice has no further effect.
func RecordSessionApproval(policy *ApprovalPolicy, toolName string) {
	if policy == nil {
		return
	}
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if policy.approved == nil {
		policy.approved = make(map[string]struct{})
	}
	policy.approved[toolName] = struct{}{}
}
