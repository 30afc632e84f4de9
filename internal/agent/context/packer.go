// Package context assembles the prompt for a turn and measures it.
//
// This package handles:
//   - Context packing: selecting which history messages fit the window
//   - Assembly: composing the system prompt from workspace sources
//   - Budget management: byte, token and cost accounting per section
//   - Memory pressure: deciding when older history is flushed to disk
package context

import (
	"github.com/HiTek-Dev/tek/pkg/models"
)

// PackOptions configures how history is packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on history messages included.
	MaxMessages int

	// MaxChars is the approximate character budget for history.
	MaxChars int

	// MaxToolResultChars is the max chars per tool result content.
	// Longer results are truncated. Default: 6000.
	MaxToolResultChars int
}

// DefaultPackOptions returns defaults sized for large context windows.
// Memory pressure, not the packer, is expected to keep history in check.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        200,
		MaxChars:           400000,
		MaxToolResultChars: 6000,
	}
}

// Packer selects and prepares history messages for a model call.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a packer, filling zero options with defaults.
func NewPacker(opts PackOptions) *Packer {
	defaults := DefaultPackOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaults.MaxMessages
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaults.MaxChars
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = defaults.MaxToolResultChars
	}
	return &Packer{opts: opts}
}

// Pack selects messages from history to fit within budget.
//
// Messages are selected from the end (most recent) backwards until either
// MaxMessages or MaxChars is reached, then returned in chronological order.
// System messages are dropped since the system prompt is composed
// separately. Tool result content is truncated to MaxToolResultChars.
func (p *Packer) Pack(history []*models.Message) []*models.Message {
	totalChars := 0
	selectedReverse := make([]*models.Message, 0, min(len(history), p.opts.MaxMessages))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil || m.Role == models.RoleSystem {
			continue
		}
		if len(selectedReverse)+1 > p.opts.MaxMessages {
			break
		}
		msgChars := messageChars(m)
		if totalChars+msgChars > p.opts.MaxChars {
			break
		}
		selectedReverse = append(selectedReverse, m)
		totalChars += msgChars
	}

	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = p.truncateToolResults(m)
	}
	return selected
}

// messageChars estimates the character count for a message.
func messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

// truncateToolResults returns a copy with truncated tool result content.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	needsTruncation := false
	for _, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	copy := models.CloneMessage(m)
	for i, tr := range copy.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			copy.ToolResults[i].Content = tr.Content[:p.opts.MaxToolResultChars] + "\n...[truncated]"
		}
	}
	return copy
}
