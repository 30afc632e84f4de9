package context

import (
	"context"
	"log/slog"

	"github.com/HiTek-Dev/tek/internal/memory"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/pkg/models"
)

const (
	// DefaultFlushThreshold is the usage ratio at which history is flushed.
	DefaultFlushThreshold = 0.8

	// DefaultContextWindow is used when the model window is unknown.
	DefaultContextWindow = 200000
)

// Categories buckets assembled tokens for pressure measurement.
type Categories struct {
	System       int `json:"system"`
	Memory       int `json:"memory"`
	Conversation int `json:"conversation"`
}

// Total returns the summed token count.
func (c Categories) Total() int {
	return c.System + c.Memory + c.Conversation
}

// CategoriesFromSections sums section tokens into categories.
func CategoriesFromSections(sections []Section) Categories {
	var c Categories
	for _, s := range sections {
		switch s.Name {
		case SectionSystemPrompt, SectionIdentity, SectionTools:
			c.System += s.Tokens
		case SectionMemory, SectionRecentActivity:
			c.Memory += s.Tokens
		case SectionHistory, SectionUserMessage:
			c.Conversation += s.Tokens
		}
	}
	return c
}

// Pressure is one reading of context usage against the window.
type Pressure struct {
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Ratio       float64 `json:"ratio"`
	ShouldFlush bool    `json:"should_flush"`
}

// Detector decides when older conversation must be evicted.
type Detector struct {
	limit     int
	threshold float64
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorLogger sets the logger.
func WithDetectorLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDetectorMetrics records flush outcomes.
func WithDetectorMetrics(metrics *observability.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = metrics }
}

// NewDetector creates a detector for a context window of limit tokens.
func NewDetector(limit int, threshold float64, opts ...DetectorOption) *Detector {
	if limit <= 0 {
		limit = DefaultContextWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFlushThreshold
	}
	d := &Detector{limit: limit, threshold: threshold, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "memory_pressure")
	return d
}

// Measure reports usage of the window by c.
func (d *Detector) Measure(c Categories) Pressure {
	used := c.Total()
	ratio := float64(used) / float64(d.limit)
	return Pressure{
		Used:        used,
		Limit:       d.limit,
		Ratio:       ratio,
		ShouldFlush: ratio >= d.threshold,
	}
}

// FlushOlderHalf writes the older half of history to log and returns the
// newer half. The split never starts the kept half on a tool result, so a
// tool call and its results stay together. Write failures are logged and
// the history is still trimmed; flushing never blocks a turn.
//
// flushed is the last message of the older half when it left the active
// history for good: written to log, or dropped because no log is set. It is
// nil when nothing was split off or the write failed, so callers only
// advance their watermark past messages the log actually holds.
func (d *Detector) FlushOlderHalf(ctx context.Context, sessionID string, history []*models.Message, log *memory.FlushLog) (kept []*models.Message, flushed *models.Message) {
	split := len(history) / 2
	for split < len(history) && history[split] != nil && history[split].Role == models.RoleTool {
		split++
	}
	if split == 0 || split >= len(history) {
		return history, nil
	}
	older, newer := history[:split], history[split:]

	last := older[len(older)-1]
	switch {
	case log == nil:
		d.logger.Debug("no flush log configured, dropping older history", "session_id", sessionID, "messages", len(older))
		d.metrics.RecordMemoryFlush("skipped")
		return newer, last
	case ctx.Err() != nil:
		d.logger.Warn("memory flush skipped", "session_id", sessionID, "error", ctx.Err())
		d.metrics.RecordMemoryFlush("error")
	default:
		if err := log.Append(sessionID, RenderTranscript(older)); err != nil {
			d.logger.Warn("memory flush failed", "session_id", sessionID, "error", err)
			d.metrics.RecordMemoryFlush("error")
		} else {
			d.logger.Info("flushed older history", "session_id", sessionID, "messages", len(older), "dir", log.Dir())
			d.metrics.RecordMemoryFlush("ok")
			return newer, last
		}
	}
	return newer, nil
}
