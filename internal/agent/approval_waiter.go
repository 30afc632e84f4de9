package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultApprovalTimeout bounds how long a tool call waits for the user.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalOutcome is how a pending approval was settled.
type ApprovalOutcome string

const (
	OutcomeApproved  ApprovalOutcome = "approved"
	OutcomeDenied    ApprovalOutcome = "denied"
	OutcomeTimeout   ApprovalOutcome = "timeout"
	OutcomeCancelled ApprovalOutcome = "cancelled"
)

// Approved reports whether the call may run.
func (o ApprovalOutcome) Approved() bool {
	return o == OutcomeApproved
}

// ApprovalWaiter parks tool calls until the user answers. One waiter belongs
// to one connection.
type ApprovalWaiter struct {
	mu      sync.Mutex
	pending map[string]chan bool
	closed  bool
	logger  *slog.Logger
}

// NewApprovalWaiter creates an empty waiter.
func NewApprovalWaiter(logger *slog.Logger) *ApprovalWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalWaiter{
		pending: make(map[string]chan bool),
		logger:  logger.With("component", "approvals"),
	}
}

// Expect registers callID so a Resolve arriving before Wait is not lost.
func (w *ApprovalWaiter) Expect(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channelLocked(callID)
}

func (w *ApprovalWaiter) channelLocked(callID string) chan bool {
	ch, ok := w.pending[callID]
	if !ok {
		ch = make(chan bool, 1)
		if w.closed {
			ch <- false
		}
		w.pending[callID] = ch
	}
	return ch
}

// Wait blocks until callID is resolved, the timeout elapses or ctx ends.
// Anything but an explicit approval counts as a denial.
func (w *ApprovalWaiter) Wait(ctx context.Context, callID string, timeout time.Duration) ApprovalOutcome {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	w.mu.Lock()
	ch := w.channelLocked(callID)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, callID)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		if approved {
			return OutcomeApproved
		}
		return OutcomeDenied
	case <-timer.C:
		w.logger.Warn("tool approval timed out, denying", "tool_call_id", callID, "timeout", timeout)
		return OutcomeTimeout
	case <-ctx.Done():
		return OutcomeCancelled
	}
}

// Resolve answers a pending call. It reports false when callID is unknown.
func (w *ApprovalWaiter) Resolve(callID string, approved bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.pending[callID]
	if !ok {
		return false
	}
	select {
	case ch <- approved:
	default:
	}
	return true
}

// Pending returns the number of unresolved calls.
func (w *ApprovalWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// DenyAll resolves every pending call as denied and makes later waits deny
// immediately. Called when the connection goes away.
func (w *ApprovalWaiter) DenyAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for _, ch := range w.pending {
		select {
		case ch <- false:
		default:
		}
	}
}
