// Package turn implements message accumulation into logical turns and the
// per-turn commit-point tracker.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"acf/internal/config"
	"acf/internal/logging"
	"acf/internal/types"
)

// Accumulator buffers raw inbound messages per session and closes them into
// a single LogicalTurn using an adaptive wait window. It inspects only
// shape and timing signals, never message meaning.
type Accumulator struct {
	cfg config.AccumulationConfig

	mu      sync.Mutex
	inboxes map[string]*inbox
	hints   map[string]time.Duration
}

type inbox struct {
	msgs    []types.RawMessage
	arrived chan struct{}
	force   chan struct{}
}

// NewAccumulator creates an accumulator with the given window policy.
func NewAccumulator(cfg config.AccumulationConfig) *Accumulator {
	return &Accumulator{
		cfg:     cfg,
		inboxes: make(map[string]*inbox),
		hints:   make(map[string]time.Duration),
	}
}

func (a *Accumulator) inboxFor(key string) *inbox {
	in, ok := a.inboxes[key]
	if !ok {
		in = &inbox{
			arrived: make(chan struct{}, 1),
			force:   make(chan struct{}, 1),
		}
		a.inboxes[key] = in
	}
	return in
}

// Enqueue buffers one inbound message for its session and wakes any open
// accumulation window. A message id already buffered for the session is
// dropped: a retried submission whose first attempt failed must not put the
// same message into the next turn twice.
func (a *Accumulator) Enqueue(key types.SessionKey, msg types.RawMessage) {
	a.mu.Lock()
	in := a.inboxFor(key.String())
	for _, m := range in.msgs {
		if m.ID == msg.ID {
			a.mu.Unlock()
			logging.TurnDebug("dropped duplicate enqueue of %s for %s", msg.ID, key)
			return
		}
	}
	in.msgs = append(in.msgs, msg)
	a.mu.Unlock()

	select {
	case in.arrived <- struct{}{}:
	default:
	}
	logging.TurnDebug("enqueued %s for %s (pending now buffered)", msg.ID, key)
}

// HasPending reports whether undelivered messages exist for the session.
func (a *Accumulator) HasPending(key types.SessionKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.inboxes[key.String()]
	return ok && len(in.msgs) > 0
}

// PeekPending returns a copy of the buffered messages without draining
// them. Used when handing the pending set to the reasoning component for a
// supersede decision.
func (a *Accumulator) PeekPending(key types.SessionKey) []types.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.inboxes[key.String()]
	if !ok || len(in.msgs) == 0 {
		return nil
	}
	return append([]types.RawMessage(nil), in.msgs...)
}

// TakePending removes and returns all buffered messages for the session.
func (a *Accumulator) TakePending(key types.SessionKey) []types.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.inboxes[key.String()]
	if !ok || len(in.msgs) == 0 {
		return nil
	}
	msgs := in.msgs
	in.msgs = nil
	return msgs
}

// ForceClose closes the session's open accumulation window immediately, if
// one is waiting. Used for external bundle boundaries such as an email
// thread delimiter.
func (a *Accumulator) ForceClose(key types.SessionKey) {
	a.mu.Lock()
	in := a.inboxFor(key.String())
	a.mu.Unlock()

	select {
	case in.force <- struct{}{}:
	default:
	}
}

// SetHint records the prior turn's expected follow-up timing for a session.
// Zero clears the hint.
func (a *Accumulator) SetHint(key types.SessionKey, hint time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hint <= 0 {
		delete(a.hints, key.String())
		return
	}
	a.hints[key.String()] = hint
}

// Hint returns the recorded follow-up hint for a session, if any.
func (a *Accumulator) Hint(key types.SessionKey) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hints[key.String()]
}

// SuggestWait computes the adaptive window after a message: the previous
// hint is blended with the channel base (weighted average, never a full
// replacement), then adjusted for message shape and clamped.
func (a *Accumulator) SuggestWait(channel string, msg types.RawMessage, prevHint time.Duration) time.Duration {
	base := a.cfg.Window(channel)

	wait := base
	if prevHint > 0 {
		w := a.cfg.HintWeight
		wait = time.Duration(w*float64(prevHint) + (1-w)*float64(base))
	}

	switch {
	case IsFragment(msg.Content):
		// Fragment-like input means more is probably coming soon.
		wait = time.Duration(float64(wait) * a.cfg.FragmentFactor)
	case endsSentence(msg.Content):
		wait = time.Duration(float64(wait) * a.cfg.SentenceFactor)
	}

	return a.clamp(wait)
}

func (a *Accumulator) clamp(d time.Duration) time.Duration {
	if min := a.cfg.MinWindow.Std(); d < min {
		return min
	}
	if max := a.cfg.MaxWindow.Std(); d > max {
		return max
	}
	return d
}

// Accumulate drains buffered messages into the turn and waits out the
// adaptive window, absorbing arrivals until it elapses, is extended past
// its initial deadline, or is force-closed. The turn may close with zero
// messages when another turn claimed the buffer before the window opened;
// callers must treat an empty close as no work, never as a turn.
func (a *Accumulator) Accumulate(ctx context.Context, key types.SessionKey, t *types.LogicalTurn) error {
	a.mu.Lock()
	in := a.inboxFor(key.String())
	a.mu.Unlock()

	if msgs := a.TakePending(key); len(msgs) > 0 {
		t.Messages = append(t.Messages, msgs...)
	}

	prevHint := a.Hint(key)
	var last types.RawMessage
	if n := len(t.Messages); n > 0 {
		last = t.Messages[n-1]
	}

	wait := a.SuggestWait(t.Key.Channel, last, prevHint)
	initialDeadline := time.Now().Add(wait)
	deadline := initialDeadline
	extended := false

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-in.force:
			t.AggregationReason = types.AggregationForceClosed
			return a.closeWindow(key, t)

		case <-in.arrived:
			msgs := a.TakePending(key)
			if len(msgs) == 0 {
				continue
			}
			t.Messages = append(t.Messages, msgs...)
			last = msgs[len(msgs)-1]

			// Restart the window from the arrival, but never shorten a
			// deadline already promised to the sender.
			wait = a.SuggestWait(t.Key.Channel, last, prevHint)
			if next := time.Now().Add(wait); next.After(deadline) {
				deadline = next
			}
			if deadline.After(initialDeadline) {
				extended = true
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(deadline))
			logging.TurnDebug("window for %s reset to %s after %s", key, wait, last.ID)

		case <-timer.C:
			if extended {
				t.AggregationReason = types.AggregationHintExtended
			} else {
				t.AggregationReason = types.AggregationWindowElapsed
			}
			return a.closeWindow(key, t)
		}
	}
}

func (a *Accumulator) closeWindow(key types.SessionKey, t *types.LogicalTurn) error {
	t.WindowClosedAt = time.Now().UTC()
	logging.Turn("closed window for %s: %d message(s), reason=%s", key, len(t.Messages), t.AggregationReason)
	return nil
}

// IsFragment reports whether a message looks like a fragment: short, or
// missing terminal punctuation. Shape only; content is never interpreted.
func IsFragment(content string) bool {
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) < 12 {
		return true
	}
	return !endsSentence(trimmed)
}

func endsSentence(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
