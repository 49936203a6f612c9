// Package chat – responder.go implements progressive reply delivery. Agent
// text is buffered and sent in chunks as it becomes available, each chunk
// within the bridge's character limit, split at natural boundaries and never
// inside an unclosed code fence.
package chat

import (
	"strings"
	"sync"
	"time"
)

// fenceMargin reserves room in each chunk for closing an open code fence at
// the cut and reopening it (with its language tag) in the next chunk.
const fenceMargin = 64

// StreamingResponder turns a stream of text fragments into sized, rate
// limited platform messages. One responder serves one exchange.
type StreamingResponder struct {
	send        SendFunc
	limit       int
	minInterval time.Duration

	mu       sync.Mutex
	buf      strings.Builder
	lastSend time.Time
	sent     bool

	// fenceOpen and fenceLang track whether previously sent chunks left a
	// code fence open, so the next chunk can reopen it.
	fenceOpen bool
	fenceLang string

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewStreamingResponder creates a responder. limit is the platform's message
// size cap; minInterval rate-limits consecutive sends.
func NewStreamingResponder(send SendFunc, limit int, minInterval time.Duration) *StreamingResponder {
	return &StreamingResponder{
		send:        send,
		limit:       limit,
		minInterval: minInterval,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Push appends agent text and sends every full chunk the buffer now holds.
// Blocks while rate limiting outbound sends.
func (r *StreamingResponder) Push(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.WriteString(text)
	return r.drainLocked(false)
}

// Flush sends whatever remains in the buffer.
func (r *StreamingResponder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drainLocked(true)
}

// HasSent reports whether at least one chunk went out.
func (r *StreamingResponder) HasSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// drainLocked sends chunks while the buffer exceeds the usable limit; with
// final it also sends the remainder. Must be called with mu held.
func (r *StreamingResponder) drainLocked(final bool) error {
	threshold := r.limit - fenceMargin

	for r.buf.Len() > threshold {
		text := r.buf.String()
		cut := findBreak(text, threshold)
		chunk, remainder := text[:cut], text[cut:]

		r.buf.Reset()
		r.buf.WriteString(remainder)

		if err := r.sendChunk(chunk); err != nil {
			return err
		}
	}

	if final && r.buf.Len() > 0 {
		text := r.buf.String()
		r.buf.Reset()
		return r.sendChunk(text)
	}
	return nil
}

// sendChunk closes an open fence at the chunk edge, reopens it at the start
// of the next one, applies the rate limit, and sends.
func (r *StreamingResponder) sendChunk(chunk string) error {
	if r.fenceOpen {
		chunk = "```" + r.fenceLang + "\n" + chunk
	}

	open, lang := fenceState(chunk, false, "")
	if open {
		chunk += "\n```"
	}
	r.fenceOpen = open
	r.fenceLang = lang

	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return nil
	}

	if r.minInterval > 0 && !r.lastSend.IsZero() {
		if wait := r.minInterval - r.now().Sub(r.lastSend); wait > 0 {
			r.sleep(wait)
		}
	}

	if err := r.send(chunk); err != nil {
		return err
	}
	r.sent = true
	r.lastSend = r.now()
	return nil
}

// findBreak picks a cut point at or below max, preferring a paragraph break
// in the last 500 chars of the window, then a newline in the last 200, then a
// space in the last 100, then a hard cut.
func findBreak(text string, max int) int {
	if len(text) <= max {
		return len(text)
	}
	window := text[:max]

	if idx := lastIndexWithin(window, "\n\n", 500); idx >= 0 {
		return idx + 2
	}
	if idx := lastIndexWithin(window, "\n", 200); idx >= 0 {
		return idx + 1
	}
	if idx := lastIndexWithin(window, " ", 100); idx >= 0 {
		return idx + 1
	}
	return max
}

// lastIndexWithin finds the last occurrence of sep inside the trailing span
// of window, returning its absolute index or -1.
func lastIndexWithin(window, sep string, span int) int {
	start := len(window) - span
	if start < 0 {
		start = 0
	}
	idx := strings.LastIndex(window[start:], sep)
	if idx < 0 {
		return -1
	}
	return start + idx
}

// fenceState walks a chunk line by line and reports whether it ends inside a
// code fence, along with the fence's language tag.
func fenceState(chunk string, open bool, lang string) (bool, string) {
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			lang = ""
		} else {
			open = true
			lang = strings.TrimPrefix(trimmed, "```")
		}
	}
	return open, lang
}
