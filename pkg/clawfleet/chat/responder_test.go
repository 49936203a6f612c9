package chat

import (
	"strings"
	"testing"
	"time"
)

// collector records sent chunks.
type collector struct {
	chunks []string
}

func (c *collector) send(text string) error {
	c.chunks = append(c.chunks, text)
	return nil
}

func TestResponderSmallMessageSingleChunk(t *testing.T) {
	c := &collector{}
	r := NewStreamingResponder(c.send, 2000, 0)

	if err := r.Push("hello there"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(c.chunks) != 0 {
		t.Fatalf("sent before flush: %v", c.chunks)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(c.chunks) != 1 || c.chunks[0] != "hello there" {
		t.Fatalf("chunks = %v", c.chunks)
	}
	if !r.HasSent() {
		t.Error("HasSent = false after flush")
	}
}

func TestResponderChunksWithinLimit(t *testing.T) {
	c := &collector{}
	limit := 200
	r := NewStreamingResponder(c.send, limit, 0)

	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("some words go here ")
	}
	if err := r.Push(b.String()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(c.chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(c.chunks))
	}
	for i, chunk := range c.chunks {
		if len(chunk) > limit {
			t.Errorf("chunk %d has %d chars, limit %d", i, len(chunk), limit)
		}
	}

	joined := strings.Join(c.chunks, " ")
	if !strings.Contains(joined, "some words go here") {
		t.Error("content lost in chunking")
	}
}

func TestResponderPrefersParagraphBreak(t *testing.T) {
	c := &collector{}
	r := NewStreamingResponder(c.send, 200, 0)

	first := strings.Repeat("a", 100)
	second := strings.Repeat("b", 100)
	if err := r.Push(first + "\n\n" + second); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(c.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(c.chunks))
	}
	if c.chunks[0] != first {
		t.Errorf("first chunk = %q", c.chunks[0])
	}
	if c.chunks[1] != second {
		t.Errorf("second chunk = %q", c.chunks[1])
	}
}

func TestResponderClosesAndReopensCodeFence(t *testing.T) {
	c := &collector{}
	r := NewStreamingResponder(c.send, 200, 0)

	var code strings.Builder
	code.WriteString("```go\n")
	for i := 0; i < 30; i++ {
		code.WriteString("fmt.Println(\"line\")\n")
	}
	code.WriteString("```\n")

	if err := r.Push(code.String()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(c.chunks) < 2 {
		t.Fatalf("expected fence to split, got %d chunks", len(c.chunks))
	}
	for i, chunk := range c.chunks {
		opens := strings.Count(chunk, "```")
		if opens%2 != 0 {
			t.Errorf("chunk %d leaves a fence open:\n%s", i, chunk)
		}
	}
	for i, chunk := range c.chunks[1:] {
		if !strings.HasPrefix(chunk, "```go") {
			t.Errorf("continuation chunk %d does not reopen fence with language: %q", i+1, chunk[:20])
		}
	}
}

func TestResponderRateLimits(t *testing.T) {
	c := &collector{}
	r := NewStreamingResponder(c.send, 120, time.Second)

	clock := time.Unix(1000, 0)
	var slept []time.Duration
	r.now = func() time.Time { return clock }
	r.sleep = func(d time.Duration) {
		slept = append(slept, d)
		clock = clock.Add(d)
	}

	long := strings.Repeat("word ", 100)
	if err := r.Push(long); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(c.chunks) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(c.chunks))
	}
	// Every send after the first waits out the interval.
	if len(slept) != len(c.chunks)-1 {
		t.Errorf("slept %d times for %d chunks", len(slept), len(c.chunks))
	}
	for i, d := range slept {
		if d != time.Second {
			t.Errorf("sleep[%d] = %s, want 1s", i, d)
		}
	}
}

func TestFindBreak(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want int
	}{
		{"fits entirely", "short", 100, 5},
		{"paragraph preferred", strings.Repeat("x", 50) + "\n\n" + strings.Repeat("y", 100), 100, 52},
		{"newline fallback", strings.Repeat("x", 50) + "\n" + strings.Repeat("y", 100), 100, 51},
		{"space fallback", strings.Repeat("x", 50) + " " + strings.Repeat("y", 100), 100, 51},
		{"hard cut", strings.Repeat("x", 200), 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findBreak(tt.text, tt.max); got != tt.want {
				t.Errorf("findBreak = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFenceState(t *testing.T) {
	tests := []struct {
		name     string
		chunk    string
		wantOpen bool
		wantLang string
	}{
		{"no fences", "plain text", false, ""},
		{"opened", "before\n```go\ncode", true, "go"},
		{"opened and closed", "```sh\nls\n```\nafter", false, ""},
		{"no language", "```\nraw\n", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, lang := fenceState(tt.chunk, false, "")
			if open != tt.wantOpen || lang != tt.wantLang {
				t.Errorf("fenceState = (%v, %q), want (%v, %q)", open, lang, tt.wantOpen, tt.wantLang)
			}
		})
	}
}
