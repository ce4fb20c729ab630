package spam

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

const windowSpan = 60 * time.Second

type Config struct {
	MinInterval   time.Duration
	MaxPerMinute  int
	MaxDuplicates int
}

func DefaultConfig() Config {
	return Config{
		MinInterval:   500 * time.Millisecond,
		MaxPerMinute:  15,
		MaxDuplicates: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = d.MaxPerMinute
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = d.MaxDuplicates
	}
	return c
}

type Gate string

const (
	GateFlood     Gate = "flood"
	GateRate      Gate = "rate"
	GateDuplicate Gate = "duplicate"
	GatePattern   Gate = "pattern"
)

var gateReasons = map[Gate]string{
	GateFlood:     "you are sending messages too quickly",
	GateRate:      "too many messages in the last minute",
	GateDuplicate: "you already sent this message several times",
	GatePattern:   "message looks like gibberish",
}

// Rejection is returned when an outgoing message is classified as spam.
// Timeout is set when the rejection escalated into a timeout.
type Rejection struct {
	Gate     Gate
	Reason   string
	Warnings int
	Timeout  *Timeout
}

func (r *Rejection) Error() string {
	if r.Timeout != nil {
		return fmt.Sprintf("spam rejected (%s): %s; timed out for %s", r.Gate, r.Reason, r.Timeout.Duration)
	}
	return fmt.Sprintf("spam rejected (%s): %s", r.Gate, r.Reason)
}

type entry struct {
	content string
	at      time.Time
}

// Engine is the heuristic state for one (actor, room) pair.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	window      []entry
	lastMessage time.Time
	warnings    int
	lastUsed    time.Time
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Check runs the gates in order and returns the first one that matches.
// It does not change warning state.
func (e *Engine) Check(content string, now time.Time) (Gate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = now
	return e.checkLocked(content, now)
}

func (e *Engine) checkLocked(content string, now time.Time) (Gate, bool) {
	if !e.lastMessage.IsZero() && now.Sub(e.lastMessage) < e.cfg.MinInterval {
		return GateFlood, true
	}

	e.pruneLocked(now)
	if len(e.window) >= e.cfg.MaxPerMinute {
		return GateRate, true
	}

	lower := strings.ToLower(content)
	dups := 0
	for _, w := range e.window {
		if w.content == lower {
			dups++
		}
	}
	if dups >= e.cfg.MaxDuplicates {
		return GateDuplicate, true
	}

	if looksLikeGibberish(content) {
		return GatePattern, true
	}
	return "", false
}

// Evaluate is Check plus escalation: a rejection bumps the warning counter
// and, from the third warning on, attaches the timeout to issue.
func (e *Engine) Evaluate(content string, now time.Time) *Rejection {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = now

	gate, rejected := e.checkLocked(content, now)
	if !rejected {
		return nil
	}
	e.warnings++
	r := &Rejection{Gate: gate, Reason: gateReasons[gate], Warnings: e.warnings}
	if d := timeoutFor(e.warnings); d > 0 {
		r.Timeout = &Timeout{
			Duration:  d,
			ExpiresAt: now.Add(d),
			Reason:    fmt.Sprintf("automatic timeout after %d spam warnings (last: %s)", e.warnings, gate),
		}
	}
	return r
}

// RecordMessage adds an accepted message to the window. Call it exactly once
// per successful send.
func (e *Engine) RecordMessage(content string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)
	e.window = append(e.window, entry{content: strings.ToLower(content), at: now})
	e.lastMessage = now
	e.lastUsed = now
}

// ResetWarnings clears the warning counter and the window, typically when a
// moderator clears a timeout.
func (e *Engine) ResetWarnings() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = 0
	e.window = nil
	e.lastMessage = time.Time{}
}

func (e *Engine) Warnings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings
}

func (e *Engine) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(e.window) && !e.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		e.window = append(e.window[:0], e.window[i:]...)
	}
}

func timeoutFor(warnings int) time.Duration {
	switch {
	case warnings >= 5:
		return time.Hour
	case warnings >= 3:
		return 5 * time.Minute
	default:
		return 0
	}
}

// looksLikeGibberish: a run of 20+ letters with no whitespace, or any
// character repeated 6+ times in a row once whitespace is removed.
func looksLikeGibberish(content string) bool {
	run := 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			run++
			if run >= 20 {
				return true
			}
			continue
		}
		run = 0
	}

	var prev rune
	repeat := 0
	for _, r := range content {
		if unicode.IsSpace(r) {
			continue
		}
		if repeat > 0 && r == prev {
			repeat++
		} else {
			prev = r
			repeat = 1
		}
		if repeat >= 6 {
			return true
		}
	}
	return false
}
