package spam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
)

// Timeout is a moderation timeout for one actor in one conversation scope.
type Timeout struct {
	UserID    uint64
	Scope     string
	Duration  time.Duration
	ExpiresAt time.Time
	Reason    string
}

// TimedOutError is returned while an actor has an active timeout.
type TimedOutError struct {
	Until time.Time
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("timed out until %s", e.Until.UTC().Format(time.RFC3339))
}

// Enforcer persists escalations. IssueTimeout must write the timeout record,
// an audit-log entry and a moderation notification to the offender.
type Enforcer interface {
	ActiveTimeout(ctx context.Context, userID uint64, scope string) (*Timeout, error)
	IssueTimeout(ctx context.Context, t Timeout, gate Gate, warnings int) error
	ClearTimeouts(ctx context.Context, moderatorID, userID uint64, scope string) error
}

type actorKey struct {
	userID uint64
	scope  string
}

// Guard owns one Engine per (actor, scope) and wires escalation to the
// Enforcer. It is the only entry point the send path uses.
type Guard struct {
	cfg      Config
	enforcer Enforcer
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	engines map[actorKey]*Engine
}

func NewGuard(cfg Config, enforcer Enforcer, log *zap.Logger, m *metrics.Metrics) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		cfg:      cfg.withDefaults(),
		enforcer: enforcer,
		log:      log,
		metrics:  m,
		now:      time.Now,
		engines:  make(map[actorKey]*Engine),
	}
}

func (g *Guard) engine(userID uint64, scope string) *Engine {
	k := actorKey{userID: userID, scope: scope}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.engines[k]
	if !ok {
		e = NewEngine(g.cfg)
		g.engines[k] = e
	}
	return e
}

// Admit returns nil when the message may be persisted, a *TimedOutError while
// a timeout is active, or a *Rejection when a gate matched.
func (g *Guard) Admit(ctx context.Context, userID uint64, scope, content string) error {
	if g.enforcer != nil {
		t, err := g.enforcer.ActiveTimeout(ctx, userID, scope)
		if err != nil {
			return fmt.Errorf("check timeout: %w", err)
		}
		if t != nil {
			return &TimedOutError{Until: t.ExpiresAt}
		}
	}

	r := g.engine(userID, scope).Evaluate(content, g.now())
	if r == nil {
		return nil
	}
	g.metrics.SpamRejected(string(r.Gate))

	if r.Timeout != nil {
		r.Timeout.UserID = userID
		r.Timeout.Scope = scope
		g.metrics.SpamTimeout(r.Timeout.Duration)
		if g.enforcer != nil {
			if err := g.enforcer.IssueTimeout(ctx, *r.Timeout, r.Gate, r.Warnings); err != nil {
				g.log.Error("issue spam timeout failed",
					zap.Uint64("user_id", userID), zap.String("scope", scope), zap.Error(err))
			}
		}
		g.log.Warn("spam timeout issued",
			zap.Uint64("user_id", userID),
			zap.String("scope", scope),
			zap.String("gate", string(r.Gate)),
			zap.Int("warnings", r.Warnings),
			zap.Duration("duration", r.Timeout.Duration))
	}
	return r
}

// Record marks an accepted, persisted message.
func (g *Guard) Record(userID uint64, scope, content string) {
	g.engine(userID, scope).RecordMessage(content, g.now())
}

// Clear lifts any timeout and resets the heuristic state for the actor.
// moderatorID is recorded as the actor of the clearing.
func (g *Guard) Clear(ctx context.Context, moderatorID, userID uint64, scope string) error {
	if g.enforcer != nil {
		if err := g.enforcer.ClearTimeouts(ctx, moderatorID, userID, scope); err != nil {
			return err
		}
	}
	g.engine(userID, scope).ResetWarnings()
	return nil
}

// Prune drops engines idle for longer than idle. Warnings of a pruned actor
// are forgotten, which matches a fresh session.
func (g *Guard) Prune(idle time.Duration) int {
	cutoff := g.now().Add(-idle)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, e := range g.engines {
		if e.idleSince().Before(cutoff) {
			delete(g.engines, k)
			n++
		}
	}
	return n
}
