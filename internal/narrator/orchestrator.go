package narrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
)

var ErrInvalidRequest = errors.New("narrator: invalid request")

const (
	defaultHistoryLimit = 10
	defaultTempTTL      = 24 * time.Hour
	minTrust            = -100
	maxTrust            = 100
)

type Config struct {
	HistoryLimit     int
	TempCharacterTTL time.Duration
}

// Orchestrator runs one narrator invocation per trigger message. It holds no
// per-invocation state and takes no cross-invocation locks.
type Orchestrator struct {
	store   Store
	oracle  Oracle
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, oracle Oracle, cfg Config, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.TempCharacterTTL <= 0 {
		cfg.TempCharacterTTL = defaultTempTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, oracle: oracle, cfg: cfg, log: log, metrics: m, now: time.Now}
}

// ClampTrust applies delta and keeps the result within [-100, 100].
func ClampTrust(current, delta int) int {
	v := current + delta
	if v < minTrust {
		return minTrust
	}
	if v > maxTrust {
		return maxTrust
	}
	return v
}

// Invoke assembles context, asks the oracle for a plan and applies it.
//
// Oracle throttling and quota errors are returned as-is (ai.ErrRateLimited,
// ai.ErrQuotaExhausted). Unparseable oracle output yields a result with
// ShouldRespond false and no side effects. Once a plan is accepted, each
// side effect is attempted independently and the result reports what
// succeeded.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (*Result, error) {
	req.TriggerMessage = strings.TrimSpace(req.TriggerMessage)
	if req.WorldID == "" || req.RoomID == "" || req.TriggerMessage == "" {
		return nil, ErrInvalidRequest
	}

	scene, err := o.loadScene(ctx, req)
	if err != nil {
		o.metrics.NarratorRun("error")
		return nil, err
	}
	scene.Signals = DetectSignals(req.TriggerMessage, scene.Characters)

	prompt := BuildPrompt(*scene, req.TriggerMessage)
	start := time.Now()
	raw, err := o.oracle.Complete(ctx, prompt)
	o.metrics.ObserveOracle(time.Since(start))
	if err != nil {
		o.metrics.NarratorRun(oracleOutcome(err))
		return nil, err
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		o.log.Warn("narrator plan rejected",
			zap.String("room_id", req.RoomID),
			zap.Int("raw_len", len(raw)),
			zap.Error(err))
		o.metrics.NarratorRun("malformed")
		return noResponse(), nil
	}
	if !plan.ShouldRespond {
		o.metrics.NarratorRun("silent")
		return noResponse(), nil
	}

	res := o.apply(ctx, req, scene, plan)
	o.metrics.NarratorRun("responded")
	return res, nil
}

func oracleOutcome(err error) string {
	switch {
	case errors.Is(err, ai.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ai.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ai.ErrMissingAPIKey):
		return "misconfigured"
	default:
		return "error"
	}
}

// loadScene fetches the independent context pieces in parallel.
func (o *Orchestrator) loadScene(ctx context.Context, req Request) (*Scene, error) {
	var scene Scene
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w, err := o.store.World(gctx, req.WorldID)
		if err != nil {
			return fmt.Errorf("load world: %w", err)
		}
		scene.World = w
		return nil
	})
	g.Go(func() error {
		r, err := o.store.Room(gctx, req.RoomID)
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}
		scene.Room = r
		return nil
	})
	g.Go(func() error {
		cs, err := o.store.AICharacters(gctx, req.WorldID, o.now())
		if err != nil {
			return fmt.Errorf("load ai characters: %w", err)
		}
		scene.Characters = cs
		return nil
	})
	if req.TriggerCharacterID != "" {
		g.Go(func() error {
			c, err := o.store.Character(gctx, req.TriggerCharacterID)
			if err != nil {
				// an unknown trigger character only thins the context
				o.log.Debug("trigger character lookup failed", zap.String("character_id", req.TriggerCharacterID), zap.Error(err))
				return nil
			}
			scene.Trigger = c
			return nil
		})
		g.Go(func() error {
			ms, err := o.store.Memories(gctx, req.WorldID, req.TriggerCharacterID)
			if err != nil {
				return fmt.Errorf("load memories: %w", err)
			}
			scene.Memories = ms
			return nil
		})
	}
	if len(req.MessageHistory) > 0 {
		scene.History = tail(req.MessageHistory, o.cfg.HistoryLimit)
	} else {
		g.Go(func() error {
			h, err := o.store.RecentHistory(gctx, req.RoomID, o.cfg.HistoryLimit)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			scene.History = h
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if scene.Room.WorldID != scene.World.ID {
		return nil, fmt.Errorf("%w: room %s is not in world %s", ErrInvalidRequest, req.RoomID, req.WorldID)
	}
	return &scene, nil
}

func tail(h []HistoryTurn, n int) []HistoryTurn {
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// apply executes the plan step by step. A failing step is logged and
// skipped; it never undoes earlier steps.
func (o *Orchestrator) apply(ctx context.Context, req Request, scene *Scene, plan *Plan) *Result {
	res := &Result{Plan: Plan{
		ShouldRespond: true,
		Responses:     []PlannedResponse{},
		NewCharacter:  plan.NewCharacter,
		MemoryUpdate:  plan.MemoryUpdate,
		WorldEvent:    plan.WorldEvent,
	}}
	now := o.now()

	known := append([]Character(nil), scene.Characters...)
	var newChar *Character
	if nc := plan.NewCharacter; nc != nil {
		id, err := o.store.CreateTemporaryCharacter(ctx, TemporaryCharacter{
			WorldID:     req.WorldID,
			RoomID:      req.RoomID,
			OwnerUserID: scene.World.OwnerUserID,
			Spec:        *nc,
			ExpiresAt:   now.Add(o.cfg.TempCharacterTTL),
		})
		o.metrics.NarratorEffect("new_character", err)
		if err != nil {
			o.log.Error("create temporary character failed", zap.String("room_id", req.RoomID), zap.Error(err))
		} else {
			newChar = &Character{
				ID:                id,
				OwnerUserID:       scene.World.OwnerUserID,
				Name:              nc.Name,
				Bio:               nc.Bio,
				SocialRank:        nc.SocialRank,
				PersonalityTraits: nc.PersonalityTraits,
				IsTemporary:       true,
			}
			known = append(known, *newChar)
			res.NewCharacterID = &id
		}
	}

	var firstResponder string
	for _, r := range plan.Responses {
		sender := resolveSender(r, known, newChar)
		if sender == nil {
			o.log.Warn("narrator response has no resolvable sender",
				zap.String("room_id", req.RoomID),
				zap.String("character_name", r.CharacterName))
			continue
		}
		if firstResponder == "" {
			firstResponder = sender.ID
		}
		senderUser := sender.OwnerUserID
		if sender.IsTemporary || senderUser == 0 {
			senderUser = scene.World.OwnerUserID
		}
		msgID, err := o.store.PostMessage(ctx, AIMessage{
			RoomID:       req.RoomID,
			SenderUserID: senderUser,
			CharacterID:  sender.ID,
			Content:      r.Content,
			DisplayType:  r.Type,
		})
		o.metrics.NarratorEffect("message", err)
		if err != nil {
			o.log.Error("post narrator message failed", zap.String("room_id", req.RoomID), zap.Error(err))
			continue
		}
		id := sender.ID
		r.CharacterID = &id
		r.CharacterName = sender.Name
		res.Responses = append(res.Responses, r)
		res.MessageIDs = append(res.MessageIDs, msgID)
	}

	if mu := plan.MemoryUpdate; mu != nil && req.TriggerCharacterID != "" {
		target := firstResponder
		if target == "" && newChar != nil {
			target = newChar.ID
		}
		if target != "" {
			_, err := o.store.UpsertMemory(ctx, MemoryKey{
				WorldID:         req.WorldID,
				UserCharacterID: req.TriggerCharacterID,
				AICharacterID:   target,
			}, func(m *Memory) { applyMemoryUpdate(m, mu, now) })
			o.metrics.NarratorEffect("memory", err)
			if err != nil {
				o.log.Error("memory upsert failed",
					zap.String("world_id", req.WorldID),
					zap.String("ai_character_id", target),
					zap.Error(err))
			}
		}
	}

	if ev := plan.WorldEvent; ev != nil {
		_, err := o.store.InsertWorldEvent(ctx, WorldEventInput{
			WorldID:            req.WorldID,
			RoomID:             req.RoomID,
			TriggerCharacterID: req.TriggerCharacterID,
			Content:            strings.TrimSpace(*ev),
		})
		o.metrics.NarratorEffect("world_event", err)
		if err != nil {
			o.log.Error("world event insert failed", zap.String("room_id", req.RoomID), zap.Error(err))
		}
	}

	o.log.Info("narrator responded",
		zap.String("room_id", req.RoomID),
		zap.Int("responses", len(res.Responses)),
		zap.Bool("new_character", res.NewCharacterID != nil))
	return res
}

// resolveSender picks the AI character for a planned response: the new
// character when flagged, then an explicit known id, then a case-insensitive
// name match.
func resolveSender(r PlannedResponse, known []Character, newChar *Character) *Character {
	if r.IsNewCharacter {
		return newChar
	}
	if r.CharacterID != nil {
		for i := range known {
			if known[i].ID == *r.CharacterID {
				return &known[i]
			}
		}
	}
	name := strings.TrimSpace(r.CharacterName)
	if name == "" {
		return nil
	}
	for i := range known {
		if strings.EqualFold(known[i].Name, name) {
			return &known[i]
		}
	}
	return nil
}

func applyMemoryUpdate(m *Memory, mu *MemoryUpdate, now time.Time) {
	if mu.RelationshipChange != nil {
		if rel := strings.TrimSpace(*mu.RelationshipChange); rel != "" {
			m.RelationshipType = rel
		}
	}
	m.TrustLevel = ClampTrust(m.TrustLevel, mu.TrustChange)
	if mu.MemoryNote != nil {
		if note := strings.TrimSpace(*mu.MemoryNote); note != "" {
			m.Notes = append(m.Notes, fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note))
		}
	}
	m.LastInteractionAt = now
}
