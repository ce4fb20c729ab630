package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
)

const maxMemoryCASAttempts = 8

var (
	ErrMemoryContention = errors.New("relationship memory: too many concurrent updates")
	// ErrNotTrigger marks a message the narrator must not react to.
	ErrNotTrigger = errors.New("message is not a narrator trigger")
)

// NarratorStore is the narrator's view of the database. AI messages are
// posted through the RoomStore so they reach the change feed exactly like
// user messages.
type NarratorStore struct {
	db    *gorm.DB
	rooms *RoomStore
	now   func() time.Time
}

func NewNarratorStore(db *gorm.DB, rooms *RoomStore) *NarratorStore {
	return &NarratorStore{db: db, rooms: rooms, now: time.Now}
}

func (s *NarratorStore) World(ctx context.Context, id string) (*narrator.World, error) {
	var w World
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &narrator.World{
		ID:          w.ID,
		OwnerUserID: w.OwnerUserID,
		Name:        w.Name,
		Description: w.Description,
		Lore:        w.Lore,
	}, nil
}

func (s *NarratorStore) Room(ctx context.Context, id string) (*narrator.Room, error) {
	var r Room
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &narrator.Room{ID: r.ID, WorldID: r.WorldID, Name: r.Name, Description: r.Description}, nil
}

func narratorCharacter(c *Character) narrator.Character {
	return narrator.Character{
		ID:                c.ID,
		OwnerUserID:       c.OwnerUserID,
		Name:              c.Name,
		Bio:               c.Bio,
		SocialRank:        c.SocialRank,
		PersonalityTraits: []string(c.PersonalityTraits),
		SpawnKeywords:     []string(c.SpawnKeywords),
		IsTemporary:       c.IsTemporary,
	}
}

func (s *NarratorStore) AICharacters(ctx context.Context, worldID string, now time.Time) ([]narrator.Character, error) {
	var rows []Character
	if err := s.db.WithContext(ctx).
		Where("world_id = ? AND is_ai = ? AND is_active = ?", worldID, true, true).
		Where(s.db.Where("is_temporary = ?", false).Or("expires_at > ?", now.UTC())).
		Order("social_rank DESC").
		Order("name ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]narrator.Character, 0, len(rows))
	for i := range rows {
		out = append(out, narratorCharacter(&rows[i]))
	}
	return out, nil
}

func (s *NarratorStore) Character(ctx context.Context, id string) (*narrator.Character, error) {
	var c Character
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	out := narratorCharacter(&c)
	return &out, nil
}

func toMemory(r *RelationshipMemory) narrator.Memory {
	return narrator.Memory{
		AICharacterID:     r.AICharacterID,
		RelationshipType:  r.RelationshipType,
		TrustLevel:        r.TrustLevel,
		Notes:             append([]string(nil), r.MemoryNotes...),
		LastInteractionAt: r.LastInteractionAt,
	}
}

func (s *NarratorStore) Memories(ctx context.Context, worldID, userCharacterID string) ([]narrator.Memory, error) {
	var rows []RelationshipMemory
	if err := s.db.WithContext(ctx).
		Where("world_id = ? AND user_character_id = ?", worldID, userCharacterID).
		Order("last_interaction_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]narrator.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, toMemory(&rows[i]))
	}
	return out, nil
}

// RecentHistory returns the last limit room messages oldest first.
func (s *NarratorStore) RecentHistory(ctx context.Context, roomID string, limit int) ([]narrator.HistoryTurn, error) {
	return s.history(ctx, roomID, limit, nil)
}

func (s *NarratorStore) history(ctx context.Context, roomID string, limit int, before *RoomMessage) ([]narrator.HistoryTurn, error) {
	q := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", before.CreatedAt, before.CreatedAt, before.ID)
	}
	var desc []RoomMessage
	if err := q.Find(&desc).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(desc))
	for _, m := range desc {
		if m.SenderCharacterID != nil {
			ids = append(ids, *m.SenderCharacterID)
		}
	}
	senders, err := s.rooms.Senders(ctx, ids)
	if err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]narrator.HistoryTurn, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		m := desc[i]
		turn := narrator.HistoryTurn{Content: m.Content, Type: m.DisplayType}
		if m.SenderCharacterID != nil {
			turn.CharacterID = *m.SenderCharacterID
			turn.CharacterName = senders[*m.SenderCharacterID].Name
		}
		out = append(out, turn)
	}
	return out, nil
}

// RequestForMessage builds the narrator request for a persisted room
// message, with the history that preceded it. AI messages yield ErrNotTrigger.
func (s *NarratorStore) RequestForMessage(ctx context.Context, messageID string, historyLimit int) (*narrator.Request, error) {
	var m RoomMessage
	if err := s.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return nil, notFound(err)
	}
	if m.IsAI {
		return nil, ErrNotTrigger
	}
	var r Room
	if err := s.db.WithContext(ctx).First(&r, "id = ?", m.RoomID).Error; err != nil {
		return nil, notFound(err)
	}
	history, err := s.history(ctx, m.RoomID, historyLimit, &m)
	if err != nil {
		return nil, err
	}
	req := &narrator.Request{
		WorldID:        r.WorldID,
		RoomID:         r.ID,
		TriggerMessage: m.Content,
		MessageHistory: history,
	}
	if m.SenderCharacterID != nil {
		req.TriggerCharacterID = *m.SenderCharacterID
	}
	return req, nil
}

func (s *NarratorStore) CreateTemporaryCharacter(ctx context.Context, c narrator.TemporaryCharacter) (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	worldID, roomID := c.WorldID, c.RoomID
	expires := c.ExpiresAt.UTC()
	row := &Character{
		ID:                id,
		OwnerUserID:       c.OwnerUserID,
		WorldID:           &worldID,
		RoomID:            &roomID,
		Name:              c.Spec.Name,
		Bio:               c.Spec.Bio,
		IsAI:              true,
		IsTemporary:       true,
		SocialRank:        c.Spec.SocialRank,
		PersonalityTraits: datatypes.JSONSlice[string](c.Spec.PersonalityTraits),
		SpawnKeywords:     datatypes.JSONSlice[string]{},
		AvatarDescription: c.Spec.AvatarDescription,
		IsActive:          true,
		ExpiresAt:         &expires,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", err
	}
	return id, nil
}

func (s *NarratorStore) PostMessage(ctx context.Context, m narrator.AIMessage) (string, error) {
	dt, err := message.ParseDisplayType(m.DisplayType)
	if err != nil {
		dt = message.Dialogue
	}
	charID := m.CharacterID
	out, err := s.rooms.Create(ctx, conversation.Draft{
		Conversation:      message.ConversationRef{Kind: message.KindRoom, ID: m.RoomID},
		SenderUserID:      m.SenderUserID,
		SenderCharacterID: &charID,
		Content:           m.Content,
		DisplayType:       dt,
		IsAI:              true,
	})
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpsertMemory makes sure the row exists (insert-if-absent), then applies
// mutate as a compare-and-swap on the version column, retrying on conflict.
func (s *NarratorStore) UpsertMemory(ctx context.Context, key narrator.MemoryKey, mutate func(*narrator.Memory)) (*narrator.Memory, error) {
	db := s.db.WithContext(ctx)
	seed := &RelationshipMemory{
		WorldID:           key.WorldID,
		UserCharacterID:   key.UserCharacterID,
		AICharacterID:     key.AICharacterID,
		RelationshipType:  "neutral",
		MemoryNotes:       datatypes.JSONSlice[string]{},
		LastInteractionAt: s.now().UTC(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxMemoryCASAttempts; attempt++ {
		var row RelationshipMemory
		if err := db.Where("world_id = ? AND user_character_id = ? AND ai_character_id = ?",
			key.WorldID, key.UserCharacterID, key.AICharacterID).
			First(&row).Error; err != nil {
			return nil, err
		}

		next := toMemory(&row)
		mutate(&next)
		next.TrustLevel = narrator.ClampTrust(next.TrustLevel, 0)

		res := db.Model(&RelationshipMemory{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(map[string]any{
				"relationship_type":   next.RelationshipType,
				"trust_level":         next.TrustLevel,
				"memory_notes":        datatypes.JSONSlice[string](next.Notes),
				"last_interaction_at": next.LastInteractionAt.UTC(),
				"version":             row.Version + 1,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return &next, nil
		}
	}
	return nil, ErrMemoryContention
}

func (s *NarratorStore) InsertWorldEvent(ctx context.Context, e narrator.WorldEventInput) (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(&WorldEvent{
		ID:                 id,
		WorldID:            e.WorldID,
		RoomID:             e.RoomID,
		TriggerCharacterID: e.TriggerCharacterID,
		Content:            e.Content,
		CreatedAt:          s.now().UTC(),
	}).Error; err != nil {
		return "", err
	}
	return id, nil
}

// DeactivateExpired switches off temporary characters past their TTL.
func (s *NarratorStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Character{}).
		Where("is_temporary = ? AND is_active = ? AND expires_at <= ?", true, true, now.UTC()).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}
