package narrator

import (
	"context"
	"time"
)

// HistoryTurn is one prior room message handed to the narrator as context.
type HistoryTurn struct {
	Content       string `json:"content"`
	CharacterName string `json:"characterName"`
	CharacterID   string `json:"characterId"`
	Type          string `json:"type"`
}

// Request is the narrator invocation input.
type Request struct {
	WorldID            string        `json:"worldId" binding:"required"`
	RoomID             string        `json:"roomId" binding:"required"`
	TriggerMessage     string        `json:"triggerMessage" binding:"required"`
	TriggerCharacterID string        `json:"triggerCharacterId"`
	MessageHistory     []HistoryTurn `json:"messageHistory"`
}

// PlannedResponse is one line an AI character should say.
type PlannedResponse struct {
	CharacterID    *string `json:"characterId"`
	CharacterName  string  `json:"characterName"`
	Content        string  `json:"content"`
	Type           string  `json:"type"`
	IsNewCharacter bool    `json:"isNewCharacter"`
}

type NewCharacter struct {
	Name              string   `json:"name"`
	Bio               string   `json:"bio"`
	SocialRank        int      `json:"socialRank"`
	PersonalityTraits []string `json:"personalityTraits"`
	AvatarDescription string   `json:"avatarDescription"`
}

type MemoryUpdate struct {
	RelationshipChange *string `json:"relationshipChange"`
	TrustChange        int     `json:"trustChange"`
	MemoryNote         *string `json:"memoryNote"`
}

// Plan is the action plan the oracle returns.
type Plan struct {
	ShouldRespond bool              `json:"shouldRespond"`
	Responses     []PlannedResponse `json:"responses"`
	NewCharacter  *NewCharacter     `json:"newCharacter"`
	MemoryUpdate  *MemoryUpdate     `json:"memoryUpdate"`
	WorldEvent    *string           `json:"worldEvent"`
}

// Result is the plan as executed. MessageIDs lists the room messages that
// were actually posted; effects that failed are absent from it.
type Result struct {
	Plan
	NewCharacterID *string  `json:"newCharacterId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

func noResponse() *Result {
	return &Result{Plan: Plan{ShouldRespond: false, Responses: []PlannedResponse{}}}
}

type World struct {
	ID          string
	OwnerUserID uint64
	Name        string
	Description string
	Lore        string
}

type Room struct {
	ID          string
	WorldID     string
	Name        string
	Description string
}

// Character is an AI or player character as the narrator sees it.
type Character struct {
	ID                string
	OwnerUserID       uint64
	Name              string
	Bio               string
	SocialRank        int
	PersonalityTraits []string
	SpawnKeywords     []string
	IsTemporary       bool
}

type Memory struct {
	AICharacterID     string
	RelationshipType  string
	TrustLevel        int
	Notes             []string
	LastInteractionAt time.Time
}

type MemoryKey struct {
	WorldID         string
	UserCharacterID string
	AICharacterID   string
}

type TemporaryCharacter struct {
	WorldID     string
	RoomID      string
	OwnerUserID uint64
	Spec        NewCharacter
	ExpiresAt   time.Time
}

// AIMessage is a room message posted on behalf of an AI character.
type AIMessage struct {
	RoomID       string
	SenderUserID uint64
	CharacterID  string
	Content      string
	DisplayType  string
}

type WorldEventInput struct {
	WorldID            string
	RoomID             string
	TriggerCharacterID string
	Content            string
}

// Store is everything the orchestrator reads and writes.
type Store interface {
	World(ctx context.Context, id string) (*World, error)
	Room(ctx context.Context, id string) (*Room, error)
	// AICharacters returns the world's active configured characters plus its
	// temporary characters that have not expired at now.
	AICharacters(ctx context.Context, worldID string, now time.Time) ([]Character, error)
	Character(ctx context.Context, id string) (*Character, error)
	Memories(ctx context.Context, worldID, userCharacterID string) ([]Memory, error)
	RecentHistory(ctx context.Context, roomID string, limit int) ([]HistoryTurn, error)

	CreateTemporaryCharacter(ctx context.Context, c TemporaryCharacter) (string, error)
	PostMessage(ctx context.Context, m AIMessage) (string, error)
	// UpsertMemory inserts the row for key when absent, then applies mutate
	// atomically with respect to concurrent upserts of the same key.
	UpsertMemory(ctx context.Context, key MemoryKey, mutate func(*Memory)) (*Memory, error)
	InsertWorldEvent(ctx context.Context, e WorldEventInput) (string, error)
}
