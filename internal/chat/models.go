package chat

import (
	"time"

	"gorm.io/datatypes"
)

type World struct {
	ID          string    `gorm:"primaryKey;size:26" json:"id"`
	OwnerUserID uint64    `gorm:"index;not null" json:"owner_user_id"`
	Name        string    `gorm:"type:varchar(128);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Lore        string    `gorm:"type:text" json:"lore"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Room struct {
	ID          string    `gorm:"primaryKey;size:26" json:"id"`
	WorldID     string    `gorm:"size:26;index;not null" json:"world_id"`
	Name        string    `gorm:"type:varchar(128);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Position    int       `gorm:"not null;default:0" json:"position"`
	StaffOnly   bool      `gorm:"not null;default:false" json:"staff_only"`
	CreatedAt   time.Time `json:"created_at"`
}

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type RoomMember struct {
	RoomID    string     `gorm:"primaryKey;size:26"`
	UserID    uint64     `gorm:"primaryKey"`
	Role      MemberRole `gorm:"type:varchar(16);not null;default:'member'"`
	CreatedAt time.Time
}

// Character covers user-played characters and AI characters. AI characters
// are either configured (durable) or temporary (created by the narrator and
// expiring at ExpiresAt, scoped to one world and room).
type Character struct {
	ID                string                      `gorm:"primaryKey;size:26" json:"id"`
	OwnerUserID       uint64                      `gorm:"index;not null" json:"owner_user_id"`
	WorldID           *string                     `gorm:"size:26;index" json:"world_id,omitempty"`
	RoomID            *string                     `gorm:"size:26" json:"room_id,omitempty"`
	Name              string                      `gorm:"type:varchar(128);not null" json:"name"`
	AvatarURL         string                      `gorm:"type:varchar(512)" json:"avatar_url"`
	Bio               string                      `gorm:"type:text" json:"bio"`
	IsAI              bool                        `gorm:"not null;default:false;index" json:"is_ai"`
	IsTemporary       bool                        `gorm:"not null;default:false" json:"is_temporary"`
	SocialRank        int                         `gorm:"not null;default:0" json:"social_rank"`
	PersonalityTraits datatypes.JSONSlice[string] `json:"personality_traits"`
	SpawnKeywords     datatypes.JSONSlice[string] `json:"spawn_keywords"`
	AvatarDescription string                      `gorm:"type:text" json:"avatar_description,omitempty"`
	IsActive          bool                        `gorm:"not null;default:true" json:"is_active"`
	ExpiresAt         *time.Time                  `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
}

type RoomMessage struct {
	ID                string     `gorm:"primaryKey;size:26" json:"id"`
	RoomID            string     `gorm:"size:26;not null;index:idx_room_msg_room_created,priority:1" json:"room_id"`
	SenderUserID      uint64     `gorm:"not null;index" json:"sender_user_id"`
	SenderCharacterID *string    `gorm:"size:26" json:"sender_character_id,omitempty"`
	Content           string     `gorm:"type:text;not null" json:"content"`
	DisplayType       string     `gorm:"type:varchar(16);not null;default:'dialogue'" json:"display_type"`
	AttachmentURL     *string    `gorm:"type:varchar(512)" json:"attachment_url,omitempty"`
	ReplyToID         *string    `gorm:"size:26" json:"reply_to_id,omitempty"`
	IsAI              bool       `gorm:"not null;default:false" json:"is_ai"`
	ClientID          *string    `gorm:"type:varchar(64);uniqueIndex" json:"client_id,omitempty"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	CreatedAt         time.Time  `gorm:"index:idx_room_msg_room_created,priority:2" json:"created_at"`
}

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// Friendship is a two-party DM conversation. UserLowID/UserHighID hold the
// participants in sorted order so the unordered pair is unique.
type Friendship struct {
	ID             string           `gorm:"primaryKey;size:26" json:"id"`
	RequesterID    uint64           `gorm:"not null" json:"requester_id"`
	AddresseeID    uint64           `gorm:"not null" json:"addressee_id"`
	UserLowID      uint64           `gorm:"not null;uniqueIndex:uniq_friend_pair,priority:1" json:"-"`
	UserHighID     uint64           `gorm:"not null;uniqueIndex:uniq_friend_pair,priority:2" json:"-"`
	Status         FriendshipStatus `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	StarterMessage *string          `gorm:"type:text" json:"starter_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (f *Friendship) Includes(userID uint64) bool {
	return f.RequesterID == userID || f.AddresseeID == userID
}

type DirectMessage struct {
	ID                string     `gorm:"primaryKey;size:26" json:"id"`
	FriendshipID      string     `gorm:"size:26;not null;index:idx_dm_friend_created,priority:1" json:"friendship_id"`
	SenderUserID      uint64     `gorm:"not null;index" json:"sender_user_id"`
	SenderCharacterID *string    `gorm:"size:26" json:"sender_character_id,omitempty"`
	Content           string     `gorm:"type:text;not null" json:"content"`
	DisplayType       string     `gorm:"type:varchar(16)" json:"display_type"`
	AttachmentURL     *string    `gorm:"type:varchar(512)" json:"attachment_url,omitempty"`
	ReplyToID         *string    `gorm:"size:26" json:"reply_to_id,omitempty"`
	IsRead            bool       `gorm:"not null;default:false;index" json:"is_read"`
	ClientID          *string    `gorm:"type:varchar(64);uniqueIndex" json:"client_id,omitempty"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	CreatedAt         time.Time  `gorm:"index:idx_dm_friend_created,priority:2" json:"created_at"`
}

type Notification struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"user_id"`
	Type        string    `gorm:"type:varchar(32);not null" json:"type"`
	ReferenceID string    `gorm:"type:varchar(64);index" json:"reference_id"`
	Message     string    `gorm:"type:text" json:"message"`
	IsRead      bool      `gorm:"not null;default:false;index" json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	NotificationDirectMessage = "direct_message"
	NotificationModeration    = "moderation"
)

// RelationshipMemory is what an AI character remembers about one player
// character in one world. Version guards compare-and-swap updates.
type RelationshipMemory struct {
	ID                uint64                      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorldID           string                      `gorm:"size:26;not null;uniqueIndex:uniq_memory_key,priority:1" json:"world_id"`
	UserCharacterID   string                      `gorm:"size:26;not null;uniqueIndex:uniq_memory_key,priority:2" json:"user_character_id"`
	AICharacterID     string                      `gorm:"size:26;not null;uniqueIndex:uniq_memory_key,priority:3" json:"ai_character_id"`
	RelationshipType  string                      `gorm:"type:varchar(64);not null;default:'neutral'" json:"relationship_type"`
	TrustLevel        int                         `gorm:"not null;default:0" json:"trust_level"`
	MemoryNotes       datatypes.JSONSlice[string] `json:"memory_notes"`
	Version           int64                       `gorm:"not null;default:0" json:"-"`
	LastInteractionAt time.Time                   `json:"last_interaction_at"`
}

type WorldEvent struct {
	ID                 string    `gorm:"primaryKey;size:26" json:"id"`
	WorldID            string    `gorm:"size:26;index;not null" json:"world_id"`
	RoomID             string    `gorm:"size:26;index;not null" json:"room_id"`
	TriggerCharacterID string    `gorm:"size:26" json:"trigger_character_id"`
	Content            string    `gorm:"type:text;not null" json:"content"`
	CreatedAt          time.Time `json:"created_at"`
}

type UserTimeout struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"not null;index:idx_timeout_user_scope,priority:1"`
	Scope     string    `gorm:"type:varchar(64);not null;index:idx_timeout_user_scope,priority:2"`
	Reason    string    `gorm:"type:text"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

type AuditLog struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement"`
	ActorUserID uint64            `gorm:"index"`
	Action      string            `gorm:"type:varchar(64);not null"`
	Details     datatypes.JSONMap `gorm:"type:json"`
	CreatedAt   time.Time
}

// Migrate creates or updates every table the chat and narrator layers use.
func Migrate(db interface{ AutoMigrate(...any) error }) error {
	return db.AutoMigrate(
		&World{}, &Room{}, &RoomMember{}, &Character{},
		&RoomMessage{}, &Friendship{}, &DirectMessage{}, &Notification{},
		&RelationshipMemory{}, &WorldEvent{}, &UserTimeout{}, &AuditLog{},
		&NarratorJob{},
	)
}
