package chat

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
)

var ErrSelfFriendship = errors.New("cannot befriend yourself")

func orderedPair(a, b uint64) (uint64, uint64) {
	if a < b {
		return a, b
	}
	return b, a
}

// RequestFriendship opens a pending friendship, or returns the existing row
// for the unordered pair. created reports whether a new row was written.
func (s *DirectStore) RequestFriendship(ctx context.Context, requesterID, addresseeID uint64, starter string) (*Friendship, bool, error) {
	if requesterID == addresseeID {
		return nil, false, ErrSelfFriendship
	}
	low, high := orderedPair(requesterID, addresseeID)

	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	f := &Friendship{
		ID:          id,
		RequesterID: requesterID,
		AddresseeID: addresseeID,
		UserLowID:   low,
		UserHighID:  high,
		Status:      FriendshipPending,
	}
	if starter = strings.TrimSpace(starter); starter != "" {
		f.StarterMessage = &starter
	}

	createErr := s.db.WithContext(ctx).Create(f).Error
	if createErr == nil {
		return f, true, nil
	}

	var existing Friendship
	if err := s.db.WithContext(ctx).
		Where("user_low_id = ? AND user_high_id = ?", low, high).
		First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, createErr
		}
		return nil, false, err
	}
	return &existing, false, nil
}

// RespondFriendship lets the addressee accept or reject a pending request.
func (s *DirectStore) RespondFriendship(ctx context.Context, id string, userID uint64, accept bool) (*Friendship, error) {
	f, err := s.friendship(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.AddresseeID != userID {
		if f.RequesterID == userID {
			return nil, conversation.ErrForbidden
		}
		return nil, conversation.ErrNotFound
	}
	if f.Status != FriendshipPending {
		return f, nil
	}

	status := FriendshipRejected
	if accept {
		status = FriendshipAccepted
	}
	if err := s.db.WithContext(ctx).Model(f).
		Where("status = ?", FriendshipPending).
		Update("status", status).Error; err != nil {
		return nil, err
	}
	f.Status = status
	return f, nil
}
