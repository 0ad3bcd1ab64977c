package chat

import (
	"context"
	"time"

	"github.com/4xmen/kanal/internal/models"
)

// ChannelLookup resolves a channel by id; ok is false when it does not exist.
type ChannelLookup func(id uint64) (ch models.Channel, ok bool)

// IsAuthorized decides whether requester may read msg at now. An expired
// message is never readable. Otherwise the author, any identity the message
// is shared with, and members of the message's channel (when that channel is
// encrypted) are allowed.
func IsAuthorized(msg models.EncryptedMessage, requester string, now time.Time, lookup ChannelLookup) bool {
	if msg.IsExpired(now) {
		return false
	}
	if requester == msg.Author {
		return true
	}
	if msg.IsSharedWith(requester) {
		return true
	}
	if msg.ChannelID != nil && lookup != nil {
		if ch, ok := lookup(*msg.ChannelID); ok && ch.IsEncrypted && ch.HasMember(requester) {
			return true
		}
	}
	return false
}

// authorized evaluates IsAuthorized against the current store. Callers hold s.mu.
func (s *Service) authorized(ctx context.Context, msg models.EncryptedMessage, requester string, now time.Time) (bool, error) {
	var (
		ch    models.Channel
		found bool
	)
	if msg.ChannelID != nil {
		var err error
		ch, found, err = s.store.Channels.Get(ctx, *msg.ChannelID)
		if err != nil {
			return false, err
		}
	}

	return IsAuthorized(msg, requester, now, func(uint64) (models.Channel, bool) {
		return ch, found
	}), nil
}

// loadAuthorized returns the message when it exists and requester may read it.
func (s *Service) loadAuthorized(ctx context.Context, id uint64, requester string, now time.Time) (models.EncryptedMessage, bool, error) {
	msg, ok, err := s.store.EncryptedMessages.Get(ctx, id)
	if err != nil || !ok {
		return msg, false, err
	}
	allowed, err := s.authorized(ctx, msg, requester, now)
	if err != nil || !allowed {
		return msg, false, err
	}
	return msg, true, nil
}
