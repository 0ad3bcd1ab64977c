package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/models"
)

// MaxShares bounds the number of identities an encrypted message is shared with.
const MaxShares = 50

var errNoDeriver = errors.New("no key deriver configured")

func messageContext(id uint64) []byte {
	return []byte(fmt.Sprintf("message_%d", id))
}

// CreateEncryptedMessage seals req.Content and stores it for
// models.EncryptedMessageTTL. A channel, when given, must be encrypted and
// contain the caller.
func (s *Service) CreateEncryptedMessage(ctx context.Context, caller string, req SendMessageRequest) (uint64, error) {
	const op = "chat.CreateEncryptedMessage"

	if err := req.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	err := s.checkEncryptedSender(ctx, op, caller, req.ChannelID)
	var id uint64
	if err == nil {
		id, err = s.store.MessageIDs.Next(ctx)
		if err != nil {
			err = fmt.Errorf("%s: allocate id: %w", op, err)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	sealed, err := s.envelope.Seal(ctx, id, req.Content)
	if err != nil {
		return 0, derivationFailed(err)
	}

	s.mu.Lock()
	msg, recipients, err := s.persistEncrypted(ctx, op, caller, id, sealed, req)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.notify(ctx, Event{
		Type:      EventEncryptedMessage,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Author:    caller,
	}, recipients)
	return id, nil
}

// checkEncryptedSender runs before and after sealing. Callers hold s.mu.
func (s *Service) checkEncryptedSender(ctx context.Context, op, caller string, channelID *uint64) error {
	registered, err := s.isRegistered(ctx, caller)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !registered {
		return notAuthorized("only registered users can send encrypted messages")
	}
	if channelID == nil {
		return nil
	}

	ch, ok, err := s.store.Channels.Get(ctx, *channelID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok || !ch.HasMember(caller) {
		return notAuthorized("not a member of this channel")
	}
	if !ch.IsEncrypted {
		return invalid("channel is not encrypted")
	}
	return nil
}

// persistEncrypted writes the message and then its owner index entry.
// Callers hold s.mu.
func (s *Service) persistEncrypted(ctx context.Context, op, caller string, id uint64, sealed string, req SendMessageRequest) (models.EncryptedMessage, []string, error) {
	if err := s.checkEncryptedSender(ctx, op, caller, req.ChannelID); err != nil {
		return models.EncryptedMessage{}, nil, err
	}

	now := s.now()
	msg := models.EncryptedMessage{
		ID:               id,
		EncryptedContent: sealed,
		Author:           caller,
		CreatedAt:        now,
		ExpiresAt:        now.Add(models.EncryptedMessageTTL),
		ChannelID:        req.ChannelID,
		ReplyTo:          req.ReplyTo,
		Kind:             req.Kind,
		SharedWith:       []string{},
		Attachments:      req.Attachments,
	}
	if _, _, err := s.store.EncryptedMessages.Insert(ctx, id, msg); err != nil {
		return msg, nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Owners.Add(ctx, caller, id); err != nil {
		return msg, nil, fmt.Errorf("%s: owner index: %w", op, err)
	}
	if err := s.touchUser(ctx, caller); err != nil {
		return msg, nil, fmt.Errorf("%s: %w", op, err)
	}

	recipients := []string{}
	if req.ChannelID != nil {
		ch, _, err := s.store.Channels.Get(ctx, *req.ChannelID)
		if err != nil {
			return msg, nil, fmt.Errorf("%s: %w", op, err)
		}
		recipients = othersIn(ch, caller)
	}

	s.log(ctx).Debug("encrypted message stored",
		zap.Uint64("message_id", id),
		zap.String("author", caller),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return msg, recipients, nil
}

// ShareEncryptedMessage lets target read the caller's message. Sharing with
// someone already on the list does nothing.
func (s *Service) ShareEncryptedMessage(ctx context.Context, caller string, id uint64, target string) error {
	const op = "chat.ShareEncryptedMessage"

	target = strings.TrimSpace(target)
	if target == "" {
		return invalid("share target cannot be empty")
	}

	s.mu.Lock()
	shared, err := s.share(ctx, op, caller, id, target)
	s.mu.Unlock()
	if err != nil || !shared {
		return err
	}

	s.notify(ctx, Event{
		Type:      EventEncryptedShared,
		MessageID: id,
		Author:    caller,
	}, []string{target})
	return nil
}

// share appends target to the message and then indexes it. Callers hold s.mu.
func (s *Service) share(ctx context.Context, op, caller string, id uint64, target string) (bool, error) {
	msg, ok, err := s.store.EncryptedMessages.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok || msg.IsExpired(s.now()) {
		return false, ErrNotFound
	}
	if msg.Author != caller {
		return false, notAuthorized("only the author can share a message")
	}
	if target == msg.Author {
		return false, invalid("cannot share a message with its author")
	}
	if len(msg.SharedWith) >= MaxShares {
		return false, invalid(fmt.Sprintf("a message can be shared with at most %d users", MaxShares))
	}
	if msg.IsSharedWith(target) {
		return false, nil
	}

	_, err = s.store.EncryptedMessages.Update(ctx, id, func(m *models.EncryptedMessage) error {
		m.SharedWith = append(m.SharedWith, target)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Shares.Add(ctx, target, id); err != nil {
		return false, fmt.Errorf("%s: share index: %w", op, err)
	}
	return true, nil
}

// DeleteEncryptedMessage removes the caller's message and its index entries.
func (s *Service) DeleteEncryptedMessage(ctx context.Context, caller string, id uint64) error {
	const op = "chat.DeleteEncryptedMessage"

	s.mu.Lock()
	msg, ok, err := s.store.EncryptedMessages.Get(ctx, id)
	if err == nil && ok && msg.Author == caller {
		err = s.removeEncrypted(ctx, msg)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return ErrNotFound
	}
	if msg.Author != caller {
		return notAuthorized("only the author can delete a message")
	}

	s.notify(ctx, Event{
		Type:      EventEncryptedDeleted,
		MessageID: id,
		ChannelID: msg.ChannelID,
		Author:    caller,
	}, msg.SharedWith)
	return nil
}

// removeEncrypted strips msg from the owner and share indices, then deletes
// it. Explicit deletion and the sweeper both go through here. Callers hold s.mu.
func (s *Service) removeEncrypted(ctx context.Context, msg models.EncryptedMessage) error {
	if err := s.store.Owners.Remove(ctx, msg.Author, msg.ID); err != nil {
		return fmt.Errorf("owner index: %w", err)
	}
	for _, identity := range msg.SharedWith {
		if err := s.store.Shares.Remove(ctx, identity, msg.ID); err != nil {
			return fmt.Errorf("share index: %w", err)
		}
	}
	if _, _, err := s.store.EncryptedMessages.Remove(ctx, msg.ID); err != nil {
		return err
	}
	return nil
}

// GetEncryptedMessages lists the unexpired messages the caller wrote or was
// given, newest first.
func (s *Service) GetEncryptedMessages(ctx context.Context, caller string) ([]models.EncryptedMessage, error) {
	const op = "chat.GetEncryptedMessages"

	s.mu.Lock()
	defer s.mu.Unlock()

	owned, err := s.store.Owners.IDs(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	shared, err := s.store.Shares.IDs(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	seen := make(map[uint64]struct{}, len(owned)+len(shared))
	result := []models.EncryptedMessage{}
	for _, id := range append(owned, shared...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		// Index entries may outlive their message; a missing lookup is absent.
		msg, ok, err := s.loadAuthorized(ctx, id, caller, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			result = append(result, msg)
		}
	}
	sortEncryptedNewestFirst(result)
	return result, nil
}

// GetEncryptedMessagesFromChannel returns the sealed form of every unexpired
// message in an encrypted channel. Reading ciphertext needs no membership.
func (s *Service) GetEncryptedMessagesFromChannel(ctx context.Context, channelID uint64) ([]models.EncryptedMessage, error) {
	const op = "chat.GetEncryptedMessagesFromChannel"

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok, err := s.store.Channels.Get(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, ErrChannelNotFound
	}
	result := []models.EncryptedMessage{}
	if !ch.IsEncrypted {
		return result, nil
	}

	now := s.now()
	err = s.store.EncryptedMessages.Iterate(ctx, func(_ uint64, m models.EncryptedMessage) error {
		if m.ChannelID != nil && *m.ChannelID == channelID && !m.IsExpired(now) {
			result = append(result, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sortEncryptedNewestFirst(result)
	return result, nil
}

// DecryptEncryptedMessage opens a message the caller may read. A message
// that does not exist and one the caller may not read are reported the same way.
func (s *Service) DecryptEncryptedMessage(ctx context.Context, caller string, id uint64) (string, error) {
	const op = "chat.DecryptEncryptedMessage"

	s.mu.Lock()
	msg, ok, err := s.loadAuthorized(ctx, id, caller, s.now())
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", notAuthorized("message not found or access denied")
	}

	plaintext, err := s.envelope.Open(ctx, id, msg.EncryptedContent)
	if err != nil {
		return "", derivationFailed(err)
	}

	s.mu.Lock()
	_, ok, err = s.loadAuthorized(ctx, id, caller, s.now())
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", notAuthorized("message not found or access denied")
	}
	return plaintext, nil
}

// DecryptChannelMessages opens every message of an encrypted channel the
// caller belongs to. Non-members and plaintext channels get an empty list.
// Messages that fail to open are skipped.
func (s *Service) DecryptChannelMessages(ctx context.Context, caller string, channelID uint64) ([]models.MessageWithAuthor, error) {
	const op = "chat.DecryptChannelMessages"

	pending, names, err := s.readableInChannel(ctx, caller, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	opened := make(map[uint64]string, len(pending))
	for _, m := range pending {
		plaintext, err := s.envelope.Open(ctx, m.ID, m.EncryptedContent)
		if err != nil {
			s.log(ctx).Warn("failed to open message", zap.Uint64("message_id", m.ID), zap.Error(err))
			continue
		}
		opened[m.ID] = plaintext
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := []models.MessageWithAuthor{}
	for _, m := range pending {
		plaintext, ok := opened[m.ID]
		if !ok {
			continue
		}
		if _, still, err := s.loadAuthorized(ctx, m.ID, caller, now); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		} else if !still {
			continue
		}
		result = append(result, models.MessageWithAuthor{
			ID:          m.ID,
			Author:      m.Author,
			AuthorName:  names[m.Author],
			Content:     plaintext,
			Timestamp:   m.CreatedAt,
			ChannelID:   m.ChannelID,
			ReplyTo:     m.ReplyTo,
			Kind:        m.Kind,
			Attachments: m.Attachments,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Service) readableInChannel(ctx context.Context, caller string, channelID uint64) ([]models.EncryptedMessage, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok, err := s.store.Channels.Get(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if !ok || !ch.IsEncrypted || !ch.HasMember(caller) {
		return nil, nil, nil
	}

	now := s.now()
	lookup := func(uint64) (models.Channel, bool) { return ch, true }
	var pending []models.EncryptedMessage
	names := make(map[string]string)
	err = s.store.EncryptedMessages.Iterate(ctx, func(_ uint64, m models.EncryptedMessage) error {
		if m.ChannelID == nil || *m.ChannelID != channelID || !IsAuthorized(m, caller, now, lookup) {
			return nil
		}
		pending = append(pending, m)
		if _, seen := names[m.Author]; !seen {
			name, err := s.displayName(ctx, m.Author)
			if err != nil {
				return err
			}
			names[m.Author] = name
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pending, names, nil
}

func sortEncryptedNewestFirst(msgs []models.EncryptedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// PublicKey returns the derivation service's verification key.
func (s *Service) PublicKey(ctx context.Context) ([]byte, error) {
	if s.deriver == nil {
		return nil, derivationFailed(errNoDeriver)
	}
	key, err := s.deriver.PublicKey(ctx)
	if err != nil {
		return nil, derivationFailed(err)
	}
	return key, nil
}

// DeriveMessageKey returns key material for message id, sealed to
// transportKey, when the caller may read the message.
func (s *Service) DeriveMessageKey(ctx context.Context, caller string, id uint64, transportKey []byte) ([]byte, error) {
	const op = "chat.DeriveMessageKey"

	if s.deriver == nil {
		return nil, derivationFailed(errNoDeriver)
	}

	s.mu.Lock()
	_, ok, err := s.loadAuthorized(ctx, id, caller, s.now())
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, notAuthorized("message not found or access denied")
	}

	key, err := s.deriver.DeriveKey(ctx, messageContext(id), transportKey)
	if err != nil {
		return nil, derivationFailed(err)
	}

	// The message may have expired, been deleted or lost its share while
	// the derivation was in flight.
	s.mu.Lock()
	_, ok, err = s.loadAuthorized(ctx, id, caller, s.now())
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, notAuthorized("message not found or access denied")
	}
	return key, nil
}
