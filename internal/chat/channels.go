package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/kv"
	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/internal/store"
)

const (
	MaxChannelNameLength = 100

	encryptedPrefix = "🔒 "
	protectedPrefix = "🔒🔑 "
)

func validateChannelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("channel name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxChannelNameLength {
		return "", invalid(fmt.Sprintf("channel name cannot exceed %d characters", MaxChannelNameLength))
	}
	return name, nil
}

// redact strips the password hash from a channel handed to callers.
func redact(ch models.Channel) models.Channel {
	ch.PasswordHash = nil
	return ch
}

func (s *Service) CreateChannel(ctx context.Context, caller, name string, description *string) (models.Channel, error) {
	name, err := validateChannelName(name)
	if err != nil {
		return models.Channel{}, err
	}
	return s.createChannel(ctx, "chat.CreateChannel", caller, models.Channel{
		Name:        name,
		Description: trimOptional(description),
	})
}

// CreateEncryptedChannel creates a channel whose members can read each other's
// encrypted messages. A non-empty password makes joining require it.
func (s *Service) CreateEncryptedChannel(ctx context.Context, caller, name string, description, password *string) (models.Channel, error) {
	name, err := validateChannelName(name)
	if err != nil {
		return models.Channel{}, err
	}

	ch := models.Channel{
		Name:        encryptedPrefix + name,
		Description: trimOptional(description),
		IsEncrypted: true,
	}
	// A blank password leaves the channel unprotected.
	if pw := trimOptional(password); pw != nil {
		hash, err := s.hasher.Hash(*pw)
		if err != nil {
			return models.Channel{}, fmt.Errorf("chat.CreateEncryptedChannel: hash password: %w", err)
		}
		ch.Name = protectedPrefix + name
		ch.PasswordHash = &hash
	}
	return s.createChannel(ctx, "chat.CreateEncryptedChannel", caller, ch)
}

func (s *Service) createChannel(ctx context.Context, op, caller string, ch models.Channel) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered, err := s.isRegistered(ctx, caller)
	if err != nil {
		return models.Channel{}, fmt.Errorf("%s: %w", op, err)
	}
	if !registered {
		return models.Channel{}, notAuthorized("only registered users can create channels")
	}

	id, err := s.store.ChannelIDs.Next(ctx)
	if err != nil {
		return models.Channel{}, fmt.Errorf("%s: allocate id: %w", op, err)
	}
	ch.ID = id
	ch.CreatedBy = caller
	ch.CreatedAt = s.now()
	ch.Members = []string{caller}

	if _, _, err := s.store.Channels.Insert(ctx, id, ch); err != nil {
		return models.Channel{}, fmt.Errorf("%s: %w", op, err)
	}

	s.log(ctx).Info("channel created",
		zap.Uint64("channel_id", id),
		zap.String("created_by", caller),
		zap.Bool("encrypted", ch.IsEncrypted),
		zap.Bool("protected", ch.PasswordHash != nil),
	)
	return redact(ch), nil
}

// JoinChannel adds caller to the channel's members. Joining twice is a no-op.
func (s *Service) JoinChannel(ctx context.Context, caller string, id uint64, password *string) error {
	const op = "chat.JoinChannel"

	s.mu.Lock()
	registered, err := s.isRegistered(ctx, caller)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	ch, ok, err := s.store.Channels.Get(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !registered {
		return notAuthorized("only registered users can join channels")
	}
	if !ok {
		return ErrChannelNotFound
	}

	// Verified without the lock; the stored hash is never rotated.
	if ch.PasswordHash != nil {
		if password == nil || !s.hasher.Verify(*password, *ch.PasswordHash) {
			return ErrInvalidPassword
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.store.Channels.Update(ctx, id, func(c *models.Channel) error {
		c.Members = appendMember(c.Members, caller)
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrChannelNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteChannel removes a channel on behalf of its creator or the admin.
// General can never be deleted. Messages posted to the channel are kept.
func (s *Service) DeleteChannel(ctx context.Context, caller string, id uint64) error {
	return s.deleteChannel(ctx, "chat.DeleteChannel", id, func(ch models.Channel) bool {
		return caller == ch.CreatedBy || s.IsAdmin(caller)
	})
}

// ForceDeleteChannel removes any channel but General. Admin only.
func (s *Service) ForceDeleteChannel(ctx context.Context, caller string, id uint64) error {
	if !s.IsAdmin(caller) {
		return notAuthorized("only the administrator can force delete channels")
	}
	return s.deleteChannel(ctx, "chat.ForceDeleteChannel", id, func(models.Channel) bool {
		return true
	})
}

// IsAdmin reports whether identity is the configured administrator.
func (s *Service) IsAdmin(identity string) bool {
	return s.admin != "" && identity == s.admin
}

func (s *Service) deleteChannel(ctx context.Context, op string, id uint64, allowed func(models.Channel) bool) error {
	if id == store.GeneralChannelID {
		return notAuthorized("the general channel cannot be deleted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok, err := s.store.Channels.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return ErrChannelNotFound
	}
	if !allowed(ch) {
		return notAuthorized("only the channel creator can delete it")
	}

	if _, _, err := s.store.Channels.Remove(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log(ctx).Info("channel deleted", zap.Uint64("channel_id", id))
	return nil
}

func (s *Service) GetChannel(ctx context.Context, id uint64) (models.Channel, error) {
	const op = "chat.GetChannel"

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok, err := s.store.Channels.Get(ctx, id)
	if err != nil {
		return models.Channel{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return models.Channel{}, ErrChannelNotFound
	}
	return redact(ch), nil
}

func (s *Service) GetAllChannels(ctx context.Context) ([]models.Channel, error) {
	const op = "chat.GetAllChannels"

	s.mu.Lock()
	defer s.mu.Unlock()

	channels, err := s.store.Channels.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range channels {
		channels[i] = redact(channels[i])
	}
	return channels, nil
}

// RepairGeneralChannel recreates General if it is missing and adds the
// anonymous identity and every registered user to its members. It returns
// the identities that were missing. With dryRun nothing is written.
func (s *Service) RepairGeneralChannel(ctx context.Context, dryRun bool) ([]string, error) {
	const op = "chat.RepairGeneralChannel"

	s.mu.Lock()
	defer s.mu.Unlock()

	general, ok, err := s.store.Channels.Get(ctx, store.GeneralChannelID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		general = store.NewGeneralChannel(s.now())
	}

	var missing []string
	if !general.HasMember(store.AnonymousIdentity) {
		missing = append(missing, store.AnonymousIdentity)
	}
	err = s.store.Users.Iterate(ctx, func(identity string, _ models.User) error {
		if !general.HasMember(identity) {
			missing = append(missing, identity)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if dryRun || (ok && len(missing) == 0) {
		return missing, nil
	}

	for _, identity := range missing {
		general.Members = appendMember(general.Members, identity)
	}
	if _, _, err := s.store.Channels.Insert(ctx, store.GeneralChannelID, general); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log(ctx).Info("general channel repaired",
		zap.Bool("recreated", !ok),
		zap.Int("added_members", len(missing)),
	)
	return missing, nil
}
