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

const MaxUsernameLength = 50

func validateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("username cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", invalid(fmt.Sprintf("username cannot exceed %d characters", MaxUsernameLength))
	}
	return name, nil
}

// trimOptional trims v and maps an empty result to nil.
func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func validIdentity(identity string) bool {
	return identity != "" && identity != store.AnonymousIdentity
}

// RegisterUser creates the caller's profile and adds them to General.
func (s *Service) RegisterUser(ctx context.Context, caller, username string, bio *string) (models.User, error) {
	const op = "chat.RegisterUser"

	if !validIdentity(caller) {
		return models.User{}, notAuthorized("anonymous callers cannot register")
	}
	name, err := validateUsername(username)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.store.Users.Contains(ctx, caller)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return models.User{}, ErrUserAlreadyExists
	}

	now := s.now()
	user := models.User{
		Identity:   caller,
		Username:   name,
		Bio:        trimOptional(bio),
		JoinedAt:   now,
		LastActive: now,
	}
	if _, _, err := s.store.Users.Insert(ctx, caller, user); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.store.Channels.Update(ctx, store.GeneralChannelID, func(ch *models.Channel) error {
		ch.Members = appendMember(ch.Members, caller)
		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	s.log(ctx).Info("user registered", zap.String("identity", caller))
	return user, nil
}

// UpdateUser changes the caller's profile. Nil fields are left alone; an
// empty bio or avatar clears it.
func (s *Service) UpdateUser(ctx context.Context, caller string, username, bio, avatar *string) (models.User, error) {
	const op = "chat.UpdateUser"

	var name string
	if username != nil {
		var err error
		if name, err = validateUsername(*username); err != nil {
			return models.User{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.Users.Update(ctx, caller, func(u *models.User) error {
		if username != nil {
			u.Username = name
		}
		if bio != nil {
			u.Bio = trimOptional(bio)
		}
		if avatar != nil {
			u.Avatar = trimOptional(avatar)
		}
		u.LastActive = s.now()
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, identity string) (models.User, error) {
	const op = "chat.GetUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok, err := s.store.Users.Get(ctx, identity)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

// GetCurrentUser is GetUser for the caller.
func (s *Service) GetCurrentUser(ctx context.Context, caller string) (models.User, error) {
	return s.GetUser(ctx, caller)
}

func (s *Service) GetAllUsers(ctx context.Context) ([]models.User, error) {
	const op = "chat.GetAllUsers"

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.store.Users.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

// displayName resolves identity to a username, or the unknown-author
// placeholder. Callers hold s.mu.
func (s *Service) displayName(ctx context.Context, identity string) (string, error) {
	user, ok, err := s.store.Users.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	if !ok {
		return unknownAuthor, nil
	}
	return user.Username, nil
}

// isRegistered reports whether identity has a profile. Callers hold s.mu.
func (s *Service) isRegistered(ctx context.Context, identity string) (bool, error) {
	if !validIdentity(identity) {
		return false, nil
	}
	return s.store.Users.Contains(ctx, identity)
}

// touchUser counts one more message for identity. Callers hold s.mu.
func (s *Service) touchUser(ctx context.Context, identity string) error {
	now := s.now()
	_, err := s.store.Users.Update(ctx, identity, func(u *models.User) error {
		u.MessageCount++
		u.LastActive = now
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}

func appendMember(members []string, identity string) []string {
	for _, m := range members {
		if m == identity {
			return members
		}
	}
	return append(members, identity)
}
