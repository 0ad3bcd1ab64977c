// Package store is the application's persistent state: typed repositories,
// the owner and share indices, and the two id allocators, all carved out of
// one kv.Backend by fixed regions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/4xmen/kanal/internal/kv"
	"github.com/4xmen/kanal/internal/models"
)

const (
	regionMessages kv.Region = iota
	regionUsers
	regionChannels
	regionMessageIDs
	regionChannelIDs
	regionEncryptedMessages
	regionOwners
	regionShares
	regionCredentials
	regionPushSubscriptions
)

const (
	// GeneralChannelID is the seeded channel every user belongs to.
	GeneralChannelID uint64 = 1

	// AnonymousIdentity creates the General channel and is always a member of it.
	AnonymousIdentity = "anonymous"

	generalChannelName        = "General"
	generalChannelDescription = "General discussion channel"
)

type Store struct {
	backend kv.Backend

	Users             *kv.Map[string, models.User]
	Channels          *kv.Map[uint64, models.Channel]
	Messages          *kv.Map[uint64, models.Message]
	EncryptedMessages *kv.Map[uint64, models.EncryptedMessage]

	// Owners maps an author to the encrypted message ids they created.
	Owners *Index
	// Shares maps an identity to the encrypted message ids shared with it.
	Shares *Index

	Credentials       *kv.Map[string, string]
	PushSubscriptions *kv.Map[string, []models.PushSubscription]

	// MessageIDs is shared by plaintext and encrypted messages.
	MessageIDs *kv.Counter
	ChannelIDs *kv.Counter
}

// Open wraps backend and seeds the General channel on an empty store.
func Open(ctx context.Context, backend kv.Backend, now time.Time) (*Store, error) {
	s := &Store{
		backend:           backend,
		Users:             kv.NewMap[string, models.User](backend, regionUsers, kv.StringKeys{}),
		Channels:          kv.NewMap[uint64, models.Channel](backend, regionChannels, kv.Uint64Keys{}),
		Messages:          kv.NewMap[uint64, models.Message](backend, regionMessages, kv.Uint64Keys{}),
		EncryptedMessages: kv.NewMap[uint64, models.EncryptedMessage](backend, regionEncryptedMessages, kv.Uint64Keys{}),
		Owners:            newIndex(backend, regionOwners),
		Shares:            newIndex(backend, regionShares),
		Credentials:       kv.NewMap[string, string](backend, regionCredentials, kv.StringKeys{}),
		PushSubscriptions: kv.NewMap[string, []models.PushSubscription](backend, regionPushSubscriptions, kv.StringKeys{}),
		MessageIDs:        kv.NewCounter(backend, regionMessageIDs, 1),
		ChannelIDs:        kv.NewCounter(backend, regionChannelIDs, 1),
	}

	if err := s.seed(ctx, now); err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	return s, nil
}

// seed runs only at genesis, when the channel allocator has never been used.
func (s *Store) seed(ctx context.Context, now time.Time) error {
	next, err := s.ChannelIDs.Peek(ctx)
	if err != nil {
		return err
	}
	if next != GeneralChannelID {
		return nil
	}

	id, err := s.ChannelIDs.Next(ctx)
	if err != nil {
		return err
	}
	_, _, err = s.Channels.Insert(ctx, id, NewGeneralChannel(now))
	return err
}

// NewGeneralChannel returns the General channel as it looks at genesis.
func NewGeneralChannel(now time.Time) models.Channel {
	description := generalChannelDescription
	return models.Channel{
		ID:          GeneralChannelID,
		Name:        generalChannelName,
		Description: &description,
		CreatedBy:   AnonymousIdentity,
		CreatedAt:   now,
		Members:     []string{AnonymousIdentity},
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}
