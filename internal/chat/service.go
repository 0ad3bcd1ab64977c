// Package chat implements users, channels, plaintext messages and expiring
// encrypted messages on top of the store.
//
// Every operation runs its store reads and writes under one lock, so each
// call observes and leaves a consistent state. Calls into the key-derivation
// service and the envelope happen outside the lock; operations that checked
// authorization before such a call check it again afterwards.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/keys"
	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/internal/store"
	"github.com/4xmen/kanal/pkg/logger"
)

type Options struct {
	Deriver  keys.Deriver
	Envelope Envelope
	Hasher   PasswordHasher
	// Admin may delete any channel except General.
	Admin     string
	Notifiers []Notifier
	Now       func() time.Time
}

type Service struct {
	// mu serialises store access across operations.
	mu sync.Mutex
	// nmu guards notifiers only, so events can be sent without holding mu.
	nmu sync.RWMutex

	store     *store.Store
	deriver   keys.Deriver
	envelope  Envelope
	hasher    PasswordHasher
	admin     string
	notifiers []Notifier
	now       func() time.Time
}

func New(st *store.Store, opts Options) *Service {
	s := &Service{
		store:     st,
		deriver:   opts.Deriver,
		envelope:  opts.Envelope,
		hasher:    opts.Hasher,
		admin:     opts.Admin,
		notifiers: opts.Notifiers,
		now:       opts.Now,
	}
	if s.envelope == nil {
		s.envelope = TaggedEnvelope{}
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddNotifier registers n for events emitted after it is added.
func (s *Service) AddNotifier(n Notifier) {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Event describes a change other participants may want to hear about.
type Event struct {
	Type      string                    `json:"type"`
	MessageID uint64                    `json:"message_id"`
	ChannelID *uint64                   `json:"channel_id,omitempty"`
	Author    string                    `json:"author"`
	Message   *models.MessageWithAuthor `json:"message,omitempty"`
}

const (
	EventMessage          = "message"
	EventEncryptedMessage = "encrypted_message"
	EventEncryptedShared  = "encrypted_shared"
	EventEncryptedDeleted = "encrypted_deleted"
)

// Notifier receives events after the change is persisted. A nil recipient
// list means the event is public.
type Notifier interface {
	Notify(ctx context.Context, ev Event, recipients []string)
}

func (s *Service) notify(ctx context.Context, ev Event, recipients []string) {
	s.nmu.RLock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.nmu.RUnlock()

	for _, n := range notifiers {
		n.Notify(ctx, ev, recipients)
	}
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx).Named("chat")
}

// GetStats counts the stored entities.
func (s *Service) GetStats(ctx context.Context) (models.Stats, error) {
	const op = "chat.GetStats"

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stats models.Stats
		err   error
	)
	if stats.Users, err = s.store.Users.Len(ctx); err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	if stats.Messages, err = s.store.Messages.Len(ctx); err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	if stats.Channels, err = s.store.Channels.Len(ctx); err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	if stats.EncryptedMessages, err = s.store.EncryptedMessages.Len(ctx); err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}
