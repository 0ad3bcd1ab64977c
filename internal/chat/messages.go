package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/models"
)

const (
	MaxContentLength = 2000
	// MaxAttachmentBytes bounds the sum of declared attachment sizes per message.
	MaxAttachmentBytes = 10_000_000
)

// SendMessageRequest carries the fields of a new plaintext or encrypted
// message. An empty Kind means Text.
type SendMessageRequest struct {
	Content     string              `json:"content"`
	ChannelID   *uint64             `json:"channel_id,omitempty"`
	ReplyTo     *uint64             `json:"reply_to,omitempty"`
	Kind        models.MessageKind  `json:"kind,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// validate trims the content and checks every field that does not need the store.
func (r *SendMessageRequest) validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return invalid("message content cannot be empty")
	}
	if utf8.RuneCountInString(r.Content) > MaxContentLength {
		return invalid(fmt.Sprintf("message content cannot exceed %d characters", MaxContentLength))
	}

	if r.Kind == "" {
		r.Kind = models.KindText
	}
	if !r.Kind.Valid() {
		return invalid(fmt.Sprintf("unknown message kind %q", r.Kind))
	}

	var total uint64
	for _, a := range r.Attachments {
		total += a.Size
		if total > MaxAttachmentBytes {
			return ErrAttachmentTooLarge
		}
	}
	if r.Attachments == nil {
		r.Attachments = []models.Attachment{}
	}
	return nil
}

// SendMessage stores a plaintext message from caller. Posting to a channel
// requires membership.
func (s *Service) SendMessage(ctx context.Context, caller string, req SendMessageRequest) (models.Message, error) {
	const op = "chat.SendMessage"

	if err := req.validate(); err != nil {
		return models.Message{}, err
	}

	msg, recipients, authorName, err := s.storeMessage(ctx, op, caller, req)
	if err != nil {
		return models.Message{}, err
	}

	view := withAuthor(msg, authorName)
	s.notify(ctx, Event{
		Type:      EventMessage,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Author:    caller,
		Message:   &view,
	}, recipients)
	return msg, nil
}

func (s *Service) storeMessage(ctx context.Context, op, caller string, req SendMessageRequest) (models.Message, []string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok, err := s.store.Users.Get(ctx, caller)
	if err != nil {
		return models.Message{}, nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok || !validIdentity(caller) {
		return models.Message{}, nil, "", notAuthorized("only registered users can send messages")
	}

	var recipients []string
	if req.ChannelID != nil {
		ch, ok, err := s.store.Channels.Get(ctx, *req.ChannelID)
		if err != nil {
			return models.Message{}, nil, "", fmt.Errorf("%s: %w", op, err)
		}
		if !ok || !ch.HasMember(caller) {
			return models.Message{}, nil, "", notAuthorized("not a member of this channel")
		}
		recipients = othersIn(ch, caller)
	}

	id, err := s.store.MessageIDs.Next(ctx)
	if err != nil {
		return models.Message{}, nil, "", fmt.Errorf("%s: allocate id: %w", op, err)
	}

	now := s.now()
	msg := models.Message{
		ID:          id,
		Author:      caller,
		Content:     req.Content,
		Timestamp:   now,
		ChannelID:   req.ChannelID,
		ReplyTo:     req.ReplyTo,
		Kind:        req.Kind,
		Attachments: req.Attachments,
	}
	if _, _, err := s.store.Messages.Insert(ctx, id, msg); err != nil {
		return models.Message{}, nil, "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.touchUser(ctx, caller); err != nil {
		return models.Message{}, nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if req.ChannelID != nil {
		_, err := s.store.Channels.Update(ctx, *req.ChannelID, func(c *models.Channel) error {
			c.MessageCount++
			c.LastMessageAt = &now
			return nil
		})
		if err != nil {
			return models.Message{}, nil, "", fmt.Errorf("%s: %w", op, err)
		}
	}

	s.log(ctx).Debug("message stored", zap.Uint64("message_id", id), zap.String("author", caller))
	return msg, recipients, user.Username, nil
}

// othersIn returns the channel's members other than identity.
func othersIn(ch models.Channel, identity string) []string {
	others := make([]string, 0, len(ch.Members))
	for _, m := range ch.Members {
		if m != identity {
			others = append(others, m)
		}
	}
	return others
}

// GetMessages returns one page of plaintext messages, newest first.
func (s *Service) GetMessages(ctx context.Context, q MessageQuery) (models.PaginatedMessages, error) {
	const op = "chat.GetMessages"

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.Messages.Values(ctx)
	if err != nil {
		return models.PaginatedMessages{}, fmt.Errorf("%s: %w", op, err)
	}

	page, total, hasMore := paginate(all, q)

	result := models.PaginatedMessages{
		Messages:   make([]models.MessageWithAuthor, 0, len(page)),
		TotalCount: total,
		HasMore:    hasMore,
	}
	names := make(map[string]string)
	for _, m := range page {
		name, seen := names[m.Author]
		if !seen {
			if name, err = s.displayName(ctx, m.Author); err != nil {
				return models.PaginatedMessages{}, fmt.Errorf("%s: %w", op, err)
			}
			names[m.Author] = name
		}
		result.Messages = append(result.Messages, withAuthor(m, name))
	}
	return result, nil
}

func (s *Service) GetMessage(ctx context.Context, id uint64) (models.MessageWithAuthor, error) {
	const op = "chat.GetMessage"

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok, err := s.store.Messages.Get(ctx, id)
	if err != nil {
		return models.MessageWithAuthor{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return models.MessageWithAuthor{}, ErrNotFound
	}
	name, err := s.displayName(ctx, msg.Author)
	if err != nil {
		return models.MessageWithAuthor{}, fmt.Errorf("%s: %w", op, err)
	}
	return withAuthor(msg, name), nil
}
