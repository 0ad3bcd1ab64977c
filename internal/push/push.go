package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/kv"
	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/pkg/i18n"
	"github.com/4xmen/kanal/pkg/logger"
)

// OnlineChecker reports whether an identity has a live realtime connection.
type OnlineChecker interface {
	IsUserOnline(identity string) bool
}

// SendFunc delivers one push message. webpush.SendNotification in production.
type SendFunc func(message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications for chat events to recipients that
// are not connected over the websocket.
type Notifier struct {
	subs            *kv.Map[string, []models.PushSubscription]
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	online          OnlineChecker
	send            SendFunc
	now             func() time.Time

	// mu serialises read-modify-write of subscription lists.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(subs *kv.Map[string, []models.PushSubscription], vapidPublicKey, vapidPrivateKey, subscriber string, online OnlineChecker) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		subs:            subs,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		online:          online,
		send:            webpush.SendNotification,
		now:             time.Now,
	}
}

// WithSender replaces the transport used to deliver notifications.
func (n *Notifier) WithSender(send SendFunc) *Notifier {
	n.send = send
	return n
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	return n.vapidPublicKey
}

// Subscribe stores sub for identity, replacing any entry with the same endpoint.
func (n *Notifier) Subscribe(ctx context.Context, identity string, sub models.PushSubscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub.CreatedAt = n.now()
	_, err := n.subs.Mutate(ctx, identity, func(list *[]models.PushSubscription, _ bool) (bool, error) {
		*list = append(without(*list, sub.Endpoint), sub)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("push.Subscribe: %w", err)
	}
	return nil
}

// Unsubscribe drops the endpoint from identity's subscriptions.
func (n *Notifier) Unsubscribe(ctx context.Context, identity, endpoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.subs.Mutate(ctx, identity, func(list *[]models.PushSubscription, exists bool) (bool, error) {
		if !exists {
			return false, nil
		}
		*list = without(*list, endpoint)
		return len(*list) > 0, nil
	})
	if err != nil {
		return fmt.Errorf("push.Unsubscribe: %w", err)
	}
	return nil
}

func without(list []models.PushSubscription, endpoint string) []models.PushSubscription {
	kept := make([]models.PushSubscription, 0, len(list))
	for _, s := range list {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	return kept
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

func buildPayload(ev chat.Event) (payload, bool) {
	switch ev.Type {
	case chat.EventMessage:
		p := payload{Title: i18n.Translate("New message"), URL: "/"}
		if ev.Message != nil {
			p.Body = ev.Message.AuthorName + ": " + preview(ev.Message.Content)
		}
		if ev.ChannelID != nil {
			p.URL = fmt.Sprintf("/channels/%d", *ev.ChannelID)
		}
		return p, true
	case chat.EventEncryptedMessage, chat.EventEncryptedShared:
		return payload{Title: i18n.Translate("New encrypted message"), URL: "/encrypted"}, true
	}
	return payload{}, false
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= 80 {
		return content
	}
	return string(r[:80]) + "…"
}

// Notify implements chat.Notifier. Public events are not pushed.
func (n *Notifier) Notify(ctx context.Context, ev chat.Event, recipients []string) {
	if n == nil || len(recipients) == 0 {
		return
	}
	p, ok := buildPayload(ev)
	if !ok {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}

	log := logger.FromContext(ctx).Named("push")
	ctx = context.WithoutCancel(ctx)

	for _, identity := range recipients {
		if n.online != nil && n.online.IsUserOnline(identity) {
			continue
		}

		subs, _, err := n.subs.Get(ctx, identity)
		if err != nil {
			log.Error("failed to load subscriptions", zap.String("identity", identity), zap.Error(err))
			continue
		}
		for _, sub := range subs {
			n.wg.Add(1)
			go func(identity string, sub models.PushSubscription) {
				defer n.wg.Done()
				n.sendToSubscription(ctx, log, identity, sub, data)
			}(identity, sub)
		}
	}
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) sendToSubscription(ctx context.Context, log *zap.Logger, identity string, sub models.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		log.Warn("failed to send", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired.
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := n.Unsubscribe(ctx, identity, sub.Endpoint); err != nil {
			log.Error("failed to remove expired subscription", zap.Error(err))
			return
		}
		log.Info("removed expired subscription", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}
