package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/kv/sqlite"
	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/internal/store"
)

type sentPush struct {
	endpoint string
	payload  payload
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentPush
	status map[string]int
}

func (f *fakeSender) send(message []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var p payload
	if err := json.Unmarshal(message, &p); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, sentPush{endpoint: sub.Endpoint, payload: p})

	status := http.StatusCreated
	if s, ok := f.status[sub.Endpoint]; ok {
		status = s
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeSender) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.endpoint)
	}
	return out
}

type onlineSet map[string]bool

func (o onlineSet) IsUserOnline(identity string) bool { return o[identity] }

func setupNotifier(t *testing.T, online OnlineChecker) (*Notifier, *fakeSender) {
	t.Helper()

	backend, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	st, err := store.Open(context.Background(), backend, time.Now())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{status: map[string]int{}}
	n := NewNotifier(st.PushSubscriptions, "public", "private", "mailto:ops@example.com", online)
	n.WithSender(sender.send)
	return n, sender
}

func subscribe(t *testing.T, n *Notifier, identity, endpoint string) {
	t.Helper()
	err := n.Subscribe(context.Background(), identity, models.PushSubscription{Endpoint: endpoint, KeyP256dh: "p", KeyAuth: "a"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestNewNotifierRequiresKeys(t *testing.T) {
	if n := NewNotifier(nil, "", "private", "", nil); n != nil {
		t.Error("expected nil notifier without a public key")
	}
	if n := NewNotifier(nil, "public", "", "", nil); n != nil {
		t.Error("expected nil notifier without a private key")
	}

	// A nil notifier ignores events.
	var n *Notifier
	n.Notify(context.Background(), chat.Event{Type: chat.EventMessage}, []string{"someone"})
	n.Wait()
}

func TestSubscribeReplacesEndpoint(t *testing.T) {
	n, _ := setupNotifier(t, nil)
	ctx := context.Background()

	subscribe(t, n, "alice", "https://push.example/1")
	subscribe(t, n, "alice", "https://push.example/2")
	subscribe(t, n, "alice", "https://push.example/1")

	subs, _, err := n.subs.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if subs[1].Endpoint != "https://push.example/1" {
		t.Errorf("expected re-subscribed endpoint last, got %s", subs[1].Endpoint)
	}
	if subs[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestUnsubscribeDropsEmptyList(t *testing.T) {
	n, _ := setupNotifier(t, nil)
	ctx := context.Background()

	subscribe(t, n, "alice", "https://push.example/1")
	if err := n.Unsubscribe(ctx, "alice", "https://push.example/1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	ok, err := n.subs.Contains(ctx, "alice")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Error("expected identity entry to be removed")
	}

	// Unknown identities are a no-op.
	if err := n.Unsubscribe(ctx, "nobody", "https://push.example/1"); err != nil {
		t.Errorf("Unsubscribe unknown: %v", err)
	}
}

func TestNotifySkipsPublicAndOnline(t *testing.T) {
	n, sender := setupNotifier(t, onlineSet{"bob": true})

	subscribe(t, n, "alice", "https://push.example/alice")
	subscribe(t, n, "bob", "https://push.example/bob")

	channelID := uint64(3)
	ev := chat.Event{
		Type:      chat.EventMessage,
		MessageID: 1,
		ChannelID: &channelID,
		Author:    "carol",
		Message:   &models.MessageWithAuthor{AuthorName: "carol", Content: "hello"},
	}

	n.Notify(context.Background(), ev, nil)
	n.Wait()
	if got := sender.endpoints(); len(got) != 0 {
		t.Fatalf("public events should not be pushed, sent to %v", got)
	}

	n.Notify(context.Background(), ev, []string{"alice", "bob"})
	n.Wait()

	got := sender.endpoints()
	if len(got) != 1 || got[0] != "https://push.example/alice" {
		t.Fatalf("expected a push to alice only, got %v", got)
	}

	p := sender.sent[0].payload
	if p.Title != "New message" {
		t.Errorf("unexpected title %q", p.Title)
	}
	if p.Body != "carol: hello" {
		t.Errorf("unexpected body %q", p.Body)
	}
	if p.URL != "/channels/3" {
		t.Errorf("unexpected url %q", p.URL)
	}
}

func TestNotifyIgnoresDeletedEvents(t *testing.T) {
	n, sender := setupNotifier(t, nil)
	subscribe(t, n, "alice", "https://push.example/alice")

	n.Notify(context.Background(), chat.Event{Type: chat.EventEncryptedDeleted, MessageID: 4}, []string{"alice"})
	n.Wait()

	if got := sender.endpoints(); len(got) != 0 {
		t.Errorf("deleted events should not be pushed, sent to %v", got)
	}
}

func TestExpiredSubscriptionIsRemoved(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kept   bool
	}{
		{"gone", http.StatusGone, false},
		{"not found", http.StatusNotFound, false},
		{"created", http.StatusCreated, true},
		{"rate limited", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, sender := setupNotifier(t, nil)
			endpoint := "https://push.example/alice"
			sender.status[endpoint] = tt.status
			subscribe(t, n, "alice", endpoint)

			n.Notify(context.Background(), chat.Event{Type: chat.EventEncryptedShared, MessageID: 9}, []string{"alice"})
			n.Wait()

			ok, err := n.subs.Contains(context.Background(), "alice")
			if err != nil {
				t.Fatalf("Contains: %v", err)
			}
			if ok != tt.kept {
				t.Errorf("subscription kept = %v, want %v", ok, tt.kept)
			}
		})
	}
}

func TestNotifySurvivesCancelledContext(t *testing.T) {
	n, sender := setupNotifier(t, nil)
	subscribe(t, n, "alice", "https://push.example/alice")

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, chat.Event{Type: chat.EventEncryptedMessage, MessageID: 2}, []string{"alice"})
	cancel()
	n.Wait()

	if got := sender.endpoints(); len(got) != 1 {
		t.Errorf("expected one push, got %v", got)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ب", 100)
	got := preview(long)
	if n := len([]rune(got)); n != 81 {
		t.Errorf("expected 80 runes plus ellipsis, got %d", n)
	}
	if preview("short") != "short" {
		t.Error("short content should pass through")
	}
}
