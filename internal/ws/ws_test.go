package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/kv/sqlite"
	"github.com/4xmen/kanal/internal/store"
)

func setupTestService(t *testing.T) *chat.Service {
	t.Helper()

	backend, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open backend: %v", err)
	}
	st, err := store.Open(context.Background(), backend, time.Now())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := chat.New(st, chat.Options{})
	for _, u := range []struct{ identity, name string }{{"user-1", "alice"}, {"user-2", "bob"}} {
		if _, err := svc.RegisterUser(context.Background(), u.identity, u.name, nil); err != nil {
			t.Fatalf("Failed to register %s: %v", u.name, err)
		}
	}
	return svc
}

func startHub(t *testing.T, svc ChatService) *Hub {
	t.Helper()

	hub := NewHub(svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func newClient(hub *Hub, identity string) *Client {
	return &Client{
		identity: identity,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		ctx:      context.Background(),
	}
}

func recv(t *testing.T, c *Client) map[string]any {
	t.Helper()

	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatalf("send channel of %s closed", c.identity)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("Failed to decode frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatalf("%s received nothing", c.identity)
	}
	return nil
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Errorf("%s received unexpected frame %s", c.identity, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := startHub(t, nil)
	client := newClient(hub, "user-1")

	hub.register <- client
	waitFor(t, func() bool { return hub.IsUserOnline("user-1") })

	hub.unregister <- client
	waitFor(t, func() bool { return !hub.IsUserOnline("user-1") })

	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestReplacedClientDoesNotEvictNewConnection(t *testing.T) {
	hub := startHub(t, nil)
	first := newClient(hub, "user-1")
	second := newClient(hub, "user-1")

	hub.register <- first
	hub.register <- second

	// The replaced connection's send channel is closed.
	if _, ok := <-first.send; ok {
		t.Error("first connection should be closed")
	}

	hub.unregister <- first
	hub.Notify(context.Background(), chat.Event{Type: chat.EventMessage, MessageID: 1}, nil)

	frame := recv(t, second)
	if frame["type"] != chat.EventMessage {
		t.Errorf("Expected message event, got %v", frame["type"])
	}
	if !hub.IsUserOnline("user-1") {
		t.Error("second connection should stay registered")
	}
}

func TestNotifyRecipients(t *testing.T) {
	hub := startHub(t, nil)
	c1 := newClient(hub, "user-1")
	c2 := newClient(hub, "user-2")
	hub.register <- c1
	hub.register <- c2

	t.Run("nil recipients reach everyone", func(t *testing.T) {
		hub.Notify(context.Background(), chat.Event{Type: chat.EventMessage, MessageID: 7}, nil)
		recv(t, c1)
		recv(t, c2)
	})

	t.Run("listed recipients only", func(t *testing.T) {
		hub.Notify(context.Background(), chat.Event{Type: chat.EventEncryptedShared, MessageID: 8}, []string{"user-2"})
		frame := recv(t, c2)
		if frame["type"] != chat.EventEncryptedShared {
			t.Errorf("Expected encrypted_shared, got %v", frame["type"])
		}
		expectNothing(t, c1)
	})

	t.Run("empty recipients reach nobody", func(t *testing.T) {
		hub.Notify(context.Background(), chat.Event{Type: chat.EventEncryptedMessage, MessageID: 9}, []string{})
		expectNothing(t, c1)
		expectNothing(t, c2)
	})
}

func TestMessageEventInChannel(t *testing.T) {
	svc := setupTestService(t)
	hub := startHub(t, svc)
	svc.AddNotifier(hub)

	sender := newClient(hub, "user-1")
	receiver := newClient(hub, "user-2")
	hub.register <- sender
	hub.register <- receiver

	general := store.GeneralChannelID
	sender.handle(Inbound{Type: TypeMessage, ClientMsgID: "c-1", Content: "Hello!", ChannelID: &general})

	ack := recv(t, sender)
	if ack["type"] != TypeAck {
		t.Fatalf("Expected ack, got %v", ack)
	}
	if ack["client_message_id"] != "c-1" {
		t.Errorf("Expected client_message_id c-1, got %v", ack["client_message_id"])
	}
	if ack["message_id"] != float64(1) {
		t.Errorf("Expected message_id 1, got %v", ack["message_id"])
	}

	event := recv(t, receiver)
	if event["type"] != chat.EventMessage {
		t.Fatalf("Expected message event, got %v", event["type"])
	}
	message, ok := event["message"].(map[string]any)
	if !ok {
		t.Fatalf("Expected embedded message, got %v", event["message"])
	}
	if message["content"] != "Hello!" || message["author_username"] != "alice" {
		t.Errorf("Unexpected message payload: %v", message)
	}

	// The author is not a recipient of its own channel message.
	expectNothing(t, sender)
}

func TestPublicMessageReachesSender(t *testing.T) {
	svc := setupTestService(t)
	hub := startHub(t, svc)
	svc.AddNotifier(hub)

	sender := newClient(hub, "user-1")
	hub.register <- sender

	sender.handle(Inbound{Type: TypeMessage, ClientMsgID: "c-2", Content: "to everyone"})

	if frame := recv(t, sender); frame["type"] != chat.EventMessage {
		t.Errorf("Expected message event first, got %v", frame["type"])
	}
	if frame := recv(t, sender); frame["type"] != TypeAck {
		t.Errorf("Expected ack second, got %v", frame["type"])
	}
}

func TestInvalidMessageEvent(t *testing.T) {
	svc := setupTestService(t)
	hub := startHub(t, svc)

	missing := uint64(99)
	tests := []struct {
		name     string
		identity string
		in       Inbound
		wantErr  string
	}{
		{
			name:     "empty content",
			identity: "user-1",
			in:       Inbound{Type: TypeMessage, ClientMsgID: "e-1", Content: "   "},
			wantErr:  "message content cannot be empty",
		},
		{
			name:     "unregistered sender",
			identity: "stranger",
			in:       Inbound{Type: TypeMessage, ClientMsgID: "e-2", Content: "hi"},
			wantErr:  "only registered users can send messages",
		},
		{
			name:     "unknown channel",
			identity: "user-1",
			in:       Inbound{Type: TypeMessage, ClientMsgID: "e-3", Content: "hi", ChannelID: &missing},
			wantErr:  "not a member of this channel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(hub, tt.identity)
			hub.register <- client
			defer func() { hub.unregister <- client }()

			client.handle(tt.in)

			frame := recv(t, client)
			if frame["type"] != TypeError {
				t.Fatalf("Expected error frame, got %v", frame)
			}
			if frame["client_message_id"] != tt.in.ClientMsgID {
				t.Errorf("Expected client_message_id %s, got %v", tt.in.ClientMsgID, frame["client_message_id"])
			}
			if !strings.Contains(frame["error"].(string), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, frame["error"])
			}
		})
	}

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Messages != 0 {
		t.Errorf("Message was saved despite invalid data: %d", stats.Messages)
	}
}

func TestTypingForwarding(t *testing.T) {
	svc := setupTestService(t)
	hub := startHub(t, svc)

	c1 := newClient(hub, "user-1")
	c2 := newClient(hub, "user-2")
	hub.register <- c1
	hub.register <- c2

	general := store.GeneralChannelID
	c1.handle(Inbound{Type: TypeTyping, ChannelID: &general})

	frame := recv(t, c2)
	if frame["type"] != TypeTyping || frame["author"] != "user-1" {
		t.Errorf("Unexpected typing frame: %v", frame)
	}
	expectNothing(t, c1)

	// Non-members cannot signal typing.
	outsider := newClient(hub, "stranger")
	hub.register <- outsider
	outsider.handle(Inbound{Type: TypeTyping, ChannelID: &general})
	expectNothing(t, c1)
	expectNothing(t, c2)
}

func TestWebSocketIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := setupTestService(t)
	hub := startHub(t, svc)
	svc.AddNotifier(hub)

	router := gin.New()
	// Stand-in for the auth middleware.
	router.GET("/ws", func(c *gin.Context) {
		c.Set("identity", c.Query("as"))
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?as=user-1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return hub.IsUserOnline("user-1") })

	general := store.GeneralChannelID
	if err := conn.WriteJSON(Inbound{Type: TypeMessage, ClientMsgID: "ws-1", Content: "over the wire", ChannelID: &general}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Reply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if reply.Type != TypeAck || reply.ClientMsgID != "ws-1" {
		t.Errorf("Expected ack for ws-1, got %+v", reply)
	}

	conn.Close()
	waitFor(t, func() bool { return !hub.IsUserOnline("user-1") })
}

func TestHandleWebSocketRequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws", nil)

	hub.HandleWebSocket(c)

	if w.Code != 401 {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
