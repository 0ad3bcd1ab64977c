package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/pkg/i18n"
	"github.com/4xmen/kanal/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameSize = 12 << 20
	sendBuffer   = 256
)

// Inbound and outbound frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeAck     = "ack"
	TypeError   = "error"
)

// ChatService is the part of chat.Service the hub needs.
type ChatService interface {
	SendMessage(ctx context.Context, caller string, req chat.SendMessageRequest) (models.Message, error)
	GetChannel(ctx context.Context, id uint64) (models.Channel, error)
}

type Hub struct {
	clients    map[string]*Client
	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	svc        ChatService
	log        *zap.Logger
	mu         sync.RWMutex
}

type Client struct {
	identity string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	ctx      context.Context
}

// delivery is one encoded frame and who gets it. nil recipients means
// every connected client.
type delivery struct {
	data       []byte
	recipients []string
}

// Inbound is a frame sent by a client.
type Inbound struct {
	Type        string              `json:"type"`
	ClientMsgID string              `json:"client_message_id,omitempty"`
	Content     string              `json:"content,omitempty"`
	ChannelID   *uint64             `json:"channel_id,omitempty"`
	ReplyTo     *uint64             `json:"reply_to,omitempty"`
	Kind        models.MessageKind  `json:"kind,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// Reply is an ack, error or typing frame sent by the server.
type Reply struct {
	Type        string  `json:"type"`
	ClientMsgID string  `json:"client_message_id,omitempty"`
	MessageID   uint64  `json:"message_id,omitempty"`
	ChannelID   *uint64 `json:"channel_id,omitempty"`
	Author      string  `json:"author,omitempty"`
	Error       string  `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer.
		return true
	},
}

func __(message string) string {
	return i18n.Translate(message)
}

func NewHub(svc ChatService, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan delivery, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		svc:        svc,
		log:        log.Named("ws"),
	}
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[identity]
	return ok
}

// Notify implements chat.Notifier.
func (h *Hub) Notify(_ context.Context, ev chat.Event, recipients []string) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to encode event", zap.Error(err))
		return
	}
	h.enqueue(delivery{data: data, recipients: recipients})
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	default:
		h.log.Warn("broadcast queue full, dropping event")
	}
}

// Run dispatches registrations and events until ctx is done. Every
// connection is closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for identity, client := range h.clients {
				close(client.send)
				delete(h.clients, identity)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			// A second connection for the same identity replaces the first.
			if old, ok := h.clients[client.identity]; ok {
				close(old.send)
			}
			h.clients[client.identity] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", zap.String("identity", client.identity), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.identity]; ok && current == client {
				delete(h.clients, client.identity)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client disconnected", zap.String("identity", client.identity), zap.Int("total", total))

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if d.recipients == nil {
		for _, client := range h.clients {
			h.push(client, d.data)
		}
		return
	}
	for _, identity := range d.recipients {
		if client, ok := h.clients[identity]; ok {
			h.push(client, d.data)
		}
	}
}

func (h *Hub) push(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.log.Warn("send buffer full", zap.String("identity", client.identity))
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	identity := c.GetString("identity")
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		identity: identity,
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, sendBuffer),
		// The request context ends when this handler returns.
		ctx: context.WithoutCancel(c.Request.Context()),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket error", zap.String("identity", c.identity), zap.Error(err))
			}
			break
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in Inbound) {
	switch in.Type {
	case TypeMessage:
		c.handleMessageEvent(in)
	case TypeTyping:
		c.handleTypingEvent(in)
	}
}

func (c *Client) handleMessageEvent(in Inbound) {
	msg, err := c.hub.svc.SendMessage(c.ctx, c.identity, chat.SendMessageRequest{
		Content:     in.Content,
		ChannelID:   in.ChannelID,
		ReplyTo:     in.ReplyTo,
		Kind:        in.Kind,
		Attachments: in.Attachments,
	})
	if err != nil {
		c.reply(Reply{Type: TypeError, ClientMsgID: in.ClientMsgID, Error: c.errorMessage(err)})
		return
	}

	// The message itself reaches everyone through Notify.
	c.reply(Reply{Type: TypeAck, ClientMsgID: in.ClientMsgID, MessageID: msg.ID, ChannelID: msg.ChannelID})
}

// handleTypingEvent forwards a typing indicator to the other members of a
// channel the sender belongs to.
func (c *Client) handleTypingEvent(in Inbound) {
	if in.ChannelID == nil {
		return
	}

	channel, err := c.hub.svc.GetChannel(c.ctx, *in.ChannelID)
	if err != nil || !channel.HasMember(c.identity) {
		return
	}

	recipients := make([]string, 0, len(channel.Members))
	for _, m := range channel.Members {
		if m != c.identity {
			recipients = append(recipients, m)
		}
	}

	data, err := json.Marshal(Reply{Type: TypeTyping, ChannelID: in.ChannelID, Author: c.identity})
	if err != nil {
		return
	}
	c.hub.enqueue(delivery{data: data, recipients: recipients})
}

func (c *Client) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.hub.enqueue(delivery{data: data, recipients: []string{c.identity}})
}

func (c *Client) errorMessage(err error) string {
	var detailed *chat.Error
	if errors.As(err, &detailed) && detailed.Detail != "" {
		return __(detailed.Detail)
	}
	for _, known := range []error{
		chat.ErrNotAuthorized, chat.ErrChannelNotFound, chat.ErrInvalidInput,
		chat.ErrAttachmentTooLarge, chat.ErrNotFound,
	} {
		if errors.Is(err, known) {
			return __(known.Error())
		}
	}
	c.hub.log.Error("websocket message failed", zap.String("identity", c.identity), zap.Error(err))
	return __("internal server error")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
