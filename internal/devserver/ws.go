package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/proto"
)

// wsClient is one connected push-channel subscriber.
type wsClient struct {
	userID string
	events chan proto.Push
	rooms  map[string]struct{}
}

// hub tracks connected clients and their room subscriptions.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	log     *zerolog.Logger
}

func newHub(logger *zerolog.Logger) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), log: logger}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) join(c *wsClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (h *hub) leave(c *wsClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, room)
}

// broadcast sends one event to every client subscribed to any of the rooms,
// at most once per client.
func (h *hub) broadcast(rooms []string, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal push payload")
		return
	}
	push := proto.Push{Event: event, Data: raw}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !subscribedToAny(client, rooms) {
			continue
		}
		select {
		case client.events <- push:
		default:
			// Drop if slow consumer.
		}
	}
}

func subscribedToAny(c *wsClient, rooms []string) bool {
	for _, room := range rooms {
		if _, ok := c.rooms[room]; ok {
			return true
		}
	}
	return false
}

// inbound mirrors proto.Outbound with a raw payload for dispatch.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) serveWS(c *gin.Context) {
	claims, err := claimsFromRequest(s.jwt, c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	client := &wsClient{
		userID: claims.UserID,
		events: make(chan proto.Push, 64),
		rooms:  make(map[string]struct{}),
	}
	s.hub.register(client)
	defer s.hub.unregister(client)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel()
	<-errCh

	status := websocket.StatusNormalClosure
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		if st := websocket.CloseStatus(err); st != 0 && st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway {
			s.log.Warn().Err(err).Str("user_id", client.userID).Msg("ws connection closed with error")
			status = websocket.StatusInternalError
		}
	}
	conn.Close(status, "closing")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		var in inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return err
		}

		switch in.Event {
		case proto.OutboundJoin:
			var data proto.JoinData
			if err := json.Unmarshal(in.Data, &data); err == nil && s.mayJoin(client.userID, data.Room) {
				s.hub.join(client, data.Room)
			}

		case proto.OutboundLeave:
			var data proto.JoinData
			if err := json.Unmarshal(in.Data, &data); err == nil {
				s.hub.leave(client, data.Room)
			}

		case proto.OutboundTyping:
			var data proto.TypingData
			if err := json.Unmarshal(in.Data, &data); err == nil {
				data.From = client.userID
				s.broadcast(data.ConversationID, proto.EventTyping, data)
			}

		case proto.OutboundRead:
			var data proto.ReadData
			if err := json.Unmarshal(in.Data, &data); err == nil {
				s.applyRead(data.ConversationID, client.userID)
			}

		default:
			s.log.Debug().Str("event", in.Event).Msg("unhandled inbound event")
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case push := <-client.events:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, push)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// mayJoin restricts rooms to the user's own personal room and conversations
// the user participates in.
func (s *Server) mayJoin(userID, room string) bool {
	if room == chat.UserRoom(userID) {
		return true
	}
	id, ok := strings.CutPrefix(room, "conversation:")
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.conversations[id]
	return ok && entry.conv.HasParticipant(userID)
}

// applyRead stamps unread counterpart messages and fans out the read event.
func (s *Server) applyRead(conversationID, userID string) bool {
	now := time.Now().UTC()

	s.mu.Lock()
	entry, ok := s.conversations[conversationID]
	if ok {
		for i := range entry.messages {
			if entry.messages[i].SenderID != userID && entry.messages[i].ReadAt == nil {
				at := now
				entry.messages[i].ReadAt = &at
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.broadcast(conversationID, proto.EventRead, proto.ReadData{
		ConversationID: conversationID,
		UserID:         userID,
		ReadAt:         &now,
	})
	return true
}

// claimsFromRequest accepts the token from the Authorization header or,
// for websocket dials from environments that cannot set headers, the
// "token" query parameter.
func claimsFromRequest(cfg *auth.JWTConfig, r *http.Request) (*auth.Claims, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return auth.ValidateToken(cfg, token)
}
