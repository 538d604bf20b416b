package devserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/proto"
)

// Server is an in-memory stand-in for the production messaging backend:
// the snapshot API plus the room-scoped push channel. It exists so the
// engine can be exercised end-to-end in development and integration tests.
//
// It intentionally answers with the awkward response shapes the engine's
// normalizers must tolerate: the conversation list arrives wrapped and the
// create response nests the conversation object.
type Server struct {
	jwt *auth.JWTConfig
	log *zerolog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	byKey         map[string]string
	nextMessageID int64

	hub *hub
}

type conversation struct {
	conv     chat.Conversation
	messages []proto.Message
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New builds a development server signing tokens with the given secret.
func New(secret string, logger *zerolog.Logger) *Server {
	s := &Server{
		jwt: &auth.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   "chatsync-dev",
			Audience: "chatsync",
			TTL:      24 * time.Hour,
		},
		log:           logger,
		conversations: make(map[string]*conversation),
		byKey:         make(map[string]string),
	}
	s.hub = newHub(logger)
	return s
}

// Handler builds the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/login", s.login)

	authed := r.Group("/api", s.authMiddleware())
	authed.GET("/conversations", s.listConversations)
	authed.POST("/conversations", s.createConversation)
	authed.GET("/conversations/:id/messages", s.listMessages)
	authed.POST("/conversations/:id/messages", s.postMessage)
	authed.POST("/conversations/:id/read", s.markRead)

	r.GET("/ws", s.serveWS)

	return r
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

type loginRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := auth.GenerateToken(s.jwt, req.UserID, req.Name)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := claimsFromRequest(s.jwt, c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
			c.Abort()
			return
		}
		c.Set("user_id", claims.UserID)
		c.Set("name", claims.Name)
		c.Next()
	}
}

func (s *Server) listConversations(c *gin.Context) {
	userID := c.GetString("user_id")

	s.mu.Lock()
	out := make([]gin.H, 0)
	for _, entry := range s.conversations {
		if !entry.conv.HasParticipant(userID) {
			continue
		}
		out = append(out, conversationJSON(entry.conv))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i]["lastMessageAt"].(*time.Time)
		tj, _ := out[j]["lastMessageAt"].(*time.Time)
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})

	// Wrapped list shape on purpose.
	c.JSON(http.StatusOK, gin.H{"data": out})
}

type createRequest struct {
	ParticipantIDs []string `json:"participantIds" binding:"required,min=2"`
	SubjectRef     string   `json:"subjectRef"`
	Message        string   `json:"message"`
	ClientID       string   `json:"clientId"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	key := chat.ParticipantKey(req.ParticipantIDs, req.SubjectRef)
	id, exists := s.byKey[key]
	if !exists {
		id = uuid.NewString()
		participants := make([]chat.Participant, 0, len(req.ParticipantIDs))
		for _, pid := range req.ParticipantIDs {
			participants = append(participants, chat.Participant{ID: pid, Name: pid})
		}
		s.conversations[id] = &conversation{conv: chat.Conversation{
			ID:           id,
			Participants: participants,
			SubjectRef:   req.SubjectRef,
		}}
		s.byKey[key] = id
	}
	entry := s.conversations[id]
	s.mu.Unlock()

	resp := gin.H{"conversation": conversationJSON(entry.conv)}
	if req.Message != "" {
		msg, err := s.appendMessage(id, c.GetString("user_id"), req.Message, nil, "", req.ClientID)
		if err != nil {
			// Conversation creation still succeeded; report the delivery
			// failure as a non-fatal field.
			resp["messageError"] = err.Error()
		} else {
			resp["message"] = msg
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) listMessages(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	entry, ok := s.conversations[id]
	var out []proto.Message
	if ok {
		out = append(out, entry.messages...)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		return
	}
	if out == nil {
		out = []proto.Message{}
	}
	c.JSON(http.StatusOK, out)
}

type postMessageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	Icon        string   `json:"icon"`
	ClientID    string   `json:"clientId"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty message"})
		return
	}

	msg, err := s.appendMessage(c.Param("id"), c.GetString("user_id"), req.Body, req.Attachments, req.Icon, req.ClientID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) markRead(c *gin.Context) {
	if !s.applyRead(c.Param("id"), c.GetString("user_id")) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// appendMessage stores a confirmed message and fans it out to subscribers.
func (s *Server) appendMessage(conversationID, senderID, body string, attachments []string, icon, clientID string) (*proto.Message, error) {
	s.mu.Lock()
	entry, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.New("conversation not found")
	}

	s.nextMessageID++
	msg := proto.Message{
		ID:             strconv.FormatInt(s.nextMessageID, 10),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Attachments:    attachments,
		Icon:           icon,
		CreatedAt:      time.Now().UTC(),
	}
	entry.messages = append(entry.messages, msg)
	entry.conv.LastMessagePreview = body
	at := msg.CreatedAt
	entry.conv.LastMessageAt = &at
	participants := entry.conv.Participants
	s.mu.Unlock()

	rooms := []string{chat.ConversationRoom(conversationID)}
	for _, p := range participants {
		rooms = append(rooms, chat.UserRoom(p.ID))
	}
	s.hub.broadcast(rooms, proto.EventMessageNew, proto.MessageNewData{
		ConversationID: conversationID,
		Message:        msg,
	})
	return &msg, nil
}

func (s *Server) broadcast(conversationID, event string, data any) {
	s.hub.broadcast([]string{chat.ConversationRoom(conversationID)}, event, data)
}

func conversationJSON(conv chat.Conversation) gin.H {
	participants := make([]gin.H, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		participants = append(participants, gin.H{"id": p.ID, "name": p.Name})
	}
	return gin.H{
		"id":              conv.ID,
		"participants":    participants,
		"subjectRef":      conv.SubjectRef,
		"lastMessageText": conv.LastMessagePreview,
		"lastMessageAt":   conv.LastMessageAt,
		"unread":          conv.Unread,
	}
}
