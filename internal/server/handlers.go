package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pawpal/pawchat"
)

func respond(c *gin.Context, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		fail(c, http.StatusInternalServerError, pawchat.CodeInternal, "failed to encode response")
		return
	}
	c.JSON(status, pawchat.Result{OK: true, Data: raw})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, pawchat.Result{OK: false, Error: &pawchat.APIError{Code: code, Message: message}})
}

func (s *Server) listConversations(c *gin.Context) {
	ctx, cancel := s.withTimeout(c)
	defer cancel()

	convs, err := s.backend.ListConversations(ctx, viewerID(c))
	if err != nil {
		s.storeError(c, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*pawchat.Conversation{}
	}
	respond(c, http.StatusOK, convs)
}

func (s *Server) getConversation(c *gin.Context) {
	ctx, cancel := s.withTimeout(c)
	defer cancel()

	conv, err := s.backend.GetConversation(ctx, viewerID(c), c.Param("id"))
	if err != nil {
		s.storeError(c, "get conversation", err)
		return
	}
	respond(c, http.StatusOK, conv)
}

func (s *Server) startConversation(c *gin.Context) {
	var req pawchat.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, pawchat.CodeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.InitialMessage) == "" {
		fail(c, http.StatusBadRequest, pawchat.CodeEmptyMessage, pawchat.ErrEmptyMessage.Error())
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	res, err := s.backend.StartConversation(ctx, viewerID(c), req.StartRequest, req.ClientID)
	if err != nil {
		s.storeError(c, "start conversation", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respond(c, status, res)
}

func (s *Server) listMessages(c *gin.Context) {
	ctx, cancel := s.withTimeout(c)
	defer cancel()

	msgs, err := s.backend.ListMessages(ctx, viewerID(c), c.Param("id"))
	if err != nil {
		s.storeError(c, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []*pawchat.Message{}
	}
	respond(c, http.StatusOK, msgs)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req pawchat.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, pawchat.CodeBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, pawchat.CodeEmptyMessage, pawchat.ErrEmptyMessage.Error())
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	msg, err := s.backend.SendMessage(ctx, viewerID(c), c.Param("id"), strings.TrimSpace(req.Content), req.ClientID)
	if err != nil {
		s.storeError(c, "send message", err)
		return
	}
	respond(c, http.StatusCreated, msg)
}

func (s *Server) markRead(c *gin.Context) {
	ctx, cancel := s.withTimeout(c)
	defer cancel()

	if err := s.backend.MarkRead(ctx, viewerID(c), c.Param("id")); err != nil {
		s.storeError(c, "mark read", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"conversationId": c.Param("id")})
}

func (s *Server) updateProfile(c *gin.Context) {
	var req pawchat.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, pawchat.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	profile := pawchat.Profile{
		ID:          viewerID(c),
		DisplayName: strings.TrimSpace(req.DisplayName),
		AvatarURL:   req.AvatarURL,
	}
	if err := s.backend.UpsertProfile(ctx, profile); err != nil {
		s.storeError(c, "update profile", err)
		return
	}
	respond(c, http.StatusOK, profile)
}

func (s *Server) getProfile(c *gin.Context) {
	ctx, cancel := s.withTimeout(c)
	defer cancel()

	profile, err := s.backend.GetProfile(ctx, c.Param("id"))
	if err != nil {
		s.storeError(c, "get profile", err)
		return
	}
	respond(c, http.StatusOK, profile)
}
