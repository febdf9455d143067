package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/courierhq/courier/internal/service/chat"
	"github.com/courierhq/courier/pkg/apperr"
)

type sendMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	ReceiverIDs    []string `json:"receiver_ids"`
	Content        string   `json:"content"`
	Type           string   `json:"type"`
	MediaURL       string   `json:"media_url"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (s *Server) addChatRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.POST("/messages", s.sendMessage)
	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:id/messages", s.listMessages)
	v1.POST("/conversations/:id/read", s.markRead)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.InvalidArg("malformed request body"))
		return
	}
	res, err := s.svc.SendMessage(c.Request.Context(), chat.SendMessageInput{
		ConversationID: req.ConversationID,
		ReceiverIDs:    req.ReceiverIDs,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listConversations(c *gin.Context) {
	page, err := s.svc.GetConversations(c.Request.Context(), c.Query("cursor"), queryInt(c, "limit"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) listMessages(c *gin.Context) {
	page, err := s.svc.GetMessages(c.Request.Context(), c.Param("id"), c.Query("before"), queryInt(c, "limit"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) markRead(c *gin.Context) {
	if err := s.svc.MarkAsRead(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	body := gin.H{"code": string(code), "error": publicMessage(err, code)}
	if status >= 500 {
		s.logger.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal causes out of response bodies.
func publicMessage(err error, code apperr.Code) string {
	if code == apperr.CodeUnknown || code == apperr.CodeInternal {
		return "internal error"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
