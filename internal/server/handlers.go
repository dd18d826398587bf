package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultNotificationLimit = 50

type ensureConversationRequest struct {
	ParticipantID string  `json:"participant_id"`
	ApplicationID *string `json:"application_id"`
	JobID         *string `json:"job_id"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

type deliveredRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type notificationsReadRequest struct {
	NotificationIDs []string `json:"notification_ids"`
}

type conversationPayload struct {
	ConversationID  string  `json:"conversation_id"`
	CounterpartID   string  `json:"counterpart_id"`
	ApplicationID   *string `json:"application_id"`
	JobID           *string `json:"job_id"`
	Status          string  `json:"status"`
	LastMessageAtMs int64   `json:"last_message_at_ms"`
	LastMessageID   *string `json:"last_message_id"`
	UnreadCount     int64   `json:"unread_count"`
	CreatedAtMs     int64   `json:"created_at_ms"`
}

type feedItemPayload struct {
	ConversationID       string  `json:"conversation_id"`
	CounterpartID        string  `json:"counterpart_id"`
	CounterpartName      string  `json:"counterpart_name"`
	CounterpartAvatarURL string  `json:"counterpart_avatar_url"`
	ApplicationID        *string `json:"application_id"`
	JobID                *string `json:"job_id"`
	JobTitle             string  `json:"job_title"`
	Status               string  `json:"status"`
	LastMessageAtMs      int64   `json:"last_message_at_ms"`
	LastMessageID        *string `json:"last_message_id"`
	Preview              string  `json:"preview"`
	UnreadCount          int64   `json:"unread_count"`
}

type feedPayload struct {
	Items          []feedItemPayload `json:"items"`
	NextCursorLow  *string           `json:"next_cursor_low"`
	NextCursorHigh *string           `json:"next_cursor_high"`
}

type messagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Kind           string `json:"kind"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	DeliveredAtMs  *int64 `json:"delivered_at_ms"`
	ReadAtMs       *int64 `json:"read_at_ms"`
}

type messagePagePayload struct {
	Items      []messagePayload `json:"items"`
	NextCursor *string          `json:"next_cursor"`
}

type mutationPayload struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Updated int64  `json:"updated"`
}

type notificationPayload struct {
	NotificationID string  `json:"notification_id"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	JobID          *string `json:"job_id"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	CreatedAtMs    int64   `json:"created_at_ms"`
}

type realtimeEventPayload struct {
	ConversationID string   `json:"conversation_id"`
	ActorID        string   `json:"actor_id,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
	AtMs           int64    `json:"at_ms"`
	Source         string   `json:"source"`
}

func (h *httpHandler) handleEnsureConversation(c *gin.Context) {
	var request ensureConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	counterpart, err := messaging.NewParticipantID(request.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_participant_id"})
		return
	}
	caller := callerID(c)
	conversationID, err := h.messaging.EnsureConversation(c.Request.Context(), caller, caller, counterpart, request.ApplicationID, request.JobID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID})
}

func (h *httpHandler) handleConversationForApplication(c *gin.Context) {
	conversationID, err := h.messaging.GetOrCreateConversationForApplication(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID})
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.messaging.ListConversationsForProfile(c.Request.Context(), callerID(c), messaging.FeedQuery{
		Limit:      limit,
		CursorLow:  optionalQuery(c, "cursor_low"),
		CursorHigh: optionalQuery(c, "cursor_high"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := feedPayload{
		Items:          make([]feedItemPayload, 0, len(page.Items)),
		NextCursorLow:  page.NextCursorLow,
		NextCursorHigh: page.NextCursorHigh,
	}
	for _, item := range page.Items {
		response.Items = append(response.Items, feedItemPayload{
			ConversationID:       item.ConversationID,
			CounterpartID:        item.CounterpartID.String(),
			CounterpartName:      item.CounterpartName,
			CounterpartAvatarURL: item.CounterpartAvatarURL,
			ApplicationID:        item.ApplicationID,
			JobID:                item.JobID,
			JobTitle:             item.JobTitle,
			Status:               string(item.Status),
			LastMessageAtMs:      item.LastMessageAtMs,
			LastMessageID:        item.LastMessageID,
			Preview:              item.Preview,
			UnreadCount:          item.UnreadCount,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetConversation(c *gin.Context) {
	caller := callerID(c)
	conversation, err := h.messaging.GetConversation(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationPayload{
		ConversationID:  conversation.ConversationID,
		CounterpartID:   conversation.Counterpart(caller).String(),
		ApplicationID:   conversation.ApplicationID,
		JobID:           conversation.JobID,
		Status:          string(conversation.Status),
		LastMessageAtMs: conversation.LastMessageAtMs,
		LastMessageID:   conversation.LastMessageID,
		UnreadCount:     conversation.UnreadFor(caller),
		CreatedAtMs:     conversation.CreatedAtMs,
	})
}

func (h *httpHandler) handleUpdateConversationStatus(c *gin.Context) {
	var request statusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.messaging.UpdateConversationStatus(c.Request.Context(), callerID(c), c.Param("id"), messaging.ConversationStatus(request.Status))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMutationPayload(result))
}

func (h *httpHandler) handleGetMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.messaging.GetMessages(c.Request.Context(), callerID(c), c.Param("id"), messaging.MessageQuery{
		Limit:  limit,
		Cursor: optionalQuery(c, "cursor"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := messagePagePayload{
		Items:      make([]messagePayload, 0, len(page.Items)),
		NextCursor: page.NextCursor,
	}
	for _, message := range page.Items {
		response.Items = append(response.Items, messagePayload{
			MessageID:      message.MessageID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Body:           message.Body,
			Kind:           string(message.Kind),
			CreatedAtMs:    message.CreatedAtMs,
			DeliveredAtMs:  message.DeliveredAtMs,
			ReadAtMs:       message.ReadAtMs,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	messageID, err := h.messaging.SendMessage(c.Request.Context(), callerID(c), c.Param("id"), request.Body)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": messageID})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	result, err := h.messaging.MarkMessagesAsRead(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMutationPayload(result))
}

func (h *httpHandler) handleMarkDelivered(c *gin.Context) {
	var request deliveredRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.messaging.MarkMessagesAsDelivered(c.Request.Context(), callerID(c), request.MessageIDs)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMutationPayload(result))
}

func (h *httpHandler) handleMarkOneDelivered(c *gin.Context) {
	result, err := h.messaging.MarkMessageAsDelivered(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMutationPayload(result))
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.messaging.GetUnreadCount(c.Request.Context(), callerID(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultNotificationLimit
	}
	records, err := h.notifications.ListUnread(c.Request.Context(), callerID(c).String(), limit)
	if err != nil {
		h.logger.Error("notification listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": "notifications.list.query_failed"})
		return
	}
	items := make([]notificationPayload, 0, len(records))
	for _, record := range records {
		items = append(items, notificationPayload{
			NotificationID: record.NotificationID,
			ConversationID: record.ConversationID,
			MessageID:      record.MessageID,
			JobID:          record.JobID,
			Title:          record.Title,
			Body:           record.Body,
			CreatedAtMs:    record.CreatedAtMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleMarkNotificationsRead(c *gin.Context) {
	var request notificationsReadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.notifications.MarkRead(c.Request.Context(), callerID(c).String(), request.NotificationIDs)
	if err != nil {
		h.logger.Error("notification mark read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": "notifications.mark_read.update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// handleEvents streams the caller's realtime events as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	requestContext := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(requestContext, callerID(c).String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				ConversationID: message.ConversationID,
				ActorID:        message.ActorID,
				MessageIDs:     message.MessageIDs,
				AtMs:           message.AtMs,
				Source:         realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"at_ms": tick.UTC().UnixMilli(), "source": realtimeSourceBackend})
			return true
		}
	})
}

func toMutationPayload(result messaging.MutationResult) mutationPayload {
	return mutationPayload{OK: result.OK, Reason: result.Reason, Updated: result.Updated}
}

// parseLimit reads the optional limit query parameter, writing a 400 when it is malformed.
func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}

func optionalQuery(c *gin.Context, key string) *string {
	value, ok := c.GetQuery(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
