package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/auth"
	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"github.com/MarcoPoloResearchLab/rojgar/internal/notifications"
	"github.com/MarcoPoloResearchLab/rojgar/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profileIDContextKey      = "rojgar_profile_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingMessagingService = errors.New("messaging service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type ProfileResolver interface {
	ResolveProfileID(ctx context.Context, claims auth.SessionClaims) (messaging.ParticipantID, error)
}

type NotificationReader interface {
	ListUnread(ctx context.Context, profileID string, limit int) ([]notifications.Notification, error)
	MarkRead(ctx context.Context, profileID string, notificationIDs []string) (int64, error)
}

// Dependencies wires the HTTP surface. Notifications and Realtime are optional; their routes
// are only registered when present. Cross-origin requests are only answered for AllowedOrigins.
type Dependencies struct {
	Sessions          SessionValidator
	Profiles          ProfileResolver
	Messaging         *messaging.Service
	Notifications     NotificationReader
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Messaging == nil {
		return nil, errMissingMessagingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		profiles:          deps.Profiles,
		messaging:         deps.Messaging,
		notifications:     deps.Notifications,
		realtime:          deps.Realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/conversations", handler.handleEnsureConversation)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/:id", handler.handleGetConversation)
	protected.PATCH("/conversations/:id/status", handler.handleUpdateConversationStatus)
	protected.GET("/conversations/:id/messages", handler.handleGetMessages)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.POST("/conversations/:id/read", handler.handleMarkRead)
	protected.POST("/applications/:id/conversation", handler.handleConversationForApplication)
	protected.POST("/messages/delivered", handler.handleMarkDelivered)
	protected.POST("/messages/:id/delivered", handler.handleMarkOneDelivered)
	protected.GET("/unread-count", handler.handleUnreadCount)
	if handler.notifications != nil {
		protected.GET("/notifications", handler.handleListNotifications)
		protected.POST("/notifications/read", handler.handleMarkNotificationsRead)
	}
	if handler.realtime != nil {
		protected.GET("/events", handler.handleEvents)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		normalized := normalizeOrigin(origin)
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			_, ok := allowed[normalizeOrigin(origin)]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

type httpHandler struct {
	sessions          SessionValidator
	profiles          ProfileResolver
	messaging         *messaging.Service
	notifications     NotificationReader
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest validates the session and resolves the caller's profile.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		abortUnauthenticated(c, "auth.invalid_session")
		return
	}

	profileID, err := h.profiles.ResolveProfileID(c.Request.Context(), claims)
	switch {
	case err == nil:
	case errors.Is(err, profiles.ErrUnknownProfile) || errors.Is(err, profiles.ErrInvalidIdentity):
		h.logger.Info("session has no profile", zap.String("user_id", claims.UserID), zap.Error(err))
		abortUnauthenticated(c, "auth.unknown_profile")
		return
	default:
		h.logger.Error("profile resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": "auth.profile_lookup_failed"})
		return
	}

	c.Set(profileIDContextKey, profileID)
	c.Next()
}

func abortUnauthenticated(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": messaging.ErrUnauthenticated.Error(), "code": code})
}

func callerID(c *gin.Context) messaging.ParticipantID {
	value, ok := c.Get(profileIDContextKey)
	if !ok {
		return ""
	}
	profileID, _ := value.(messaging.ParticipantID)
	return profileID
}

// writeServiceError maps a messaging error onto the JSON error envelope.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	kind := messaging.Kind(err)
	body := gin.H{"error": kind}
	var serviceErr *messaging.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusForKind(kind string) int {
	switch kind {
	case messaging.ErrUnauthenticated.Error():
		return http.StatusUnauthorized
	case messaging.ErrForbidden.Error():
		return http.StatusForbidden
	case messaging.ErrNotFound.Error(), messaging.ErrJobNotFound.Error():
		return http.StatusNotFound
	case messaging.ErrEmptyBody.Error(), messaging.ErrInvalidArgument.Error():
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
