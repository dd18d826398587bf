package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Error kinds. Every ServiceError wraps exactly one of these or the underlying store error.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not_found")
	ErrJobNotFound     = errors.New("job_not_found")
	ErrEmptyBody       = errors.New("empty_body")
	ErrInvalidArgument = errors.New("invalid_argument")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error kind name (for example "forbidden"), or "internal" for store failures.
func Kind(err error) string {
	for _, kind := range []error{ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrJobNotFound, ErrEmptyBody, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal"
}

const (
	opServiceNew                   = "messaging.service.new"
	opEnsureConversation           = "messaging.ensure_conversation"
	opConversationForApplication   = "messaging.conversation_for_application"
	opUpdateConversationStatus     = "messaging.update_conversation_status"
	opGetConversation              = "messaging.get_conversation"
	opSendMessage                  = "messaging.send_message"
	opSendSystemMessage            = "messaging.send_system_message"
	opMarkMessagesAsDelivered      = "messaging.mark_messages_delivered"
	opMarkMessagesAsRead           = "messaging.mark_messages_read"
	opListConversationsForProfile  = "messaging.list_conversations"
	opGetMessages                  = "messaging.get_messages"
	opGetUnreadCount               = "messaging.get_unread_count"
	fieldConversationID            = "conversation_id"
	fieldParticipantID             = "participant_id"
	fieldMessageID                 = "message_id"
	fieldApplicationID             = "application_id"
	columnConversationID           = "conversation_id"
	columnUnreadLow                = "unread_low"
	columnUnreadHigh               = "unread_high"
	reasonMissingDatabase          = "missing_database"
	reasonUnauthenticated          = "unauthenticated"
	reasonNotParticipant           = "not_participant"
	reasonNotFound                 = "not_found"
	reasonBlocked                  = "blocked"
	reasonEmptyBody                = "empty_body"
	reasonInvalidParticipants      = "invalid_participants"
	reasonInvalidStatus            = "invalid_status"
	reasonInvalidCursor            = "invalid_cursor"
	reasonQueryFailed              = "query_failed"
	reasonInsertFailed             = "insert_failed"
	reasonUpdateFailed             = "update_failed"
	reasonIDGenerationFailed       = "id_generation_failed"
	reasonApplicationLookupFailed  = "application_lookup_failed"
	reasonJobLookupFailed          = "job_lookup_failed"
	reasonJobNotFound              = "job_not_found"
	reasonConversationUnresolved   = "conversation_unresolved"
	reasonContextMismatch          = "context_mismatch"
	reasonMissingJobDirectory      = "missing_job_directory"
	defaultReadBatchLimit          = 500
	maxDeliveryBatch               = 500
	defaultNotificationTimeout     = 5 * time.Second
	maxEnsureAttempts              = 3
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	Profiles      ProfileDirectory
	Jobs          JobDirectory
	Notifications NotificationSink
	Events        EventPublisher
	// ReadBatchLimit bounds how many messages one read-mark touches. Zero means 500.
	ReadBatchLimit int
	// NotificationTimeout bounds one background notification. Zero means 5s.
	NotificationTimeout time.Duration
}

type IDProvider interface {
	NewID() (string, error)
}

// NewUUIDProvider returns an IDProvider issuing UUIDv7 values, which sort by creation time.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

type uuidV7Provider struct{}

func (uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ProfileDirectory resolves display data for participants.
type ProfileDirectory interface {
	LookupProfile(ctx context.Context, id ParticipantID) (Profile, error)
}

// JobDirectory resolves applications and jobs. Implementations return ErrNotFound for unknown ids.
type JobDirectory interface {
	LookupApplication(ctx context.Context, applicationID string) (Application, error)
	LookupJob(ctx context.Context, jobID string) (Job, error)
}

// NotificationSink receives best-effort notifications about new messages.
type NotificationSink interface {
	Notify(ctx context.Context, notification Notification) error
}

// EventPublisher fans realtime events out to connected clients. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

type Service struct {
	db                  *gorm.DB
	clock               func() time.Time
	idProvider          IDProvider
	logger              *zap.Logger
	profiles            ProfileDirectory
	jobs                JobDirectory
	notifications       NotificationSink
	events              EventPublisher
	readBatchLimit      int
	notificationTimeout time.Duration
	pending             sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	readBatchLimit := cfg.ReadBatchLimit
	if readBatchLimit <= 0 {
		readBatchLimit = defaultReadBatchLimit
	}

	notificationTimeout := cfg.NotificationTimeout
	if notificationTimeout <= 0 {
		notificationTimeout = defaultNotificationTimeout
	}

	return &Service{
		db:                  cfg.Database,
		clock:               clock,
		idProvider:          cfg.IDProvider,
		logger:              logger,
		profiles:            cfg.Profiles,
		jobs:                cfg.Jobs,
		notifications:       cfg.Notifications,
		events:              cfg.Events,
		readBatchLimit:      readBatchLimit,
		notificationTimeout: notificationTimeout,
	}, nil
}

func (s *Service) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

// guard performs the checks shared by every operation: a usable store and an authenticated caller.
func (s *Service) guard(operation string, caller ParticipantID) error {
	if s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if caller == "" {
		return newServiceError(operation, reasonUnauthenticated, ErrUnauthenticated)
	}
	return nil
}

func (s *Service) publish(event Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("messaging service error", attrs...)
}
