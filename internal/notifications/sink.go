package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("notifications: database connection required")
	errMissingIDProvider = errors.New("notifications: id provider required")
)

// SinkConfig describes the dependencies of the notification sink.
type SinkConfig struct {
	Database   *gorm.DB
	Publisher  Publisher
	IDProvider messaging.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Sink stores notifications and fans them out to the recipient's channel.
type Sink struct {
	db         *gorm.DB
	publisher  Publisher
	idProvider messaging.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewSink validates the configuration. A nil Publisher stores notifications without fan-out.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		db:         cfg.Database,
		publisher:  cfg.Publisher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Notify implements messaging.NotificationSink. The stored row is authoritative; a failed
// publish is logged and does not fail the call.
func (s *Sink) Notify(ctx context.Context, notification messaging.Notification) error {
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("notifications: id generation: %w", err)
	}
	record := Notification{
		NotificationID: notificationID,
		ProfileID:      notification.RecipientID.String(),
		ConversationID: notification.ConversationID,
		MessageID:      notification.MessageID,
		JobID:          notification.JobID,
		Title:          notification.Title,
		Body:           notification.Body,
		CreatedAtMs:    s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("notifications: insert: %w", err)
	}

	if s.publisher == nil {
		return nil
	}
	encoded, err := json.Marshal(payload{
		Type:           payloadTypeChatMessage,
		NotificationID: record.NotificationID,
		ConversationID: record.ConversationID,
		MessageID:      record.MessageID,
		JobID:          record.JobID,
		Title:          record.Title,
		Body:           record.Body,
		CreatedAtMs:    record.CreatedAtMs,
	})
	if err != nil {
		return fmt.Errorf("notifications: encode: %w", err)
	}
	if err := s.publisher.Publish(ctx, record.ProfileID, encoded); err != nil {
		s.logger.Warn("notification publish failed",
			zap.String("notification_id", record.NotificationID),
			zap.String("profile_id", record.ProfileID),
			zap.Error(err))
	}
	return nil
}

// ListUnread returns the profile's unread notifications, newest first.
func (s *Sink) ListUnread(ctx context.Context, profileID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []Notification
	err := s.db.WithContext(ctx).
		Where("profile_id = ? AND read_at_ms IS NULL", profileID).
		Order("created_at_ms DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// MarkRead stamps the profile's listed notifications as read and reports how many changed.
// Ids owned by other profiles and already-read notifications are left alone.
func (s *Sink) MarkRead(ctx context.Context, profileID string, notificationIDs []string) (int64, error) {
	if len(notificationIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("profile_id = ? AND notification_id IN ? AND read_at_ms IS NULL", profileID, notificationIDs).
		Update("read_at_ms", s.clock().UTC().UnixMilli())
	if result.Error != nil {
		return 0, fmt.Errorf("notifications: mark read: %w", result.Error)
	}
	return result.RowsAffected, nil
}
