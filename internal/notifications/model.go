package notifications

// Notification is a stored in-app notification addressed to one profile.
type Notification struct {
	NotificationID string  `gorm:"column:notification_id;primaryKey;size:190;not null"`
	ProfileID      string  `gorm:"column:profile_id;size:190;not null;index:idx_notifications_profile_created,priority:1"`
	ConversationID string  `gorm:"column:conversation_id;size:190;not null"`
	MessageID      string  `gorm:"column:message_id;size:190;not null"`
	JobID          *string `gorm:"column:job_id;size:190"`
	Title          string  `gorm:"column:title;size:320;not null"`
	Body           string  `gorm:"column:body;type:text;not null"`
	CreatedAtMs    int64   `gorm:"column:created_at_ms;not null;index:idx_notifications_profile_created,priority:2"`
	ReadAtMs       *int64  `gorm:"column:read_at_ms"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// payload is the JSON document pushed to a profile's notification channel.
type payload struct {
	Type           string  `json:"type"`
	NotificationID string  `json:"notification_id"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	JobID          *string `json:"job_id,omitempty"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	CreatedAtMs    int64   `json:"created_at_ms"`
}

const payloadTypeChatMessage = "chat_message"
