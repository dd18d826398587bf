package messaging

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	pairKeySeparator    = ":"
)

var (
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("messaging: invalid participant id")
	// ErrInvalidStatus indicates an unknown conversation status value.
	ErrInvalidStatus = errors.New("messaging: invalid conversation status")
)

// ParticipantID is the opaque profile identifier of one side of a conversation.
type ParticipantID string

// NewParticipantID validates raw input and returns a ParticipantID.
func NewParticipantID(rawInput string) (ParticipantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipantID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, pairKeySeparator) {
		return "", fmt.Errorf("%w: contains %q", ErrInvalidParticipantID, pairKeySeparator)
	}
	return ParticipantID(trimmed), nil
}

// String returns the underlying identifier.
func (id ParticipantID) String() string {
	return string(id)
}

// OrderParticipants returns the pair in stored order (lexicographic on the string form).
func OrderParticipants(first, second ParticipantID) (low ParticipantID, high ParticipantID) {
	if first.String() <= second.String() {
		return first, second
	}
	return second, first
}

// PairKeyOf returns the canonical key of the unordered pair {first, second}.
func PairKeyOf(first, second ParticipantID) string {
	low, high := OrderParticipants(first, second)
	return low.String() + pairKeySeparator + high.String()
}

// ConversationStatus enumerates conversation lifecycle states.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	// ConversationStatusBlocked forbids user sends from either side and hides the conversation from feeds.
	ConversationStatusBlocked ConversationStatus = "blocked"
)

// ParseConversationStatus validates a raw status value.
func ParseConversationStatus(rawInput string) (ConversationStatus, error) {
	switch ConversationStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ConversationStatusActive:
		return ConversationStatusActive, nil
	case ConversationStatusArchived:
		return ConversationStatusArchived, nil
	case ConversationStatusBlocked:
		return ConversationStatusBlocked, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// MessageKind distinguishes participant-authored messages from platform notices.
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// Slot is the fixed stored position a participant occupies in a conversation.
type Slot int

const (
	SlotNone Slot = iota
	SlotLow
	SlotHigh
)

// Conversation is the persisted two-party conversation row.
type Conversation struct {
	ConversationID  string             `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	ParticipantLow  string             `gorm:"column:participant_low;size:190;not null;index:idx_conversations_low_feed,priority:1"`
	ParticipantHigh string             `gorm:"column:participant_high;size:190;not null;index:idx_conversations_high_feed,priority:1"`
	PairKey         string             `gorm:"column:pair_key;size:384;not null;uniqueIndex:idx_conversations_pair_key"`
	ApplicationID   *string            `gorm:"column:application_id;size:190;uniqueIndex:idx_conversations_application"`
	JobID           *string            `gorm:"column:job_id;size:190"`
	Status          ConversationStatus `gorm:"column:status;size:16;not null"`
	LastMessageAtMs int64              `gorm:"column:last_message_at_ms;not null;index:idx_conversations_low_feed,priority:2;index:idx_conversations_high_feed,priority:2"`
	LastMessageID   *string            `gorm:"column:last_message_id;size:190"`
	UnreadLow       int64              `gorm:"column:unread_low;not null;default:0"`
	UnreadHigh      int64              `gorm:"column:unread_high;not null;default:0"`
	CreatedAtMs     int64              `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// SlotOf reports which stored slot the participant occupies.
func (c Conversation) SlotOf(participant ParticipantID) Slot {
	switch participant.String() {
	case c.ParticipantLow:
		return SlotLow
	case c.ParticipantHigh:
		return SlotHigh
	default:
		return SlotNone
	}
}

// HasParticipant reports whether the participant is one of the two stored sides.
func (c Conversation) HasParticipant(participant ParticipantID) bool {
	return c.SlotOf(participant) != SlotNone
}

// Counterpart returns the other side of the conversation for the given participant.
func (c Conversation) Counterpart(participant ParticipantID) ParticipantID {
	switch c.SlotOf(participant) {
	case SlotLow:
		return ParticipantID(c.ParticipantHigh)
	case SlotHigh:
		return ParticipantID(c.ParticipantLow)
	default:
		return ""
	}
}

// UnreadFor returns the unread counter that belongs to the participant's slot.
func (c Conversation) UnreadFor(participant ParticipantID) int64 {
	switch c.SlotOf(participant) {
	case SlotLow:
		return c.UnreadLow
	case SlotHigh:
		return c.UnreadHigh
	default:
		return 0
	}
}

// unreadColumn maps a slot to the counter column it owns.
func unreadColumn(slot Slot) string {
	if slot == SlotLow {
		return columnUnreadLow
	}
	return columnUnreadHigh
}

// recipientSlot is the slot whose counter grows when the sender's slot writes.
func recipientSlot(sender Slot) Slot {
	if sender == SlotLow {
		return SlotHigh
	}
	return SlotLow
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	MessageID      string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID string      `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string      `gorm:"column:sender_id;size:190;not null"`
	Body           string      `gorm:"column:body;type:text;not null"`
	Kind           MessageKind `gorm:"column:kind;size:16;not null"`
	CreatedAtMs    int64       `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_created,priority:2"`
	DeliveredAtMs  *int64      `gorm:"column:delivered_at_ms"`
	ReadAtMs       *int64      `gorm:"column:read_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Profile is the display card of a participant as supplied by the profile directory.
type Profile struct {
	ID        ParticipantID
	Name      string
	AvatarURL string
	// CompanyName and CompanyLogoURL are populated for company profiles only.
	CompanyName    string
	CompanyLogoURL string
	IsCompany      bool
}

// Application links a job seeker to a job.
type Application struct {
	ApplicationID string
	JobID         string
	SeekerID      ParticipantID
}

// Job is the job context a conversation may refer to.
type Job struct {
	JobID     string
	CompanyID ParticipantID
	Title     string
}

// Notification is emitted to the notification sink after a user message lands.
type Notification struct {
	RecipientID    ParticipantID
	ConversationID string
	MessageID      string
	Title          string
	Body           string
	JobID          *string
}

// EventType names realtime events published by the service.
type EventType string

const (
	EventMessageCreated    EventType = "message.created"
	EventMessagesRead      EventType = "messages.read"
	EventMessagesDelivered EventType = "messages.delivered"
	EventConversationState EventType = "conversation.status"
)

// Event is a realtime notice addressed to the participants of one conversation.
type Event struct {
	Type           EventType
	ConversationID string
	ActorID        ParticipantID
	RecipientIDs   []ParticipantID
	MessageIDs     []string
	AtMs           int64
}

// MutationResult is the soft outcome of read-state and status mutations.
type MutationResult struct {
	OK      bool
	Reason  string
	Updated int64
}

const (
	// ReasonNotParticipant is reported when the caller cannot see the target.
	ReasonNotParticipant = "not_participant"
)

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
