package messaging

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryConversationID = columnConversationID + " = ?"
	queryPairKey        = "pair_key = ?"
	queryApplicationID  = "application_id = ?"
)

// findConversation returns the first conversation matching the condition, or nil when none does.
func findConversation(db *gorm.DB, query string, args ...any) (*Conversation, error) {
	var conversation Conversation
	err := db.Where(query, args...).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// lockConversation loads the conversation row for update inside tx. SQLite ignores the
// locking clause and relies on its single writer instead.
func lockConversation(tx *gorm.DB, conversationID string) (*Conversation, error) {
	return findConversation(tx.Clauses(clause.Locking{Strength: "UPDATE"}), queryConversationID, conversationID)
}
