package messaging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const notificationTitle = "New message"

// SendMessage appends a user message from caller to the conversation. The message insert,
// the recipient's unread increment and the last-message pointer commit together.
func (s *Service) SendMessage(ctx context.Context, caller ParticipantID, conversationID string, body string) (string, error) {
	if err := s.guard(opSendMessage, caller); err != nil {
		return "", err
	}

	var (
		message      Message
		conversation Conversation
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockConversation(tx, conversationID)
		if err != nil {
			s.logError(opSendMessage, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendMessage, reasonQueryFailed, err)
		}
		if existing == nil {
			return newServiceError(opSendMessage, reasonNotFound, ErrNotFound)
		}
		if existing.Status == ConversationStatusBlocked {
			return newServiceError(opSendMessage, reasonBlocked, ErrForbidden)
		}
		senderSlot := existing.SlotOf(caller)
		if senderSlot == SlotNone {
			return newServiceError(opSendMessage, reasonNotParticipant, ErrForbidden)
		}
		trimmed := strings.TrimSpace(body)
		if trimmed == "" {
			return newServiceError(opSendMessage, reasonEmptyBody, ErrEmptyBody)
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSendMessage, reasonIDGenerationFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendMessage, reasonIDGenerationFailed, err)
		}
		nowMs := s.nowMs()
		message = Message{
			MessageID:      messageID,
			ConversationID: conversationID,
			SenderID:       caller.String(),
			Body:           trimmed,
			Kind:           MessageKindUser,
			CreatedAtMs:    nowMs,
			DeliveredAtMs:  pointerTo(nowMs),
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opSendMessage, reasonInsertFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendMessage, reasonInsertFailed, err)
		}

		counter := unreadColumn(recipientSlot(senderSlot))
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID, conversationID).
			Updates(map[string]any{
				counter:              gorm.Expr(counter+" + ?", 1),
				"last_message_at_ms": nowMs,
				"last_message_id":    messageID,
			}).Error; err != nil {
			s.logError(opSendMessage, reasonUpdateFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendMessage, reasonUpdateFailed, err)
		}
		conversation = *existing
		return nil
	})
	if txErr != nil {
		return "", txErr
	}

	recipient := conversation.Counterpart(caller)
	s.publish(Event{
		Type:           EventMessageCreated,
		ConversationID: conversationID,
		ActorID:        caller,
		RecipientIDs:   []ParticipantID{caller, recipient},
		MessageIDs:     []string{message.MessageID},
		AtMs:           message.CreatedAtMs,
	})
	s.notifyInBackground(ctx, conversation, message, recipient)

	return message.MessageID, nil
}

// notifyInBackground runs notifyRecipient after the send has returned. The work outlives the
// request context and is bounded by the notification timeout.
func (s *Service) notifyInBackground(ctx context.Context, conversation Conversation, message Message, recipient ParticipantID) {
	if s.notifications == nil || s.profiles == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notificationTimeout)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer cancel()
		s.notifyRecipient(notifyCtx, conversation, message, recipient)
	}()
}

// WaitForNotifications blocks until every notification started by SendMessage has finished.
func (s *Service) WaitForNotifications() {
	s.pending.Wait()
}

// notifyRecipient hands the new message to the notification sink when the recipient is a
// company profile. Failures are logged and never reach the sender.
func (s *Service) notifyRecipient(notifyCtx context.Context, conversation Conversation, message Message, recipient ParticipantID) {
	logger := s.loggerOrDefault().With(
		zap.String(fieldConversationID, conversation.ConversationID),
		zap.String(fieldMessageID, message.MessageID))

	recipientProfile, err := s.profiles.LookupProfile(notifyCtx, recipient)
	if err != nil {
		logger.Warn("notification skipped: recipient lookup failed", zap.Error(err))
		return
	}
	if !recipientProfile.IsCompany {
		return
	}

	senderName := "A candidate"
	if senderProfile, err := s.profiles.LookupProfile(notifyCtx, ParticipantID(message.SenderID)); err == nil && senderProfile.Name != "" {
		senderName = senderProfile.Name
	}

	notification := Notification{
		RecipientID:    recipient,
		ConversationID: conversation.ConversationID,
		MessageID:      message.MessageID,
		Title:          notificationTitle,
		Body:           fmt.Sprintf("%s: %s", senderName, Preview(message.Body)),
		JobID:          conversation.JobID,
	}
	if err := s.notifications.Notify(notifyCtx, notification); err != nil {
		logger.Warn("notification delivery failed", zap.Error(err))
	}
}

// SendSystemMessage appends a platform notice. It ignores the blocked state, is attributed to
// the low participant and is stored as already delivered and read.
func (s *Service) SendSystemMessage(ctx context.Context, conversationID string, body string) (string, error) {
	if s.db == nil {
		s.logError(opSendSystemMessage, reasonMissingDatabase, errMissingDatabase)
		return "", newServiceError(opSendSystemMessage, reasonMissingDatabase, errMissingDatabase)
	}

	var (
		message      Message
		conversation Conversation
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockConversation(tx, conversationID)
		if err != nil {
			s.logError(opSendSystemMessage, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendSystemMessage, reasonQueryFailed, err)
		}
		if existing == nil {
			return newServiceError(opSendSystemMessage, reasonNotFound, ErrNotFound)
		}
		trimmed := strings.TrimSpace(body)
		if trimmed == "" {
			return newServiceError(opSendSystemMessage, reasonEmptyBody, ErrEmptyBody)
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSendSystemMessage, reasonIDGenerationFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendSystemMessage, reasonIDGenerationFailed, err)
		}
		nowMs := s.nowMs()
		message = Message{
			MessageID:      messageID,
			ConversationID: conversationID,
			SenderID:       existing.ParticipantLow,
			Body:           trimmed,
			Kind:           MessageKindSystem,
			CreatedAtMs:    nowMs,
			DeliveredAtMs:  pointerTo(nowMs),
			ReadAtMs:       pointerTo(nowMs),
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opSendSystemMessage, reasonInsertFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendSystemMessage, reasonInsertFailed, err)
		}
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID, conversationID).
			Updates(map[string]any{
				"last_message_at_ms": nowMs,
				"last_message_id":    messageID,
			}).Error; err != nil {
			s.logError(opSendSystemMessage, reasonUpdateFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opSendSystemMessage, reasonUpdateFailed, err)
		}
		conversation = *existing
		return nil
	})
	if txErr != nil {
		return "", txErr
	}

	s.publish(Event{
		Type:           EventMessageCreated,
		ConversationID: conversationID,
		RecipientIDs:   []ParticipantID{ParticipantID(conversation.ParticipantLow), ParticipantID(conversation.ParticipantHigh)},
		MessageIDs:     []string{message.MessageID},
		AtMs:           message.CreatedAtMs,
	})
	return message.MessageID, nil
}

// MarkMessageAsDelivered is the single-message form of MarkMessagesAsDelivered.
func (s *Service) MarkMessageAsDelivered(ctx context.Context, caller ParticipantID, messageID string) (MutationResult, error) {
	return s.MarkMessagesAsDelivered(ctx, caller, []string{messageID})
}

// MarkMessagesAsDelivered stamps delivered_at on the listed messages that do not carry it yet.
// Messages in conversations the caller is not part of are skipped.
func (s *Service) MarkMessagesAsDelivered(ctx context.Context, caller ParticipantID, messageIDs []string) (MutationResult, error) {
	if err := s.guard(opMarkMessagesAsDelivered, caller); err != nil {
		return MutationResult{}, err
	}
	messageIDs = uniqueNonEmpty(messageIDs)
	if len(messageIDs) == 0 {
		return MutationResult{OK: true}, nil
	}
	if len(messageIDs) > maxDeliveryBatch {
		messageIDs = messageIDs[:maxDeliveryBatch]
	}

	var (
		result    MutationResult
		delivered = make(map[string][]string)
		audience  = make(map[string]Conversation)
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messages []Message
		if err := tx.Where("message_id IN ?", messageIDs).Find(&messages).Error; err != nil {
			s.logError(opMarkMessagesAsDelivered, reasonQueryFailed, err, zap.String(fieldParticipantID, caller.String()))
			return newServiceError(opMarkMessagesAsDelivered, reasonQueryFailed, err)
		}

		conversationIDs := make([]string, 0, len(messages))
		for _, message := range messages {
			conversationIDs = append(conversationIDs, message.ConversationID)
		}
		var conversations []Conversation
		if len(conversationIDs) > 0 {
			if err := tx.Where(columnConversationID+" IN ?", uniqueNonEmpty(conversationIDs)).Find(&conversations).Error; err != nil {
				s.logError(opMarkMessagesAsDelivered, reasonQueryFailed, err, zap.String(fieldParticipantID, caller.String()))
				return newServiceError(opMarkMessagesAsDelivered, reasonQueryFailed, err)
			}
		}
		byID := make(map[string]Conversation, len(conversations))
		for _, conversation := range conversations {
			byID[conversation.ConversationID] = conversation
		}

		allowed := make([]string, 0, len(messages))
		for _, message := range messages {
			conversation, ok := byID[message.ConversationID]
			if !ok || !conversation.HasParticipant(caller) {
				continue
			}
			if message.DeliveredAtMs != nil {
				continue
			}
			allowed = append(allowed, message.MessageID)
			delivered[message.ConversationID] = append(delivered[message.ConversationID], message.MessageID)
			audience[message.ConversationID] = conversation
		}
		if len(allowed) == 0 {
			reason := reasonIfNone(messages, byID, caller)
			result = MutationResult{OK: reason == "", Reason: reason}
			return nil
		}

		updated := tx.Model(&Message{}).
			Where("message_id IN ? AND delivered_at_ms IS NULL", allowed).
			Update("delivered_at_ms", s.nowMs())
		if updated.Error != nil {
			s.logError(opMarkMessagesAsDelivered, reasonUpdateFailed, updated.Error, zap.String(fieldParticipantID, caller.String()))
			return newServiceError(opMarkMessagesAsDelivered, reasonUpdateFailed, updated.Error)
		}
		result = MutationResult{OK: true, Updated: updated.RowsAffected}
		return nil
	})
	if txErr != nil {
		return MutationResult{}, txErr
	}

	for conversationID, ids := range delivered {
		conversation := audience[conversationID]
		s.publish(Event{
			Type:           EventMessagesDelivered,
			ConversationID: conversationID,
			ActorID:        caller,
			RecipientIDs:   []ParticipantID{conversation.Counterpart(caller)},
			MessageIDs:     ids,
			AtMs:           s.nowMs(),
		})
	}
	return result, nil
}

// reasonIfNone explains a delivery mark that touched nothing: either none of the messages are
// visible to the caller, or they were all delivered already.
func reasonIfNone(messages []Message, conversations map[string]Conversation, caller ParticipantID) string {
	for _, message := range messages {
		if conversation, ok := conversations[message.ConversationID]; ok && conversation.HasParticipant(caller) {
			return ""
		}
	}
	return ReasonNotParticipant
}

// MarkMessagesAsRead marks the counterpart's unread messages in the conversation as read and
// clears the caller's unread counter. At most ReadBatchLimit messages are touched per call;
// the counter drops by the number marked and reaches zero once nothing unread remains.
func (s *Service) MarkMessagesAsRead(ctx context.Context, caller ParticipantID, conversationID string) (MutationResult, error) {
	if err := s.guard(opMarkMessagesAsRead, caller); err != nil {
		return MutationResult{}, err
	}

	var (
		result       MutationResult
		readIDs      []string
		conversation Conversation
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockConversation(tx, conversationID)
		if err != nil {
			s.logError(opMarkMessagesAsRead, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opMarkMessagesAsRead, reasonQueryFailed, err)
		}
		if existing == nil || !existing.HasParticipant(caller) {
			result = MutationResult{OK: false, Reason: ReasonNotParticipant}
			return nil
		}
		conversation = *existing

		if err := tx.Model(&Message{}).
			Where(queryConversationID+" AND sender_id <> ? AND kind = ? AND read_at_ms IS NULL",
				conversationID, caller.String(), MessageKindUser).
			Order("created_at_ms DESC").
			Order("message_id DESC").
			Limit(s.readBatchLimit).
			Pluck("message_id", &readIDs).Error; err != nil {
			s.logError(opMarkMessagesAsRead, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opMarkMessagesAsRead, reasonQueryFailed, err)
		}

		nowMs := s.nowMs()
		var marked int64
		if len(readIDs) > 0 {
			updated := tx.Model(&Message{}).
				Where("message_id IN ? AND read_at_ms IS NULL", readIDs).
				Updates(map[string]any{
					"read_at_ms":      nowMs,
					"delivered_at_ms": gorm.Expr("COALESCE(delivered_at_ms, ?)", nowMs),
				})
			if updated.Error != nil {
				s.logError(opMarkMessagesAsRead, reasonUpdateFailed, updated.Error, zap.String(fieldConversationID, conversationID))
				return newServiceError(opMarkMessagesAsRead, reasonUpdateFailed, updated.Error)
			}
			marked = updated.RowsAffected
		}

		counter := unreadColumn(existing.SlotOf(caller))
		var counterValue any = int64(0)
		if len(readIDs) >= s.readBatchLimit {
			counterValue = gorm.Expr("CASE WHEN "+counter+" > ? THEN "+counter+" - ? ELSE 0 END", marked, marked)
		}
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID, conversationID).
			Update(counter, counterValue).Error; err != nil {
			s.logError(opMarkMessagesAsRead, reasonUpdateFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opMarkMessagesAsRead, reasonUpdateFailed, err)
		}

		result = MutationResult{OK: true, Updated: marked}
		return nil
	})
	if txErr != nil {
		return MutationResult{}, txErr
	}

	if len(readIDs) > 0 {
		s.publish(Event{
			Type:           EventMessagesRead,
			ConversationID: conversationID,
			ActorID:        caller,
			RecipientIDs:   []ParticipantID{conversation.Counterpart(caller)},
			MessageIDs:     readIDs,
			AtMs:           s.nowMs(),
		})
	}
	return result, nil
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
