package messaging

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultFeedLimit    = 20
	maxFeedLimit        = 100
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	previewRuneLimit    = 140
	previewEllipsis     = "…"
	columnLowSlot       = "participant_low"
	columnHighSlot      = "participant_high"
	orderLastMessage    = "last_message_at_ms DESC"
	orderConversationID = "conversation_id DESC"
)

// FeedQuery selects one page of the caller's conversation feed. The two cursors resume the
// low-slot and high-slot scans and must be submitted together as returned.
type FeedQuery struct {
	Limit      int
	CursorLow  *string
	CursorHigh *string
}

// FeedItem is a conversation as seen by one participant.
type FeedItem struct {
	ConversationID       string
	CounterpartID        ParticipantID
	CounterpartName      string
	CounterpartAvatarURL string
	ApplicationID        *string
	JobID                *string
	JobTitle             string
	Status               ConversationStatus
	LastMessageAtMs      int64
	LastMessageID        *string
	Preview              string
	UnreadCount          int64
}

// FeedPage holds merged feed items in descending last-message order. Both cursors are nil
// once both scans are exhausted.
type FeedPage struct {
	Items          []FeedItem
	NextCursorLow  *string
	NextCursorHigh *string
}

// MessageQuery selects one page of a conversation's messages, newest first for cursoring.
type MessageQuery struct {
	Limit  int
	Cursor *string
}

// MessagePage holds messages in chronological order.
type MessagePage struct {
	Items      []Message
	NextCursor *string
}

// ListConversationsForProfile merges the caller's low-slot and high-slot conversations into a
// single feed, newest activity first, with blocked conversations left out.
func (s *Service) ListConversationsForProfile(ctx context.Context, caller ParticipantID, query FeedQuery) (FeedPage, error) {
	if err := s.guard(opListConversationsForProfile, caller); err != nil {
		return FeedPage{}, err
	}
	limit := clampLimit(query.Limit, defaultFeedLimit, maxFeedLimit)
	cursorLow, err := decodeOptionalCursor(query.CursorLow)
	if err != nil {
		return FeedPage{}, newServiceError(opListConversationsForProfile, reasonInvalidCursor, errors.Join(ErrInvalidArgument, err))
	}
	cursorHigh, err := decodeOptionalCursor(query.CursorHigh)
	if err != nil {
		return FeedPage{}, newServiceError(opListConversationsForProfile, reasonInvalidCursor, errors.Join(ErrInvalidArgument, err))
	}

	var lowRows, highRows []Conversation
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		rows, err := scanFeedSlot(s.db.WithContext(groupCtx), columnLowSlot, caller, cursorLow, limit)
		lowRows = rows
		return err
	})
	group.Go(func() error {
		rows, err := scanFeedSlot(s.db.WithContext(groupCtx), columnHighSlot, caller, cursorHigh, limit)
		highRows = rows
		return err
	})
	if err := group.Wait(); err != nil {
		s.logError(opListConversationsForProfile, reasonQueryFailed, err, zap.String(fieldParticipantID, caller.String()))
		return FeedPage{}, newServiceError(opListConversationsForProfile, reasonQueryFailed, err)
	}

	merged, takenLow, takenHigh := mergeFeedStreams(lowRows, highRows, limit)
	page := FeedPage{Items: s.enrichFeed(ctx, caller, merged)}

	nextLow, moreLow := nextStreamPosition(lowRows, takenLow, cursorLow)
	nextHigh, moreHigh := nextStreamPosition(highRows, takenHigh, cursorHigh)
	if moreLow || moreHigh {
		page.NextCursorLow = pointerTo(encodeCursor(nextLow))
		page.NextCursorHigh = pointerTo(encodeCursor(nextHigh))
	}
	return page, nil
}

func scanFeedSlot(db *gorm.DB, column string, caller ParticipantID, cursor *position, limit int) ([]Conversation, error) {
	query := db.Where(column+" = ? AND status <> ?", caller.String(), ConversationStatusBlocked)
	if cursor != nil {
		query = query.Where("(last_message_at_ms < ? OR (last_message_at_ms = ? AND conversation_id < ?))",
			cursor.AtMs, cursor.AtMs, cursor.ID)
	}
	var rows []Conversation
	err := query.Order(orderLastMessage).Order(orderConversationID).Limit(limit + 1).Find(&rows).Error
	return rows, err
}

// mergeFeedStreams performs a two-way merge of descending streams, taking up to limit rows.
// It reports how many rows it consumed from each stream.
func mergeFeedStreams(low, high []Conversation, limit int) ([]Conversation, int, int) {
	merged := make([]Conversation, 0, limit)
	takenLow, takenHigh := 0, 0
	for len(merged) < limit && (takenLow < len(low) || takenHigh < len(high)) {
		switch {
		case takenHigh >= len(high):
			merged = append(merged, low[takenLow])
			takenLow++
		case takenLow >= len(low):
			merged = append(merged, high[takenHigh])
			takenHigh++
		case newerOrSame(low[takenLow], high[takenHigh]):
			merged = append(merged, low[takenLow])
			takenLow++
		default:
			merged = append(merged, high[takenHigh])
			takenHigh++
		}
	}
	return merged, takenLow, takenHigh
}

func newerOrSame(a, b Conversation) bool {
	if a.LastMessageAtMs != b.LastMessageAtMs {
		return a.LastMessageAtMs > b.LastMessageAtMs
	}
	return a.ConversationID >= b.ConversationID
}

// nextStreamPosition returns where a stream resumes and whether rows remain beyond it.
func nextStreamPosition(rows []Conversation, taken int, incoming *position) (position, bool) {
	more := len(rows) > taken
	switch {
	case taken > 0:
		last := rows[taken-1]
		return position{AtMs: last.LastMessageAtMs, ID: last.ConversationID}, more
	case incoming != nil:
		return *incoming, more
	default:
		return headPosition, more
	}
}

func (s *Service) enrichFeed(ctx context.Context, caller ParticipantID, conversations []Conversation) []FeedItem {
	items := make([]FeedItem, 0, len(conversations))
	if len(conversations) == 0 {
		return items
	}

	previews := s.loadPreviews(ctx, conversations)
	var viewer Profile
	if s.profiles != nil {
		if profile, err := s.profiles.LookupProfile(ctx, caller); err == nil {
			viewer = profile
		} else {
			s.loggerOrDefault().Debug("viewer profile lookup failed", zap.String(fieldParticipantID, caller.String()), zap.Error(err))
		}
	}

	counterparts := make(map[ParticipantID]Profile)
	jobTitles := make(map[string]string)
	for _, conversation := range conversations {
		counterpartID := conversation.Counterpart(caller)
		item := FeedItem{
			ConversationID:  conversation.ConversationID,
			CounterpartID:   counterpartID,
			ApplicationID:   conversation.ApplicationID,
			JobID:           conversation.JobID,
			Status:          conversation.Status,
			LastMessageAtMs: conversation.LastMessageAtMs,
			LastMessageID:   conversation.LastMessageID,
			UnreadCount:     conversation.UnreadFor(caller),
		}
		if conversation.LastMessageID != nil {
			item.Preview = Preview(previews[*conversation.LastMessageID])
		}

		if s.profiles != nil {
			counterpart, cached := counterparts[counterpartID]
			if !cached {
				profile, err := s.profiles.LookupProfile(ctx, counterpartID)
				if err != nil {
					s.loggerOrDefault().Warn("counterpart profile lookup failed",
						zap.String(fieldConversationID, conversation.ConversationID), zap.Error(err))
				}
				counterpart = profile
				counterparts[counterpartID] = profile
			}
			item.CounterpartName, item.CounterpartAvatarURL = displayFor(viewer, counterpart)
		}

		if s.jobs != nil && conversation.JobID != nil {
			title, cached := jobTitles[*conversation.JobID]
			if !cached {
				job, err := s.jobs.LookupJob(ctx, *conversation.JobID)
				if err != nil {
					s.loggerOrDefault().Debug("job lookup failed",
						zap.String(fieldConversationID, conversation.ConversationID), zap.Error(err))
				}
				title = job.Title
				jobTitles[*conversation.JobID] = title
			}
			item.JobTitle = title
		}
		items = append(items, item)
	}
	return items
}

func (s *Service) loadPreviews(ctx context.Context, conversations []Conversation) map[string]string {
	ids := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		if conversation.LastMessageID != nil {
			ids = append(ids, *conversation.LastMessageID)
		}
	}
	previews := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return previews
	}
	var messages []Message
	if err := s.db.WithContext(ctx).Select("message_id", "body").Where("message_id IN ?", ids).Find(&messages).Error; err != nil {
		s.loggerOrDefault().Warn("preview lookup failed", zap.Error(err))
		return previews
	}
	for _, message := range messages {
		previews[message.MessageID] = message.Body
	}
	return previews
}

// displayFor picks the counterpart's name and avatar. Job seekers see a company counterpart by
// its company name and logo; everyone else sees personal details.
func displayFor(viewer, counterpart Profile) (string, string) {
	if !viewer.IsCompany && counterpart.IsCompany {
		name := counterpart.CompanyName
		if name == "" {
			name = counterpart.Name
		}
		avatar := counterpart.CompanyLogoURL
		if avatar == "" {
			avatar = counterpart.AvatarURL
		}
		return name, avatar
	}
	return counterpart.Name, counterpart.AvatarURL
}

// Preview clips a message body to 140 characters, marking the cut with an ellipsis.
func Preview(body string) string {
	trimmed := strings.TrimSpace(body)
	if utf8.RuneCountInString(trimmed) <= previewRuneLimit {
		return trimmed
	}
	runes := []rune(trimmed)
	return strings.TrimRightFunc(string(runes[:previewRuneLimit]), isSpace) + previewEllipsis
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// GetMessages returns one page of a conversation's messages in reading order. Callers who are
// not participants, and unknown conversations, get an empty page.
func (s *Service) GetMessages(ctx context.Context, caller ParticipantID, conversationID string, query MessageQuery) (MessagePage, error) {
	if err := s.guard(opGetMessages, caller); err != nil {
		return MessagePage{}, err
	}
	limit := clampLimit(query.Limit, defaultMessageLimit, maxMessageLimit)
	cursor, err := decodeOptionalCursor(query.Cursor)
	if err != nil {
		return MessagePage{}, newServiceError(opGetMessages, reasonInvalidCursor, errors.Join(ErrInvalidArgument, err))
	}

	db := s.db.WithContext(ctx)
	conversation, err := findConversation(db, queryConversationID, conversationID)
	if err != nil {
		s.logError(opGetMessages, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return MessagePage{}, newServiceError(opGetMessages, reasonQueryFailed, err)
	}
	if conversation == nil || !conversation.HasParticipant(caller) {
		return MessagePage{Items: []Message{}}, nil
	}

	scan := db.Where(queryConversationID, conversationID)
	if cursor != nil {
		scan = scan.Where("(created_at_ms < ? OR (created_at_ms = ? AND message_id < ?))", cursor.AtMs, cursor.AtMs, cursor.ID)
	}
	var rows []Message
	if err := scan.Order("created_at_ms DESC").Order("message_id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		s.logError(opGetMessages, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return MessagePage{}, newServiceError(opGetMessages, reasonQueryFailed, err)
	}

	page := MessagePage{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = pointerTo(encodeCursor(position{AtMs: last.CreatedAtMs, ID: last.MessageID}))
	}
	for left, right := 0, len(rows)-1; left < right; left, right = left+1, right-1 {
		rows[left], rows[right] = rows[right], rows[left]
	}
	page.Items = rows
	return page, nil
}

// GetUnreadCount sums the caller's slot counters over every conversation the caller is in.
func (s *Service) GetUnreadCount(ctx context.Context, caller ParticipantID) (int64, error) {
	if err := s.guard(opGetUnreadCount, caller); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx)

	var lowTotal, highTotal int64
	if err := db.Model(&Conversation{}).
		Where(columnLowSlot+" = ?", caller.String()).
		Select("COALESCE(SUM(" + columnUnreadLow + "), 0)").
		Scan(&lowTotal).Error; err != nil {
		s.logError(opGetUnreadCount, reasonQueryFailed, err, zap.String(fieldParticipantID, caller.String()))
		return 0, newServiceError(opGetUnreadCount, reasonQueryFailed, err)
	}
	if err := db.Model(&Conversation{}).
		Where(columnHighSlot+" = ?", caller.String()).
		Select("COALESCE(SUM(" + columnUnreadHigh + "), 0)").
		Scan(&highTotal).Error; err != nil {
		s.logError(opGetUnreadCount, reasonQueryFailed, err, zap.String(fieldParticipantID, caller.String()))
		return 0, newServiceError(opGetUnreadCount, reasonQueryFailed, err)
	}
	return lowTotal + highTotal, nil
}

func clampLimit(requested, fallback, maximum int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > maximum {
		return maximum
	}
	return requested
}
