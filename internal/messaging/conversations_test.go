package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPairKeyIsOrderIndependent(t *testing.T) {
	require.Equal(t, "p-100:p-200", PairKeyOf(seekerID, companyID))
	require.Equal(t, PairKeyOf(seekerID, companyID), PairKeyOf(companyID, seekerID))

	low, high := OrderParticipants(companyID, seekerID)
	require.Equal(t, seekerID, low)
	require.Equal(t, companyID, high)
}

func TestNewParticipantIDValidation(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		valid bool
	}{
		{name: "plain", input: "p-100", valid: true},
		{name: "trimmed", input: "  p-100  ", valid: true},
		{name: "empty", input: "   ", valid: false},
		{name: "separator", input: "p:100", valid: false},
		{name: "too long", input: strings.Repeat("x", 191), valid: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			id, err := NewParticipantID(testCase.input)
			if !testCase.valid {
				require.ErrorIs(t, err, ErrInvalidParticipantID)
				return
			}
			require.NoError(t, err)
			require.Equal(t, strings.TrimSpace(testCase.input), id.String())
		})
	}
}

func TestEnsureConversationIsSymmetric(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.EnsureConversation(ctx, seekerID, seekerID, companyID, nil, nil)
	require.NoError(t, err)
	second, err := env.service.EnsureConversation(ctx, companyID, companyID, seekerID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stored := env.conversation(t, first)
	require.Equal(t, seekerID.String(), stored.ParticipantLow)
	require.Equal(t, companyID.String(), stored.ParticipantHigh)
	require.Equal(t, ConversationStatusActive, stored.Status)
	require.Zero(t, stored.UnreadLow)
	require.Zero(t, stored.UnreadHigh)
	require.Nil(t, stored.LastMessageID)
}

func TestEnsureConversationConcurrentCallersShareOneRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < callers; index++ {
		group.Go(func() error {
			caller, counterpart := seekerID, companyID
			if index%2 == 1 {
				caller, counterpart = companyID, seekerID
			}
			id, err := env.service.EnsureConversation(groupCtx, caller, caller, counterpart, nil, nil)
			ids[index] = id
			return err
		})
	}
	require.NoError(t, group.Wait())

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, env.db.Model(&Conversation{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestEnsureConversationRejectsInvalidCallers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.EnsureConversation(ctx, "", seekerID, companyID, nil, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
	requireCode(t, err, "messaging.ensure_conversation.unauthenticated")

	_, err = env.service.EnsureConversation(ctx, strangerID, seekerID, companyID, nil, nil)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.service.EnsureConversation(ctx, seekerID, seekerID, seekerID, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, "invalid_argument", Kind(err))
}

func TestEnsureConversationWithLinkedApplicationRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conversationID, err := env.service.GetOrCreateConversationForApplication(ctx, seekerID, "app-1")
	require.NoError(t, err)

	again, err := env.service.EnsureConversation(ctx, companyID, companyID, seekerID, pointerTo("app-1"), nil)
	require.NoError(t, err)
	require.Equal(t, conversationID, again)

	_, err = env.service.EnsureConversation(ctx, otherID, otherID, strangerID, pointerTo("app-1"), nil)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestEnsureConversationVerifiesApplicationAndJobContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.EnsureConversation(ctx, otherID, otherID, strangerID, pointerTo("app-1"), nil)
	require.ErrorIs(t, err, ErrForbidden)
	requireCode(t, err, "messaging.ensure_conversation.context_mismatch")

	_, err = env.service.EnsureConversation(ctx, otherID, otherID, strangerID, nil, pointerTo("job-1"))
	require.ErrorIs(t, err, ErrForbidden)
	requireCode(t, err, "messaging.ensure_conversation.context_mismatch")

	_, err = env.service.EnsureConversation(ctx, seekerID, seekerID, companyID, pointerTo("app-missing"), nil)
	require.ErrorIs(t, err, ErrNotFound)
	requireCode(t, err, "messaging.ensure_conversation.not_found")

	_, err = env.service.EnsureConversation(ctx, seekerID, seekerID, companyID, nil, pointerTo("job-missing"))
	require.ErrorIs(t, err, ErrJobNotFound)

	var count int64
	require.NoError(t, env.db.Model(&Conversation{}).Count(&count).Error)
	require.Zero(t, count)

	// The job recorded for an application comes from the directory, not the caller.
	conversationID, err := env.service.EnsureConversation(ctx, seekerID, seekerID, companyID, pointerTo("app-1"), pointerTo("job-2"))
	require.NoError(t, err)
	stored := env.conversation(t, conversationID)
	require.Equal(t, "app-1", *stored.ApplicationID)
	require.Equal(t, "job-1", *stored.JobID)
}

func TestEnsureConversationWithJobOnlyStoresJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conversationID, err := env.service.EnsureConversation(ctx, companyID, companyID, seekerID, nil, pointerTo("job-2"))
	require.NoError(t, err)

	stored := env.conversation(t, conversationID)
	require.Nil(t, stored.ApplicationID)
	require.NotNil(t, stored.JobID)
	require.Equal(t, "job-2", *stored.JobID)
}

func TestConversationForApplicationIgnoresLinkHeldByAnotherPair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&Conversation{
		ConversationID:  "legacy-1",
		ParticipantLow:  otherID.String(),
		ParticipantHigh: strangerID.String(),
		PairKey:         PairKeyOf(otherID, strangerID),
		ApplicationID:   pointerTo("app-1"),
		Status:          ConversationStatusActive,
	}).Error)

	conversationID, err := env.service.GetOrCreateConversationForApplication(ctx, companyID, "app-1")
	require.NoError(t, err)
	require.NotEqual(t, "legacy-1", conversationID)

	stored := env.conversation(t, conversationID)
	require.Equal(t, "p-100:p-200", stored.PairKey)
	require.Nil(t, stored.ApplicationID)
	require.NotNil(t, stored.JobID)
	require.Equal(t, "job-1", *stored.JobID)

	again, err := env.service.EnsureConversation(ctx, seekerID, seekerID, companyID, pointerTo("app-1"), nil)
	require.NoError(t, err)
	require.Equal(t, conversationID, again)

	messageID := env.send(t, companyID, conversationID, "Please bring your certificates.")
	require.NotEmpty(t, messageID)

	legacy := env.conversation(t, "legacy-1")
	require.Nil(t, legacy.LastMessageID)
}

func TestConversationForApplicationCreatesLinkedConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conversationID, err := env.service.GetOrCreateConversationForApplication(ctx, companyID, "app-1")
	require.NoError(t, err)

	stored := env.conversation(t, conversationID)
	require.Equal(t, "p-100:p-200", stored.PairKey)
	require.NotNil(t, stored.ApplicationID)
	require.Equal(t, "app-1", *stored.ApplicationID)
	require.NotNil(t, stored.JobID)
	require.Equal(t, "job-1", *stored.JobID)

	again, err := env.service.GetOrCreateConversationForApplication(ctx, seekerID, "app-1")
	require.NoError(t, err)
	require.Equal(t, conversationID, again)
}

func TestConversationForApplicationBackfillsExistingPair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plain := env.ensure(t, seekerID, companyID)
	linked, err := env.service.GetOrCreateConversationForApplication(ctx, seekerID, "app-1")
	require.NoError(t, err)
	require.Equal(t, plain, linked)

	stored := env.conversation(t, plain)
	require.Equal(t, "app-1", *stored.ApplicationID)
	require.Equal(t, "job-1", *stored.JobID)

	// A second application between the same pair reuses the conversation without relinking it.
	other, err := env.service.GetOrCreateConversationForApplication(ctx, seekerID, "app-2")
	require.NoError(t, err)
	require.Equal(t, plain, other)
	stored = env.conversation(t, plain)
	require.Equal(t, "app-1", *stored.ApplicationID)
	require.Equal(t, "job-1", *stored.JobID)
}

func TestConversationForApplicationErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	testCases := []struct {
		name          string
		caller        ParticipantID
		applicationID string
		expectedKind  error
		expectedCode  string
	}{
		{name: "unknown application", caller: seekerID, applicationID: "app-missing", expectedKind: ErrNotFound, expectedCode: "messaging.conversation_for_application.not_found"},
		{name: "unknown job", caller: seekerID, applicationID: "app-orphaned", expectedKind: ErrJobNotFound, expectedCode: "messaging.conversation_for_application.job_not_found"},
		{name: "outsider", caller: strangerID, applicationID: "app-1", expectedKind: ErrForbidden, expectedCode: "messaging.conversation_for_application.not_participant"},
		{name: "anonymous", caller: "", applicationID: "app-1", expectedKind: ErrUnauthenticated, expectedCode: "messaging.conversation_for_application.unauthenticated"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := env.service.GetOrCreateConversationForApplication(ctx, testCase.caller, testCase.applicationID)
			require.ErrorIs(t, err, testCase.expectedKind)
			requireCode(t, err, testCase.expectedCode)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&Conversation{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUpdateConversationStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conversationID := env.ensure(t, seekerID, companyID)

	result, err := env.service.UpdateConversationStatus(ctx, strangerID, conversationID, ConversationStatusBlocked)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, ReasonNotParticipant, result.Reason)
	require.Equal(t, ConversationStatusActive, env.conversation(t, conversationID).Status)

	result, err = env.service.UpdateConversationStatus(ctx, seekerID, "missing", ConversationStatusArchived)
	require.NoError(t, err)
	require.False(t, result.OK)

	_, err = env.service.UpdateConversationStatus(ctx, seekerID, conversationID, ConversationStatus("deleted"))
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, err, ErrInvalidStatus)

	result, err = env.service.UpdateConversationStatus(ctx, companyID, conversationID, ConversationStatusArchived)
	require.NoError(t, err)
	require.Equal(t, MutationResult{OK: true, Updated: 1}, result)
	require.Equal(t, ConversationStatusArchived, env.conversation(t, conversationID).Status)

	result, err = env.service.UpdateConversationStatus(ctx, companyID, conversationID, ConversationStatusArchived)
	require.NoError(t, err)
	require.Equal(t, MutationResult{OK: true}, result)

	events := env.events.ofType(EventConversationState)
	require.Len(t, events, 1)
	require.ElementsMatch(t, []ParticipantID{seekerID, companyID}, events[0].RecipientIDs)
}

func TestGetConversationHidesOtherPeoplesConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conversationID := env.ensure(t, seekerID, companyID)

	conversation, err := env.service.GetConversation(ctx, companyID, conversationID)
	require.NoError(t, err)
	require.Equal(t, conversationID, conversation.ConversationID)

	_, err = env.service.GetConversation(ctx, strangerID, conversationID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.service.GetConversation(ctx, seekerID, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceWithoutDatabaseReportsMissingDatabase(t *testing.T) {
	service := &Service{}
	_, err := service.SendMessage(context.Background(), seekerID, "conversation", "hello")
	requireCode(t, err, "messaging.send_message.missing_database")
	require.Equal(t, "internal", Kind(err))

	_, err = NewService(ServiceConfig{})
	require.True(t, errors.Is(err, errMissingDatabase))
}
