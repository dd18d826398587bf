package messaging

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingJobDirectory = errors.New("job directory is required")
	errPairConflict        = errors.New("conversation insert conflicted but no pair match was found")
)

// EnsureConversation returns the id of the single conversation between first and second,
// creating it when absent. The caller must be one of the two participants. An application or
// job attached to the request must belong to the same pair.
func (s *Service) EnsureConversation(ctx context.Context, caller, first, second ParticipantID, applicationID, jobID *string) (string, error) {
	if err := s.guard(opEnsureConversation, caller); err != nil {
		return "", err
	}
	if first == "" || second == "" || first == second {
		return "", newServiceError(opEnsureConversation, reasonInvalidParticipants, ErrInvalidArgument)
	}
	if caller != first && caller != second {
		return "", newServiceError(opEnsureConversation, reasonNotParticipant, ErrForbidden)
	}
	applicationID = normalizeOptional(applicationID)
	jobID = normalizeOptional(jobID)
	pairKey := PairKeyOf(first, second)

	if applicationID != nil || jobID != nil {
		var err error
		applicationID, jobID, err = s.verifyContext(ctx, pairKey, first, second, applicationID, jobID)
		if err != nil {
			return "", err
		}
	}

	if applicationID != nil {
		linked, conflicting, err := s.linkedConversation(ctx, opEnsureConversation, *applicationID, pairKey)
		if err != nil {
			return "", err
		}
		if linked != nil {
			return linked.ConversationID, nil
		}
		if conflicting {
			applicationID = nil
		}
	}

	conversation, err := s.findOrCreateByPair(ctx, opEnsureConversation, first, second, applicationID, jobID, false)
	if err != nil {
		return "", err
	}
	return conversation.ConversationID, nil
}

// verifyContext checks that the attached application or job belongs to the pair and returns
// the ids to store. An application always carries its own job.
func (s *Service) verifyContext(ctx context.Context, pairKey string, first, second ParticipantID, applicationID, jobID *string) (*string, *string, error) {
	if s.jobs == nil {
		s.logError(opEnsureConversation, reasonMissingJobDirectory, errMissingJobDirectory)
		return nil, nil, newServiceError(opEnsureConversation, reasonMissingJobDirectory, errMissingJobDirectory)
	}
	if applicationID != nil {
		application, job, err := s.resolveApplication(ctx, opEnsureConversation, *applicationID)
		if err != nil {
			return nil, nil, err
		}
		if PairKeyOf(application.SeekerID, job.CompanyID) != pairKey {
			return nil, nil, newServiceError(opEnsureConversation, reasonContextMismatch, ErrForbidden)
		}
		return applicationID, pointerTo(job.JobID), nil
	}

	job, err := s.jobs.LookupJob(ctx, *jobID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrJobNotFound) {
		return nil, nil, newServiceError(opEnsureConversation, reasonJobNotFound, ErrJobNotFound)
	}
	if err != nil {
		s.logError(opEnsureConversation, reasonJobLookupFailed, err, zap.String("job_id", *jobID))
		return nil, nil, newServiceError(opEnsureConversation, reasonJobLookupFailed, err)
	}
	if job.CompanyID != first && job.CompanyID != second {
		return nil, nil, newServiceError(opEnsureConversation, reasonContextMismatch, ErrForbidden)
	}
	return nil, jobID, nil
}

// resolveApplication loads an application and the job it was made for.
func (s *Service) resolveApplication(ctx context.Context, operation, applicationID string) (Application, Job, error) {
	application, err := s.jobs.LookupApplication(ctx, applicationID)
	if errors.Is(err, ErrNotFound) {
		return Application{}, Job{}, newServiceError(operation, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(operation, reasonApplicationLookupFailed, err, zap.String(fieldApplicationID, applicationID))
		return Application{}, Job{}, newServiceError(operation, reasonApplicationLookupFailed, err)
	}

	job, err := s.jobs.LookupJob(ctx, application.JobID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrJobNotFound) {
		return Application{}, Job{}, newServiceError(operation, reasonJobNotFound, ErrJobNotFound)
	}
	if err != nil {
		s.logError(operation, reasonJobLookupFailed, err, zap.String(fieldApplicationID, applicationID))
		return Application{}, Job{}, newServiceError(operation, reasonJobLookupFailed, err)
	}
	return application, job, nil
}

// linkedConversation returns the conversation already holding applicationID when it belongs
// to pairKey. conflicting reports that a conversation of another pair holds the link, in which
// case the pair's own conversation must not claim it.
func (s *Service) linkedConversation(ctx context.Context, operation, applicationID, pairKey string) (*Conversation, bool, error) {
	existing, err := findConversation(s.db.WithContext(ctx), queryApplicationID, applicationID)
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldApplicationID, applicationID))
		return nil, false, newServiceError(operation, reasonQueryFailed, err)
	}
	if existing == nil {
		return nil, false, nil
	}
	if existing.PairKey != pairKey {
		s.loggerOrDefault().Warn("application linked to a conversation of another pair",
			zap.String("operation", operation),
			zap.String(fieldApplicationID, applicationID),
			zap.String(fieldConversationID, existing.ConversationID))
		return nil, true, nil
	}
	return existing, false, nil
}

// GetOrCreateConversationForApplication resolves both sides of a job application and returns
// their conversation, creating it or linking the application to an existing one.
func (s *Service) GetOrCreateConversationForApplication(ctx context.Context, caller ParticipantID, applicationID string) (string, error) {
	if err := s.guard(opConversationForApplication, caller); err != nil {
		return "", err
	}
	if s.jobs == nil {
		s.logError(opConversationForApplication, reasonMissingJobDirectory, errMissingJobDirectory)
		return "", newServiceError(opConversationForApplication, reasonMissingJobDirectory, errMissingJobDirectory)
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return "", newServiceError(opConversationForApplication, reasonNotFound, ErrNotFound)
	}

	application, job, err := s.resolveApplication(ctx, opConversationForApplication, applicationID)
	if err != nil {
		return "", err
	}

	company := job.CompanyID
	seeker := application.SeekerID
	if caller != company && caller != seeker {
		return "", newServiceError(opConversationForApplication, reasonNotParticipant, ErrForbidden)
	}
	if company == "" || seeker == "" || company == seeker {
		return "", newServiceError(opConversationForApplication, reasonInvalidParticipants, ErrInvalidArgument)
	}

	pairKey := PairKeyOf(seeker, company)
	linked, conflicting, err := s.linkedConversation(ctx, opConversationForApplication, applicationID, pairKey)
	if err != nil {
		return "", err
	}
	if linked != nil {
		return linked.ConversationID, nil
	}
	link := &applicationID
	if conflicting {
		link = nil
	}

	conversation, err := s.findOrCreateByPair(ctx, opConversationForApplication, seeker, company, link, pointerTo(job.JobID), true)
	if err != nil {
		return "", err
	}
	return conversation.ConversationID, nil
}

// findOrCreateByPair implements the create-or-find protocol: a plain lookup, then inside a
// transaction a second lookup followed by an insert that yields to the unique pair index.
// Store failures repeat the protocol a bounded number of times.
func (s *Service) findOrCreateByPair(ctx context.Context, operation string, first, second ParticipantID, applicationID, jobID *string, backfill bool) (Conversation, error) {
	pairKey := PairKeyOf(first, second)
	var lastErr error
	for attempt := 1; attempt <= maxEnsureAttempts; attempt++ {
		existing, err := findConversation(s.db.WithContext(ctx), queryPairKey, pairKey)
		if err != nil {
			lastErr = newServiceError(operation, reasonQueryFailed, err)
			s.logError(operation, reasonQueryFailed, err, zap.String("pair_key", pairKey), zap.Int("attempt", attempt))
			continue
		}
		if existing != nil && (!backfill || !needsBackfill(*existing, applicationID, jobID)) {
			return *existing, nil
		}

		conversation, err := s.createOrFindOnce(ctx, operation, first, second, pairKey, applicationID, jobID, backfill)
		if err == nil {
			return conversation, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.loggerOrDefault().Warn("conversation create attempt failed",
			zap.String("operation", operation),
			zap.String("pair_key", pairKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return Conversation{}, lastErr
}

func (s *Service) createOrFindOnce(ctx context.Context, operation string, first, second ParticipantID, pairKey string, applicationID, jobID *string, backfill bool) (Conversation, error) {
	var result Conversation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findConversation(tx, queryPairKey, pairKey)
		if err != nil {
			return newServiceError(operation, reasonQueryFailed, err)
		}

		if existing == nil {
			conversationID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(operation, reasonIDGenerationFailed, err)
				return newServiceError(operation, reasonIDGenerationFailed, err)
			}
			low, high := OrderParticipants(first, second)
			nowMs := s.nowMs()
			candidate := Conversation{
				ConversationID:  conversationID,
				ParticipantLow:  low.String(),
				ParticipantHigh: high.String(),
				PairKey:         pairKey,
				ApplicationID:   applicationID,
				JobID:           jobID,
				Status:          ConversationStatusActive,
				LastMessageAtMs: nowMs,
				CreatedAtMs:     nowMs,
			}
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
			if created.Error != nil {
				return newServiceError(operation, reasonInsertFailed, created.Error)
			}
			if created.RowsAffected == 1 {
				result = candidate
				return nil
			}

			existing, err = findConversation(tx, queryPairKey, pairKey)
			if err != nil {
				return newServiceError(operation, reasonQueryFailed, err)
			}
			if existing == nil {
				return newServiceError(operation, reasonConversationUnresolved, errPairConflict)
			}
		}

		if backfill && needsBackfill(*existing, applicationID, jobID) {
			if err := backfillContext(tx, existing, applicationID, jobID); err != nil {
				return newServiceError(operation, reasonUpdateFailed, err)
			}
		}
		result = *existing
		return nil
	})
	if txErr != nil {
		return Conversation{}, txErr
	}
	return result, nil
}

func needsBackfill(conversation Conversation, applicationID, jobID *string) bool {
	return (applicationID != nil && conversation.ApplicationID == nil) || (jobID != nil && conversation.JobID == nil)
}

// backfillContext links the application and job onto a conversation that lacks them. Values
// already present are never replaced.
func backfillContext(tx *gorm.DB, conversation *Conversation, applicationID, jobID *string) error {
	if applicationID != nil && conversation.ApplicationID == nil {
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID+" AND application_id IS NULL", conversation.ConversationID).
			Update("application_id", *applicationID).Error; err != nil {
			return err
		}
		conversation.ApplicationID = applicationID
	}
	if jobID != nil && conversation.JobID == nil {
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID+" AND job_id IS NULL", conversation.ConversationID).
			Update("job_id", *jobID).Error; err != nil {
			return err
		}
		conversation.JobID = jobID
	}
	return nil
}

// UpdateConversationStatus changes the status of a conversation the caller takes part in.
// Unknown conversations and non-participants get a soft OK=false result.
func (s *Service) UpdateConversationStatus(ctx context.Context, caller ParticipantID, conversationID string, status ConversationStatus) (MutationResult, error) {
	if err := s.guard(opUpdateConversationStatus, caller); err != nil {
		return MutationResult{}, err
	}
	parsed, err := ParseConversationStatus(string(status))
	if err != nil {
		return MutationResult{}, newServiceError(opUpdateConversationStatus, reasonInvalidStatus, errors.Join(ErrInvalidArgument, err))
	}

	var (
		result       MutationResult
		conversation Conversation
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockConversation(tx, conversationID)
		if err != nil {
			s.logError(opUpdateConversationStatus, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opUpdateConversationStatus, reasonQueryFailed, err)
		}
		if existing == nil || !existing.HasParticipant(caller) {
			result = MutationResult{OK: false, Reason: ReasonNotParticipant}
			return nil
		}
		conversation = *existing
		if existing.Status == parsed {
			result = MutationResult{OK: true}
			return nil
		}
		if err := tx.Model(&Conversation{}).
			Where(queryConversationID, conversationID).
			Update("status", parsed).Error; err != nil {
			s.logError(opUpdateConversationStatus, reasonUpdateFailed, err, zap.String(fieldConversationID, conversationID))
			return newServiceError(opUpdateConversationStatus, reasonUpdateFailed, err)
		}
		result = MutationResult{OK: true, Updated: 1}
		return nil
	})
	if txErr != nil {
		return MutationResult{}, txErr
	}

	if result.Updated > 0 {
		s.publish(Event{
			Type:           EventConversationState,
			ConversationID: conversationID,
			ActorID:        caller,
			RecipientIDs:   []ParticipantID{ParticipantID(conversation.ParticipantLow), ParticipantID(conversation.ParticipantHigh)},
			AtMs:           s.nowMs(),
		})
	}
	return result, nil
}

// GetConversation returns a conversation the caller takes part in. Absent conversations and
// conversations of other people are both reported as ErrNotFound.
func (s *Service) GetConversation(ctx context.Context, caller ParticipantID, conversationID string) (Conversation, error) {
	if err := s.guard(opGetConversation, caller); err != nil {
		return Conversation{}, err
	}
	conversation, err := findConversation(s.db.WithContext(ctx), queryConversationID, conversationID)
	if err != nil {
		s.logError(opGetConversation, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return Conversation{}, newServiceError(opGetConversation, reasonQueryFailed, err)
	}
	if conversation == nil || !conversation.HasParticipant(caller) {
		return Conversation{}, newServiceError(opGetConversation, reasonNotFound, ErrNotFound)
	}
	return *conversation, nil
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
