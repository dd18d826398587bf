package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	seekerID   ParticipantID = "p-100"
	companyID  ParticipantID = "p-200"
	otherID    ParticipantID = "p-300"
	strangerID ParticipantID = "p-900"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

type fakeProfiles struct {
	profiles map[ParticipantID]Profile
}

func (f *fakeProfiles) LookupProfile(_ context.Context, id ParticipantID) (Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}

type fakeJobs struct {
	applications map[string]Application
	jobs         map[string]Job
}

func (f *fakeJobs) LookupApplication(_ context.Context, applicationID string) (Application, error) {
	application, ok := f.applications[applicationID]
	if !ok {
		return Application{}, ErrNotFound
	}
	return application, nil
}

func (f *fakeJobs) LookupJob(_ context.Context, jobID string) (Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	err           error
	// entered and release, when set, hold Notify until release is closed or ctx ends.
	entered chan struct{}
	release chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, notification Notification) error {
	if r.release != nil {
		r.entered <- struct{}{}
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, notification)
	return r.err
}

func (r *recordingNotifier) recorded() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) ofType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type testEnv struct {
	service  *Service
	db       *gorm.DB
	profiles *fakeProfiles
	jobs     *fakeJobs
	notifier *recordingNotifier
	events   *recordingPublisher
}

type envOption func(*ServiceConfig)

func withReadBatchLimit(limit int) envOption {
	return func(cfg *ServiceConfig) {
		cfg.ReadBatchLimit = limit
	}
}

func withNotificationTimeout(timeout time.Duration) envOption {
	return func(cfg *ServiceConfig) {
		cfg.NotificationTimeout = timeout
	}
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:messaging_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&Conversation{}, &Message{}))

	env := &testEnv{
		db: db,
		profiles: &fakeProfiles{profiles: map[ParticipantID]Profile{
			seekerID:  {ID: seekerID, Name: "Asha Rao", AvatarURL: "https://cdn.example/asha.png"},
			companyID: {ID: companyID, Name: "Vikram Shah", AvatarURL: "https://cdn.example/vikram.png", CompanyName: "Acme Tools", CompanyLogoURL: "https://cdn.example/acme.png", IsCompany: true},
			otherID:   {ID: otherID, Name: "Meera Iyer"},
		}},
		jobs: &fakeJobs{
			applications: map[string]Application{
				"app-1":        {ApplicationID: "app-1", JobID: "job-1", SeekerID: seekerID},
				"app-2":        {ApplicationID: "app-2", JobID: "job-2", SeekerID: seekerID},
				"app-orphaned": {ApplicationID: "app-orphaned", JobID: "job-missing", SeekerID: seekerID},
			},
			jobs: map[string]Job{
				"job-1": {JobID: "job-1", CompanyID: companyID, Title: "Lathe Operator"},
				"job-2": {JobID: "job-2", CompanyID: companyID, Title: "Welder"},
			},
		},
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
	}

	clock := &steppingClock{current: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	cfg := ServiceConfig{
		Database:      db,
		Clock:         clock.Now,
		IDProvider:    &sequentialIDs{},
		Profiles:      env.profiles,
		Jobs:          env.jobs,
		Notifications: env.notifier,
		Events:        env.events,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	env.service = service
	t.Cleanup(service.WaitForNotifications)
	return env
}

// notified waits for background notifications and returns what the sink received.
func (e *testEnv) notified() []Notification {
	e.service.WaitForNotifications()
	return e.notifier.recorded()
}

func (e *testEnv) ensure(t *testing.T, first, second ParticipantID) string {
	t.Helper()
	conversationID, err := e.service.EnsureConversation(context.Background(), first, first, second, nil, nil)
	require.NoError(t, err)
	return conversationID
}

func (e *testEnv) send(t *testing.T, caller ParticipantID, conversationID, body string) string {
	t.Helper()
	messageID, err := e.service.SendMessage(context.Background(), caller, conversationID, body)
	require.NoError(t, err)
	return messageID
}

func (e *testEnv) conversation(t *testing.T, conversationID string) Conversation {
	t.Helper()
	var conversation Conversation
	require.NoError(t, e.db.Where("conversation_id = ?", conversationID).Take(&conversation).Error)
	return conversation
}

func (e *testEnv) message(t *testing.T, messageID string) Message {
	t.Helper()
	var message Message
	require.NoError(t, e.db.Where("message_id = ?", messageID).Take(&message).Error)
	return message
}

// requireUnreadMatchesMessages checks both slot counters against the unread user messages
// written by the opposite slot.
func (e *testEnv) requireUnreadMatchesMessages(t *testing.T, conversationID string) {
	t.Helper()
	conversation := e.conversation(t, conversationID)
	countUnreadFrom := func(sender string) int64 {
		var count int64
		require.NoError(t, e.db.Model(&Message{}).
			Where("conversation_id = ? AND sender_id = ? AND kind = ? AND read_at_ms IS NULL", conversationID, sender, MessageKindUser).
			Count(&count).Error)
		return count
	}
	require.Equal(t, countUnreadFrom(conversation.ParticipantHigh), conversation.UnreadLow, "unread_low")
	require.Equal(t, countUnreadFrom(conversation.ParticipantLow), conversation.UnreadHigh, "unread_high")
}

func requireCode(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err)
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr), "expected ServiceError, got %T", err)
	require.Equal(t, expectedCode, serviceErr.Code())
}
