package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/auth"
	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("profiles: invalid identity")
	// ErrUnknownProfile indicates the user has not completed onboarding.
	ErrUnknownProfile = errors.New("profiles: no profile for user")
	// ErrInvalidProfile indicates a profile record is missing required fields.
	ErrInvalidProfile = errors.New("profiles: invalid profile")
)

const defaultRefreshInterval = 5 * time.Minute

// ServiceConfig describes the dependencies required for profile resolution.
// RefreshInterval bounds how long a cached user mapping skips the last-seen update; zero means 5m.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	RefreshInterval time.Duration
}

// Service maps signed-in users to profiles and serves profile display data.
type Service struct {
	db              *gorm.DB
	now             func() time.Time
	logger          *zap.Logger
	refreshInterval time.Duration
	cache           sync.Map
}

type cachedProfile struct {
	profileID   messaging.ParticipantID
	kind        Kind
	displayName string
	avatarURL   string
	refreshedAt time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &Service{
		db:              cfg.Database,
		now:             clock,
		logger:          logger,
		refreshInterval: refreshInterval,
	}, nil
}

// ResolveProfileID returns the profile id the session's user acts as. Job seeker display
// details follow the identity provider; company branding is managed separately.
func (s *Service) ResolveProfileID(ctx context.Context, claims auth.SessionClaims) (messaging.ParticipantID, error) {
	userID := deriveUserID(claims)
	if userID == "" {
		return "", ErrInvalidIdentity
	}

	now := s.now()
	if cached, ok := s.cache.Load(userID); ok {
		if entry, ok := cached.(cachedProfile); ok && entry.current(claims, now, s.refreshInterval) {
			return entry.profileID, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownProfile
	}
	if err != nil {
		return "", err
	}

	updates := map[string]any{"last_seen_at": now}
	if profile.Kind == KindJobSeeker {
		if display := normalize(claims.UserDisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
			profile.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != profile.AvatarURL {
			updates["avatar_url"] = avatar
			profile.AvatarURL = avatar
		}
	}
	refreshed := true
	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("profile_id = ?", profile.ProfileID).Updates(updates).Error; err != nil {
		s.logger.Warn("profile refresh failed", zap.String("profile_id", profile.ProfileID), zap.Error(err))
		refreshed = false
	}

	profileID, err := messaging.NewParticipantID(profile.ProfileID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if refreshed {
		s.cache.Store(userID, cachedProfile{
			profileID:   profileID,
			kind:        profile.Kind,
			displayName: profile.DisplayName,
			avatarURL:   profile.AvatarURL,
			refreshedAt: now,
		})
	}
	return profileID, nil
}

// current reports whether the cached mapping can answer without touching the database.
// Seekers whose provider display details changed are always refreshed.
func (c cachedProfile) current(claims auth.SessionClaims, now time.Time, interval time.Duration) bool {
	if now.Sub(c.refreshedAt) >= interval {
		return false
	}
	if c.kind != KindJobSeeker {
		return true
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != c.displayName {
		return false
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != c.avatarURL {
		return false
	}
	return true
}

// Save creates or replaces a profile. Profiles are created by onboarding outside this
// service, so Save is a seeding helper for fixtures and local setups.
func (s *Service) Save(ctx context.Context, profile Profile) error {
	profile.ProfileID = normalize(profile.ProfileID)
	profile.UserID = normalize(profile.UserID)
	if profile.ProfileID == "" || profile.UserID == "" {
		return ErrInvalidProfile
	}
	if profile.Kind != KindCompany && profile.Kind != KindJobSeeker {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProfile, profile.Kind)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "profile_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "kind", "display_name", "avatar_url", "company_name", "company_logo_url", "updated_at"}),
		}).
		Create(&profile).Error
	if err != nil {
		return err
	}
	s.forget(profile.ProfileID)
	s.cache.Delete(profile.UserID)
	return nil
}

// forget drops every cached user mapping that points at the profile.
func (s *Service) forget(profileID string) {
	s.cache.Range(func(key, value any) bool {
		if entry, ok := value.(cachedProfile); ok && entry.profileID.String() == profileID {
			s.cache.Delete(key)
		}
		return true
	})
}

// LookupProfile returns display data for a participant, or messaging.ErrNotFound.
func (s *Service) LookupProfile(ctx context.Context, id messaging.ParticipantID) (messaging.Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("profile_id = ?", id.String()).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return messaging.Profile{}, messaging.ErrNotFound
	}
	if err != nil {
		return messaging.Profile{}, err
	}
	return messaging.Profile{
		ID:             id,
		Name:           profile.DisplayName,
		AvatarURL:      profile.AvatarURL,
		CompanyName:    profile.CompanyName,
		CompanyLogoURL: profile.CompanyLogoURL,
		IsCompany:      profile.Kind == KindCompany,
	}, nil
}

// deriveUserID strips an optional "provider:" prefix from the session identity.
func deriveUserID(claims auth.SessionClaims) string {
	identity := claims.Identity()
	if provider, subject, found := strings.Cut(identity, ":"); found && normalize(provider) != "" && normalize(subject) != "" {
		return normalize(subject)
	}
	return identity
}
