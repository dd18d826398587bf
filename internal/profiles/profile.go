package profiles

import (
	"strings"
	"time"
)

// Kind separates hiring companies from job seekers.
type Kind string

const (
	KindCompany   Kind = "company"
	KindJobSeeker Kind = "job_seeker"
)

// Profile is the marketplace persona a signed-in user acts as.
type Profile struct {
	ProfileID      string    `gorm:"column:profile_id;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex"`
	Kind           Kind      `gorm:"column:kind;size:16;not null"`
	DisplayName    string    `gorm:"column:display_name;size:320"`
	AvatarURL      string    `gorm:"column:avatar_url;size:512"`
	CompanyName    string    `gorm:"column:company_name;size:320"`
	CompanyLogoURL string    `gorm:"column:company_logo_url;size:512"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
