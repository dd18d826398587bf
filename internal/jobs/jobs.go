// Package jobs stores job postings and applications and answers lookups about them.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
	"gorm.io/gorm"
)

// ErrInvalidRecord indicates a job or application is missing required identifiers.
var ErrInvalidRecord = errors.New("jobs: invalid record")

// Job is a posting owned by a company profile.
type Job struct {
	JobID            string    `gorm:"column:job_id;primaryKey;size:190;not null"`
	CompanyProfileID string    `gorm:"column:company_profile_id;size:190;not null;index"`
	Title            string    `gorm:"column:title;size:320;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing job postings.
func (Job) TableName() string {
	return "jobs"
}

// Application records a job seeker applying to a job.
type Application struct {
	ApplicationID   string    `gorm:"column:application_id;primaryKey;size:190;not null"`
	JobID           string    `gorm:"column:job_id;size:190;not null;index"`
	SeekerProfileID string    `gorm:"column:seeker_profile_id;size:190;not null;index"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing job applications.
func (Application) TableName() string {
	return "job_applications"
}

// Directory answers job and application lookups for the messaging service.
type Directory struct {
	db *gorm.DB
}

// NewDirectory wraps the database handle.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// CreateJob stores a job posting. Job postings are owned by the listings service; the
// messaging API only reads them, so this is a seeding helper for fixtures and local setups.
func (d *Directory) CreateJob(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.JobID) == "" || strings.TrimSpace(job.CompanyProfileID) == "" {
		return ErrInvalidRecord
	}
	return d.db.WithContext(ctx).Create(&job).Error
}

// CreateApplication stores an application against an existing job id. Like CreateJob it
// only seeds data for fixtures and local setups.
func (d *Directory) CreateApplication(ctx context.Context, application Application) error {
	if strings.TrimSpace(application.ApplicationID) == "" || strings.TrimSpace(application.JobID) == "" || strings.TrimSpace(application.SeekerProfileID) == "" {
		return ErrInvalidRecord
	}
	return d.db.WithContext(ctx).Create(&application).Error
}

// LookupApplication implements messaging.JobDirectory.
func (d *Directory) LookupApplication(ctx context.Context, applicationID string) (messaging.Application, error) {
	var application Application
	err := d.db.WithContext(ctx).Where("application_id = ?", applicationID).Take(&application).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return messaging.Application{}, messaging.ErrNotFound
	}
	if err != nil {
		return messaging.Application{}, err
	}
	return messaging.Application{
		ApplicationID: application.ApplicationID,
		JobID:         application.JobID,
		SeekerID:      messaging.ParticipantID(application.SeekerProfileID),
	}, nil
}

// LookupJob implements messaging.JobDirectory.
func (d *Directory) LookupJob(ctx context.Context, jobID string) (messaging.Job, error) {
	var job Job
	err := d.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return messaging.Job{}, messaging.ErrNotFound
	}
	if err != nil {
		return messaging.Job{}, err
	}
	return messaging.Job{
		JobID:     job.JobID,
		CompanyID: messaging.ParticipantID(job.CompanyProfileID),
		Title:     job.Title,
	}, nil
}
