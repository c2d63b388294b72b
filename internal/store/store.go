package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrClaimLost is returned by ApplyOutcome when the job left running while
// the caller held it, for example after an operator cancel.
var ErrClaimLost = errors.New("job is no longer running")

// Store is the data access interface. All database operations go through here.
// Times are always supplied by the caller so that a single injected clock
// drives every comparison.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error

	CreateJobs(ctx context.Context, jobs []*models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	SelectDueJobs(ctx context.Context, platforms []models.Platform, now time.Time, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ApplyOutcome(ctx context.Context, id uuid.UUID, status models.JobStatus, now time.Time, opts ...OutcomeOption) error
	CancelJobs(ctx context.Context, scope JobScope, now time.Time) ([]*models.Job, error)
	CompleteJobs(ctx context.Context, scope JobScope, now time.Time) ([]*models.Job, error)
	RequeueNeedsUserAction(ctx context.Context, ownerID string, platform models.Platform, runAt, now time.Time) (int64, error)

	GetConnection(ctx context.Context, ownerID string, platform models.Platform) (*models.ProviderConnection, error)
	UpsertConnection(ctx context.Context, conn *models.ProviderConnection) error
	UpdateConnectionTokens(ctx context.Context, ownerID string, platform models.Platform, tokens TokenUpdate) error
	DisconnectConnection(ctx context.Context, ownerID string, platform models.Platform, now time.Time) error

	GetAlertRecord(ctx context.Context, signature string) (*models.AlertDedupeRecord, error)
	UpsertAlertRecord(ctx context.Context, rec *models.AlertDedupeRecord) error
}

// JobFilter selects jobs for listing and for the anomaly monitor. Zero values
// are ignored.
type JobFilter struct {
	OwnerID         string
	Statuses        []models.JobStatus
	ExcludeStatuses []models.JobStatus
	RunAtBefore     time.Time
	UpdatedBefore   time.Time
	UpdatedAfter    time.Time
	OrderBy         JobOrder
	Limit           int
}

// JobOrder picks the sort applied by ListJobs.
type JobOrder int

const (
	OrderRunAtDesc JobOrder = iota
	OrderRunAtAsc
	OrderUpdatedDesc
	OrderUpdatedAsc
)

// JobScope addresses the jobs an operator action applies to: a single job by
// ID or every sibling in a group, optionally narrowed to one platform.
type JobScope struct {
	OwnerID  string
	ID       *uuid.UUID
	GroupID  *uuid.UUID
	Platform models.Platform
}

// TokenUpdate carries the result of a refresh grant. A nil RefreshToken or
// ExpiresAt keeps the stored value.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

type outcomeParams struct {
	Attempts       *int
	RunAt          *time.Time
	LastError      *string
	ClearLastError bool
	ExternalPostID *string
}

// OutcomeOption adds a field to an ApplyOutcome update.
type OutcomeOption func(*outcomeParams)

func WithAttempts(n int) OutcomeOption {
	return func(p *outcomeParams) {
		p.Attempts = &n
	}
}

func WithRunAt(t time.Time) OutcomeOption {
	return func(p *outcomeParams) {
		p.RunAt = &t
	}
}

func WithLastError(msg string) OutcomeOption {
	return func(p *outcomeParams) {
		p.LastError = &msg
		p.ClearLastError = false
	}
}

func WithClearedError() OutcomeOption {
	return func(p *outcomeParams) {
		p.LastError = nil
		p.ClearLastError = true
	}
}

func WithExternalPostID(id string) OutcomeOption {
	return func(p *outcomeParams) {
		p.ExternalPostID = &id
	}
}

// Outcome is the resolved set of column changes described by opts. It is
// exported for alternative Store implementations.
type Outcome struct {
	Attempts       *int
	RunAt          *time.Time
	LastError      *string
	ClearLastError bool
	ExternalPostID *string
}

// ResolveOutcome folds opts into an Outcome.
func ResolveOutcome(opts ...OutcomeOption) Outcome {
	p := &outcomeParams{}
	for _, opt := range opts {
		opt(p)
	}
	return Outcome(*p)
}
