// Package compose validates a drafted post and schedules one job per target
// platform.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

const DefaultMinLead = 30 * time.Second

// ValidationError lists the offending fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// JobCreator persists a group of sibling jobs atomically.
type JobCreator interface {
	CreateJobs(ctx context.Context, jobs []*models.Job) error
}

// Platforms looks up registered platforms.
type Platforms interface {
	Lookup(name models.Platform) (platform.Platform, error)
}

// Request is one compose action.
type Request struct {
	OwnerID   string
	Text      string
	Platforms []string
	RunAt     time.Time
	DraftID   string
}

// Service creates scheduled jobs.
type Service struct {
	store     JobCreator
	platforms Platforms
	minLead   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMinLead sets how far ahead of now a job must be scheduled.
func WithMinLead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.minLead = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store JobCreator, platforms Platforms, opts ...Option) *Service {
	s := &Service{
		store:     store,
		platforms: platforms,
		minLead:   DefaultMinLead,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req and inserts one pending job per platform sharing a
// fresh group id.
func (s *Service) Create(ctx context.Context, req Request) ([]*models.Job, error) {
	now := s.now().UTC()
	fields := map[string]string{}

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		fields["owner_id"] = "is required"
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		fields["text"] = "must not be empty"
	}

	if req.RunAt.IsZero() {
		fields["run_at"] = "is required"
	} else if req.RunAt.Before(now.Add(s.minLead)) {
		fields["run_at"] = fmt.Sprintf("must be at least %s in the future", s.minLead)
	}

	targets := make([]models.Platform, 0, len(req.Platforms))
	seen := map[models.Platform]bool{}
	if len(req.Platforms) == 0 {
		fields["platforms"] = "at least one platform is required"
	}
	for _, raw := range req.Platforms {
		name := models.ParsePlatform(raw)
		if seen[name] {
			fields["platforms"] = fmt.Sprintf("%q listed more than once", name)
			continue
		}
		seen[name] = true

		p, err := s.platforms.Lookup(name)
		if err != nil {
			fields["platforms"] = fmt.Sprintf("%q is not supported", raw)
			continue
		}
		if text != "" && utf8.RuneCountInString(text) > p.MaxTextRunes() {
			fields["text"] = fmt.Sprintf("exceeds %d characters for %s", p.MaxTextRunes(), name)
		}
		targets = append(targets, name)
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	groupID := uuid.New()
	var draftID *string
	if d := strings.TrimSpace(req.DraftID); d != "" {
		draftID = &d
	}
	runAt := req.RunAt.UTC()

	jobs := make([]*models.Job, 0, len(targets))
	for _, p := range targets {
		g := groupID
		jobs = append(jobs, &models.Job{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			GroupID:   &g,
			DraftID:   draftID,
			Platform:  p,
			Text:      text,
			RunAt:     runAt,
			Status:    models.JobStatusPending,
			Attempts:  0,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.store.CreateJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("creating jobs: %w", err)
	}

	s.logger.Info("jobs scheduled",
		"owner_id", ownerID,
		"group_id", groupID,
		"platforms", len(jobs),
		"run_at", runAt,
	)
	return jobs, nil
}
