// Package mock provides an in-memory store.Store for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

type connKey struct {
	owner    string
	platform models.Platform
}

// Store is a goroutine-safe in-memory store. The *Err fields, when set, are
// returned by the matching operation before any state is touched.
type Store struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	conns  map[connKey]*models.ProviderConnection
	alerts map[string]*models.AlertDedupeRecord
	keys   map[uuid.UUID]*models.APIKey

	PingErr          error
	SelectErr        error
	ListErr          error
	ClaimErr         error
	ApplyErr         error
	GetConnectionErr error
	UpdateTokensErr  error
	GetAlertErr      error
	UpsertAlertErr   error
	CreateJobsErr    error
	GetAPIKeyErr     error

	// ClaimHook runs before a claim is evaluated; tests use it to simulate a
	// concurrent invocation winning the race.
	ClaimHook func(id uuid.UUID)

	ApplyCalls  int
	ClaimCalls  int
	SelectCalls int
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[uuid.UUID]*models.Job),
		conns:  make(map[connKey]*models.ProviderConnection),
		alerts: make(map[string]*models.AlertDedupeRecord),
		keys:   make(map[uuid.UUID]*models.APIKey),
	}
}

// PutJob stores a copy of j, filling an ID if missing.
func (s *Store) PutJob(j models.Job) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	s.jobs[j.ID] = canonical(&j)
	return j.ID
}

// Job returns a copy of the stored job, or nil.
func (s *Store) Job(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return copyJob(j)
}

// PutConnection stores a copy of c.
func (s *Store) PutConnection(c models.ProviderConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[connKey{c.OwnerID, c.Platform}] = &c
}

// Connection returns a copy of the stored connection, or nil.
func (s *Store) Connection(ownerID string, platform models.Platform) *models.ProviderConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connKey{ownerID, platform}]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// AlertRecord returns a copy of the stored dedupe record, or nil.
func (s *Store) AlertRecord(signature string) *models.AlertDedupeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.alerts[signature]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if s.GetAPIKeyErr != nil {
		return nil, s.GetAPIKeyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, ownerID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (s *Store) CreateJobs(_ context.Context, jobs []*models.Job) error {
	if s.CreateJobsErr != nil {
		return s.CreateJobsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return store.ErrDuplicateKey
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = canonical(copyJob(j))
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.NormalizeJob(copyJob(j)), nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, j.Status) {
			continue
		}
		if len(f.ExcludeStatuses) > 0 && hasStatus(f.ExcludeStatuses, j.Status) {
			continue
		}
		if !f.RunAtBefore.IsZero() && !j.RunAt.Before(f.RunAtBefore) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.UpdatedAfter.IsZero() && j.UpdatedAt.Before(f.UpdatedAfter) {
			continue
		}
		out = append(out, store.NormalizeJob(copyJob(j)))
	}

	sort.SliceStable(out, func(a, b int) bool {
		switch f.OrderBy {
		case store.OrderRunAtAsc:
			return out[a].RunAt.Before(out[b].RunAt)
		case store.OrderUpdatedDesc:
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		case store.OrderUpdatedAsc:
			return out[a].UpdatedAt.Before(out[b].UpdatedAt)
		default:
			return out[a].RunAt.After(out[b].RunAt)
		}
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SelectDueJobs(_ context.Context, platforms []models.Platform, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	s.SelectCalls++
	s.mu.Unlock()
	if s.SelectErr != nil {
		return nil, s.SelectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if !j.Due(now) {
			continue
		}
		for _, p := range platforms {
			if j.Platform == p {
				out = append(out, store.NormalizeJob(copyJob(j)))
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunAt.Before(out[b].RunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	if s.ClaimHook != nil {
		s.ClaimHook(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClaimCalls++
	if s.ClaimErr != nil {
		return false, s.ClaimErr
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusRunning
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) ApplyOutcome(_ context.Context, id uuid.UUID, status models.JobStatus, now time.Time, opts ...store.OutcomeOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApplyCalls++
	if s.ApplyErr != nil {
		return s.ApplyErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, store.ErrClaimLost)
	}
	o := store.ResolveOutcome(opts...)
	j.Status = status
	j.UpdatedAt = now
	if o.Attempts != nil {
		j.Attempts = *o.Attempts
	}
	if o.RunAt != nil {
		j.RunAt = *o.RunAt
	}
	if o.LastError != nil {
		msg := *o.LastError
		j.LastError = &msg
	} else if o.ClearLastError {
		j.LastError = nil
	}
	if o.ExternalPostID != nil {
		ext := *o.ExternalPostID
		j.ExternalPostID = &ext
	}
	return nil
}

func (s *Store) CancelJobs(_ context.Context, scope store.JobScope, now time.Time) ([]*models.Job, error) {
	return s.transition(scope, models.JobStatusCancelled, store.CancellableStatuses, now, false), nil
}

func (s *Store) CompleteJobs(_ context.Context, scope store.JobScope, now time.Time) ([]*models.Job, error) {
	return s.transition(scope, models.JobStatusSent, store.CompletableStatuses, now, true), nil
}

func (s *Store) transition(scope store.JobScope, to models.JobStatus, from []models.JobStatus, now time.Time, clearErr bool) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.OwnerID != scope.OwnerID || !hasStatus(from, j.Status) {
			continue
		}
		if scope.GroupID != nil {
			if j.GroupID == nil || *j.GroupID != *scope.GroupID {
				continue
			}
		} else if scope.ID == nil || j.ID != *scope.ID {
			continue
		}
		if scope.Platform != "" && j.Platform != scope.Platform {
			continue
		}
		j.Status = to
		j.UpdatedAt = now
		if clearErr {
			j.LastError = nil
		}
		out = append(out, copyJob(j))
	}
	return out
}

func (s *Store) RequeueNeedsUserAction(_ context.Context, ownerID string, platform models.Platform, runAt, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.OwnerID != ownerID || j.Platform != platform {
			continue
		}
		if j.Status != models.JobStatusNeedsUserAction && j.Status != models.JobStatusAuthRequired {
			continue
		}
		j.Status = models.JobStatusPending
		j.Attempts = 0
		j.LastError = nil
		j.RunAt = runAt
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// --- Provider Connections ---

func (s *Store) GetConnection(_ context.Context, ownerID string, platform models.Platform) (*models.ProviderConnection, error) {
	if s.GetConnectionErr != nil {
		return nil, s.GetConnectionErr
	}
	c := s.Connection(ownerID, platform)
	if c == nil {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertConnection(_ context.Context, conn *models.ProviderConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := connKey{conn.OwnerID, conn.Platform}
	cp := *conn
	if prev, ok := s.conns[k]; ok {
		if cp.RefreshToken == nil {
			cp.RefreshToken = prev.RefreshToken
		}
		if cp.ClientID == nil {
			cp.ClientID = prev.ClientID
		}
		if cp.ClientSecretSealed == nil {
			cp.ClientSecretSealed = prev.ClientSecretSealed
		}
		cp.CreatedAt = prev.CreatedAt
	}
	s.conns[k] = &cp
	return nil
}

func (s *Store) UpdateConnectionTokens(_ context.Context, ownerID string, platform models.Platform, t store.TokenUpdate) error {
	if s.UpdateTokensErr != nil {
		return s.UpdateTokensErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connKey{ownerID, platform}]
	if !ok {
		return store.ErrNotFound
	}
	access := t.AccessToken
	c.AccessToken = &access
	if t.RefreshToken != nil {
		r := *t.RefreshToken
		c.RefreshToken = &r
	}
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	c.UpdatedAt = t.UpdatedAt
	return nil
}

func (s *Store) DisconnectConnection(_ context.Context, ownerID string, platform models.Platform, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connKey{ownerID, platform}]
	if !ok {
		return store.ErrNotFound
	}
	c.AccessToken = nil
	c.RefreshToken = nil
	c.ExpiresAt = nil
	c.UpdatedAt = now
	return nil
}

// --- Alert Dedupe ---

func (s *Store) GetAlertRecord(_ context.Context, signature string) (*models.AlertDedupeRecord, error) {
	if s.GetAlertErr != nil {
		return nil, s.GetAlertErr
	}
	r := s.AlertRecord(signature)
	if r == nil {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) UpsertAlertRecord(_ context.Context, rec *models.AlertDedupeRecord) error {
	if s.UpsertAlertErr != nil {
		return s.UpsertAlertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.alerts[rec.Signature] = &cp
	return nil
}

// canonical rewrites status and platform spellings on write, the same way
// the scheduled_posts trigger does in Postgres.
func canonical(j *models.Job) *models.Job {
	j.Status = models.ParseJobStatus(string(j.Status))
	j.Platform = models.ParsePlatform(string(j.Platform))
	return j
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.GroupID != nil {
		g := *j.GroupID
		cp.GroupID = &g
	}
	if j.DraftID != nil {
		d := *j.DraftID
		cp.DraftID = &d
	}
	if j.LastError != nil {
		e := *j.LastError
		cp.LastError = &e
	}
	if j.ExternalPostID != nil {
		x := *j.ExternalPostID
		cp.ExternalPostID = &x
	}
	return &cp
}

func hasStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
