// Package connections is the write side of the OAuth handshake: it stores
// tokens for an owner and platform and requeues jobs that were waiting on a
// reconnection.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

var (
	ErrInvalid      = errors.New("invalid connection")
	ErrNotFound     = errors.New("connection not found")
	ErrNotAutomated = errors.New("platform does not accept connections")
)

// DefaultRequeueDelay is how far in the future bumped jobs are scheduled.
const DefaultRequeueDelay = 30 * time.Second

// Store is the slice of store.Store the service needs.
type Store interface {
	GetConnection(ctx context.Context, ownerID string, p models.Platform) (*models.ProviderConnection, error)
	UpsertConnection(ctx context.Context, conn *models.ProviderConnection) error
	DisconnectConnection(ctx context.Context, ownerID string, p models.Platform, now time.Time) error
	RequeueNeedsUserAction(ctx context.Context, ownerID string, p models.Platform, runAt, now time.Time) (int64, error)
}

// Sealer encrypts client secrets before storage. *secret.Box satisfies it.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// Platforms looks up registered platforms.
type Platforms interface {
	Lookup(name models.Platform) (platform.Platform, error)
}

// SaveRequest carries the result of an authorization-code exchange.
type SaveRequest struct {
	OwnerID      string
	Platform     string
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the token lifetime in seconds; zero means unknown.
	ExpiresIn    int64
	ClientID     string
	ClientSecret string
	Scopes       string
}

// SaveResult reports a saved connection.
type SaveResult struct {
	OwnerID   string          `json:"owner_id"`
	Platform  models.Platform `json:"platform"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Requeued  int64           `json:"requeued_jobs"`
}

// Status is a secret-free view of a connection.
type Status struct {
	OwnerID         string          `json:"owner_id"`
	Platform        models.Platform `json:"platform"`
	Connected       bool            `json:"connected"`
	HasRefreshToken bool            `json:"has_refresh_token"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Scopes          string          `json:"scopes"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

// Service implements the connection lifecycle.
type Service struct {
	store        Store
	sealer       Sealer
	platforms    Platforms
	requeueDelay time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRequeueDelay sets how long after a reconnect requeued jobs run.
func WithRequeueDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.requeueDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(st Store, sealer Sealer, platforms Platforms, opts ...Option) *Service {
	s := &Service{
		store:        st,
		sealer:       sealer,
		platforms:    platforms,
		requeueDelay: DefaultRequeueDelay,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) platform(raw string) (models.Platform, error) {
	name := models.ParsePlatform(raw)
	p, err := s.platforms.Lookup(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, ok := p.(platform.AutomatedPlatform); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAutomated, name)
	}
	return name, nil
}

// Save stores the tokens, then moves the owner's jobs that were waiting on
// this platform back to pending.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalid)
	}
	if req.ExpiresIn < 0 {
		return nil, fmt.Errorf("%w: expires_in must not be negative", ErrInvalid)
	}
	name, err := s.platform(req.Platform)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	access := req.AccessToken
	conn := &models.ProviderConnection{
		OwnerID:     ownerID,
		Platform:    name,
		AccessToken: &access,
		Scopes:      req.Scopes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.RefreshToken != "" {
		refresh := req.RefreshToken
		conn.RefreshToken = &refresh
	}
	if req.ExpiresIn > 0 {
		exp := now.Add(time.Duration(req.ExpiresIn) * time.Second)
		conn.ExpiresAt = &exp
	}
	if req.ClientID != "" {
		id := req.ClientID
		conn.ClientID = &id
	}
	if req.ClientSecret != "" {
		if s.sealer == nil {
			return nil, fmt.Errorf("%w: client secrets cannot be stored without an encryption key", ErrInvalid)
		}
		sealed, err := s.sealer.Seal(req.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("sealing client secret: %w", err)
		}
		conn.ClientSecretSealed = &sealed
	}

	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}

	n, err := s.store.RequeueNeedsUserAction(ctx, ownerID, name, now.Add(s.requeueDelay), now)
	if err != nil {
		return nil, fmt.Errorf("requeueing jobs: %w", err)
	}

	s.logger.Info("connection saved", "owner_id", ownerID, "platform", name, "requeued_jobs", n)
	return &SaveResult{OwnerID: ownerID, Platform: name, ExpiresAt: conn.ExpiresAt, Requeued: n}, nil
}

// Disconnect clears the stored tokens.
func (s *Service) Disconnect(ctx context.Context, ownerID, rawPlatform string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	name, err := s.platform(rawPlatform)
	if err != nil {
		return err
	}
	err = s.store.DisconnectConnection(ctx, ownerID, name, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	s.logger.Info("connection removed", "owner_id", ownerID, "platform", name)
	return nil
}

// Status reports whether the owner is connected. A missing row is reported
// as disconnected rather than an error.
func (s *Service) Status(ctx context.Context, ownerID, rawPlatform string) (*Status, error) {
	name, err := s.platform(rawPlatform)
	if err != nil {
		return nil, err
	}
	st := &Status{OwnerID: ownerID, Platform: name}

	conn, err := s.store.GetConnection(ctx, ownerID, name)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}

	st.Connected = conn.Connected()
	st.HasRefreshToken = conn.HasRefreshToken()
	st.ExpiresAt = conn.ExpiresAt
	st.Scopes = conn.Scopes
	updated := conn.UpdatedAt
	st.UpdatedAt = &updated
	return st, nil
}
