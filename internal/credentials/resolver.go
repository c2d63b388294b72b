// Package credentials loads an owner's provider connection, decides when its
// access token must be refreshed and runs the OAuth2 refresh-token grant.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

var (
	// ErrNotConnected means no access token is stored for the owner and
	// platform. Only re-authorization can fix it.
	ErrNotConnected = errors.New("provider not connected")
	// ErrSecretUnreadable means the stored client secret could not be
	// decrypted, usually after an encryption key change.
	ErrSecretUnreadable = errors.New("stored client secret unreadable")
)

const (
	defaultLookahead  = 60 * time.Second
	maxTokenBodyBytes = 16 << 10
	maxErrorDetail    = 300
)

// ConnectionStore is the slice of store.Store the resolver needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, ownerID string, p models.Platform) (*models.ProviderConnection, error)
	UpdateConnectionTokens(ctx context.Context, ownerID string, p models.Platform, tokens store.TokenUpdate) error
}

// Opener decrypts sealed client secrets. *secret.Box satisfies it.
type Opener interface {
	Open(sealed string) (string, error)
}

// Connection is a decrypted, ready-to-use view of a provider connection.
type Connection struct {
	OwnerID      string
	Platform     models.Platform
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	ClientID     string
	ClientSecret string
}

// HasRefreshToken reports whether Refresh can be attempted.
func (c *Connection) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// RefreshError is a non-2xx (or unusable 2xx) answer from the token endpoint.
type RefreshError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *RefreshError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("token refresh failed (%s, status %d): %s", kind, e.Status, e.Body)
}

// IsRetryableRefresh reports whether err is a RefreshError worth retrying.
func IsRetryableRefresh(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Retryable
}

// Config holds the per-deployment OAuth client defaults.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Lookahead    time.Duration
}

// Resolver implements credential resolution and refresh.
type Resolver struct {
	store  ConnectionStore
	opener Opener
	http   external.Doer
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(s ConnectionStore, opener Opener, doer external.Doer, cfg Config, opts ...Option) *Resolver {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	r := &Resolver{
		store:  s,
		opener: opener,
		http:   doer,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve loads and decrypts the connection for ownerID on p. Bring-your-own
// client credentials take precedence over the deployment defaults.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, p models.Platform) (*Connection, error) {
	row, err := r.store.GetConnection(ctx, ownerID, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if !row.Connected() {
		return nil, ErrNotConnected
	}

	conn := &Connection{
		OwnerID:      row.OwnerID,
		Platform:     row.Platform,
		AccessToken:  *row.AccessToken,
		ExpiresAt:    row.ExpiresAt,
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
	}
	if row.HasRefreshToken() {
		conn.RefreshToken = *row.RefreshToken
	}
	if row.ClientID != nil && *row.ClientID != "" {
		conn.ClientID = *row.ClientID
	}
	if row.ClientSecretSealed != nil && *row.ClientSecretSealed != "" {
		if r.opener == nil {
			return nil, ErrSecretUnreadable
		}
		plain, err := r.opener.Open(*row.ClientSecretSealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecretUnreadable, err)
		}
		conn.ClientSecret = plain
	}
	return conn, nil
}

// NeedsRefresh is true when the expiry is known and falls within the
// lookahead window. An unknown expiry never triggers a refresh.
func (r *Resolver) NeedsRefresh(conn *Connection) bool {
	if conn == nil || conn.ExpiresAt == nil {
		return false
	}
	return !conn.ExpiresAt.After(r.now().Add(r.cfg.Lookahead))
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Refresh exchanges conn's refresh token for a new access token, persists
// the result and updates conn in place. A failure to persist is returned as a
// plain error, not a RefreshError.
func (r *Resolver) Refresh(ctx context.Context, conn *Connection) error {
	if !conn.HasRefreshToken() {
		return &RefreshError{Status: 0, Body: "no refresh token stored", Retryable: false}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshToken)
	if conn.ClientID != "" {
		form.Set("client_id", conn.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if conn.ClientSecret != "" {
		req.SetBasicAuth(conn.ClientID, conn.ClientSecret)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body := external.ReadBody(resp.Body, maxTokenBodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RefreshError{
			Status:    resp.StatusCode,
			Body:      external.Truncate(string(body), maxErrorDetail),
			Retryable: platform.IsRetryableStatus(resp.StatusCode),
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return &RefreshError{Status: resp.StatusCode, Body: "token response missing access_token"}
	}

	now := r.now().UTC()
	update := store.TokenUpdate{AccessToken: tok.AccessToken, UpdatedAt: now}
	if tok.RefreshToken != "" {
		update.RefreshToken = &tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		update.ExpiresAt = &exp
	}

	if err := r.store.UpdateConnectionTokens(ctx, conn.OwnerID, conn.Platform, update); err != nil {
		return fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	conn.AccessToken = tok.AccessToken
	if update.RefreshToken != nil {
		conn.RefreshToken = tok.RefreshToken
	}
	if update.ExpiresAt != nil {
		conn.ExpiresAt = update.ExpiresAt
	}

	r.logger.Info("access token refreshed",
		"owner_id", conn.OwnerID,
		"platform", conn.Platform,
		"rotated_refresh_token", update.RefreshToken != nil,
	)
	return nil
}
