package credentials_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kiranshivaraju/autopost/internal/credentials"
	"github.com/kiranshivaraju/autopost/internal/secret"
	"github.com/kiranshivaraju/autopost/internal/store/mock"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newResolver(t *testing.T, st *mock.Store, tokenURL string) *credentials.Resolver {
	t.Helper()
	box, err := secret.NewBox(testKey)
	require.NoError(t, err)
	return credentials.NewResolver(st, box, http.DefaultClient, credentials.Config{
		TokenURL:     tokenURL,
		ClientID:     "default-client",
		ClientSecret: "default-secret",
	}, credentials.WithClock(func() time.Time { return fixedNow }))
}

func TestResolve_NotConnected(t *testing.T) {
	st := mock.New()
	r := newResolver(t, st, "")

	_, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	assert.ErrorIs(t, err, credentials.ErrNotConnected)

	st.PutConnection(models.ProviderConnection{OwnerID: "owner-1", Platform: models.PlatformX})
	_, err = r.Resolve(context.Background(), "owner-1", models.PlatformX)
	assert.ErrorIs(t, err, credentials.ErrNotConnected)
}

func TestResolve_StoreError(t *testing.T) {
	st := mock.New()
	st.GetConnectionErr = errors.New("connection refused")
	r := newResolver(t, st, "")

	_, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	require.Error(t, err)
	assert.NotErrorIs(t, err, credentials.ErrNotConnected)
}

func TestResolve_UsesOwnClientCredentials(t *testing.T) {
	box, err := secret.NewBox(testKey)
	require.NoError(t, err)
	sealed, err := box.Seal("byo-secret")
	require.NoError(t, err)

	st := mock.New()
	st.PutConnection(models.ProviderConnection{
		OwnerID:            "owner-1",
		Platform:           models.PlatformX,
		AccessToken:        ptr("access"),
		RefreshToken:       ptr("refresh"),
		ClientID:           ptr("byo-client"),
		ClientSecretSealed: ptr(sealed),
	})
	r := newResolver(t, st, "")

	conn, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	require.NoError(t, err)
	assert.Equal(t, "access", conn.AccessToken)
	assert.Equal(t, "refresh", conn.RefreshToken)
	assert.Equal(t, "byo-client", conn.ClientID)
	assert.Equal(t, "byo-secret", conn.ClientSecret)
}

func TestResolve_DefaultsAndUnreadableSecret(t *testing.T) {
	st := mock.New()
	st.PutConnection(models.ProviderConnection{OwnerID: "owner-1", Platform: models.PlatformX, AccessToken: ptr("access")})
	r := newResolver(t, st, "")

	conn, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	require.NoError(t, err)
	assert.Equal(t, "default-client", conn.ClientID)
	assert.Equal(t, "default-secret", conn.ClientSecret)
	assert.False(t, conn.HasRefreshToken())

	st.PutConnection(models.ProviderConnection{
		OwnerID:            "owner-2",
		Platform:           models.PlatformX,
		AccessToken:        ptr("access"),
		ClientSecretSealed: ptr("not-a-sealed-value"),
	})
	_, err = r.Resolve(context.Background(), "owner-2", models.PlatformX)
	assert.ErrorIs(t, err, credentials.ErrSecretUnreadable)
}

func TestNeedsRefresh(t *testing.T) {
	r := newResolver(t, mock.New(), "")

	assert.False(t, r.NeedsRefresh(&credentials.Connection{}), "unknown expiry")
	assert.False(t, r.NeedsRefresh(&credentials.Connection{ExpiresAt: ptr(fixedNow.Add(2 * time.Minute))}))
	assert.True(t, r.NeedsRefresh(&credentials.Connection{ExpiresAt: ptr(fixedNow.Add(30 * time.Second))}))
	assert.True(t, r.NeedsRefresh(&credentials.Connection{ExpiresAt: ptr(fixedNow.Add(-time.Hour))}))
}

func TestRefresh_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "default-client", user)
		assert.Equal(t, "default-secret", pass)

		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "old-refresh", form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":7200,"token_type":"bearer"}`))
	}))
	defer srv.Close()

	st := mock.New()
	st.PutConnection(models.ProviderConnection{
		OwnerID:      "owner-1",
		Platform:     models.PlatformX,
		AccessToken:  ptr("old-access"),
		RefreshToken: ptr("old-refresh"),
		ExpiresAt:    ptr(fixedNow.Add(10 * time.Second)),
	})
	r := newResolver(t, st, srv.URL)

	conn, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	require.NoError(t, err)
	require.True(t, r.NeedsRefresh(conn))
	require.NoError(t, r.Refresh(context.Background(), conn))

	assert.Equal(t, "new-access", conn.AccessToken)
	assert.Equal(t, "new-refresh", conn.RefreshToken)
	assert.Equal(t, fixedNow.Add(2*time.Hour), *conn.ExpiresAt)

	stored := st.Connection("owner-1", models.PlatformX)
	assert.Equal(t, "new-access", *stored.AccessToken)
	assert.Equal(t, "new-refresh", *stored.RefreshToken)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-access"}`))
	}))
	defer srv.Close()

	st := mock.New()
	st.PutConnection(models.ProviderConnection{OwnerID: "owner-1", Platform: models.PlatformX, AccessToken: ptr("a"), RefreshToken: ptr("keep-me")})
	r := newResolver(t, st, srv.URL)

	conn, err := r.Resolve(context.Background(), "owner-1", models.PlatformX)
	require.NoError(t, err)
	require.NoError(t, r.Refresh(context.Background(), conn))

	assert.Equal(t, "keep-me", conn.RefreshToken)
	assert.Equal(t, "keep-me", *st.Connection("owner-1", models.PlatformX).RefreshToken)
}

func TestRefresh_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"timeout", http.StatusRequestTimeout, `{}`, true},
		{"unavailable", http.StatusBadGateway, `{}`, true},
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, false},
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_client"}`, false},
		{"ok without token", http.StatusOK, `{"token_type":"bearer"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			st := mock.New()
			st.PutConnection(models.ProviderConnection{OwnerID: "o", Platform: models.PlatformX, AccessToken: ptr("a"), RefreshToken: ptr("r")})
			r := newResolver(t, st, srv.URL)
			conn, err := r.Resolve(context.Background(), "o", models.PlatformX)
			require.NoError(t, err)

			err = r.Refresh(context.Background(), conn)
			var re *credentials.RefreshError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.retryable, re.Retryable)
			assert.Equal(t, tt.retryable, credentials.IsRetryableRefresh(err))
			assert.Equal(t, "a", *st.Connection("o", models.PlatformX).AccessToken)
		})
	}
}

func TestRefresh_PersistFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-access"}`))
	}))
	defer srv.Close()

	st := mock.New()
	st.PutConnection(models.ProviderConnection{OwnerID: "o", Platform: models.PlatformX, AccessToken: ptr("a"), RefreshToken: ptr("r")})
	r := newResolver(t, st, srv.URL)
	conn, err := r.Resolve(context.Background(), "o", models.PlatformX)
	require.NoError(t, err)

	st.UpdateTokensErr = errors.New("write failed")
	err = r.Refresh(context.Background(), conn)
	require.Error(t, err)
	var re *credentials.RefreshError
	assert.False(t, errors.As(err, &re))
	assert.Equal(t, "a", conn.AccessToken)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	r := newResolver(t, mock.New(), "http://127.0.0.1:1")
	err := r.Refresh(context.Background(), &credentials.Connection{AccessToken: "a"})
	var re *credentials.RefreshError
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Retryable)
}
