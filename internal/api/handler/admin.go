package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/autopost/internal/api/middleware"
	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/cache"
	"github.com/kiranshivaraju/autopost/internal/dispatch"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "ap_"

// lookupPrefixLen matches the prefix length the auth middleware indexes on.
const lookupPrefixLen = 8

var knownScopes = map[string]bool{mw.ScopeAdmin: true}

// KeyStore manages operator API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error
}

// NewLastDispatchHandler returns an http.HandlerFunc for
// GET /api/v1/admin/dispatch/last, served from the cache.
func NewLastDispatchHandler(c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var summary dispatch.Summary
		found, err := cache.GetJSON(r.Context(), c, cache.LastDispatchKey, &summary)
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Cache could not be read", nil)
			return
		}
		if !found {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "No dispatch run recorded yet", nil)
			return
		}
		response.JSON(w, summary)
	}
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is only ever returned here.
func NewCreateKeyHandler(s KeyStore, cost int) http.HandlerFunc {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string   `json:"owner_id"`
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, req.OwnerID)
		if !ok {
			return
		}

		name := strings.TrimSpace(req.Name)
		if name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		scopes := []string{}
		for _, sc := range req.Scopes {
			if !knownScopes[sc] {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown scope: "+sc, nil)
				return
			}
			scopes = append(scopes, sc)
		}

		raw, err := generateKey()
		if err != nil {
			response.Internal(w)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
		if err != nil {
			response.Internal(w)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Name:      name,
			KeyHash:   string(hash),
			KeyPrefix: raw[:lookupPrefixLen],
			Scopes:    scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			response.Unavailable(w, "API key could not be stored")
			return
		}

		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := resolveOwner(w, r, r.URL.Query().Get("owner_id"))
		if !ok {
			return
		}

		keys, err := s.ListAPIKeys(r.Context(), ownerID)
		if err != nil {
			response.Unavailable(w, "API keys could not be listed")
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, response.ListMeta{Limit: len(keys), Count: len(keys)})
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a valid UUID", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, r.URL.Query().Get("owner_id"))
		if !ok {
			return
		}

		err = s.RevokeAPIKey(r.Context(), id, ownerID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
			return
		}
		if err != nil {
			response.Unavailable(w, "API key could not be revoked")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func generateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
