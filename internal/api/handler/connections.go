package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/connections"
)

// ConnectionService manages OAuth connections.
type ConnectionService interface {
	Save(ctx context.Context, req connections.SaveRequest) (*connections.SaveResult, error)
	Disconnect(ctx context.Context, ownerID, platform string) error
	Status(ctx context.Context, ownerID, platform string) (*connections.Status, error)
}

type saveConnectionRequest struct {
	OwnerID      string `json:"owner_id"`
	Platform     string `json:"platform"`
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	Scopes       string `json:"scopes"`
}

// NewSaveConnectionHandler returns an http.HandlerFunc for POST /api/v1/connections.
// It is called after a successful authorization-code exchange.
func NewSaveConnectionHandler(svc ConnectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveConnectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, req.OwnerID)
		if !ok {
			return
		}

		res, err := svc.Save(r.Context(), connections.SaveRequest{
			OwnerID:      ownerID,
			Platform:     firstNonEmpty(req.Platform, req.Provider),
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresIn:    req.ExpiresIn,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Scopes:       firstNonEmpty(req.Scopes, req.Scope),
		})
		if err != nil {
			writeConnectionError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewDisconnectHandler returns an http.HandlerFunc for POST /api/v1/connections/disconnect.
func NewDisconnectHandler(svc ConnectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID  string `json:"owner_id"`
			Platform string `json:"platform"`
			Provider string `json:"provider"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, req.OwnerID)
		if !ok {
			return
		}

		if err := svc.Disconnect(r.Context(), ownerID, firstNonEmpty(req.Platform, req.Provider)); err != nil {
			writeConnectionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewConnectionStatusHandler returns an http.HandlerFunc for
// GET /api/v1/connections/{ownerID}/{platform}. Tokens are never included.
func NewConnectionStatusHandler(svc ConnectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := resolveOwner(w, r, chi.URLParam(r, "ownerID"))
		if !ok {
			return
		}

		st, err := svc.Status(r.Context(), ownerID, chi.URLParam(r, "platform"))
		if err != nil {
			writeConnectionError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

func writeConnectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connections.ErrInvalid):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, connections.ErrNotAutomated):
		response.Error(w, http.StatusBadRequest, "PLATFORM_NOT_CONNECTABLE",
			"Platform is posted manually and has no connection", nil)
	case errors.Is(err, connections.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Connection not found", nil)
	default:
		response.Unavailable(w, "Connection store unavailable")
	}
}
