package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/autopost/internal/api/handler"
	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) Ping(_ context.Context) error { return p.err }

func TestHealth_AllOK(t *testing.T) {
	rec := httptest.NewRecorder()
	handler.NewHealthHandler(pinger{}, pinger{})(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	decodeData(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Services["database"])
	assert.Equal(t, "ok", body.Services["cache"])
}

func TestHealth_Degraded(t *testing.T) {
	tests := []struct {
		name          string
		db, cache     error
		wantDB, wantC string
	}{
		{"database down", errors.New("db down"), nil, "degraded", "ok"},
		{"cache down", nil, errors.New("redis down"), "ok", "degraded"},
		{"both down", errors.New("db down"), errors.New("redis down"), "degraded", "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h := handler.NewHealthHandler(pinger{tt.db}, pinger{tt.cache})
			h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			env := decodeError(t, rec)
			assert.Equal(t, "DEGRADED", env.Error.Code)
			assert.Equal(t, tt.wantDB, env.Error.Details["database"])
			assert.Equal(t, tt.wantC, env.Error.Details["cache"])
		})
	}
}
