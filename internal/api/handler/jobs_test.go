package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/api/handler"
	mw "github.com/kiranshivaraju/autopost/internal/api/middleware"
	"github.com/kiranshivaraju/autopost/internal/compose"
	"github.com/kiranshivaraju/autopost/internal/store/mock"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newComposer(st *mock.Store) *compose.Service {
	return compose.NewService(st, testRegistry(), compose.WithClock(clock))
}

// --- create ---

func TestCreateJobs_CreatesSiblingsSharingGroup(t *testing.T) {
	st := mock.New()
	h := handler.NewCreateJobsHandler(newComposer(st))

	r := jsonReq(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"text":      "launch day",
		"platforms": []string{"x", "threads"},
		"runAt":     fixedNow.Add(10 * time.Minute).Format(time.RFC3339),
		"draftId":   "draft-7",
	})
	rec := httptest.NewRecorder()
	h(rec, asOwner(r, "owner-1"))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		GroupID uuid.UUID     `json:"group_id"`
		Jobs    []*models.Job `json:"jobs"`
	}
	decodeData(t, rec, &body)
	require.Len(t, body.Jobs, 2)
	for _, j := range body.Jobs {
		require.NotNil(t, j.GroupID)
		assert.Equal(t, body.GroupID, *j.GroupID)
		assert.Equal(t, "owner-1", j.OwnerID)
		assert.Equal(t, models.JobStatusPending, j.Status)
		assert.Zero(t, j.Attempts)
		require.NotNil(t, j.DraftID)
		assert.Equal(t, "draft-7", *j.DraftID)

		stored := st.Job(j.ID)
		require.NotNil(t, stored)
		assert.True(t, stored.RunAt.Equal(fixedNow.Add(10*time.Minute)))
	}
}

func TestCreateJobs_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      map[string]any
		wantField string
	}{
		{
			name:      "run_at too soon",
			body:      map[string]any{"text": "hi", "platforms": []string{"x"}, "run_at": fixedNow.Add(10 * time.Second).Format(time.RFC3339)},
			wantField: "run_at",
		},
		{
			name:      "run_at unparseable",
			body:      map[string]any{"text": "hi", "platforms": []string{"x"}, "run_at": "tomorrow"},
			wantField: "run_at",
		},
		{
			name:      "text too long for x",
			body:      map[string]any{"text": strings.Repeat("a", 281), "platforms": []string{"x"}, "run_at": fixedNow.Add(time.Hour).Format(time.RFC3339)},
			wantField: "text",
		},
		{
			name:      "duplicate platform through alias",
			body:      map[string]any{"text": "hi", "platforms": []string{"x", "twitter"}, "run_at": fixedNow.Add(time.Hour).Format(time.RFC3339)},
			wantField: "platforms",
		},
		{
			name:      "unknown platform",
			body:      map[string]any{"text": "hi", "platforms": []string{"myspace"}, "run_at": fixedNow.Add(time.Hour).Format(time.RFC3339)},
			wantField: "platforms",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := mock.New()
			rec := httptest.NewRecorder()
			handler.NewCreateJobsHandler(newComposer(st))(rec, asOwner(jsonReq(t, http.MethodPost, "/api/v1/jobs", tt.body), "owner-1"))

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			env := decodeError(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
			assert.Contains(t, env.Error.Details, tt.wantField)
		})
	}
}

func TestCreateJobs_OwnerScoping(t *testing.T) {
	body := map[string]any{
		"owner_id":  "owner-2",
		"text":      "hi",
		"platforms": []string{"x"},
		"run_at":    fixedNow.Add(time.Hour).Format(time.RFC3339),
	}

	t.Run("plain key cannot act for another owner", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.NewCreateJobsHandler(newComposer(mock.New()))(rec, asOwner(jsonReq(t, http.MethodPost, "/api/v1/jobs", body), "owner-1"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin key can", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.NewCreateJobsHandler(newComposer(mock.New()))(rec, asOwner(jsonReq(t, http.MethodPost, "/api/v1/jobs", body), "ops", mw.ScopeAdmin))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var out struct {
			Jobs []*models.Job `json:"jobs"`
		}
		decodeData(t, rec, &out)
		require.Len(t, out.Jobs, 1)
		assert.Equal(t, "owner-2", out.Jobs[0].OwnerID)
	})

	t.Run("missing identity", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.NewCreateJobsHandler(newComposer(mock.New()))(rec, jsonReq(t, http.MethodPost, "/api/v1/jobs", body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// --- list ---

func seedJobs(st *mock.Store) (older, newer uuid.UUID) {
	older = st.PutJob(models.Job{
		OwnerID: "owner-1", Platform: models.PlatformX, Text: "a",
		RunAt: fixedNow.Add(time.Hour), Status: models.JobStatusPending,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	newer = st.PutJob(models.Job{
		OwnerID: "owner-1", Platform: models.PlatformX, Text: "b",
		RunAt: fixedNow.Add(2 * time.Hour), Status: models.JobStatusFailed,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	st.PutJob(models.Job{
		OwnerID: "owner-2", Platform: models.PlatformX, Text: "c",
		RunAt: fixedNow.Add(3 * time.Hour), Status: models.JobStatusPending,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	return older, newer
}

func TestListJobs_NewestRunAtFirstForOwner(t *testing.T) {
	st := mock.New()
	older, newer := seedJobs(st)

	rec := httptest.NewRecorder()
	handler.NewListJobsHandler(st)(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil), "owner-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []*models.Job
	decodeData(t, rec, &jobs)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer, jobs[0].ID)
	assert.Equal(t, older, jobs[1].ID)
}

func TestListJobs_StatusFilterAndLimit(t *testing.T) {
	st := mock.New()
	_, newer := seedJobs(st)

	rec := httptest.NewRecorder()
	handler.NewListJobsHandler(st)(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=failed&limit=5", nil), "owner-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []*models.Job
	decodeData(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, newer, jobs[0].ID)
}

func TestListJobs_LimitIsCapped(t *testing.T) {
	st := mock.New()
	rec := httptest.NewRecorder()
	handler.NewListJobsHandler(st)(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?limit=500", nil), "owner-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[],"meta":{"limit":200,"count":0}}`, rec.Body.String())
}

func TestListJobs_BadQuery(t *testing.T) {
	for _, q := range []string{"?status=bogus", "?limit=0", "?limit=abc"} {
		t.Run(q, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.NewListJobsHandler(mock.New())(rec, asOwner(httptest.NewRequest(http.MethodGet, "/api/v1/jobs"+q, nil), "owner-1"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// --- cancel / complete ---

func seedGroup(st *mock.Store) (uuid.UUID, uuid.UUID, uuid.UUID) {
	group := uuid.New()
	x := st.PutJob(models.Job{
		OwnerID: "owner-1", GroupID: &group, Platform: models.PlatformX, Text: "t",
		RunAt: fixedNow.Add(time.Hour), Status: models.JobStatusPending,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	th := st.PutJob(models.Job{
		OwnerID: "owner-1", GroupID: &group, Platform: models.PlatformThreads, Text: "t",
		RunAt: fixedNow.Add(time.Hour), Status: models.JobStatusNeedsUserAction,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	return group, x, th
}

func TestCancelJobs_ByGroupScopedToPlatform(t *testing.T) {
	st := mock.New()
	group, x, th := seedGroup(st)

	rec := httptest.NewRecorder()
	r := jsonReq(t, http.MethodPost, "/api/v1/jobs/cancel", map[string]any{
		"groupId":  group.String(),
		"provider": "twitter",
	})
	handler.NewCancelJobsHandler(st, clock)(rec, asOwner(r, "owner-1"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Updated int `json:"updated"`
	}
	decodeData(t, rec, &body)
	assert.Equal(t, 1, body.Updated)
	assert.Equal(t, models.JobStatusCancelled, st.Job(x).Status)
	assert.Equal(t, models.JobStatusNeedsUserAction, st.Job(th).Status)
}

func TestCompleteJobs_ByID(t *testing.T) {
	st := mock.New()
	_, x, th := seedGroup(st)

	rec := httptest.NewRecorder()
	r := jsonReq(t, http.MethodPost, "/api/v1/jobs/complete", map[string]any{"id": th.String()})
	handler.NewCompleteJobsHandler(st, clock)(rec, asOwner(r, "owner-1"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.JobStatusSent, st.Job(th).Status)
	assert.True(t, st.Job(th).UpdatedAt.Equal(fixedNow))
	assert.Equal(t, models.JobStatusPending, st.Job(x).Status)
}

func TestCancelJobs_OtherOwnersJobsUntouched(t *testing.T) {
	st := mock.New()
	group, x, _ := seedGroup(st)

	rec := httptest.NewRecorder()
	r := jsonReq(t, http.MethodPost, "/api/v1/jobs/cancel", map[string]any{"group_id": group.String()})
	handler.NewCancelJobsHandler(st, clock)(rec, asOwner(r, "owner-2"))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Updated int `json:"updated"`
	}
	decodeData(t, rec, &body)
	assert.Zero(t, body.Updated)
	assert.Equal(t, models.JobStatusPending, st.Job(x).Status)
}

func TestCancelJobs_BadScope(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"no id", map[string]any{"platform": "x"}},
		{"bad id", map[string]any{"id": "nope"}},
		{"bad group", map[string]any{"group_id": "nope"}},
		{"invalid json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.NewCancelJobsHandler(mock.New(), clock)(rec, asOwner(jsonReq(t, http.MethodPost, "/api/v1/jobs/cancel", tt.body), "owner-1"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
