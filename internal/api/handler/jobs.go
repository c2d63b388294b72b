package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/compose"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// JobComposer creates sibling jobs from one compose action.
type JobComposer interface {
	Create(ctx context.Context, req compose.Request) ([]*models.Job, error)
}

// JobLister lists jobs for the operator UI.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// JobTransitioner applies operator cancel and complete actions.
type JobTransitioner interface {
	CancelJobs(ctx context.Context, scope store.JobScope, now time.Time) ([]*models.Job, error)
	CompleteJobs(ctx context.Context, scope store.JobScope, now time.Time) ([]*models.Job, error)
}

type createJobsRequest struct {
	OwnerID      string   `json:"owner_id"`
	Text         string   `json:"text"`
	Platforms    []string `json:"platforms"`
	RunAt        string   `json:"run_at"`
	RunAtCamel   string   `json:"runAt"`
	DraftID      string   `json:"draft_id"`
	DraftIDCamel string   `json:"draftId"`
}

type createJobsResponse struct {
	GroupID *uuid.UUID    `json:"group_id"`
	Jobs    []*models.Job `json:"jobs"`
}

// NewCreateJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobsHandler(svc JobComposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, req.OwnerID)
		if !ok {
			return
		}

		var runAt time.Time
		if raw := firstNonEmpty(req.RunAt, req.RunAtCamel); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job request",
					map[string]string{"run_at": "must be a valid RFC3339 timestamp"})
				return
			}
			runAt = t
		}

		jobs, err := svc.Create(r.Context(), compose.Request{
			OwnerID:   ownerID,
			Text:      req.Text,
			Platforms: req.Platforms,
			RunAt:     runAt,
			DraftID:   firstNonEmpty(req.DraftID, req.DraftIDCamel),
		})
		if err != nil {
			var verr *compose.ValidationError
			if errors.As(err, &verr) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job request", verr.Fields)
				return
			}
			response.Internal(w)
			return
		}

		out := createJobsResponse{Jobs: jobs}
		if len(jobs) > 0 {
			out.GroupID = jobs[0].GroupID
		}
		response.Created(w, out)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Jobs come back newest runAt first.
func NewListJobsHandler(s JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		ownerID, ok := resolveOwner(w, r, q.Get("owner_id"))
		if !ok {
			return
		}

		limit := defaultListLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxListLimit)
		}

		filter := store.JobFilter{OwnerID: ownerID, OrderBy: store.OrderRunAtDesc, Limit: limit}
		if raw := q.Get("status"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				st := models.JobStatus(strings.TrimSpace(part))
				if !st.Valid() {
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status: "+string(st), nil)
					return
				}
				filter.Statuses = append(filter.Statuses, st)
			}
		}

		jobs, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			response.Unavailable(w, "Jobs could not be listed")
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.ListMeta{Limit: limit, Count: len(jobs)})
	}
}

type scopeRequest struct {
	OwnerID      string `json:"owner_id"`
	ID           string `json:"id"`
	GroupID      string `json:"group_id"`
	GroupIDCamel string `json:"groupId"`
	Platform     string `json:"platform"`
	Provider     string `json:"provider"`
}

type transitionResponse struct {
	Updated int           `json:"updated"`
	Jobs    []*models.Job `json:"jobs"`
}

type transitionFunc func(ctx context.Context, scope store.JobScope, now time.Time) ([]*models.Job, error)

// NewCancelJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs/cancel.
func NewCancelJobsHandler(s JobTransitioner, now func() time.Time) http.HandlerFunc {
	return newTransitionHandler(s.CancelJobs, now, "cancelled")
}

// NewCompleteJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs/complete.
// Completing marks jobs sent after the owner posted them by hand.
func NewCompleteJobsHandler(s JobTransitioner, now func() time.Time) http.HandlerFunc {
	return newTransitionHandler(s.CompleteJobs, now, "completed")
}

func newTransitionHandler(apply transitionFunc, now func() time.Time, verb string) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req scopeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ownerID, ok := resolveOwner(w, r, req.OwnerID)
		if !ok {
			return
		}

		scope, msg := parseScope(ownerID, req)
		if msg != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
			return
		}

		jobs, err := apply(r.Context(), scope, now().UTC())
		if err != nil {
			response.Unavailable(w, "Jobs could not be "+verb)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.JSON(w, transitionResponse{Updated: len(jobs), Jobs: jobs})
	}
}

// parseScope validates the addressing fields. A group id wins over a job id.
func parseScope(ownerID string, req scopeRequest) (store.JobScope, string) {
	scope := store.JobScope{OwnerID: ownerID}
	if p := firstNonEmpty(req.Platform, req.Provider); p != "" {
		scope.Platform = models.ParsePlatform(p)
	}

	if raw := firstNonEmpty(req.GroupID, req.GroupIDCamel); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return scope, "group_id must be a valid UUID"
		}
		scope.GroupID = &id
		return scope, ""
	}

	if raw := strings.TrimSpace(req.ID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return scope, "id must be a valid UUID"
		}
		scope.ID = &id
		return scope, ""
	}

	return scope, "id or group_id is required"
}
