package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/credentials"
	"github.com/kiranshivaraju/autopost/internal/dispatch"
	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/internal/store/mock"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeX struct {
	mu       sync.Mutex
	outcomes []platform.PostOutcome
	errs     []error
	tokens   []string
	panicMsg string
	onPost   func()
}

func (f *fakeX) Name() models.Platform { return models.PlatformX }
func (f *fakeX) MaxTextRunes() int     { return 280 }

func (f *fakeX) Post(_ context.Context, accessToken, _ string) (platform.PostOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		msg := f.panicMsg
		f.panicMsg = ""
		panic(msg)
	}
	f.tokens = append(f.tokens, accessToken)
	if f.onPost != nil {
		f.onPost()
	}
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
		if err != nil {
			return platform.PostOutcome{}, err
		}
	}
	if len(f.outcomes) == 0 {
		return platform.PostOutcome{Kind: platform.OutcomeSent, StatusCode: 201, ExternalID: "ext-default"}, nil
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out, nil
}

func (f *fakeX) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type harness struct {
	store *mock.Store
	x     *fakeX
	clock *clock
	token *tokenServer
	eng   *dispatch.Engine
}

type tokenServer struct {
	srv    *httptest.Server
	mu     sync.Mutex
	status int
	body   string
	calls  int
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{status: http.StatusOK, body: `{"access_token":"fresh-access","refresh_token":"fresh-refresh","expires_in":7200}`}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.calls++
		w.WriteHeader(ts.status)
		w.Write([]byte(ts.body))
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tokenServer) respond(status int, body string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status, ts.body = status, body
}

func (ts *tokenServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.calls
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: mock.New(),
		x:     &fakeX{},
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		token: newTokenServer(t),
	}
	resolver := credentials.NewResolver(h.store, nil, http.DefaultClient,
		credentials.Config{TokenURL: h.token.srv.URL, ClientID: "client"},
		credentials.WithClock(h.clock.now),
	)
	reg := platform.NewRegistry(h.x, platform.NewThreads(0))
	h.eng = dispatch.NewEngine(h.store, resolver, reg,
		dispatch.WithPolicy(dispatch.DefaultPolicy()),
		dispatch.WithClock(h.clock.now),
	)
	return h
}

func ptr[T any](v T) *T { return &v }

func (h *harness) connect(owner string, refresh bool, expiresIn time.Duration) {
	c := models.ProviderConnection{OwnerID: owner, Platform: models.PlatformX, AccessToken: ptr("access-1")}
	if refresh {
		c.RefreshToken = ptr("refresh-1")
	}
	if expiresIn != 0 {
		c.ExpiresAt = ptr(h.clock.now().Add(expiresIn))
	}
	h.store.PutConnection(c)
}

func (h *harness) dueJob(p models.Platform, attempts int) uuid.UUID {
	return h.store.PutJob(models.Job{
		OwnerID:  "owner-1",
		Platform: p,
		Text:     "hello",
		RunAt:    h.clock.now().Add(-time.Second),
		Status:   models.JobStatusPending,
		Attempts: attempts,
	})
}

func (h *harness) run(t *testing.T) *dispatch.Summary {
	t.Helper()
	s, err := h.eng.RunOnce(context.Background())
	require.NoError(t, err)
	return s
}

// --- Scenarios ---

func TestRunOnce_SendsDueJob(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeSent, StatusCode: 201, ExternalID: "1799"}}
	id := h.dueJob(models.PlatformX, 0)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusSent, job.Status)
	require.NotNil(t, job.ExternalPostID)
	assert.Equal(t, "1799", *job.ExternalPostID)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.LastError)

	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.Sent)
	require.Len(t, s.Results, 1)
	assert.Equal(t, dispatch.ActionSent, s.Results[0].Action)
	assert.Equal(t, "1799", s.Results[0].ExternalPostID)
}

func TestRunOnce_RateLimitedSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeRetryable, StatusCode: 429}}
	id := h.dueJob(models.PlatformX, 0)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, h.clock.now().Add(5*time.Minute), job.RunAt)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "429")
	assert.Equal(t, dispatch.ActionRetryScheduled, s.Results[0].Action)
}

func TestRunOnce_RetryableAtCapFails(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeRetryable, StatusCode: 429}}
	id := h.dueJob(models.PlatformX, dispatch.DefaultMaxAttempts-1)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, dispatch.DefaultMaxAttempts, job.Attempts)
	assert.Equal(t, 1, s.Failed)
}

func TestRunOnce_NotConnectedNeedsUserAction(t *testing.T) {
	h := newHarness(t)
	id := h.dueJob(models.PlatformX, 0)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusNeedsUserAction, job.Status)
	assert.Equal(t, 0, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "not connected")
	assert.Equal(t, 0, h.x.calls())
	assert.Equal(t, 1, s.NeedsUserAction)
}

func TestRunOnce_ManualAssistPlatform(t *testing.T) {
	h := newHarness(t)
	id := h.dueJob(models.PlatformThreads, 0)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusNeedsUserAction, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "manual-assist")
	assert.Equal(t, 1, h.store.ClaimCalls)
	assert.Equal(t, 0, h.x.calls())
	assert.Equal(t, 1, s.NeedsUserAction)
}

// --- Concurrency and lifecycle ---

func TestRunOnce_LostClaimIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	id := h.dueJob(models.PlatformX, 0)
	h.store.ClaimHook = func(claimID uuid.UUID) {
		// Another invocation wins the race first.
		h.store.ClaimHook = nil
		_, _ = h.store.ClaimJob(context.Background(), claimID, h.clock.now())
	}

	s := h.run(t)

	assert.Equal(t, models.JobStatusRunning, h.store.Job(id).Status)
	assert.Equal(t, 0, h.x.calls())
	assert.Equal(t, 0, s.Processed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, dispatch.ActionSkipped, s.Results[0].Action)
}

func TestRunOnce_ConcurrentRunsClaimOnce(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	id := h.dueJob(models.PlatformX, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.eng.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.x.calls())
	assert.Equal(t, models.JobStatusSent, h.store.Job(id).Status)
}

func TestRunOnce_TerminalJobsUntouched(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	past := h.clock.now().Add(-time.Hour)
	sent := h.store.PutJob(models.Job{OwnerID: "owner-1", Platform: models.PlatformX, RunAt: past, Status: models.JobStatusSent, UpdatedAt: past})
	cancelled := h.store.PutJob(models.Job{OwnerID: "owner-1", Platform: models.PlatformX, RunAt: past, Status: models.JobStatusCancelled, UpdatedAt: past})

	s := h.run(t)

	assert.Empty(t, s.Results)
	assert.Equal(t, 0, h.store.ApplyCalls)
	assert.Equal(t, past, h.store.Job(sent).UpdatedAt)
	assert.Equal(t, models.JobStatusCancelled, h.store.Job(cancelled).Status)
}

func (h *harness) cancelDuringPost(id uuid.UUID) {
	h.x.onPost = func() {
		_, _ = h.store.CancelJobs(context.Background(), store.JobScope{OwnerID: "owner-1", ID: &id}, h.clock.now())
	}
}

func TestRunOnce_CancelDuringSendKeepsCancelled(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeSent, StatusCode: 201, ExternalID: "1799"}}
	id := h.dueJob(models.PlatformX, 0)
	h.cancelDuringPost(id)

	s := h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.True(t, job.Status.Terminal())
	assert.Nil(t, job.ExternalPostID)
	assert.Equal(t, 0, s.Sent)
	assert.Equal(t, 1, s.Skipped)
	require.Len(t, s.Results, 1)
	assert.Equal(t, dispatch.ActionSkipped, s.Results[0].Action)
	assert.Equal(t, "1799", s.Results[0].ExternalPostID)
}

func TestRunOnce_CancelDuringRetryableIsNotRequeued(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeRetryable, StatusCode: 503}}
	id := h.dueJob(models.PlatformX, 0)
	h.cancelDuringPost(id)

	s := h.run(t)
	h.x.onPost = nil

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.LastError)
	assert.Equal(t, 1, s.Skipped)

	h.clock.t = h.clock.t.Add(time.Hour)
	s = h.run(t)
	assert.Empty(t, s.Results)
	assert.Equal(t, models.JobStatusCancelled, h.store.Job(id).Status)
	assert.Equal(t, 1, h.x.calls())
}

func TestRunOnce_LegacySpellingsDispatched(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	id := h.store.PutJob(models.Job{
		OwnerID:  "owner-1",
		Platform: "Twitter",
		Text:     "old row",
		RunAt:    h.clock.now().Add(-time.Second),
		Status:   " PENDING",
	})

	s := h.run(t)

	assert.Equal(t, 1, s.Sent)
	assert.Equal(t, models.JobStatusSent, h.store.Job(id).Status)
}

func TestRunOnce_BackoffUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	id := h.dueJob(models.PlatformX, 0)

	var lastRunAt time.Time
	for i := 1; i <= dispatch.DefaultMaxAttempts; i++ {
		h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeRetryable, StatusCode: 503}}
		h.run(t)

		job := h.store.Job(id)
		assert.Equal(t, i, job.Attempts)
		if i < dispatch.DefaultMaxAttempts {
			assert.Equal(t, models.JobStatusPending, job.Status)
			assert.True(t, job.RunAt.After(lastRunAt))
			lastRunAt = job.RunAt
			h.clock.t = job.RunAt
		} else {
			assert.Equal(t, models.JobStatusFailed, job.Status)
		}
	}
	assert.Equal(t, dispatch.DefaultMaxAttempts, h.x.calls())
}

func TestRunOnce_BatchSizeBound(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	for i := 0; i < dispatch.DefaultBatchSize+2; i++ {
		h.dueJob(models.PlatformX, 0)
	}

	s := h.run(t)

	assert.Equal(t, dispatch.DefaultBatchSize, s.Processed)
	assert.Equal(t, dispatch.DefaultBatchSize, h.x.calls())
}

// --- Credentials ---

func TestRunOnce_AuthErrorRefreshesAndRetriesOnce(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", true, 0)
	h.x.outcomes = []platform.PostOutcome{
		{Kind: platform.OutcomeAuthError, StatusCode: 401},
		{Kind: platform.OutcomeSent, StatusCode: 201, ExternalID: "after-refresh"},
	}
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusSent, job.Status)
	assert.Equal(t, "after-refresh", *job.ExternalPostID)
	assert.Equal(t, []string{"access-1", "fresh-access"}, h.x.tokens)
	assert.Equal(t, 1, h.token.count())
	assert.Equal(t, "fresh-access", *h.store.Connection("owner-1", models.PlatformX).AccessToken)
}

func TestRunOnce_SecondAuthErrorNeedsUserAction(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", true, 0)
	h.x.outcomes = []platform.PostOutcome{
		{Kind: platform.OutcomeAuthError, StatusCode: 401},
		{Kind: platform.OutcomeAuthError, StatusCode: 401},
	}
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusNeedsUserAction, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 2, h.x.calls())
}

func TestRunOnce_AuthErrorWithoutRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomeAuthError, StatusCode: 401}}
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	assert.Equal(t, models.JobStatusNeedsUserAction, h.store.Job(id).Status)
	assert.Equal(t, 1, h.x.calls())
	assert.Equal(t, 0, h.token.count())
}

func TestRunOnce_ExpiringTokenRefreshedBeforePost(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", true, 30*time.Second)
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	assert.Equal(t, models.JobStatusSent, h.store.Job(id).Status)
	assert.Equal(t, []string{"fresh-access"}, h.x.tokens)
}

func TestRunOnce_RefreshRetryable(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", true, 30*time.Second)
	h.token.respond(http.StatusServiceUnavailable, `{"error":"unavailable"}`)
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, h.clock.now().Add(5*time.Minute), job.RunAt)
	assert.Equal(t, 0, h.x.calls())
}

func TestRunOnce_RefreshRejected(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", true, 30*time.Second)
	h.token.respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusNeedsUserAction, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, *job.LastError, "invalid_grant")
	assert.Equal(t, 0, h.x.calls())
}

// --- Failures ---

func TestRunOnce_DuplicateIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomePermanent, StatusCode: 403, Detail: "duplicate content", Duplicate: true}}
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, strings.HasPrefix(*job.LastError, "duplicate:"))
}

func TestRunOnce_TransportErrorNeverTerminal(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.errs = []error{errors.New("connection reset by peer")}
	id := h.dueJob(models.PlatformX, dispatch.DefaultMaxAttempts)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, dispatch.DefaultMaxAttempts+1, job.Attempts)
	assert.Contains(t, *job.LastError, "connection reset")
}

func TestRunOnce_ConnectionStoreErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.store.GetConnectionErr = errors.New("too many connections")
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	job := h.store.Job(id)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunOnce_PanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.panicMsg = "boom"
	first := h.store.PutJob(models.Job{OwnerID: "owner-1", Platform: models.PlatformX, RunAt: h.clock.now().Add(-2 * time.Second), Status: models.JobStatusPending})
	second := h.dueJob(models.PlatformX, 0)

	s := h.run(t)

	assert.Equal(t, models.JobStatusPending, h.store.Job(first).Status)
	assert.Equal(t, 1, h.store.Job(first).Attempts)
	assert.Contains(t, *h.store.Job(first).LastError, "panic: boom")
	assert.Equal(t, models.JobStatusSent, h.store.Job(second).Status)
	assert.Equal(t, 2, s.Processed)
}

func TestRunOnce_LongErrorTruncated(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	h.x.outcomes = []platform.PostOutcome{{Kind: platform.OutcomePermanent, StatusCode: 400, Detail: strings.Repeat("x", 5000)}}
	id := h.dueJob(models.PlatformX, 0)

	h.run(t)

	assert.Len(t, *h.store.Job(id).LastError, dispatch.MaxLastErrorLen)
}

// --- Store failures ---

func TestRunOnce_SelectErrorAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.store.SelectErr = errors.New("db down")

	s, err := h.eng.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, s.Results)
}

func TestRunOnce_PersistFailureAfterSendLeavesRunning(t *testing.T) {
	h := newHarness(t)
	h.connect("owner-1", false, 0)
	id := h.dueJob(models.PlatformX, 0)
	h.store.ApplyErr = errors.New("write timeout")

	_, err := h.eng.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.JobStatusRunning, h.store.Job(id).Status)
	assert.Equal(t, 1, h.x.calls())
}

func TestRunOnce_AfterRunHook(t *testing.T) {
	h := newHarness(t)
	var got *dispatch.Summary
	eng := dispatch.NewEngine(h.store, nil, platform.NewRegistry(h.x),
		dispatch.WithClock(h.clock.now),
		dispatch.WithAfterRun(func(_ context.Context, s *dispatch.Summary) { got = s }),
	)

	s, err := eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestPolicy(t *testing.T) {
	p := dispatch.Policy{}
	assert.Equal(t, 5*time.Minute, p.Delay(1))
	assert.Equal(t, p.Delay(1), p.Delay(2))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	custom := dispatch.Policy{MaxAttempts: 5, RetryDelay: time.Minute}
	assert.Equal(t, time.Minute, custom.Delay(4))
	assert.False(t, custom.Exhausted(4))
}
