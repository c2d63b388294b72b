// Package dispatch runs due jobs through the post lifecycle: claim, resolve
// credentials, post, and record the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autopost/internal/credentials"
	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/internal/platform"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

// MaxLastErrorLen caps the stored last_error text.
const MaxLastErrorLen = 1500

const defaultRequestTimeout = 15 * time.Second

// JobStore is the slice of store.Store the engine needs.
type JobStore interface {
	SelectDueJobs(ctx context.Context, platforms []models.Platform, now time.Time, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ApplyOutcome(ctx context.Context, id uuid.UUID, status models.JobStatus, now time.Time, opts ...store.OutcomeOption) error
}

// Credentials resolves and refreshes provider connections.
type Credentials interface {
	Resolve(ctx context.Context, ownerID string, p models.Platform) (*credentials.Connection, error)
	NeedsRefresh(conn *credentials.Connection) bool
	Refresh(ctx context.Context, conn *credentials.Connection) error
}

// Platforms looks up registered platforms.
type Platforms interface {
	Lookup(name models.Platform) (platform.Platform, error)
	Names() []models.Platform
}

// Engine processes one bounded batch of due jobs per RunOnce call.
type Engine struct {
	store          JobStore
	creds          Credentials
	platforms      Platforms
	policy         Policy
	requestTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	afterRun       func(context.Context, *Summary)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the retry and batch policy. Zero fields take defaults.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p.withDefaults() }
}

// WithRequestTimeout bounds each credential and platform call.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithClock sets the time source used for selection, claims and backoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAfterRun registers a hook that receives every completed summary.
func WithAfterRun(fn func(context.Context, *Summary)) Option {
	return func(e *Engine) { e.afterRun = fn }
}

func NewEngine(s JobStore, creds Credentials, platforms Platforms, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		creds:          creds,
		platforms:      platforms,
		policy:         DefaultPolicy(),
		requestTimeout: defaultRequestTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOnce selects up to BatchSize due jobs and processes them sequentially.
// One job's failure never stops the batch; a store error does, and the
// partial summary is returned with it.
func (e *Engine) RunOnce(ctx context.Context) (*Summary, error) {
	summary := &Summary{Results: []Result{}}

	jobs, err := e.store.SelectDueJobs(ctx, e.platforms.Names(), e.now().UTC(), e.policy.BatchSize)
	if err != nil {
		telemetry.DispatchRuns.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("selecting due jobs: %w", err)
	}

	for _, job := range jobs {
		res, err := e.processJob(ctx, job)
		if err != nil {
			telemetry.DispatchRuns.WithLabelValues("error").Inc()
			e.logger.Error("dispatch batch aborted", "job_id", job.ID, "error", err)
			return summary, err
		}
		summary.add(res)
		telemetry.DispatchJobs.WithLabelValues(string(res.Action)).Inc()
	}

	telemetry.DispatchRuns.WithLabelValues("ok").Inc()
	e.logger.Info("dispatch run complete",
		"selected", len(jobs),
		"processed", summary.Processed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"needs_user_action", summary.NeedsUserAction,
	)
	if e.afterRun != nil {
		e.afterRun(ctx, summary)
	}
	return summary, nil
}

// --- Per-job state machine ---

// decision is the state a claimed job moves to.
type decision struct {
	status     models.JobStatus
	action     Action
	attempts   int
	runAt      *time.Time
	lastError  string
	externalID string
}

func (e *Engine) processJob(ctx context.Context, job *models.Job) (Result, error) {
	res := Result{ID: job.ID, Platform: string(job.Platform), Attempts: job.Attempts}

	claimed, err := e.store.ClaimJob(ctx, job.ID, e.now().UTC())
	if err != nil {
		return res, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}
	if !claimed {
		res.Action = ActionSkipped
		res.Error = "already claimed by another run"
		return res, nil
	}

	d := e.decide(ctx, job)

	err = e.apply(ctx, job, d)
	if errors.Is(err, store.ErrClaimLost) {
		e.logger.Warn("job changed while dispatching, outcome dropped",
			"job_id", job.ID,
			"outcome", d.status,
			"external_post_id", d.externalID,
			"error", err,
		)
		res.Action = ActionSkipped
		res.ExternalPostID = d.externalID
		res.Error = "job changed while dispatching"
		return res, nil
	}
	if err != nil {
		if d.status == models.JobStatusSent {
			// The post exists upstream; re-running it would duplicate it.
			e.logger.Error("sent job could not be recorded, leaving it running",
				"job_id", job.ID,
				"external_post_id", d.externalID,
				"error", err,
			)
		}
		return res, fmt.Errorf("recording outcome for job %s: %w", job.ID, err)
	}

	res.Action = d.action
	res.Attempts = d.attempts
	res.ExternalPostID = d.externalID
	res.Error = d.lastError

	e.logger.Info("job dispatched",
		"job_id", job.ID,
		"platform", job.Platform,
		"status", d.status,
		"attempts", d.attempts,
	)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, job *models.Job, d decision) error {
	opts := []store.OutcomeOption{store.WithAttempts(d.attempts)}
	if d.runAt != nil {
		opts = append(opts, store.WithRunAt(*d.runAt))
	}
	if d.status == models.JobStatusSent {
		opts = append(opts, store.WithClearedError())
		if d.externalID != "" {
			opts = append(opts, store.WithExternalPostID(d.externalID))
		}
	} else if d.lastError != "" {
		opts = append(opts, store.WithLastError(d.lastError))
	}
	return e.store.ApplyOutcome(ctx, job.ID, d.status, e.now().UTC(), opts...)
}

// decide runs the credential and platform calls for a claimed job. It never
// touches the job row; a panic is treated like any other transient failure.
func (e *Engine) decide(ctx context.Context, job *models.Job) (d decision) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Panics.WithLabelValues("dispatch").Inc()
			e.logger.Error("panic while dispatching job", "job_id", job.ID, "panic", r)
			d = e.transient(job, fmt.Errorf("panic: %v", r))
		}
	}()

	p, err := e.platforms.Lookup(job.Platform)
	if err != nil {
		return e.failed(job, err.Error())
	}

	switch impl := p.(type) {
	case platform.AutomatedPlatform:
		return e.dispatchAutomated(ctx, job, impl)
	case platform.ManualAssistPlatform:
		return e.needsUser(job.Attempts, impl.AssistMessage())
	default:
		return e.failed(job, fmt.Sprintf("platform %q cannot be dispatched", job.Platform))
	}
}

func (e *Engine) dispatchAutomated(ctx context.Context, job *models.Job, p platform.AutomatedPlatform) decision {
	conn, err := e.resolve(ctx, job)
	switch {
	case errors.Is(err, credentials.ErrNotConnected):
		return e.needsUser(job.Attempts, fmt.Sprintf("%s is not connected; reconnect the account", job.Platform))
	case errors.Is(err, credentials.ErrSecretUnreadable):
		return e.needsUser(job.Attempts, err.Error())
	case err != nil:
		return e.transient(job, err)
	}

	if e.creds.NeedsRefresh(conn) && conn.HasRefreshToken() {
		if err := e.refresh(ctx, conn); err != nil {
			return e.refreshFailed(job, err)
		}
	}

	r := e.postWithReauth(ctx, p, conn, job.Text)
	switch {
	case r.RefreshErr != nil:
		return e.refreshFailed(job, r.RefreshErr)
	case r.Err != nil:
		return e.transient(job, r.Err)
	}

	out := r.Outcome
	switch out.Kind {
	case platform.OutcomeSent:
		return decision{
			status:     models.JobStatusSent,
			action:     ActionSent,
			attempts:   job.Attempts,
			externalID: out.ExternalID,
		}
	case platform.OutcomeAuthError:
		return e.needsUser(job.Attempts, fmt.Sprintf("auth error (HTTP %d): %s", out.StatusCode, out.Detail))
	case platform.OutcomeRetryable:
		return e.retryable(job, fmt.Sprintf("HTTP %d: %s", out.StatusCode, out.Detail))
	default:
		msg := fmt.Sprintf("HTTP %d: %s", out.StatusCode, out.Detail)
		if out.Duplicate {
			msg = "duplicate: " + msg
		}
		return decision{
			status:    models.JobStatusFailed,
			action:    ActionFailed,
			attempts:  job.Attempts + 1,
			lastError: clampError(msg),
		}
	}
}

// reauthResult is the outcome of postWithReauth. At most one of RefreshErr
// and Err is set; otherwise Outcome is meaningful.
type reauthResult struct {
	Outcome    platform.PostOutcome
	Reauthed   bool
	RefreshErr error
	Err        error
}

// postWithReauth posts once and, on an auth error with a refresh token
// available, refreshes and posts exactly one more time.
func (e *Engine) postWithReauth(ctx context.Context, p platform.AutomatedPlatform, conn *credentials.Connection, text string) reauthResult {
	out, err := e.post(ctx, p, conn, text)
	if err != nil {
		return reauthResult{Err: err}
	}
	if out.Kind != platform.OutcomeAuthError || !conn.HasRefreshToken() {
		return reauthResult{Outcome: out}
	}

	if err := e.refresh(ctx, conn); err != nil {
		return reauthResult{RefreshErr: err, Reauthed: true}
	}

	out, err = e.post(ctx, p, conn, text)
	if err != nil {
		return reauthResult{Err: err, Reauthed: true}
	}
	return reauthResult{Outcome: out, Reauthed: true}
}

// --- Bounded calls ---

func (e *Engine) resolve(ctx context.Context, job *models.Job) (*credentials.Connection, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	return e.creds.Resolve(callCtx, job.OwnerID, job.Platform)
}

func (e *Engine) refresh(ctx context.Context, conn *credentials.Connection) error {
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	err := e.creds.Refresh(callCtx, conn)
	var re *credentials.RefreshError
	switch {
	case err == nil:
		telemetry.TokenRefreshes.WithLabelValues("ok").Inc()
	case errors.As(err, &re) && re.Retryable:
		telemetry.TokenRefreshes.WithLabelValues("retryable").Inc()
	case errors.As(err, &re):
		telemetry.TokenRefreshes.WithLabelValues("permanent").Inc()
	default:
		telemetry.TokenRefreshes.WithLabelValues("error").Inc()
	}
	return err
}

func (e *Engine) post(ctx context.Context, p platform.AutomatedPlatform, conn *credentials.Connection, text string) (platform.PostOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	return p.Post(callCtx, conn.AccessToken, text)
}

// --- Transitions ---

func (e *Engine) needsUser(attempts int, msg string) decision {
	return decision{
		status:    models.JobStatusNeedsUserAction,
		action:    ActionNeedsUserAction,
		attempts:  attempts,
		lastError: clampError(msg),
	}
}

func (e *Engine) failed(job *models.Job, msg string) decision {
	return decision{
		status:    models.JobStatusFailed,
		action:    ActionFailed,
		attempts:  job.Attempts + 1,
		lastError: clampError(msg),
	}
}

// retryable reschedules a remote retryable failure until the attempt cap.
func (e *Engine) retryable(job *models.Job, msg string) decision {
	next := job.Attempts + 1
	if e.policy.Exhausted(next) {
		return decision{
			status:    models.JobStatusFailed,
			action:    ActionFailed,
			attempts:  next,
			lastError: clampError(fmt.Sprintf("giving up after %d attempts: %s", next, msg)),
		}
	}
	return e.backoff(next, msg)
}

// transient reschedules an infrastructure failure. These are never terminal.
func (e *Engine) transient(job *models.Job, err error) decision {
	return e.backoff(job.Attempts+1, err.Error())
}

func (e *Engine) backoff(attempts int, msg string) decision {
	runAt := e.now().UTC().Add(e.policy.Delay(attempts))
	return decision{
		status:    models.JobStatusPending,
		action:    ActionRetryScheduled,
		attempts:  attempts,
		runAt:     &runAt,
		lastError: clampError(msg),
	}
}

func (e *Engine) refreshFailed(job *models.Job, err error) decision {
	var re *credentials.RefreshError
	if !errors.As(err, &re) {
		return e.transient(job, fmt.Errorf("token refresh: %w", err))
	}
	if re.Retryable {
		return e.retryable(job, re.Error())
	}
	return e.needsUser(job.Attempts+1, re.Error())
}

func clampError(msg string) string {
	return external.Truncate(msg, MaxLastErrorLen)
}
