// Package monitor scans the job store for anomalies and raises deduplicated
// operator alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/autopost/internal/alert"
	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"golang.org/x/sync/errgroup"
)

const maxRowError = 300

// ErrAllQueriesFailed is returned when no anomaly query could be answered.
var ErrAllQueriesFailed = errors.New("every monitor query failed")

// JobLister is the slice of store.Store the monitor needs.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// Notifier forwards an alert unless it is suppressed. *alert.Deduper
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, a alert.Alert, window time.Duration) (alert.Result, error)
}

// Config holds thresholds and suppression windows.
type Config struct {
	StalePending   time.Duration
	StuckRunning   time.Duration
	FailedLookback time.Duration
	RowLimit       int
	MonitorWindow  time.Duration
	ReportWindow   time.Duration
	SubjectPrefix  string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		StalePending:   10 * time.Minute,
		StuckRunning:   15 * time.Minute,
		FailedLookback: 24 * time.Hour,
		RowLimit:       20,
		MonitorWindow:  60 * time.Minute,
		ReportWindow:   30 * time.Minute,
		SubjectPrefix:  "[autopost]",
	}
}

// Section is one anomaly query and the rows it returned.
type Section struct {
	Name  string        `json:"name"`
	Title string        `json:"-"`
	Jobs  []*models.Job `json:"-"`
	Count int           `json:"count"`
	Error string        `json:"error,omitempty"`
}

// RunResult reports one monitor run.
type RunResult struct {
	Anomalies int           `json:"anomalies"`
	Sections  []Section     `json:"sections"`
	Alert     *alert.Result `json:"alert,omitempty"`
}

// Monitor runs the anomaly queries.
type Monitor struct {
	jobs     JobLister
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now for the query cutoffs.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(jobs JobLister, notifier Notifier, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.StalePending <= 0 {
		cfg.StalePending = def.StalePending
	}
	if cfg.StuckRunning <= 0 {
		cfg.StuckRunning = def.StuckRunning
	}
	if cfg.FailedLookback <= 0 {
		cfg.FailedLookback = def.FailedLookback
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = def.RowLimit
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = def.MonitorWindow
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = def.ReportWindow
	}
	m := &Monitor{
		jobs:     jobs,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type query struct {
	name   string
	title  string
	filter store.JobFilter
}

func (m *Monitor) queries(now time.Time) []query {
	limit := m.cfg.RowLimit
	return []query{
		{
			name:  "stale_pending",
			title: fmt.Sprintf("pending more than %s past run_at", m.cfg.StalePending),
			filter: store.JobFilter{
				Statuses:    []models.JobStatus{models.JobStatusPending},
				RunAtBefore: now.Add(-m.cfg.StalePending),
				OrderBy:     store.OrderRunAtAsc,
				Limit:       limit,
			},
		},
		{
			name:  "needs_user_action",
			title: "needs_user_action (operator backlog)",
			filter: store.JobFilter{
				Statuses: []models.JobStatus{models.JobStatusNeedsUserAction, models.JobStatusAuthRequired},
				OrderBy:  store.OrderUpdatedDesc,
				Limit:    limit,
			},
		},
		{
			name:  "failed",
			title: fmt.Sprintf("failed in the last %s", m.cfg.FailedLookback),
			filter: store.JobFilter{
				Statuses:     []models.JobStatus{models.JobStatusFailed},
				UpdatedAfter: now.Add(-m.cfg.FailedLookback),
				OrderBy:      store.OrderUpdatedDesc,
				Limit:        limit,
			},
		},
		{
			name:  "stuck_running",
			title: fmt.Sprintf("running with no update for %s", m.cfg.StuckRunning),
			filter: store.JobFilter{
				Statuses:      []models.JobStatus{models.JobStatusRunning},
				UpdatedBefore: now.Add(-m.cfg.StuckRunning),
				OrderBy:       store.OrderUpdatedAsc,
				Limit:         limit,
			},
		},
		{
			name:  "unknown_status",
			title: "unknown status",
			filter: store.JobFilter{
				ExcludeStatuses: models.KnownJobStatuses,
				OrderBy:         store.OrderUpdatedDesc,
				Limit:           limit,
			},
		},
	}
}

// Run executes every query concurrently. A failing query is logged and
// skipped; the run only fails when all of them do.
func (m *Monitor) Run(ctx context.Context) (*RunResult, error) {
	now := m.now().UTC()
	qs := m.queries(now)
	sections := make([]Section, len(qs))

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures int
	)
	for i, q := range qs {
		i, q := i, q
		sections[i] = Section{Name: q.name, Title: q.title}
		g.Go(func() error {
			jobs, err := m.jobs.ListJobs(ctx, q.filter)
			if err != nil {
				m.logger.Error("monitor query failed", "query", q.name, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				sections[i].Error = err.Error()
				return fmt.Errorf("query %s: %w", q.name, err)
			}
			sections[i].Jobs = jobs
			sections[i].Count = len(jobs)
			return nil
		})
	}
	firstErr := g.Wait()
	if failures == len(qs) {
		return nil, fmt.Errorf("%w: %v", ErrAllQueriesFailed, firstErr)
	}

	res := &RunResult{Sections: sections}
	for _, s := range sections {
		res.Anomalies += s.Count
	}
	telemetry.MonitorAnomalies.Set(float64(res.Anomalies))

	if res.Anomalies == 0 {
		m.logger.Info("monitor run clean")
		return res, nil
	}

	body := renderBody(sections)
	a := alert.Alert{
		Kind:      alert.KindMonitor,
		Subject:   m.subject(fmt.Sprintf("Monitor: %d anomalies", res.Anomalies)),
		Body:      body,
		Signature: alert.Signature(alert.KindMonitor, body),
	}
	ar, err := m.notifier.Notify(ctx, a, m.cfg.MonitorWindow)
	res.Alert = &ar
	if err != nil {
		m.logger.Error("monitor alert not delivered", "error", err)
	}
	return res, nil
}

// Report raises an alert for a trigger failure observed outside the process,
// such as a scheduler script that got a non-2xx answer.
func (m *Monitor) Report(ctx context.Context, status int, url, responseText string) (alert.Result, error) {
	body := fmt.Sprintf("A scheduled trigger failed.\n\nStatus: %d\nURL: %s\n\nResponse:\n%s", status, url, responseText)
	a := alert.Alert{
		Kind:      alert.KindReport,
		Subject:   m.subject(fmt.Sprintf("Cron error: %d (report)", status)),
		Body:      body,
		Signature: alert.ReportSignature(status, url, responseText),
	}
	return m.notifier.Notify(ctx, a, m.cfg.ReportWindow)
}

func (m *Monitor) subject(s string) string {
	if m.cfg.SubjectPrefix == "" {
		return s
	}
	return m.cfg.SubjectPrefix + " " + s
}

func renderBody(sections []Section) string {
	var b strings.Builder
	b.WriteString("Monitor detected anomalies.\n\n")
	for _, s := range sections {
		if s.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "=== %s (%d) ===\n", s.Title, s.Count)
		for _, j := range s.Jobs {
			b.WriteString(renderRow(j))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderRow(j *models.Job) string {
	group := ""
	if j.GroupID != nil {
		group = j.GroupID.String()
	}
	line := fmt.Sprintf("- id=%s platform=%s status=%s run_at=%s updated_at=%s group_id=%s\n",
		j.ID, j.Platform, j.Status,
		j.RunAt.UTC().Format(time.RFC3339), j.UpdatedAt.UTC().Format(time.RFC3339), group)
	if j.LastError != nil && *j.LastError != "" {
		line += "  last_error=" + external.Truncate(*j.LastError, maxRowError) + "\n"
	}
	return line
}
