// Package alert decides whether an operator alert should reach the sink and
// delivers it.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

const maxStoredBody = 2000

// Reason values reported with a Result.
const (
	ReasonSent           = "sent"
	ReasonSuppressed     = "suppressed"
	ReasonDedupeReadFail = "dedupe_read_failed"
	ReasonSinkError      = "sink_error"
)

// Store is the slice of store.Store the deduper needs.
type Store interface {
	GetAlertRecord(ctx context.Context, signature string) (*models.AlertDedupeRecord, error)
	UpsertAlertRecord(ctx context.Context, rec *models.AlertDedupeRecord) error
}

// Sink delivers an alert. Its failure never rolls back dedupe bookkeeping.
type Sink interface {
	Send(ctx context.Context, subject, body string) error
}

// Alert is one candidate notification.
type Alert struct {
	Kind      Kind
	Subject   string
	Body      string
	Signature string
}

// Decision is the outcome of ShouldSend.
type Decision struct {
	Send      bool
	Reason    string
	SentCount int
}

// Result reports what Notify did.
type Result struct {
	Sent       bool   `json:"sent"`
	Suppressed bool   `json:"suppressed"`
	Reason     string `json:"reason"`
	SentCount  int    `json:"sent_count"`
	Signature  string `json:"signature"`
}

// Deduper suppresses repeats of the same alert signature within a window.
type Deduper struct {
	store  Store
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Deduper.
type Option func(*Deduper)

// WithClock overrides time.Now for window checks.
func WithClock(now func() time.Time) Option {
	return func(d *Deduper) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deduper) { d.logger = l }
}

func NewDeduper(s Store, sink Sink, opts ...Option) *Deduper {
	d := &Deduper{
		store:  s,
		sink:   sink,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ShouldSend records an occurrence of a and decides whether it is forwarded.
// lastSentAt only advances when the alert is sent, so repeats cannot stretch
// the window. An unreadable record fails open.
func (d *Deduper) ShouldSend(ctx context.Context, a Alert, window time.Duration) Decision {
	now := d.now().UTC()

	rec, err := d.store.GetAlertRecord(ctx, a.Signature)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("alert dedupe read failed, sending anyway", "signature", a.Signature, "error", err)
		return Decision{Send: true, Reason: ReasonDedupeReadFail}
	}

	next := &models.AlertDedupeRecord{
		Signature:   a.Signature,
		SentCount:   1,
		LastSubject: a.Subject,
		LastBody:    external.Truncate(a.Body, maxStoredBody),
		UpdatedAt:   now,
	}
	within := false
	if rec != nil {
		next.SentCount = rec.SentCount + 1
		within = rec.LastSentAt != nil && now.Sub(*rec.LastSentAt) < window
	}

	decision := Decision{Send: !within, Reason: ReasonSent, SentCount: next.SentCount}
	if within {
		next.LastSentAt = rec.LastSentAt
		decision.Reason = ReasonSuppressed
	} else {
		next.LastSentAt = &now
	}

	if err := d.store.UpsertAlertRecord(ctx, next); err != nil {
		d.logger.Warn("alert dedupe write failed", "signature", a.Signature, "error", err)
	}
	return decision
}

// Notify runs a through ShouldSend and forwards it to the sink when allowed.
func (d *Deduper) Notify(ctx context.Context, a Alert, window time.Duration) (Result, error) {
	if a.Signature == "" {
		a.Signature = Signature(a.Kind, a.Body)
	}

	decision := d.ShouldSend(ctx, a, window)
	res := Result{
		Sent:       decision.Send,
		Suppressed: !decision.Send,
		Reason:     decision.Reason,
		SentCount:  decision.SentCount,
		Signature:  a.Signature,
	}
	if !decision.Send {
		telemetry.Alerts.WithLabelValues("suppressed").Inc()
		d.logger.Info("alert suppressed", "kind", a.Kind, "signature", a.Signature, "sent_count", decision.SentCount)
		return res, nil
	}

	if err := d.sink.Send(ctx, a.Subject, a.Body); err != nil {
		telemetry.Alerts.WithLabelValues("sink_error").Inc()
		res.Sent = false
		res.Reason = ReasonSinkError
		return res, fmt.Errorf("delivering alert: %w", err)
	}

	telemetry.Alerts.WithLabelValues("sent").Inc()
	d.logger.Info("alert sent", "kind", a.Kind, "subject", a.Subject)
	return res, nil
}
