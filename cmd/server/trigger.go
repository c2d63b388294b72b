package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/autopost/internal/cache"
	"github.com/robfig/cron/v3"
)

// triggerLockTTL bounds how long one replica holds a schedule slot. It must
// stay below the shortest configured schedule interval.
const triggerLockTTL = 50 * time.Second

// triggerFunc is an entry point the schedules call: the same ones the HTTP
// triggers use.
type triggerFunc func(ctx context.Context) error

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// scheduleTriggers registers the configured in-process schedules. It returns
// nil when none are configured. Callers Start and Stop the returned cron.
func scheduleTriggers(ctx context.Context, locker cache.Cache, schedules map[string]string, fns map[string]triggerFunc, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	registered := 0

	for name, expr := range schedules {
		if expr == "" {
			continue
		}
		fn, ok := fns[name]
		if !ok {
			return nil, fmt.Errorf("schedule %s: no trigger registered", name)
		}
		name := name
		if _, err := c.AddFunc(expr, func() { runLocked(ctx, locker, name, fn, logger) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, expr, err)
		}
		logger.Info("trigger scheduled", "trigger", name, "schedule", expr)
		registered++
	}

	if registered == 0 {
		return nil, nil
	}
	return c, nil
}

// runLocked runs fn unless another replica already took this slot. When the
// lock cannot be read fn runs anyway; jobs are still claimed one at a time.
func runLocked(ctx context.Context, locker cache.Cache, name string, fn triggerFunc, logger *slog.Logger) bool {
	held, err := locker.TryLock(ctx, cache.TriggerLockKey(name), triggerLockTTL)
	if err != nil {
		logger.Warn("trigger lock unavailable, running anyway", "trigger", name, "error", err)
	} else if !held {
		logger.Debug("trigger slot taken by another replica", "trigger", name)
		return false
	}

	if err := fn(ctx); err != nil {
		logger.Error("scheduled trigger failed", "trigger", name, "error", err)
	}
	return true
}
