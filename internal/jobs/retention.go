package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"diffusion/internal/config"
	"diffusion/internal/metrics"
)

// EventPurger deletes audit events recorded before a cutoff.
type EventPurger interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted   int   `json:"jobsDeleted"`
	EventsDeleted int64 `json:"eventsDeleted"`
}

// CleanupExpiredData removes finished jobs and audit events older than
// their configured TTLs. A zero TTL disables that half of the cleanup.
// events may be nil.
func CleanupExpiredData(ctx context.Context, cfg *config.Config, reg *Registry, events EventPurger) (RetentionStats, error) {
	now := time.Now().UTC()
	var stats RetentionStats

	if ttl := cfg.Retention.JobTTLMinutes; ttl > 0 {
		cutoff := now.Add(-time.Duration(ttl) * time.Minute)
		stats.JobsDeleted = reg.DeleteExpired(cutoff)
		metrics.RecordRetentionJobs(int64(stats.JobsDeleted))
	}

	if days := cfg.Retention.EventTTLDays; days > 0 && events != nil {
		cutoff := now.AddDate(0, 0, -days)
		n, err := events.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			return stats, fmt.Errorf("delete expired events: %w", err)
		}
		stats.EventsDeleted = n
		metrics.RecordRetentionEvents(n)
	}

	return stats, nil
}

// StartRetention schedules CleanupExpiredData on the configured interval.
// It returns nil when retention is disabled. Callers stop the returned
// scheduler on shutdown.
func StartRetention(ctx context.Context, cfg *config.Config, reg *Registry, events EventPurger, logger *slog.Logger) (*cron.Cron, error) {
	if !cfg.Retention.Enabled {
		return nil, nil
	}

	interval := cfg.Retention.CleanupIntervalMinutes
	if interval <= 0 {
		interval = 10
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %dm", interval)
	if _, err := c.AddFunc(spec, func() {
		stats, err := CleanupExpiredData(ctx, cfg, reg, events)
		if logger == nil {
			return
		}
		if err != nil {
			logger.Warn("retention_cleanup_failed", "error", err)
		}
		if stats.JobsDeleted > 0 || stats.EventsDeleted > 0 {
			logger.Info("retention_cleanup",
				"jobs_deleted", stats.JobsDeleted,
				"events_deleted", stats.EventsDeleted,
			)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule retention: %w", err)
	}

	c.Start()
	return c, nil
}
