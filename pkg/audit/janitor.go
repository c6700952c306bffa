package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/taskward/pkg/observability"
)

// JanitorConfig controls the data-quality cleanup job
type JanitorConfig struct {
	// Schedule is a cron spec, e.g. "@daily"
	Schedule string
	// Grace keeps records younger than this out of the sweep
	Grace time.Duration
	// Lookback bounds how far back duplicates are searched
	Lookback time.Duration
	// Window is the span within which identical records are duplicates
	Window time.Duration
}

// DefaultJanitorConfig runs daily over the last week
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule: "@daily",
		Grace:    time.Minute,
		Lookback: 7 * 24 * time.Hour,
		Window:   5 * time.Second,
	}
}

// CleanupResult counts the records one sweep removed
type CleanupResult struct {
	Noise      int64 `json:"noise"`
	Duplicates int64 `json:"duplicates"`
}

// Janitor periodically removes update records without a diff and
// duplicate deliveries that slipped past the dedup guard
type Janitor struct {
	store   Store
	cfg     JanitorConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor creates a janitor
func NewJanitor(store Store, cfg JanitorConfig, logger *observability.Logger, metrics *observability.Metrics) *Janitor {
	def := DefaultJanitorConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Janitor{
		store:   store,
		cfg:     cfg,
		logger:  observability.OrDefault(logger).WithField("component", "audit.janitor"),
		metrics: metrics,
		now:     time.Now,
	}
}

// RunOnce performs one sweep
func (j *Janitor) RunOnce(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := j.now().UTC()

	noise, err := j.store.DeleteNoise(ctx, now.Add(-j.cfg.Grace))
	if err != nil {
		return res, fmt.Errorf("failed to delete noise records: %w", err)
	}
	res.Noise = noise
	j.metrics.NoiseDeleted(noise)

	dupes, err := j.store.DeleteDuplicates(ctx, now.Add(-j.cfg.Lookback), j.cfg.Window)
	if err != nil {
		return res, fmt.Errorf("failed to delete duplicate records: %w", err)
	}
	res.Duplicates = dupes
	return res, nil
}

// Start schedules the sweep. Stop must be called to release the scheduler.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	c := cron.New()
	_, err := c.AddFunc(j.cfg.Schedule, func() {
		res, err := j.RunOnce(context.Background())
		if err != nil {
			j.logger.WithError(err).Error("audit cleanup failed")
			return
		}
		j.logger.WithFields(map[string]interface{}{
			"noise":      res.Noise,
			"duplicates": res.Duplicates,
		}).Info("audit cleanup completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit cleanup %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Infof("audit cleanup scheduled (%s)", j.cfg.Schedule)
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
