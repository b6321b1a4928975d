package stream

import (
	"context"
	"log/slog"
	"time"

	"motion-relay/internal/platform/metrics"
)

// Restarter restarts the capture daemon.
type Restarter interface {
	Restart(ctx context.Context) error
}

// CollectorConfig holds the sweep thresholds. A zero IdleTimeout disables
// idle eviction; a zero FrameTimeout disables stall detection.
type CollectorConfig struct {
	FrameTimeout    time.Duration
	IdleTimeout     time.Duration
	RestartOnErrors bool
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Closed    []int
	Stalled   []int
	Restarted bool
}

// Collector periodically evicts idle sessions and detects a stalled daemon.
type Collector struct {
	registry *Registry
	daemon   Restarter
	cfg      CollectorConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCollector creates a collector over registry. daemon may be nil when
// restarts are not wanted; m may be nil.
func NewCollector(registry *Registry, daemon Restarter, cfg CollectorConfig, log *slog.Logger, m *metrics.Metrics) *Collector {
	return &Collector{
		registry: registry,
		daemon:   daemon,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      registry.clock,
	}
}

// Run performs one sweep. It satisfies cron.Job.
func (c *Collector) Run() {
	c.Sweep(context.Background())
}

// Sweep checks every session once. A session without a frame for longer
// than FrameTimeout means the daemon stalled; with RestartOnErrors all
// sessions are invalidated, the daemon is restarted once and the sweep ends.
func (c *Collector) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := c.now()

	for _, s := range c.registry.snapshot() {
		id := s.CameraID()

		if c.cfg.FrameTimeout > 0 && now.Sub(s.LastFrameTime()) > c.cfg.FrameTimeout {
			c.log.Error("stream session timed out waiting for frames",
				slog.Int("camera_id", id),
				slog.Duration("since_last_frame", now.Sub(s.LastFrameTime())))
			res.Stalled = append(res.Stalled, id)

			if c.cfg.RestartOnErrors && c.daemon != nil {
				c.registry.CloseAll(true)
				c.metrics.IncDaemonRestarts("stalled")
				if err := c.daemon.Restart(ctx); err != nil {
					c.log.Error("daemon restart failed", slog.String("error", err.Error()))
				}
				res.Restarted = true
				break
			}
			continue
		}

		if c.cfg.IdleTimeout > 0 && now.Sub(s.LastAccess()) > c.cfg.IdleTimeout {
			c.log.Debug("closing idle stream session",
				slog.Int("camera_id", id),
				slog.Duration("idle", now.Sub(s.LastAccess())))
			c.registry.closeSession(s)
			res.Closed = append(res.Closed, id)
		}
	}
	return res
}
