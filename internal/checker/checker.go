// Package checker runs periodic housekeeping against the shared store:
// it releases stale build-fix leases, fails abandoned VCS claims, drains
// the VCS queue and keeps the ticket table seeded from the backlog file.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mpataki/smithers/internal/backlog"
	"github.com/mpataki/smithers/internal/lease"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/telemetry"
	"github.com/mpataki/smithers/internal/tickets"
	"github.com/mpataki/smithers/internal/vcsqueue"
)

// parser accepts standard five-field expressions and descriptors such as
// "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Config struct {
	Lease   *lease.Lease
	Queue   *vcsqueue.Queue
	Tickets *tickets.Scheduler
	// Runner is optional; when set each sweep drains the queue.
	Runner *vcsqueue.Runner

	LeaseStaleAfter time.Duration
	VCSStaleAfter   time.Duration
	Schedule        string
	// BacklogPath is optional; when set Run seeds from it and re-seeds
	// whenever it changes.
	BacklogPath string
	Logger      *slog.Logger
}

type Report struct {
	LeaseReleased bool
	Reaped        []int64
	Drained       int
}

type Checker struct {
	cfg      Config
	schedule cronlib.Schedule
	logger   *slog.Logger

	mu   sync.Mutex
	last *Report
}

func New(cfg Config) (*Checker, error) {
	if cfg.Lease == nil || cfg.Queue == nil {
		return nil, errors.New("checker requires a lease and a vcs queue")
	}
	if cfg.LeaseStaleAfter <= 0 {
		cfg.LeaseStaleAfter = lease.DefaultStaleAfter
	}
	if cfg.VCSStaleAfter <= 0 {
		cfg.VCSStaleAfter = vcsqueue.DefaultStaleAfter
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid checker schedule %q: %w", cfg.Schedule, err)
	}
	return &Checker{
		cfg:      cfg,
		schedule: sched,
		logger:   telemetry.Component(cfg.Logger, "checker"),
	}, nil
}

// Sweep runs one housekeeping pass. Every step runs even if an earlier
// one fails; the errors are joined.
func (c *Checker) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}
	var errs []error

	released, err := c.cfg.Lease.Cleanup(ctx, c.cfg.LeaseStaleAfter)
	if err != nil {
		errs = append(errs, err)
	}
	report.LeaseReleased = released

	reaped, err := c.cfg.Queue.ReapStale(ctx, c.cfg.VCSStaleAfter)
	if err != nil {
		errs = append(errs, err)
	}
	report.Reaped = reaped

	if c.cfg.Runner != nil {
		n, err := c.cfg.Runner.Drain(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		report.Drained = n
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	c.logger.Debug("sweep finished",
		"lease_released", report.LeaseReleased, "reaped", len(report.Reaped), "drained", report.Drained)
	return report, errors.Join(errs...)
}

// LastReport returns the most recent sweep result, or nil before the first.
func (c *Checker) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Next reports when the schedule fires after t.
func (c *Checker) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// Run sweeps once immediately and then on the configured schedule until
// ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	if c.cfg.BacklogPath != "" {
		if err := c.seedFromBacklog(ctx); err != nil {
			return err
		}
	}

	if _, err := c.Sweep(ctx); err != nil {
		c.logger.Error("sweep failed", "error", err)
	}

	cr := cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	cr.Schedule(c.schedule, cronlib.FuncJob(func() {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Error("sweep failed", "error", err)
		}
	}))
	cr.Start()
	c.logger.Info("checker started", "schedule", c.cfg.Schedule)

	var wg sync.WaitGroup
	if c.cfg.BacklogPath != "" && c.cfg.Tickets != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := backlog.Watch(ctx, c.cfg.BacklogPath, c.cfg.Logger, c.reseed)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("backlog watch stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	<-cr.Stop().Done()
	wg.Wait()
	c.logger.Info("checker stopped")
	return nil
}

func (c *Checker) seedFromBacklog(ctx context.Context) error {
	if c.cfg.Tickets == nil {
		return errors.New("backlog configured without a ticket scheduler")
	}
	list, err := backlog.Parse(c.cfg.BacklogPath)
	if err != nil {
		return err
	}
	return c.reseed(ctx, list)
}

func (c *Checker) reseed(ctx context.Context, list []models.Ticket) error {
	n, err := c.cfg.Tickets.Seed(ctx, list)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("seeded tickets from backlog", "inserted", n, "path", c.cfg.BacklogPath)
	}
	return nil
}
