// Package probe runs scheduled reachability checks against every known
// environment and caches the latest result for the health endpoint.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/printbridge/printproxy/internal/environment"
	"github.com/printbridge/printproxy/internal/printapi"
)

// Prober periodically probes each environment's upstream. Results are kept
// behind a mutex; only the most recent result per environment is retained.
type Prober struct {
	client   *printapi.Client
	registry *environment.Registry
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.RWMutex
	last    map[string]printapi.ProbeResult
	running bool
}

// New creates a prober over the given client and registry.
func New(client *printapi.Client, registry *environment.Registry, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:   client,
		registry: registry,
		cron:     cron.New(),
		logger:   logger.With(slog.String("component", "probe")),
		last:     make(map[string]printapi.ProbeResult),
	}
}

// Start schedules probing with the given cron expression ("@every 5m" style
// descriptors are accepted). An empty schedule disables the prober. The
// first sweep runs immediately in the background.
func (p *Prober) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		p.logger.Info("probe schedule not configured, prober disabled")
		return nil
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", schedule, err)
	}

	if _, err := p.cron.AddFunc(schedule, func() { p.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.cron.Start()
	p.logger.Info("prober started", slog.String("schedule", schedule))

	go p.Sweep(ctx)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule. In-flight probes finish on their own.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cron.Stop()
	p.logger.Info("prober stopped")
}

// Sweep probes every environment once and records the results.
func (p *Prober) Sweep(ctx context.Context) {
	for _, id := range p.registry.IDs() {
		result, err := p.client.Probe(ctx, id)
		if err != nil {
			p.logger.Error("probe failed",
				slog.String("environment", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.mu.Lock()
		p.last[id] = result
		p.mu.Unlock()

		p.logger.Debug("probe completed",
			slog.String("environment", id),
			slog.Bool("reachable", result.Reachable),
			slog.Int("status", result.Status),
		)
	}
}

// Last returns the most recent probe result for the environment, if any
// sweep has completed for it.
func (p *Prober) Last(environmentID string) (printapi.ProbeResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result, ok := p.last[environmentID]
	return result, ok
}
