// Package cleanup provides the Log Bus retention loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentcore/pkg/config"
	"github.com/codeready-toolchain/agentcore/pkg/logbus"
)

// Service periodically prunes Log Bus events past their TTL.
// Prune is a bounded DELETE, safe to run from multiple processes.
type Service struct {
	config *config.RetentionConfig
	bus    *logbus.Bus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, bus *logbus.Bus) *Service {
	return &Service{config: cfg, bus: bus}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	if s.bus == nil {
		return
	}
	count, err := s.bus.Prune(ctx, s.config.EventTTL)
	if err != nil {
		slog.Error("retention: log bus prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: pruned expired log events", "count", count)
	}
}
