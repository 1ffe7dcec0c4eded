package sync

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/deskhubhq/deskhub/internal/reconcile"
)

// Scheduler periodically kicks off a sync for every known platform
// link. Links with a job already in flight are skipped so overlapping
// runs never pile up on a slow platform.
type Scheduler struct {
	orchestrator *Orchestrator
	links        reconcile.LinkStore
	logger       *slog.Logger
	spec         string
	cron         *cron.Cron
}

// NewScheduler creates a Scheduler with the given cron spec. An empty
// spec disables scheduling entirely.
func NewScheduler(log *slog.Logger, orchestrator *Orchestrator, links reconcile.LinkStore, spec string) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		links:        links,
		logger:       log.With(slog.String("component", "sync_scheduler")),
		spec:         spec,
	}
}

// Start registers the tick job and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("sync schedule disabled")
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sync schedule started", slog.String("spec", s.spec))
	return nil
}

// Stop halts the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	links, err := s.links.ListLinks(ctx)
	if err != nil {
		s.logger.Error("list links for scheduled sync", slog.Any("error", err))
		return
	}
	for _, link := range links {
		if s.orchestrator.ActiveForLink(link.ID) {
			s.logger.Debug("scheduled sync skipped, job in flight", slog.String("link_id", link.ID))
			continue
		}
		record, err := s.orchestrator.StartSync(ctx, link.ID)
		if err != nil {
			// Platforms without a history API land here every tick;
			// keep it at debug so the log stays readable.
			s.logger.Debug("scheduled sync not started",
				slog.String("link_id", link.ID),
				slog.String("platform", link.Platform.String()),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Info("scheduled sync started",
			slog.String("link_id", link.ID),
			slog.String("sync_id", record.ID),
		)
	}
}
