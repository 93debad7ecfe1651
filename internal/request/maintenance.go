package request

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the auto-maintenance pass on an interval, the same shape as
// any other background cleanup in the server.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval}
}

func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("starting request maintenance sweeper", "component", "sweeper", "interval", s.interval)

	if err := s.svc.RunAutoMaintenance(ctx); err != nil {
		slog.Error("maintenance sweep failed", "component", "sweeper", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping request maintenance sweeper", "component", "sweeper")
			return
		case <-ticker.C:
			if err := s.svc.RunAutoMaintenance(ctx); err != nil {
				slog.Error("maintenance sweep failed", "component", "sweeper", "error", err)
			}
		}
	}
}

// RunAutoMaintenance purges old rejected requests and auto-rejects stale
// pending ones. Safe to run repeatedly or concurrently: every mutation is a
// conditional match-then-act, so an overlapping run matches zero rows.
func (s *Service) RunAutoMaintenance(ctx context.Context) error {
	now := time.Now().UTC()

	// Purge rejected rows past retention. The attachment file goes before
	// the row on purpose: if we crash in between, the next run finds the
	// row again and file deletion tolerates the file being gone. Deleting
	// the row first would leave an unreachable file behind.
	purgeCutoff := now.Add(-s.cfg.RejectedRetention)
	candidates, err := s.requests.ListRejectedBefore(ctx, purgeCutoff)
	if err != nil {
		return err
	}

	purged := 0
	for _, candidate := range candidates {
		if candidate.AttachmentKey != nil {
			if err := s.attachments.Delete(*candidate.AttachmentKey); err != nil {
				slog.Warn("error deleting attachment during sweep",
					"component", "sweeper", "error", err, "request_id", candidate.ID)
				continue
			}
		}

		deleted, err := s.requests.Delete(ctx, candidate.ID)
		if err != nil {
			slog.Error("error deleting purged request",
				"component", "sweeper", "error", err, "request_id", candidate.ID)
			continue
		}
		if deleted {
			purged++
		}
	}

	// Auto-reject stale pending requests. A hold resets the clock.
	staleCutoff := now.Add(-s.cfg.RejectAge)
	rejected, err := s.requests.AutoRejectStaleBefore(ctx, staleCutoff, autoRejectReason, now)
	if err != nil {
		return err
	}

	s.invalidateAllCounts(ctx)

	if purged > 0 || rejected > 0 {
		slog.Info("maintenance sweep finished",
			"component", "sweeper", "purged", purged, "auto_rejected", rejected)
	}

	return nil
}
