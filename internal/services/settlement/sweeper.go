package settlement

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/storage/journal"
)

const (
	defaultSweepInterval     = 10 * time.Minute
	defaultSweepInitialDelay = time.Minute
	defaultPendingTimeout    = 5 * time.Minute
)

// PendingJournal is the journal view of the sweeper.
type PendingJournal interface {
	Pending(createdBefore time.Time) []domain.TransferIntent
	RollBack(ctx context.Context, id, reason string, needsReconciliation bool) error
	RecordCommit(ctx context.Context, id string) error
}

// SweeperConfig reconciliation schedule.
type SweeperConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration
}

// Sweeper closes intents stuck in PENDING. It flags them for manual
// reconciliation and never moves funds. Intents whose funds moved but whose
// commit went unrecorded are closed as COMMITTED, everything else as
// ROLLED_BACK.
type Sweeper struct {
	cfg     SweeperConfig
	journal PendingJournal
	logger  *zap.Logger
	now     func() time.Time
}

// NewSweeper creates the reconciliation sweeper.
func NewSweeper(cfg SweeperConfig, j PendingJournal, logger *zap.Logger, now func() time.Time) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultSweepInitialDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPendingTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{cfg: cfg, journal: j, logger: logger.Named("sweeper"), now: now}
}

// RunOnce closes every intent pending for longer than the timeout and
// returns how many were swept.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	stale := s.journal.Pending(s.now().Add(-s.cfg.Timeout))
	swept := 0
	var firstErr error

	for _, in := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		var err error
		if in.Reason == domain.ReasonCommitUnrecorded {
			err = s.journal.RecordCommit(ctx, in.ID)
		} else {
			err = s.journal.RollBack(ctx, in.ID, domain.ReasonTimeoutSwept, true)
		}
		switch {
		case err == nil:
			swept++
			s.logger.Warn("Swept stale transfer intent",
				zap.String("tx_id", in.ID),
				zap.String("sender", in.Sender.String()),
				zap.String("receiver", in.ReceiverString()),
				zap.String("amount", in.Amount.String()),
				zap.String("reason", in.Reason),
				zap.Time("created_at", in.CreatedAt))
		case errors.Is(err, journal.ErrInvalidTransition):
			// settled while we were looking
		default:
			s.logger.Error("Failed to sweep transfer intent", zap.String("tx_id", in.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if swept > 0 {
		s.logger.Warn("Reconciliation sweep flagged intents", zap.Int("count", swept))
	}
	return swept, firstErr
}

// Run sweeps after the initial delay and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting reconciliation sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("timeout", s.cfg.Timeout))

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.cfg.InitialDelay):
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Reconciliation sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
