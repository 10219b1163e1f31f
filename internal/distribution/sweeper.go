package distribution

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/lease"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

const (
	defaultSweepInterval   = 30 * time.Second
	defaultSweepBatchLimit = 50
)

type SweeperConfig struct {
	Interval   time.Duration
	BatchLimit int
	LeaseKey   string
	LeaseTTL   time.Duration
}

// Sweeper periodically rolls over attempts whose ack deadline has passed.
type Sweeper struct {
	engine *Engine
	lease  lease.Lease
	clock  schedule.Clock
	config SweeperConfig
	logger *zap.SugaredLogger
	loop   *schedule.Loop
}

func NewSweeper(engine *Engine, leases lease.Lease, config SweeperConfig, logger *zap.SugaredLogger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = defaultSweepInterval
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = defaultSweepBatchLimit
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = config.Interval
	}
	if config.LeaseKey == "" {
		config.LeaseKey = "wa-lead-router:sweep"
	}
	if leases == nil {
		leases = lease.Local{}
	}

	s := &Sweeper{
		engine: engine,
		lease:  leases,
		clock:  engine.clock,
		config: config,
		logger: logging.OrNop(logger).Named("sweeper"),
	}
	s.loop = schedule.NewLoop(s.clock, config.Interval, s.Tick)
	return s
}

// Sweep rolls over up to limit expired attempts, oldest deadline first. A
// failed rollover is logged and recorded on the lead; the batch continues.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = s.config.BatchLimit
	}

	var expired []domain.DistributionAttempt
	err := s.engine.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		expired, err = tx.ListExpiredAttempts(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "list expired attempts")
	}

	processed := 0
	for _, attempt := range expired {
		if ctx.Err() != nil {
			break
		}
		result, err := s.engine.Rollover(ctx, attempt.ID)
		if err != nil {
			s.logger.Errorw("rollover failed",
				"attempt_id", attempt.ID,
				"lead_id", attempt.LeadID,
				"error", err,
			)
			if recordErr := s.engine.RecordSweepError(ctx, attempt.LeadID, err); recordErr != nil {
				s.logger.Warnw("record sweep error", "lead_id", attempt.LeadID, "error", recordErr)
			}
			continue
		}
		processed++
		s.logger.Debugw("attempt rolled over",
			"attempt_id", attempt.ID,
			"outcome", result.Outcome,
			"next_sales_id", result.NextSalesID,
			"exhausted", result.Exhausted,
		)
	}

	if len(expired) > 0 {
		s.logger.Infow("sweep finished", "expired", len(expired), "processed", processed)
	}
	return processed, nil
}

// Tick runs one sweep guarded by the cross-instance lease. Skipping a tick is
// safe: the next one picks up whatever is still expired.
func (s *Sweeper) Tick(ctx context.Context) {
	release, ok, err := s.lease.Acquire(ctx, s.config.LeaseKey, s.config.LeaseTTL)
	if err != nil {
		s.logger.Warnw("sweep lease unavailable", "error", err)
		return
	}
	if !ok {
		s.logger.Debugw("sweep lease held elsewhere")
		return
	}
	defer release()

	if _, err := s.Sweep(ctx, s.clock.Now(), s.config.BatchLimit); err != nil {
		s.logger.Errorw("sweep failed", "error", err)
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Infow("sweeper started", "interval", s.config.Interval, "batch_limit", s.config.BatchLimit)
	s.loop.Start(ctx)
}

func (s *Sweeper) Stop() {
	s.loop.Stop()
}

func (s *Sweeper) Running() bool {
	return s.loop.Running()
}
