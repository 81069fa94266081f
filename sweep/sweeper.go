// Package sweep expires tentative voucher reservations. The sweeper selects
// TENTATIVE vouchers past their tentative deadline from the projection,
// re-checks each one under its row lock, and rejects it through the kernel
// so the encumbered funds return to the grant bucket. All events of one run
// share a correlation id and carry the well-known system actor.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
	"grantledger/core/identity"
	"grantledger/domain"
	"grantledger/kernel"
	"grantledger/observability/metrics"
	"grantledger/projection"
)

// Config assembles a Sweeper.
type Config struct {
	Kernel *kernel.Kernel
	Batch  int
	Now    func() time.Time
	Logger *slog.Logger
}

// Sweeper rejects expired tentative vouchers in batches.
type Sweeper struct {
	kernel *kernel.Kernel
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a sweeper. A batch of zero selects 100.
func New(cfg Config) *Sweeper {
	batch := cfg.Batch
	if batch <= 0 {
		batch = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{kernel: cfg.Kernel, batch: batch, now: now, logger: logger}
}

// Run performs one sweep and returns the number of vouchers rejected. Each
// voucher is swept in its own command so one failure never blocks the rest
// of the batch; a voucher confirmed between selection and lock is skipped.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().UnixMicro()
	var rows []projection.VoucherRow
	err := s.kernel.DB().WithContext(ctx).
		Where("status = ? AND tentative_expires_at_unix > 0 AND tentative_expires_at_unix < ?",
			string(domain.VoucherTentative), cutoff).
		Order("tentative_expires_at_unix ASC").
		Limit(s.batch).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	correlationID := uuid.New()
	swept := 0
	for _, row := range rows {
		voucherID, err := uuid.Parse(row.VoucherID)
		if err != nil {
			s.logger.Error("sweep: corrupt voucher id", "voucher_id", row.VoucherID, "error", err)
			continue
		}
		_, err = s.kernel.RejectTentativeVoucher(ctx, kernel.VoucherRefInput{
			Command: kernel.Command{
				CommandID:      uuid.New(),
				IdempotencyKey: "sweep:" + row.VoucherID + ":" + uuid.NewString(),
				Trace: events.Trace{
					CorrelationID: correlationID,
					ActorID:       identity.SystemActorID,
					ActorType:     events.ActorSystem,
				},
			},
			VoucherID: voucherID,
			Reason:    "tentative reservation expired",
		})
		switch {
		case err == nil:
			swept++
		case kernelerrors.CodeOf(err) == kernelerrors.CodeVoucherNotTentative:
			// Confirmed or rejected between selection and lock.
		default:
			s.logger.Error("sweep: reject tentative voucher", "voucher_id", row.VoucherID, "error", err)
		}
	}
	metrics.Kernel().SweepObserved(swept)
	if swept > 0 {
		s.logger.Info("swept expired tentative vouchers", "count", swept, "correlation_id", correlationID)
	}
	return swept, nil
}

// SchedulerConfig configures the periodic sweep loop.
type SchedulerConfig struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler runs the sweeper on a fixed cadence.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: cfg.Sweeper, interval: interval, logger: logger}
}

// Start begins the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweeper.Run(ctx); err != nil {
				s.logger.Error("sweep run failed", "error", err)
			}
		}
	}
}
