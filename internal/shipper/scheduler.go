package shipper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

// newTicker is replaced in tests to drive ticks by hand.
var newTicker = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// scheduler periodically requests a flush.
type scheduler struct {
	mode     configtypes.ScheduleMode
	interval time.Duration
	bulkSize int
	queueLen func() int
	flush    func() bool
	logger   *zap.Logger
}

// Run ticks until ctx is done.
func (s *scheduler) Run(ctx context.Context) {
	ticks, stop := newTicker(s.interval)
	defer stop()

	s.logger.Info("Scheduler started",
		zap.String("mode", string(s.mode)),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticks:
			s.tick()
		case <-ctx.Done():
			s.logger.Info("Scheduler shutdown requested")
			return
		}
	}
}

func (s *scheduler) tick() {
	depth := s.queueLen()

	if s.mode == configtypes.ScheduleThreshold && depth < s.bulkSize {
		s.logger.Debug("Scheduler tick below threshold",
			zap.Int("queued", depth),
			zap.Int("bulk_size", s.bulkSize))
		return
	}

	started := s.flush()
	s.logger.Debug("Scheduler tick",
		zap.Int("queued", depth),
		zap.Bool("run_started", started))
}
