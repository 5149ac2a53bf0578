package shipper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/edgecomet/eventshipper/internal/shipper/queue"
	"github.com/edgecomet/eventshipper/internal/shipper/transport"
)

// runOutcome tells why a delivery run ended.
type runOutcome int

const (
	runDrained runOutcome = iota
	runFailed
	runCancelled
)

// worker drains the queue in batches. At most one run is active at a time.
type worker struct {
	queue       *queue.Queue
	transport   transport.Transport
	bulkSize    int
	pollTimeout time.Duration
	retryGap    time.Duration

	running *semaphore.Weighted

	// mu orders RequestFlush against stop so no run starts after stop has begun waiting.
	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastFailure atomic.Int64

	onBatch   func(records int, duration time.Duration, err error)
	onFailure func(report FailureReport)
	stats     *counters
	logger    *zap.Logger
}

func newWorker(q *queue.Queue, tr transport.Transport, bulkSize int, pollTimeout, retryGap time.Duration,
	stats *counters, logger *zap.Logger) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		queue:       q,
		transport:   tr,
		bulkSize:    bulkSize,
		pollTimeout: pollTimeout,
		retryGap:    retryGap,
		running:     semaphore.NewWeighted(1),
		ctx:         ctx,
		cancel:      cancel,
		onBatch:     func(int, time.Duration, error) {},
		onFailure:   func(FailureReport) {},
		stats:       stats,
		logger:      logger,
	}
}

// RequestFlush starts a delivery run unless one is already running, the queue is
// empty, or the retry gap since the last failure has not elapsed. It never blocks.
func (w *worker) RequestFlush() bool {
	if w.queue.Len() == 0 {
		return false
	}
	if w.inRetryGap() {
		w.logger.Debug("Flush suppressed by retry gap")
		return false
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	if !w.running.TryAcquire(1) {
		w.mu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()

		outcome := w.run()
		w.running.Release(1)

		// Records that arrived while the run was finishing would otherwise wait for the next trigger.
		if outcome == runDrained && w.queue.Len() >= w.bulkSize {
			w.RequestFlush()
		}
	}()
	return true
}

func (w *worker) inRetryGap() bool {
	if w.retryGap <= 0 {
		return false
	}
	last := w.lastFailure.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < w.retryGap
}

func (w *worker) run() runOutcome {
	w.stats.runs.Add(1)
	w.logger.Debug("Delivery run started", zap.Int("queued", w.queue.Len()))

	for {
		if w.ctx.Err() != nil {
			return runCancelled
		}

		batch := w.collect()
		if len(batch) == 0 {
			w.logger.Debug("Delivery run finished, queue empty")
			return runDrained
		}

		if w.ctx.Err() != nil {
			w.queue.Enqueue(batch...)
			return runCancelled
		}

		start := time.Now()
		err := w.transport.Deliver(w.ctx, batch)
		w.onBatch(len(batch), time.Since(start), err)

		if err != nil {
			w.queue.Enqueue(batch...)
			w.stats.batchesFailed.Add(1)
			w.lastFailure.Store(time.Now().UnixNano())

			if w.ctx.Err() != nil {
				w.logger.Info("Delivery cancelled, batch returned to queue",
					zap.Int("records", len(batch)))
				return runCancelled
			}

			w.onFailure(FailureReport{
				Category: FailureNetwork,
				Message:  "batch delivery failed",
				Err:      err,
				Records:  append([]string(nil), batch...),
			})
			return runFailed
		}

		w.stats.batchesSent.Add(1)
		w.stats.recordsSent.Add(int64(len(batch)))
		w.logger.Debug("Batch delivered", zap.Int("records", len(batch)))
	}
}

// collect pulls up to bulkSize records, stopping at the first poll that times out.
func (w *worker) collect() []string {
	batch := make([]string, 0, w.bulkSize)
	for len(batch) < w.bulkSize {
		if w.ctx.Err() != nil {
			break
		}
		record, ok := w.queue.TryDequeue(w.ctx, w.pollTimeout)
		if !ok {
			break
		}
		batch = append(batch, record)
	}
	return batch
}

// stop cancels the active run and waits for it. Later RequestFlush calls are no-ops.
func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
