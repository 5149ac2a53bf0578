// Package shipper buffers serialized events in memory and delivers them in batches
// to an HTTP collector, persisting whatever is left on shutdown and recovering it
// on the next start.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
	"github.com/edgecomet/eventshipper/internal/shipper/metrics"
	"github.com/edgecomet/eventshipper/internal/shipper/queue"
	"github.com/edgecomet/eventshipper/internal/shipper/store"
	"github.com/edgecomet/eventshipper/internal/shipper/transport"
)

const redisConnectTimeout = 5 * time.Second

// Stats is a point-in-time snapshot of shipper activity.
type Stats struct {
	Queued        int   `json:"queued"`
	Runs          int64 `json:"runs"`
	BatchesSent   int64 `json:"batches_sent"`
	BatchesFailed int64 `json:"batches_failed"`
	RecordsSent   int64 `json:"records_sent"`
	Persisted     int64 `json:"persisted"`
	Loaded        int64 `json:"loaded"`
}

type counters struct {
	runs          atomic.Int64
	batchesSent   atomic.Int64
	batchesFailed atomic.Int64
	recordsSent   atomic.Int64
	persisted     atomic.Int64
	loaded        atomic.Int64
}

// Option customizes a Shipper.
type Option func(*options)

type options struct {
	sink      FailureSink
	registry  *Registry
	transport transport.Transport
	metrics   *metrics.MetricsCollector
	store     store.Store
}

// WithFailureSink routes failures to sink instead of returning them.
func WithFailureSink(sink FailureSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithRegistry shares store handles with other shippers using the same registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMetrics records activity on mc.
func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(o *options) { o.metrics = mc }
}

// WithStore uses s instead of the configured backend. The caller keeps ownership of s.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// Shipper is the producer-facing API. All methods are safe for concurrent use.
type Shipper struct {
	id       string
	cfg      configtypes.ShipperConfig
	queue    *queue.Queue
	worker   *worker
	sink     FailureSink
	metrics  *metrics.MetricsCollector
	registry *Registry
	logger   *zap.Logger

	store      store.Store
	storeKey   string
	storeOwned bool
	// storeFailed is set when a store was configured but could not be opened.
	storeFailed error

	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}

	// mu guards closed; producers hold it shared so Close never drains under an in-progress enqueue.
	mu     sync.RWMutex
	closed bool

	stats counters
}

// New creates a Shipper, recovers persisted records and starts the scheduler if configured.
// A store that cannot be opened or loaded is reported as file-load and the shipper
// continues in memory-only mode.
func New(cfg *configtypes.ShipperConfig, logger *zap.Logger, opts ...Option) (*Shipper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("shipper config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shipper config: %w", err)
	}
	c.ApplyDefaults()

	id := c.ShipperID
	if id == "" {
		id = uuid.NewString()
	}
	logger = logger.With(zap.String("shipper_id", id))

	tr := o.transport
	if tr == nil {
		httpTransport, err := transport.NewHTTPTransport(transport.Config{
			Endpoint:  c.Delivery.Endpoint,
			Timeout:   c.Delivery.RequestTimeout.ToDuration(),
			UserAgent: c.Delivery.UserAgent,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		tr = httpTransport
	}

	registry := o.registry
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Shipper{
		id:       id,
		cfg:      c,
		queue:    queue.New(),
		sink:     o.sink,
		metrics:  o.metrics,
		registry: registry,
		logger:   logger,
	}

	s.worker = newWorker(s.queue, tr, c.Delivery.BulkSize,
		c.Delivery.PollTimeout.ToDuration(), c.Delivery.RetryGap.ToDuration(),
		&s.stats, logger)
	s.worker.onBatch = s.recordBatch
	s.worker.onFailure = func(r FailureReport) {
		if err := s.report(r); err != nil {
			logger.Warn("Delivery run ended with failure",
				zap.Int("records", len(r.Records)),
				zap.Error(err))
		}
	}

	s.openStore(o.store)
	loaded := s.load()

	if c.Schedule.Mode != configtypes.ScheduleDisabled {
		s.startScheduler()
	}

	logger.Info("Shipper started",
		zap.String("endpoint", c.Delivery.Endpoint),
		zap.Int("bulk_size", c.Delivery.BulkSize),
		zap.String("schedule_mode", string(c.Schedule.Mode)),
		zap.String("store", s.storeName()),
		zap.Int("loaded", loaded))

	if loaded > 0 {
		s.worker.RequestFlush()
	}

	return s, nil
}

func (s *Shipper) openStore(injected store.Store) {
	if injected != nil {
		s.store = injected
		return
	}

	var (
		key  string
		open func() (store.Store, error)
	)

	switch s.cfg.Store.Backend {
	case configtypes.StoreBackendFile:
		absPath, err := filepath.Abs(s.cfg.Store.Path)
		if err != nil {
			absPath = s.cfg.Store.Path
		}
		key = absPath
		open = func() (store.Store, error) {
			fs, err := store.OpenFile(absPath, store.FileOptions{CreateIfMissing: s.cfg.Store.CreateIfMissing}, s.logger)
			if err != nil {
				return nil, err
			}
			return fs, nil
		}
	case configtypes.StoreBackendRedis:
		rc := s.cfg.Store.Redis
		key = "redis://" + rc.Addr + "/" + strconv.Itoa(rc.DB) + "/" + rc.Key
		open = func() (store.Store, error) {
			ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
			defer cancel()

			rs, err := store.OpenRedis(ctx, rc, s.logger)
			if err != nil {
				return nil, err
			}
			return rs, nil
		}
	default:
		return
	}

	st, err := s.registry.Acquire(key, open)
	if err != nil {
		s.storeFailed = err
		if rerr := s.report(FailureReport{
			Category: FailureFileLoad,
			Message:  "store unavailable, running memory-only",
			Err:      err,
		}); rerr != nil {
			s.logger.Warn("Store unavailable, running memory-only", zap.Error(rerr))
		}
		return
	}

	s.store = st
	s.storeKey = key
	s.storeOwned = true
}

func (s *Shipper) load() int {
	if s.store == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Delivery.RequestTimeout.ToDuration())
	defer cancel()

	n, err := s.store.Load(ctx, s.queue)
	if n > 0 {
		s.stats.loaded.Add(int64(n))
		if s.metrics != nil {
			s.metrics.RecordLoaded(n)
		}
		s.updateQueueDepth()
		s.logger.Info("Recovered persisted records",
			zap.String("store", s.store.Name()),
			zap.Int("records", n))
	}
	if err != nil {
		if rerr := s.report(FailureReport{
			Category: FailureFileLoad,
			Message:  "failed to load persisted records",
			Err:      err,
		}); rerr != nil {
			s.logger.Warn("Failed to load persisted records", zap.Error(rerr))
		}
	}
	return n
}

func (s *Shipper) startScheduler() {
	ctx, cancel := context.WithCancel(context.Background())
	s.schedulerCancel = cancel
	s.schedulerDone = make(chan struct{})

	sched := &scheduler{
		mode:     s.cfg.Schedule.Mode,
		interval: s.cfg.Schedule.Interval.ToDuration(),
		bulkSize: s.cfg.Delivery.BulkSize,
		queueLen: s.queue.Len,
		flush:    s.worker.RequestFlush,
		logger:   s.logger,
	}

	go func() {
		defer close(s.schedulerDone)
		sched.Run(ctx)
	}()
}

// ID returns the shipper identifier attached to every log line.
func (s *Shipper) ID() string {
	return s.id
}

// Send serializes event as single-line JSON and enqueues it.
// Failures go to the sink; without a sink they are returned.
func (s *Shipper) Send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return s.report(FailureReport{
			Category: FailureSerialization,
			Message:  "failed to serialize event",
			Err:      err,
		})
	}
	return s.SendRaw(string(data))
}

// SendRaw enqueues an already serialized record. Records that are empty or span
// more than one line are rejected with ErrUnrepresentable.
func (s *Shipper) SendRaw(record string) error {
	if record == "" || strings.ContainsAny(record, "\r\n") {
		return s.report(FailureReport{
			Category: FailureSerialization,
			Message:  "record is empty or contains a line break",
			Err:      ErrUnrepresentable,
			Records:  []string{record},
		})
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return s.report(FailureReport{
			Category: FailureOther,
			Message:  "record sent after close",
			Err:      ErrClosed,
			Records:  []string{record},
		})
	}
	depth := s.queue.Enqueue(record)
	s.mu.RUnlock()

	if s.metrics != nil {
		s.metrics.SetQueueDepth(depth)
	}

	if s.cfg.Schedule.Mode == configtypes.ScheduleDisabled && depth >= s.cfg.Delivery.BulkSize {
		s.worker.RequestFlush()
	}
	return nil
}

// Flush requests a delivery run and returns without waiting for it.
func (s *Shipper) Flush() {
	s.worker.RequestFlush()
}

// Close stops the scheduler, cancels and waits for the active run, persists the
// remaining queue and releases the store. Every step runs even if an earlier one
// fails. Calls after the first return nil.
func (s *Shipper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Shipper shutting down", zap.Int("queued", s.queue.Len()))

	var errs []error

	if s.schedulerCancel != nil {
		s.schedulerCancel()
		<-s.schedulerDone
	}

	s.worker.stop()

	if err := s.persist(); err != nil {
		errs = append(errs, err)
	}

	if err := s.releaseStore(); err != nil {
		errs = append(errs, err)
	}

	s.updateQueueDepth()

	st := s.Stats()
	s.logger.Info("Shipper stopped",
		zap.Int64("records_sent", st.RecordsSent),
		zap.Int64("batches_failed", st.BatchesFailed),
		zap.Int64("persisted", st.Persisted))

	return errors.Join(errs...)
}

func (s *Shipper) persist() error {
	remaining := s.queue.Drain()
	if len(remaining) == 0 {
		return nil
	}

	if s.store == nil {
		err := store.ErrStoreUnavailable
		if s.storeFailed != nil {
			err = s.storeFailed
		}
		return s.report(FailureReport{
			Category: FailureFileSave,
			Message:  "no store available, undelivered records dropped",
			Err:      err,
			Records:  remaining,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Delivery.RequestTimeout.ToDuration())
	defer cancel()

	if err := s.store.Save(ctx, remaining); err != nil {
		return s.report(FailureReport{
			Category: FailureFileSave,
			Message:  "failed to persist undelivered records",
			Err:      err,
			Records:  remaining,
		})
	}

	s.stats.persisted.Add(int64(len(remaining)))
	if s.metrics != nil {
		s.metrics.RecordPersisted(len(remaining))
	}
	s.logger.Info("Persisted undelivered records",
		zap.String("store", s.store.Name()),
		zap.Int("records", len(remaining)))
	return nil
}

func (s *Shipper) releaseStore() error {
	if !s.storeOwned {
		return nil
	}

	if err := s.registry.Release(s.storeKey); err != nil {
		return s.report(FailureReport{
			Category: FailureOther,
			Message:  "failed to release store",
			Err:      err,
		})
	}
	return nil
}

// Stats returns a snapshot of counters and the current queue length.
func (s *Shipper) Stats() Stats {
	return Stats{
		Queued:        s.queue.Len(),
		Runs:          s.stats.runs.Load(),
		BatchesSent:   s.stats.batchesSent.Load(),
		BatchesFailed: s.stats.batchesFailed.Load(),
		RecordsSent:   s.stats.recordsSent.Load(),
		Persisted:     s.stats.persisted.Load(),
		Loaded:        s.stats.loaded.Load(),
	}
}

// report hands r to the sink, or returns it as an error when there is no sink.
func (s *Shipper) report(r FailureReport) error {
	if s.metrics != nil {
		s.metrics.RecordFailure(r.Category.String())
	}

	if s.sink == nil {
		return r.asError()
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Failure sink panicked",
				zap.String("category", r.Category.String()),
				zap.Any("panic", p))
		}
	}()
	s.sink.OnFailed(r)
	return nil
}

func (s *Shipper) recordBatch(records int, duration time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordBatch(records, duration, err)
	s.metrics.SetQueueDepth(s.queue.Len())
}

func (s *Shipper) updateQueueDepth() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(s.queue.Len())
	}
}

func (s *Shipper) storeName() string {
	if s.store == nil {
		return "memory"
	}
	return s.store.Name()
}
