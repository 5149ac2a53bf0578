package shipper

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
	"github.com/edgecomet/eventshipper/pkg/types"
)

// fakeTransport records delivered batches. It fails while err is set and, when
// block is non-nil, waits for block to close (or ctx to end) before answering.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	block   chan struct{}

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan struct{}, 64)}
}

func (f *fakeTransport) Deliver(ctx context.Context, records []string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.calls.Add(1)

	select {
	case f.started <- struct{}{}:
	default:
	}

	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]string(nil), records...))
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) setBlock(ch chan struct{}) {
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
}

func (f *fakeTransport) delivered() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeTransport) records() []string {
	var out []string
	for _, b := range f.delivered() {
		out = append(out, b...)
	}
	return out
}

// sinkRecorder collects failure reports.
type sinkRecorder struct {
	mu      sync.Mutex
	reports []FailureReport
}

func (s *sinkRecorder) OnFailed(r FailureReport) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
}

func (s *sinkRecorder) all() []FailureReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FailureReport(nil), s.reports...)
}

func (s *sinkRecorder) byCategory(c FailureCategory) []FailureReport {
	var out []FailureReport
	for _, r := range s.all() {
		if r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

func testConfig(t *testing.T, bulkSize int) *configtypes.ShipperConfig {
	t.Helper()
	return &configtypes.ShipperConfig{
		Delivery: configtypes.DeliveryConfig{
			Endpoint:    "http://collector.test/events",
			BulkSize:    bulkSize,
			PollTimeout: types.Duration(20 * time.Millisecond),
		},
		Store: configtypes.StoreConfig{
			Path:            filepath.Join(t.TempDir(), "events.log"),
			CreateIfMissing: true,
		},
	}
}

// manualTicker replaces newTicker for the duration of a test.
func manualTicker(t *testing.T) chan time.Time {
	t.Helper()

	ticks := make(chan time.Time)
	orig := newTicker
	newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	}
	t.Cleanup(func() { newTicker = orig })
	return ticks
}
