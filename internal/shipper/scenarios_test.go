package shipper_test

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
	"github.com/edgecomet/eventshipper/internal/shipper"
	"github.com/edgecomet/eventshipper/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []shipper.FailureReport
}

func (s *recordingSink) OnFailed(r shipper.FailureReport) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
}

func (s *recordingSink) Count(c shipper.FailureCategory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.Category == c {
			n++
		}
	}
	return n
}

func fileLines(path string) []string {
	data, err := os.ReadFile(path)
	Expect(err).ToNot(HaveOccurred())
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

var _ = Describe("Shipper", func() {
	var (
		collector *mockCollector
		cfg       *configtypes.ShipperConfig
		sink      *recordingSink
		storePath string
	)

	newShipper := func() *shipper.Shipper {
		s, err := shipper.New(cfg, zap.NewNop(), shipper.WithFailureSink(sink))
		Expect(err).ToNot(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		collector = newMockCollector()
		sink = &recordingSink{}
		storePath = filepath.Join(GinkgoT().TempDir(), "events.log")
		Expect(os.WriteFile(storePath, nil, 0o644)).To(Succeed())

		cfg = &configtypes.ShipperConfig{
			Delivery: configtypes.DeliveryConfig{
				Endpoint:       collector.URL(),
				BulkSize:       50,
				PollTimeout:    types.Duration(50 * time.Millisecond),
				RequestTimeout: types.Duration(10 * time.Second),
			},
			Store: configtypes.StoreConfig{Path: storePath},
		}
	})

	AfterEach(func() {
		collector.Close()
	})

	Context("with a healthy collector", func() {
		It("delivers every record exactly once in capped batches preserving order", func() {
			cfg.Delivery.BulkSize = 4
			s := newShipper()
			defer s.Close()

			var sent []string
			for i := 0; i < 10; i++ {
				record := fmt.Sprintf(`{"seq":%d}`, i)
				sent = append(sent, record)
				Expect(s.SendRaw(record)).To(Succeed())
			}
			s.Flush()

			Eventually(func() []string {
				s.Flush()
				return collector.Records()
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(sent))

			for _, batch := range collector.Batches() {
				Expect(len(batch)).To(BeNumerically("<=", 4))
			}
			Expect(sink.Count(shipper.FailureNetwork)).To(BeZero())
		})

		It("makes no network call when flushing an empty queue", func() {
			s := newShipper()
			defer s.Close()

			s.Flush()

			Consistently(collector.requests.Load, 300*time.Millisecond, 20*time.Millisecond).Should(BeZero())
		})

		It("runs a single delivery for many concurrent flush callers", func() {
			collector.Hold()
			s := newShipper()
			defer s.Close()

			for i := 0; i < 5; i++ {
				Expect(s.SendRaw(fmt.Sprintf(`{"n":%d}`, i))).To(Succeed())
			}

			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					s.Flush()
				}()
			}
			wg.Wait()

			Eventually(collector.arrived, 5*time.Second).Should(Receive())
			Consistently(collector.requests.Load, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(int32(1)))

			collector.Release()
			Eventually(collector.Records, 5*time.Second).Should(HaveLen(5))
			Expect(collector.maxInFlight.Load()).To(Equal(int32(1)))
			Expect(s.Stats().Runs).To(Equal(int64(1)))
		})
	})

	Context("with a failing collector", func() {
		It("returns the failed batch to the queue and reports it", func() {
			collector.SetStatus(http.StatusServiceUnavailable)
			s := newShipper()
			defer s.Close()

			Expect(s.SendRaw(`{"a":1}`)).To(Succeed())
			Expect(s.SendRaw(`{"a":2}`)).To(Succeed())
			s.Flush()

			Eventually(func() int { return sink.Count(shipper.FailureNetwork) }, 5*time.Second).Should(Equal(1))
			Eventually(func() int { return s.Stats().Queued }, 5*time.Second).Should(Equal(2))

			collector.SetStatus(http.StatusOK)
			s.Flush()
			Eventually(collector.Records, 5*time.Second).Should(Equal([]string{`{"a":1}`, `{"a":2}`}))
		})

		It("treats a redirect as a failure", func() {
			collector.SetStatus(http.StatusFound)
			s := newShipper()
			defer s.Close()

			Expect(s.SendRaw(`{"r":1}`)).To(Succeed())
			s.Flush()

			Eventually(func() int { return sink.Count(shipper.FailureNetwork) }, 5*time.Second).Should(Equal(1))
			Expect(collector.Records()).To(BeEmpty())
		})
	})

	Context("across restarts", func() {
		It("persists on close and recovers on the next start", func() {
			collector.SetStatus(http.StatusInternalServerError)
			first := newShipper()
			Expect(first.SendRaw(`{"k":1}`)).To(Succeed())
			Expect(first.SendRaw(`{"k":2}`)).To(Succeed())
			Expect(first.Close()).To(Succeed())

			Expect(fileLines(storePath)).To(Equal([]string{`{"k":1}`, `{"k":2}`}))

			collector.SetStatus(http.StatusOK)
			second := newShipper()
			defer second.Close()

			Expect(second.Stats().Loaded).To(Equal(int64(2)))
			Expect(fileLines(storePath)).To(BeEmpty())
			Eventually(collector.Records, 5*time.Second).Should(Equal([]string{`{"k":1}`, `{"k":2}`}))
		})

		It("waits for a run blocked on a slow collector and persists everything", func() {
			cfg.Delivery.BulkSize = 2
			collector.Hold()
			s := newShipper()

			Expect(s.SendRaw(`{"x":1}`)).To(Succeed())
			Expect(s.SendRaw(`{"x":2}`)).To(Succeed())
			Eventually(collector.arrived, 5*time.Second).Should(Receive())
			Expect(s.SendRaw(`{"x":3}`)).To(Succeed())

			start := time.Now()
			Expect(s.Close()).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))

			Expect(fileLines(storePath)).To(ConsistOf(`{"x":1}`, `{"x":2}`, `{"x":3}`))
			Expect(s.Stats().Queued).To(BeZero())
		})
	})

	Context("producer threshold without a scheduler", func() {
		It("starts one run at bulk size and does not start a second one concurrently", func() {
			cfg.Delivery.BulkSize = 3
			collector.Hold()
			s := newShipper()
			defer s.Close()

			Expect(s.SendRaw(`{"p":1}`)).To(Succeed())
			Expect(s.SendRaw(`{"p":2}`)).To(Succeed())
			Consistently(collector.requests.Load, 200*time.Millisecond, 20*time.Millisecond).Should(BeZero())

			Expect(s.SendRaw(`{"p":3}`)).To(Succeed())
			Eventually(collector.arrived, 5*time.Second).Should(Receive())

			Expect(s.SendRaw(`{"p":4}`)).To(Succeed())
			Consistently(collector.inFlight.Load, 200*time.Millisecond, 20*time.Millisecond).Should(BeNumerically("<=", 1))
			Expect(s.Stats().Runs).To(Equal(int64(1)))

			collector.Release()
			Eventually(collector.Records, 5*time.Second).Should(Equal([]string{`{"p":1}`, `{"p":2}`, `{"p":3}`, `{"p":4}`}))
			Expect(collector.maxInFlight.Load()).To(Equal(int32(1)))
		})
	})

	Context("threshold scheduler", func() {
		It("flushes only once the queue reaches bulk size", func() {
			cfg.Delivery.BulkSize = 5
			cfg.Schedule = configtypes.ScheduleConfig{
				Mode:     configtypes.ScheduleThreshold,
				Interval: types.Duration(time.Second),
			}
			s := newShipper()
			defer s.Close()

			for i := 0; i < 4; i++ {
				Expect(s.SendRaw(fmt.Sprintf(`{"t":%d}`, i))).To(Succeed())
			}
			Consistently(collector.requests.Load, 1500*time.Millisecond, 50*time.Millisecond).Should(BeZero())
			Expect(s.Stats().Runs).To(BeZero())

			Expect(s.SendRaw(`{"t":4}`)).To(Succeed())
			Eventually(collector.Records, 3*time.Second, 50*time.Millisecond).Should(HaveLen(5))
			Expect(s.Stats().Runs).To(Equal(int64(1)))
			Expect(collector.requests.Load()).To(Equal(int32(1)))
		})
	})
})
