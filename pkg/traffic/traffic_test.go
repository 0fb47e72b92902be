package traffic

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/log"
)

type fakeReporter struct {
	mu      sync.Mutex
	batches [][]config.TrafficRecord
}

func (f *fakeReporter) Report(records []config.TrafficRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeReporter) total() (sent, recv int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		for _, r := range b {
			sent += r.BytesSent
			recv += r.BytesReceived
		}
	}
	return
}

func TestAggregatesAndFlushesOnTimer(t *testing.T) {
	reporter := &fakeReporter{}
	agg := New(reporter, log.NewLogger(false))
	defer agg.Close()

	for i := 0; i < 10; i++ {
		agg.Record(config.TrafficRecord{ProxyID: 1, ClientID: "c1", BytesSent: 100, BytesReceived: 50})
	}

	require.Eventually(t, func() bool {
		sent, recv := reporter.total()
		return sent == 1000 && recv == 500
	}, flushInterval+2*time.Second, 10*time.Millisecond)
}

func TestFlushesOnEntryThreshold(t *testing.T) {
	reporter := &fakeReporter{}
	agg := New(reporter, log.NewLogger(false))
	defer agg.Close()

	for i := 0; i < flushEntryThreshold+5; i++ {
		agg.Record(config.TrafficRecord{ProxyID: int64(i), ClientID: "c", BytesSent: 1})
	}

	// The flush fires as the 101st distinct key arrives, well before the
	// 5s timer; the remaining 4 keys wait for the next tick.
	require.Eventually(t, func() bool {
		sent, _ := reporter.total()
		return sent == int64(flushEntryThreshold+1)
	}, 2*time.Second, 10*time.Millisecond)
}
