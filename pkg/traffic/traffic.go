// Package traffic aggregates per-proxy bandwidth accounting records
// produced by pkg/forward's copy loop and flushes them upstream over the
// control channel in batches: a bounded producer channel feeds a single
// consumer goroutine that owns the aggregation map and flushes it on a
// size or time trigger.
package traffic

import (
	"sync"
	"time"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/log"
)

// queueCapacity bounds the producer channel; beyond this, new records are
// dropped with a warning rather than blocking the forwarding copy loop.
const queueCapacity = 10000

// flushEntryThreshold triggers an immediate flush once the aggregation map
// grows past this many distinct keys.
const flushEntryThreshold = 100

// flushInterval is the maximum time accounting sits unflushed.
const flushInterval = 5 * time.Second

// key identifies one aggregation bucket.
type key struct {
	proxyID  int64
	clientID string
	userID   int64
	hasUser  bool
}

// Totals accumulates bytes for one key between flushes.
type Totals struct {
	BytesSent     int64
	BytesReceived int64
}

// Reporter flushes a batch of aggregated records upstream. The node
// implements it with a fire-and-forget pkg/control.Channel.Send of a
// TrafficReport.
type Reporter interface {
	Report(records []config.TrafficRecord) error
}

// Aggregator collects TrafficRecord updates from many forwarding goroutines
// and flushes aggregated totals to a Reporter on a size or time trigger.
type Aggregator struct {
	queue    chan config.TrafficRecord
	reporter Reporter
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New starts an Aggregator's consumer goroutine.
func New(reporter Reporter, logger *log.Logger) *Aggregator {
	a := &Aggregator{
		queue:    make(chan config.TrafficRecord, queueCapacity),
		reporter: reporter,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go a.run()

	return a
}

// Record enqueues one accounting update. Non-blocking: if the queue is full
// or the aggregator has been closed, the record is dropped with a warning
// rather than stalling a forwarding goroutine.
func (a *Aggregator) Record(rec config.TrafficRecord) {
	select {
	case <-a.stopCh:
		a.logger.VerboseMsg("traffic aggregator closed, dropping record for proxy %d", rec.ProxyID)
	case a.queue <- rec:
	default:
		a.logger.VerboseMsg("traffic queue full, dropping record for proxy %d", rec.ProxyID)
	}
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	totals := make(map[key]Totals)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(totals) == 0 {
			return
		}
		records := make([]config.TrafficRecord, 0, len(totals))
		for k, v := range totals {
			rec := config.TrafficRecord{
				ProxyID:       k.proxyID,
				ClientID:      k.clientID,
				BytesSent:     v.BytesSent,
				BytesReceived: v.BytesReceived,
			}
			if k.hasUser {
				uid := k.userID
				rec.UserID = &uid
			}
			records = append(records, rec)
		}
		if err := a.reporter.Report(records); err != nil {
			a.logger.VerboseMsg("traffic report failed, batch lost: %s", err)
		}
		totals = make(map[key]Totals)
	}

	accumulate := func(rec config.TrafficRecord) {
		k := key{proxyID: rec.ProxyID, clientID: rec.ClientID}
		if rec.UserID != nil {
			k.hasUser = true
			k.userID = *rec.UserID
		}

		t := totals[k]
		t.BytesSent += rec.BytesSent
		t.BytesReceived += rec.BytesReceived
		totals[k] = t
	}

	for {
		select {
		case <-a.stopCh:
			// Drain whatever producers managed to enqueue, then flush once.
			for {
				select {
				case rec := <-a.queue:
					accumulate(rec)
				default:
					flush()
					return
				}
			}

		case rec := <-a.queue:
			accumulate(rec)
			if len(totals) > flushEntryThreshold {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Close stops the aggregator after flushing whatever is buffered. Late
// Record calls after Close are dropped, never blocked.
func (a *Aggregator) Close() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
	return nil
}
