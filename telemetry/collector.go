package telemetry

import (
	"context"
	"sync"
	"time"
)

// CursorReporter exposes the forwarder's current cursor position.
type CursorReporter interface {
	Cursor() int64
}

// HeadReporter exposes the highest sequence present in the change log.
type HeadReporter interface {
	Latest(ctx context.Context) (int64, error)
}

// LagCollector periodically samples the change log head and the forwarder
// cursor and updates the lag gauges.
type LagCollector struct {
	cursor   CursorReporter
	head     HeadReporter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLagCollector creates a new lag collector
func NewLagCollector(cursor CursorReporter, head HeadReporter, interval time.Duration) *LagCollector {
	return &LagCollector{
		cursor:   cursor,
		head:     head,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (lc *LagCollector) Start() {
	lc.wg.Add(1)
	go lc.collectLoop()
}

// Stop stops the collector
func (lc *LagCollector) Stop() {
	close(lc.stopCh)
	lc.wg.Wait()
}

func (lc *LagCollector) collectLoop() {
	defer lc.wg.Done()

	ticker := time.NewTicker(lc.interval)
	defer ticker.Stop()

	lc.collect()

	for {
		select {
		case <-ticker.C:
			lc.collect()
		case <-lc.stopCh:
			return
		}
	}
}

func (lc *LagCollector) collect() {
	if lc.cursor == nil || lc.head == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	latest, err := lc.head.Latest(ctx)
	if err != nil {
		return
	}
	cursor := lc.cursor.Cursor()

	CursorPosition.Set(float64(cursor))
	ChangelogLatestSeq.Set(float64(latest))
	if lag := latest - cursor; lag > 0 {
		ChangelogLagRecords.Set(float64(lag))
	} else {
		ChangelogLagRecords.Set(0)
	}
}
