// Package applier consumes replicated mutation records from the
// distributed log and applies them to the destination table. Records are
// acknowledged only after the destination write succeeds, so every record
// is applied at least once. The apply operations are idempotent, which
// lets redelivered duplicates converge instead of corrupting state.
package applier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/rowcast/rowcast/cdc"
	"github.com/rowcast/rowcast/encoding"
	"github.com/rowcast/rowcast/stream"
	"github.com/rowcast/rowcast/telemetry"
)

// Destination applies individual mutations to the replicated table.
// *Table implements it over a SQL database.
type Destination interface {
	ApplyInsert(ctx context.Context, entityID int64, fields map[string]any) error
	ApplyUpdate(ctx context.Context, entityID int64, fields map[string]any) (bool, error)
	ApplyDelete(ctx context.Context, entityID int64) (bool, error)
}

const (
	// Default delay after a failed stream fetch
	DefaultFetchRetryDelay = 500 * time.Millisecond
	// Default initial retry delay for failed apply operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the applier halts
	DefaultMaxRetries = 100
)

// Config configures the applier
type Config struct {
	Source          stream.Source  // Distributed log to consume from
	Codec           encoding.Codec // Wire codec
	Destination     Destination    // Replicated table writer
	FetchRetryDelay time.Duration  // Delay after fetch errors
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Maximum retry attempts (0 = unlimited)
}

// Applier consumes the stream and writes mutations to the destination
type Applier struct {
	config      Config
	cancel      context.CancelFunc
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	offsets *xsync.MapOf[int, int64] // Last applied offset per partition
	applied atomic.Int64
	noops   atomic.Int64
}

// Stats is a point-in-time snapshot for status reporting
type Stats struct {
	Applied          int64         `json:"applied"`
	Noops            int64         `json:"noops"`
	PartitionOffsets map[int]int64 `json:"partition_offsets"`
}

// New creates an applier
func New(config Config) (*Applier, error) {
	// Validate config
	if config.Source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if config.Destination == nil {
		return nil, fmt.Errorf("destination is required")
	}

	// Set defaults
	if config.FetchRetryDelay <= 0 {
		config.FetchRetryDelay = DefaultFetchRetryDelay
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Applier{
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		offsets: xsync.NewMapOf[int, int64](),
	}, nil
}

// Running reports whether the consume loop is active
func (a *Applier) Running() bool {
	return a.running.Load()
}

// Stats returns a snapshot of apply counters and partition offsets
func (a *Applier) Stats() Stats {
	offsets := make(map[int]int64)
	a.offsets.Range(func(partition int, offset int64) bool {
		offsets[partition] = offset
		return true
	})
	return Stats{
		Applied:          a.applied.Load(),
		Noops:            a.noops.Load(),
		PartitionOffsets: offsets,
	}
}

// Start starts the applier goroutine
func (a *Applier) Start() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.running.Load() {
		return // Already running
	}

	a.running.Store(true)
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	log.Info().Msg("Starting applier")

	go a.consumeLoop(ctx)
}

// Stop stops the applier gracefully. A record mid-apply is finished and
// acknowledged before the loop exits, a blocked fetch is cancelled.
func (a *Applier) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.running.Load() {
		return // Not running
	}

	log.Info().Msg("Stopping applier")

	close(a.stopCh)
	a.cancel()
	<-a.doneCh // Wait for goroutine to finish
	a.running.Store(false)

	log.Info().Msg("Applier stopped")
}

// consumeLoop is the main applier loop
func (a *Applier) consumeLoop(ctx context.Context) {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			return
		default:
			msg, err := a.config.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return // Shutting down
				}
				log.Error().Err(err).Msg("Failed to fetch from stream")
				a.sleep(a.config.FetchRetryDelay)
				continue
			}

			if err := a.processMessage(ctx, msg); err != nil {
				log.Error().
					Err(err).
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("Halting applier on unprocessable record")
				a.running.Store(false)
				return
			}
		}
	}
}

// processMessage decodes, applies and acknowledges one record.
// Delivery semantics: at-least-once with explicit acknowledgement.
// - The destination write happens first, then the message is acknowledged.
// - A crash between the two redelivers the record, apply converges on replay.
// - An undecodable or invalid record halts the applier without acknowledging,
//   leaving the record parked for inspection.
func (a *Applier) processMessage(ctx context.Context, msg stream.Message) error {
	rec, err := a.config.Codec.Decode(msg.Value)
	if err != nil {
		telemetry.MalformedRecordsTotal.Inc()
		return fmt.Errorf("undecodable record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		telemetry.MalformedRecordsTotal.Inc()
		return fmt.Errorf("malformed record seq %d: %w", rec.LogSeq, err)
	}

	if err := a.applyWithRetry(ctx, rec); err != nil {
		return err
	}

	a.offsets.Store(msg.Partition, msg.Offset)
	telemetry.PartitionOffset.With(strconv.Itoa(msg.Partition)).Set(float64(msg.Offset))

	if err := a.config.Source.Commit(ctx, msg); err != nil {
		log.Warn().
			Err(err).
			Int64("seq", rec.LogSeq).
			Msg("Failed to acknowledge applied record - record may be redelivered")
	}
	return nil
}

// applyWithRetry applies a record with exponential backoff retry.
// Returns an error if max retries are exhausted or the applier stopped.
func (a *Applier) applyWithRetry(ctx context.Context, rec cdc.MutationRecord) error {
	delay := a.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		noop, err := a.applyRecord(ctx, rec)
		if err == nil {
			telemetry.ApplyDurationSeconds.With(string(rec.Op)).Observe(time.Since(start).Seconds())
			result := "applied"
			if noop {
				result = "noop"
				a.noops.Add(1)
			} else {
				a.applied.Add(1)
			}
			telemetry.RecordsAppliedTotal.With(string(rec.Op), result).Inc()
			return nil
		}

		attempts++
		telemetry.ApplyRetriesTotal.Inc()

		// Check if we've exhausted max retries (0 = unlimited)
		if a.config.MaxRetries > 0 && attempts >= a.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for seq %d: %w", a.config.MaxRetries, rec.LogSeq, err)
		}

		log.Warn().
			Err(err).
			Int64("seq", rec.LogSeq).
			Str("op", string(rec.Op)).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to apply record, retrying")

		// Sleep with stop check
		if !a.sleep(delay) {
			return fmt.Errorf("applier stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * a.config.RetryMultiplier)
		if delay > a.config.RetryMax {
			delay = a.config.RetryMax
		}
	}
}

// applyRecord routes one record to the destination operation.
// The returned bool reports whether the write was a no-op.
func (a *Applier) applyRecord(ctx context.Context, rec cdc.MutationRecord) (bool, error) {
	switch rec.Op {
	case cdc.OpInsert:
		return false, a.config.Destination.ApplyInsert(ctx, rec.EntityID, rec.Fields)
	case cdc.OpUpdate:
		applied, err := a.config.Destination.ApplyUpdate(ctx, rec.EntityID, rec.Fields)
		return !applied, err
	case cdc.OpDelete:
		applied, err := a.config.Destination.ApplyDelete(ctx, rec.EntityID)
		return !applied, err
	default:
		return false, fmt.Errorf("unknown operation %q", rec.Op)
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if the sleep completed, false if stopped.
func (a *Applier) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-a.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
