// Package forwarder moves records from the change log into the
// distributed log. It polls the log from a durable cursor, publishes
// each record keyed by entity, and advances the cursor only after the
// stream acknowledges the record as durably persisted. A crash between
// publish and advance republishes the record on restart; the applier's
// idempotency absorbs the duplicate.
package forwarder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowcast/rowcast/cdc"
	"github.com/rowcast/rowcast/cursor"
	"github.com/rowcast/rowcast/encoding"
	"github.com/rowcast/rowcast/stream"
	"github.com/rowcast/rowcast/telemetry"
)

// ChangeSource is the ordered read path of the change log.
type ChangeSource interface {
	// FetchSince returns up to limit records with sequence > cursor in
	// ascending order.
	FetchSince(ctx context.Context, cursor int64, limit int) ([]cdc.MutationRecord, error)
}

const (
	// Default records per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when the log is drained
	DefaultPollInterval = 500 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the forwarder halts
	DefaultMaxRetries = 100
)

// Config configures the forwarder
type Config struct {
	Name            string         // Cursor name
	Source          ChangeSource   // Change log to read from
	Sink            stream.Sink    // Distributed log to publish to
	Codec           encoding.Codec // Wire codec
	Cursors         cursor.Store   // Durable cursor positions
	BatchSize       int            // Records per poll cycle
	PollInterval    time.Duration  // Poll interval
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Maximum retry attempts (0 = unlimited)
}

// Forwarder polls the change log and publishes records to the stream
type Forwarder struct {
	config      Config
	cursor      atomic.Int64 // Current position
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// New creates a forwarder and loads its durable cursor
func New(config Config) (*Forwarder, error) {
	// Validate config
	if config.Name == "" {
		return nil, fmt.Errorf("forwarder name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("change source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}

	// Set defaults
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
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

	position, err := config.Cursors.Load(context.Background(), config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	f := &Forwarder{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	f.cursor.Store(position)

	return f, nil
}

// Cursor returns the current in-memory cursor position
func (f *Forwarder) Cursor() int64 {
	return f.cursor.Load()
}

// Running reports whether the poll loop is active
func (f *Forwarder) Running() bool {
	return f.running.Load()
}

// Start starts the forwarder goroutine
func (f *Forwarder) Start() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running.Load() {
		return // Already running
	}

	f.running.Store(true)
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})

	log.Info().
		Str("forwarder", f.config.Name).
		Int64("cursor", f.cursor.Load()).
		Msg("Starting forwarder")

	go f.pollLoop()
}

// Stop stops the forwarder gracefully, finishing the current record
func (f *Forwarder) Stop() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running.Load() {
		return // Not running
	}

	log.Info().Str("forwarder", f.config.Name).Msg("Stopping forwarder")

	close(f.stopCh)
	<-f.doneCh // Wait for goroutine to finish
	f.running.Store(false)

	log.Info().Str("forwarder", f.config.Name).Msg("Forwarder stopped")
}

// pollLoop is the main forwarder loop
func (f *Forwarder) pollLoop() {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			return
		default:
			start := time.Now()
			records, err := f.config.Source.FetchSince(context.Background(), f.cursor.Load(), f.config.BatchSize)
			telemetry.FetchDurationSeconds.Observe(time.Since(start).Seconds())
			if err != nil {
				log.Error().
					Err(err).
					Str("forwarder", f.config.Name).
					Int64("cursor", f.cursor.Load()).
					Msg("Failed to read change log")
				f.sleep(f.config.PollInterval)
				continue
			}

			if len(records) == 0 {
				// Cursor is at the head - sleep and poll again
				f.sleep(f.config.PollInterval)
				continue
			}
			telemetry.RecordsFetchedTotal.Add(float64(len(records)))

			for _, rec := range records {
				if err := f.processRecord(rec); err != nil {
					log.Error().
						Err(err).
						Str("forwarder", f.config.Name).
						Int64("seq", rec.LogSeq).
						Msg("Halting forwarder on unprocessable record")
					f.running.Store(false)
					return
				}
				f.cursor.Store(rec.LogSeq)
				telemetry.CursorPosition.Set(float64(rec.LogSeq))
			}
		}
	}
}

// processRecord publishes one record and advances the durable cursor.
// Delivery semantics: at-least-once with cursor tracking.
// - The record is published first, then the cursor is advanced.
// - If the cursor advance fails, the record may be redelivered on restart.
// - A malformed record or exhausted retries halt the forwarder without
//   advancing, leaving the cursor pointing at the failed record.
func (f *Forwarder) processRecord(rec cdc.MutationRecord) error {
	if err := rec.Validate(); err != nil {
		telemetry.MalformedRecordsTotal.Inc()
		return fmt.Errorf("malformed record: %w", err)
	}

	data, err := f.config.Codec.Encode(rec)
	if err != nil {
		telemetry.MalformedRecordsTotal.Inc()
		return fmt.Errorf("failed to encode record seq %d: %w", rec.LogSeq, err)
	}

	if err := f.publishWithRetry(rec.PartitionKey(), data); err != nil {
		return err
	}
	telemetry.RecordsPublishedTotal.Inc()

	// Advance the durable cursor after the acknowledged publish. A failed
	// advance means the record may be republished on restart, which the
	// applier absorbs.
	if err := f.config.Cursors.Save(context.Background(), f.config.Name, rec.LogSeq); err != nil {
		log.Warn().
			Err(err).
			Str("forwarder", f.config.Name).
			Int64("seq", rec.LogSeq).
			Msg("Failed to advance cursor after successful publish - record may be redelivered")
	}

	return nil
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns an error if max retries are exhausted or the forwarder stopped.
func (f *Forwarder) publishWithRetry(key string, data []byte) error {
	delay := f.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := f.config.Sink.Publish(context.Background(), key, data)
		if err == nil {
			telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		attempts++
		telemetry.PublishRetriesTotal.Inc()

		// Check if we've exhausted max retries (0 = unlimited)
		if f.config.MaxRetries > 0 && attempts >= f.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for key %s: %w", f.config.MaxRetries, key, err)
		}

		log.Warn().
			Err(err).
			Str("forwarder", f.config.Name).
			Str("key", key).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish record, retrying")

		// Sleep with stop check
		if !f.sleep(delay) {
			return fmt.Errorf("forwarder stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * f.config.RetryMultiplier)
		if delay > f.config.RetryMax {
			delay = f.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if the sleep completed, false if stopped.
func (f *Forwarder) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
