package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rowcast/rowcast/admin"
	"github.com/rowcast/rowcast/applier"
	"github.com/rowcast/rowcast/cfg"
	"github.com/rowcast/rowcast/changelog"
	"github.com/rowcast/rowcast/cursor"
	"github.com/rowcast/rowcast/encoding"
	"github.com/rowcast/rowcast/forwarder"
	"github.com/rowcast/rowcast/stream"
	"github.com/rowcast/rowcast/telemetry"
)

const lagSampleInterval = 10 * time.Second

const usageText = `Usage: rowcast [command] [flags]

Commands:
  setup    Install the change log table and capture trigger on the source
  forward  Run the forwarder (change log -> stream)
  apply    Run the applier (stream -> destination table)
  run      Run forwarder and applier in one process (default)

Flags:
`

func main() {
	command, args := parseCommand()
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(2)
	}

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Rowcast - Trigger-Based Change Data Capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	switch command {
	case "setup":
		runSetup()
	case "forward":
		runPipeline(true, false)
	case "apply":
		runPipeline(false, true)
	case "run":
		runPipeline(true, true)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

// parseCommand splits the leading subcommand from the flag arguments
func parseCommand() (string, []string) {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "run", args
}

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
	flag.PrintDefaults()
}

// runSetup installs the change log table and capture trigger
func runSetup() {
	sourceDB, err := openDB(cfg.Config.Source.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to source database")
	}
	defer sourceDB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := changelog.Setup(ctx, sourceDB, changelog.SetupOptions{
		Table:          cfg.Config.Source.Table,
		KeyColumn:      cfg.Config.Source.KeyColumn,
		ChangelogTable: cfg.Config.Source.ChangelogTable,
		TrackedColumns: cfg.Config.Source.TrackedColumns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to install change capture")
	}

	log.Info().
		Str("table", schema.Table).
		Str("changelog_table", schema.ChangelogTable).
		Int("captured_columns", len(schema.Columns)).
		Msg("Change capture installed")
}

// runPipeline wires up and runs the requested pipeline components, then
// waits for a shutdown signal.
func runPipeline(withForwarder, withApplier bool) {
	handlers := admin.NewHandlers(cfg.Config.InstanceID)

	codec, err := encoding.New(cfg.Config.Stream.Codec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create codec")
	}

	streamOpts := streamOptions()

	// Provision the topic before either side touches the stream
	provisionCtx, cancelProvision := context.WithTimeout(context.Background(), 30*time.Second)
	err = stream.EnsureTopic(provisionCtx, cfg.Config.Stream.Type, streamOpts)
	cancelProvision()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to provision stream topic")
	}

	if withForwarder {
		log.Info().Msg("Initializing forwarder")

		sourceDB, err := openDB(cfg.Config.Source.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to source database")
		}
		defer sourceDB.Close()

		store := changelog.NewStore(sourceDB, cfg.Config.Source.ChangelogTable)

		cursors, err := cursor.Open(cursor.Options{
			Backend: cfg.Config.Forwarder.CursorStore,
			DataDir: cfg.Config.DataDir,
			DB:      sourceDB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open cursor store")
		}
		defer cursors.Close()

		sink, err := stream.NewSink(cfg.Config.Stream.Type, streamOpts)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create stream sink")
		}
		defer sink.Close()

		fwd, err := forwarder.New(forwarder.Config{
			Name:            cfg.Config.Forwarder.Name,
			Source:          store,
			Sink:            sink,
			Codec:           codec,
			Cursors:         cursors,
			BatchSize:       cfg.Config.Forwarder.BatchSize,
			PollInterval:    time.Duration(cfg.Config.Forwarder.PollIntervalMS) * time.Millisecond,
			RetryInitial:    time.Duration(cfg.Config.Forwarder.RetryInitialMS) * time.Millisecond,
			RetryMax:        time.Duration(cfg.Config.Forwarder.RetryMaxMS) * time.Millisecond,
			RetryMultiplier: cfg.Config.Forwarder.RetryMultiplier,
			MaxRetries:      cfg.Config.Forwarder.MaxRetries,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create forwarder")
		}

		fwd.Start()
		defer fwd.Stop()

		collector := telemetry.NewLagCollector(fwd, store, lagSampleInterval)
		collector.Start()
		defer collector.Stop()

		handlers.WithForwarder(fwd, store)
	}

	if withApplier {
		log.Info().Msg("Initializing applier")

		destDB, err := openDB(cfg.Config.Destination.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to destination database")
		}
		defer destDB.Close()

		source, err := stream.NewSource(cfg.Config.Stream.Type, streamOpts)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create stream source")
		}
		defer source.Close()

		table := applier.NewTable(destDB, cfg.Config.Destination.Table, cfg.Config.Destination.KeyColumn)

		app, err := applier.New(applier.Config{
			Source:          source,
			Codec:           codec,
			Destination:     table,
			RetryInitial:    time.Duration(cfg.Config.Applier.RetryInitialMS) * time.Millisecond,
			RetryMax:        time.Duration(cfg.Config.Applier.RetryMaxMS) * time.Millisecond,
			RetryMultiplier: cfg.Config.Applier.RetryMultiplier,
			MaxRetries:      cfg.Config.Applier.MaxRetries,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create applier")
		}

		app.Start()
		defer app.Stop()

		handlers.WithApplier(app)
	}

	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		adminServer := admin.NewServer(addr, handlers)
		adminServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Str("stream", cfg.Config.Stream.Type).
		Str("topic", cfg.Config.Stream.Topic).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Rowcast started successfully")

	// Wait for shutdown signal, deferred stops run in reverse order
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// openDB opens a pgx-backed connection pool and verifies connectivity
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func streamOptions() stream.Options {
	return stream.Options{
		Topic:             cfg.Config.Stream.Topic,
		Partitions:        cfg.Config.Stream.Partitions,
		ReplicationFactor: cfg.Config.Stream.ReplicationFactor,
		Brokers:           cfg.Config.Stream.Brokers,
		NatsURL:           cfg.Config.Stream.NatsURL,
		Group:             cfg.Config.Stream.Group,
	}
}
