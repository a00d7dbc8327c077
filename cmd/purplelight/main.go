package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/metrics"
	"github.com/alexandernicholson/purplelight/internal/snapshot"
	"github.com/alexandernicholson/purplelight/internal/source"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "purplelight",
		Usage:   "resumable snapshots of MongoDB collections to JSONL, CSV, or Parquet",
		Version: fmt.Sprintf("%s (%s)", Version, GitSHA),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file"},
			&cli.StringFlag{Name: "uri", Value: "mongodb://localhost:27017", Usage: "MongoDB connection URI"},
			&cli.StringFlag{Name: "db", Usage: "database name"},
			&cli.StringFlag{Name: "collection", Usage: "collection to snapshot"},
			&cli.StringFlag{Name: "output", Value: ".", Usage: "output directory"},
			&cli.StringFlag{Name: "format", Value: config.FormatJSONL, Usage: "jsonl | csv | parquet"},
			&cli.StringFlag{Name: "compression", Value: config.CompressionZstd, Usage: "zstd | gzip | none"},
			&cli.IntFlag{Name: "compression-level", Usage: "codec level (0 = codec default)"},
			&cli.IntFlag{Name: "partitions", Value: 4, Usage: "number of parallel partition readers"},
			&cli.IntFlag{Name: "batch-size", Value: 1000, Usage: "cursor batch size"},
			&cli.Int64Flag{Name: "queue-mb", Value: 256, Usage: "reader-to-writer queue budget in MiB"},
			&cli.Int64Flag{Name: "rotate-mb", Value: 512, Usage: "rotate output parts at this many MiB"},
			&cli.Int64Flag{Name: "by-size", Usage: "rotate output parts at this many bytes (overrides --rotate-mb)"},
			&cli.BoolFlag{Name: "single-file", Usage: "produce exactly one output file (csv/parquet)"},
			&cli.StringFlag{Name: "prefix", Usage: "output file prefix (defaults to the collection name)"},
			&cli.StringFlag{Name: "query", Usage: "filter as extended JSON ($oid/$date supported)"},
			&cli.StringFlag{Name: "projection", Usage: "projection as extended JSON"},
			&cli.StringFlag{Name: "read-preference", Usage: "primary | primary_preferred | secondary | secondary_preferred | nearest"},
			&cli.StringFlag{Name: "read-tags", Usage: "replica tag filter k=v[,k=v...]"},
			&cli.StringFlag{Name: "read-concern", Usage: "majority | local | linearizable | available | snapshot"},
			&cli.BoolFlag{Name: "no-cursor-timeout", Value: true, Usage: "suppress server cursor timeouts"},
			&cli.IntFlag{Name: "parquet-row-group", Value: 10000, Usage: "rows per parquet row group"},
			&cli.Int64Flag{Name: "rotate-rows", Usage: "per-file row limit for parquet parts"},
			&cli.Int64Flag{Name: "write-chunk-mb", Value: 8, Usage: "writer chunk size in MiB"},
			&cli.IntFlag{Name: "writer-threads", Value: 1, Usage: "writer threads (the pipeline uses a single serializer)"},
			&cli.StringFlag{Name: "telemetry", Value: "off", Usage: "on | off"},
			&cli.StringFlag{Name: "telemetry-addr", Value: ":9090", Usage: "metrics listen address"},
			&cli.BoolFlag{Name: "resume-overwrite-incompatible", Usage: "replace an incompatible manifest instead of failing"},
			&cli.BoolFlag{Name: "dry-run", Usage: "plan partitions and exit without writing"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text | json"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug | info | warn | error"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		// Runtime failures exit through cli.Exit with code 2; anything
		// that falls through here is invalid usage.
		code := 1
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildOptions(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})

	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, 1)
	}

	if cfg.Telemetry {
		metrics.Init("purplelight")
		go func() {
			if err := metrics.Serve(cfg.TelemetryAddr); err != nil {
				logging.Component("metrics").Warn("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, coll, err := source.Connect(ctx, cfg)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer client.Disconnect(context.Background())

	snap, err := snapshot.New(snapshot.Params{Config: cfg, Collection: coll})
	if err != nil {
		return cli.Exit(err, 1)
	}

	if err := snap.Run(ctx); err != nil {
		return cli.Exit(err, 2)
	}
	return nil
}

// buildOptions layers defaults, the optional config file, environment
// variables, and finally explicit CLI flags.
func buildOptions(c *cli.Context) (config.Options, error) {
	cfg := config.Default()

	if path := c.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()

	setString := func(flag string, dst *string) {
		if c.IsSet(flag) || *dst == "" {
			if v := c.String(flag); v != "" || c.IsSet(flag) {
				*dst = v
			}
		}
	}

	setString("uri", &cfg.URI)
	setString("db", &cfg.Database)
	setString("collection", &cfg.Collection)
	setString("output", &cfg.OutputDir)
	setString("format", &cfg.Format)
	setString("compression", &cfg.Compression)
	setString("prefix", &cfg.Prefix)
	setString("query", &cfg.Query)
	setString("projection", &cfg.Projection)
	setString("read-preference", &cfg.ReadPreference)
	setString("read-tags", &cfg.ReadTags)
	setString("read-concern", &cfg.ReadConcern)
	setString("telemetry-addr", &cfg.TelemetryAddr)
	setString("log-format", &cfg.LogFormat)
	setString("log-level", &cfg.LogLevel)

	if c.IsSet("compression-level") {
		cfg.CompressionLevel = c.Int("compression-level")
	}
	if c.IsSet("partitions") || cfg.Partitions == 0 {
		cfg.Partitions = c.Int("partitions")
	}
	if c.IsSet("batch-size") || cfg.BatchSize == 0 {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("queue-mb") || cfg.QueueBytes == 0 {
		cfg.QueueBytes = c.Int64("queue-mb") << 20
	}
	if c.IsSet("by-size") {
		cfg.RotateBytes = c.Int64("by-size")
	} else if c.IsSet("rotate-mb") || cfg.RotateBytes == 0 {
		cfg.RotateBytes = c.Int64("rotate-mb") << 20
	}
	if c.IsSet("single-file") {
		cfg.SingleFile = c.Bool("single-file")
	}
	if c.IsSet("no-cursor-timeout") {
		cfg.NoCursorTimeout = c.Bool("no-cursor-timeout")
	}
	if c.IsSet("parquet-row-group") || cfg.ParquetRowGroup == 0 {
		cfg.ParquetRowGroup = c.Int("parquet-row-group")
	}
	if c.IsSet("rotate-rows") {
		cfg.RotateRows = c.Int64("rotate-rows")
	}
	if c.IsSet("write-chunk-mb") || cfg.WriteChunkBytes == 0 {
		cfg.WriteChunkBytes = c.Int64("write-chunk-mb") << 20
	}
	if c.IsSet("telemetry") {
		cfg.Telemetry = c.String("telemetry") == "on"
	}
	if c.IsSet("resume-overwrite-incompatible") {
		cfg.ResumeOverwriteIncompatible = c.Bool("resume-overwrite-incompatible")
	}
	if c.IsSet("dry-run") {
		cfg.DryRun = c.Bool("dry-run")
	}

	if n := c.Int("writer-threads"); n > 1 {
		logging.Component("main").Warn("writer-threads > 1 is not supported; the serializer stays single-threaded", "requested", n)
	}

	return cfg, nil
}
