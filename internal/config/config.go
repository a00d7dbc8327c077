// Package config carries the snapshot engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Compression kinds.
const (
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

var (
	ErrUnknownFormat      = errors.New("unknown output format")
	ErrUnknownCompression = errors.New("unknown compression")
)

// Options is the full engine configuration. A recognized subset is embedded
// in the manifest for inspection; resume compatibility does not compare it.
type Options struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"db"`
	Collection string `yaml:"collection"`

	OutputDir string `yaml:"output"`
	Prefix    string `yaml:"prefix"`

	Format           string `yaml:"format"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"` // 0 = codec default

	Partitions  int   `yaml:"partitions"`
	BatchSize   int   `yaml:"batch_size"`
	QueueBytes  int64 `yaml:"queue_bytes"`
	RotateBytes int64 `yaml:"rotate_bytes"`
	RotateRows  int64 `yaml:"rotate_rows"` // parquet only, 0 = unlimited
	SingleFile  bool  `yaml:"single_file"`

	Query      string `yaml:"query"`      // extended JSON
	Projection string `yaml:"projection"` // extended JSON

	ReadPreference  string `yaml:"read_preference"`
	ReadTags        string `yaml:"read_tags"` // k=v[,k=v...]
	ReadConcern     string `yaml:"read_concern"`
	NoCursorTimeout bool   `yaml:"no_cursor_timeout"`

	ParquetRowGroup int   `yaml:"parquet_row_group"`
	WriteChunkBytes int64 `yaml:"write_chunk_bytes"`

	CSVColumns []string `yaml:"csv_columns"`
	CSVHeader  bool     `yaml:"csv_header"`

	Telemetry     bool   `yaml:"telemetry"`
	TelemetryAddr string `yaml:"telemetry_addr"`

	ResumeOverwriteIncompatible bool `yaml:"resume_overwrite_incompatible"`
	DryRun                      bool `yaml:"dry_run"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

// Default returns the baseline configuration before flags, file, and
// environment are applied.
func Default() Options {
	return Options{
		URI:             "mongodb://localhost:27017",
		OutputDir:       ".",
		Format:          FormatJSONL,
		Compression:     CompressionZstd,
		Partitions:      4,
		BatchSize:       1000,
		QueueBytes:      256 << 20,
		RotateBytes:     512 << 20,
		ParquetRowGroup: 10000,
		WriteChunkBytes: 8 << 20,
		CSVHeader:       true,
		NoCursorTimeout: true,
		TelemetryAddr:   ":9090",
		LogFormat:       "text",
		LogLevel:        "info",
	}
}

// LoadFile merges a YAML config file over o. Missing file is an error;
// zero-valued fields in the file leave o untouched only for absent keys.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the PL_* environment variables.
func (o *Options) ApplyEnv() {
	if v := os.Getenv("PL_ZSTD_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.CompressionLevel = n
		}
	}
	if v := os.Getenv("PL_WRITE_CHUNK_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			o.WriteChunkBytes = n
		}
	}
	if v := os.Getenv("PL_PARQUET_ROW_GROUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.ParquetRowGroup = n
		}
	}
	if v := os.Getenv("PL_TELEMETRY"); v != "" {
		o.Telemetry = v == "on" || v == "true" || v == "1"
	}
}

// Validate rejects malformed configuration before any I/O happens.
func (o *Options) Validate() error {
	switch o.Format {
	case FormatJSONL, FormatCSV, FormatParquet:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, o.Format)
	}
	switch o.Compression {
	case CompressionZstd, CompressionGzip, CompressionNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCompression, o.Compression)
	}
	if o.Collection == "" {
		return errors.New("collection is required")
	}
	if o.Partitions < 1 {
		return fmt.Errorf("partitions must be >= 1, got %d", o.Partitions)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", o.BatchSize)
	}
	if o.QueueBytes < 1 {
		return fmt.Errorf("queue_bytes must be positive, got %d", o.QueueBytes)
	}
	if !o.SingleFile && o.RotateBytes < 1 {
		return fmt.Errorf("rotate_bytes must be positive, got %d", o.RotateBytes)
	}
	if o.SingleFile && o.Format == FormatJSONL {
		return errors.New("single_file mode applies to csv and parquet output only")
	}
	return nil
}

// EffectivePrefix falls back to the collection name.
func (o *Options) EffectivePrefix() string {
	if o.Prefix != "" {
		return o.Prefix
	}
	return o.Collection
}

// ParseReadTags splits "k=v,k2=v2" into an ordered tag list.
func (o *Options) ParseReadTags() ([][2]string, error) {
	if o.ReadTags == "" {
		return nil, nil
	}
	var tags [][2]string
	for _, pair := range strings.Split(o.ReadTags, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed read tag %q", pair)
		}
		tags = append(tags, [2]string{k, v})
	}
	return tags, nil
}

// ManifestSnapshot is the recognized subset of options recorded in the
// manifest for human inspection. It deliberately excludes credentials.
func (o *Options) ManifestSnapshot() map[string]any {
	return map[string]any{
		"partitions":        o.Partitions,
		"batch_size":        o.BatchSize,
		"queue_bytes":       o.QueueBytes,
		"rotate_bytes":      o.RotateBytes,
		"rotate_rows":       o.RotateRows,
		"single_file":       o.SingleFile,
		"parquet_row_group": o.ParquetRowGroup,
		"write_chunk_bytes": o.WriteChunkBytes,
		"no_cursor_timeout": o.NoCursorTimeout,
		"read_preference":   o.ReadPreference,
		"read_concern":      o.ReadConcern,
	}
}
