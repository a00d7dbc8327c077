package sink

import (
	"fmt"
	"path/filepath"

	"github.com/alexandernicholson/purplelight/internal/config"
)

// FormatExt returns the primary extension for an output format.
func FormatExt(format string) string {
	switch format {
	case config.FormatCSV:
		return ".csv"
	case config.FormatParquet:
		return ".parquet"
	default:
		return ".jsonl"
	}
}

// PartPath builds the on-disk path for a part. Parquet compresses
// internally, so its parts never carry a codec suffix.
func PartPath(dir, prefix, format, compression string, seq int, singleFile bool) string {
	ext := FormatExt(format)
	if format != config.FormatParquet {
		ext += CompressionExt(compression)
	}
	if singleFile {
		return filepath.Join(dir, prefix+ext)
	}
	return filepath.Join(dir, fmt.Sprintf("%s-part-%06d%s", prefix, seq, ext))
}

// ManifestPath builds the manifest location for a prefix.
func ManifestPath(dir, prefix string) string {
	return filepath.Join(dir, prefix+".manifest.json")
}
