// Package manifest persists snapshot run state: identity, configuration
// digest, per-partition checkpoints, and per-part progress. Every persist
// replaces the file atomically so readers never observe a torn document.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexandernicholson/purplelight/internal/document"
)

var (
	ErrIncompatible = errors.New("manifest is incompatible with this invocation")
	ErrNoSuchPart   = errors.New("no such part")
)

// progressSaveInterval coalesces AddProgressToPart persists. Checkpoint and
// completion writes are never throttled.
const progressSaveInterval = 2 * time.Second

// Partition is one planned _id range's durable state. The checkpoint is
// canonical extended JSON so any ordered key type round-trips.
type Partition struct {
	Index           int    `json:"index"`
	LastIDExclusive string `json:"last_id_exclusive"`
	Completed       bool   `json:"completed"`
}

// Part is one output file's durable state.
type Part struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Rows     int64  `json:"rows"`
	Complete bool   `json:"complete"`
	Checksum string `json:"checksum,omitempty"`
}

type state struct {
	Version     int            `json:"version"`
	RunID       string         `json:"run_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Collection  string         `json:"collection"`
	Format      string         `json:"format"`
	Compression string         `json:"compression"`
	QueryDigest string         `json:"query_digest"`
	Options     map[string]any `json:"options"`
	Partitions  []Partition    `json:"partitions"`
	Parts       []Part         `json:"parts"`
}

// Manifest serializes all mutations under one mutex and persists them
// atomically (tmp file, fsync, rename).
type Manifest struct {
	mu   sync.Mutex
	path string
	st   state

	lastProgressSave time.Time
}

// New creates a fresh manifest with a new run identity. Nothing is written
// until Configure persists.
func New(path string) *Manifest {
	return &Manifest{
		path: path,
		st: state{
			Version:   1,
			RunID:     uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		},
	}
}

// Load reads an existing manifest from disk. Unknown fields are ignored so
// newer writers do not break older readers.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &Manifest{path: path, st: st}, nil
}

// Configure sets the run parameters and persists. Compression is the
// effective compression after any availability-driven downgrade.
func (m *Manifest) Configure(collection, format, compression, queryDigest string, options map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Collection = collection
	m.st.Format = format
	m.st.Compression = compression
	m.st.QueryDigest = queryDigest
	m.st.Options = options
	return m.save()
}

// CompatibleWith reports whether a resumed run may reuse this manifest.
func (m *Manifest) CompatibleWith(collection, format, compression, queryDigest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Collection == collection &&
		m.st.Format == format &&
		m.st.Compression == compression &&
		m.st.QueryDigest == queryDigest
}

// RunID returns the run identity.
func (m *Manifest) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RunID
}

// EnsurePartitions initializes the partitions array once. A populated
// manifest keeps its partition count for life.
func (m *Manifest) EnsurePartitions(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.st.Partitions) > 0 {
		return nil
	}
	m.st.Partitions = make([]Partition, n)
	for i := range m.st.Partitions {
		m.st.Partitions[i] = Partition{Index: i}
	}
	return m.save()
}

// PartitionCount returns the number of planned partitions.
func (m *Manifest) PartitionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.Partitions)
}

// Checkpoint returns the partition's resume key, or nil when the partition
// has never checkpointed.
func (m *Manifest) Checkpoint(index int) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Partitions) {
		return nil, fmt.Errorf("partition %d out of range", index)
	}
	return document.DecodeID(m.st.Partitions[index].LastIDExclusive)
}

// PartitionCompleted reports whether the partition drained its cursor.
func (m *Manifest) PartitionCompleted(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Partitions) {
		return false
	}
	return m.st.Partitions[index].Completed
}

// UpdatePartitionCheckpoint persists the last _id whose batch reached the
// queue. Never throttled: a lost checkpoint means re-reading data.
func (m *Manifest) UpdatePartitionCheckpoint(index int, lastID any) error {
	encoded, err := document.EncodeID(lastID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Partitions) {
		return fmt.Errorf("partition %d out of range", index)
	}
	m.st.Partitions[index].LastIDExclusive = encoded
	return m.save()
}

// MarkPartitionComplete persists cursor exhaustion for the partition.
func (m *Manifest) MarkPartitionComplete(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Partitions) {
		return fmt.Errorf("partition %d out of range", index)
	}
	m.st.Partitions[index].Completed = true
	return m.save()
}

// OpenPart appends a part record for path and returns its index.
func (m *Manifest) OpenPart(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := len(m.st.Parts)
	m.st.Parts = append(m.st.Parts, Part{Index: index, Path: path})
	return index, m.save()
}

// AddProgressToPart accumulates row/byte counters. Persists are coalesced
// to one write per progressSaveInterval to keep manifest I/O off the hot
// path; completion flushes the exact totals.
func (m *Manifest) AddProgressToPart(index int, rowsDelta, bytesDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Parts) {
		return fmt.Errorf("%w: %d", ErrNoSuchPart, index)
	}
	m.st.Parts[index].Rows += rowsDelta
	m.st.Parts[index].Bytes += bytesDelta

	if time.Since(m.lastProgressSave) < progressSaveInterval {
		return nil
	}
	m.lastProgressSave = time.Now()
	return m.save()
}

// CompletePart finalizes a part with its on-disk compressed size and an
// optional SHA-256 checksum. Persists immediately.
func (m *Manifest) CompletePart(index int, bytes int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.st.Parts) {
		return fmt.Errorf("%w: %d", ErrNoSuchPart, index)
	}
	m.st.Parts[index].Bytes = bytes
	m.st.Parts[index].Complete = true
	m.st.Parts[index].Checksum = checksum
	return m.save()
}

// Parts returns a copy of the part records.
func (m *Manifest) Parts() []Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Part, len(m.st.Parts))
	copy(out, m.st.Parts)
	return out
}

// Partitions returns a copy of the partition records.
func (m *Manifest) Partitions() []Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Partition, len(m.st.Partitions))
	copy(out, m.st.Partitions)
	return out
}

// TotalRows sums rows across all parts.
func (m *Manifest) TotalRows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.st.Parts {
		total += p.Rows
	}
	return total
}

// Flush persists any coalesced progress immediately.
func (m *Manifest) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

// save writes the manifest atomically. Callers hold m.mu.
func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tempPath := m.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	// fsync is best effort; rename still guarantees atomic visibility.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close manifest temp file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename manifest file: %w", err)
	}
	return nil
}
