// Package sectors wraps storage with the fixed-width record layout the
// atomic register reads and writes: a timestamp, a write rank, and 4096
// bytes of sector data, keyed by a filename that shards sectors across W
// parallel subdirectories for I/O fan-out.
package sectors

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"

	"distributed-register/internal/metrics"
	"distributed-register/internal/storage"
	"distributed-register/internal/wire"
)

// recordLen is timestamp(8) + write_rank(1) + sector data(4096).
const recordLen = 8 + 1 + wire.SectorSize

// Manager persists one sector record per (shard, seq) key, where
// shard = idx mod W and seq = idx div W.
type Manager struct {
	stores []*storage.Store // one per shard, each in its own subdirectory
	shards uint64
}

// Open builds a Manager rooted at dir with shardCount shard subdirectories.
// shardCount must be >= 4; the recommended default is 256 for I/O
// parallelism across the worker pool.
func Open(dir string, shardCount uint64) (*Manager, error) {
	return OpenWithMetrics(dir, shardCount, nil)
}

// OpenWithMetrics is Open plus a metrics registry that every shard's
// Store reports its Put fsync latency to.
func OpenWithMetrics(dir string, shardCount uint64, reg *metrics.Registry) (*Manager, error) {
	if shardCount < 4 {
		return nil, fmt.Errorf("sectors: shard count must be >= 4, got %d", shardCount)
	}
	stores := make([]*storage.Store, shardCount)
	for i := uint64(0); i < shardCount; i++ {
		s, err := storage.Open(filepath.Join(dir, strconv.FormatUint(i, 10)))
		if err != nil {
			return nil, fmt.Errorf("sectors: open shard %d: %w", i, err)
		}
		stores[i] = s.WithMetrics(reg)
	}
	return &Manager{stores: stores, shards: shardCount}, nil
}

// Shards returns the configured shard count (W).
func (m *Manager) Shards() uint64 {
	return m.shards
}

// ShardOf returns idx mod W, the worker/subdirectory that owns idx.
func (m *Manager) ShardOf(idx uint64) uint64 {
	return idx % m.shards
}

func (m *Manager) keyFor(idx uint64) (shard uint64, key string) {
	shard = idx % m.shards
	seq := idx / m.shards
	return shard, strconv.FormatUint(seq, 10)
}

// ReadMetadata returns the (timestamp, write_rank) recorded for idx, or
// (0, 0) if idx has never been written. Reading a never-written sector
// writes nothing; its record is created by the first Write.
func (m *Manager) ReadMetadata(idx uint64) (timestamp uint64, writeRank byte, err error) {
	ts, wr, _, err := m.read(idx)
	return ts, wr, err
}

// ReadData returns the 4096-byte sector contents for idx, or all zeros if
// idx has never been written.
func (m *Manager) ReadData(idx uint64) (data [wire.SectorSize]byte, err error) {
	_, _, data, err = m.read(idx)
	return data, err
}

func (m *Manager) read(idx uint64) (uint64, byte, [wire.SectorSize]byte, error) {
	shard, key := m.keyFor(idx)
	var data [wire.SectorSize]byte

	raw, ok, err := m.stores[shard].Get(key)
	if err != nil {
		return 0, 0, data, fmt.Errorf("sectors: read idx %d: %w", idx, err)
	}
	if !ok {
		return 0, 0, data, nil
	}
	if len(raw) != recordLen {
		return 0, 0, data, fmt.Errorf("sectors: corrupt record for idx %d: got %d bytes, want %d", idx, len(raw), recordLen)
	}

	ts := binary.BigEndian.Uint64(raw[0:8])
	wr := raw[8]
	copy(data[:], raw[9:])
	return ts, wr, data, nil
}

// Write durably records (data, timestamp, writeRank) for idx.
func (m *Manager) Write(idx uint64, data [wire.SectorSize]byte, timestamp uint64, writeRank byte) error {
	shard, key := m.keyFor(idx)

	raw := make([]byte, recordLen)
	binary.BigEndian.PutUint64(raw[0:8], timestamp)
	raw[8] = writeRank
	copy(raw[9:], data[:])

	if err := m.stores[shard].Put(key, raw); err != nil {
		return fmt.Errorf("sectors: write idx %d: %w", idx, err)
	}
	return nil
}
