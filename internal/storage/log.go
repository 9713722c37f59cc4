/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Log manages an ordered sequence of segments as one partition's history.

ARCHITECTURE:
=============

	Log
	 ├── Segment 0          (offsets 0-4095, sealed)
	 ├── Segment 4096       (offsets 4096-8191, sealed)
	 └── Segment 8192       (offsets 8192-..., active)

Offsets are globally unique and contiguous across segments. The log
routes an append to the active (last) segment and a read to the owning
segment by binary search over base offsets.

ROTATION:
=========
When the active segment reports Full, the log seals it, creates a
successor at the current next offset, and retries the append exactly
once. Rotate is also exported so an external scheduler can drive
time-based policies on top of the built-in size threshold.

RECOVERY:
=========
Open lists segment files oldest first and recovers each: sealed segments
get a header walk (counts, index, timestamps; payload checksums deferred
to first read), the tail segment gets a full verify-and-truncate scan.
A torn tail is dropped silently and journaled as a recovery event. The
log never re-enters recovery: a crash is handled entirely by the next
process's Open.

LOCKING:
========
appendMu serializes writers (the single-writer discipline). mu guards
only the segment slice and the low watermark, and is held for pointer
swaps, not I/O, so readers never wait on an in-flight append.
*/
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"driftlog/internal/events"
	"driftlog/internal/logging"
)

// Log is the append/read interface over one partition directory.
type Log struct {
	dir    string
	config Config

	// appendMu is the exclusive-append lock.
	appendMu sync.Mutex

	// mu guards segments, active and lowest.
	mu       sync.RWMutex
	segments []*Segment
	active   *Segment

	// lowest is the low watermark: the smallest readable offset.
	// Retention advances it before removing files, so a racing reader
	// observes ErrOffsetTrimmed rather than a missing file.
	lowest uint64

	logger *logging.Logger
}

// SegmentInfo is a point-in-time view of one segment, consumed by the
// retention manager and the inspection tooling.
type SegmentInfo struct {
	BaseOffset   uint64
	NextOffset   uint64
	SizeBytes    uint64
	Sealed       bool
	MaxTimestamp int64
	DataPath     string
	IndexPath    string
}

// Open creates or recovers the log stored in dir.
func Open(dir string, c Config) (*Log, error) {
	c = c.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	l := &Log{
		dir:    dir,
		config: c,
		logger: logging.NewLogger("storage"),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// recover scans the directory and rebuilds in-memory state from disk.
// Runs once, at construction; on-disk state is the sole source of truth.
func (l *Log) recover() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	var bases []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			l.logger.Warn("Ignoring unrecognized file in log directory", "file", name)
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	for i, base := range bases {
		s, err := newSegment(l.dir, base, l.config)
		if err != nil {
			return err
		}
		tail := i == len(bases)-1
		dropped, err := s.recover(tail)
		if err != nil {
			return fmt.Errorf("recover segment %d: %w", base, err)
		}
		if dropped > 0 {
			l.logger.Info("Dropped torn tail during recovery",
				"dir", l.dir, "segment", base, "bytes", dropped)
			l.config.Events.Emit(events.Event{
				Type: events.EventRecoveryTruncate,
				Log:  filepath.Base(l.dir),
				Details: map[string]string{
					"segment": strconv.FormatUint(base, 10),
					"bytes":   strconv.FormatUint(dropped, 10),
				},
			})
		}
		if !tail {
			// Everything before the tail was sealed by a rotation
			// in a previous life.
			s.sealed.Store(true)
		}
		if n := len(l.segments); n > 0 && l.segments[n-1].NextOffset() != s.BaseOffset() {
			l.logger.Error("Offset gap between segments",
				"dir", l.dir,
				"prev_next", l.segments[n-1].NextOffset(),
				"base", s.BaseOffset())
		}
		l.segments = append(l.segments, s)
	}

	if len(l.segments) == 0 {
		s, err := newSegment(l.dir, l.config.InitialOffset, l.config)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, s)
	}
	l.active = l.segments[len(l.segments)-1]
	l.lowest = l.segments[0].BaseOffset()
	return nil
}

// Append writes a payload and returns its assigned offset. Offsets are
// strictly increasing and contiguous; the offset is assigned only after
// the underlying append succeeded.
//
// On a full segment the log rotates and retries exactly once, so the
// caller never sees ErrSegmentFull.
//
// A failed FlushAlways sync returns the assigned offset together with
// the error: the record is in the log and readable, only its durability
// is in doubt, and retrying the append would duplicate it.
func (l *Log) Append(payload []byte) (uint64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	active := l.activeSegment()
	off, _, err := active.Append(payload)
	if errors.Is(err, ErrSegmentFull) {
		if err := l.rotate(); err != nil {
			return 0, err
		}
		off, _, err = l.activeSegment().Append(payload)
	}
	return off, err
}

// Read returns the record at the given offset.
func (l *Log) Read(off uint64) (Record, error) {
	l.mu.RLock()
	if off < l.lowest {
		l.mu.RUnlock()
		return Record{}, ErrOffsetTrimmed
	}
	if off >= l.active.NextOffset() {
		l.mu.RUnlock()
		return Record{}, ErrOffsetOutOfRange
	}
	// First segment with base offset beyond the target; the owner is
	// its predecessor.
	i := sort.Search(len(l.segments), func(k int) bool {
		return l.segments[k].BaseOffset() > off
	})
	s := l.segments[i-1]
	// Registered while mu is held: once DropOldest has taken the write
	// lock and removed a segment, no new reader can reach it, so its
	// reader count only drains.
	s.readers.Add(1)
	l.mu.RUnlock()
	defer s.readers.Done()

	// No lock held during segment I/O: the segment is either sealed
	// (immutable) or append-only past the offsets we touch.
	return s.Read(off)
}

// Rotate seals the active segment and starts a new one. Exposed for
// externally driven time-based rotation; the size threshold triggers the
// same path implicitly.
func (l *Log) Rotate() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.rotate()
}

// rotate is called with appendMu held.
func (l *Log) rotate() error {
	active := l.activeSegment()
	if err := active.Seal(); err != nil {
		return err
	}
	next, err := newSegment(l.dir, active.NextOffset(), l.config)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.segments = append(l.segments, next)
	l.active = next
	l.mu.Unlock()

	l.logger.Debug("Rotated segment", "dir", l.dir, "base", next.BaseOffset())
	l.config.Events.Emit(events.Event{
		Type: events.EventSegmentRotate,
		Log:  filepath.Base(l.dir),
		Details: map[string]string{
			"sealed": strconv.FormatUint(active.BaseOffset(), 10),
			"base":   strconv.FormatUint(next.BaseOffset(), 10),
		},
	})
	return nil
}

// HighWatermark returns the next offset to be assigned. A tail
// subscription resumes from here.
func (l *Log) HighWatermark() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active.NextOffset()
}

// LowWatermark returns the smallest retained offset. Requests below it
// fail with ErrOffsetTrimmed.
func (l *Log) LowWatermark() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lowest
}

// Sync blocks until every append that has returned is on stable storage.
// This is the explicit durability barrier for callers that cannot accept
// the flush-interval loss window.
func (l *Log) Sync() error {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()
	return active.Sync()
}

// Flush pushes buffered appends into the OS without forcing a sync.
func (l *Log) Flush() error {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()
	return active.store.Flush()
}

// Segments returns a point-in-time view of all segments, oldest first.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make([]SegmentInfo, 0, len(l.segments))
	for _, s := range l.segments {
		infos = append(infos, SegmentInfo{
			BaseOffset:   s.BaseOffset(),
			NextOffset:   s.NextOffset(),
			SizeBytes:    s.Size(),
			Sealed:       s.Sealed(),
			MaxTimestamp: s.MaxTimestamp(),
			DataPath:     s.DataPath(),
			IndexPath:    s.IndexPath(),
		})
	}
	return infos
}

// SizeBytes returns the total data size across segments.
func (l *Log) SizeBytes() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, s := range l.segments {
		total += s.Size()
	}
	return total
}

// DropOldest removes the oldest segment, which must be sealed and must
// match the expected base offset (guarding against double enforcement).
// The low watermark advances before any file is unlinked.
func (l *Log) DropOldest(base uint64) error {
	l.mu.Lock()
	if len(l.segments) < 2 {
		l.mu.Unlock()
		return fmt.Errorf("refusing to drop the active segment of %s", l.dir)
	}
	oldest := l.segments[0]
	if oldest.BaseOffset() != base {
		l.mu.Unlock()
		return fmt.Errorf("oldest segment is %d, not %d", oldest.BaseOffset(), base)
	}
	if !oldest.Sealed() {
		l.mu.Unlock()
		return fmt.Errorf("segment %d is not sealed", base)
	}
	l.segments = l.segments[1:]
	l.lowest = l.segments[0].BaseOffset()
	l.mu.Unlock()

	// Outside the lock: Remove unlinks the files immediately but keeps
	// the handles open until readers that resolved this segment before
	// the swap have drained, so they finish cleanly against unlinked
	// data instead of hitting a closed or missing file.
	return oldest.Remove()
}

// Dir returns the log's directory.
func (l *Log) Dir() string { return l.dir }

// Close seals nothing but flushes and closes every segment.
func (l *Log) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	l.segments = nil
	l.active = nil
	return nil
}

// Remove closes the log and deletes its directory. Test and admin
// tooling only.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

func (l *Log) activeSegment() *Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}
