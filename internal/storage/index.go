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
Index is the sparse, memory-mapped offset index sidecar of a segment.

PURPOSE:
========
The index maps logical offsets to byte positions in the segment file. It
is sparse: an entry is sampled roughly every IndexIntervalBytes of segment
data, not per record. A read binary-searches the index for the greatest
indexed offset at or below the target, then scans forward record by
record. The scan is bounded by the sampling interval, so the index trades
a small, tunable amount of read latency for an entry-per-record memory
footprint it would otherwise need.

INDEX ENTRY FORMAT:
===================
Each entry is 12 bytes:

	+--------------------------+---------------------+
	| Relative Offset (4 bytes)| Position (8 bytes)  |
	+--------------------------+---------------------+

Offsets are stored relative to the segment's base offset, which is what
lets them fit in 4 bytes. Segments rotate long before 4 billion records.

PRE-ALLOCATION AND RECOVERY:
============================
The sidecar file is pre-allocated to its maximum size and memory-mapped,
so writes are plain memory stores. After a crash the file still has its
pre-allocated length; the used prefix is recovered by binary-searching for
the first all-zero entry. A legitimately written entry is never all-zero
because the first record of a segment (relative offset 0, position 0) is
deliberately never indexed - floor lookups below the first entry fall back
to position 0 anyway.

If the recovered entries are not strictly increasing in both offset and
position the sidecar is considered inconsistent, discarded, and rebuilt by
the segment's recovery scan.
*/
package storage

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/tysonmote/gommap"
)

// Entry dimensions.
const (
	relWidth uint64 = 4
	posWidth uint64 = 8
	entWidth        = relWidth + posWidth // 12 bytes
)

// Index is a memory-mapped sparse index. A single writer appends entries
// while readers run floor lookups concurrently.
type Index struct {
	file *os.File
	mmap gommap.MMap

	mu sync.RWMutex

	// size is the number of used bytes (always a multiple of entWidth).
	size uint64

	// lastRel/lastPos mirror the final entry and enforce monotonicity.
	lastRel uint32
	lastPos uint64
}

// NewIndex opens or creates an index sidecar, pre-allocates it to
// maxBytes and maps it. An existing sidecar that fails validation comes
// back empty; the caller detects that via IsEmpty and rebuilds.
func NewIndex(f *os.File, maxBytes uint64) (*Index, error) {
	idx := &Index{file: f}

	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	savedSize := uint64(fi.Size())

	if err := os.Truncate(f.Name(), int64(maxBytes)); err != nil {
		return nil, err
	}

	if idx.mmap, err = gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
		return nil, err
	}

	idx.size = idx.recoverSize(savedSize, maxBytes)
	if !idx.validate() {
		idx.discard()
	}
	if idx.size > 0 {
		last := (idx.size - entWidth)
		idx.lastRel = enc.Uint32(idx.mmap[last : last+relWidth])
		idx.lastPos = enc.Uint64(idx.mmap[last+relWidth : last+entWidth])
	}
	return idx, nil
}

// recoverSize determines the used prefix of the mapped file. A cleanly
// closed sidecar was truncated to its exact size; a crashed one is still
// pre-allocated and gets a binary search for the first zero entry.
func (i *Index) recoverSize(savedSize, maxBytes uint64) uint64 {
	if savedSize < maxBytes && savedSize%entWidth == 0 {
		return savedSize
	}

	lo, hi := uint64(0), uint64(len(i.mmap))/entWidth
	for lo < hi {
		mid := (lo + hi) / 2
		if i.isZeroEntry(mid * entWidth) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo * entWidth
}

func (i *Index) isZeroEntry(pos uint64) bool {
	if pos+entWidth > uint64(len(i.mmap)) {
		return true
	}
	for j := pos; j < pos+entWidth; j++ {
		if i.mmap[j] != 0 {
			return false
		}
	}
	return true
}

// validate checks the strictly-increasing invariant over both fields.
func (i *Index) validate() bool {
	var prevRel uint32
	var prevPos uint64
	for pos, first := uint64(0), true; pos < i.size; pos, first = pos+entWidth, false {
		rel := enc.Uint32(i.mmap[pos : pos+relWidth])
		bytePos := enc.Uint64(i.mmap[pos+relWidth : pos+entWidth])
		if !first && (rel <= prevRel || bytePos <= prevPos) {
			return false
		}
		prevRel, prevPos = rel, bytePos
	}
	return true
}

// discard zeroes the used region and resets the index to empty. The
// segment rebuilds entries during its recovery scan.
func (i *Index) discard() {
	for j := uint64(0); j < i.size && j < uint64(len(i.mmap)); j++ {
		i.mmap[j] = 0
	}
	i.size = 0
	i.lastRel = 0
	i.lastPos = 0
}

// Reset empties the index so a recovery scan can rebuild it.
func (i *Index) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.discard()
}

// Record appends an entry mapping a relative offset to a byte position.
//
// Entries must be strictly increasing in both fields; a non-monotonic
// entry is silently ignored, which keeps the single-writer append path
// free of error handling for a situation that cannot legitimately arise.
// Returns io.EOF when the pre-allocated sidecar is full - the caller
// simply stops sampling, it is not a failure.
func (i *Index) Record(rel uint32, pos uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.size > 0 && (rel <= i.lastRel || pos <= i.lastPos) {
		return nil
	}
	if uint64(len(i.mmap)) < i.size+entWidth {
		return io.EOF
	}
	enc.PutUint32(i.mmap[i.size:i.size+relWidth], rel)
	enc.PutUint64(i.mmap[i.size+relWidth:i.size+entWidth], pos)
	i.size += entWidth
	i.lastRel = rel
	i.lastPos = pos
	return nil
}

// LookupFloor returns the entry with the greatest relative offset <= rel.
// ok is false when no entry qualifies; the caller then scans from the
// start of the segment (relative offset 0, position 0).
func (i *Index) LookupFloor(rel uint32) (floorRel uint32, pos uint64, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := int(i.size / entWidth)
	if n == 0 {
		return 0, 0, false
	}
	// First entry strictly greater than rel; floor is the one before it.
	idx := sort.Search(n, func(k int) bool {
		e := uint64(k) * entWidth
		return enc.Uint32(i.mmap[e:e+relWidth]) > rel
	})
	if idx == 0 {
		return 0, 0, false
	}
	e := uint64(idx-1) * entWidth
	return enc.Uint32(i.mmap[e : e+relWidth]), enc.Uint64(i.mmap[e+relWidth : e+entWidth]), true
}

// IsEmpty reports whether the index holds no entries.
func (i *Index) IsEmpty() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size == 0
}

// IsFull reports whether the pre-allocated sidecar has no room left.
func (i *Index) IsFull() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return uint64(len(i.mmap)) < i.size+entWidth
}

// Sync flushes the mapped region and file metadata to disk.
func (i *Index) Sync() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return i.file.Sync()
}

// Close syncs the index and truncates the sidecar to its used size so the
// next open can trust the file length.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

// Name returns the path of the sidecar file.
func (i *Index) Name() string {
	return i.file.Name()
}
