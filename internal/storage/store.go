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
Package storage implements the durable log engine for driftlog.

ARCHITECTURE OVERVIEW:
======================
The package provides append-only, log-structured storage in four layers:

1. Record codec - checksummed on-disk framing (record.go)
2. Store - low-level append-only file with buffered writes (this file)
3. Index - sparse memory-mapped offset-to-position index (index.go)
4. Segment - one store + index pair covering a contiguous offset range
5. Log - the ordered sequence of segments for one topic partition

DURABILITY MODEL:
=================
Appends land in a user-space write buffer and are NOT synced to stable
storage on every call. Durability is a policy decision made above the
store: "always" syncs after each append, "interval" relies on a periodic
flush task, "none" syncs only on seal/close. The worst-case loss window is
bounded by the flush cadence; callers needing a hard guarantee use Sync.

CONCURRENCY MODEL:
==================
Single writer, many readers. The writer only ever extends the file - no
byte that a reader can see is ever rewritten - so positioned reads may run
concurrently with an in-flight append. The mutex protects the write buffer
and the size counter, not the data path of readers.
*/
package storage

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
)

// enc is the byte order for all on-disk integers. Big-endian matches
// network byte order and every other store in this lineage.
var enc = binary.BigEndian

// Store wraps a file with buffered appends and positioned reads.
//
// FILE FORMAT:
// The file is a sequence of codec frames laid end to end:
//
//	[header1][payload1][header2][payload2]...
//
// The store itself is frame-agnostic; it moves opaque byte slices. The
// segment is responsible for handing it complete frames.
type Store struct {
	// File is the underlying handle. Exported for positioned reads by
	// recovery scans and the inspection tooling.
	File *os.File

	// mu protects buf and size. Readers take it only long enough to
	// flush pending buffered bytes into the file.
	mu sync.RWMutex

	// buf batches small appends into larger writes.
	buf *bufio.Writer

	// size is the current logical file size, i.e. the position the next
	// append lands at. Kept in memory to avoid stat calls.
	size uint64
}

// NewStore wraps an open file. bufferBytes sizes the write buffer; zero
// picks a default large enough for typical record batches.
func NewStore(f *os.File, bufferBytes int) (*Store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	if bufferBytes <= 0 {
		bufferBytes = 256 * 1024
	}
	return &Store{
		File: f,
		size: uint64(fi.Size()),
		buf:  bufio.NewWriterSize(f, bufferBytes),
	}, nil
}

// Append writes a complete frame at the end of the file and returns the
// number of bytes written and the position the frame starts at.
//
// The frame goes into the write buffer only. Whether and when it reaches
// stable storage is decided by the flush policy layered above.
func (s *Store) Append(frame []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size
	w, err := s.buf.Write(frame)
	if err != nil {
		return 0, 0, err
	}
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// ReadAt fills p from the file starting at off. Pending buffered writes
// are flushed first so a reader chasing the tail sees every append that
// already returned.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	if s.buf.Buffered() > 0 {
		if err := s.buf.Flush(); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.File.ReadAt(p, off)
}

// Flush moves buffered bytes into the OS page cache without forcing them
// to stable storage.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Sync flushes the buffer and forces the data to stable storage. On Linux
// this is fdatasync; elsewhere a full fsync.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return datasync(s.File)
}

// Truncate discards everything past n bytes. Used by recovery to drop a
// torn tail; never called while appends are in flight.
func (s *Store) Truncate(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Truncate(int64(n)); err != nil {
		return err
	}
	s.size = n
	return nil
}

// Size returns the current logical size in bytes, including bytes still
// sitting in the write buffer.
func (s *Store) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close flushes, syncs and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := datasync(s.File); err != nil {
		return err
	}
	return s.File.Close()
}

// Name returns the path of the underlying file.
func (s *Store) Name() string {
	return s.File.Name()
}
