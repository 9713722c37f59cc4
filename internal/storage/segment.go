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
Segment combines a store and a sparse index for one slice of the log.

CONCEPT:
========
A segment covers the contiguous offset range [baseOffset, nextOffset) and
is backed by two files named after the base offset:

	00000000000000000000.log    - record frames, end to end
	00000000000000000000.index  - sparse offset index sidecar

Zero-padding to 20 digits makes lexicographic order equal numeric order,
so a directory listing already yields segments oldest first.

LIFECYCLE:
==========

	active --(size threshold)--> sealed --(retention)--> deleted

Exactly one segment per log is active; it is the only one accepting
appends. Sealing makes the segment immutable, which is what lets readers
touch it without any coordination, and makes it eligible for retention.

READ PATH:
==========
A read locates the greatest indexed offset at or below the target, then
scans forward decoding record headers until it lands on the target. The
scan is bounded by the index sampling interval.

WRITER DISCIPLINE:
==================
Append is called by a single writer (the log serializes producers).
Readers run concurrently against the atomic nextOffset bound and
positioned store reads; they never take the writer's path.
*/
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Segment manages one store + index pair.
type Segment struct {
	store *Store
	index *Index

	baseOffset uint64

	// nextOffset is the offset the next append will take. Readers load
	// it to bound their range checks, so it is published only after the
	// record is fully readable.
	nextOffset atomic.Uint64

	// sealed flips once, active -> immutable.
	sealed atomic.Bool

	// maxTimestamp is the newest record timestamp (unix ns); retention
	// uses it to decide whether the whole offset range is stale.
	maxTimestamp atomic.Int64

	// bytesSinceIndex accumulates frame bytes since the last sampled
	// index entry. Writer-only.
	bytesSinceIndex uint64

	// readers counts in-flight reads. Removal unlinks the files
	// immediately but closes the handles only after this drains, so a
	// reader that resolved the segment before the drop finishes cleanly.
	readers sync.WaitGroup

	createdAt time.Time
	config    Config
}

func segmentDataPath(dir string, baseOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log", baseOffset))
}

func segmentIndexPath(dir string, baseOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.index", baseOffset))
}

// newSegment opens or creates the segment starting at baseOffset. For an
// existing segment the caller must run recover before serving reads.
func newSegment(dir string, baseOffset uint64, c Config) (*Segment, error) {
	s := &Segment{
		baseOffset: baseOffset,
		config:     c,
	}
	s.nextOffset.Store(baseOffset)

	dataPath := segmentDataPath(dir, baseOffset)
	fi, err := os.Stat(dataPath)
	switch {
	case err == nil:
		s.createdAt = fi.ModTime()
	case os.IsNotExist(err):
		s.createdAt = c.Now()
	default:
		return nil, err
	}

	storeFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if s.store, err = NewStore(storeFile, c.WriteBufferBytes); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(segmentIndexPath(dir, baseOffset), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if s.index, err = NewIndex(indexFile, c.IndexBytes); err != nil {
		return nil, err
	}
	return s, nil
}

// Append frames the payload and writes it at the tail.
//
// Returns ErrSegmentFull once the configured size threshold would be
// crossed; the log reacts by sealing this segment and rotating. A frame
// larger than the threshold is still accepted into an empty segment so an
// oversized-but-legal record cannot wedge the log.
//
// Under FlushAlways a failed sync returns both the assigned offset and
// the error: the record was written and published before the sync ran,
// so the caller must not treat the append as never-happened.
func (s *Segment) Append(payload []byte) (off uint64, n uint64, err error) {
	if s.sealed.Load() {
		return 0, 0, ErrSegmentSealed
	}

	maxPayload := s.config.MaxRecordBytes
	if s.config.Encryptor != nil {
		maxPayload -= uint32(s.config.Encryptor.Overhead())
	}
	if uint64(len(payload)) > uint64(maxPayload) {
		return 0, 0, ErrRecordTooLarge
	}

	data := payload
	if s.config.Encryptor != nil {
		if data, err = s.config.Encryptor.Encrypt(payload); err != nil {
			return 0, 0, err
		}
	}

	frame := EncodeRecord(data, s.config.Now().UnixNano())
	if size := s.store.Size(); size > 0 && size+uint64(len(frame)) > s.config.SegmentBytes {
		return 0, 0, ErrSegmentFull
	}

	n, pos, err := s.store.Append(frame)
	if err != nil {
		return 0, 0, err
	}

	off = s.nextOffset.Load()
	rel := off - s.baseOffset

	s.bytesSinceIndex += n
	if rel > 0 && s.bytesSinceIndex >= s.config.IndexIntervalBytes {
		// io.EOF from a full sidecar just means sampling stops early.
		if err := s.index.Record(uint32(rel), pos); err == nil {
			s.bytesSinceIndex = 0
		}
	}

	ts := int64(enc.Uint64(frame[verWidth+crcWidth:]))
	if ts > s.maxTimestamp.Load() {
		s.maxTimestamp.Store(ts)
	}

	// Publish: from here readers may request this offset.
	s.nextOffset.Store(off + 1)

	if s.config.FlushPolicy == FlushAlways {
		if err := s.store.Sync(); err != nil {
			// The record is already published and readable; report the
			// assigned offset with the error so the caller does not
			// re-append what is now in the log.
			return off, n, err
		}
	}
	return off, n, nil
}

// Read returns the record at the given absolute offset.
func (s *Segment) Read(off uint64) (Record, error) {
	if off < s.baseOffset || off >= s.nextOffset.Load() {
		return Record{}, ErrOffsetNotFound
	}
	rel := off - s.baseOffset

	var cur, pos uint64
	if floorRel, floorPos, ok := s.index.LookupFloor(uint32(rel)); ok {
		cur, pos = uint64(floorRel), floorPos
	}

	hdr := make([]byte, headerWidth)
	for {
		if _, err := s.store.ReadAt(hdr, int64(pos)); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return Record{}, ErrOffsetNotFound
			}
			return Record{}, err
		}
		ts, size, crc, err := decodeHeader(hdr, s.config.MaxRecordBytes)
		if err != nil {
			// A sealed, previously flushed region with a broken
			// header means media or logic fault, not a torn tail.
			return Record{}, fmt.Errorf("%w: bad header at %s pos %d", ErrCorruptRecord, s.store.Name(), pos)
		}

		if cur == rel {
			payload := make([]byte, size)
			if _, err := s.store.ReadAt(payload, int64(pos)+headerWidth); err != nil {
				return Record{}, err
			}
			if checksumParts(hdr, payload) != crc {
				return Record{}, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptRecord, off)
			}
			if s.config.Encryptor != nil {
				if payload, err = s.config.Encryptor.Decrypt(payload); err != nil {
					return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
				}
			}
			return Record{Offset: off, Timestamp: ts, Payload: payload}, nil
		}

		pos += headerWidth + uint64(size)
		cur++
	}
}

// recover walks the segment file from byte zero, counting records and
// rebuilding the sparse index.
//
// For the tail segment (tail=true) every checksum is verified and the
// first invalid or partial record is treated as a crash-torn tail: the
// file is truncated there and the dropped byte count returned. That is an
// expected crash artifact, not an error.
//
// For sealed segments only headers are walked; payload checksums are
// verified lazily on first read. A broken header in a sealed segment IS
// an error, since that region was flushed long ago.
func (s *Segment) recover(tail bool) (dropped uint64, err error) {
	size := s.store.Size()
	s.index.Reset()

	var pos, count, sinceIdx uint64
	var maxTs int64
	hdr := make([]byte, headerWidth)

	for pos < size {
		if pos+headerWidth > size {
			break // partial header
		}
		if _, err := s.store.ReadAt(hdr, int64(pos)); err != nil {
			return 0, err
		}
		ts, recSize, crc, derr := decodeHeader(hdr, s.config.MaxRecordBytes)
		if derr != nil {
			if tail {
				break // torn tail
			}
			return 0, fmt.Errorf("%w: %s pos %d", ErrCorruptRecord, s.store.Name(), pos)
		}
		frameLen := headerWidth + uint64(recSize)
		if pos+frameLen > size {
			if tail {
				break // partial payload
			}
			return 0, fmt.Errorf("%w: truncated record in sealed segment %s", ErrCorruptRecord, s.store.Name())
		}
		if tail {
			payload := make([]byte, recSize)
			if _, err := s.store.ReadAt(payload, int64(pos)+headerWidth); err != nil {
				return 0, err
			}
			if checksumParts(hdr, payload) != crc {
				break // torn tail
			}
		}

		// Re-sample the index with the same rule Append uses.
		sinceIdx += frameLen
		if count > 0 && sinceIdx >= s.config.IndexIntervalBytes {
			if err := s.index.Record(uint32(count), pos); err == nil {
				sinceIdx = 0
			}
		}
		if ts > maxTs {
			maxTs = ts
		}
		pos += frameLen
		count++
	}

	if tail && pos < size {
		dropped = size - pos
		if err := s.store.Truncate(pos); err != nil {
			return 0, err
		}
	}

	s.nextOffset.Store(s.baseOffset + count)
	s.bytesSinceIndex = sinceIdx
	s.maxTimestamp.Store(maxTs)
	return dropped, nil
}

// Seal makes the segment immutable. Pending data and the index are forced
// to stable storage first, so a sealed segment is also a durable one.
func (s *Segment) Seal() error {
	if s.sealed.Load() {
		return nil
	}
	if err := s.store.Sync(); err != nil {
		return err
	}
	if err := s.index.Sync(); err != nil {
		return err
	}
	s.sealed.Store(true)
	return nil
}

// Sync forces buffered appends to stable storage.
func (s *Segment) Sync() error {
	return s.store.Sync()
}

// Close closes both files. Index first so its truncate-to-size happens
// even if the store close fails.
func (s *Segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// Remove deletes the segment's files. The files are unlinked while the
// handles stay open, so in-flight reads keep working against the
// unlinked data; the handles are closed once those reads drain. Only
// sealed segments are removed in normal operation; the caller enforces
// that, and also guarantees no new reader can resolve this segment.
func (s *Segment) Remove() error {
	if err := os.Remove(s.index.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.store.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.readers.Wait()
	return s.Close()
}

// BaseOffset returns the first offset of the segment.
func (s *Segment) BaseOffset() uint64 { return s.baseOffset }

// NextOffset returns the offset the next append would take.
func (s *Segment) NextOffset() uint64 { return s.nextOffset.Load() }

// Size returns the segment data size in bytes.
func (s *Segment) Size() uint64 { return s.store.Size() }

// Sealed reports whether the segment is immutable.
func (s *Segment) Sealed() bool { return s.sealed.Load() }

// MaxTimestamp returns the newest record timestamp in unix nanoseconds,
// or zero for an empty segment.
func (s *Segment) MaxTimestamp() int64 { return s.maxTimestamp.Load() }

// CreatedAt returns when the segment file came into existence.
func (s *Segment) CreatedAt() time.Time { return s.createdAt }

// DataPath and IndexPath expose the backing file locations for archival
// and inspection tooling.
func (s *Segment) DataPath() string  { return s.store.Name() }
func (s *Segment) IndexPath() string { return s.index.Name() }
