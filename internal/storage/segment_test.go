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

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSegmentConfig() Config {
	return Config{
		SegmentBytes:       4096,
		IndexIntervalBytes: 64,
	}.withDefaults()
}

func TestNewSegmentCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	if seg.BaseOffset() != 0 {
		t.Errorf("Expected baseOffset 0, got %d", seg.BaseOffset())
	}
	if seg.NextOffset() != 0 {
		t.Errorf("Expected nextOffset 0, got %d", seg.NextOffset())
	}
	if _, err := os.Stat(filepath.Join(dir, "00000000000000000000.log")); err != nil {
		t.Error("Data file not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "00000000000000000000.index")); err != nil {
		t.Error("Index file not created")
	}
}

func TestSegmentAppendAndRead(t *testing.T) {
	seg, err := newSegment(t.TempDir(), 100, testSegmentConfig())
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	payloads := [][]byte{
		[]byte("first message"),
		[]byte("second message"),
		[]byte("third message"),
	}
	for i, p := range payloads {
		off, _, err := seg.Append(p)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if off != 100+uint64(i) {
			t.Errorf("Expected offset %d, got %d", 100+i, off)
		}
	}
	if seg.NextOffset() != 103 {
		t.Errorf("Expected nextOffset 103, got %d", seg.NextOffset())
	}

	for i, p := range payloads {
		rec, err := seg.Read(100 + uint64(i))
		if err != nil {
			t.Fatalf("Read %d failed: %v", 100+i, err)
		}
		if !bytes.Equal(rec.Payload, p) {
			t.Errorf("Offset %d: expected %q, got %q", 100+i, p, rec.Payload)
		}
		if rec.Offset != 100+uint64(i) {
			t.Errorf("Expected record offset %d, got %d", 100+i, rec.Offset)
		}
		if rec.Timestamp == 0 {
			t.Errorf("Offset %d: expected a non-zero timestamp", 100+i)
		}
	}

	if _, err := seg.Read(99); !errors.Is(err, ErrOffsetNotFound) {
		t.Errorf("Expected ErrOffsetNotFound below base, got %v", err)
	}
	if _, err := seg.Read(103); !errors.Is(err, ErrOffsetNotFound) {
		t.Errorf("Expected ErrOffsetNotFound past tail, got %v", err)
	}
}

func TestSegmentFull(t *testing.T) {
	c := testSegmentConfig()
	c.SegmentBytes = 128
	seg, err := newSegment(t.TempDir(), 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	payload := make([]byte, 40)
	var appended int
	for {
		_, _, err := seg.Append(payload)
		if errors.Is(err, ErrSegmentFull) {
			break
		}
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		appended++
		if appended > 100 {
			t.Fatal("Segment never reported full")
		}
	}
	if appended == 0 {
		t.Error("Expected at least one append before full")
	}
}

func TestSegmentAcceptsOversizedFrameWhenEmpty(t *testing.T) {
	c := testSegmentConfig()
	c.SegmentBytes = 64
	seg, err := newSegment(t.TempDir(), 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	// Larger than the segment threshold but within MaxRecordBytes.
	big := make([]byte, 200)
	off, _, err := seg.Append(big)
	if err != nil {
		t.Fatalf("Expected oversized record to land in an empty segment: %v", err)
	}
	if off != 0 {
		t.Errorf("Expected offset 0, got %d", off)
	}
	if _, _, err := seg.Append([]byte("next")); !errors.Is(err, ErrSegmentFull) {
		t.Errorf("Expected ErrSegmentFull after oversized record, got %v", err)
	}
}

func TestSegmentRejectsTooLargeRecord(t *testing.T) {
	c := testSegmentConfig()
	c.MaxRecordBytes = 100
	seg, err := newSegment(t.TempDir(), 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	if _, _, err := seg.Append(make([]byte, 101)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Expected ErrRecordTooLarge, got %v", err)
	}
	if _, _, err := seg.Append(make([]byte, 100)); err != nil {
		t.Errorf("Expected max-size record to succeed, got %v", err)
	}
}

func TestSegmentAppendReturnsOffsetOnSyncFailure(t *testing.T) {
	c := testSegmentConfig()
	c.FlushPolicy = FlushAlways
	seg, err := newSegment(t.TempDir(), 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}

	if _, _, err := seg.Append([]byte("durable")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Append buffers without touching the file, so closing the handle
	// makes the write succeed and the sync fail.
	if err := seg.store.File.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	off, _, err := seg.Append([]byte("published but not synced"))
	if err == nil {
		t.Fatal("Expected sync error, got nil")
	}
	if off != 1 {
		t.Errorf("Expected assigned offset 1 alongside the error, got %d", off)
	}
	if seg.NextOffset() != 2 {
		t.Errorf("Expected nextOffset 2, got %d", seg.NextOffset())
	}
}

func TestSegmentSealRejectsAppends(t *testing.T) {
	seg, err := newSegment(t.TempDir(), 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	if _, _, err := seg.Append([]byte("before seal")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !seg.Sealed() {
		t.Error("Expected segment to report sealed")
	}
	if _, _, err := seg.Append([]byte("after seal")); !errors.Is(err, ErrSegmentSealed) {
		t.Errorf("Expected ErrSegmentSealed, got %v", err)
	}
	// Reads still work.
	if _, err := seg.Read(0); err != nil {
		t.Errorf("Read after seal failed: %v", err)
	}
}

func TestSegmentRecoverCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	c := testSegmentConfig()

	seg, err := newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if _, _, err := seg.Append([]byte(fmt.Sprintf("record-%03d", i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	seg, err = newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer seg.Close()
	dropped, err := seg.recover(true)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if dropped != 0 {
		t.Errorf("Expected no dropped bytes, got %d", dropped)
	}
	if seg.NextOffset() != n {
		t.Errorf("Expected nextOffset %d, got %d", n, seg.NextOffset())
	}
	for i := 0; i < n; i++ {
		rec, err := seg.Read(uint64(i))
		if err != nil {
			t.Fatalf("Read %d after recovery failed: %v", i, err)
		}
		want := fmt.Sprintf("record-%03d", i)
		if string(rec.Payload) != want {
			t.Errorf("Offset %d: expected %q, got %q", i, want, rec.Payload)
		}
	}
}

func TestSegmentRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	c := testSegmentConfig()

	seg, err := newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	const n = 10
	for i := 0; i < n; i++ {
		if _, _, err := seg.Append([]byte(fmt.Sprintf("record-%d", i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-write: append half a frame.
	dataPath := segmentDataPath(dir, 0)
	f, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	torn := EncodeRecord([]byte("never fully written"), 1)
	if _, err := f.Write(torn[:len(torn)/2]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	seg, err = newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer seg.Close()
	dropped, err := seg.recover(true)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if dropped == 0 {
		t.Error("Expected dropped bytes for the torn tail")
	}
	if seg.NextOffset() != n {
		t.Errorf("Expected nextOffset %d after truncation, got %d", n, seg.NextOffset())
	}

	// The segment accepts appends again at the recovered offset.
	off, _, err := seg.Append([]byte("after recovery"))
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if off != n {
		t.Errorf("Expected offset %d, got %d", n, off)
	}
}

func TestSegmentRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := testSegmentConfig()

	seg, err := newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, _, err := seg.Append([]byte("steady")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	seg.Close()

	for round := 0; round < 3; round++ {
		seg, err = newSegment(dir, 0, c)
		if err != nil {
			t.Fatalf("Reopen %d failed: %v", round, err)
		}
		dropped, err := seg.recover(true)
		if err != nil {
			t.Fatalf("recover %d failed: %v", round, err)
		}
		if dropped != 0 {
			t.Errorf("Round %d: expected no dropped bytes, got %d", round, dropped)
		}
		if seg.NextOffset() != 20 {
			t.Errorf("Round %d: expected nextOffset 20, got %d", round, seg.NextOffset())
		}
		seg.Close()
	}
}

func TestSegmentRecoverSealedRejectsBadHeader(t *testing.T) {
	dir := t.TempDir()
	c := testSegmentConfig()

	seg, err := newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	if _, _, err := seg.Append([]byte("one good record")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	seg.Close()

	// Append garbage; a sealed segment must refuse it, not truncate.
	f, err := os.OpenFile(segmentDataPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.Write(bytes.Repeat([]byte{0xFF}, headerWidth+8)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	seg, err = newSegment(dir, 0, c)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer seg.Close()
	if _, err := seg.recover(false); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord for a corrupt sealed segment, got %v", err)
	}
}

func TestSegmentMaxTimestampTracksNewest(t *testing.T) {
	// Deterministic clock through the Config.Now hook.
	c := testSegmentConfig()
	ts := int64(1000)
	c.Now = func() time.Time { return time.Unix(0, ts) }
	seg, err := newSegment(t.TempDir(), 0, c)
	if err != nil {
		t.Fatalf("newSegment failed: %v", err)
	}
	defer seg.Close()

	for i := 0; i < 5; i++ {
		ts += 10
		if _, _, err := seg.Append([]byte("tick")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if seg.MaxTimestamp() != 1050 {
		t.Errorf("Expected max timestamp 1050, got %d", seg.MaxTimestamp())
	}
}
