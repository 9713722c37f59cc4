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
	"sync"
	"testing"
)

func testLogConfig() Config {
	return Config{
		SegmentBytes:       1024,
		IndexIntervalBytes: 64,
	}
}

func TestLogAppendRead(t *testing.T) {
	l, err := Open(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	const n = 100
	for i := 0; i < n; i++ {
		off, err := l.Append([]byte(fmt.Sprintf("message-%04d", i)))
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if off != uint64(i) {
			t.Errorf("Expected offset %d, got %d", i, off)
		}
	}

	for i := 0; i < n; i++ {
		rec, err := l.Read(uint64(i))
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		want := fmt.Sprintf("message-%04d", i)
		if string(rec.Payload) != want {
			t.Errorf("Offset %d: expected %q, got %q", i, want, rec.Payload)
		}
	}

	if l.HighWatermark() != n {
		t.Errorf("Expected high watermark %d, got %d", n, l.HighWatermark())
	}
	if l.LowWatermark() != 0 {
		t.Errorf("Expected low watermark 0, got %d", l.LowWatermark())
	}
}

func TestLogReadOutOfRange(t *testing.T) {
	l, err := Open(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := l.Read(0); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Expected ErrOffsetOutOfRange on an empty log, got %v", err)
	}
	if _, err := l.Append([]byte("only one")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Read(1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Expected ErrOffsetOutOfRange past the tail, got %v", err)
	}
}

func TestLogRotationAcrossSegments(t *testing.T) {
	c := testLogConfig()
	c.SegmentBytes = 512
	l, err := Open(t.TempDir(), c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	const n = 3000
	payload := make([]byte, 32)
	for i := 0; i < n; i++ {
		copy(payload, fmt.Sprintf("r%d", i))
		if _, err := l.Append(payload); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	segs := l.Segments()
	if len(segs) < 3 {
		t.Fatalf("Expected multiple segments, got %d", len(segs))
	}
	// Contiguity across segment boundaries.
	for i := 1; i < len(segs); i++ {
		if segs[i-1].NextOffset != segs[i].BaseOffset {
			t.Errorf("Gap between segments: %d then %d",
				segs[i-1].NextOffset, segs[i].BaseOffset)
		}
	}
	// All but the last are sealed.
	for i, s := range segs {
		if i < len(segs)-1 && !s.Sealed {
			t.Errorf("Expected segment %d to be sealed", s.BaseOffset)
		}
	}

	// Reads on and around every boundary.
	for i := 1; i < len(segs); i++ {
		for _, off := range []uint64{segs[i].BaseOffset - 1, segs[i].BaseOffset} {
			rec, err := l.Read(off)
			if err != nil {
				t.Fatalf("Read %d at boundary failed: %v", off, err)
			}
			want := fmt.Sprintf("r%d", off)
			if !bytes.HasPrefix(rec.Payload, []byte(want)) {
				t.Errorf("Offset %d: expected prefix %q, got %q", off, want, rec.Payload[:8])
			}
		}
	}
	if l.HighWatermark() != n {
		t.Errorf("Expected high watermark %d, got %d", n, l.HighWatermark())
	}
}

func TestLogExplicitRotate(t *testing.T) {
	l, err := Open(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := l.Append([]byte("before")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	off, err := l.Append([]byte("after"))
	if err != nil {
		t.Fatalf("Append after rotate failed: %v", err)
	}
	if off != 1 {
		t.Errorf("Expected offset 1 after rotation, got %d", off)
	}

	segs := l.Segments()
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}
	if !segs[0].Sealed {
		t.Error("Expected the first segment to be sealed")
	}
	// Both sides of the rotation remain readable.
	for off, want := range map[uint64]string{0: "before", 1: "after"} {
		rec, err := l.Read(off)
		if err != nil {
			t.Fatalf("Read %d failed: %v", off, err)
		}
		if string(rec.Payload) != want {
			t.Errorf("Offset %d: expected %q, got %q", off, want, rec.Payload)
		}
	}
}

func TestLogReopenCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	c := testLogConfig()
	c.SegmentBytes = 512

	l, err := Open(dir, c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	const n = 200
	for i := 0; i < n; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("persisted-%d", i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l, err = Open(dir, c)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer l.Close()

	if l.HighWatermark() != n {
		t.Errorf("Expected high watermark %d after reopen, got %d", n, l.HighWatermark())
	}
	for i := 0; i < n; i++ {
		rec, err := l.Read(uint64(i))
		if err != nil {
			t.Fatalf("Read %d after reopen failed: %v", i, err)
		}
		want := fmt.Sprintf("persisted-%d", i)
		if string(rec.Payload) != want {
			t.Errorf("Offset %d: expected %q, got %q", i, want, rec.Payload)
		}
	}

	// Appends continue from where the previous process stopped.
	off, err := l.Append([]byte("next life"))
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if off != n {
		t.Errorf("Expected offset %d, got %d", n, off)
	}
}

func TestLogReopenTornTail(t *testing.T) {
	dir := t.TempDir()
	c := testLogConfig()

	l, err := Open(dir, c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	const n = 25
	for i := 0; i < n; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("survivor-%d", i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Tear the tail of the last segment file.
	segs, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var lastLog string
	for _, e := range segs {
		if len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".log" {
			lastLog = e.Name()
		}
	}
	f, err := os.OpenFile(dir+"/"+lastLog, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	torn := EncodeRecord([]byte("half a record that never hit disk completely"), 1)
	if _, err := f.Write(torn[:len(torn)-7]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	l, err = Open(dir, c)
	if err != nil {
		t.Fatalf("Reopen with torn tail failed: %v", err)
	}
	defer l.Close()

	if l.HighWatermark() != n {
		t.Errorf("Expected high watermark %d after torn-tail recovery, got %d", n, l.HighWatermark())
	}
	for i := 0; i < n; i++ {
		if _, err := l.Read(uint64(i)); err != nil {
			t.Errorf("Read %d after recovery failed: %v", i, err)
		}
	}
	if _, err := l.Read(n); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Expected ErrOffsetOutOfRange for the torn record, got %v", err)
	}
}

func TestLogDropOldest(t *testing.T) {
	c := testLogConfig()
	l, err := Open(t.TempDir(), c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("gen1-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("gen2-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	segs := l.Segments()
	if err := l.DropOldest(segs[0].BaseOffset); err != nil {
		t.Fatalf("DropOldest failed: %v", err)
	}

	if l.LowWatermark() != 10 {
		t.Errorf("Expected low watermark 10, got %d", l.LowWatermark())
	}
	if _, err := l.Read(5); !errors.Is(err, ErrOffsetTrimmed) {
		t.Errorf("Expected ErrOffsetTrimmed below the low watermark, got %v", err)
	}
	rec, err := l.Read(10)
	if err != nil {
		t.Fatalf("Read 10 failed: %v", err)
	}
	if string(rec.Payload) != "gen2-0" {
		t.Errorf("Expected %q, got %q", "gen2-0", rec.Payload)
	}

	// Segment files are gone from disk.
	if _, err := os.Stat(segs[0].DataPath); !os.IsNotExist(err) {
		t.Errorf("Expected data file removed, got %v", err)
	}
}

func TestLogDropOldestRefusesActive(t *testing.T) {
	l, err := Open(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := l.Append([]byte("keep me")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.DropOldest(0); err == nil {
		t.Error("Expected DropOldest to refuse the only (active) segment")
	}
}

func TestLogInitialOffset(t *testing.T) {
	c := testLogConfig()
	c.InitialOffset = 5000
	l, err := Open(t.TempDir(), c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	off, err := l.Append([]byte("starts high"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if off != 5000 {
		t.Errorf("Expected first offset 5000, got %d", off)
	}
	if l.LowWatermark() != 5000 {
		t.Errorf("Expected low watermark 5000, got %d", l.LowWatermark())
	}
}

func TestLogConcurrentReadsSurviveDropOldest(t *testing.T) {
	l, err := Open(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	// Twenty sealed generations of ten records each, plus an empty
	// active segment.
	const gens, perGen = 20, 10
	for g := 0; g < gens; g++ {
		for i := 0; i < perGen; i++ {
			if _, err := l.Append([]byte(fmt.Sprintf("g%02d-%d", g, i))); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		if err := l.Rotate(); err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}
	}

	// Readers hammer the range being trimmed. A read racing a drop may
	// see ErrOffsetTrimmed, never a closed-file or missing-file error,
	// and never a wrong payload.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for off := uint64(0); off < gens*perGen; off++ {
					rec, err := l.Read(off)
					if err != nil {
						if !errors.Is(err, ErrOffsetTrimmed) {
							t.Errorf("Read %d during retention: %v", off, err)
							return
						}
						continue
					}
					want := fmt.Sprintf("g%02d-%d", off/perGen, off%perGen)
					if string(rec.Payload) != want {
						t.Errorf("Offset %d: expected %q, got %q", off, want, rec.Payload)
						return
					}
				}
			}
		}()
	}

	for g := 0; g < gens; g++ {
		base := l.Segments()[0].BaseOffset
		if err := l.DropOldest(base); err != nil {
			t.Fatalf("DropOldest(%d) failed: %v", base, err)
		}
	}
	close(stop)
	wg.Wait()

	if l.LowWatermark() != gens*perGen {
		t.Errorf("Expected low watermark %d, got %d", gens*perGen, l.LowWatermark())
	}
}

func TestLogConcurrentReadersWhileWriting(t *testing.T) {
	c := testLogConfig()
	c.SegmentBytes = 2048
	l, err := Open(t.TempDir(), c)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	const total = 2000
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := l.Append([]byte(fmt.Sprintf("concurrent-%05d", i))); err != nil {
				t.Errorf("Append %d failed: %v", i, err)
				return
			}
		}
	}()

	// Readers chase the high watermark; every offset below it must read
	// back clean, never torn or corrupt.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var read uint64
			for read < total {
				hw := l.HighWatermark()
				for ; read < hw; read++ {
					rec, err := l.Read(read)
					if err != nil {
						t.Errorf("Read %d failed: %v", read, err)
						return
					}
					want := fmt.Sprintf("concurrent-%05d", read)
					if string(rec.Payload) != want {
						t.Errorf("Offset %d: expected %q, got %q", read, want, rec.Payload)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
