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
	"time"

	"driftlog/internal/crypto"
	"driftlog/internal/events"
)

// Flush policies. The policy decides when appended data reaches stable
// storage; see the package comment in store.go for the trade-off.
const (
	// FlushAlways syncs after every append (safest, slowest).
	FlushAlways = "always"

	// FlushInterval defers syncing to a periodic flush task (default).
	FlushInterval = "interval"

	// FlushNone syncs only on seal, rotation and close (fastest).
	FlushNone = "none"
)

// Config holds the tuning knobs of a Log.
type Config struct {
	// SegmentBytes is the maximum segment file size before rotation.
	// Default: 64MB.
	SegmentBytes uint64

	// IndexBytes is the pre-allocated size of each index sidecar.
	// Default: sized to hold one entry per IndexIntervalBytes of
	// SegmentBytes, with headroom.
	IndexBytes uint64

	// IndexIntervalBytes is the sparse sampling interval: one index
	// entry per this many bytes of segment data. Smaller means faster
	// reads and a bigger sidecar. Default: 4KB.
	IndexIntervalBytes uint64

	// MaxRecordBytes caps a single payload. Also the decode-side sanity
	// bound on header length fields. Default: 16MB.
	MaxRecordBytes uint32

	// InitialOffset is the first offset of a freshly created log.
	InitialOffset uint64

	// FlushPolicy is one of FlushAlways, FlushInterval, FlushNone.
	FlushPolicy string

	// WriteBufferBytes sizes the store's write buffer.
	WriteBufferBytes int

	// Now is the clock source for record timestamps. Defaults to
	// time.Now; tests substitute a fixed clock.
	Now func() time.Time

	// Encryptor, when set, encrypts payloads before framing and
	// decrypts them on read (at-rest encryption).
	Encryptor *crypto.Encryptor

	// Events receives operational events (recovery truncations,
	// rotations). Defaults to events.Discard.
	Events events.Sink
}

func (c Config) withDefaults() Config {
	if c.SegmentBytes == 0 {
		c.SegmentBytes = 64 * 1024 * 1024
	}
	if c.IndexIntervalBytes == 0 {
		c.IndexIntervalBytes = 4 * 1024
	}
	if c.IndexBytes == 0 {
		// One entry per interval, doubled so short records never
		// exhaust the sidecar before the store fills.
		entries := c.SegmentBytes/c.IndexIntervalBytes + 1
		c.IndexBytes = 2 * entries * entWidth
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = 16 * 1024 * 1024
	}
	if c.FlushPolicy == "" {
		c.FlushPolicy = FlushInterval
	}
	if c.WriteBufferBytes == 0 {
		c.WriteBufferBytes = 256 * 1024
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Events == nil {
		c.Events = events.Discard
	}
	return c
}
