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
Package events records operational events of the log engine.

OVERVIEW:
=========
The engine journals the storage-lifecycle events an operator cares about
after the fact: torn-tail truncations during recovery, segment rotations,
retention deletions and archive uploads. Events are JSON-encoded, one per
line, in an append-only journal file, so they survive restarts and can be
processed with standard line tooling.

The journal is strictly informational. A write failure is logged by the
caller and never propagates into the append or read paths.
*/
package events

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an operational event.
type Type string

const (
	// EventRecoveryTruncate records a torn tail dropped during recovery.
	EventRecoveryTruncate Type = "recovery.truncate"

	// EventSegmentRotate records a segment seal + successor creation.
	EventSegmentRotate Type = "segment.rotate"

	// EventRetentionDelete records a segment removed by retention.
	EventRetentionDelete Type = "retention.delete"

	// EventRetentionArchive records a segment uploaded to object storage.
	EventRetentionArchive Type = "retention.archive"
)

// Event is a single journal entry.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"type"`
	Log       string            `json:"log"`               // topic-partition directory name
	Details   map[string]string `json:"details,omitempty"` // event-specific fields
}

// Sink receives events. The storage and retention layers emit through
// this interface so they never depend on the journal's persistence.
type Sink interface {
	Emit(e Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Journal is a file-backed Sink.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	now  func() time.Time
}

// OpenJournal opens (or creates) the journal file in append mode.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{
		file: f,
		buf:  bufio.NewWriter(f),
		now:  time.Now,
	}, nil
}

// Emit assigns the event an ID and timestamp and appends it. Errors are
// swallowed on purpose: the journal must never fail a storage operation.
func (j *Journal) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.buf.Write(line); err != nil {
		return
	}
	_ = j.buf.WriteByte('\n')
	_ = j.buf.Flush()
}

// Query returns journaled events matching the filter, oldest first.
func (j *Journal) Query(filter Filter) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(j.file.Name())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // skip torn or foreign lines
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Type  Type
	Log   string
	Since time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Log != "" && e.Log != f.Log {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
