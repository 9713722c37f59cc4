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

package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	return j, path
}

func TestJournalEmitAndQuery(t *testing.T) {
	j, _ := newTestJournal(t)
	defer j.Close()

	j.Emit(Event{Type: EventSegmentRotate, Log: "orders-0"})
	j.Emit(Event{Type: EventRetentionDelete, Log: "orders-0"})
	j.Emit(Event{Type: EventSegmentRotate, Log: "orders-1"})

	all, err := j.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	for i, e := range all {
		if e.ID == "" {
			t.Errorf("Event %d: expected an assigned ID", i)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("Event %d: expected an assigned timestamp", i)
		}
	}

	rotations, err := j.Query(Filter{Type: EventSegmentRotate})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rotations) != 2 {
		t.Errorf("Expected 2 rotation events, got %d", len(rotations))
	}

	orders0, err := j.Query(Filter{Log: "orders-0"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(orders0) != 2 {
		t.Errorf("Expected 2 events for orders-0, got %d", len(orders0))
	}
}

func TestJournalQuerySince(t *testing.T) {
	j, _ := newTestJournal(t)
	defer j.Close()

	old := Event{Type: EventRecoveryTruncate, Log: "a-0",
		Timestamp: time.Now().Add(-time.Hour)}
	j.Emit(old)
	j.Emit(Event{Type: EventRecoveryTruncate, Log: "a-0"})

	recent, err := j.Query(Filter{Since: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("Expected 1 recent event, got %d", len(recent))
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	j, path := newTestJournal(t)
	j.Emit(Event{Type: EventSegmentRotate, Log: "persist-0",
		Details: map[string]string{"base": "100"}})
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer j.Close()
	j.Emit(Event{Type: EventSegmentRotate, Log: "persist-0"})

	got, err := j.Query(Filter{Log: "persist-0"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events across restarts, got %d", len(got))
	}
	if got[0].Details["base"] != "100" {
		t.Errorf("Expected detail base=100, got %q", got[0].Details["base"])
	}
}

func TestJournalSkipsTornLines(t *testing.T) {
	j, path := newTestJournal(t)
	j.Emit(Event{Type: EventSegmentRotate, Log: "x-0"})
	j.Close()

	// A crash mid-write leaves a partial line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString(`{"id":"torn","ty`); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer j.Close()

	got, err := j.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected the torn line skipped, got %d events", len(got))
	}
}

func TestDiscardSink(t *testing.T) {
	// Must not panic and must accept anything.
	Discard.Emit(Event{Type: EventRetentionArchive})
}
