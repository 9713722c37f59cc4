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
Package retention enforces how much history each log keeps.

POLICY:
=======
Two independent limits, either of which marks the oldest sealed segment
for removal:

  - AGE: every record in the segment is older than MaxAge. The check uses
    the segment's newest record timestamp, so a segment is never removed
    while any record in it is still young enough.
  - SIZE: the log's total data size exceeds MaxTotalBytes. Oldest sealed
    segments go first until the log fits.

The active segment is never touched, whatever the limits say; an
over-limit log with a single segment simply waits for the next rotation.

Granularity is the segment: records are removed a whole segment at a
time, which keeps enforcement to a handful of file unlinks with no data
rewriting. Readers below the new low watermark get ErrOffsetTrimmed.

ARCHIVAL:
=========
With an Archiver configured, a segment is uploaded before it is deleted.
An upload failure skips the deletion; the segment stays on disk and the
next cycle retries. Deletion never outruns archival.
*/
package retention

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"driftlog/internal/events"
	"driftlog/internal/logging"
	"driftlog/internal/metrics"
	"driftlog/internal/storage"
)

// Config tunes the retention manager.
type Config struct {
	// MaxAge removes sealed segments whose newest record is older than
	// this. Zero disables the age limit.
	MaxAge time.Duration

	// MaxTotalBytes removes oldest sealed segments while a log's data
	// exceeds this. Zero disables the size limit.
	MaxTotalBytes uint64

	// Interval is the enforcement cadence. Default: one minute.
	Interval time.Duration

	// Now is the clock source; tests substitute a fixed one.
	Now func() time.Time
}

// Manager periodically applies the retention policy to every log the
// source yields.
type Manager struct {
	config   Config
	source   func() []*storage.Log
	archiver Archiver
	sink     events.Sink
	reg      *metrics.Registry
	logger   *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a retention manager. source is called once per cycle
// and must return the current set of open logs. archiver and reg may be
// nil; sink may be nil for no journaling.
func NewManager(c Config, source func() []*storage.Log, archiver Archiver, sink events.Sink, reg *metrics.Registry) *Manager {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		config:   c,
		source:   source,
		archiver: archiver,
		sink:     sink,
		reg:      reg,
		logger:   logging.NewLogger("retention"),
	}
}

// Start launches the enforcement loop. Stop (or the parent context) ends
// it.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Enforce(ctx)
			}
		}
	}()
	m.logger.Info("Retention manager started",
		"interval", m.config.Interval.String(),
		"max_age", m.config.MaxAge.String(),
		"max_total_bytes", m.config.MaxTotalBytes)
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Enforce runs one enforcement cycle over every log. Errors are logged
// and skipped; the remaining logs still get their turn.
func (m *Manager) Enforce(ctx context.Context) {
	for _, l := range m.source() {
		if ctx.Err() != nil {
			return
		}
		if err := m.enforceLog(ctx, l); err != nil {
			m.logger.Error("Retention cycle failed", "dir", l.Dir(), "error", err)
		}
	}
}

// enforceLog drops oldest sealed segments until the log satisfies both
// limits. The segment snapshot is re-read after every drop so the size
// accounting stays honest.
func (m *Manager) enforceLog(ctx context.Context, l *storage.Log) error {
	for {
		segs := l.Segments()
		if len(segs) < 2 {
			return nil
		}
		oldest := segs[0]
		if !oldest.Sealed {
			return nil
		}
		if !m.expired(oldest, l.SizeBytes()) {
			return nil
		}

		logName := filepath.Base(l.Dir())
		if m.archiver != nil {
			if err := m.archiver.ArchiveSegment(ctx, logName, oldest); err != nil {
				if m.reg != nil {
					m.reg.ArchiveFailuresTotal.WithLabelValues(logName).Inc()
				}
				m.logger.Warn("Archive upload failed, keeping segment",
					"dir", l.Dir(), "segment", oldest.BaseOffset, "error", err)
				return nil
			}
			if m.reg != nil {
				m.reg.ArchiveUploadsTotal.WithLabelValues(logName).Inc()
			}
			m.sink.Emit(events.Event{
				Type: events.EventRetentionArchive,
				Log:  logName,
				Details: map[string]string{
					"segment": strconv.FormatUint(oldest.BaseOffset, 10),
					"bytes":   strconv.FormatUint(oldest.SizeBytes, 10),
				},
			})
		}

		if err := l.DropOldest(oldest.BaseOffset); err != nil {
			return err
		}
		if m.reg != nil {
			m.reg.RetentionDeletesTotal.WithLabelValues(logName).Inc()
		}
		m.sink.Emit(events.Event{
			Type: events.EventRetentionDelete,
			Log:  logName,
			Details: map[string]string{
				"segment": strconv.FormatUint(oldest.BaseOffset, 10),
				"records": strconv.FormatUint(oldest.NextOffset-oldest.BaseOffset, 10),
				"bytes":   strconv.FormatUint(oldest.SizeBytes, 10),
			},
		})
		m.logger.Info("Dropped segment",
			"dir", l.Dir(),
			"segment", oldest.BaseOffset,
			"new_low", l.LowWatermark())
	}
}

// expired reports whether the oldest sealed segment violates a limit.
func (m *Manager) expired(oldest storage.SegmentInfo, totalBytes uint64) bool {
	if m.config.MaxAge > 0 && oldest.MaxTimestamp > 0 {
		cutoff := m.config.Now().Add(-m.config.MaxAge).UnixNano()
		if oldest.MaxTimestamp < cutoff {
			return true
		}
	}
	if m.config.MaxTotalBytes > 0 && totalBytes > m.config.MaxTotalBytes {
		return true
	}
	return false
}
