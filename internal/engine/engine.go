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
Package engine ties the storage, retention, crypto and observability
layers into one embeddable log engine.

LAYOUT:
=======
Every (topic, partition) pair owns one directory of segment files under
the data root:

	data/
	 ├── events.jsonl          - operational event journal
	 ├── orders-0/             - topic "orders", partition 0
	 │    ├── 00000000000000000000.log
	 │    └── 00000000000000000000.index
	 └── orders-1/

Logs are opened eagerly for directories that already exist and lazily on
the first append or read of a new handle. A handle never needs explicit
creation.

DURABILITY:
===========
With the default "interval" flush policy a background task syncs every
open log on a fixed cadence; a crash loses at most that window. Callers
needing a hard barrier use Sync. "always" syncs inside every append and
"none" syncs only on rotation and close.
*/
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftlog/internal/config"
	"driftlog/internal/crypto"
	"driftlog/internal/events"
	"driftlog/internal/logging"
	"driftlog/internal/metrics"
	"driftlog/internal/retention"
	"driftlog/internal/storage"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("engine: closed")

// Handle names one partition of one topic.
type Handle struct {
	Topic     string
	Partition int
}

// dirName is the on-disk directory name and the metrics/journal label.
func (h Handle) dirName() string {
	return fmt.Sprintf("%s-%d", h.Topic, h.Partition)
}

func (h Handle) validate() error {
	if h.Topic == "" {
		return errors.New("engine: empty topic")
	}
	if strings.ContainsAny(h.Topic, "/\\") {
		return fmt.Errorf("engine: invalid topic %q", h.Topic)
	}
	if h.Partition < 0 {
		return fmt.Errorf("engine: invalid partition %d", h.Partition)
	}
	return nil
}

// Engine is the top-level log engine.
type Engine struct {
	id     string
	config *config.Config
	logger *logging.Logger

	mu     sync.RWMutex
	logs   map[string]*storage.Log
	closed bool

	encryptor *crypto.Encryptor
	journal   *events.Journal
	sink      events.Sink
	reg       *metrics.Registry
	retention *retention.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds an engine from the configuration: opens the journal,
// derives the encryption key, reopens every existing log directory and
// starts the flush and retention tasks.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	e := &Engine{
		id:     uuid.New().String(),
		config: cfg,
		logger: logging.NewLogger("engine"),
		logs:   make(map[string]*storage.Log),
		reg:    metrics.NewRegistry(),
	}

	if cfg.Encryption.Enabled {
		enc, err := e.buildEncryptor()
		if err != nil {
			return nil, err
		}
		e.encryptor = enc
	}

	journal, err := events.OpenJournal(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	e.journal = journal
	e.sink = &meteredSink{next: journal, reg: e.reg}

	if err := e.reopenExisting(); err != nil {
		journal.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if cfg.FlushPolicy == storage.FlushInterval {
		e.wg.Add(1)
		go e.flushLoop(ctx, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
	}

	if cfg.Retention.Enabled {
		var archiver retention.Archiver
		if cfg.Archive.Enabled {
			archiver, err = retention.NewS3Archiver(ctx, retention.S3Config{
				Bucket:          cfg.Archive.Bucket,
				Region:          cfg.Archive.Region,
				Endpoint:        cfg.Archive.Endpoint,
				AccessKeyID:     cfg.Archive.AccessKeyID,
				SecretAccessKey: cfg.Archive.SecretAccessKey,
				SessionToken:    cfg.Archive.SessionToken,
				ForcePathStyle:  cfg.Archive.ForcePathStyle,
				Prefix:          cfg.Archive.Prefix,
			})
			if err != nil {
				cancel()
				journal.Close()
				return nil, err
			}
		}
		e.retention = retention.NewManager(retention.Config{
			MaxAge:        time.Duration(cfg.Retention.MaxAgeSeconds) * time.Second,
			MaxTotalBytes: cfg.Retention.MaxTotalBytes,
			Interval:      time.Duration(cfg.Retention.IntervalSeconds) * time.Second,
		}, e.openLogs, archiver, e.sink, e.reg)
		e.retention.Start(ctx)
	}

	e.logger.Info("Engine started",
		"instance", e.id,
		"data_dir", cfg.DataDir,
		"logs", len(e.logs),
		"flush_policy", cfg.FlushPolicy,
		"encryption", cfg.Encryption.Enabled)
	return e, nil
}

// buildEncryptor derives the at-rest key: a raw hex key wins, otherwise
// the passphrase is stretched with a per-data-dir salt persisted next to
// the logs (the salt is not secret, only unique).
func (e *Engine) buildEncryptor() (*crypto.Encryptor, error) {
	if e.config.Encryption.Key != "" {
		return crypto.NewEncryptor(e.config.Encryption.Key)
	}
	salt, err := e.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	return crypto.NewEncryptorFromPassphrase(e.config.Encryption.Passphrase, string(salt))
}

func (e *Engine) loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(e.config.DataDir, ".salt")
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// reopenExisting recovers every <topic>-<partition> directory under the
// data root. Unrecognized directories are ignored with a warning.
func (e *Engine) reopenExisting() error {
	entries, err := os.ReadDir(e.config.DataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		i := strings.LastIndex(name, "-")
		if i <= 0 {
			e.logger.Warn("Ignoring unrecognized directory in data root", "dir", name)
			continue
		}
		if _, err := strconv.Atoi(name[i+1:]); err != nil {
			e.logger.Warn("Ignoring unrecognized directory in data root", "dir", name)
			continue
		}
		l, err := e.openLog(name)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", name, err)
		}
		e.logs[name] = l
	}
	return nil
}

func (e *Engine) openLog(name string) (*storage.Log, error) {
	l, err := storage.Open(filepath.Join(e.config.DataDir, name), storage.Config{
		SegmentBytes:       e.config.SegmentBytes,
		IndexIntervalBytes: e.config.IndexIntervalBytes,
		MaxRecordBytes:     e.config.MaxRecordBytes,
		FlushPolicy:        e.config.FlushPolicy,
		Encryptor:          e.encryptor,
		Events:             e.sink,
	})
	if err != nil {
		return nil, err
	}
	e.reg.SegmentsTotal.WithLabelValues(name).Set(float64(len(l.Segments())))
	e.reg.HighWatermark.WithLabelValues(name).Set(float64(l.HighWatermark()))
	e.reg.LowWatermark.WithLabelValues(name).Set(float64(l.LowWatermark()))
	return l, nil
}

// meteredSink forwards journal events and mirrors recovery truncations
// into the metrics registry; recovery runs deep inside storage.Open, so
// the event stream is the only place the engine can observe them.
// Rotation and retention events are counted at their call sites, not
// here, to avoid double counting.
type meteredSink struct {
	next events.Sink
	reg  *metrics.Registry
}

func (m *meteredSink) Emit(ev events.Event) {
	if ev.Type == events.EventRecoveryTruncate {
		m.reg.RecoveryTruncationsTotal.Inc()
	}
	m.next.Emit(ev)
}

// log returns the open log for the handle, creating it on first use.
func (e *Engine) log(h Handle) (*storage.Log, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	name := h.dirName()

	e.mu.RLock()
	l, ok := e.logs[name]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return l, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if l, ok := e.logs[name]; ok {
		return l, nil
	}
	l, err := e.openLog(name)
	if err != nil {
		return nil, err
	}
	e.logs[name] = l
	e.logger.Info("Opened log", "log", name)
	return l, nil
}

// openLogs snapshots the open logs for the retention manager.
func (e *Engine) openLogs() []*storage.Log {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*storage.Log, 0, len(e.logs))
	for _, l := range e.logs {
		out = append(out, l)
	}
	return out
}

// Append writes a payload to the handle's log and returns its offset.
func (e *Engine) Append(h Handle, payload []byte) (uint64, error) {
	l, err := e.log(h)
	if err != nil {
		return 0, err
	}
	name := h.dirName()

	start := time.Now()
	off, err := l.Append(payload)
	if err != nil {
		e.reg.AppendErrorsTotal.WithLabelValues(name).Inc()
		return 0, err
	}
	e.reg.AppendDuration.Observe(time.Since(start).Seconds())
	e.reg.AppendsTotal.WithLabelValues(name).Inc()
	e.reg.AppendedBytesTotal.WithLabelValues(name).Add(float64(len(payload)))
	e.reg.HighWatermark.WithLabelValues(name).Set(float64(off + 1))
	return off, nil
}

// Read returns the record stored at the given offset.
func (e *Engine) Read(h Handle, off uint64) (storage.Record, error) {
	l, err := e.log(h)
	if err != nil {
		return storage.Record{}, err
	}
	name := h.dirName()

	rec, err := l.Read(off)
	if err != nil {
		e.reg.ReadErrorsTotal.WithLabelValues(name, readErrReason(err)).Inc()
		return storage.Record{}, err
	}
	e.reg.ReadsTotal.WithLabelValues(name).Inc()
	return rec, nil
}

func readErrReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrOffsetTrimmed):
		return "trimmed"
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		return "out_of_range"
	case errors.Is(err, storage.ErrCorruptRecord):
		return "corrupt"
	default:
		return "io"
	}
}

// HighWatermark returns the next offset the handle's log will assign.
func (e *Engine) HighWatermark(h Handle) (uint64, error) {
	l, err := e.log(h)
	if err != nil {
		return 0, err
	}
	return l.HighWatermark(), nil
}

// LowWatermark returns the smallest retained offset of the handle's log.
func (e *Engine) LowWatermark(h Handle) (uint64, error) {
	l, err := e.log(h)
	if err != nil {
		return 0, err
	}
	return l.LowWatermark(), nil
}

// Sync forces the handle's log onto stable storage.
func (e *Engine) Sync(h Handle) error {
	l, err := e.log(h)
	if err != nil {
		return err
	}
	return l.Sync()
}

// Rotate seals the handle's active segment and starts a new one.
func (e *Engine) Rotate(h Handle) error {
	l, err := e.log(h)
	if err != nil {
		return err
	}
	if err := l.Rotate(); err != nil {
		return err
	}
	name := h.dirName()
	e.reg.RotationsTotal.WithLabelValues(name).Inc()
	e.reg.SegmentsTotal.WithLabelValues(name).Set(float64(len(l.Segments())))
	return nil
}

// Handles lists the open logs as handles, for inspection tooling.
func (e *Engine) Handles() []Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Handle, 0, len(e.logs))
	for name := range e.logs {
		i := strings.LastIndex(name, "-")
		p, _ := strconv.Atoi(name[i+1:])
		out = append(out, Handle{Topic: name[:i], Partition: p})
	}
	return out
}

// Metrics exposes the engine's metrics registry for the HTTP endpoint.
func (e *Engine) Metrics() *metrics.Registry { return e.reg }

// InstanceID returns the engine's process-unique identifier.
func (e *Engine) InstanceID() string { return e.id }

// flushLoop periodically syncs every open log and refreshes the slow
// gauges. One sick log does not stall the rest.
func (e *Engine) flushLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			e.mu.RLock()
			logs := make(map[string]*storage.Log, len(e.logs))
			for name, l := range e.logs {
				logs[name] = l
			}
			e.mu.RUnlock()

			for name, l := range logs {
				if err := l.Sync(); err != nil {
					e.logger.Error("Periodic flush failed", "log", name, "error", err)
					continue
				}
				e.reg.SegmentsTotal.WithLabelValues(name).Set(float64(len(l.Segments())))
				e.reg.LogSizeBytes.WithLabelValues(name).Set(float64(l.SizeBytes()))
				e.reg.LowWatermark.WithLabelValues(name).Set(float64(l.LowWatermark()))
			}
			e.reg.FlushDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// Close stops the background tasks, syncs and closes every log, then
// closes the journal. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.retention != nil {
		e.retention.Stop()
	}
	e.cancel()
	e.wg.Wait()

	var firstErr error
	e.mu.Lock()
	for name, l := range e.logs {
		if err := l.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.logs, name)
	}
	e.mu.Unlock()

	if err := e.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("Engine stopped", "instance", e.id)
	return firstErr
}
