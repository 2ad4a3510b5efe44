// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package watcher tails configured log sources and enqueues new entries.
//
// Each enabled source runs its own loop: fsnotify events trigger immediate
// reads where the platform delivers them, and a polling tick (never below
// the configured floor) catches anything notification misses. Offsets only
// advance after a successful enqueue, so a crash replays rather than
// drops. Truncation below the tracked offset is treated as rotation: the
// offset resets to zero and the file is re-ingested from the start.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/queue"
	"github.com/tomtom215/logwarden/internal/retry"
	"github.com/tomtom215/logwarden/internal/tracker"
)

// boostAmount is added to a source's priority when an entry matches a
// configured keyword, capped at models.MaxPriority.
const boostAmount = 2

// StatusSink receives source status transitions (fed to the broadcast hub
// as system_status events).
type StatusSink func(models.LogSource)

// Watcher tails every enabled source and produces queue entries.
type Watcher struct {
	queue    *queue.Queue
	tracker  tracker.Store
	onStatus StatusSink

	chunkSize int
	keywords  []string
	backoff   retry.Policy

	mu      sync.Mutex
	sources map[string]*sourceState
	running bool
	ctx     context.Context
	wg      sync.WaitGroup
	fsw     *fsnotify.Watcher
}

// sourceState is the runtime state of one configured source.
type sourceState struct {
	cfg    config.SourceConfig
	cancel context.CancelFunc
	kick   chan struct{}

	mu            sync.Mutex
	status        models.SourceStatus
	errorMessage  string
	lastMonitored time.Time
	failures      int
	nextRetry     time.Time
}

// New creates a watcher over the given queue and offset tracker. onStatus
// may be nil.
func New(cfg config.WatcherConfig, q *queue.Queue, store tracker.Store, onStatus StatusSink) *Watcher {
	w := &Watcher{
		queue:     q,
		tracker:   store,
		onStatus:  onStatus,
		chunkSize: cfg.ChunkSize,
		keywords:  cfg.BoostKeywords,
		backoff:   cfg.ErrorRetry.Policy(),
		sources:   make(map[string]*sourceState),
	}
	for _, sc := range cfg.Sources {
		w.sources[sc.Name] = newSourceState(sc)
	}
	return w
}

func newSourceState(sc config.SourceConfig) *sourceState {
	status := models.SourceInactive
	if sc.Enabled {
		status = models.SourceActive
	}
	return &sourceState{
		cfg:    sc,
		kick:   make(chan struct{}, 1),
		status: status,
	}
}

// Serve implements suture.Service: it runs every source loop until the
// context is canceled.
func (w *Watcher) Serve(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Polling still works without OS notification.
		logging.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	}

	w.mu.Lock()
	w.ctx = ctx
	w.fsw = fsw
	w.running = true
	for _, st := range w.sources {
		if st.cfg.Enabled {
			w.startSourceLocked(st)
		}
	}
	w.mu.Unlock()

	if fsw != nil {
		w.wg.Add(1)
		go w.routeEvents(ctx, fsw)
	}

	<-ctx.Done()

	w.mu.Lock()
	for _, st := range w.sources {
		if st.cancel != nil {
			st.cancel()
		}
	}
	w.running = false
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
	}
	w.wg.Wait()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (w *Watcher) String() string { return "file-watcher" }

// startSourceLocked launches one source loop. Caller holds w.mu.
func (w *Watcher) startSourceLocked(st *sourceState) {
	ctx, cancel := context.WithCancel(w.ctx)
	st.cancel = cancel

	if w.fsw != nil {
		watchPath := st.cfg.Path
		if !st.cfg.IsDirectory {
			// Watch the parent so rotation (remove+create) is observed.
			watchPath = filepath.Dir(st.cfg.Path)
		}
		if err := w.fsw.Add(watchPath); err != nil {
			logging.Warn().Err(err).Str("source", st.cfg.Name).Msg("fsnotify add failed, polling only")
		}
	}

	w.wg.Add(1)
	go w.runSource(ctx, st)
}

// routeEvents maps fsnotify events onto source kick channels.
func (w *Watcher) routeEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.kickMatching(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) kickMatching(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.sources {
		if !st.cfg.Enabled {
			continue
		}
		match := false
		if st.cfg.IsDirectory {
			match = strings.HasPrefix(path, st.cfg.Path+string(filepath.Separator))
		} else {
			match = path == st.cfg.Path
		}
		if match {
			select {
			case st.kick <- struct{}{}:
			default:
			}
		}
	}
}

// runSource is the per-source loop: poll tick plus fsnotify kicks.
func (w *Watcher) runSource(ctx context.Context, st *sourceState) {
	defer w.wg.Done()

	ticker := time.NewTicker(st.cfg.PollInterval)
	defer ticker.Stop()

	// Initial scan so a restart resumes immediately.
	w.scan(ctx, st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx, st)
		case <-st.kick:
			w.scan(ctx, st)
		}
	}
}

// scan reads whatever is newly available for the source, honoring error
// backoff.
func (w *Watcher) scan(ctx context.Context, st *sourceState) {
	st.mu.Lock()
	if st.status == models.SourcePaused || time.Now().Before(st.nextRetry) {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	var err error
	if st.cfg.IsDirectory {
		err = w.scanDirectory(ctx, st)
	} else {
		err = w.readFile(ctx, st, st.cfg.Name, st.cfg.Path)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastMonitored = time.Now()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
			return
		}
		st.failures++
		delay := w.backoff.Delay(st.failures + 1)
		if delay <= 0 {
			delay = w.backoff.MaxDelay
		}
		st.nextRetry = time.Now().Add(delay)
		w.transitionLocked(st, models.SourceError, err.Error())
		metrics.SourceErrors.WithLabelValues(st.cfg.Name, errorKind(err)).Inc()
		logging.Warn().Err(err).
			Str("source", st.cfg.Name).
			Dur("backoff", delay).
			Msg("source read failed")
		return
	}

	st.failures = 0
	st.nextRetry = time.Time{}
	w.transitionLocked(st, models.SourceActive, "")
}

// transitionLocked updates status and notifies the sink on change. Caller
// holds st.mu.
func (w *Watcher) transitionLocked(st *sourceState, status models.SourceStatus, msg string) {
	if st.status == status && st.errorMessage == msg {
		return
	}
	st.status = status
	st.errorMessage = msg
	if w.onStatus != nil {
		w.onStatus(w.snapshotLocked(st))
	}
}

// scanDirectory expands the glob and reads each matching file as a
// virtual source named "<source>/<base>".
func (w *Watcher) scanDirectory(ctx context.Context, st *sourceState) error {
	pattern := filepath.Join(st.cfg.Path, st.cfg.FilePattern)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob %s: %w", pattern, err)
	}

	var firstErr error
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		virtual := st.cfg.Name + "/" + filepath.Base(path)
		if err := w.readFile(ctx, st, virtual, path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// readFile ingests newly appended bytes from one file. The tracked offset
// advances only after each complete entry is enqueued.
func (w *Watcher) readFile(ctx context.Context, st *sourceState, source, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := fi.Size()

	var offset int64
	if pos, ok := w.tracker.Offset(source); ok {
		offset = pos.Offset
	}

	if size < offset {
		// Truncation or rotation: never silently drop, re-ingest from zero.
		logging.Info().
			Str("source", source).
			Int64("old_offset", offset).
			Int64("size", size).
			Msg("rotation detected, re-reading from start")
		metrics.SourceRotations.WithLabelValues(st.cfg.Name).Inc()
		w.tracker.Reset(source)
		offset = 0
	}

	if size == offset {
		w.tracker.Commit(source, offset, size)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}

	// Bytes of complete lines pending enqueue, relative to offset.
	var carry []byte
	chunk := make([]byte, w.chunkSize)
	lineStart := offset
	pos := offset

	for pos < size {
		want := size - pos
		if want > int64(len(chunk)) {
			want = int64(len(chunk))
		}
		n, err := f.Read(chunk[:want])
		if n > 0 {
			carry = append(carry, chunk[:n]...)
			pos += int64(n)

			for {
				idx := indexNewline(carry)
				if idx < 0 {
					break
				}
				line := carry[:idx]
				carry = carry[idx+1:]
				lineEnd := lineStart + int64(idx) + 1

				if len(trimCR(line)) > 0 {
					entry := w.buildEntry(st, source, path, trimCR(line), lineStart)
					if err := w.queue.Enqueue(ctx, entry); err != nil {
						return err
					}
					metrics.EntriesRead.WithLabelValues(st.cfg.Name).Inc()
				}
				lineStart = lineEnd
				w.tracker.Commit(source, lineEnd, size)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	// A trailing partial line stays uncommitted; the next scan re-reads it
	// from lineStart once the newline arrives.
	return nil
}

// buildEntry constructs the immutable LogEntry, applying keyword boost.
func (w *Watcher) buildEntry(st *sourceState, source, path string, line []byte, offset int64) models.LogEntry {
	content := string(line)
	priority := st.cfg.Priority
	for _, kw := range w.keywords {
		if strings.Contains(strings.ToUpper(content), kw) {
			priority += boostAmount
			break
		}
	}
	if priority > models.MaxPriority {
		priority = models.MaxPriority
	}
	return models.LogEntry{
		Content:    content,
		SourceName: source,
		SourcePath: path,
		CapturedAt: time.Now(),
		Priority:   priority,
		FileOffset: offset,
	}
}

// Apply hot-reloads the source set: new sources start, removed or disabled
// sources stop, changed sources restart. Offsets are preserved by name.
func (w *Watcher) Apply(sources []config.SourceConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()

	incoming := make(map[string]config.SourceConfig, len(sources))
	for _, sc := range sources {
		incoming[sc.Name] = sc
	}

	for name, st := range w.sources {
		nc, keep := incoming[name]
		if keep && nc == st.cfg {
			continue
		}
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		if !keep {
			delete(w.sources, name)
			logging.Info().Str("source", name).Msg("source removed")
		}
	}

	for name, sc := range incoming {
		st, exists := w.sources[name]
		if exists && st.cancel != nil {
			continue // unchanged, still running
		}
		if !exists {
			st = newSourceState(sc)
			w.sources[name] = st
		} else {
			st.cfg = sc
			st.status = models.SourceInactive
			if sc.Enabled {
				st.status = models.SourceActive
			}
		}
		if w.running && sc.Enabled {
			w.startSourceLocked(st)
		}
	}
}

// Sources snapshots every source for status display and health.
func (w *Watcher) Sources() []models.LogSource {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]models.LogSource, 0, len(w.sources))
	for _, st := range w.sources {
		st.mu.Lock()
		out = append(out, w.snapshotLocked(st))
		st.mu.Unlock()
	}
	return out
}

// snapshotLocked builds the status view of one source. Caller holds st.mu.
// Directory sources commit offsets under per-file virtual names, so their
// totals are aggregated across every tracked file.
func (w *Watcher) snapshotLocked(st *sourceState) models.LogSource {
	var offset, size int64
	if st.cfg.IsDirectory {
		prefix := st.cfg.Name + "/"
		for name, pos := range w.tracker.All() {
			if strings.HasPrefix(name, prefix) {
				offset += pos.Offset
				size += pos.Size
			}
		}
	} else if pos, ok := w.tracker.Offset(st.cfg.Name); ok {
		offset, size = pos.Offset, pos.Size
	}
	return models.LogSource{
		Name:          st.cfg.Name,
		Path:          st.cfg.Path,
		IsDirectory:   st.cfg.IsDirectory,
		FilePattern:   st.cfg.FilePattern,
		Enabled:       st.cfg.Enabled,
		PollInterval:  st.cfg.PollInterval,
		Priority:      st.cfg.Priority,
		LastOffset:    offset,
		LastSize:      size,
		LastMonitored: st.lastMonitored,
		Status:        st.status,
		ErrorMessage:  st.errorMessage,
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func errorKind(err error) string {
	switch {
	case os.IsNotExist(err):
		return "not_found"
	case os.IsPermission(err):
		return "permission"
	default:
		return "io"
	}
}
