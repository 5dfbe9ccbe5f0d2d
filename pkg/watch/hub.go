// Package watch bridges on-disk run activity to live events. The
// engine's broadcaster only covers runs opened in the current process;
// the hub watches the experiments tree with fsnotify and synthesizes
// the same LiveEvents from what other writer processes persist: new
// metric part files, run.yaml status flips, and run.log growth.
//
// The atomic-rename discipline of the storage writer is what makes
// this safe: a part file or run.yaml only ever appears complete.
package watch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/storage"
)

const subscriberBuffer = 64

// Hub watches a base directory and fans synthesized LiveEvents out to
// per-run subscribers.
type Hub struct {
	baseDir string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	subs     map[string]map[*hubSub]struct{} // keyed by experiment/run
	statuses map[string]model.RunStatus
	logSize  map[string]int64
}

type hubSub struct {
	ch     chan model.LiveEvent
	closed bool
}

// NewHub creates a hub over the given experiments base directory.
func NewHub(baseDir string) (*Hub, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Hub{
		baseDir:  baseDir,
		watcher:  w,
		subs:     make(map[string]map[*hubSub]struct{}),
		statuses: make(map[string]model.RunStatus),
		logSize:  make(map[string]int64),
	}, nil
}

// Subscribe attaches a subscriber to one run's event stream and lazily
// starts watching its directories. The cancel func detaches it.
func (h *Hub) Subscribe(experiment, run string) (<-chan model.LiveEvent, func(), error) {
	runPath := filepath.Join(h.baseDir, experiment, run)
	if _, err := os.Stat(runPath); err != nil {
		return nil, nil, fmt.Errorf("unknown run %s/%s: %w", experiment, run, err)
	}

	key := experiment + "/" + run
	metricsDir := filepath.Join(runPath, "metrics")
	sub := &hubSub{ch: make(chan model.LiveEvent, subscriberBuffer)}

	// Watches are added and removed under the hub mutex so a detaching
	// last subscriber cannot strip a watch a new subscriber just added.
	h.mu.Lock()
	if h.subs[key] == nil {
		if err := h.watcher.Add(runPath); err != nil {
			h.mu.Unlock()
			return nil, nil, fmt.Errorf("watch %s: %w", runPath, err)
		}
		if err := h.watcher.Add(metricsDir); err != nil {
			h.watcher.Remove(runPath)
			h.mu.Unlock()
			return nil, nil, fmt.Errorf("watch %s: %w", metricsDir, err)
		}
		h.subs[key] = make(map[*hubSub]struct{})
		// Seed per-run state so only changes after attachment are
		// reported, never history.
		if meta, err := storage.LoadRunMetadata(runPath); err == nil {
			h.statuses[key] = meta.Status
		}
		if info, err := os.Stat(filepath.Join(runPath, "run.log")); err == nil {
			h.logSize[key] = info.Size()
		}
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], sub)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
				delete(h.statuses, key)
				delete(h.logSize, key)
				h.watcher.Remove(metricsDir)
				h.watcher.Remove(runPath)
			}
			sub.closed = true
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Run services filesystem events until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer h.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-h.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			h.handle(ev.Name)

		case _, ok := <-h.watcher.Errors:
			if !ok {
				return nil
			}
			// Watch errors are transient; subscribers just see a gap.
		}
	}
}

func (h *Hub) handle(path string) {
	rel, err := filepath.Rel(h.baseDir, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return
	}
	key := parts[0] + "/" + parts[1]
	runPath := filepath.Join(h.baseDir, parts[0], parts[1])

	h.mu.Lock()
	watched := len(h.subs[key]) > 0
	h.mu.Unlock()
	if !watched {
		return
	}

	base := filepath.Base(path)
	switch {
	case len(parts) == 4 && parts[2] == "metrics" && strings.HasPrefix(base, "part-") && strings.HasSuffix(base, ".parquet"):
		h.announcePart(key, path)
	case len(parts) == 3 && base == "run.yaml":
		h.announceStatus(key, runPath)
	case len(parts) == 3 && base == "run.log":
		h.announceLog(key, runPath)
	}
}

func (h *Hub) announcePart(key, path string) {
	stored, err := storage.ReadMetricsFile(path)
	if err != nil || len(stored) == 0 {
		return
	}
	views := make([]model.MetricRowView, len(stored))
	for i, s := range stored {
		views[i] = model.MetricRowView{Step: s.Step, Timestamp: s.Timestamp, Values: s.Values}
	}
	h.publish(key, model.LiveEvent{
		Kind:    model.EventMetricsUpdated,
		Metrics: &model.MetricsUpdate{Rows: views},
	})
}

func (h *Hub) announceStatus(key, runPath string) {
	meta, err := storage.LoadRunMetadata(runPath)
	if err != nil {
		return
	}
	h.mu.Lock()
	changed := h.statuses[key] != meta.Status
	h.statuses[key] = meta.Status
	h.mu.Unlock()
	if changed {
		h.publish(key, model.NewStatusEvent(meta.Status))
	}
}

func (h *Hub) announceLog(key, runPath string) {
	path := filepath.Join(runPath, "run.log")
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	h.mu.Lock()
	offset := h.logSize[key]
	if info.Size() <= offset {
		h.mu.Unlock()
		return
	}
	h.logSize[key] = info.Size()
	h.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		level, text, ts := parseLogLine(scanner.Text())
		h.publish(key, model.LiveEvent{
			Kind: model.EventLogMessage,
			Log:  &model.LogPayload{Level: level, Text: text, Timestamp: ts},
		})
	}
}

// parseLogLine splits "[ts] [LEVEL] text" back into its fields. Lines
// that do not match are forwarded verbatim at INFO.
func parseLogLine(line string) (level, text string, ts time.Time) {
	level, text, ts = "INFO", line, time.Now().UTC()
	if !strings.HasPrefix(line, "[") {
		return
	}
	end := strings.Index(line, "] [")
	if end < 0 {
		return
	}
	parsed, err := time.Parse("2006-01-02T15:04:05.000Z", line[1:end])
	if err != nil {
		return
	}
	rest := line[end+3:]
	sep := strings.Index(rest, "] ")
	if sep < 0 {
		return
	}
	return rest[:sep], rest[sep+2:], parsed
}

func (h *Hub) publish(key string, ev model.LiveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow external subscriber: shed everything except status
			// changes, which are re-queued by replacing the oldest.
			if ev.Kind == model.EventStatusChanged {
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
	}
}
