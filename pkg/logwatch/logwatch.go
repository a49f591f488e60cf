// Package logwatch tails a printer log file and reports build events.
//
// SLM machine logs append a line per action. Two kinds matter here: layer
// lines, which carry the layer number being exposed, and recoat lines,
// which mark fresh powder being spread and the bed ready to photograph.
package logwatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const recentLines = 50

// RecoatFunc is called for each recoat event with the layer about to be
// exposed. Calls arrive from the watcher goroutine, one at a time.
type RecoatFunc func(layer int)

// Watcher tails a log file via filesystem notifications, resuming from
// the last read offset on each change.
type Watcher struct {
	path         string
	layerMarker  string
	recoatMarker string
	onRecoat     RecoatFunc

	fsw    *fsnotify.Watcher
	recent *RecentBuffer

	mu           sync.Mutex
	lastPosition int64
	lastLayer    int

	done    chan struct{}
	stopped sync.WaitGroup
}

// New creates a Watcher for the log at path. layerMarker and recoatMarker
// are the substrings identifying the two event kinds; onRecoat fires for
// each recoat line.
func New(path, layerMarker, recoatMarker string, onRecoat RecoatFunc) (*Watcher, error) {
	if layerMarker == "" || recoatMarker == "" {
		return nil, fmt.Errorf("logwatch: event markers must not be empty")
	}
	if onRecoat == nil {
		return nil, fmt.Errorf("logwatch: recoat callback is required")
	}
	return &Watcher{
		path:         filepath.Clean(path),
		layerMarker:  layerMarker,
		recoatMarker: recoatMarker,
		onRecoat:     onRecoat,
		recent:       NewRecentBuffer(recentLines),
		lastLayer:    -1,
		done:         make(chan struct{}),
	}, nil
}

// ReplayExisting processes the log content already on disk, so a restart
// mid-build recovers the current layer number. Recoat events found during
// replay are stale and do not fire the callback.
func (w *Watcher) ReplayExisting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.consume(); err != nil {
		return fmt.Errorf("logwatch: replay %s: %w", w.path, err)
	}
	fmt.Printf("[LOGWATCH] Replayed %d bytes of existing log, current layer %d\n", w.lastPosition, w.lastLayer)
	return nil
}

// Start begins watching the log's directory for changes. Watching the
// directory instead of the file survives log rotation via rename.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("logwatch: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("logwatch: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	w.stopped.Add(1)
	go w.run()
	fmt.Printf("[LOGWATCH] Watching %s\n", w.path)
	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	close(w.done)
	w.fsw.Close()
	w.stopped.Wait()
}

// LastLayer returns the most recent layer number seen, or -1 before any
// layer line has been read.
func (w *Watcher) LastLayer() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLayer
}

// Recent returns the latest log lines seen, oldest first.
func (w *Watcher) Recent() []string {
	return w.recent.Recent()
}

// dumpRecent prints the buffered log tail so a failure report carries the
// lines leading up to it.
func (w *Watcher) dumpRecent(reason string) {
	lines := w.recent.Recent()
	if len(lines) == 0 {
		return
	}
	fmt.Printf("[LOGWATCH] %s, last %d log lines:\n", reason, len(lines))
	for _, line := range lines {
		fmt.Printf("[LOGWATCH]   %s\n", line)
	}
}

func (w *Watcher) run() {
	defer w.stopped.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := w.readUpdates(); err != nil {
					fmt.Printf("[LOGWATCH] Error reading updates: %v\n", err)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			fmt.Printf("[LOGWATCH] Watcher error: %v\n", err)
			w.dumpRecent("Watcher error")
		}
	}
}

// readUpdates consumes log lines appended since the last read. Recoat
// callbacks fire after the lock is released so they can query the
// watcher freely.
func (w *Watcher) readUpdates() error {
	w.mu.Lock()
	pending, err := w.consume()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	for _, layer := range pending {
		w.onRecoat(layer)
	}
	return nil
}

// consume reads complete lines from the last offset and advances the
// offset past the last newline. A trailing line not yet terminated is
// left for the next read, since the printer may still be writing it. A
// shrunken file means the log was truncated or replaced, so reading
// restarts from the top. Caller holds w.mu.
func (w *Watcher) consume() ([]int, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < w.lastPosition {
		w.lastPosition = 0
	}

	if _, err := f.Seek(w.lastPosition, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		return nil, nil
	}

	var pending []int
	for _, line := range strings.Split(string(data[:cut]), "\n") {
		if layer, ok := w.processLine(line); ok {
			pending = append(pending, layer)
		}
	}
	w.lastPosition += int64(cut) + 1
	return pending, nil
}

// processLine inspects one log line and reports the capture layer for a
// recoat event. Caller holds w.mu.
func (w *Watcher) processLine(line string) (int, bool) {
	w.recent.Add(line)

	switch {
	case strings.Contains(line, w.layerMarker):
		layer, err := parseLayer(line)
		if err != nil {
			fmt.Printf("[LOGWATCH] Failed to parse layer from %q: %v\n", strings.TrimSpace(line), err)
			w.dumpRecent("Layer parse failed")
			return 0, false
		}
		w.lastLayer = layer
	case strings.Contains(line, w.recoatMarker):
		if w.lastLayer < 0 {
			fmt.Printf("[LOGWATCH] Recoat event before any layer line, skipping capture\n")
			return 0, false
		}
		return w.lastLayer + 1, true
	}
	return 0, false
}

// parseLayer extracts the layer number from the third whitespace-separated
// field of a layer line.
func parseLayer(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}
	layer, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, fmt.Errorf("field %q is not a layer number", fields[2])
	}
	return layer, nil
}
