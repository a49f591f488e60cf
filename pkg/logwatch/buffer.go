package logwatch

import (
	"sync"
	"time"
)

// RecentBuffer keeps the last maxLines log lines seen, each stamped with
// its arrival time, so failure reports can show the log context that led
// up to them.
type RecentBuffer struct {
	lines    []string
	maxLines int
	index    int
	full     bool
	mutex    sync.RWMutex
}

// NewRecentBuffer creates a circular buffer holding up to maxLines lines.
func NewRecentBuffer(maxLines int) *RecentBuffer {
	return &RecentBuffer{
		lines:    make([]string, maxLines),
		maxLines: maxLines,
	}
}

// Add stores a new line, evicting the oldest when full.
func (rb *RecentBuffer) Add(line string) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.lines[rb.index] = time.Now().Format("15:04:05.000") + " " + line
	rb.index = (rb.index + 1) % rb.maxLines
	if rb.index == 0 {
		rb.full = true
	}
}

// Recent returns a copy of the stored lines, oldest first.
func (rb *RecentBuffer) Recent() []string {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	if !rb.full {
		return append([]string(nil), rb.lines[:rb.index]...)
	}
	out := make([]string, 0, rb.maxLines)
	out = append(out, rb.lines[rb.index:]...)
	out = append(out, rb.lines[:rb.index]...)
	return out
}
