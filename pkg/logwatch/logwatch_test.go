package logwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "printer.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestParseLayer(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    int
		wantErr bool
	}{
		{"plain layer line", "12:01:07 Exposure 42 started", 42, false},
		{"large layer", "12:01:07 Exposure 1207 started", 1207, false},
		{"too few fields", "Exposure 42", 0, true},
		{"not a number", "12:01:07 Exposure abc started", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLayer(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplayExistingRecoversLayer(t *testing.T) {
	path := writeLog(t, t.TempDir(),
		"12:00:01 Exposure 1 started\n"+
			"12:00:05 Recoat cycle\n"+
			"12:00:09 Exposure 2 started\n"+
			"12:00:13 Recoat cycle\n")

	fired := 0
	w, err := New(path, "Exposure", "Recoat", func(int) { fired++ })
	require.NoError(t, err)

	require.NoError(t, w.ReplayExisting())
	assert.Equal(t, 2, w.LastLayer())
	// Stale recoat events in existing content must not trigger captures.
	assert.Equal(t, 0, fired)
}

func TestReplayExistingMissingFile(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "absent.log"), "Exposure", "Recoat", func(int) {})
	require.NoError(t, err)
	assert.Error(t, w.ReplayExisting())
}

func TestWatcherFiresOnAppendedRecoat(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "12:00:01 Exposure 7 started\n")

	layers := make(chan int, 4)
	w, err := New(path, "Exposure", "Recoat", func(layer int) { layers <- layer })
	require.NoError(t, err)

	require.NoError(t, w.ReplayExisting())
	require.NoError(t, w.Start())
	defer w.Stop()

	appendLog(t, path, "12:00:05 Recoat cycle\n")

	select {
	case layer := <-layers:
		assert.Equal(t, 8, layer)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recoat event")
	}
}

func TestWatcherTracksLayerAcrossUpdates(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "")

	layers := make(chan int, 4)
	w, err := New(path, "Exposure", "Recoat", func(layer int) { layers <- layer })
	require.NoError(t, err)

	require.NoError(t, w.ReplayExisting())
	require.NoError(t, w.Start())
	defer w.Stop()

	appendLog(t, path, "12:00:01 Exposure 3 started\n12:00:05 Recoat cycle\n")
	select {
	case layer := <-layers:
		assert.Equal(t, 4, layer)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first recoat event")
	}

	appendLog(t, path, "12:00:09 Exposure 4 started\n12:00:13 Recoat cycle\n")
	select {
	case layer := <-layers:
		assert.Equal(t, 5, layer)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second recoat event")
	}
}

func TestRecoatBeforeLayerIsSkipped(t *testing.T) {
	path := writeLog(t, t.TempDir(), "12:00:01 Recoat cycle\n")

	fired := 0
	w, err := New(path, "Exposure", "Recoat", func(int) { fired++ })
	require.NoError(t, err)

	require.NoError(t, w.ReplayExisting())
	assert.Equal(t, -1, w.LastLayer())
	assert.Equal(t, 0, fired)
}

func TestPartialLineDeferredUntilTerminated(t *testing.T) {
	path := writeLog(t, t.TempDir(), "12:00:01 Exposure 4 started\n")

	layers := make(chan int, 4)
	w, err := New(path, "Exposure", "Recoat", func(layer int) { layers <- layer })
	require.NoError(t, err)
	require.NoError(t, w.ReplayExisting())
	assert.Equal(t, 4, w.LastLayer())

	// The printer may flush mid-line. An unterminated tail must stay in
	// the file until the rest of the line arrives.
	appendLog(t, path, "12:00:05 Expos")
	require.NoError(t, w.readUpdates())
	assert.Equal(t, 4, w.LastLayer())

	appendLog(t, path, "ure 5 started\n12:00:09 Recoat cycle\n")
	require.NoError(t, w.readUpdates())
	assert.Equal(t, 5, w.LastLayer())
	select {
	case layer := <-layers:
		assert.Equal(t, 6, layer)
	default:
		t.Fatal("expected a recoat event for the reassembled line")
	}
}

func TestUnparsableLayerLineIsBufferedForContext(t *testing.T) {
	path := writeLog(t, t.TempDir(),
		"12:00:01 Exposure 2 started\n"+
			"12:00:05 Exposure garbled\n")

	w, err := New(path, "Exposure", "Recoat", func(int) {})
	require.NoError(t, err)
	require.NoError(t, w.ReplayExisting())

	// The bad line must not clobber the last good layer, and the recent
	// buffer must retain it for the failure report.
	assert.Equal(t, 2, w.LastLayer())
	recent := w.Recent()
	require.Len(t, recent, 2)
	assert.Contains(t, recent[1], "Exposure garbled")
}

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New("printer.log", "", "Recoat", func(int) {})
	assert.Error(t, err)

	_, err = New("printer.log", "Exposure", "Recoat", nil)
	assert.Error(t, err)
}

func TestRecentBufferEvictsOldest(t *testing.T) {
	rb := NewRecentBuffer(3)
	assert.Nil(t, rb.Recent())

	for i := 1; i <= 5; i++ {
		rb.Add(fmt.Sprintf("line %d", i))
	}

	recent := rb.Recent()
	require.Len(t, recent, 3)
	assert.Contains(t, recent[0], "line 3")
	assert.Contains(t, recent[2], "line 5")
}
