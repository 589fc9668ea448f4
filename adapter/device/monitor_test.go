package device

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupa/seamstress"
)

type collector struct {
	mu     sync.Mutex
	events []seamstress.Event
}

func (c *collector) Emit(ev seamstress.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) snapshot() []seamstress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]seamstress.Event(nil), c.events...)
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"patterns": map[string]any{
			"serial": []any{"/dev/ttyUSB*"},
			"grid":   "/dev/grid*",
		},
	})
	assert.Equal(t, []Pattern{
		{Glob: "/dev/grid*", Kind: "grid"},
		{Glob: "/dev/ttyUSB*", Kind: "serial"},
	}, cfg.Patterns)

	assert.Equal(t, DefaultPatterns, New(ConfigFromMap(nil), nil).cfg.Patterns)
}

func TestPatternsByKind(t *testing.T) {
	assert.Equal(t, []Pattern{
		{Glob: "/dev/snd/midiC*D*", Kind: "midi"},
		{Glob: "/dev/ttyACM*", Kind: "serial"},
		{Glob: "/dev/ttyUSB*", Kind: "serial"},
	}, PatternsByKind(map[string][]string{
		"serial": {"/dev/ttyACM*", "/dev/ttyUSB*"},
		"midi":   {"/dev/snd/midiC*D*"},
	}))
	assert.Nil(t, PatternsByKind(nil))
}

func TestMonitor_ScanAndHotPlug(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "grid0"))
	touch(t, filepath.Join(dir, "other"))

	ctx := context.Background()
	m := New(Config{Patterns: []Pattern{{Glob: filepath.Join(dir, "grid*"), Kind: "grid"}}}, nil)
	require.NoError(t, m.Init(ctx))
	defer m.Deinit(ctx)

	sink := &collector{}
	require.NoError(t, m.Start(ctx, sink))

	found, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []seamstress.DeviceDescriptor{
		{ID: "grid0", Kind: "grid", Path: filepath.Join(dir, "grid0")},
	}, found)

	touch(t, filepath.Join(dir, "grid1"))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "grid0")))
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []seamstress.Event{
		seamstress.DeviceAdded{DeviceID: "grid1", DeviceKind: "grid", Path: filepath.Join(dir, "grid1")},
		seamstress.DeviceRemoved{DeviceID: "grid0"},
	}, sink.snapshot())

	// A device already announced is not reported again by a later scan.
	again, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, m.Devices(), 1)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.Equal(t, Stats{Added: 1, Removed: 1}, m.Stats())
}

func TestMonitor_MissingDirIsNotFatal(t *testing.T) {
	ctx := context.Background()
	m := New(Config{Patterns: []Pattern{{Glob: filepath.Join(t.TempDir(), "nope", "x*"), Kind: "x"}}}, nil)
	require.NoError(t, m.Init(ctx))
	found, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, m.Deinit(ctx))
}

func TestMonitor_BadPattern(t *testing.T) {
	m := New(Config{Patterns: []Pattern{{Glob: "[", Kind: "x"}}}, nil)
	_, err := m.Scan(context.Background())
	assert.Error(t, err)
}
