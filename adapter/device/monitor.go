// Package device is the device monitor: it reports device nodes matching a
// set of glob patterns, once by scan at startup and then as they appear and
// disappear, using fsnotify on the directories that hold them.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const ProducerName = "device"

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		return New(ConfigFromMap(cfg), nil), nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

// Pattern maps device nodes to a device kind.
type Pattern struct {
	Glob string
	Kind string
}

// DefaultPatterns covers MIDI ports, serial control surfaces and HID event nodes.
var DefaultPatterns = []Pattern{
	{Glob: "/dev/snd/midiC*D*", Kind: "midi"},
	{Glob: "/dev/ttyUSB*", Kind: "serial"},
	{Glob: "/dev/ttyACM*", Kind: "serial"},
	{Glob: "/dev/input/event*", Kind: "hid"},
}

type Config struct {
	Patterns []Pattern
}

// ConfigFromMap reads patterns as a map of kind to globs:
//
//	[producers.device.patterns]
//	midi = ["/dev/snd/midiC*D*"]
func ConfigFromMap(m map[string]any) Config {
	raw, ok := m["patterns"].(map[string]any)
	if !ok {
		return Config{}
	}
	byKind := make(map[string][]string, len(raw))
	for kind := range raw {
		byKind[kind] = cfgmap.Map(raw).Strings(kind)
	}
	return Config{Patterns: PatternsByKind(byKind)}
}

// PatternsByKind flattens a kind to globs map, ordered by kind. An empty map
// yields nil, which New replaces with DefaultPatterns.
func PatternsByKind(byKind map[string][]string) []Pattern {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	var out []Pattern
	for _, kind := range kinds {
		for _, g := range byKind[kind] {
			out = append(out, Pattern{Glob: g, Kind: kind})
		}
	}
	return out
}

// Monitor implements seamstress.Producer and seamstress.Scanner.
type Monitor struct {
	cfg    Config
	logger *xlog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	known   map[string]seamstress.DeviceDescriptor
	stop    chan struct{}
	done    chan struct{}

	added   atomic.Uint64
	removed atomic.Uint64
}

var (
	_ seamstress.Producer     = (*Monitor)(nil)
	_ seamstress.Scanner      = (*Monitor)(nil)
	_ seamstress.RoleProvider = (*Monitor)(nil)
)

func New(cfg Config, logger *xlog.Logger) *Monitor {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger, known: map[string]seamstress.DeviceDescriptor{}}
}

func (m *Monitor) Name() string { return ProducerName }

func (m *Monitor) Role() seamstress.ProducerRole { return seamstress.RoleDeviceMonitor }

// Init creates the watcher and watches every pattern directory that exists.
func (m *Monitor) Init(context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("device: watcher: %w", err)
	}
	watched := 0
	for _, dir := range m.dirs() {
		if _, err := os.Stat(dir); err != nil {
			m.logger.Debug().Str("dir", dir).Msg("seamstress: device dir missing, not watched")
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("device: watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		m.logger.Warn().Msg("seamstress: no device directories to watch, hot-plug disabled")
	}
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

func (m *Monitor) dirs() []string {
	var dirs []string
	for _, p := range m.cfg.Patterns {
		d := filepath.Dir(p.Glob)
		if !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Scan reports devices present now that the watcher has not already
// announced.
func (m *Monitor) Scan(context.Context) ([]seamstress.DeviceDescriptor, error) {
	var found []seamstress.DeviceDescriptor
	for _, p := range m.cfg.Patterns {
		paths, err := filepath.Glob(p.Glob)
		if err != nil {
			return nil, fmt.Errorf("device: pattern %q: %w", p.Glob, err)
		}
		slices.Sort(paths)
		for _, path := range paths {
			if d, ok := m.remember(path, p.Kind); ok {
				found = append(found, d)
			}
		}
	}
	return found, nil
}

// remember records a device and reports whether it is new.
func (m *Monitor) remember(path, kind string) (seamstress.DeviceDescriptor, bool) {
	d := seamstress.DeviceDescriptor{ID: filepath.Base(path), Kind: kind, Path: path}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[path]; ok {
		return d, false
	}
	m.known[path] = d
	return d, true
}

func (m *Monitor) forget(path string) (seamstress.DeviceDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.known[path]
	delete(m.known, path)
	return d, ok
}

func (m *Monitor) match(path string) (string, bool) {
	for _, p := range m.cfg.Patterns {
		if ok, _ := filepath.Match(p.Glob, path); ok {
			return p.Kind, true
		}
	}
	return "", false
}

// Start launches the hot-plug loop.
func (m *Monitor) Start(_ context.Context, emit seamstress.Emitter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return errors.New("device: not initialized")
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.watch(m.watcher, emit, m.stop, m.done)
	return nil
}

func (m *Monitor) watch(w *fsnotify.Watcher, emit seamstress.Emitter, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if err := m.handle(ev, emit); errors.Is(err, seamstress.ErrQueueClosed) {
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("seamstress: device watcher error")
		}
	}
}

func (m *Monitor) handle(ev fsnotify.Event, emit seamstress.Emitter) error {
	switch {
	case ev.Has(fsnotify.Create):
		kind, ok := m.match(ev.Name)
		if !ok {
			return nil
		}
		d, fresh := m.remember(ev.Name, kind)
		if !fresh {
			return nil
		}
		m.added.Add(1)
		return emit.Emit(d.Added())
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d, ok := m.forget(ev.Name)
		if !ok {
			return nil
		}
		m.removed.Add(1)
		return emit.Emit(seamstress.DeviceRemoved{DeviceID: d.ID})
	}
	return nil
}

// Stop ends the hot-plug loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deinit closes the watcher.
func (m *Monitor) Deinit(context.Context) error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Devices lists the devices currently known, sorted by path.
func (m *Monitor) Devices() []seamstress.DeviceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]seamstress.DeviceDescriptor, 0, len(m.known))
	for _, d := range m.known {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b seamstress.DeviceDescriptor) int { return strings.Compare(a.Path, b.Path) })
	return out
}

type Stats struct {
	Added   uint64
	Removed uint64
}

func (m *Monitor) Stats() Stats {
	return Stats{Added: m.added.Load(), Removed: m.removed.Load()}
}
