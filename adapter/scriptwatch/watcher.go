// Package scriptwatch emits a reload signal whenever the user script changes
// on disk, so edits take effect without restarting.
package scriptwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const (
	ProducerName = "scriptwatch"

	// SignalReload is the Signal name the engine reloads on.
	SignalReload = "reload"

	// DefaultDebounce coalesces the bursts of writes editors produce.
	DefaultDebounce = 100 * time.Millisecond
)

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		return New(ConfigFromMap(cfg), nil), nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

type Config struct {
	Script   string
	Debounce time.Duration
}

func ConfigFromMap(m map[string]any) Config {
	c := cfgmap.Map(m)
	return Config{
		Script:   c.String("script", ""),
		Debounce: c.Duration("debounce", DefaultDebounce),
	}
}

// Watcher implements seamstress.Producer.
type Watcher struct {
	cfg    Config
	logger *xlog.Logger
	path   string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}

	reloads atomic.Uint64
}

var _ seamstress.Producer = (*Watcher)(nil)

func New(cfg Config, logger *xlog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Watcher{cfg: cfg, logger: logger}
}

func (w *Watcher) Name() string { return ProducerName }

// Init watches the directory holding the script. Editors commonly replace
// the file rather than write it in place, which a watch on the file itself
// would lose.
func (w *Watcher) Init(context.Context) error {
	if w.cfg.Script == "" {
		return errors.New("scriptwatch: no script configured")
	}
	abs, err := filepath.Abs(w.cfg.Script)
	if err != nil {
		return fmt.Errorf("scriptwatch: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scriptwatch: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("scriptwatch: watch %s: %w", filepath.Dir(abs), err)
	}
	w.mu.Lock()
	w.path = abs
	w.watcher = fw
	w.mu.Unlock()
	return nil
}

func (w *Watcher) Start(_ context.Context, emit seamstress.Emitter) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return errors.New("scriptwatch: not initialized")
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.watcher, emit, w.stop, w.done)
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher, emit seamstress.Emitter, stop, done chan struct{}) {
	defer close(done)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				debounce.Reset(w.cfg.Debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("seamstress: script watcher error")
		case <-debounce.C:
			w.reloads.Add(1)
			w.logger.Info().Str("script", w.path).Msg("seamstress: script changed, reloading")
			if err := emit.Emit(seamstress.Signal{Name: SignalReload, Payload: w.path}); errors.Is(err, seamstress.ErrQueueClosed) {
				return
			}
		}
	}
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop = nil
	w.mu.Unlock()
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

func (w *Watcher) Deinit(context.Context) error {
	w.mu.Lock()
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	return fw.Close()
}

// Reloads counts reload signals emitted.
func (w *Watcher) Reloads() uint64 { return w.reloads.Load() }
