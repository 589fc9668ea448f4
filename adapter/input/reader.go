// Package input is the local input producer: it reads lines from a reader
// (stdin by default) and emits each one as a DeviceInput from the REPL
// device. A prompt is printed only when the input is a terminal.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
	"golang.org/x/term"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const (
	ProducerName = "input"

	// DefaultDevice matches the id the engine evaluates as code.
	DefaultDevice = "stdin"

	DefaultPrompt = "> "

	maxLine = 1 << 20
)

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		return New(ConfigFromMap(cfg), nil), nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

type Config struct {
	// Device is the DeviceInput id (default: DefaultDevice).
	Device string
	// Prompt is written to Prompter before each read on a terminal.
	Prompt string
	// In is read line by line (default: os.Stdin).
	In io.Reader
	// Prompter receives prompts (default: os.Stdout).
	Prompter io.Writer
	// QuitOnEOF emits Shutdown when In ends.
	QuitOnEOF bool
}

func ConfigFromMap(m map[string]any) Config {
	c := cfgmap.Map(m)
	return Config{
		Device:    c.String("device", DefaultDevice),
		Prompt:    c.String("prompt", DefaultPrompt),
		QuitOnEOF: c.Bool("quit_on_eof", true),
	}
}

// Reader implements seamstress.Producer.
//
// A read from stdin cannot be interrupted. Stop does not wait for it: the
// reading goroutine stays blocked until the next line or process exit and
// then returns without emitting.
type Reader struct {
	cfg    Config
	logger *xlog.Logger
	tty    bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	lines atomic.Uint64
}

var (
	_ seamstress.Producer     = (*Reader)(nil)
	_ seamstress.RoleProvider = (*Reader)(nil)
)

func New(cfg Config, logger *xlog.Logger) *Reader {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Prompter == nil {
		cfg.Prompter = os.Stdout
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Reader{cfg: cfg, logger: logger}
}

func (r *Reader) Name() string { return ProducerName }

func (r *Reader) Role() seamstress.ProducerRole { return seamstress.RoleInput }

// Init detects whether input is interactive.
func (r *Reader) Init(context.Context) error {
	if f, ok := r.cfg.In.(*os.File); ok {
		r.tty = term.IsTerminal(int(f.Fd()))
	}
	return nil
}

// Interactive reports whether prompts are shown.
func (r *Reader) Interactive() bool { return r.tty }

func (r *Reader) Start(_ context.Context, emit seamstress.Emitter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("input: already started")
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.read(emit, r.stop, r.done)
	return nil
}

func (r *Reader) read(emit seamstress.Emitter, stop, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r.cfg.In)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for {
		r.prompt()
		if !sc.Scan() {
			break
		}
		select {
		case <-stop:
			return
		default:
		}
		r.lines.Add(1)
		if err := emit.Emit(seamstress.NewDeviceInput(r.cfg.Device, sc.Bytes())); errors.Is(err, seamstress.ErrQueueClosed) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("seamstress: input read failed")
	}
	select {
	case <-stop:
		return
	default:
	}
	if r.cfg.QuitOnEOF {
		_ = emit.Emit(seamstress.Shutdown{Reason: "input closed"})
	}
}

func (r *Reader) prompt() {
	if r.tty && r.cfg.Prompt != "" {
		fmt.Fprint(r.cfg.Prompter, r.cfg.Prompt)
	}
}

// Stop closes an interruptible input and waits for the reading goroutine,
// bounded by ctx. Other inputs are left to the blocked goroutine.
func (r *Reader) Stop(ctx context.Context) error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	c, ok := r.cfg.In.(io.Closer)
	if !ok || r.cfg.In == os.Stdin {
		return nil
	}
	_ = c.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) Deinit(context.Context) error { return nil }

// Lines counts lines read.
func (r *Reader) Lines() uint64 { return r.lines.Load() }
