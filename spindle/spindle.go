// Package spindle is the embedded Lua engine that runs user callbacks.
//
// The engine is not goroutine-safe. The runtime calls every method from its
// dispatching goroutine; scripts reach back into the runtime only through the
// emitter handed to Startup (seamstress.emit and seamstress.quit).
//
// Callbacks a script may define, all optional:
//
//	init()                          after the script loaded and producers started
//	cleanup()                       before the engine is torn down or reloaded
//	osc_event(path, args, from)     one call per OSC message in a NetworkMessage
//	device_added(id, kind, path)
//	device_removed(id)
//	device_input(id, data)
//	tick(source, n)
//	signal(name, payload)
//
// Lines from the REPL device are run as Lua chunks; the line "quit" ends the
// program.
package spindle

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/trickstertwo/xlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/rupa/seamstress"
)

const (
	// DefaultScript is loaded when no script is configured.
	DefaultScript = "script.lua"

	// ReplDevice is the device id whose input is evaluated as Lua.
	ReplDevice = "stdin"

	// SignalReload makes the engine reload its script.
	SignalReload = "reload"
)

// Config controls engine behavior.
type Config struct {
	// Script is the path of the user script (default: DefaultScript).
	Script string
	// Source, when set, is run instead of reading Script.
	Source string
	// Stdout receives print output and REPL results (default: os.Stdout).
	Stdout io.Writer
	// Version is exposed to scripts as seamstress.version.
	Version string
	// LocalPort and RemotePort are exposed as seamstress.local_port and
	// seamstress.remote_port.
	LocalPort  int
	RemotePort int
}

// Engine implements seamstress.Engine on gopher-lua.
type Engine struct {
	cfg    Config
	logger *xlog.Logger

	L    *lua.LState
	emit seamstress.Emitter

	reloads int
}

var _ seamstress.Engine = (*Engine)(nil)

// New creates an engine. The Lua state is created in Init.
func New(cfg Config, logger *xlog.Logger) *Engine {
	if cfg.Script == "" {
		cfg.Script = DefaultScript
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Init creates the Lua state and runs the script body. Callbacks are not
// invoked yet.
func (e *Engine) Init(context.Context) error {
	L, err := e.load()
	if err != nil {
		return err
	}
	e.L = L
	return nil
}

// Startup stores the emitter and calls init().
func (e *Engine) Startup(_ context.Context, emit seamstress.Emitter) error {
	e.emit = emit
	return e.call("init")
}

// Handle routes one event to its callback.
func (e *Engine) Handle(_ context.Context, ev seamstress.Event) error {
	if e.L == nil {
		return ErrStateClosed
	}
	switch v := ev.(type) {
	case seamstress.NetworkMessage:
		msgs, err := decodeOSC(v.Payload)
		if err != nil {
			return fmt.Errorf("spindle: osc from %s: %w", v.From, err)
		}
		for _, m := range msgs {
			if err := e.call("osc_event", lua.LString(m.Address), e.oscArgs(m.Arguments), lua.LString(v.From)); err != nil {
				return err
			}
		}
		return nil
	case seamstress.DeviceAdded:
		return e.call("device_added", lua.LString(v.DeviceID), lua.LString(v.DeviceKind), lua.LString(v.Path))
	case seamstress.DeviceRemoved:
		return e.call("device_removed", lua.LString(v.DeviceID))
	case seamstress.DeviceInput:
		if v.DeviceID == ReplDevice {
			return e.repl(string(v.Payload))
		}
		return e.call("device_input", lua.LString(v.DeviceID), lua.LString(v.Payload))
	case seamstress.Timer:
		return e.call("tick", lua.LString(v.Source), lua.LNumber(v.Tick))
	case seamstress.Signal:
		if v.Name == SignalReload {
			return e.Reload()
		}
		return e.call("signal", lua.LString(v.Name), lua.LString(v.Payload))
	default:
		return fmt.Errorf("spindle: unhandled event %s", ev.Kind())
	}
}

// Deinit calls cleanup() and closes the state.
func (e *Engine) Deinit(context.Context) error {
	if e.L == nil {
		return nil
	}
	err := e.call("cleanup")
	e.L.Close()
	e.L = nil
	return err
}

// Reload runs cleanup(), loads the script into a fresh state and calls
// init(). When the new script fails to load the old state is kept.
func (e *Engine) Reload() error {
	L, err := e.load()
	if err != nil {
		return err
	}
	if err := e.call("cleanup"); err != nil {
		e.logger.Warn().Err(err).Msg("spindle: cleanup before reload failed")
	}
	e.L.Close()
	e.L = L
	e.reloads++
	e.logger.Info().Str("script", e.cfg.Script).Msg("spindle: script reloaded")
	return e.call("init")
}

// Reloads counts successful reloads.
func (e *Engine) Reloads() int { return e.reloads }

func (e *Engine) repl(line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "quit":
		return e.quit("quit")
	}
	// Try the line as an expression first so "1 + 1" prints its value.
	if fn, err := e.L.LoadString("return " + line); err == nil {
		return e.pcall(fn, true)
	}
	fn, err := e.L.LoadString(line)
	if err != nil {
		return fmt.Errorf("spindle: %w", err)
	}
	return e.pcall(fn, false)
}

func (e *Engine) quit(reason string) error {
	if e.emit == nil {
		return ErrNotRunning
	}
	return e.emit.Emit(seamstress.Shutdown{Reason: reason})
}

// call invokes a global callback if the script defines it.
func (e *Engine) call(name string, args ...lua.LValue) error {
	fn, ok := e.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	if err := e.protect(func() error {
		return e.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	}); err != nil {
		return &CallbackError{Callback: name, Err: err}
	}
	return nil
}

// pcall runs a compiled chunk and optionally prints what it returned.
func (e *Engine) pcall(fn *lua.LFunction, printResults bool) error {
	top := e.L.GetTop()
	err := e.protect(func() error {
		e.L.Push(fn)
		return e.L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		e.L.SetTop(top)
		return &CallbackError{Callback: "repl", Err: err}
	}
	n := e.L.GetTop() - top
	if printResults && n > 0 {
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, e.L.Get(top+i).String())
		}
		fmt.Fprintln(e.cfg.Stdout, strings.Join(parts, "\t"))
	}
	e.L.SetTop(top)
	return nil
}

func (e *Engine) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func (e *Engine) oscArgs(args []any) *lua.LTable {
	t := e.L.CreateTable(len(args), 0)
	for _, a := range args {
		t.Append(toLua(a))
	}
	return t
}

func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	default:
		// Table.Append ignores nil, which would shift later arguments.
		return lua.LFalse
	}
}
