package spindle

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/rupa/seamstress"
)

// load builds a fresh state with the seamstress module and runs the script.
func (e *Engine) load() (*lua.LState, error) {
	L := lua.NewState()
	L.SetGlobal("print", L.NewFunction(e.luaPrint))

	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"quit": e.luaQuit,
		"emit": e.luaEmit,
	})
	mod.RawSetString("version", lua.LString(e.cfg.Version))
	mod.RawSetString("script", lua.LString(e.cfg.Script))
	mod.RawSetString("local_port", lua.LNumber(e.cfg.LocalPort))
	mod.RawSetString("remote_port", lua.LNumber(e.cfg.RemotePort))
	L.SetGlobal("seamstress", mod)

	err := e.protect(func() error {
		if e.cfg.Source != "" {
			return L.DoString(e.cfg.Source)
		}
		return L.DoFile(e.cfg.Script)
	})
	if err != nil {
		L.Close()
		return nil, &ScriptError{Script: e.cfg.Script, Err: err}
	}
	return L, nil
}

// seamstress.quit([reason])
func (e *Engine) luaQuit(L *lua.LState) int {
	reason := L.OptString(1, "script")
	if err := e.quit(reason); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// seamstress.emit(name[, payload]) queues a Signal that is delivered to
// signal() after every event already queued.
func (e *Engine) luaEmit(L *lua.LState) int {
	name := L.CheckString(1)
	payload := L.OptString(2, "")
	if e.emit == nil {
		L.RaiseError("%s", ErrNotRunning.Error())
		return 0
	}
	if err := e.emit.Emit(seamstress.Signal{Name: name, Payload: payload}); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (e *Engine) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	fmt.Fprintln(e.cfg.Stdout, strings.Join(parts, "\t"))
	return 0
}
