package progress

import (
	"fmt"
	"log"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// LuaFilter runs a user script's filter(event) function on every event.
// The script runs in a sandbox without io, os or module loading. Script
// errors keep the event and are logged.
type LuaFilter struct {
	mu sync.Mutex
	L  *lua.LState
	fn lua.LValue
}

// LoadLuaFilter reads and compiles the script at path.
func LoadLuaFilter(path string) (*LuaFilter, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter script: %w", err)
	}
	return NewLuaFilter(string(script))
}

// NewLuaFilter compiles script, which must define a global filter function.
func NewLuaFilter(script string) (*LuaFilter, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(luaLog))

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load filter script: %w", err)
	}
	fn := L.GetGlobal("filter")
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("filter script must define a 'filter' function")
	}
	return &LuaFilter{L: L, fn: fn}, nil
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func luaLog(L *lua.LState) int {
	log.Printf("progress filter: %s", L.CheckString(1))
	return 0
}

// Filter returns the engine filter backed by the script.
func (f *LuaFilter) Filter() engine.ProgressFilter {
	return f.Accept
}

// Accept calls filter(event). Only an explicit false or nil drops the event.
func (f *LuaFilter) Accept(ev engine.ProgressEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.L == nil {
		return true
	}

	L := f.L
	if err := L.CallByParam(lua.P{Fn: f.fn, NRet: 1, Protect: true}, eventTable(L, ev)); err != nil {
		log.Printf("progress filter failed on event %s: %v", ev.ID, err)
		return true
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret)
}

// Close releases the Lua state.
func (f *LuaFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.L != nil {
		f.L.Close()
		f.L = nil
	}
	return nil
}

func eventTable(L *lua.LState, ev engine.ProgressEvent) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(ev.ID))
	L.SetField(t, "session_id", lua.LString(ev.SessionID))
	L.SetField(t, "iteration", lua.LNumber(ev.Iteration))
	L.SetField(t, "type", lua.LString(ev.Type))
	L.SetField(t, "backend", lua.LString(ev.Backend))
	L.SetField(t, "tool_id", lua.LString(ev.ToolID))
	L.SetField(t, "content", lua.LString(ev.Content))
	L.SetField(t, "progress", lua.LNumber(ev.Progress))
	L.SetField(t, "total", lua.LNumber(ev.Total))

	meta := L.NewTable()
	for k, v := range ev.Metadata {
		L.SetField(meta, k, toLua(v))
	}
	L.SetField(t, "metadata", meta)
	return t
}

// toLua converts scalar metadata values; anything else becomes its string form.
func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	}
	return lua.LString(fmt.Sprint(v))
}
