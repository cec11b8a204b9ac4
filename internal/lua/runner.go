package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/progress"
)

// ScriptProvider runs agent actions implemented in Lua. The script is
// compiled once; every call gets a fresh state, so scripts keep no state
// between steps and concurrent steps never share an interpreter.
//
// The script defines a global execute(action, params) that returns a table
// { success = bool, data = table, error = string, tokens = number, ui = { {...} } }.
// It may also define describe() returning { description = string,
// actions = { { name, description, params = { { name, description, required } } } } }.
// Inside execute, progress(completed, total, item) reports bulk sub-progress.
type ScriptProvider struct {
	path  string
	proto *lua.FunctionProto
}

// Load compiles the script at path.
func Load(path string) (*ScriptProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, absPath)
	if err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, absPath)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", path, err)
	}
	return &ScriptProvider{path: absPath, proto: proto}, nil
}

func (s *ScriptProvider) newState(ctx context.Context) (*lua.LState, error) {
	lState := lua.NewState()
	lState.PreloadModule("os", osModuleLoader)
	if ctx != nil {
		lState.SetContext(ctx)
	}
	lState.Push(lState.NewFunctionFromProto(s.proto))
	if err := lState.PCall(0, lua.MultRet, nil); err != nil {
		lState.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	return lState, nil
}

// Capability asks the script to describe itself. Without describe() the
// capability only carries the agent name.
func (s *ScriptProvider) Capability(agent plan.Agent) (orchestrator.Capability, error) {
	c := orchestrator.Capability{Agent: agent}
	lState, err := s.newState(context.Background())
	if err != nil {
		return c, err
	}
	defer lState.Close()

	fn := lState.GetGlobal("describe")
	if fn.Type() == lua.LTNil {
		return c, nil
	}
	if fn.Type() != lua.LTFunction {
		return c, fmt.Errorf("describe must be a function, got %s", fn.Type().String())
	}
	if err := lState.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return c, fmt.Errorf("describe(): %w", err)
	}
	ret := lState.Get(-1)
	lState.Pop(1)

	desc, ok := fromLua(ret).(map[string]any)
	if !ok {
		return c, fmt.Errorf("describe() must return a table, got %s", ret.Type().String())
	}
	c.Description, _ = desc["description"].(string)
	actions, _ := desc["actions"].([]any)
	for _, a := range actions {
		am, ok := a.(map[string]any)
		if !ok {
			continue
		}
		action := orchestrator.Action{}
		action.Name, _ = am["name"].(string)
		action.Description, _ = am["description"].(string)
		params, _ := am["params"].([]any)
		for _, p := range params {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			param := orchestrator.Parameter{}
			param.Name, _ = pm["name"].(string)
			param.Description, _ = pm["description"].(string)
			param.Required, _ = pm["required"].(bool)
			action.Parameters = append(action.Parameters, param)
		}
		if action.Name != "" {
			c.Actions = append(c.Actions, action)
		}
	}
	return c, nil
}

func (s *ScriptProvider) Execute(ctx context.Context, action string, params map[string]any) plan.StepResult {
	return s.ExecuteWithProgress(ctx, action, params, nil)
}

func (s *ScriptProvider) ExecuteWithProgress(ctx context.Context, action string, params map[string]any, report orchestrator.ProgressFunc) plan.StepResult {
	lState, err := s.newState(ctx)
	if err != nil {
		return plan.Failuref("%v", err)
	}
	defer lState.Close()

	lState.SetGlobal("progress", lState.NewFunction(func(ls *lua.LState) int {
		if report != nil {
			report(progress.BulkProgress{
				Completed: ls.CheckInt(1),
				Total:     ls.CheckInt(2),
				Item:      ls.OptString(3, ""),
			})
		}
		return 0
	}))

	fn := lState.GetGlobal("execute")
	if fn.Type() != lua.LTFunction {
		return plan.Failuref("script %s must define global function execute(action, params)", filepath.Base(s.path))
	}
	if err := lState.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(action), toLua(lState, params)); err != nil {
		return plan.Failuref("execute(%s): %v", action, err)
	}
	ret := lState.Get(-1)
	lState.Pop(1)

	out, ok := fromLua(ret).(map[string]any)
	if !ok {
		return plan.Failuref("execute(%s) must return a table, got %s", action, ret.Type().String())
	}
	return stepResult(out)
}

func stepResult(out map[string]any) plan.StepResult {
	var res plan.StepResult
	res.Success, _ = out["success"].(bool)
	res.Error, _ = out["error"].(string)
	if data, ok := out["data"].(map[string]any); ok {
		res.Data = data
	}
	if n, ok := out["tokens"].(float64); ok {
		res.TokensUsed = int(n)
	}
	if ui, ok := out["ui"].([]any); ok {
		for _, c := range ui {
			if cmd, ok := c.(map[string]any); ok {
				res.UICommands = append(res.UICommands, plan.UICommand(cmd))
			}
		}
	}
	return res
}

// toLua converts decoded JSON-like values into Lua values. Unknown types
// are passed as their string form.
func toLua(lState *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case []any:
		tbl := lState.NewTable()
		for _, it := range x {
			tbl.Append(toLua(lState, it))
		}
		return tbl
	case []string:
		tbl := lState.NewTable()
		for _, it := range x {
			tbl.Append(lua.LString(it))
		}
		return tbl
	case map[string]any:
		tbl := lState.NewTable()
		for k, it := range x {
			tbl.RawSetString(k, toLua(lState, it))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a Lua value back. A table with only keys 1..n becomes
// a slice; any other table becomes a map keyed by the string form of its keys.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LTable:
		n := x.MaxN()
		count := 0
		x.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any, count)
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	default:
		return nil
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		ls.Push(lua.LString(os.Getenv(key)))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}

// AgentName derives an agent name from a script file name: "image.lua" is "image".
func AgentName(path string) plan.Agent {
	return plan.Agent(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}
