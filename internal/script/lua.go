package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/kode4food/switchyard/internal/util"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// LuaEnv is a sandboxed Lua environment with a pool of interpreter
	// states and a cache of compiled chunks
	LuaEnv struct {
		statePool chan *lua.State
		scripts   *util.Cache[string, *CompiledLua]
	}

	// CompiledLua is a Lua chunk compiled with its argument locals
	CompiledLua struct {
		bytecode []byte
		argNames []string
	}
)

const (
	luaStatePoolSize    = 10
	luaScriptCacheSize  = 4096
	luaGlobalTableIndex = -2
	luaTableSetIndex    = -3
	luaArgLocalTemplate = "local %s = select(%d, ...)"
	luaScriptSeparator  = "\n"
	luaGlobalTableName  = "_G"
	luaChunkName        = "chunk"

	// luaHookInterval is how many instructions run between checks of an
	// executing handler's context
	luaHookInterval = 1000
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var (
	luaExclude = [...]string{
		"io", "os", "debug", "package", "require", "dofile", "loadfile",
		"load",
	}

	predicateArgs = []string{"input", "value", "old", "kind"}
)

// NewLuaEnv creates a Lua environment with an empty state pool
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{
		statePool: make(chan *lua.State, luaStatePoolSize),
		scripts:   util.NewCache[string, *CompiledLua](luaScriptCacheSize),
	}
}

// Compile compiles src with the given argument names bound as locals,
// reusing an earlier compilation of the same source and arguments
func (e *LuaEnv) Compile(src string, argNames []string) (*CompiledLua, error) {
	key := strings.Join(argNames, ",") + luaScriptSeparator + src
	return e.scripts.Get(key, func() (*CompiledLua, error) {
		return e.compile(src, argNames)
	})
}

// Validate implements Env
func (e *LuaEnv) Validate(src string) error {
	_, err := e.compile(src, predicateArgs)
	return err
}

// Predicate implements Env. The script sees the normalized trigger input as
// input, the new and old values of a state mutation (or the payload data)
// as value and old, and the trigger kind as kind. Its first result is
// tested for Lua truthiness
func (e *LuaEnv) Predicate(src string) (api.Predicate, error) {
	c, err := e.Compile(src, predicateArgs)
	if err != nil {
		return nil, err
	}
	return func(in *api.TriggerInput) (bool, error) {
		args, err := predicateValues(in)
		if err != nil {
			return false, err
		}
		res := false
		err = e.run(c, args, func(L *lua.State) {
			res = L.ToBoolean(-1)
		})
		return res, err
	}, nil
}

// Execute runs a compiled chunk with args bound positionally to its
// argument names, returning its first result converted to Go
func (e *LuaEnv) Execute(
	ctx context.Context, c *CompiledLua, args []any,
	host map[string]lua.Function,
) (any, error) {
	var res any
	err := e.runWith(ctx, c, args, host, func(L *lua.State) {
		res = luaToGo(L, -1)
	})
	return res, err
}

func (e *LuaEnv) compile(src string, argNames []string) (*CompiledLua, error) {
	argLocals := make([]string, len(argNames))
	for i, name := range argNames {
		argLocals[i] = fmt.Sprintf(luaArgLocalTemplate, name, i+1)
	}

	full := strings.Join([]string{
		strings.Join(argLocals, luaScriptSeparator), src,
	}, luaScriptSeparator)

	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, full); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	return &CompiledLua{
		bytecode: buf.Bytes(),
		argNames: argNames,
	}, nil
}

func (e *LuaEnv) run(c *CompiledLua, args []any, out func(*lua.State)) error {
	return e.runWith(context.Background(), c, args, nil, out)
}

func (e *LuaEnv) runWith(
	ctx context.Context, c *CompiledLua, args []any,
	host map[string]lua.Function, out func(*lua.State),
) (err error) {
	L := e.getState()
	defer e.returnState(L)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLuaExecution, r)
		}
	}()

	e.setupSandbox(L)
	if ctx.Done() != nil {
		interruptOnDone(ctx, L)
	}
	for name, fn := range host {
		L.Register(name, fn)
	}

	if err := L.Load(
		bytes.NewReader(c.bytecode), luaChunkName, "b",
	); err != nil {
		return fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	for i := range c.argNames {
		if i < len(args) {
			goToLua(L, args[i])
			continue
		}
		L.PushNil()
	}

	if err := L.ProtectedCall(len(c.argNames), 1, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}
	out(L)
	L.Pop(1)
	return nil
}

func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

// interruptOnDone raises a Lua error from inside the running script once
// ctx ends, so a script that never yields still stops
func interruptOnDone(ctx context.Context, L *lua.State) {
	lua.SetDebugHook(L, func(L *lua.State, _ lua.Debug) {
		if err := ctx.Err(); err != nil {
			lua.Errorf(L, "%s", err.Error())
		}
	}, lua.MaskCount, luaHookInterval)
}

func (e *LuaEnv) returnState(L *lua.State) {
	lua.SetDebugHook(L, nil, 0, 0)
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func predicateValues(in *api.TriggerInput) ([]any, error) {
	input, err := toGeneric(in)
	if err != nil {
		return nil, err
	}
	value, old := in.Data, any(nil)
	if in.Kind == api.TriggerState {
		value, old = in.New, in.Old
	}
	if value, err = toGeneric(value); err != nil {
		return nil, err
	}
	if old, err = toGeneric(old); err != nil {
		return nil, err
	}
	return []any{input, value, old, string(in.Kind)}, nil
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaTableSetIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaTableSetIndex)
	}
}

func luaToGo(L *lua.State, index int) any {
	switch {
	case L.IsNil(index):
		return nil
	case L.IsBoolean(index):
		return L.ToBoolean(index)
	case L.IsNumber(index):
		num, _ := L.ToNumber(index)
		if num == float64(int(num)) {
			return int(num)
		}
		return num
	case L.IsString(index):
		s, _ := L.ToString(index)
		return s
	case L.IsTable(index):
		return luaTableToAny(L, absIndex(L, index))
	default:
		return nil
	}
}

func luaTableToAny(L *lua.State, index int) any {
	isArray := true
	length := 0

	L.PushNil()
	for L.Next(index) {
		if !L.IsNumber(-2) {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(index, i)
			arr[i-1] = luaToGo(L, -1)
			L.Pop(1)
		}
		return arr
	}

	result := map[string]any{}
	L.PushNil()
	for L.Next(index) {
		if L.IsString(-2) && !L.IsNumber(-2) {
			key, _ := L.ToString(-2)
			result[key] = luaToGo(L, -1)
		} else {
			result[fmt.Sprint(luaToGo(L, -2))] = luaToGo(L, -1)
		}
		L.Pop(1)
	}
	return result
}

func absIndex(L *lua.State, index int) int {
	if index < 0 {
		return L.Top() + index + 1
	}
	return index
}
