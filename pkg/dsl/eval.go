// Package dsl 把 CEL 表达式编译为物品过滤谓词。
package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/streamrec/core"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("item", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

// Predicate 是编译后的过滤谓词
type Predicate func(id string, meta core.ItemMeta) bool

// Compiler 编译并缓存 CEL 过滤表达式。
//
// 表达式可访问的变量：
//   - item.id：物品 id
//   - item.category：类目
//   - item.tags：标签列表
//   - item.popularity：热度 [0, 1]
//
// 示例：
//   - `item.popularity > 0.5 && "sale" in item.tags`
//   - `item.category in ["book", "music"]`
//   - `item.id.startsWith("sku-")`
//
// 求值出错（例如类型不匹配）的物品视为不满足条件。
type Compiler struct {
	maxEntries int

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// NewCompiler 创建编译器，最多缓存 maxEntries 个表达式
func NewCompiler(maxEntries int) *Compiler {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Compiler{maxEntries: maxEntries, progs: make(map[string]cel.Program)}
}

// Compile 编译表达式，语法或类型错误返回 INVALID_INPUT
func (c *Compiler) Compile(expr string) (Predicate, error) {
	prg, err := c.program(expr)
	if err != nil {
		return nil, err
	}
	return func(id string, meta core.ItemMeta) bool {
		out, _, err := prg.Eval(map[string]any{"item": input(id, meta)})
		if err != nil {
			return false
		}
		ok, _ := out.Value().(bool)
		return ok
	}, nil
}

func (c *Compiler) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.progs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeInvalidInput, "filter expression: %v", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeInvalidInput, "filter expression must return bool, got %s", t)
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, core.Errorf(core.ModuleEngine, core.ErrorCodeInvalidInput, "filter expression: %v", err)
	}

	c.mu.Lock()
	if len(c.progs) >= c.maxEntries {
		clear(c.progs)
	}
	c.progs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// Bind 编译 f.Expr 并设置 f.Predicate，Expr 为空时不做任何事
func (c *Compiler) Bind(f *core.Filter) error {
	if f == nil || f.Expr == "" {
		return nil
	}
	p, err := c.Compile(f.Expr)
	if err != nil {
		return err
	}
	f.Predicate = p
	return nil
}

func input(id string, meta core.ItemMeta) map[string]any {
	tags := make([]string, len(meta.Tags))
	copy(tags, meta.Tags)
	return map[string]any{
		"id":         id,
		"category":   meta.Category,
		"tags":       tags,
		"popularity": meta.Popularity,
	}
}
