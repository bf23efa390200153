// Package tools 提供笔记工具的注册表和处理器
package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yukin371/quill/internal/core"
)

// Handler 定义工具接口
type Handler interface {
	// Name 返回工具名称
	Name() string

	// Definition 返回发送给 LLM 的工具定义
	Definition() core.Tool

	// Deterministic reports whether identical arguments always give the same
	// result without side effects, which makes the response cacheable.
	Deterministic() bool

	// Execute runs the tool. Validation problems come back as a failed
	// ToolResponse with guidance; err is reserved for unexpected failures.
	Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error)
}

// Mutator is implemented by non-deterministic tools whose reads and writes
// share one tool. Tools without it are treated as always writing.
type Mutator interface {
	Mutates(args map[string]any) bool
}

// Mutates reports whether running h with args may change stored notes.
func Mutates(h Handler, args map[string]any) bool {
	if h.Deterministic() {
		return false
	}
	if m, ok := h.(Mutator); ok {
		return m.Mutates(args)
	}
	return true
}

// ToolBox 工具箱，管理所有已注册的工具
type ToolBox struct {
	mu    sync.RWMutex
	tools map[string]Handler
	order []string
}

// NewToolBox 创建新的工具箱
func NewToolBox() *ToolBox {
	return &ToolBox{tools: make(map[string]Handler)}
}

// Options configure the default tool set.
type Options struct {
	Guard *Guard
	// Now is the clock used by calendar tools.
	Now func() time.Time
}

// NewDefaultToolBox registers the note tools backed by store.
func NewDefaultToolBox(store core.NoteStore, opts Options) *ToolBox {
	if opts.Guard == nil {
		opts.Guard = NewGuard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tb := NewToolBox()
	tb.Register(NewSmartSearchTool(store))
	tb.Register(NewManageNoteTool(store, opts.Guard))
	tb.Register(NewCloneNoteTool(store))
	tb.Register(NewCalendarTool(store, opts.Now))
	tb.Register(NewHierarchyTool(store))
	tb.Register(NewAttributeTool(store, opts.Guard))
	tb.Register(NewContentExtractionTool(store))
	tb.Register(NewWorkflowHelperTool())
	return tb
}

// Register 注册一个工具，同名工具会被替换
func (tb *ToolBox) Register(h Handler) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.tools[h.Name()]; !exists {
		tb.order = append(tb.order, h.Name())
	}
	tb.tools[h.Name()] = h
}

// Get 获取工具
func (tb *ToolBox) Get(name string) (Handler, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	h, ok := tb.tools[name]
	return h, ok
}

// List 按注册顺序列出所有工具
func (tb *ToolBox) List() []Handler {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]Handler, 0, len(tb.order))
	for _, name := range tb.order {
		out = append(out, tb.tools[name])
	}
	return out
}

// Names returns the registered tool names, sorted.
func (tb *ToolBox) Names() []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := append([]string(nil), tb.order...)
	sort.Strings(out)
	return out
}

// Definitions returns fresh copies of every tool definition, the catalog
// handed to the tool filter.
func (tb *ToolBox) Definitions() []core.Tool {
	handlers := tb.List()
	out := make([]core.Tool, len(handlers))
	for i, h := range handlers {
		out[i] = h.Definition().Clone()
	}
	return out
}
