package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/editorbridge/editorbridge/pkg/toolspec"
)

// MenuFunc executes one host menu item.
type MenuFunc func(ctx context.Context) error

// MenuTable maps menu paths ("Assets/Refresh") to their actions. Menu
// dispatch mutates host state, so the tool requires the main thread.
type MenuTable struct {
	mu    sync.RWMutex
	items map[string]MenuFunc
}

// NewMenuTable creates an empty menu table.
func NewMenuTable() *MenuTable {
	return &MenuTable{items: make(map[string]MenuFunc)}
}

// Add registers a menu item. Later registrations win, like a host
// rebuilding its menu on reload.
func (m *MenuTable) Add(path string, fn MenuFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[path] = fn
}

// Paths returns all registered menu paths, sorted.
func (m *MenuTable) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.items))
	for p := range m.items {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Get returns the action for a menu path.
func (m *MenuTable) Get(path string) (MenuFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.items[path]
	return fn, ok
}

// ExecuteMenuItem runs a named host menu item on the main thread.
type ExecuteMenuItem struct {
	menu *MenuTable
}

// NewExecuteMenuItem creates the execute_menu_item tool over a menu table.
func NewExecuteMenuItem(menu *MenuTable) *ExecuteMenuItem {
	return &ExecuteMenuItem{menu: menu}
}

func (t *ExecuteMenuItem) Name() string { return "execute_menu_item" }

func (t *ExecuteMenuItem) Description() string {
	return "Executes a host menu item by its path, e.g. Assets/Refresh."
}

func (t *ExecuteMenuItem) RequiresMainThread() bool { return true }

func (t *ExecuteMenuItem) ParameterSchema() *toolspec.Schema {
	return toolspec.Object(map[string]*toolspec.Schema{
		"menu_path": toolspec.String("full path of the menu item to execute"),
	}, "menu_path")
}

func (t *ExecuteMenuItem) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := args["menu_path"].(string)

	fn, ok := t.menu.Get(path)
	if !ok {
		return "", fmt.Errorf("unknown menu item %q", path)
	}
	if err := fn(ctx); err != nil {
		return "", fmt.Errorf("menu item %q: %w", path, err)
	}

	data, _ := json.Marshal(map[string]any{"executed": path})
	return string(data), nil
}
