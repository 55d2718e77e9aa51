// Package tools maintains the catalog of agent tool descriptions surfaced in
// poll responses alongside pending permission requests.
package tools

import "sync"

// Info describes one agent tool.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// catalog holds the descriptions of the tools the agent runtime ships.
// Names not listed here fall back to the bare tool name.
var catalog = map[string]Info{
	"Task":         {Name: "Task", Description: "Launch a subagent to handle a multi-step task", Category: "agent"},
	"Bash":         {Name: "Bash", Description: "Execute a shell command in the session workspace", Category: "execution"},
	"Read":         {Name: "Read", Description: "Read a file from the workspace", Category: "filesystem"},
	"Write":        {Name: "Write", Description: "Create or overwrite a file in the workspace", Category: "filesystem"},
	"Edit":         {Name: "Edit", Description: "Apply a string replacement to a file", Category: "filesystem"},
	"NotebookEdit": {Name: "NotebookEdit", Description: "Edit a cell in a Jupyter notebook", Category: "filesystem"},
	"Glob":         {Name: "Glob", Description: "Find files matching a glob pattern", Category: "search"},
	"Grep":         {Name: "Grep", Description: "Search file contents with regular expressions", Category: "search"},
	"WebFetch":     {Name: "WebFetch", Description: "Fetch and summarize a web page", Category: "network"},
	"WebSearch":    {Name: "WebSearch", Description: "Search the web", Category: "network"},
	"TodoWrite":    {Name: "TodoWrite", Description: "Update the session task list", Category: "agent"},
	"KillShell":    {Name: "KillShell", Description: "Terminate a background shell", Category: "execution"},
	"BashOutput":   {Name: "BashOutput", Description: "Read output from a background shell", Category: "execution"},
}

// Describe returns the description for toolName, falling back to the name
// itself for tools not in the catalog.
func Describe(toolName string) string {
	if info, ok := catalog[toolName]; ok {
		return info.Description
	}
	return toolName
}

// Known returns the catalog entry for toolName.
func Known(toolName string) (Info, bool) {
	info, ok := catalog[toolName]
	return info, ok
}

// Cache merges the static catalog with the tool names each session announced
// in its init message. Static catalog entries win; init-only names get a
// name-as-description fallback entry.
type Cache struct {
	mu      sync.RWMutex
	dynamic map[string]Info
}

// NewCache returns an empty tool cache.
func NewCache() *Cache {
	return &Cache{dynamic: make(map[string]Info)}
}

// MergeInitTools records tool names announced by a session init message.
func (c *Cache) MergeInitTools(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := catalog[name]; ok {
			continue
		}
		if _, ok := c.dynamic[name]; !ok {
			c.dynamic[name] = Info{Name: name, Description: name}
		}
	}
}

// Describe returns the best known description for toolName.
func (c *Cache) Describe(toolName string) string {
	if info, ok := catalog[toolName]; ok {
		return info.Description
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.dynamic[toolName]; ok {
		return info.Description
	}
	return toolName
}

// List returns every known tool, static catalog first.
func (c *Cache) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(catalog)+len(c.dynamic))
	for _, info := range catalog {
		out = append(out, info)
	}
	for _, info := range c.dynamic {
		out = append(out, info)
	}
	return out
}
