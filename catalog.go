package main

import (
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Catalog holds the tools each connected server advertised, post-filter.
// The listener and snapshot writer read it; the facade populates it after
// every successful tools/list.
type Catalog struct {
	relay   *RelayConfig
	filters map[string]*ToolFilterConfig

	mu    sync.RWMutex
	tools map[string][]mcp.Tool
}

func NewCatalog(relay *RelayConfig, filters map[string]*ToolFilterConfig) *Catalog {
	return &Catalog{
		relay:   relay,
		filters: filters,
		tools:   make(map[string][]mcp.Tool),
	}
}

// SetTools records a server's advertised tools with its filter applied.
func (c *Catalog) SetTools(server string, tools []mcp.Tool) {
	filtered := filterTools(tools, c.filters[server])
	c.mu.Lock()
	c.tools[server] = filtered
	c.mu.Unlock()
}

// Tools returns one server's filtered tool list.
func (c *Catalog) Tools(server string) []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[server]
}

// ServerFor resolves which server advertises the named tool. First match in
// sorted server order wins when two servers collide on a name.
func (c *Catalog) ServerFor(tool string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, t := range c.tools[name] {
			if t.Name == tool {
				return name, true
			}
		}
	}
	return "", false
}

// filterTools applies an allow or block list. A nil filter passes everything
// through; an unknown mode is treated as no filter. An empty allow list
// exposes nothing, an empty block list blocks nothing.
func filterTools(tools []mcp.Tool, filter *ToolFilterConfig) []mcp.Tool {
	if filter == nil {
		return tools
	}
	if len(filter.List) == 0 && filter.Mode != "allow" {
		return tools
	}
	listed := make(map[string]struct{}, len(filter.List))
	for _, name := range filter.List {
		listed[name] = struct{}{}
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		_, inList := listed[tool.Name]
		switch filter.Mode {
		case "allow":
			if inList {
				out = append(out, tool)
			}
		case "block":
			if !inList {
				out = append(out, tool)
			}
		default:
			out = append(out, tool)
		}
	}
	return out
}

type aggregatedTool struct {
	descriptor map[string]any
	servers    map[string]struct{}
}

func newAggregatedTool(descriptor map[string]any) *aggregatedTool {
	return &aggregatedTool{descriptor: descriptor, servers: make(map[string]struct{})}
}

func (a *aggregatedTool) addServer(name string) {
	if name == "" {
		return
	}
	a.servers[name] = struct{}{}
}

func (a *aggregatedTool) serverList() []string {
	if len(a.servers) == 0 {
		return nil
	}
	list := make([]string, 0, len(a.servers))
	for name := range a.servers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Aggregate flattens every server's tools into one sorted descriptor list,
// tagging each entry with the servers that advertise it.
func (c *Catalog) Aggregate() []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]*aggregatedTool)
	for serverName, tools := range c.tools {
		for _, tool := range tools {
			descriptor := toolDescriptor(tool)
			entry, exists := seen[tool.Name]
			if exists {
				entry.addServer(serverName)
			} else {
				entry = newAggregatedTool(descriptor)
				entry.addServer(serverName)
				seen[tool.Name] = entry
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := seen[name]
		descriptor := entry.descriptor
		descriptor["servers"] = entry.serverList()
		result = append(result, descriptor)
	}
	return result
}

func toolDescriptor(tool mcp.Tool) map[string]any {
	descriptor := map[string]any{
		"name": tool.Name,
	}
	if tool.Description != "" {
		descriptor["description"] = tool.Description
	}
	if len(tool.RawInputSchema) > 0 {
		descriptor["inputSchema"] = tool.RawInputSchema
	} else if tool.InputSchema.Type != "" || len(tool.InputSchema.Properties) > 0 || len(tool.InputSchema.Required) > 0 {
		descriptor["inputSchema"] = tool.InputSchema
	}
	return descriptor
}

// BuildInitializeResult assembles the aggregate initialize payload served
// when a client asks the relay itself instead of one server.
func (c *Catalog) BuildInitializeResult() map[string]any {
	tools := c.Aggregate()

	capabilities := map[string]any{}
	if len(tools) > 0 {
		capabilities["tools"] = map[string]any{"listChanged": false}
	}

	serverInfo := map[string]any{
		"name":    "",
		"version": "",
	}
	if c.relay != nil {
		serverInfo["name"] = c.relay.Name
		serverInfo["version"] = c.relay.Version
	}

	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      serverInfo,
		"capabilities":    capabilities,
		"tools":           tools,
	}
}
