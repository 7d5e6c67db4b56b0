package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/replkit/replkit/internal/logging"
)

// MCPProvider exposes the tools of one MCP stdio server as a Provider.
// The catalog is fetched once at connect time and stays frozen for the
// provider's lifetime, matching the session contract.
type MCPProvider struct {
	name   string
	client *client.Client
	defs   []Definition
}

// ConnectMCP launches an MCP stdio server and lists its tools.
func ConnectMCP(ctx context.Context, name string, command []string, env map[string]string) (*MCPProvider, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("mcp %s: empty command", name)
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(command[0], envSlice, command[1:]...)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: start: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "replkit", Version: "dev"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: list tools: %w", name, err)
	}

	p := &MCPProvider{name: name, client: c}
	for _, t := range listed.Tools {
		p.defs = append(p.defs, definitionFromMCP(t))
	}
	sort.Slice(p.defs, func(i, j int) bool { return p.defs[i].Name < p.defs[j].Name })

	mcpLog := logging.Component("mcp")
	mcpLog.Info().
		Str("server", name).
		Int("tools", len(p.defs)).
		Msg("connected")
	return p, nil
}

// Definitions returns the frozen catalog.
func (p *MCPProvider) Definitions() []Definition {
	return p.defs
}

// Execute forwards the call to the MCP server. Args must be a JSON
// object; the result text is the concatenation of the server's text
// content blocks.
func (p *MCPProvider) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return Err(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		return Err(err.Error())
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return Err(text)
	}
	return Ok(text)
}

// Close shuts the server subprocess down.
func (p *MCPProvider) Close() error {
	return p.client.Close()
}

// definitionFromMCP flattens an MCP tool schema into the catalog's
// typed-parameter shape. Nested schemas degrade to "dict"/"list".
func definitionFromMCP(t mcp.Tool) Definition {
	def := Definition{
		Name:        t.Name,
		Description: t.Description,
		Returns:     "any",
	}

	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, name := range t.InputSchema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(t.InputSchema.Properties))
	for name := range t.InputSchema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, _ := t.InputSchema.Properties[name].(map[string]any)
		def.Params = append(def.Params, Param{
			Name:        name,
			Type:        pythonType(prop),
			Description: stringProp(prop, "description"),
			Required:    required[name],
		})
	}
	return def
}

func pythonType(prop map[string]any) string {
	switch stringProp(prop, "type") {
	case "string":
		return "str"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "list"
	case "object":
		return "dict"
	default:
		return "any"
	}
}

func stringProp(prop map[string]any, key string) string {
	if prop == nil {
		return ""
	}
	s, _ := prop[key].(string)
	return s
}

// MultiProvider merges several providers into one catalog. Names are
// first-provider-wins; collisions are logged and skipped.
type MultiProvider struct {
	providers []Provider
	byName    map[string]Provider
	defs      []Definition
}

// NewMultiProvider builds a merged provider.
func NewMultiProvider(providers ...Provider) *MultiProvider {
	m := &MultiProvider{
		providers: providers,
		byName:    make(map[string]Provider),
	}
	for _, p := range providers {
		for _, d := range p.Definitions() {
			if _, dup := m.byName[d.Name]; dup {
				toolLog := logging.Component("tool")
				toolLog.Warn().
					Str("tool", d.Name).
					Msg("duplicate tool name; keeping first registration")
				continue
			}
			m.byName[d.Name] = p
			m.defs = append(m.defs, d)
		}
	}
	sort.Slice(m.defs, func(i, j int) bool { return m.defs[i].Name < m.defs[j].Name })
	return m
}

// Definitions returns the merged catalog.
func (m *MultiProvider) Definitions() []Definition {
	return m.defs
}

// Execute routes the call to the owning provider.
func (m *MultiProvider) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	p, ok := m.byName[name]
	if !ok {
		return Err("unknown tool: " + name)
	}
	return p.Execute(ctx, name, args)
}
