// Package tools holds what every MCP tool handler shares: registration,
// result construction, confirmation prompts and audit logging.
package tools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ErrDuplicateTool is returned by RegisterAll when two registrations share
// a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Registration pairs a tool definition with its handler.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// Names returns the tool names in registration order.
func Names(regs []Registration) []string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.Tool.Name
	}
	return names
}

// RegisterAll adds regs to s. Nothing is registered when a name repeats or a
// handler is missing.
func RegisterAll(s *server.MCPServer, regs []Registration) error {
	seen := make(map[string]bool, len(regs))
	for _, r := range regs {
		if r.Handler == nil {
			return fmt.Errorf("tool %q: no handler", r.Tool.Name)
		}
		if seen[r.Tool.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateTool, r.Tool.Name)
		}
		seen[r.Tool.Name] = true
	}
	for _, r := range regs {
		s.AddTool(r.Tool, r.Handler)
	}
	return nil
}
