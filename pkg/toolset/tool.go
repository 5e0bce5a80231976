package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jg-phare/mcpherd/pkg/mcp"
)

// Tool proxies one catalog tool through the manager under a prefixed,
// host-safe name.
type Tool struct {
	server      string
	tool        string
	description string
	schema      json.RawMessage
	annotations *mcp.ToolAnnotations
	source      Catalog
}

// Name returns the host-facing name, mcp__<server>__<tool>. The prefix
// keeps remote tools from colliding with a host's built-in tool names.
func (t *Tool) Name() string {
	return fmt.Sprintf("mcp__%s__%s", t.server, t.tool)
}

// Description returns the server-declared description.
func (t *Tool) Description() string { return t.description }

// Server returns the name of the server that listed this tool.
func (t *Tool) Server() string { return t.server }

// ToolName returns the unprefixed catalog name.
func (t *Tool) ToolName() string { return t.tool }

// InputSchema returns the server-declared JSON schema verbatim, or an
// empty object schema when the server declared none.
func (t *Tool) InputSchema() json.RawMessage {
	if len(t.schema) > 0 {
		return t.schema
	}
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

// Annotations returns the server-declared behavior hints, or nil.
func (t *Tool) Annotations() *mcp.ToolAnnotations { return t.annotations }

// Output is what Execute hands back to the host. Failures travel in-band:
// IsError plus a message, never a Go error, so hosts relay them to the
// model instead of aborting the conversation.
type Output struct {
	Content string
	IsError bool
}

// Execute invokes the remote tool and flattens the result content into
// text. Non-text blocks appear as placeholders so the host knows
// something was elided.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (Output, error) {
	result, err := t.source.CallTool(ctx, t.tool, args)
	if err != nil {
		return Output{
			Content: fmt.Sprintf("Error: %s", err),
			IsError: true,
		}, nil
	}

	return Output{
		Content: flattenContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// flattenContent joins text blocks with newlines.
func flattenContent(blocks []mcp.ContentBlock) string {
	var b strings.Builder
	write := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			write(block.Text)
		case "image":
			write("[image]")
		case "resource":
			write("[resource]")
		default:
			if block.Type != "" {
				write("[" + block.Type + "]")
			}
		}
	}
	return b.String()
}
