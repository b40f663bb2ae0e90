package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/skaldhq/skald/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeOptions filters and annotates the tools discovered from one
// MCP server. Tool names in the lists are the server's own names, not
// the namespaced form.
type BridgeOptions struct {
	// Include, when non-empty, restricts bridging to the named tools.
	Include []string

	// Exclude skips the named tools. Ignored when Include is set.
	Exclude []string

	// StateChanging names tools whose effects persist outside the
	// conversation.
	StateChanging []string

	// RequireConfirmation names tools that get a human confirmation
	// round before their first dispatch in a turn.
	RequireConfirmation []string
}

// BridgeTools discovers tools from an MCP client and registers them on
// the given catalog. Tool names are namespaced as
// "mcp_{serverName}_{toolName}" to avoid collisions with native tools.
//
// BridgeTools returns the number of tools registered. A tool that fails
// to register, for example because its input schema does not compile or
// its sanitized name collides with one already taken, is logged and
// skipped rather than failing the whole server.
func BridgeTools(ctx context.Context, client *Client, serverName string, registry *tools.Registry, opts BridgeOptions, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(opts.Include)
	excludeSet := toSet(opts.Exclude)
	stateChanging := toSet(opts.StateChanging)
	confirm := toSet(opts.RequireConfirmation)

	count := 0
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		t := bridgeTool(client, name, td)
		t.StateChanging = stateChanging[td.Name]
		t.RequiresConfirmation = confirm[td.Name]

		if err := registry.Register(t); err != nil {
			logger.Warn("skipping MCP tool",
				"mcp_name", td.Name,
				"server", serverName,
				"error", err,
			)
			continue
		}
		count++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool", name,
			"server", serverName,
			"state_changing", t.StateChanging,
		)
	}

	return count, nil
}

// ToolName generates a namespaced catalog name from an MCP server name
// and tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// bridgeTool creates a catalog entry that proxies calls to an MCP server.
func bridgeTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	// Capture the original MCP tool name for the call.
	mcpName := td.Name

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return client.CallTool(ctx, mcpName, args)
		},
	}
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
