// Package mcp implements MCP (Model Context Protocol) client support,
// letting skald connect to external MCP servers and expose their tools
// to the reasoning loop.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client discovers tools via tools/list and invokes
// them via tools/call. Discovered tools are bridged into the local tool
// catalog under namespaced names so the model sees them alongside native
// tools. Typical servers in an ad-platform deployment wrap an analytics
// backend, a CRM, or an ad network API.
//
// This implementation covers the client/host side only. skald does not
// act as an MCP server.
package mcp
