// ABOUTME: Defines ToolDescriptor and the namespacing scheme that keeps tool
// ABOUTME: names from different servers out of each other's way.
package manager

import "strings"

const (
	toolNamePrefix    = "mcp"
	toolNameDelimiter = "__"
)

// ToolDescriptor is one entry in the aggregated catalog. Name carries the
// qualified form mcp__<server>__<tool>.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// QualifiedName namespaces a tool under its owning server.
func QualifiedName(server, tool string) string {
	return toolNamePrefix + toolNameDelimiter + server + toolNameDelimiter + tool
}

// SplitQualifiedName recovers the server and tool from a qualified name.
// Tool names may themselves contain the delimiter; the server segment is the
// first one.
func SplitQualifiedName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, toolNamePrefix+toolNameDelimiter)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, toolNameDelimiter)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
