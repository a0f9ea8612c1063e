// Package toolid formats and parses qualified tool ids,
// "<server-id>:<tool-name>" (spec.md GLOSSARY), the key every other
// component uses to name a tool across the whole fleet. Centralized here so
// the split character lives in exactly one place, grounded on
// other_examples' Bigsy-mcpmu ParseToolName, which performs the same
// server/tool split for its manager-tool routing.
package toolid

import "strings"

const separator = ":"

// Format builds a qualified id from a server id and a tool's own name.
func Format(serverID, toolName string) string {
	return serverID + separator + toolName
}

// Parse splits a qualified id back into its server id and tool name. ok is
// false if id does not contain the separator.
func Parse(id string) (serverID, toolName string, ok bool) {
	i := strings.Index(id, separator)
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// ServerID returns just the server-id portion of a qualified id, or "" if
// id is not well-formed.
func ServerID(id string) string {
	serverID, _, ok := Parse(id)
	if !ok {
		return ""
	}
	return serverID
}
