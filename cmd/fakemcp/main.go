// Command fakemcp is a standalone, scriptable MCP server executed as a
// child process during supervisor/pool/catalog/invocation tests. It wraps
// internal/testharness.FakeMCPServer. Grounded on
// peakyragnar-subluminal's cmd/fakemcp.
//
// Usage:
//
//	fakemcp --tools=search,fetch           # expose two no-op tools
//	fakemcp --tools=echo --echo            # echo arguments back as the result
//	fakemcp --tools=slow --delay-ms=500    # simulate a slow call
//	fakemcp --tools=boom --error-on=boom   # return a tool error
//	fakemcp --tools=crash --crash-on=crash # exit(1) when called
//	fakemcp --resources=res://doc:a document
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/voicefleet/mcpfleet/internal/testharness"
)

func main() {
	toolsFlag := flag.String("tools", "test_tool", "comma-separated tool names to expose")
	echoMode := flag.Bool("echo", false, "echo mode: return arguments as the result")
	crashOn := flag.String("crash-on", "", "exit(1) immediately when this tool is called")
	errorOn := flag.String("error-on", "", "comma-separated tool names that return an error")
	delayMs := flag.Int("delay-ms", 0, "artificial delay applied to every call, in milliseconds")
	resourcesFlag := flag.String("resources", "", "comma-separated uri:text pairs exposed as resources")
	flag.Parse()

	errorTools := splitSet(*errorOn)

	server := testharness.NewFakeMCPServer()

	for _, name := range splitList(*toolsFlag) {
		switch {
		case name == *crashOn:
			server.AddTool(testharness.FakeTool{
				Name:        name,
				Description: "fake tool (crashes)",
				Handler: func(args map[string]any) (any, error) {
					os.Exit(1)
					return nil, nil
				},
			})
		case errorTools[name]:
			server.AddTool(testharness.FakeTool{
				Name:        name,
				Description: "fake tool (errors)",
				DelayMs:     *delayMs,
				Handler: func(args map[string]any) (any, error) {
					return nil, errors.New("simulated tool error")
				},
			})
		case *echoMode:
			server.AddTool(testharness.FakeTool{
				Name:        name,
				Description: "fake tool (echo mode)",
				DelayMs:     *delayMs,
				Handler:     echoHandler,
			})
		default:
			server.AddTool(testharness.FakeTool{
				Name:        name,
				Description: "fake tool",
				DelayMs:     *delayMs,
			})
		}
	}

	for _, pair := range splitList(*resourcesFlag) {
		// Split at the last colon: URIs carry their own scheme colon.
		i := strings.LastIndex(pair, ":")
		if i < 0 {
			continue
		}
		uri, text := pair[:i], pair[i+1:]
		server.AddResource(testharness.FakeResource{URI: uri, Name: uri, MimeType: "text/plain", Text: text})
	}

	if err := server.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fakemcp:", err)
		os.Exit(1)
	}
}

func echoHandler(args map[string]any) (any, error) {
	return args, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, name := range splitList(s) {
		set[name] = true
	}
	return set
}
