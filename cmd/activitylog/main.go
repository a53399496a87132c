// activitylog: record what you do on your computer and ask about it later.
//
// Detectors post activity events (screen, video or manual). The engine
// merges them into sessions, indexes the sessions for semantic search and
// answers questions such as "过去30分钟我在干嘛" over HTTP, NATS, MCP or
// this CLI.
//
// Usage:
//
//	activitylog serve              # HTTP API, NATS ingest, periodic indexing
//	activitylog mcp                # MCP server (stdio transport)
//	activitylog query "昨天下午看了什么"
//	activitylog stats today
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
