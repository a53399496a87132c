package server

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/activitylog/internal/acttools"
	"github.com/HendryAvila/activitylog/internal/prompts"
	"github.com/HendryAvila/activitylog/internal/resources"
)

// NewMCP creates the MCP server with every activity tool, prompt and
// resource registered against e.
func NewMCP(e *Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"activitylog",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register tools ---

	queryTool := acttools.NewQueryTool(e.Retrieval)
	s.AddTool(queryTool.Definition(), queryTool.Handle)

	statsTool := acttools.NewStatsTool(e.Retrieval)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	sessionsTool := acttools.NewSessionsTool(e.Retrieval)
	s.AddTool(sessionsTool.Definition(), sessionsTool.Handle)

	indexTool := acttools.NewIndexTool(e.Indexer)
	s.AddTool(indexTool.Definition(), indexTool.Handle)

	recordTool := acttools.NewRecordTool(e.Worker)
	s.AddTool(recordTool.Definition(), recordTool.Handle)

	// --- Register prompts ---

	reviewPrompt := prompts.NewReviewPrompt()
	s.AddPrompt(reviewPrompt.Definition(), reviewPrompt.Handle)

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(e.Retrieval, e.Health)
	s.AddResource(resourceHandler.TodayResource(), resourceHandler.HandleToday)
	s.AddResource(resourceHandler.StatusResource(), resourceHandler.HandleStatus)

	return s
}

// ServeMCP speaks MCP over in and out until ctx ends or in is closed.
func (e *Engine) ServeMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	e.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(NewMCP(e)).Listen(ctx, in, out)
}

// serverInstructions tells the host how to use the activity tools.
func serverInstructions() string {
	return `You have access to activitylog, a record of what the user did on their computer.
Detectors report activities such as coding, browsing or 玩手机 (phone use); consecutive
reports of the same activity are merged into sessions with a start, an end and a duration.

## Tools
- activity_query: answer "what did I do / read / watch" questions. Put the time phrase
  in the query ("过去30分钟", "昨天下午", "last 2 hours"); without one the last 24 hours
  are searched. Use minutes_ago to set the window explicitly.
- activity_stats: minutes per activity type in a window. Use it for "how long" questions.
- activity_sessions: the timeline of sessions in a window.
- activity_record: log a manual activity the detectors cannot see, e.g. a meeting.
- activity_index: index status and repair. Only needed when answers look stale.

## Rules
- Report only what the records show. If a tool says there are no records, say so.
- Times are local to the user. Sessions marked ongoing are still open.
- Short sessions are hidden from listings by default; pass include_short to see them.`
}
