package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/ingest"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/server"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

// ─── Servers ─────────────────────────────────────────────────────────────────

func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		httpAddr string
		noNATS   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP API and NATS ingest",
		Long: `Run the engine until interrupted: the HTTP API, the NATS subscriber
(when nats.url is set), periodic index sweeps, retention, and hot reload
of activity rules when the config file changes. Open sessions are
finalized on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			e, err := server.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Run(cmd.Context(), server.RunOptions{
				HTTP:        true,
				NATS:        !noNATS,
				Watch:       true,
				LoadOptions: flags.options(),
			})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "listen address (default from config, 127.0.0.1:8765)")
	cmd.Flags().BoolVar(&noNATS, "no-nats", false, "do not subscribe to NATS even if configured")
	return cmd
}

func newMCPCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio",
		Long: `Run the engine as an MCP server on stdin/stdout. Add it to your AI tool's
MCP config:

  {
    "mcpServers": {
      "activitylog": {
        "command": "activitylog",
        "args": ["mcp"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			e, err := server.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Run(cmd.Context(), server.RunOptions{
				NATS:        true,
				Watch:       true,
				LoadOptions: flags.options(),
				MCPIn:       cmd.InOrStdin(),
				MCPOut:      cmd.OutOrStdout(),
			})
		},
	}
}

// ─── Ingest ──────────────────────────────────────────────────────────────────

func newIngestCmd(flags *rootFlags) *cobra.Command {
	var keepOpen bool
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Import events from a JSON Lines file",
		Long: `Import events, one JSON object per line, from a file or stdin ("-").
Events go through the same session rules as live ingestion. Sessions still
open at the end are finalized unless --keep-open is set.`,
		Example: `  activitylog ingest events.jsonl
  detector --once | activitylog ingest -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				rejected := 0
				n, err := ingest.ReadJSONL(in, func(ev tracker.Event) error {
					if _, err := e.Worker.Process(ctx, ev); err != nil {
						rejected++
					}
					return ctx.Err()
				})
				if err != nil {
					return err
				}
				closed := 0
				if !keepOpen {
					sessions, err := e.Worker.Finalize(ctx)
					closed = len(sessions)
					if err != nil {
						return err
					}
				}
				indexed, err := e.Indexer.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "events: %d read, %d rejected\nsessions finalized: %d\nrecords indexed by sweep: %d\n",
					n, rejected, closed, indexed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepOpen, "keep-open", false, "leave the last session of each type open")
	return cmd
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// windowFlags select the time window of a read command.
type windowFlags struct {
	minutesAgo   int
	activityType string
	asJSON       bool
}

func (w *windowFlags) register(cmd *cobra.Command, withType bool) {
	cmd.Flags().IntVarP(&w.minutesAgo, "minutes-ago", "m", 0, "look back this many minutes instead of parsing the text")
	cmd.Flags().BoolVar(&w.asJSON, "json", false, "print JSON")
	if withType {
		cmd.Flags().StringVarP(&w.activityType, "type", "t", "", "only this activity type")
	}
}

func (w *windowFlags) validate() error {
	if w.minutesAgo < 0 {
		return errors.New("--minutes-ago must not be negative")
	}
	return nil
}

func newQueryCmd(flags *rootFlags) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question about your activity",
		Example: `  activitylog query 过去30分钟我在干嘛
  activitylog query "what was I reading yesterday afternoon"
  activitylog query -m 90 "which files did I edit"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wf.validate(); err != nil {
				return err
			}
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				ans, err := e.Retrieval.Query(ctx, retrieval.Request{
					Text:       strings.Join(args, " "),
					MinutesAgo: wf.minutesAgo,
				})
				if err != nil {
					return err
				}
				if wf.asJSON {
					return printJSON(cmd.OutOrStdout(), ans)
				}
				if ans.LLMError != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "LLM unavailable, showing records: %s\n", ans.LLMError)
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(ans.Text, "\n"))
				return nil
			})
		},
	}
	wf.register(cmd, false)
	return cmd
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "stats [time phrase]",
		Short: "Show minutes per activity type",
		Example: `  activitylog stats 今天
  activitylog stats -t 玩手机 yesterday`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wf.validate(); err != nil {
				return err
			}
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				ans, err := e.Retrieval.Stats(ctx, retrieval.StatsRequest{
					Text:         strings.Join(args, " "),
					MinutesAgo:   wf.minutesAgo,
					ActivityType: wf.activityType,
				})
				if err != nil {
					return err
				}
				if wf.asJSON {
					return printJSON(cmd.OutOrStdout(), ans)
				}
				fmt.Fprint(cmd.OutOrStdout(), e.Retrieval.FormatStats(ans))
				return nil
			})
		},
	}
	wf.register(cmd, true)
	return cmd
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	var (
		wf  windowFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "sessions [time phrase]",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wf.validate(); err != nil {
				return err
			}
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				ans, err := e.Retrieval.Sessions(ctx, retrieval.SessionsRequest{
					Text:         strings.Join(args, " "),
					MinutesAgo:   wf.minutesAgo,
					ActivityType: wf.activityType,
					IncludeShort: all,
				})
				if err != nil {
					return err
				}
				if wf.asJSON {
					return printJSON(cmd.OutOrStdout(), ans)
				}
				printSessions(cmd.OutOrStdout(), ans, e.Config().Location())
				return nil
			})
		},
	}
	wf.register(cmd, true)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include sessions shorter than their minimum duration")
	return cmd
}

func printSessions(w io.Writer, ans *retrieval.SessionsAnswer, loc *time.Location) {
	if len(ans.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
	}
	for _, s := range ans.Sessions {
		fmt.Fprintln(w, sessionLine(s, loc))
	}
	if ans.Hidden > 0 {
		fmt.Fprintf(w, "(%d short sessions hidden, use --all)\n", ans.Hidden)
	}
}

func sessionLine(s activity.Session, loc *time.Location) string {
	end := "ongoing"
	if !s.Open() {
		end = fmt.Sprintf("%s  %6.1f min", s.End().In(loc).Format("15:04:05"), s.DurationMinutes)
	}
	content := strings.Join(strings.Fields(s.Content), " ")
	if r := []rune(content); len(r) > 60 {
		content = string(r[:60]) + "..."
	}
	return fmt.Sprintf("%6d  %s - %-18s  %-10s  %s",
		s.ID, s.StartTime.In(loc).Format("2006-01-02 15:04:05"), end, s.ActivityType, content)
}

// ─── Maintenance ─────────────────────────────────────────────────────────────

func newReindexCmd(flags *rootFlags) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the semantic index from the session store",
		Long: `Rebuild the semantic index from the first session. With --reset the index
is emptied first, which also clears records whose sessions were deleted
and recovers from a corrupted index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				n, err := e.Indexer.Reindex(ctx, reset)
				if err != nil {
					return fmt.Errorf("reindex stopped after %d records: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records, watermark %d\n", n, e.Indexer.Watermark())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "empty the index before rebuilding")
	return cmd
}

func newPruneCmd(flags *rootFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete closed sessions older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *server.Engine) error {
				if days <= 0 {
					days = e.Config().Retention.Days
				}
				if days <= 0 {
					return errors.New("--days must be positive (or set retention.days)")
				}
				sessions, records, err := e.Prune(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions and %d index records older than %d days\n",
					sessions, records, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days (default retention.days)")
	return cmd
}
