package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/pulse/pkg/client"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// requestTimeout bounds a single client command
const requestTimeout = 10 * time.Second

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// printOutput writes v as YAML or JSON
func printOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		// round-trip through JSON so the wire field names are used
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unsupported output format %q (use yaml or json)", format)
	}
}

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Submit an event to the server",
	Long: `Submit an event to the server's hook queue.

The command returns as soon as the server has accepted or dropped the
event. A dropped event is reported on stderr but is not an error, so hook
scripts never fail because the relay is saturated.

Examples:
  # Report a prompt
  pulse emit --subtype user_prompt --data '{"session_id":"abc","prompt":"hi"}'

  # Read the event data from stdin
  echo '{"session_id":"abc","tool_name":"Task"}' | pulse emit --subtype pre_tool --data -`,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().String("type", types.TypeHook, "Event type")
	emitCmd.Flags().String("subtype", "", "Event subtype")
	emitCmd.Flags().String("data", "", "Event data as a JSON object, or - to read stdin")
	emitCmd.Flags().Duration("timeout", 2*time.Second, "Request timeout")

	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	subtype, _ := cmd.Flags().GetString("subtype")
	rawData, _ := cmd.Flags().GetString("data")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	data, err := parseData(rawData, cmd.InOrStdin())
	if err != nil {
		return err
	}

	c := newClient(cmd)
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := c.Emit(ctx, client.EmitRequest{Type: typ, Subtype: subtype, Data: data})
	if err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}
	if !resp.Accepted {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: server queue full, event dropped")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
	return nil
}

// parseData decodes --data; "-" reads the JSON object from stdin
func parseData(raw string, stdin io.Reader) (map[string]any, error) {
	if raw == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		c := newClient(cmd)
		defer c.Close()
		ctx, cancel := requestContext(cmd)
		defer cancel()

		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), format, status)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent events",
	Long: `Show the most recent events held in the server's history buffer.

Examples:
  # Last 20 events as YAML
  pulse history --limit 20

  # Empty the buffer
  pulse history --clear`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		reset, _ := cmd.Flags().GetBool("clear")
		format, _ := cmd.Flags().GetString("output")

		c := newClient(cmd)
		defer c.Close()
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if reset {
			if err := c.ClearHistory(ctx); err != nil {
				return fmt.Errorf("failed to clear history: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		}

		hist, err := c.History(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), format, hist)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active or archived sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		archived, _ := cmd.Flags().GetBool("archived")
		limit, _ := cmd.Flags().GetInt("limit")

		c := newClient(cmd)
		defer c.Close()
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var recs []types.SessionRecord
		var err error
		if archived {
			recs, err = c.ArchivedSessions(ctx, limit)
		} else {
			recs, err = c.Sessions(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		printSessions(cmd.OutOrStdout(), recs)
		return nil
	},
}

func printSessions(w io.Writer, recs []types.SessionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tAGENT\tSTARTED\tLAST ACTIVITY")
	for _, rec := range recs {
		agent := rec.CurrentAgent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.SessionID,
			rec.Status,
			agent,
			rec.StartTime.Local().Format(time.DateTime),
			rec.LastActivity.Local().Format(time.DateTime),
		)
	}
	_ = tw.Flush()
}

// Session lifecycle commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Record session lifecycle transitions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start SESSION_ID",
	Short: "Mark a session active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd, func(ctx context.Context, c *client.Client) (*types.SessionRecord, error) {
			return c.StartSession(ctx, args[0])
		})
	},
}

var sessionDelegateCmd = &cobra.Command{
	Use:   "delegate SESSION_ID AGENT",
	Short: "Record a delegation to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd, func(ctx context.Context, c *client.Client) (*types.SessionRecord, error) {
			return c.Delegate(ctx, args[0], args[1])
		})
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "subagent-stop SESSION_ID",
	Short: "Return a delegated session to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		end, _ := cmd.Flags().GetBool("end")
		return sessionOp(cmd, func(ctx context.Context, c *client.Client) (*types.SessionRecord, error) {
			return c.SubagentStop(ctx, args[0], end)
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end SESSION_ID",
	Short: "Complete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd, func(ctx context.Context, c *client.Client) (*types.SessionRecord, error) {
			return c.EndSession(ctx, args[0])
		})
	},
}

func sessionOp(cmd *cobra.Command, op func(context.Context, *client.Client) (*types.SessionRecord, error)) error {
	c := newClient(cmd)
	defer c.Close()
	ctx, cancel := requestContext(cmd)
	defer cancel()

	rec, err := op(ctx, c)
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), []types.SessionRecord{*rec})
	return nil
}

func init() {
	statusCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml or json)")

	historyCmd.Flags().Int("limit", 50, "Maximum number of events")
	historyCmd.Flags().Bool("clear", false, "Clear the history buffer instead of listing it")
	historyCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml or json)")

	sessionsCmd.Flags().Bool("archived", false, "List archived sessions instead of active ones")
	sessionsCmd.Flags().Int("limit", 20, "Maximum number of archived sessions")

	sessionStopCmd.Flags().Bool("end", false, "Complete the session")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionDelegateCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionEndCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(sessionCmd)
}
