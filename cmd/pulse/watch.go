package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/pulse/pkg/client"
	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events from the server",
	Long: `Stream live events from the server.

The watcher prints the history replay and then every live event. It
answers liveness probes and reconnects with backoff if the connection drops
or the server stops pinging.

Examples:
  # Everything
  pulse watch

  # Only hook events and heartbeats, as raw JSON frames
  pulse watch --channel hook --channel system_event --json`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSlice("channel", nil, "Channel patterns to subscribe to (default all)")
	watchCmd.Flags().Bool("json", false, "Print raw JSON frames")
	watchCmd.Flags().Duration("stale-threshold", 40*time.Second, "Reconnect when no ping arrives for this long")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	patterns, _ := cmd.Flags().GetStringSlice("channel")
	raw, _ := cmd.Flags().GetBool("json")
	stale, _ := cmd.Flags().GetDuration("stale-threshold")

	levelFlag := cmd.Flags().Lookup("log-level")
	level := "warn"
	if levelFlag != nil && levelFlag.Changed {
		level = levelFlag.Value.String()
	}
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	initLogging(config.LogConfig{Level: level, JSON: jsonLogs})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &framePrinter{w: cmd.OutOrStdout(), raw: raw}

	cfg := client.DefaultAgentConfig()
	cfg.Patterns = patterns
	cfg.StaleThreshold = stale

	agent := client.NewAgent(cfg, client.NewWebSocketDialer(server), p.print)
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", client.WebSocketURL(server))
	return agent.Run(ctx)
}

// framePrinter renders frames one per line
type framePrinter struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func (p *framePrinter) print(frame *types.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.raw {
		b, err := json.Marshal(frame)
		if err == nil {
			fmt.Fprintln(p.w, string(b))
		}
		return
	}

	switch frame.Channel {
	case types.ChannelHistory:
		var hist types.HistoryPayload
		if err := frame.Decode(&hist); err != nil {
			return
		}
		fmt.Fprintf(p.w, "-- replaying %d of %d buffered events --\n", hist.Count, hist.TotalAvailable)
		for _, env := range hist.Events {
			p.printEnvelope(env.Channel(), env)
		}
		fmt.Fprintln(p.w, "-- live --")
	case types.ChannelHook, types.ChannelClaudeEvent, types.ChannelSystem:
		var env types.Envelope
		if err := frame.Decode(&env); err != nil {
			return
		}
		p.printEnvelope(frame.Channel, &env)
	default:
		fmt.Fprintf(p.w, "[%s] %s\n", frame.Channel, string(frame.Data))
	}
}

func (p *framePrinter) printEnvelope(channel string, env *types.Envelope) {
	data, _ := json.Marshal(env.Data)
	name := env.Type
	if env.Subtype != "" {
		name += "/" + env.Subtype
	}
	fmt.Fprintf(p.w, "%s %-12s %-28s %s\n",
		env.Timestamp.Local().Format(time.TimeOnly),
		channel,
		name,
		string(data),
	)
}
