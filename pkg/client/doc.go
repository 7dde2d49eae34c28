/*
Package client talks to a Pulse server from the outside.

Client is a thin wrapper over the HTTP API used by the CLI and by hook
scripts:

	c := client.NewClient("127.0.0.1:8765")
	resp, err := c.Emit(ctx, client.EmitRequest{
		Type:    "hook",
		Subtype: "user_prompt",
		Data:    map[string]any{"session_id": "abc"},
	})

Agent is the viewer side of the websocket protocol. It keeps one
connection open and survives the server going away:

  - EmitWithRetry makes up to MaxRetries attempts with RetryDelays between
    them (1s, 2s, 4s by default) before returning the error.
  - While disconnected, events are held in a bounded FIFO (100 by
    default, oldest dropped first) and flushed in order after the next
    connect, one per FlushInterval. Events queued while connected are
    flushed right away.
  - Every ping is answered with a pong immediately. If no ping arrives
    within StaleThreshold the agent drops the connection and reconnects
    instead of waiting for the transport to fail.
  - Reconnects back off exponentially between ReconnectInitial and
    ReconnectMax, whether the dial failed or the connection dropped. The
    backoff starts over only after a session that received a ping.

	agent := client.NewAgent(client.DefaultAgentConfig(),
		client.NewWebSocketDialer("127.0.0.1:8765"),
		func(f *types.Frame) { fmt.Println(f.Channel) })
	go agent.Run(ctx)
*/
package client
