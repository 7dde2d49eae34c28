/*
Package manager wires the Pulse components together and supervises their
background loops.

NewManager builds, from one config.Config:

	hook queue ──► dispatch ──► session tracker (Observe)
	                  │
	                  ▼
	             broadcaster ──► history buffer
	                  │
	        ┌─────────┼──────────┐
	        ▼         ▼          ▼
	     viewers   retry queue  health monitor
	                  │
	                  └──► broadcaster.SendDirect

The heartbeat emitter publishes through the broadcaster on the system
channel, and the metrics collector samples Status. Sessions that complete
or expire are written to the bbolt archive.

# Lifecycle

Start launches every loop under one errgroup bound to a cancellable
context. Shutdown stops the hook queue (buffered events are still
dispatched), cancels the loops, waits for them until its context expires,
then disconnects the viewers and closes the archive:

	mgr, err := manager.NewManager(cfg, version)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mgr.Shutdown(shutdownCtx)

Each loop is registered with the metrics health registry under its
component name, so /ready reflects whether the pipeline is running.

# Session operations

StartSession, Delegate, SubagentStop and EndSession update the tracker and
publish a "session" envelope describing the transition. Hook events reach
the tracker through the queue worker instead.
*/
package manager
