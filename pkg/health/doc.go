/*
Package health detects dead viewer connections.

Monitor runs two independent loops. The ping loop sends a liveness probe to
every registered connection each PingInterval; a failed send is logged and
counted but does not evict. The stale sweep runs each SweepInterval and
evicts every connection whose last pong is older than StaleThreshold.

With the defaults (ping every 30s, sweep every 60s, threshold 40s) a
viewer may miss one probe without being judged dead.

	monitor := health.NewMonitor(health.DefaultConfig(), reg, broadcaster, broadcaster)
	go monitor.Run(ctx)

Eviction is idempotent. The Evictor reports whether the connection was
still live and only the first eviction of an id is counted.
*/
package health
