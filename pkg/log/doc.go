/*
Package log provides structured logging for Pulse using zerolog.

The package owns a single global zerolog.Logger that is configured once at
startup and then specialised per component with child loggers. Until Init
is called the logger discards output, which keeps library users and unit tests
quiet by default.

# Usage

Initializing the Logger:

	import "github.com/cuemby/pulse/pkg/log"

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})

Component Loggers:

	logger := log.WithComponent("retry")
	logger.Warn().
		Str("conn_id", entry.ConnID).
		Int("attempt", entry.Attempts).
		Dur("age", age).
		Msg("Abandoning delivery")

Context helpers:
  - WithComponent: component name (broadcaster, retry, health, session, ...)
  - WithConnID: viewer connection ID
  - WithSessionID: tracked session ID

# Conventions

  - Background loops log start/stop at debug level.
  - Recovered panics and per-event failures are logged at error level with
    the loop name, and the loop continues.
  - Dropped events are logged at warn level, rate limited so a saturated
    queue does not flood the output.
  - Abandoned retries are logged at warn level with attempt and age.

# Output

JSON output (Config.JSONOutput) writes one object per line:

	{"level":"info","component":"broadcaster","conn_id":"9f1c...","time":"2026-01-02T15:04:05Z","message":"Viewer connected"}

Console output is the zerolog ConsoleWriter with RFC3339 timestamps and is
the default for interactive use.
*/
package log
