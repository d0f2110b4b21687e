/*
Package log provides structured logging for the engine using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. The scheduler and the async
task service hold their own zerolog.Logger field created at
construction time via WithComponent, and an event loop creates its
component logger once at the start of Run; none of them call the
package-level helpers from a hot path.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("request_id", rid.String()).Msg("request admitted")

	taskLog := log.WithTaskID(taskID.String())
	taskLog.Error().Err(err).Msg("task aborted")

Context loggers (WithComponent, WithRequestID, WithTaskID, WithServlet)
attach a single field and return a plain zerolog.Logger; callers chain
.With() further if more context is needed.
*/
package log
