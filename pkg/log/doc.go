/*
Package log provides structured logging for burrow using zerolog.

A single package-level Logger is configured once with Init and shared by every
package. Components derive child loggers that carry their context fields:

	driverLog := log.WithComponent("driver")
	driverLog.Info().Str("deployment", name).Msg("deployment created")

	podLog := log.WithPod("tests-ns", "api-1-db-2", "api-1-db-2-7c9f-x2")
	podLog.Warn().Int32("restarts", 1).Msg("restart observed")

JSON output is meant for CI runners that ship logs; console output is the
default for interactive use:

	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: false, Output: os.Stderr})

Until Init is called the logger writes JSON to stderr at info level.
*/
package log
