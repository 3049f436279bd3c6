/*
Package log provides structured logging for the control plane using zerolog.

Init configures the global logger once at startup from a Config (level,
JSON vs console output, destination writer). Components get a child logger
scoped with a "component" field via WithComponent, or a "container_id"
field via WithContainerID when logging about one container.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("pool")
	logger.Info().Str("container_id", id).Msg("container acquired")
*/
package log
