package app

import (
	"strings"

	"github.com/formsync/formsync/pkg/logger"
)

// ConfigureLogging initialises the global logger from the server section,
// defaulting to info level.
func ConfigureLogging(server ServerConfig) error {
	level := strings.TrimSpace(server.LogLevel)
	if level == "" {
		level = "info"
	}
	return logger.Init(level, server.LogFormat)
}
