// Package ui provides terminal styling and logging setup for facesync.
package ui

import (
	"os"

	"github.com/charmbracelet/log"
)

// InitLogger initializes the charm logger with default settings.
func InitLogger() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
	log.SetReportTimestamp(false)
}

// SetDebug enables debug logging.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
		log.SetReportTimestamp(true)
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetReportTimestamp(false)
	}
}

// SetJSON switches log output to JSON lines, for runs driven by a scheduler.
func SetJSON(enabled bool) {
	if enabled {
		log.SetFormatter(log.JSONFormatter)
		log.SetReportTimestamp(true)
	} else {
		log.SetFormatter(log.TextFormatter)
	}
}
