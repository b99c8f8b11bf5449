//go:build !windows

package main

import (
	"log/slog"
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles platform-specific signals, returns true if should continue loop
func handlePlatformSignal(sig os.Signal, logger *slog.Logger) bool {
	if sig == syscall.SIGHUP {
		logger.Info("reload signal ignored; the credential pool is fixed for the process lifetime")
		return true
	}
	return false
}
