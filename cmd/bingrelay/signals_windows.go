//go:build windows

package main

import (
	"log/slog"
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func handlePlatformSignal(os.Signal, *slog.Logger) bool {
	return false
}
