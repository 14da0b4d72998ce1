//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals delivers SIGINT, and SIGTERM from systemd or launchd.
// SIGHUP is ignored; configuration is read once at startup.
func shutdownSignals() (<-chan os.Signal, func()) {
	signal.Ignore(syscall.SIGHUP)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
