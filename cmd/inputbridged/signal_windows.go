//go:build windows

package main

import (
	"os"
	"os/signal"
)

// shutdownSignals delivers os.Interrupt. The runtime maps CTRL_BREAK and
// console close onto it.
func shutdownSignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}
