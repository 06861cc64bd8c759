package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySignals wires the given channel up to the signals we treat as a
// request to stop the build: SIGINT and SIGTERM.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
}
