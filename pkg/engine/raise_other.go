//go:build unix && !linux

package engine

import (
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/psantana5/airbag/pkg/signals"
)

// Without tgkill the signal is process-directed and any thread may take it.
func gettid() int {
	return 0
}

func sendToThread(pid, _ int, sig signals.Signal) error {
	return unix.Kill(pid, sig.Number())
}

func chainDefault(sig signals.Signal) {
	signal.Reset(sig.Number())
	unix.Kill(unix.Getpid(), sig.Number())
}
