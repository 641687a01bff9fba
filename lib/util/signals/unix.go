//go:build !windows

package signals

import (
	"os"
	"os/signal"
	"syscall"
)

func init() {
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

func stopNotify() { signal.Stop(sigChan) }

func dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		reloaders.run()
	case syscall.SIGINT, syscall.SIGTERM:
		interrupters.run()
	}
}
