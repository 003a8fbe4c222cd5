//go:build unix

package cmd

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ThatCatDev/tanrenai/pocket/internal/inference"
)

// appStateHandler receives foreground/background transitions.
type appStateHandler interface {
	HandleAppState(ctx context.Context, s inference.AppState) error
}

// watchAppState maps job control onto app state: Ctrl+Z (SIGTSTP) moves the
// app to background before the process is suspended, and SIGCONT brings it
// back to foreground. The returned func stops watching.
func watchAppState(ctx context.Context, h appStateHandler, logger *zap.Logger) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGTSTP, unix.SIGCONT)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				state := inference.Foreground
				if sig == unix.SIGTSTP {
					state = inference.Background
				} else {
					// Catch the next Ctrl+Z again.
					signal.Notify(sigs, unix.SIGTSTP)
				}
				if err := h.HandleAppState(ctx, state); err != nil {
					logger.Warn("app state change failed", zap.Stringer("signal", sig), zap.Error(err))
				}
				if state == inference.Background {
					suspend()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
		<-exited
	}
}

// suspend stops the process with the default SIGTSTP action. SIGCONT
// re-arms the handler once the shell continues the process.
func suspend() {
	signal.Reset(unix.SIGTSTP)
	_ = unix.Kill(unix.Getpid(), unix.SIGTSTP)
}
