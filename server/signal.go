//go:build !windows

package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals sets up a handler for SIGINT/SIGTERM to do a graceful
// shutdown and SIGHUP to reopen the active vault.
func (s *Server) handleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	// Use a naked goroutine instead of startGoroutine because this stops the
	// server which would cause a deadlock.
	go func() {
		for {
			select {
			case sig := <-c:
				switch sig {
				case os.Interrupt, syscall.SIGTERM:
					if err := s.Stop(); err != nil {
						s.logger.Errorf("Error occurred shutting down server while handling %s: %v", sig, err)
						os.Exit(1)
					}
					os.Exit(0)

				case syscall.SIGHUP:
					ctx, cancel := context.WithTimeout(context.Background(), s.config.OperationTimeout)
					err := s.manager.RestartActiveVault(ctx)
					cancel()
					if err != nil {
						s.logger.Errorf("Error occurred restarting active vault: %v", err)
						continue
					}
					s.logger.Info("Restarted active vault")
				}
			case <-s.shutdownCh:
				signal.Stop(c)
				return
			}
		}
	}()
}
