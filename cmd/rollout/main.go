// Package main is the entry point for the rollout CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relicta-tech/rollout/internal/cli"
	buildversion "github.com/relicta-tech/rollout/internal/version"
)

// Version information set by ldflags during build.
var (
	version = ""
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	cli.SetVersionInfo(buildversion.Resolve(version), commit, date)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(context.Background(), sigChan, cli.ExecuteContext, cli.Cleanup, os.Stderr, os.Exit))
}

// run executes the CLI and coordinates shutdown. The first signal cancels
// the command context; a second one or an expired shutdown timer calls exit.
func run(parent context.Context, sigChan <-chan os.Signal, execute func(context.Context) error, cleanup func(), stderr io.Writer, exit func(int)) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	var handler sync.WaitGroup
	handler.Add(1)
	go func() {
		defer handler.Done()
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-done:
			return
		}
		fmt.Fprintf(stderr, "\nReceived signal %v, initiating graceful shutdown...\n", sig)
		cancel()

		shutdownTimer := time.NewTimer(shutdownTimeout)
		defer shutdownTimer.Stop()

		select {
		case sig = <-sigChan:
			fmt.Fprintf(stderr, "\nReceived second signal %v, forcing exit\n", sig)
			exit(1)
		case <-shutdownTimer.C:
			fmt.Fprintf(stderr, "\nShutdown timeout (%v) exceeded, forcing exit\n", shutdownTimeout)
			exit(1)
		case <-done:
			select {
			case sig = <-sigChan:
				fmt.Fprintf(stderr, "\nReceived second signal %v, forcing exit\n", sig)
				exit(1)
			default:
			}
		}
	}()

	exitCode := 0
	if err := execute(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "Operation canceled")
			exitCode = 130
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			exitCode = 1
		}
	}

	close(done)
	handler.Wait()
	cancel()
	cleanup()
	return exitCode
}
