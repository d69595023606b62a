// Package main is the entry point for the diverga CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"diverga/pkg/protocol"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitInvalid  = 2
	exitNotFound = 3
	exitBlocked  = 4
	exitTimeout  = 5
)

var (
	errBlocked = errors.New("prerequisites not met")
	errTimeout = errors.New("timed out")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env := newEnv()
	root := newRootCmd(env)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := env.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "diverga: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidArgument):
		return exitInvalid
	case errors.Is(err, protocol.ErrNotFound):
		return exitNotFound
	case errors.Is(err, errBlocked):
		return exitBlocked
	case errors.Is(err, errTimeout):
		return exitTimeout
	default:
		return exitFailure
	}
}
