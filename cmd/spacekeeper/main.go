package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

// Build information.
var (
	Version = ""
	Commit  = ""
)

// DefaultURL refers to the spacekeeper API on the local machine.
const DefaultURL = "http://localhost:20202"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: spacekeeper.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	// Extract command name.
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "mark":
		return NewMarkCommand().Run(ctx, args)

	case "run":
		return runRun(ctx, args)

	case "status":
		return NewStatusCommand().Run(ctx, args)

	case "version":
		fmt.Println(VersionString())
		return nil

	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			printUsage()
			return flag.ErrHelp
		}
		return fmt.Errorf("spacekeeper %s: unknown command", cmd)
	}
}

// runRun starts the node and blocks until a signal is received, the node
// stops on a fatal error or the exec subprocess exits.
func runRun(ctx context.Context, args []string) error {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := NewRunCommand()
	if err := c.ParseFlags(ctx, args); err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil {
		_ = c.Close()
		return err
	}

	var retErr error
	select {
	case err := <-c.ExecCh():
		cancel()
		slog.Info("subprocess exited, spacekeeper shutting down", slog.Any("err", err))

	case <-c.Node.Done():
		retErr = c.Node.Err()
		slog.Info("node stopped, spacekeeper shutting down")
		if cmd := c.Cmd(); cmd != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			<-c.ExecCh()
		}

	case sig := <-signalCh:
		if cmd := c.Cmd(); cmd != nil {
			slog.Info("sending signal to exec process")
			if err := cmd.Process.Signal(sig); err != nil {
				return fmt.Errorf("cannot signal exec process: %w", err)
			}

			slog.Info("waiting for exec process to close")
			if err := <-c.ExecCh(); err != nil && !strings.HasPrefix(err.Error(), "signal:") {
				return fmt.Errorf("cannot wait for exec process: %w", err)
			}
		}

		cancel()
		slog.Info("signal received, spacekeeper shutting down")
	}

	if err := c.Close(); err != nil && retErr == nil {
		retErr = err
	}
	return retErr
}

// VersionString returns the version and commit of the binary.
func VersionString() string {
	// Print version & commit information, if available.
	if Version != "" {
		return fmt.Sprintf("spacekeeper %s, commit=%s", Version, Commit)
	} else if Commit != "" {
		return fmt.Sprintf("spacekeeper commit=%s", Commit)
	}
	return "spacekeeper development build"
}

func printUsage() {
	fmt.Println(`
spacekeeper guards primary election of a replicated space instance so that
an instance whose storage may be stale never becomes primary.

Usage:

	spacekeeper <command> [arguments]

The commands are:

	mark         view or change the storage consistency marker
	run          run the node & election loop
	status       print the status of a running node
	version      prints the version
`[1:])
}
