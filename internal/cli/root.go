package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadMTPEnvFromDotEnv(".env")

	if len(args) == 0 {
		printUsage(os.Stdout)
		return 2
	}

	switch args[0] {
	case "run":
		return runInstance(ctx, args[1:])
	case "destroy-keys":
		return runDestroyKeys(ctx, args[1:], os.Stdout)
	case "keys":
		return runKeys(ctx, args[1:], os.Stdout)
	case "resolve":
		return runResolve(ctx, args[1:], os.Stdout)
	case "version", "--version", "-v":
		printVersion(os.Stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage(os.Stderr)
		return 2
	}
}
