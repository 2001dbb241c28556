// Crypto Data Engine CLI
// This application runs the market data pipeline: it polls exchange and
// metrics providers, persists normalized records, keeps the latest values in
// a cache and streams them to websocket subscribers.
//
// Usage:
//
//	cryptoengine serve --config engine.json
//	cryptoengine collect --symbols BTCUSDT,ETHUSDT --kinds ticker,candle
//	cryptoengine query --symbol BTCUSDT --kind candle --timeframe 1h --limit 20
//	cryptoengine version
//
// For detailed help on any command, use: cryptoengine <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "cryptoengine"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to its exit code. Unclassified errors come
// from cobra's argument and flag parsing.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsageError
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           AppName,
		Short:         "Crypto market data collection and streaming engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(
		newServeCommand(flags),
		newCollectCommand(flags),
		newBackfillCommand(flags),
		newQueryCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, Version)
		},
	}
}

// main is the entry point for the CLI application
func main() {
	ctx, stop := notifyContext()
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
