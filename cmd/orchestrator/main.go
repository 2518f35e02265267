// Command orchestrator deploys contract plans and executes atomic operations against an
// EVM ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/smartcontractkit/deployment-orchestrator/engine/commands"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

func main() {
	root, lggr, err := newApp(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = lggr.Sync() }()

	if err := root.Execute(); err != nil {
		_ = lggr.Sync()
		os.Exit(1)
	}
}

// newApp builds the root command. The logging flags are read ahead of command parsing because
// every command group is constructed with the logger.
func newApp(args []string) (*cobra.Command, logger.Logger, error) {
	lggr, err := newLogger(args)
	if err != nil {
		return nil, nil, err
	}

	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Deployment plan and atomic operation orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console text")

	cmds := commands.New(lggr)
	root.AddCommand(cmds.Plan(), cmds.Op(), cmds.Nonce())

	return root, lggr, nil
}

func newLogger(args []string) (logger.Logger, error) {
	fs := pflag.NewFlagSet("logging", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	level := fs.String("log-level", "info", "")
	asJSON := fs.Bool("log-json", false, "")
	// help and invalid flags are reported by cobra
	_ = fs.Parse(args)

	lvl, err := logger.ParseLevel(*level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	return logger.Config{Level: lvl, JSON: *asJSON}.New()
}
