package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/engine"
	"github.com/smartcontractkit/deployment-orchestrator/engine/commands/flags"
	"github.com/smartcontractkit/deployment-orchestrator/engine/specfile"
)

var (
	opShort = "Atomic operation commands"

	opLong = longDesc(`
		Commands for simulating and executing atomic operations: swaps, multi-step batches and
		conditional steps that either all take effect or none do.
	`)

	opExecuteExample = examples(`
		# Execute a swap through its escrow contract
		orchestrator op execute -f swap.yaml

		# Simulate a batch and keep the report
		orchestrator op simulate -f batch.toml -o simulation.json
	`)
)

// NewOpCommand creates the op command with all subcommands.
func NewOpCommand(cfg Config) (*cobra.Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.deps()

	cmd := &cobra.Command{
		Use:   "op",
		Short: opShort,
		Long:  opLong,
	}
	flags.Config(cmd)

	cmd.AddCommand(newOpSimulateCmd(cfg))
	cmd.AddCommand(newOpExecuteCmd(cfg))
	cmd.AddCommand(newOpCancelCmd(cfg))
	cmd.AddCommand(newOpStatusCmd(cfg))

	return cmd, nil
}

func newOpSimulateCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run an operation against current ledger state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperation(cmd, cfg, func(ctx context.Context, e *engine.Engine, id string) error {
				res, err := e.SimulateOperation(ctx, id)
				if err != nil {
					return err
				}
				if err := output(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					if res.Error != nil {
						return fmt.Errorf("simulation of %s failed: %w", id, res.Error)
					}

					return fmt.Errorf("simulation of %s failed", id)
				}

				return nil
			})
		},
	}
	flags.Source(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

func newOpExecuteCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execute",
		Short:   "Simulate and submit an operation",
		Example: opExecuteExample,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperation(cmd, cfg, func(ctx context.Context, e *engine.Engine, id string) error {
				stop := follow(cfg.Logger, e)
				res, err := e.ExecuteOperation(ctx, id)
				stop()
				if err != nil {
					return err
				}
				if err := output(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("operation %s ended %s", id, res.Status)
				}

				return nil
			})
		},
	}
	flags.Source(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

func newOpCancelCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an operation that has not been submitted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.cleanup()

			id := flags.MustString(cmd.Flags().GetString("id"))
			if err := s.engine.CancelOperation(cmd.Context(), id); err != nil {
				return err
			}
			cfg.Logger.Infow("Operation cancelled", "operationID", id)

			return nil
		},
	}
	flags.ID(cmd)

	return cmd
}

type opStatus struct {
	Operation *atomicop.Operation    `json:"operation"`
	History   []datastore.Transition `json:"history"`
}

func newOpStatusCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a stored operation and its history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.cleanup()

			ctx := cmd.Context()
			id := flags.MustString(cmd.Flags().GetString("id"))
			op, err := s.engine.GetOperation(ctx, id)
			if err != nil {
				return err
			}
			history, err := s.engine.History(ctx, id)
			if err != nil {
				return err
			}

			return output(cmd, opStatus{Operation: op, History: history})
		},
	}
	flags.ID(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

func withOperation(cmd *cobra.Command, cfg Config, fn func(ctx context.Context, e *engine.Engine, id string) error) error {
	s, err := open(cmd, cfg)
	if err != nil {
		return err
	}
	defer s.cleanup()

	ctx := cmd.Context()
	id := flags.MustString(cmd.Flags().GetString("id"))
	if file := flags.MustString(cmd.Flags().GetString("file")); file != "" {
		spec, err := specfile.ReadOperation(file)
		if err != nil {
			return err
		}
		op, err := s.engine.CreateAtomicOperation(ctx, spec)
		if err != nil {
			return err
		}
		id = op.ID
		cfg.Logger.Infow("Operation created", "operationID", id, "kind", op.Kind, "file", file)
	}

	return fn(ctx, s.engine, id)
}
