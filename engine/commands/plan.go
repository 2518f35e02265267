package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/engine"
	"github.com/smartcontractkit/deployment-orchestrator/engine/commands/flags"
	"github.com/smartcontractkit/deployment-orchestrator/engine/specfile"
)

var (
	planShort = "Deployment plan operations"

	planLong = longDesc(`
		Commands for validating, executing and compensating deployment plans.

		A plan is a set of contracts and the dependencies between them. Contracts are deployed
		in waves: every contract of a wave only depends on contracts of earlier waves.
	`)

	planExecuteExample = examples(`
		# Deploy a plan, supplying the creation bytecode of the types it uses
		orchestrator plan execute -f tokens.yaml --bytecode ERC20=build/erc20.hex --bytecode Registry=build/registry.hex

		# Resume a plan stored in the postgres store
		orchestrator plan execute --id plan_2mQb0BzJcdVwB1gX3iFBwzJ8g7L -c prod.yml
	`)
)

// NewPlanCommand creates the plan command with all subcommands.
func NewPlanCommand(cfg Config) (*cobra.Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.deps()

	cmd := &cobra.Command{
		Use:   "plan",
		Short: planShort,
		Long:  planLong,
	}
	flags.Config(cmd)

	cmd.AddCommand(newPlanValidateCmd(cfg))
	cmd.AddCommand(newPlanExecuteCmd(cfg))
	cmd.AddCommand(newPlanRollbackCmd(cfg))
	cmd.AddCommand(newPlanStatusCmd(cfg))

	return cmd, nil
}

func newPlanValidateCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a plan without deploying it",
		Long: longDesc(`
			Checks the plan for unknown resource types, missing constructor arguments, unknown
			dependencies and cycles. A valid plan is left ready to execute.
		`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPlan(cmd, cfg, func(ctx context.Context, e *engine.Engine, id string) error {
				res, err := e.ValidatePlan(ctx, id)
				if err != nil {
					return err
				}
				if err := output(cmd, res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("plan %s is invalid: %d errors", id, len(res.Errors))
				}

				return nil
			})
		},
	}
	flags.Source(cmd)
	flags.Bytecode(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

func newPlanExecuteCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execute",
		Short:   "Deploy a plan",
		Example: planExecuteExample,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPlan(cmd, cfg, func(ctx context.Context, e *engine.Engine, id string) error {
				stop := follow(cfg.Logger, e)
				res, err := e.ExecutePlan(ctx, id)
				stop()
				if err != nil {
					return err
				}
				if err := output(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("plan %s ended %s", id, res.Status)
				}

				return nil
			})
		},
	}
	flags.Source(cmd)
	flags.Bytecode(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

func newPlanRollbackCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Compensate a failed or cancelled plan",
		Long: longDesc(`
			Runs the compensating actions of every deployed contract of the plan, dependents first,
			and marks the contracts inactive in the contract registry. Deployed contracts cannot be
			removed from the chain.
		`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.cleanup()

			id := flags.MustString(cmd.Flags().GetString("id"))
			stop := follow(cfg.Logger, s.engine)
			res, err := s.engine.RollbackPlan(cmd.Context(), id)
			stop()
			if err != nil {
				return err
			}
			if err := output(cmd, res); err != nil {
				return err
			}

			return res.Err()
		},
	}
	flags.ID(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

type planStatus struct {
	Plan    *deployment.Plan        `json:"plan"`
	History []datastore.Transition  `json:"history"`
	Refs    []datastore.ContractRef `json:"contracts"`
}

func newPlanStatusCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a stored plan, its history and its deployed contracts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.cleanup()

			ctx := cmd.Context()
			id := flags.MustString(cmd.Flags().GetString("id"))
			p, err := s.engine.GetPlan(ctx, id)
			if err != nil {
				return err
			}
			history, err := s.engine.History(ctx, id)
			if err != nil {
				return err
			}
			refs, err := s.engine.Contracts().Filter(ctx, datastore.FilterByPlan(id))
			if err != nil {
				return err
			}

			return output(cmd, planStatus{Plan: p, History: history, Refs: refs})
		},
	}
	flags.ID(cmd)
	flags.Print(cmd)
	flags.Output(cmd, "")

	return cmd
}

// withPlan opens an engine, creates the plan named by --file or picks the one named by --id,
// and runs fn on it.
func withPlan(cmd *cobra.Command, cfg Config, fn func(ctx context.Context, e *engine.Engine, id string) error) error {
	s, err := open(cmd, cfg)
	if err != nil {
		return err
	}
	defer s.cleanup()

	ctx := cmd.Context()
	codes := flags.MustStringToString(cmd.Flags().GetStringToString("bytecode"))
	if err := attachBytecode(s.engine.Types(), cfg.Deps.BytecodeReader, codes); err != nil {
		return err
	}

	id := flags.MustString(cmd.Flags().GetString("id"))
	if file := flags.MustString(cmd.Flags().GetString("file")); file != "" {
		spec, err := specfile.ReadPlan(file)
		if err != nil {
			return err
		}
		p, err := s.engine.CreatePlan(ctx, spec)
		if err != nil {
			return err
		}
		id = p.ID
		cfg.Logger.Infow("Plan created", "planID", id, "file", file)
	}

	return fn(ctx, s.engine, id)
}
