// Package commands provides the orchestrator CLI command groups.
//
// There are two ways to use commands from this package:
//
// 1. Via the Commands factory (recommended):
//
//	cmds := commands.New(lggr)
//	root.AddCommand(cmds.Plan(), cmds.Op(), cmds.Nonce())
//
// 2. Via NewPlanCommand, NewOpCommand and NewNonceCommand with a Config, to inject
// dependencies in tests:
//
//	cmd, err := commands.NewPlanCommand(commands.Config{
//	    Logger: lggr,
//	    Deps:   commands.Deps{EngineLoader: myLoader},
//	})
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-orchestrator/engine"
	"github.com/smartcontractkit/deployment-orchestrator/engine/commands/flags"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// Commands provides a factory for creating CLI commands with shared configuration.
type Commands struct {
	lggr logger.Logger
}

// New creates a new Commands factory with the given logger.
func New(lggr logger.Logger) *Commands {
	return &Commands{lggr: lggr}
}

// Plan creates the plan command group.
func (c *Commands) Plan() *cobra.Command {
	cmd, err := NewPlanCommand(Config{Logger: c.lggr})
	if err != nil {
		panic(err) // only a nil logger fails, and the factory always has one
	}

	return cmd
}

// Op creates the op command group.
func (c *Commands) Op() *cobra.Command {
	cmd, err := NewOpCommand(Config{Logger: c.lggr})
	if err != nil {
		panic(err)
	}

	return cmd
}

// Nonce creates the nonce command group.
func (c *Commands) Nonce() *cobra.Command {
	cmd, err := NewNonceCommand(Config{Logger: c.lggr})
	if err != nil {
		panic(err)
	}

	return cmd
}

// Config holds the configuration shared by every command group.
type Config struct {
	// Logger is the logger to use for command output. Required.
	Logger logger.Logger

	// Deps holds optional dependencies that can be overridden.
	// If fields are nil, production defaults are used.
	Deps Deps
}

// Validate checks that all required configuration fields are set.
func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.New("commands.Config: missing required fields: Logger")
	}

	return nil
}

func (c *Config) deps() *Deps {
	c.Deps.applyDefaults()

	return &c.Deps
}

// session is an engine built for a single command invocation.
type session struct {
	engine  *engine.Engine
	cleanup func()
}

// open loads the configuration named by --config and builds an engine from it.
func open(cmd *cobra.Command, cfg Config) (*session, error) {
	path := flags.MustString(cmd.Flags().GetString("config"))
	if path == "" {
		path = flags.DefaultConfigPath
	}

	c, err := cfg.Deps.ConfigLoader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e, cleanup, err := cfg.Deps.EngineLoader(cmd.Context(), c, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return &session{engine: e, cleanup: cleanup}, nil
}

// follow logs engine events until the returned function is called.
func follow(lggr logger.Logger, e *engine.Engine) func() {
	ch, unsubscribe := e.Subscribe(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			logEvent(lggr, ev)
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

func logEvent(lggr logger.Logger, ev events.Event) {
	kv := []any{"entity", ev.EntityID, "from", ev.From, "to", ev.To}
	if ev.NodeID != "" {
		kv = append(kv, "node", ev.NodeID)
	}
	if ev.Step >= 0 {
		kv = append(kv, "step", ev.Step)
	}
	if ev.Error != "" {
		lggr.Warnw(string(ev.Kind)+" update", append(kv, "error", ev.Error)...)
		return
	}
	lggr.Infow(string(ev.Kind)+" update", kv...)
}

// output prints v as indented JSON and, when --out is set, writes it to that file.
func output(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if flags.MustBool(cmd.Flags().GetBool("print")) {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	}
	if out := flags.MustString(cmd.Flags().GetString("out")); out != "" {
		if err := os.WriteFile(out, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("failed to write result to %s: %w", out, err)
		}
	}

	return nil
}

// longDesc trims a command's long description.
func longDesc(s string) string {
	return strings.TrimSpace(s)
}

// examples trims each example line and indents it by two spaces.
func examples(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "  " + strings.TrimSpace(l)
	}

	return strings.Join(lines, "\n")
}
