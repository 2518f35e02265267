// Package flags provides reusable flag helpers for orchestrator commands.
//
// Only flags shared by several commands live here so they are named the same everywhere.
// Command-specific flags are defined next to the command.
package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// DefaultConfigPath is read when --config is not given. A missing file falls back to the
// environment.
const DefaultConfigPath = "orchestrator.yml"

// MustString returns the string value, ignoring the error.
// Safe to use with registered flags where GetString cannot fail.
func MustString(s string, _ error) string { return s }

// MustBool returns the bool value, ignoring the error.
// Safe to use with registered flags where GetBool cannot fail.
func MustBool(b bool, _ error) bool { return b }

// MustStringToString returns the map value, ignoring the error.
func MustStringToString(m map[string]string, _ error) map[string]string { return m }

// Config adds the persistent --config/-c flag to a command group.
// Retrieve the value with cmd.Flags().GetString("config").
func Config(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", DefaultConfigPath, "Path to the orchestrator config file")
}

// ID adds the required --id flag naming a stored plan or operation.
func ID(cmd *cobra.Command) {
	cmd.Flags().String("id", "", "ID of a stored plan or operation (required)")
	_ = cmd.MarkFlagRequired("id")
}

// Source adds --file/-f and --id. Exactly one must be given: a spec file creates a new
// entity, an ID names a stored one.
func Source(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Spec file (.yaml, .yml, .toml or .json)")
	cmd.Flags().String("id", "", "ID of a stored plan or operation")
	cmd.MarkFlagsOneRequired("file", "id")
	cmd.MarkFlagsMutuallyExclusive("file", "id")
}

// Bytecode adds the repeatable --bytecode flag mapping a resource type to a file holding its
// hex encoded creation bytecode.
//
// Usage:
//
//	flags.Bytecode(cmd)
//	// later in RunE:
//	codes, _ := cmd.Flags().GetStringToString("bytecode")
func Bytecode(cmd *cobra.Command) {
	cmd.Flags().StringToString("bytecode", nil, "Resource type bytecode as Type=path/to/code.hex (repeatable)")
}

// Print adds the --print flag for printing output to stdout (default: true).
// Retrieve the value with cmd.Flags().GetBool("print").
func Print(cmd *cobra.Command) {
	cmd.Flags().Bool("print", true, "Print output to stdout")
}

// Output adds the --out/-o flag for writing the result to a file.
// Also accepts --outputPath for compatibility with existing scripts.
// Retrieve the value with cmd.Flags().GetString("out").
func Output(cmd *cobra.Command, defaultValue string) {
	cmd.Flags().StringP("out", "o", defaultValue, "Output file path")

	existingNormalize := cmd.Flags().GetNormalizeFunc()
	cmd.Flags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "outputPath" {
			return pflag.NormalizedName("out")
		}
		if existingNormalize != nil {
			return existingNormalize(f, name)
		}

		return pflag.NormalizedName(name)
	})
}
