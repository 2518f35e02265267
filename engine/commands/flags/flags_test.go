package flags

import (
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		wantFile string
		wantID   string
		wantErr  string
	}{
		{name: "file", args: []string{"-f", "plan.yaml"}, wantFile: "plan.yaml"},
		{name: "id", args: []string{"--id", "plan_1"}, wantID: "plan_1"},
		{name: "neither", args: nil, wantErr: "at least one of the flags"},
		{name: "both", args: []string{"-f", "plan.yaml", "--id", "plan_1"}, wantErr: "none of the others can be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := &cobra.Command{Use: "test", Run: func(*cobra.Command, []string) {}}
			cmd.SetErr(io.Discard)
			cmd.SetOut(io.Discard)
			Source(cmd)

			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFile, MustString(cmd.Flags().GetString("file")))
			assert.Equal(t, tt.wantID, MustString(cmd.Flags().GetString("id")))
		})
	}
}

func TestID(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "test"}
	ID(cmd)

	require.ErrorContains(t, cmd.ValidateRequiredFlags(), "id")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	parent := &cobra.Command{Use: "plan"}
	Config(parent)
	child := &cobra.Command{Use: "validate", Run: func(*cobra.Command, []string) {}}
	parent.AddCommand(child)

	parent.SetArgs([]string{"validate", "-c", "prod.toml"})
	require.NoError(t, parent.Execute())
	assert.Equal(t, "prod.toml", MustString(child.Flags().GetString("config")))
}

func TestBytecode(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "test", Run: func(*cobra.Command, []string) {}}
	Bytecode(cmd)

	cmd.SetArgs([]string{"--bytecode", "ERC20=erc20.hex", "--bytecode", "Registry=registry.hex"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, map[string]string{
		"ERC20":    "erc20.hex",
		"Registry": "registry.hex",
	}, MustStringToString(cmd.Flags().GetStringToString("bytecode")))
}

func TestOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "default", args: nil, want: ""},
		{name: "short", args: []string{"-o", "result.json"}, want: "result.json"},
		{name: "legacy alias", args: []string{"--outputPath", "legacy.json"}, want: "legacy.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := &cobra.Command{Use: "test", Run: func(*cobra.Command, []string) {}}
			Output(cmd, "")
			Print(cmd)

			cmd.SetArgs(tt.args)
			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.want, MustString(cmd.Flags().GetString("out")))
			assert.True(t, MustBool(cmd.Flags().GetBool("print")))
		})
	}
}
