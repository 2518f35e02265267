package commands

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smartcontractkit/deployment-orchestrator/engine/commands/flags"
)

// NewNonceCommand creates the nonce command with its subcommands.
func NewNonceCommand(cfg Config) (*cobra.Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.deps()

	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Sender nonce maintenance",
		Long: longDesc(`
			A transaction whose broadcast fails after its nonce was reserved leaves a gap: every
			later transaction of the sender stalls until the nonce is used. burn fills the gap with
			a zero value transfer to the sender itself.
		`),
	}
	flags.Config(cmd)
	cmd.AddCommand(newNonceBurnCmd(cfg))

	return cmd, nil
}

func newNonceBurnCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burn",
		Short: "Fill a nonce gap with a self-transfer",
		Example: examples(`
			orchestrator nonce burn --sender 0x8ba1f109551bD432803012645Ac136ddd64DBA72 --nonce 42
		`),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sender := flags.MustString(cmd.Flags().GetString("sender"))
			if !common.IsHexAddress(sender) {
				return fmt.Errorf("invalid sender address %q", sender)
			}
			n, err := cmd.Flags().GetUint64("nonce")
			if err != nil {
				return err
			}
			var gasPrice *big.Int
			if s := flags.MustString(cmd.Flags().GetString("gas-price")); s != "" {
				p, ok := new(big.Int).SetString(s, 10)
				if !ok || p.Sign() <= 0 {
					return errors.New("gas-price must be a positive integer in wei")
				}
				gasPrice = p
			}

			s, err := open(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.cleanup()

			hash, err := s.engine.BurnNonce(cmd.Context(), common.HexToAddress(sender), n, gasPrice)
			if err != nil {
				return err
			}
			cfg.Logger.Infow("Nonce burned", "sender", sender, "nonce", n, "txHash", hash.Hex())
			fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())

			return nil
		},
	}
	cmd.Flags().String("sender", "", "Sender whose nonce is burned (required)")
	cmd.Flags().Uint64("nonce", 0, "Nonce to burn (required)")
	cmd.Flags().String("gas-price", "", "Gas price in wei; defaults to the network suggestion")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("nonce")

	return cmd
}
