package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/keys"
)

// NewKeysCommand creates the keys command group.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the device signing key and trusted peer keys",
	}
	cmd.AddCommand(newKeysShowCommand(rootOpts))
	cmd.AddCommand(newKeysRotateCommand(rootOpts))
	cmd.AddCommand(newKeysTrustCommand(rootOpts))
	cmd.AddCommand(newKeysLookupCommand(rootOpts))
	return cmd
}

func newKeysShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Aliases: []string{"export"},
		Short:   "Print this device's public key",
		Args:    cobra.NoArgs,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			pub, err := a.keys.Export(cmd.Context())
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newKeyView(pub))
		}),
	}
}

func newKeysRotateCommand(rootOpts *RootOptions) *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the device key",
		Long: `Generate a new device key. The old public key stays trusted for the
signatures it already made but never signs again.`,
		Args: cobra.NoArgs,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			alg := keys.Algorithm("")
			if algorithm != "" {
				parsed, err := keys.ParseAlgorithm(algorithm)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --algorithm", err)
				}
				alg = parsed
			}
			pub, err := a.keys.Rotate(cmd.Context(), alg)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newKeyView(pub))
		}),
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "algorithm of the new key (default: current)")
	return cmd
}

func newKeysTrustCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "trust <owner-id> <public-key>",
		Short:   "Trust a peer's public key",
		Example: `  herdtrail keys trust juma ed25519:mB3v...=`,
		Args:    cobra.ExactArgs(2),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			pub, err := keys.ParsePublicKey(args[0], args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid public key", err)
			}
			if err := a.keys.Trust(cmd.Context(), pub); err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newKeyView(pub))
		}),
	}
}

func newKeysLookupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <key-id>",
		Short: "Show a trusted key by id",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			pub, err := a.keys.Lookup(cmd.Context(), args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newKeyView(pub))
		}),
	}
}
