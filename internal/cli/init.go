package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/config"
	"github.com/roach88/herdtrail/internal/keys"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Owner     string
	Device    string
	Algorithm string
	StorePath string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up this device",
		Long: `Write a config file for this device, create the local store and
generate the device signing key.

An existing config file is left untouched. Share the printed public key
with the parties you transfer with so they can trust it.`,
		Example: `  herdtrail init --owner amina --device amina-phone
  herdtrail init --owner amina --algorithm dilithium3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id this device signs for (required)")
	cmd.Flags().StringVar(&opts.Device, "device", "device-1", "device id")
	cmd.Flags().StringVar(&opts.Algorithm, "algorithm", string(keys.Ed25519), "signature algorithm (ed25519|dilithium3)")
	cmd.Flags().StringVar(&opts.StorePath, "store", "herdtrail.db", "path of the local store")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions) error {
	if _, err := keys.ParseAlgorithm(opts.Algorithm); err != nil {
		return WrapExitError(ExitCommandError, "invalid --algorithm", err)
	}

	path := opts.Config
	if path == "" {
		path = config.DefaultFile
	}
	written, err := writeConfig(path, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}
	if !written {
		newFormatter(cmd, opts.RootOptions).VerboseLog("Keeping existing config %s", path)
	}
	opts.Config = path

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Device.OwnerID != opts.Owner {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("%s already configures owner %s", path, a.cfg.Device.OwnerID))
	}
	if err := a.keys.Ready(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "failed to create device key", err)
	}
	pub, err := a.keys.Export(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read device key", err)
	}
	return newFormatter(cmd, opts.RootOptions).Success(newKeyView(pub))
}

// writeConfig creates the config file unless it exists, reporting whether
// it wrote one.
func writeConfig(path string, opts *InitOptions) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = fmt.Fprintf(f, `device: {
	id:        %q
	owner:     %q
	algorithm: %q
}

store: path: %q
`, opts.Device, opts.Owner, opts.Algorithm, opts.StorePath)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err == nil, err
}
