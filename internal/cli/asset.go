package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/transfer"
)

// NewAssetCommand creates the asset command group.
func NewAssetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Register and inspect animals",
	}
	cmd.AddCommand(newAssetRegisterCommand(rootOpts))
	cmd.AddCommand(newAssetShowCommand(rootOpts))
	cmd.AddCommand(newAssetListCommand(rootOpts))
	cmd.AddCommand(newAssetUpdateCommand(rootOpts))
	cmd.AddCommand(newAssetDeactivateCommand(rootOpts))
	return cmd
}

func newAssetRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var req transfer.RegisterAssetRequest

	cmd := &cobra.Command{
		Use:     "register <asset-id>",
		Short:   "Register an animal owned by this device's owner",
		Example: `  herdtrail asset register KE-0042-117 --category boran --born 2023-09-02`,
		Args:    cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			req.ID = args[0]
			req.OwnerID = a.cfg.Device.OwnerID
			asset, err := a.machine.RegisterAsset(cmd.Context(), req)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newAssetView(asset))
		}),
	}

	cmd.Flags().StringVar(&req.Category, "category", "", "breed or category")
	cmd.Flags().StringVar(&req.BirthDate, "born", "", "birth date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.HealthRef, "health", "", "health record reference")
	cmd.Flags().StringVar(&req.LineageRef, "lineage", "", "lineage record reference")

	return cmd
}

func newAssetShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show an animal",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			asset, err := a.machine.GetAsset(cmd.Context(), args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newAssetView(asset))
		}),
	}
}

func newAssetListCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List animals owned by this device's owner",
		Args:  cobra.NoArgs,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			switch {
			case all:
				owner = ""
			case owner == "":
				owner = a.cfg.Device.OwnerID
			}
			assets, err := a.machine.ListAssets(cmd.Context(), owner)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			list := make(assetList, len(assets))
			for i, asset := range assets {
				list[i] = newAssetView(asset)
			}
			return newFormatter(cmd, rootOpts).Success(list)
		}),
	}

	cmd.Flags().StringVar(&owner, "owner", "", "list another owner's animals")
	cmd.Flags().BoolVar(&all, "all", false, "list every animal in the local store")

	return cmd
}

func newAssetUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var d transfer.AssetDetails

	cmd := &cobra.Command{
		Use:   "update <asset-id>",
		Short: "Update an animal's descriptive details",
		Long: `Update the category, health or lineage reference of an animal.

Ownership is never changed here; it moves only through a completed transfer.
Empty values keep the current value.`,
		Args: cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			asset, err := a.machine.UpdateAsset(cmd.Context(), args[0], a.cfg.Device.OwnerID, d)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newAssetView(asset))
		}),
	}

	cmd.Flags().StringVar(&d.Category, "category", "", "breed or category")
	cmd.Flags().StringVar(&d.HealthRef, "health", "", "health record reference")
	cmd.Flags().StringVar(&d.LineageRef, "lineage", "", "lineage record reference")

	return cmd
}

func newAssetDeactivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <asset-id>",
		Short: "Mark an animal as no longer in the herd",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			asset, err := a.machine.DeactivateAsset(cmd.Context(), args[0], a.cfg.Device.OwnerID)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newAssetView(asset))
		}),
	}
}
