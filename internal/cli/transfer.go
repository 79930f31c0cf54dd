package cli

import (
	"math"

	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/transfer"
)

// NewTransferCommand creates the transfer command group.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Propose, attest and settle ownership transfers",
		Long: `Propose, attest and settle ownership transfers.

A transfer completes only after both parties submit evidence whose combined
plausibility clears the configured threshold. Until then the animal stays
with its current owner.`,
	}
	cmd.AddCommand(newTransferInitiateCommand(rootOpts))
	cmd.AddCommand(newTransferEvidenceCommand(rootOpts))
	cmd.AddCommand(newTransferCancelCommand(rootOpts))
	cmd.AddCommand(newTransferRejectCommand(rootOpts))
	cmd.AddCommand(newTransferShowCommand(rootOpts))
	cmd.AddCommand(newTransferListCommand(rootOpts))
	cmd.AddCommand(newTransferHistoryCommand(rootOpts))
	return cmd
}

func newTransferInitiateCommand(rootOpts *RootOptions) *cobra.Command {
	var req transfer.InitiateRequest
	var method string

	cmd := &cobra.Command{
		Use:   "initiate <asset-id> <to-owner>",
		Short: "Propose moving an animal to another owner",
		Example: `  herdtrail transfer initiate KE-0042-117 juma --method gift
  herdtrail transfer initiate KE-0042-117 juma --method sale --price 4500000 --currency KES`,
		Args: cobra.ExactArgs(2),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			m, err := domain.ParseMethod(method)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --method", err)
			}
			req.AssetID = args[0]
			req.ToOwnerID = args[1]
			req.Method = m
			req.ActorID = a.cfg.Device.OwnerID
			if req.FromOwnerID == "" {
				req.FromOwnerID = a.cfg.Device.OwnerID
			}
			rec, err := a.machine.Initiate(cmd.Context(), req)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newTransferView(rec))
		}),
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "transfer id; retrying with the same id is safe")
	cmd.Flags().StringVar(&req.FromOwnerID, "from", "", "current owner (default: this device's owner)")
	cmd.Flags().StringVar(&method, "method", string(domain.MethodSale), "sale|gift|loan|inheritance|exchange")
	cmd.Flags().Int64Var(&req.Price, "price", 0, "price in minor currency units")
	cmd.Flags().StringVar(&req.Currency, "currency", "", "ISO 4217 currency code")

	return cmd
}

// evidenceFlags holds flags for transfer evidence.
type evidenceFlags struct {
	score    float64
	proof    []string
	lat      float64
	lon      float64
	accuracy int64
}

func newTransferEvidenceCommand(rootOpts *RootOptions) *cobra.Command {
	var f evidenceFlags

	cmd := &cobra.Command{
		Use:   "evidence <transfer-id>",
		Short: "Attest to a transfer as this device's owner",
		Long: `Sign and submit this device owner's evidence for a transfer.

--score is the owner's confidence, from 0 to 1, that the transfer is genuine.
Evidence without a score is recorded but cannot complete the transfer until
it is resubmitted with one. Priced transfers need at least one --proof
reference from each party, such as a payment receipt id. Submitting again replaces earlier evidence from the same owner.`,
		Example: `  herdtrail transfer evidence 01923f6e-... --score 0.9 --proof mpesa:QK81XZ2LTW
  herdtrail transfer evidence 01923f6e-... --score 0.8 --lat -1.2921 --lon 36.8219 --accuracy 30`,
		Args: cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			score := domain.ScoreUnset
			if cmd.Flags().Changed("score") {
				if f.score < 0 || f.score > 1 {
					return NewExitError(ExitCommandError, "--score must be between 0 and 1")
				}
				score = domain.ScoreFromFloat(f.score)
			}
			ctx := cmd.Context()
			ev := domain.Evidence{
				TransferID:   args[0],
				PartyID:      a.cfg.Device.OwnerID,
				ConfirmedAt:  domain.SystemClock{}.Now(),
				ProofRefs:    f.proof,
				Plausibility: score,
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				ev.GeoHint = &domain.GeoHint{
					LatE6:     microdegrees(f.lat),
					LonE6:     microdegrees(f.lon),
					AccuracyM: f.accuracy,
				}
			}
			sig, keyID, err := a.keys.SignObject(ctx, canon.DomainEvidence, ev.SigningPayload())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to sign evidence", err)
			}
			ev.Signature, ev.SignerKeyID = sig, keyID

			rec, err := a.machine.SubmitEvidence(ctx, args[0], ev)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newTransferView(rec))
		}),
	}

	cmd.Flags().Float64Var(&f.score, "score", 0, "plausibility between 0 and 1")
	cmd.Flags().StringSliceVar(&f.proof, "proof", nil, "proof reference (repeatable)")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "longitude in degrees")
	cmd.Flags().Int64Var(&f.accuracy, "accuracy", 0, "location accuracy in meters")

	return cmd
}

func microdegrees(deg float64) int64 {
	return int64(math.Round(deg * 1e6))
}

func newTransferCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Withdraw a transfer before it completes",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			rec, err := a.machine.Cancel(cmd.Context(), args[0], a.cfg.Device.OwnerID, reason)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newTransferView(rec))
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the transfer is cancelled")
	return cmd
}

func newTransferRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <transfer-id>",
		Short: "Refuse a transfer as one of its parties",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			rec, err := a.machine.Reject(cmd.Context(), args[0], a.cfg.Device.OwnerID, reason)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newTransferView(rec))
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the transfer is rejected (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTransferShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <transfer-id>",
		Short: "Show a transfer and its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			rec, err := a.machine.Get(ctx, args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			evs, err := a.machine.Evidence(ctx, args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newTransferDetail(rec, evs))
		}),
	}
}

func newTransferListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <asset-id>",
		Short: "List the transfers of an animal",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			recs, err := a.machine.ListByAsset(cmd.Context(), args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			list := make(transferList, len(recs))
			for i, rec := range recs {
				list[i] = newTransferView(rec)
			}
			return newFormatter(cmd, rootOpts).Success(list)
		}),
	}
}

func newTransferHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <transfer-id>",
		Short: "Show the change log of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			entries, err := a.machine.History(cmd.Context(), args[0])
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newEntryList(entries))
		}),
	}
}

// NewExpireCommand creates the expire command.
func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire [transfer-id]",
		Short: "Expire transfers past their deadline",
		Long: `Expire one transfer, or every active transfer whose deadline has passed.

Expired transfers release their animal back to the current owner. A
running "herdtrail sync --watch" does this periodically.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			var recs []domain.TransferRecord
			if len(args) == 1 {
				rec, err := a.machine.Expire(ctx, args[0])
				if err != nil {
					return operationError(cmd, rootOpts, err)
				}
				recs = append(recs, rec)
			} else {
				due, err := a.machine.ExpireDue(ctx)
				if err != nil {
					return operationError(cmd, rootOpts, err)
				}
				recs = due
			}
			list := make(transferList, len(recs))
			for i, rec := range recs {
				list[i] = newTransferView(rec)
			}
			return newFormatter(cmd, rootOpts).Success(list)
		}),
	}
}
