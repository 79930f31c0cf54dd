package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Origin     string
	Unverified bool
	Since      time.Duration
	After      int64
	Limit      int
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log [entity-type entity-id]",
		Short: "Show the change log",
		Long: `Show the append-only change log, oldest first.

Entity types are asset, transfer and evidence. Evidence ids have the form
<transfer-id>/<party-id>. Unverified entries are values recorded for audit
but not applied, such as the losing side of a merge.`,
		Example: `  herdtrail log transfer 01923f6e-...
  herdtrail log --origin REMOTE --since 24h
  herdtrail log --unverified`,
		Args: cobra.RangeArgs(0, 2),
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			f, err := opts.filter(args)
			if err != nil {
				return err
			}
			entries, err := a.log.Entries(cmd.Context(), f)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newEntryList(entries))
		}),
	}

	cmd.Flags().StringVar(&opts.Origin, "origin", "", "only LOCAL or REMOTE entries")
	cmd.Flags().BoolVar(&opts.Unverified, "unverified", false, "only entries that were not applied")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only entries newer than this")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only entries after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries")

	cmd.AddCommand(newLogPruneCommand(rootOpts))
	return cmd
}

func (o *LogOptions) filter(args []string) (changelog.Filter, error) {
	f := changelog.Filter{AfterSeq: o.After, Limit: o.Limit}
	switch len(args) {
	case 1:
		return f, NewExitError(ExitCommandError, "an entity type needs an entity id")
	case 2:
		f.EntityType = domain.EntityType(args[0])
		f.EntityID = args[1]
		switch f.EntityType {
		case domain.EntityAsset, domain.EntityTransfer, domain.EntityEvidence:
		default:
			return f, NewExitError(ExitCommandError, fmt.Sprintf("unknown entity type %q", args[0]))
		}
	}
	switch domain.Origin(o.Origin) {
	case "":
	case domain.OriginLocal, domain.OriginRemote:
		f.Origin = domain.Origin(o.Origin)
	default:
		return f, NewExitError(ExitCommandError, fmt.Sprintf("invalid --origin %q: must be LOCAL or REMOTE", o.Origin))
	}
	if o.Unverified {
		verified := false
		f.Verified = &verified
	}
	if o.Since > 0 {
		f.Since = domain.SystemClock{}.Now().Add(-o.Since)
	}
	return f, nil
}

func newLogPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete change log entries past the retention horizon",
		Long: `Delete change log entries older than --older-than, or than
changelog.retention from the config when the flag is not given.`,
		Args: cobra.NoArgs,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			horizon := a.cfg.Retention
			if cmd.Flags().Changed("older-than") {
				horizon = olderThan
			}
			if horizon <= 0 {
				return NewExitError(ExitCommandError, "no retention configured: pass --older-than")
			}
			n, err := a.log.Prune(cmd.Context(), horizon)
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(
				counted(int(n), "Pruned %d entries older than %s.", n, formatAge(horizon)))
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention horizon, e.g. 2160h")
	return cmd
}
