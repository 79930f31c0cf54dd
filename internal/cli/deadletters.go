package cli

import (
	"github.com/spf13/cobra"
)

// NewDeadLettersCommand creates the deadletters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List changes the remote store kept refusing",
		Long: `List queued changes that exhausted their delivery attempts.

Dead-lettered changes stay in the local store and are never dropped. Fix
the cause, then requeue them for another round of attempts.`,
		Args: cobra.NoArgs,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			dead, err := a.queue.DeadLetters(cmd.Context())
			if err != nil {
				return operationError(cmd, rootOpts, err)
			}
			return newFormatter(cmd, rootOpts).Success(newMutationList(dead))
		}),
	}
	cmd.AddCommand(newDeadLettersRequeueCommand(rootOpts))
	return cmd
}

func newDeadLettersRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [mutation-id...]",
		Short: "Give dead-lettered changes a fresh set of attempts",
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			ids := args
			switch {
			case all && len(args) > 0:
				return NewExitError(ExitCommandError, "--all does not take mutation ids")
			case all:
				dead, err := a.queue.DeadLetters(ctx)
				if err != nil {
					return operationError(cmd, rootOpts, err)
				}
				for _, m := range dead {
					ids = append(ids, m.ID)
				}
			case len(args) == 0:
				return NewExitError(ExitCommandError, "name the mutations to requeue or pass --all")
			}
			for _, id := range ids {
				if err := a.queue.Requeue(ctx, id); err != nil {
					return operationError(cmd, rootOpts, err)
				}
			}
			return newFormatter(cmd, rootOpts).Success(counted(len(ids), "Requeued %d changes.", len(ids)))
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every dead-lettered change")
	return cmd
}
