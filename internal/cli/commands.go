package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/iago/wa-lead-router/internal/app"
	"github.com/iago/wa-lead-router/internal/domain"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			if rt.app.Postgres == nil {
				return app.ErrDatabaseRequired
			}
			applied, err := rt.app.Postgres.Migrate(cmd.Context(), rt.logger)
			if err != nil {
				return errors.Wrap(err, "apply migrations")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Roll over offers whose ack deadline has passed",
		Long: `Runs one timeout sweep outside the server's schedule.

Every waiting offer past its deadline is timed out and the lead is offered
to the next agent in the rotation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			if limit < 0 {
				return errors.Newf("--limit must not be negative, got %d", limit)
			}
			processed, err := rt.app.Sweeper.Sweep(cmd.Context(), rt.app.Clock.Now(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled over %d expired offer(s)\n", processed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum offers to process (0 uses the configured batch limit)")
	return cmd
}

func newStopAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every active distribution cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			stopped, err := rt.app.Distribution.StopAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d active cycle(s)\n", stopped)
			return nil
		},
	}
}

func newCycleCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cycle <leadID>",
		Short: "Show the latest distribution cycle of a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			state, err := rt.app.Distribution.CycleState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), state)
			}

			out := cmd.OutOrStdout()
			if state.Cycle == nil {
				fmt.Fprintf(out, "lead %s has no distribution cycle\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "cycle %s  status=%s  order=%d  started=%s\n",
				state.Cycle.ID, state.Cycle.Status, state.Cycle.CurrentQueueOrder, state.Cycle.StartedAt.Format(time.RFC3339))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tSALES\tSTATUS\tDEADLINE\tREASON")
			for _, attempt := range state.Attempts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					attempt.QueueOrder, attempt.SalesID, attempt.Status,
					attempt.AckDeadline.Format(time.RFC3339), attempt.CloseReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the cycle as JSON")
	return cmd
}

func newQueueCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the agent rotation in offer order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			entries, err := rt.app.Distribution.Queue(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []domain.QueueEntry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tSALES\tLABEL\tACTIVE")
			for _, entry := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", entry.Order, entry.SalesID, entry.Label, entry.Active)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the rotation as JSON")
	return cmd
}
