package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-engine/runtime/cron"
)

func newPruneCommand(opts *options) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Keep only the newest checkpoints of every thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("keep") {
				keep = opts.cfg.Prune.Keep
			}
			store, err := openCheckpoints(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			retention, err := cron.NewRetention(store, keep, opts.logger)
			if err != nil {
				return err
			}
			report, err := retention.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoints from %d lines across %d threads\n",
				report.Removed, report.Lines, report.Threads)
			return err
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 20, "Checkpoints to keep per thread, defaults to prune.keep")
	return cmd
}
