package commands

import (
	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/telemetry"
)

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Empty the staging folder",
		Long: `Clean clears read-only and hidden attributes below the staging root and
deletes everything in it. Entries that cannot be removed are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			op := telemetry.StartOperation(s.ctx, "clean")
			cleaner := engine.NewStagingCleaner(s.filesystem(), s.ws.Paths.StagingRoot, s.logger)
			result, err := cleaner.Clean()
			op.End(err)
			if err != nil {
				return err
			}

			s.tel.Metrics.RecordCleanupResidual(len(result.Residual))

			if jsonOutput {
				return printJSON(result)
			}

			if len(result.Residual) == 0 {
				printf("✓ Staging folder is empty: %s\n", result.Root)
				return nil
			}
			printf("! %d entries could not be removed from %s:\n", len(result.Residual), result.Root)
			for _, path := range result.Residual {
				printf("  %s\n", path)
			}
			return nil
		},
	}

	return cmd
}
