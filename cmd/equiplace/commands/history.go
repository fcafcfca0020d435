package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show placement history",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())
	cmd.AddCommand(newHistoryStatsCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		filter stores.PlacementFilter
		status string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent placements, newest first",
		Example: `  # Placements of module M01 in the last week
  equiplace history list --project 24001 --module M01 --since 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openStore(); err != nil {
				return err
			}

			filter.Status = engine.PlacementStatus(status)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			placements, err := s.store.ListPlacements(s.ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(placements)
			}

			if len(placements) == 0 {
				printf("No placements found\n")
				return nil
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "ID\tSTARTED\tMODULE\tEQUIPMENT\tSUFFIX\tSTATUS\tFILES")
			for _, p := range placements {
				fmt.Fprintf(w, "%s\t%s\t%s/%s/%s\t%s\t%s\t%s\t%d\n",
					shortID(p.ID), formatTime(p.StartedAt),
					p.Project, p.Reference, p.Module,
					p.Equipment, p.Suffix, p.Status, p.FilesCopied)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.Project, "project", "", "filter by project")
	cmd.Flags().StringVar(&filter.Reference, "reference", "", "filter by reference")
	cmd.Flags().StringVar(&filter.Module, "module", "", "filter by module")
	cmd.Flags().StringVar(&filter.Equipment, "equipment", "", "filter by equipment display name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, succeeded, manual_placement_required, failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only placements started within this duration")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of placements (0 for all)")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the stages and events of one placement",
		Long:  `Show accepts a full placement id or any unambiguous prefix of one.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openStore(); err != nil {
				return err
			}

			h, err := s.store.GetHistory(s.ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(h)
			}

			p := h.Placement
			printf("Placement %s\n", p.ID)
			printf("  module:    %s/%s/%s\n", p.Project, p.Reference, p.Module)
			printf("  equipment: %s%s\n", p.Equipment, p.Suffix)
			printf("  status:    %s\n", p.Status)
			printf("  user:      %s\n", p.User)
			printf("  started:   %s\n", formatTime(p.StartedAt))
			if p.CompletedAt != nil {
				printf("  duration:  %s\n", formatDuration(p.CompletedAt.Sub(p.StartedAt)))
			}
			printf("  files:     %d copied\n", p.FilesCopied)
			if p.Error != "" {
				printf("  error:     %s\n", p.Error)
			}

			printf("\nStages:\n")
			w := newTable(os.Stdout)
			for _, st := range h.Stages {
				detail := st.Detail
				if st.Error != "" {
					detail = st.Error
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", st.Stage, st.Status, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			printf("\nEvents:\n")
			for _, e := range h.Events {
				if e.Type == engine.EventTypeProgress {
					continue
				}
				printf("  %s  %-7s %s\n", e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Message)
			}
			return nil
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete placements older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openStore(); err != nil {
				return err
			}

			n, err := s.store.PrunePlacements(s.ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			printf("✓ Pruned %d placements\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the placements to delete")

	return cmd
}

func newHistoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count placements by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.openStore(); err != nil {
				return err
			}

			stats, err := s.store.GetStats(s.ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stats)
			}

			printf("total: %d\n", stats.Total)
			for _, status := range []engine.PlacementStatus{
				engine.PlacementStatusSucceeded,
				engine.PlacementStatusManual,
				engine.PlacementStatusFailed,
				engine.PlacementStatusRunning,
			} {
				printf("  %-26s %d\n", status, stats.ByStatus[status])
			}
			return nil
		},
	}
}
