package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/telemetry"
)

// serveMetrics is set by place --serve-metrics.
var serveMetrics string

func newPlaceCommand() *cobra.Command {
	var (
		suffix string
		strict bool
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "place <project> <reference> <module> <equipment>",
		Short: "Place equipment into a module",
		Long: `Place resolves the equipment in the catalog, allocates the next free instance
folder (_01 to _04) under the module's equipment folder and runs the placement
pipeline: pre-clean, fetch, copy-design, metadata, insertion and post-clean.

When all four instance folders are taken the last one is overwritten. Use
--strict to refuse the overwrite instead.`,
		Example: `  # Place an angular filter into module M01 of project 24001, reference A
  equiplace place 24001 A M01 "Angular Filter"

  # Force the instance folder and expose metrics while placing
  equiplace place 24001 A M01 "Angular Filter" --suffix _02 --serve-metrics :9102`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			op := telemetry.StartOperation(s.ctx, "place",
				telemetry.AttrProject.String(args[0]),
				telemetry.AttrReference.String(args[1]),
				telemetry.AttrModule.String(args[2]),
				telemetry.AttrEquipment.String(args[3]),
			)
			err = runPlace(op.Ctx, s, args, suffix, strict, quiet)
			op.End(err)
			return err
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "instance suffix to use instead of allocating (_01.._04)")
	cmd.Flags().BoolVar(&strict, "strict", false, "refuse to overwrite the last instance folder")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	cmd.Flags().StringVar(&serveMetrics, "serve-metrics", "", "serve Prometheus metrics on this address while placing")

	return cmd
}

func runPlace(ctx context.Context, s *session, args []string, suffix string, strict, quiet bool) error {
	if _, err := s.loadCatalog(); err != nil {
		return err
	}
	if err := s.openStore(); err != nil {
		return err
	}
	if s.ws.Policy.Enabled {
		if err := s.loadPolicies(); err != nil {
			return err
		}
	}

	pipeline, err := s.newPipeline()
	if err != nil {
		return err
	}

	if err := s.tel.StartMetricsServer(ctx); err != nil {
		return err
	}

	if !quiet && !jsonOutput {
		s.tel.Events.Subscribe("console", printEvent, telemetry.ExcludeTypes(
			engine.EventTypePlacementCompleted,
			engine.EventTypePlacementFailed,
		))
	}

	req := engine.PlaceRequest{
		Project:         args[0],
		Reference:       args[1],
		Module:          args[2],
		Equipment:       args[3],
		User:            currentUser(),
		RefuseOverwrite: strict,
	}
	if suffix != "" {
		req.Suffix = &suffix
	}

	logger := telemetry.FromContext(ctx).ForModule(req.Project, req.Reference, req.Module)
	logger.Debug().Str("equipment", req.Equipment).Msg("Starting placement")

	result, err := pipeline.Place(ctx, req)
	if result != nil {
		logger.ForPlacement(result.PlacementID).Debug().
			Str("status", string(result.Status)).
			Dur("duration", result.Duration).
			Msg("Placement finished")
	}
	if errors.Is(err, engine.ErrPlacementInProgress) {
		return err
	}

	if jsonOutput {
		if jerr := printJSON(result); jerr != nil {
			return jerr
		}
		return err
	}

	printResult(result)
	return err
}

// printEvent prints pipeline events as progress lines on stderr.
func printEvent(_ context.Context, event *engine.Event) error {
	switch event.Type {
	case engine.EventTypeProgress:
		percent, _ := event.Details["percent"].(int)
		fmt.Fprintf(os.Stderr, "[%3d%%] %s: %s\n", percent, event.Stage, event.Message)
	case engine.EventTypeWarning:
		fmt.Fprintf(os.Stderr, "warning: %s\n", event.Message)
	case engine.EventTypeStageFailed:
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", event.Stage, event.Message)
	}
	return nil
}

func printResult(r *engine.PlacementResult) {
	if r == nil {
		return
	}

	switch r.Status {
	case engine.PlacementStatusSucceeded:
		printf("✓ %s placed as %s\n", r.Equipment, filepath.Base(r.DestinationFolder))
	case engine.PlacementStatusManual:
		printf("! %s copied but must be inserted manually\n", r.Equipment)
	default:
		printf("✗ placement of %s failed\n", r.Equipment)
	}

	printf("  placement:   %s\n", r.PlacementID)
	if r.DestinationFolder != "" {
		printf("  destination: %s\n", r.DestinationFolder)
	}
	if r.AllocationStatus != "" {
		printf("  allocation:  %s\n", r.AllocationStatus)
	}
	printf("  files:       %d found, %d fetched, %d copied\n", r.FilesFound, r.FilesFetched, r.FilesCopied)
	if r.Message != "" {
		printf("  result:      %s\n", r.Message)
	}
	if r.Error != "" {
		printf("  error:       %s\n", r.Error)
	}
	if r.CleanupResidual > 0 {
		printf("  staging:     %d entries could not be removed\n", r.CleanupResidual)
	}
	for _, w := range r.Warnings {
		printf("  warning:     %s\n", w)
	}
	printf("  duration:    %s\n", formatDuration(r.Duration))
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
