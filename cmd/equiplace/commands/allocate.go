package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/telemetry"
)

type allocationOutput struct {
	Equipment   string   `json:"equipment"`
	Destination string   `json:"destination"`
	Suffix      string   `json:"suffix"`
	Occupied    []string `json:"occupied"`
	Overwrite   bool     `json:"overwrite"`
	Status      string   `json:"status"`
}

func newAllocateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocate <project> <reference> <module> <equipment>",
		Short: "Show which instance folder a placement would use",
		Long: `Allocate resolves the equipment and inspects the module's equipment folder
without changing anything. It reports the occupied instance slots and the
folder the next placement would create or overwrite.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			op := telemetry.StartOperation(s.ctx, "allocate", telemetry.AttrEquipment.String(args[3]))
			out, err := allocatePreview(s, args)
			op.End(err)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out)
			}

			printf("%s\n", out.Status)
			printf("  destination: %s\n", out.Destination)
			occupied := "none"
			if len(out.Occupied) > 0 {
				occupied = strings.Join(out.Occupied, ", ")
			}
			printf("  occupied:    %s\n", occupied)
			return nil
		},
	}

	return cmd
}

// allocatePreview runs resolve and allocate without touching the module.
func allocatePreview(s *session, args []string) (*allocationOutput, error) {
	if _, err := s.loadCatalog(); err != nil {
		return nil, err
	}

	entry, err := s.resolver.Resolve(args[3])
	if err != nil {
		return nil, err
	}

	layout := s.ws.EngineLayout()
	req := placementRequest(args[0], args[1], args[2], entry)

	alloc, err := engine.Allocate(s.filesystem(), layout.EquipmentRoot(req), entry.CanonicalName)
	if err != nil {
		return nil, err
	}
	req.Suffix = alloc.Suffix

	return &allocationOutput{
		Equipment:   entry.DisplayName,
		Destination: layout.DestinationFolder(req),
		Suffix:      alloc.Suffix,
		Occupied:    alloc.Occupied,
		Overwrite:   alloc.Overwrite,
		Status:      alloc.Status,
	}, nil
}
