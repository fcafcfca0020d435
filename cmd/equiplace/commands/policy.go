package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/policy"
	"github.com/equiplace/equiplace/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test placement policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyWatchCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List builtin and workspace policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.loadPolicies(); err != nil {
				return err
			}
			policies := s.policy.ListPolicies()

			if jsonOutput {
				return printJSON(policies)
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "NAME\tSEVERITY\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Severity, source, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Recompile workspace policies whenever a policy file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if len(s.ws.Policy.Paths) == 0 {
				return fmt.Errorf("no policy paths configured in %s", configPath)
			}
			if err := s.loadPolicies(); err != nil {
				return err
			}
			printf("✓ %d policies loaded\n", len(s.policy.ListPolicies()))

			err = s.policy.Watch(s.ctx, s.ws.Policy.Paths, func(custom []policy.Policy) {
				printf("✓ reloaded %d workspace policies\n", len(custom))
			})
			if err != nil {
				return err
			}
			defer s.policy.StopWatching()

			printf("Watching %d policy path(s) (Ctrl+C to stop)\n", len(s.ws.Policy.Paths))
			<-s.ctx.Done()
			return nil
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var suffix string

	cmd := &cobra.Command{
		Use:   "check <project> <reference> <module> <equipment>",
		Short: "Evaluate the preflight policies for a placement without running it",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			op := telemetry.StartOperation(s.ctx, "policy.check", telemetry.AttrEquipment.String(args[3]))
			result, err := checkPolicies(s, args, suffix)
			op.End(err)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				for _, v := range result.Violations {
					printf("%-7s %s: %s\n", v.Severity, v.Policy, v.Message)
				}
				for _, w := range result.Warnings {
					printf("warning %s\n", w)
				}
				if result.Allowed {
					printf("✓ placement allowed\n")
				}
			}

			if !result.Allowed {
				return fmt.Errorf("placement denied by policy")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "instance suffix to check instead of allocating")

	return cmd
}

// checkPolicies builds the same policy input as the preflight stage.
func checkPolicies(s *session, args []string, suffix string) (*engine.PolicyResult, error) {
	if err := s.loadPolicies(); err != nil {
		return nil, err
	}

	alloc, err := allocatePreview(s, args)
	if err != nil {
		return nil, err
	}

	entry, err := s.resolver.Resolve(args[3])
	if err != nil {
		return nil, err
	}

	input := &engine.PolicyInput{
		Project:           args[0],
		Reference:         args[1],
		Module:            args[2],
		Entry:             *entry,
		Suffix:            alloc.Suffix,
		Occupied:          alloc.Occupied,
		Overwrite:         alloc.Overwrite,
		DestinationFolder: alloc.Destination,
	}

	if suffix != "" {
		if !engine.IsValidSuffix(suffix) {
			return nil, engine.NewConfigurationError("invalid instance suffix: "+suffix, nil).
				WithCode(engine.ErrCodeInvalidSuffix)
		}
		req := placementRequest(args[0], args[1], args[2], entry)
		req.Suffix = suffix
		input.Suffix = suffix
		input.DestinationFolder = s.ws.EngineLayout().DestinationFolder(req)
		input.Overwrite = s.filesystem().Exists(input.DestinationFolder)
	}

	return s.policy.EvaluatePlacement(s.ctx, input)
}
