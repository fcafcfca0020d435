package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/config"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the equipment catalog",
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogResolveCommand())
	cmd.AddCommand(newCatalogValidateCommand())
	cmd.AddCommand(newCatalogWatchCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog entries sorted by display name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.loadCatalog(); err != nil {
				return err
			}
			entries := s.resolver.List()

			if jsonOutput {
				return printJSON(entries)
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "DISPLAY NAME\tCANONICAL NAME\tREPOSITORY PATH")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.DisplayName, e.CanonicalName, e.RepositoryPath)
			}
			return w.Flush()
		},
	}
}

func newCatalogResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a display or repository-folder name to a catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.loadCatalog(); err != nil {
				return err
			}
			entry, err := s.resolver.Resolve(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entry)
			}

			printf("display name:    %s\n", entry.DisplayName)
			printf("canonical name:  %s\n", entry.CanonicalName)
			printf("repository path: %s\n", entry.RepositoryPath)
			printf("descriptor:      %s\n", entry.Descriptor)
			printf("assembly:        %s\n", entry.Assembly)
			if err := entry.Validate(); err != nil {
				printf("\n! %v\n", err)
			}
			return nil
		},
	}
}

func newCatalogValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a catalog file against the built-in schema",
		Long: `Validate parses the catalog (the workspace catalog unless a file is given)
and reports schema errors, duplicate names and entries that cannot be placed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				ws, err := config.LoadWorkspace(configPath)
				if err != nil {
					return err
				}
				path = ws.Catalog
			}

			catalog, err := config.NewCatalogParser().LoadCatalog(path)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(catalog); err != nil {
					return err
				}
			} else {
				reportCatalog(catalog)
			}

			if !catalog.Valid() {
				return fmt.Errorf("catalog %s is invalid", path)
			}
			return nil
		},
	}
}

func newCatalogWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-validate the catalog whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := config.LoadWorkspace(configPath)
			if err != nil {
				return err
			}

			catalog, err := config.NewCatalogParser().LoadCatalog(ws.Catalog)
			if err != nil {
				return err
			}
			reportCatalog(catalog)

			watcher := config.NewCatalogWatcher(ws.Catalog, config.DefaultDebounce, log.Logger)
			if err := watcher.Watch(cmd.Context(), reportCatalog); err != nil {
				return err
			}
			defer watcher.Stop()

			printf("Watching %s (Ctrl+C to stop)\n", ws.Catalog)
			<-cmd.Context().Done()
			return nil
		},
	}
}

func reportCatalog(catalog *config.Catalog) {
	for _, e := range catalog.Errors {
		printf("%s: %s\n", e.Severity, e.String())
	}
	if catalog.Valid() {
		printf("✓ %s: %d entries\n", catalog.SourceFile, len(catalog.Entries))
	} else {
		printf("✗ %s: %d errors\n", catalog.SourceFile, len(config.Blocking(catalog.Errors)))
	}
}
