package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/equiplace/equiplace/pkg/config"
	"github.com/equiplace/equiplace/pkg/stores"
)

const sampleCatalog = `// Equipment catalog. Each entry maps a display name to a repository folder.
equipment: [
	{
		canonical_name:  "Angular_Filter"
		display_name:    "Angular Filter"
		repository_path: "$/Equipment/Angular Filter"
		descriptor:      "Angular Filter.ipj"
		assembly:        "Angular Filter.iam"
	},
]
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an equiplace workspace",
		Long: `Initialize writes a workspace file with default settings, a sample equipment
catalog and the directories the workspace refers to, then creates the
placement history database.`,
		Example: `  # Initialize a workspace in the current directory
  equiplace init

  # Rewrite an existing workspace file
  equiplace init --force --config /srv/cad/equiplace.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("config", configPath).
				Bool("force", force).
				Msg("Initializing workspace")

			if dir := filepath.Dir(configPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}

			if err := config.WriteTemplate(configPath, force); err != nil {
				return err
			}
			printf("✓ Created workspace file: %s\n", configPath)

			ws, err := config.LoadWorkspace(configPath)
			if err != nil {
				return err
			}

			dirs := []string{ws.Paths.ProjectsRoot, ws.Paths.StagingRoot}
			if ws.Repository.Type == "local" {
				dirs = append(dirs, ws.Repository.Root)
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				printf("✓ Created directory: %s\n", dir)
			}

			if _, err := os.Stat(ws.Catalog); os.IsNotExist(err) {
				if err := os.WriteFile(ws.Catalog, []byte(sampleCatalog), 0o644); err != nil {
					return fmt.Errorf("failed to write catalog: %w", err)
				}
				printf("✓ Created sample catalog: %s\n", ws.Catalog)
			} else {
				printf("✓ Catalog already exists: %s\n", ws.Catalog)
			}

			if err := os.MkdirAll(filepath.Dir(ws.Store.Path), 0o755); err != nil {
				return fmt.Errorf("failed to create store directory: %w", err)
			}
			store, err := stores.Open(cmd.Context(), ws.Store.Path)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			printf("✓ Initialized history database: %s\n", ws.Store.Path)

			printf("\nNext steps:\n")
			printf("  1. Add equipment to %s and check it:\n", ws.Catalog)
			printf("     equiplace catalog validate\n\n")
			printf("  2. Place equipment into a module:\n")
			printf("     equiplace place <project> <reference> <module> <equipment>\n\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing workspace file")

	return cmd
}
