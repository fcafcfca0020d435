package engine

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// CleanResult reports the outcome of a staging purge.
type CleanResult struct {
	// Root is the purged staging root.
	Root string `json:"root"`

	// Residual lists paths that survived the per-file retry.
	Residual []string `json:"residual,omitempty"`
}

// StagingCleaner empties the shared staging root.
type StagingCleaner struct {
	fs     Filesystem
	root   string
	logger zerolog.Logger
}

// NewStagingCleaner creates a cleaner for root.
func NewStagingCleaner(fs Filesystem, root string, logger zerolog.Logger) *StagingCleaner {
	return &StagingCleaner{
		fs:     fs,
		root:   root,
		logger: logger.With().Str("component", "staging-cleaner").Logger(),
	}
}

// Root returns the staging root.
func (c *StagingCleaner) Root() string {
	return c.root
}

// Clean normalizes attributes below the staging root, then deletes every child of it.
// A missing root is created. Residual files are reported in the result, not as an error;
// an error is only returned when the root itself cannot be processed.
func (c *StagingCleaner) Clean() (*CleanResult, error) {
	result := &CleanResult{Root: c.root}

	if c.root == "" {
		return result, fmt.Errorf("staging root is not configured")
	}
	clean := filepath.Clean(c.root)
	if filepath.Dir(clean) == clean {
		return result, fmt.Errorf("refusing to purge filesystem root %s", clean)
	}

	if !c.fs.Exists(c.root) {
		if err := c.fs.MkdirAll(c.root); err != nil {
			return result, fmt.Errorf("failed to create staging root: %w", err)
		}
		return result, nil
	}

	if err := c.fs.NormalizeAttributes(c.root); err != nil {
		c.logger.Warn().Err(err).Str("root", c.root).Msg("Failed to normalize staging attributes")
	}

	residual, err := c.fs.Purge(c.root)
	result.Residual = residual
	if err != nil {
		return result, fmt.Errorf("failed to purge staging root: %w", err)
	}

	if len(residual) > 0 {
		c.logger.Warn().
			Str("root", c.root).
			Int("residual", len(residual)).
			Strs("paths", residual).
			Msg("Staging root not fully purged")
	} else {
		c.logger.Debug().Str("root", c.root).Msg("Staging root purged")
	}

	return result, nil
}
