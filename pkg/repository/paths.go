// Package repository implements engine.Repository over a local vault directory and
// over a remote vault reached through SFTP.
package repository

import (
	"fmt"
	"path"
	"strings"
)

// RootPrefix prefixes every repository path.
const RootPrefix = "$/"

// relative converts a "$/"-rooted path into a clean slash-separated relative path.
// "$/" itself maps to "".
func relative(repoPath string) (string, error) {
	if !strings.HasPrefix(repoPath, RootPrefix) && repoPath != "$" {
		return "", fmt.Errorf("repository path %q must start with %s", repoPath, RootPrefix)
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(repoPath, "$"), "/")
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" {
		return "", nil
	}

	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("repository path %q escapes the repository root", repoPath)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// rooted converts a relative path back into a "$/"-rooted path.
func rooted(rel string) string {
	if rel == "" {
		return RootPrefix
	}
	return RootPrefix + rel
}
