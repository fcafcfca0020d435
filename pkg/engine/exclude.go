package engine

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExclusions skips version-control and backup artifacts.
var DefaultExclusions = []string{
	"**/OldVersions/**",
	"**/_V/**",
	"**/*.bak",
	"**/*.v",
	"**/.vault/**",
	"**/Thumbs.db",
}

// Exclusions is a set of doublestar glob patterns matched case-insensitively against
// slash-separated relative paths.
type Exclusions []string

// Validate reports the first malformed pattern.
func (x Exclusions) Validate() error {
	for _, pattern := range x {
		if !doublestar.ValidatePattern(pattern) {
			return NewConfigurationError("invalid exclusion pattern: "+pattern, doublestar.ErrBadPattern).
				WithCode(ErrCodeInvalidRequest)
		}
	}
	return nil
}

// MatchFile reports whether the file at rel is excluded.
func (x Exclusions) MatchFile(rel string) bool {
	name := strings.ToLower(strings.TrimPrefix(path.Clean("/"+rel), "/"))
	for _, pattern := range x {
		if ok, _ := doublestar.Match(strings.ToLower(pattern), name); ok {
			return true
		}
	}
	return false
}

// MatchDir reports whether the folder at rel is excluded, i.e. a pattern matches the
// folder itself or anything placed directly below it.
func (x Exclusions) MatchDir(rel string) bool {
	return x.MatchFile(rel) || x.MatchFile(path.Join(rel, "_"))
}
