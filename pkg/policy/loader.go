package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// policyGlob selects policy files below a directory.
const policyGlob = "**/*.{rego,json}"

// severityDirective sets a .rego file's default severity, e.g. "# severity: error".
const severityDirective = "severity:"

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// cachedPolicy is reused while the file's size and modification time are unchanged.
type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// Loader reads custom policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy named by paths, in order. A path that is a file
// must load; files found under a directory are skipped with a warning when broken.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			policies = append(policies, p)
			continue
		}

		files, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.loadFile(file)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}
			policies = append(policies, p)
		}
	}

	l.logger.Debug().Int("total", len(policies)).Int("sources", len(paths)).Msg("Policies loaded")
	return policies, nil
}

// policyFiles returns the policy files below dir sorted by path.
func policyFiles(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), policyGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, filepath.Join(dir, filepath.FromSlash(m)))
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	ok, _ := doublestar.Match(policyGlob, filepath.ToSlash(filepath.Base(path)))
	return ok
}

// loadFile parses one policy file, serving it from the cache when it has not changed.
func (l *Loader) loadFile(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat policy: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRego(path, string(data))
	case ".json":
		p, err = parseJSON(path, data)
	default:
		err = fmt.Errorf("unsupported policy file type: %s", path)
	}
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy parsed")
	return p, nil
}

// parseRego names the policy after its file and reads the leading comment block:
// a "severity:" line sets the severity, other lines form the description.
func parseRego(path, content string) (Policy, error) {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     content,
		Severity: SeverityWarning,
		Enabled:  true,
		Source:   path,
	}

	var description []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		switch {
		case comment == "":
		case strings.HasPrefix(comment, severityDirective):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, severityDirective)))
			if !p.Severity.Valid() {
				return Policy{}, fmt.Errorf("%s: unknown severity %q", path, p.Severity)
			}
		default:
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p, nil
}

// parseJSON reads a policy definition; severity defaults to warning and the file can
// never declare itself built-in.
func parseJSON(path string, data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%s: failed to parse JSON policy: %w", path, err)
	}

	switch {
	case p.Name == "":
		return Policy{}, fmt.Errorf("%s: policy name is required", path)
	case strings.TrimSpace(p.Rego) == "":
		return Policy{}, fmt.Errorf("%s: policy %s has no rego", path, p.Name)
	case p.Severity == "":
		p.Severity = SeverityWarning
	case !p.Severity.Valid():
		return Policy{}, fmt.Errorf("%s: unknown severity %q", path, p.Severity)
	}

	p.Builtin = false
	p.Source = path
	return p, nil
}

// Watch reloads paths after each burst of policy file changes and hands the full
// set to apply. It returns once watching has started; cancel ctx or call
// StopWatching to end it.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addRecursive(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, apply)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addRecursive watches a file, or a directory and every directory below it.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// New subdirectories are watched so files added later are seen.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			pending = time.After(reloadDelay)

		case <-pending:
			pending = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching ends a running Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
