package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	regoExt = ".rego"

	// reloadDelay coalesces a burst of file events into one reload.
	reloadDelay = 500 * time.Millisecond
)

// Loader reads admission policies from .rego files and watches them.
type Loader struct {
	logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths reads every path. A file must be a .rego module; a directory
// is searched recursively for them, and unreadable modules inside it are
// skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(root)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			case d.IsDir() || filepath.Ext(path) != regoExt:
				return nil
			}
			p, err := l.loadFromFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("policy directory %s: %w", root, walkErr)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies read")
	return out, nil
}

// loadFromFile names the policy after the file and describes it with the
// module's leading comment.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	if filepath.Ext(path) != regoExt {
		return nil, fmt.Errorf("%s is not a %s module", path, regoExt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), regoExt),
		Description: extractDescription(src),
		Rego:        src,
		Source:      path,
		Enabled:     true,
	}, nil
}

// extractDescription returns the first block of # comments, joined by
// spaces. Blank lines before the block are allowed; the first code line ends it.
func extractDescription(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " ")
}

// Watch calls apply with freshly loaded policies shortly after a .rego file
// under paths is written or created. Watching stops with ctx.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, path := range paths {
		dir := path
		if info, err := os.Stat(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Not watching policy path")
			continue
		} else if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn().Err(err).Str("path", dir).Msg("Not watching policy directory")
		}
	}

	go l.watch(ctx, watcher, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	// Armed on the first relevant event, nil while idle.
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) == regoExt && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
				reload = time.After(reloadDelay)
			}

		case <-reload:
			reload = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
