package favicon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads rules from a YAML file of the form
//
//	rules:
//	  - pattern: ^acme-prod$
//	    effect: top
//	    color: "#ff0000"
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("favicon rules %s: %w", path, err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, fmt.Errorf("favicon rules %s: %w", path, err)
	}
	return f.Rules, nil
}

const reloadDebounce = 200 * time.Millisecond

// WatchRulesFile saves the rules in path now and after every change to
// the file, until ctx is done. Saving clears the icon cache.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	e.reloadRules(ctx, path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("favicon watcher: %w", err)
	}
	defer w.Close()
	// Editors replace files on save, so the directory is watched.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("favicon watcher: watch %s: %w", filepath.Dir(path), err)
	}
	slog.Info("favicon rules file watched", "path", path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("favicon watcher error", "error", err)
		case <-debounce:
			debounce = nil
			e.reloadRules(ctx, path)
		}
	}
}

func (e *Engine) reloadRules(ctx context.Context, path string) {
	rules, err := LoadRulesFile(path)
	if err != nil {
		slog.Warn("favicon rules file not loaded", "path", path, "error", err)
		return
	}
	if err := e.SaveRules(ctx, rules); err != nil {
		slog.Warn("favicon rules not saved", "path", path, "error", err)
	}
}
