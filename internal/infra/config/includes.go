package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays the files named by a config's includes list onto it.
// Each file is merged at most once per Load; a repeat is a cycle.
type includer struct {
	seen map[string]bool
}

func newIncluder(root string) *includer {
	return &includer{seen: map[string]bool{root: true}}
}

// apply merges every file matched by cfg.Includes, resolved against dir, in
// list order. Nested includes are followed depth-first.
func (in *includer) apply(cfg *Config, dir string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		files, err := expandInclude(pattern, dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			if in.seen[f] {
				return fmt.Errorf("config includes: circular include detected for %q", f)
			}
			in.seen[f] = true
			if err := in.merge(cfg, f, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return in.apply(cfg, filepath.Dir(path), depth)
}

// expandInclude turns one includes entry into absolute file paths. Globs
// that match nothing expand to nothing; a literal path is returned as is so
// the read reports it missing. Paths outside dir are rejected.
func expandInclude(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}
