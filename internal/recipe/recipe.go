// Package recipe loads per-directory package recipes from their YAML
// config, per spec.md §6 and grounded on yamlparse.py's load_all/Job
// extraction (the "extra" list of single-key hook mappings).
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Type is the recipe's update strategy.
type Type string

const (
	TypeGit    Type = "git"
	TypeManual Type = "manual"
	TypeAuto   Type = "auto"
)

// HookKind names one of the four ordered command lists a recipe may declare.
type HookKind string

const (
	HookUpdate    HookKind = "update"
	HookPrebuild  HookKind = "prebuild"
	HookPostbuild HookKind = "postbuild"
	HookFailure   HookKind = "failure"
)

var validHookKinds = map[HookKind]bool{
	HookUpdate: true, HookPrebuild: true, HookPostbuild: true, HookFailure: true,
}

// Hook is one {kind: [commands...]} entry from the recipe's "extra" list.
type Hook struct {
	Kind     HookKind
	Commands []string
}

// Config is one recipe's immutable-per-tick configuration.
type Config struct {
	// Dirname is the recipe's directory name; it is the sole key other
	// subsystems use to refer to this recipe.
	Dirname string

	Type       Type
	CleanBuild bool
	Timeout    int // minutes
	Priority   int

	Extra []Hook
}

// Commands returns the ordered command list for the given hook kind, or nil
// if the recipe declares none.
func (c Config) Commands(kind HookKind) []string {
	for _, h := range c.Extra {
		if h.Kind == kind {
			return h.Commands
		}
	}
	return nil
}

// rawConfig mirrors the on-disk YAML shape.
type rawConfig struct {
	Type       string                 `yaml:"type"`
	CleanBuild *bool                  `yaml:"cleanbuild"`
	Timeout    *int                   `yaml:"timeout"`
	Priority   *int                   `yaml:"priority"`
	Extra      []map[string][]string  `yaml:"extra"`
}

// ResolveType applies the type-inference rule from spec.md §6: absent or
// "auto" becomes git iff dirname ends in "-git", else manual.
func ResolveType(declared Type, dirname string) Type {
	if declared == "" || declared == TypeAuto {
		if strings.HasSuffix(dirname, "-git") {
			return TypeGit
		}
		return TypeManual
	}
	return declared
}

// Load reads and validates the recipe.yaml file inside dir, whose base name
// becomes the recipe's dirname.
func Load(dir string) (Config, error) {
	dirname := filepath.Base(dir)
	path := filepath.Join(dir, "recipe.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("reading %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, xerrors.Errorf("parsing %s: %w", path, err)
	}

	cfg := Config{
		Dirname:    dirname,
		Type:       ResolveType(Type(raw.Type), dirname),
		CleanBuild: true,
		Timeout:    30,
		Priority:   0,
	}
	if raw.CleanBuild != nil {
		cfg.CleanBuild = *raw.CleanBuild
	}
	if raw.Timeout != nil {
		cfg.Timeout = *raw.Timeout
	}
	if raw.Priority != nil {
		cfg.Priority = *raw.Priority
	}

	for _, entry := range raw.Extra {
		if len(entry) != 1 {
			return Config{}, xerrors.Errorf("%s: extra entries must be single-key mappings, got %d keys", path, len(entry))
		}
		for k, v := range entry {
			kind := HookKind(k)
			if !validHookKinds[kind] {
				return Config{}, xerrors.Errorf("%s: unknown hook kind %q", path, k)
			}
			cfg.Extra = append(cfg.Extra, Hook{Kind: kind, Commands: v})
		}
	}

	return cfg, nil
}

// LoadAll walks root, one subdirectory per recipe, and loads every
// recipe.yaml found, returning configs in directory-name order for a
// deterministic scan. The Dirname field is asserted unique across the set,
// mirroring spec.md §3's uniqueness invariant.
func LoadAll(root string) ([]Config, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, xerrors.Errorf("reading recipe root %s: %w", root, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(names))
	configs := make([]Config, 0, len(names))
	for _, name := range names {
		path := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(path, "recipe.yaml")); err != nil {
			continue // not a recipe directory
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		if seen[cfg.Dirname] {
			return nil, fmt.Errorf("duplicate recipe dirname %q", cfg.Dirname)
		}
		seen[cfg.Dirname] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}
