// Package config loads the builder and repo daemon's on-disk YAML
// configuration, grounded on distri's own flag-driven cmd/ entrypoints
// generalized into a single loaded file per daemon (this system runs two
// long-lived daemons with enough settings that flags alone would be
// unwieldy, matching how config.py centralized buildbot's settings).
package config

import (
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/archbuild/forge/internal/archs"
	"github.com/archbuild/forge/internal/containershell"
)

// Invocation mirrors containershell.Invocation for YAML decoding.
type Invocation struct {
	Argv             []string `yaml:"argv"`
	AdditionalPrefix string   `yaml:"additional_prefix"`
}

func (i Invocation) toContainershell() containershell.Invocation {
	return containershell.Invocation{Argv: i.Argv, AdditionalPrefix: i.AdditionalPrefix}
}

// Toolchain names the external packaging-toolchain commands the builder
// checks every recipe with.
type Toolchain struct {
	BuildFileName      string `yaml:"build_file_name"`
	UpdateCommand      string `yaml:"update_command"`
	PackageListCommand string `yaml:"package_list_command"`
}

// BuildCommands names the four toolchain build-command variants.
type BuildCommands struct {
	Plain          string `yaml:"plain"`
	Clean          string `yaml:"clean"`
	Multiarch      string `yaml:"multiarch"`
	CleanMultiarch string `yaml:"clean_multiarch"`
}

// Builder is the builder daemon's full configuration.
type Builder struct {
	RecipeRoot string `yaml:"recipe_root"`
	LedgerPath string `yaml:"ledger_path"`
	LogDir     string `yaml:"log_dir"`

	Socket string `yaml:"socket"`
	Secret string `yaml:"secret"`

	Archs      []string          `yaml:"archs"`
	ArchMap    map[string]string `yaml:"arch_map"`
	VercmpCmd  string            `yaml:"vercmp_command"`
	ContainerRoot string         `yaml:"container_root"`
	X86        Invocation        `yaml:"x86"`
	ARM        Invocation        `yaml:"arm"`
	Toolchain  Toolchain         `yaml:"toolchain"`
	Build      BuildCommands     `yaml:"build"`

	PackageSuffix string   `yaml:"package_suffix"`
	SignCommand   []string `yaml:"sign_command"`

	UpdateIntervalSeconds int `yaml:"update_interval_seconds"`
	UpdateTimeoutSeconds  int `yaml:"update_timeout_seconds"`

	RepodSocket string `yaml:"repod_socket"`
	RepodSecret string `yaml:"repod_secret"`

	TransferCommand []string `yaml:"transfer_command"`
	RemoteDest      string   `yaml:"remote_dest"`
	Overwrite       bool     `yaml:"overwrite"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// ArchSet returns the configured Archs as an archs.Set.
func (b Builder) ArchSet() archs.Set {
	s := make(archs.Set, len(b.Archs))
	for _, a := range b.Archs {
		s[a] = true
	}
	return s
}

// Mapping returns the configured arch-name translation table, falling back
// to archs.DefaultMapping when none is configured.
func (b Builder) Mapping() archs.Mapping {
	if len(b.ArchMap) == 0 {
		return archs.DefaultMapping
	}
	return archs.Mapping(b.ArchMap)
}

// ContainerConfig builds a containershell.Config from this configuration.
func (b Builder) ContainerConfig() containershell.Config {
	return containershell.Config{
		Root: b.ContainerRoot,
		X86:  b.X86.toContainershell(),
		ARM:  b.ARM.toContainershell(),
	}
}

// Repod is the repo daemon's full configuration.
type Repod struct {
	Root          string   `yaml:"root"`
	Archs         []string `yaml:"archs"`
	PackageSuffix string   `yaml:"package_suffix"`
	RepoName      string   `yaml:"repo_name"`
	VercmpCmd     string   `yaml:"vercmp_command"`

	RepoAddCommand    []string `yaml:"repo_add_command"`
	RepoRemoveCommand []string `yaml:"repo_remove_command"`
	VerifyCommand     []string `yaml:"verify_command"`

	Socket        string  `yaml:"socket"`
	Secret        string  `yaml:"secret"`
	BandwidthMbps float64 `yaml:"bandwidth_mbps"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadBuilder reads and parses a builder configuration file.
func LoadBuilder(path string) (Builder, error) {
	var cfg Builder
	if err := load(path, &cfg); err != nil {
		return Builder{}, err
	}
	return cfg, nil
}

// LoadRepod reads and parses a repo daemon configuration file.
func LoadRepod(path string) (Repod, error) {
	var cfg Repod
	if err := load(path, &cfg); err != nil {
		return Repod{}, err
	}
	return cfg, nil
}

func load(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return xerrors.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
