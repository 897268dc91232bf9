// Package integrator implements the repo daemon's served-tree operations —
// update, regenerate, remove, clean-archive, and the shared filter_old
// eviction pass — grounded on repo.py's _update/_regenerate/throw_away and
// repo_add, extended per the fuller spec the distillation only summarized.
package integrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/supervisor"
)

// Config describes the served-tree layout and the external toolchain
// commands that mutate its package database.
type Config struct {
	// Root is the repo daemon's root directory, holding updates/, archive/,
	// recycled/, and www/.
	Root          string
	Archs         []string // configured build arches, e.g. x86_64, aarch64 ("any" is implicit, never listed here)
	PackageSuffix string   // e.g. "pkg.tar.xz"
	RepoName      string   // database basename, e.g. "myrepo"

	// RepoAddCommand/RepoRemoveCommand are argv prefixes; the database path
	// and then the affected filenames are appended.
	RepoAddCommand    []string
	RepoRemoveCommand []string
}

// Integrator mutates one repo daemon's served tree.
type Integrator struct {
	cfg    Config
	logger zerolog.Logger
}

// New constructs an Integrator.
func New(cfg Config, logger zerolog.Logger) *Integrator {
	return &Integrator{cfg: cfg, logger: logger}
}

func (g *Integrator) updatesDir() string  { return filepath.Join(g.cfg.Root, "updates") }
func (g *Integrator) archiveDir() string  { return filepath.Join(g.cfg.Root, "archive") }
func (g *Integrator) recycledDir() string { return filepath.Join(g.cfg.Root, "recycled") }
func (g *Integrator) wwwDir(arch string) string {
	return filepath.Join(g.cfg.Root, "www", arch)
}

// EnsureLayout creates every directory the served tree needs and the
// www/archive -> ../archive convenience symlink, grounded on repo.py's
// checkenv.
func (g *Integrator) EnsureLayout() error {
	dirs := []string{g.updatesDir(), g.archiveDir(), g.recycledDir(), g.wwwDir("any")}
	for _, arch := range g.cfg.Archs {
		dirs = append(dirs, g.wwwDir(arch))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	link := filepath.Join(g.cfg.Root, "www", "archive")
	if _, err := os.Lstat(link); err != nil {
		if err := os.Symlink(filepath.Join("..", "archive"), link); err != nil {
			return err
		}
	}
	return nil
}

// quarantine renames path into recycled/, suffixed with its rename time so
// repeated tombstones of the same name never collide.
func (g *Integrator) quarantine(path string) error {
	dest := filepath.Join(g.recycledDir(), filepath.Base(path)+"_"+strconv.FormatInt(time.Now().UnixNano(), 10))
	g.logger.Warn().Str("path", path).Str("dest", dest).Msg("quarantining")
	if err := os.Rename(path, dest); err != nil {
		return err
	}
	metrics.EvictedArtifactsTotal.WithLabelValues("recycled").Inc()
	return nil
}

// archive renames path into archive/, first quarantining any pre-existing
// file with the same name so the move never silently clobbers history.
func (g *Integrator) archive(path string) error {
	dest := filepath.Join(g.archiveDir(), filepath.Base(path))
	if _, err := os.Lstat(dest); err == nil {
		if err := g.quarantine(dest); err != nil {
			return err
		}
	}
	if err := os.Rename(path, dest); err != nil {
		return err
	}
	metrics.EvictedArtifactsTotal.WithLabelValues("archive").Inc()
	return nil
}

// evict moves path to archive/ or recycled/, always recycling symlinks
// (they are never meaningfully "archived": the target they point at is the
// real artifact) per spec's invariant.
func (g *Integrator) evict(path string, recycle bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if recycle || info.Mode()&os.ModeSymlink != 0 {
		return g.quarantine(path)
	}
	return g.archive(path)
}

// FilterOld groups the recognized package files directly inside dir by
// (pkgname, arch), keeps the keepNew newest per group (by the domain
// version-compare relation), and evicts the rest — to archive/ normally, or
// always to recycled/ when recycle is set. Each evicted package's .sig
// sibling, if present, is moved alongside it.
func (g *Integrator) FilterOld(ctx context.Context, cmp artifact.Comparator, dir string, keepNew int, recycle bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type key struct{ pkgname, arch string }
	groups := make(map[key][]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sig") || !artifact.HasSuffix(name, g.cfg.PackageSuffix) {
			continue
		}
		art, err := artifact.Parse(name)
		if err != nil {
			continue
		}
		k := key{art.Pkgname, art.Arch}
		groups[k] = append(groups[k], filepath.Join(dir, name))
	}

	for _, files := range groups {
		sort.SliceStable(files, func(i, j int) bool {
			return artifact.Less(ctx, cmp, filepath.Base(files[j]), filepath.Base(files[i]))
		})
		if len(files) <= keepNew {
			continue
		}
		for _, f := range files[keepNew:] {
			if err := g.evict(f, recycle); err != nil {
				return fmt.Errorf("evicting %s: %w", f, err)
			}
			sig := f + ".sig"
			if _, err := os.Lstat(sig); err == nil {
				if err := g.evict(sig, recycle); err != nil {
					return fmt.Errorf("evicting %s: %w", sig, err)
				}
			}
		}
	}
	return nil
}

// stagedPair is one validated (package, signature) entry found in a
// directory being integrated.
type stagedPair struct {
	pkg, sig string
	art      artifact.Artifact
}

// scanPairs lists dir for recognized (package, signature) pairs. Anything
// else — wrong suffix, missing signature, unparseable name — is logged and,
// if quarantineInvalid is set, quarantined on the spot.
func (g *Integrator) scanPairs(dir string, quarantineInvalid bool) ([]stagedPair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []stagedPair
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sig") {
			continue
		}
		full := filepath.Join(dir, name)

		if !artifact.HasSuffix(name, g.cfg.PackageSuffix) {
			g.logger.Warn().Str("file", name).Msg("not a recognized package file")
			if quarantineInvalid {
				g.quarantine(full)
			}
			continue
		}

		sig := full + ".sig"
		if _, err := os.Lstat(sig); err != nil {
			g.logger.Warn().Str("file", name).Msg("missing signature")
			if quarantineInvalid {
				g.quarantine(full)
			}
			continue
		}

		art, err := artifact.Parse(name)
		if err != nil {
			g.logger.Warn().Str("file", name).Msg("unparseable artifact name")
			if quarantineInvalid {
				g.quarantine(full)
				g.quarantine(sig)
			}
			continue
		}

		out = append(out, stagedPair{pkg: full, sig: sig, art: art})
	}
	return out, nil
}

// Update drains the staging directory into the served tree: malformed
// entries are quarantined, duplicate staged versions of the same package
// are pre-archived, each remaining pair is placed into every arch its
// artifact applies to (fanning "any" out to every configured arch), the
// staging copy is archived, affected arches are reindexed, and whatever is
// left over in staging afterward is quarantined as garbage.
func (g *Integrator) Update(ctx context.Context, cmp artifact.Comparator, overwrite bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IntegrateDuration, "update")

	staging := g.updatesDir()

	if _, err := g.scanPairs(staging, true); err != nil {
		return err
	}
	if err := g.FilterOld(ctx, cmp, staging, 1, false); err != nil {
		return err
	}
	pairs, err := g.scanPairs(staging, false)
	if err != nil {
		return err
	}

	affected := make(map[string][]string)
	anyProcessed := false

	for _, p := range pairs {
		name := filepath.Base(p.pkg)

		if p.art.Arch == "any" {
			anyProcessed = true
			// The canonical copy lives under www/any; Regenerate's
			// symlink-only pass below fans it out to every configured arch.
			destPkg := filepath.Join(g.wwwDir("any"), name)
			destSig := destPkg + ".sig"
			if !overwrite {
				if _, err := os.Lstat(destPkg); err == nil {
					return fmt.Errorf("update: %s already exists (overwrite not requested)", name)
				}
			}
			if err := copyFile(p.pkg, destPkg); err != nil {
				return fmt.Errorf("update: copying %s into www/any: %w", name, err)
			}
			if err := copyFile(p.sig, destSig); err != nil {
				return fmt.Errorf("update: copying %s into www/any: %w", name+".sig", err)
			}
			for _, arch := range g.cfg.Archs {
				affected[arch] = append(affected[arch], filepath.Join(g.wwwDir(arch), name))
			}
		} else {
			arch := p.art.Arch
			destPkg := filepath.Join(g.wwwDir(arch), name)
			destSig := destPkg + ".sig"
			if !overwrite {
				if _, err := os.Lstat(destPkg); err == nil {
					return fmt.Errorf("update: %s already exists in %s (overwrite not requested)", name, arch)
				}
			}
			if err := copyFile(p.pkg, destPkg); err != nil {
				return fmt.Errorf("update: copying %s into %s: %w", name, arch, err)
			}
			if err := copyFile(p.sig, destSig); err != nil {
				return fmt.Errorf("update: copying %s into %s: %w", name+".sig", arch, err)
			}
			affected[arch] = append(affected[arch], destPkg)
		}

		if err := g.archive(p.pkg); err != nil {
			return err
		}
		if err := g.archive(p.sig); err != nil {
			return err
		}
	}

	if anyProcessed {
		if err := g.Regenerate(ctx, cmp, g.cfg.Archs, true); err != nil {
			return err
		}
	}

	for arch, files := range affected {
		if err := g.repoAdd(ctx, arch, files); err != nil {
			return err
		}
	}

	remaining, err := os.ReadDir(staging)
	if err == nil {
		for _, e := range remaining {
			if e.IsDir() {
				continue
			}
			if err := g.quarantine(filepath.Join(staging, e.Name())); err != nil {
				g.logger.Error().Err(err).Str("file", e.Name()).Msg("quarantining leftover staging file")
			}
		}
	}
	return nil
}

func (g *Integrator) indexFilenames() []string {
	rn := g.cfg.RepoName
	return []string{
		rn + ".db", rn + ".db.tar.gz", rn + ".db.tar.gz.old",
		rn + ".files", rn + ".files.tar.gz", rn + ".files.tar.gz.old",
	}
}

func (g *Integrator) essentialIndexFilenames() []string {
	var out []string
	for _, f := range g.indexFilenames() {
		if !strings.HasSuffix(f, ".old") {
			out = append(out, f)
		}
	}
	return out
}

// ensureSymlink creates www/<arch>/name -> ../any/name if absent.
func (g *Integrator) ensureSymlink(arch, name string) error {
	dst := filepath.Join(g.wwwDir(arch), name)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	return os.Symlink(filepath.Join("..", "any", name), dst)
}

// Regenerate is the authoritative reconciliation pass: it first ensures
// every www/any artifact has a matching symlink in every other configured
// arch (the only thing done when symlinkOnly is set), then — for each arch
// — evicts superseded versions, quarantines orphaned signatures/packages
// and unrecognized files, relocates misplaced-arch packages, reindexes, and
// checks the resulting index files are present.
func (g *Integrator) Regenerate(ctx context.Context, cmp artifact.Comparator, archList []string, symlinkOnly bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IntegrateDuration, "regenerate")

	anyDir := g.wwwDir("any")
	entries, err := os.ReadDir(anyDir)
	if err != nil {
		g.logger.Error().Err(err).Msg("www/any does not exist")
		entries = nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sig") || !artifact.HasSuffix(name, g.cfg.PackageSuffix) {
			continue
		}
		art, err := artifact.Parse(name)
		if err != nil || art.Arch != "any" {
			continue
		}
		sigName := name + ".sig"
		if _, err := os.Lstat(filepath.Join(anyDir, sigName)); err != nil {
			continue
		}
		for _, arch := range archList {
			if arch == "any" {
				continue
			}
			if err := g.ensureSymlink(arch, name); err != nil {
				return err
			}
			if err := g.ensureSymlink(arch, sigName); err != nil {
				return err
			}
		}
	}

	if symlinkOnly {
		return nil
	}

	essential := g.essentialIndexFilenames()
	indexSet := make(map[string]bool, len(g.indexFilenames()))
	for _, f := range g.indexFilenames() {
		indexSet[f] = true
	}

	for _, arch := range archList {
		destDir := g.wwwDir(arch)
		if _, err := os.Stat(destDir); err != nil {
			g.logger.Error().Str("arch", arch).Msg("www/<arch> does not exist")
			continue
		}
		if err := g.FilterOld(ctx, cmp, destDir, 1, true); err != nil {
			return err
		}

		archEntries, err := os.ReadDir(destDir)
		if err != nil {
			return err
		}

		var toAdd []string
		seenIndex := make(map[string]bool)
		for _, e := range archEntries {
			name := e.Name()
			if indexSet[name] {
				seenIndex[name] = true
				continue
			}
			full := filepath.Join(destDir, name)

			if strings.HasSuffix(name, ".sig") {
				if _, err := os.Lstat(full); err != nil {
					// Already moved alongside its relocated package.
					continue
				}
				if _, err := os.Lstat(strings.TrimSuffix(full, ".sig")); err != nil {
					if err := g.quarantine(full); err != nil {
						return err
					}
				}
				continue
			}
			if !artifact.HasSuffix(name, g.cfg.PackageSuffix) {
				if err := g.quarantine(full); err != nil {
					return err
				}
				continue
			}
			sigPath := full + ".sig"
			if _, err := os.Lstat(sigPath); err != nil {
				if err := g.quarantine(full); err != nil {
					return err
				}
				continue
			}
			art, err := artifact.Parse(name)
			if err != nil {
				if err := g.quarantine(full); err != nil {
					return err
				}
				continue
			}
			if art.Arch != "any" && art.Arch != arch {
				destPkg := filepath.Join(g.wwwDir(art.Arch), name)
				destSig := destPkg + ".sig"
				if err := os.Rename(full, destPkg); err != nil {
					return err
				}
				if err := os.Rename(sigPath, destSig); err != nil {
					return err
				}
				continue
			}
			toAdd = append(toAdd, full)
		}

		if len(toAdd) > 0 {
			if err := g.repoAdd(ctx, arch, toAdd); err != nil {
				return err
			}
		}
		for _, ef := range essential {
			if !seenIndex[ef] {
				g.logger.Error().Str("arch", arch).Str("file", ef).Msg("missing essential index file after regenerate")
			}
		}
	}
	return nil
}

// Remove evicts every artifact (across archList) whose pkgname is in names,
// after running the toolchain's repo-remove over the affected database.
func (g *Integrator) Remove(ctx context.Context, names []string, archList []string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IntegrateDuration, "remove")

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	for _, arch := range archList {
		dir := g.wwwDir(arch)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var matched []string
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, ".sig") || !artifact.HasSuffix(name, g.cfg.PackageSuffix) {
				continue
			}
			art, err := artifact.Parse(name)
			if err != nil || !wanted[art.Pkgname] {
				continue
			}
			matched = append(matched, name)
		}
		if len(matched) == 0 {
			continue
		}

		if err := g.repoRemove(ctx, arch, matched); err != nil {
			return err
		}
		for _, name := range matched {
			full := filepath.Join(dir, name)
			if err := g.quarantine(full); err != nil {
				return err
			}
			sig := full + ".sig"
			if _, err := os.Lstat(sig); err == nil {
				if err := g.quarantine(sig); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// CleanArchive evicts everything in archive/ beyond the keepNew newest per
// (pkgname, arch), always recycling.
func (g *Integrator) CleanArchive(ctx context.Context, cmp artifact.Comparator, keepNew int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IntegrateDuration, "clean_archive")
	return g.FilterOld(ctx, cmp, g.archiveDir(), keepNew, true)
}

func (g *Integrator) repoAdd(ctx context.Context, arch string, files []string) error {
	dbPath := filepath.Join(g.wwwDir(arch), g.cfg.RepoName+".db.tar.gz")
	argv := append(append([]string{}, g.cfg.RepoAddCommand...), dbPath)
	argv = append(argv, files...)
	_, err := supervisor.Run(ctx, supervisor.Options{Argv: argv, HardTimeout: 5 * time.Minute, Logger: g.logger})
	return err
}

func (g *Integrator) repoRemove(ctx context.Context, arch string, names []string) error {
	dbPath := filepath.Join(g.wwwDir(arch), g.cfg.RepoName+".db.tar.gz")
	argv := append(append([]string{}, g.cfg.RepoRemoveCommand...), dbPath)
	argv = append(argv, names...)
	_, err := supervisor.Run(ctx, supervisor.Options{Argv: argv, HardTimeout: 5 * time.Minute, Logger: g.logger})
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
