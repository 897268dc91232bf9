// Package buildexec runs the eight-step build pipeline for one taken Job:
// clean, prebuild hooks, build, postbuild hooks, sign, upload, post-clean,
// finish. Grounded on buildbot.py's jobsManager and the surrounding
// makepkg-variant invocations in config.py (MAKEPKG_MAKE_CMD /
// MAKEPKG_MAKE_CMD_CLEAN).
package buildexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/containershell"
	"github.com/archbuild/forge/internal/jobqueue"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/recipe"
	"github.com/archbuild/forge/internal/supervisor"
)

// BuildCommands names the four toolchain build-command variants, selected
// by the cross product of cleanbuild and multiarch.
type BuildCommands struct {
	Plain          string
	Clean          string
	Multiarch      string
	CleanMultiarch string
}

// Select returns the command variant for the given flags.
func (c BuildCommands) Select(cleanBuild, multiarch bool) string {
	switch {
	case cleanBuild && multiarch:
		return c.CleanMultiarch
	case cleanBuild:
		return c.Clean
	case multiarch:
		return c.Multiarch
	default:
		return c.Plain
	}
}

// Uploader delegates the upload step (§4.6's three-phase handshake) to
// whatever implements the repo-daemon RPC client.
type Uploader interface {
	Upload(ctx context.Context, dirname string, artifacts []artifact.Artifact) error
}

// Config configures one Executor.
type Config struct {
	// RecipeRoot holds one subdirectory per recipe; a recipe's pkg/ and
	// src/ build directories and its produced artifacts all live directly
	// under RecipeRoot/<dirname>.
	RecipeRoot    string
	Container     containershell.Config
	Build         BuildCommands
	PackageSuffix string // e.g. "pkg.tar.xz"

	// SignCommand is the argv prefix for the detached-signature tool; the
	// artifact filename is appended as the final argument, run on the
	// host (not inside a container), mirroring GPG_SIGN_CMD.
	SignCommand []string
}

// Executor runs the build pipeline for jobs taken from a Queue.
type Executor struct {
	cfg      Config
	queue    *jobqueue.Queue
	uploader Uploader
	logger   zerolog.Logger
}

// New constructs an Executor.
func New(cfg Config, queue *jobqueue.Queue, uploader Uploader, logger zerolog.Logger) *Executor {
	return &Executor{cfg: cfg, queue: queue, uploader: uploader, logger: logger}
}

// Run executes the full pipeline for job, using cfg for its hooks, timeout,
// and clean-build flag. On success the job is marked finished in the queue.
// A failure after the prebuild step leaves the job "current"; the caller's
// next Take() force-finishes it per the queue's leaked-job recovery rule.
func (e *Executor) Run(ctx context.Context, job jobqueue.Job, cfg recipe.Config) error {
	dir := filepath.Join(e.cfg.RecipeRoot, job.Dirname)
	timer := metrics.NewTimer()

	cleanBuild := cfg.CleanBuild || job.ForceClean
	if err := e.clean(job.Dirname, job.Arch, cleanBuild, job.Multiarch); err != nil {
		metrics.BuildsTotal.WithLabelValues("clean_failure").Inc()
		return fmt.Errorf("%s: clean: %w", job.Dirname, err)
	}

	e.runHooks(ctx, cfg.Commands(recipe.HookPrebuild), job.Dirname, job.Arch, "prebuild")

	timeout := time.Duration(cfg.Timeout) * time.Minute
	buildCmd := e.cfg.Build.Select(cleanBuild, job.Multiarch)
	if _, err := containershell.Shell(ctx, e.cfg.Container, e.logger, job.Arch, buildCmd, job.Dirname, timeout, 60*time.Second, false); err != nil {
		e.runHooks(ctx, cfg.Commands(recipe.HookFailure), job.Dirname, job.Arch, "failure")
		metrics.BuildsTotal.WithLabelValues("build_failure").Inc()
		return fmt.Errorf("%s: build: %w", job.Dirname, err)
	}

	e.runHooks(ctx, cfg.Commands(recipe.HookPostbuild), job.Dirname, job.Arch, "postbuild")

	built, err := e.sign(ctx, dir)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("sign_failure").Inc()
		return fmt.Errorf("%s: sign: %w", job.Dirname, err)
	}

	if err := e.uploader.Upload(ctx, job.Dirname, built); err != nil {
		metrics.BuildsTotal.WithLabelValues("upload_failure").Inc()
		return fmt.Errorf("%s: upload: %w", job.Dirname, err)
	}

	if err := e.postClean(dir, job.Multiarch, cleanBuild); err != nil {
		e.logger.Warn().Err(err).Str("dirname", job.Dirname).Msg("post-clean failed, continuing")
	}

	metrics.BuildsTotal.WithLabelValues("success").Inc()
	timer.ObserveDurationVec(metrics.BuildDuration, job.Arch)
	return e.queue.Finish(job, false)
}

// Clean removes dirname's build directories and every built artifact
// regardless of arch, for forgectl's standalone clean(dirname) call (as
// opposed to the cleanbuild flag a build pipeline run applies to itself).
func (e *Executor) Clean(dirname string) error {
	return e.clean(dirname, "", true, true)
}

// RunHooks runs dirname's named hook set against the given arch, for
// forgectl's extras(action, pkgname) call.
func (e *Executor) RunHooks(ctx context.Context, dirname, arch string, kind recipe.HookKind, cfg recipe.Config) {
	e.runHooks(ctx, cfg.Commands(kind), dirname, arch, string(kind))
}

// clean removes the in-tree build directories when multiarch or cleanbuild
// is set, and always removes stale artifacts for the relevant arch (or all
// arches, for a multiarch build).
func (e *Executor) clean(dirname, arch string, cleanBuild, multiarch bool) error {
	dir := filepath.Join(e.cfg.RecipeRoot, dirname)

	if cleanBuild || multiarch {
		if err := os.RemoveAll(filepath.Join(dir, "pkg")); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(dir, "src")); err != nil {
			return err
		}
	}

	pattern := filepath.Join(dir, "*."+e.cfg.PackageSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if !multiarch {
			art, err := artifact.Parse(filepath.Base(m))
			if err == nil && art.Arch != arch && art.Arch != "any" {
				continue
			}
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
		sig := m + ".sig"
		if err := os.Remove(sig); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// runHooks runs each command best-effort: failures are logged, never
// propagated, per spec.md §4.5 steps 2 and 4.
func (e *Executor) runHooks(ctx context.Context, commands []string, dirname, arch, kind string) {
	for _, c := range commands {
		if _, err := containershell.Shell(ctx, e.cfg.Container, e.logger, arch, c, dirname, 30*time.Minute, 60*time.Second, false); err != nil {
			e.logger.Warn().Err(err).Str("dirname", dirname).Str("hook", kind).Str("command", c).
				Msg("hook command failed, continuing")
		}
	}
}

// sign detached-signs every produced artifact in dir and returns the parsed
// set. A missing signature after the sign command runs is a hard failure.
func (e *Executor) sign(ctx context.Context, dir string) ([]artifact.Artifact, error) {
	pattern := filepath.Join(dir, "*."+e.cfg.PackageSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	var built []artifact.Artifact
	for _, m := range matches {
		art, err := artifact.Parse(filepath.Base(m))
		if err != nil {
			return nil, fmt.Errorf("unparseable artifact filename %q: %w", m, err)
		}

		argv := append(append([]string{}, e.cfg.SignCommand...), m)
		if _, err := supervisor.Run(ctx, supervisor.Options{Argv: argv, Logger: e.logger}); err != nil {
			return nil, fmt.Errorf("signing %s: %w", m, err)
		}
		if _, err := os.Stat(m + ".sig"); err != nil {
			return nil, fmt.Errorf("signing %s: no .sig produced: %w", m, err)
		}
		built = append(built, art)
	}
	return built, nil
}

// postClean removes built artifacts after a successful upload, and sources
// too for a multiarch build or when cleanbuild was requested.
func (e *Executor) postClean(dir string, multiarch, cleanBuild bool) error {
	pattern := filepath.Join(dir, "*."+e.cfg.PackageSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(m + ".sig"); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if multiarch || cleanBuild {
		if err := os.RemoveAll(filepath.Join(dir, "src")); err != nil {
			return err
		}
	}
	return nil
}
