// Package updatedetector implements the per-tick update scan, grounded on
// buildbot.py's updateManager.check_update: pull the recipe tree, re-derive
// each recipe's new version inside its build container, and compare against
// the ledger before enqueueing a job.
package updatedetector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/archs"
	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/containershell"
	"github.com/archbuild/forge/internal/jobqueue"
	"github.com/archbuild/forge/internal/ledger"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/recipe"
	"github.com/archbuild/forge/internal/supervisor"
)

// Toolchain names the external packaging-toolchain commands every recipe is
// checked with, run inside the recipe's container working directory.
type Toolchain struct {
	// BuildFileName is the recipe's build-description file, e.g. "PKGBUILD",
	// read to extract the declared arch list.
	BuildFileName string
	// UpdateCommand fetches upstream sources and recomputes the package
	// version, e.g. a syncdeps-without-build invocation.
	UpdateCommand string
	// PackageListCommand prints the artifact filenames the toolchain would
	// produce for the current sources, one per line.
	PackageListCommand string
}

// Config configures one Detector.
type Config struct {
	RecipeRoot string
	// PullCommand refreshes the recipe tree from its upstream VCS; run on
	// the host, not inside a container. Failures are logged and swallowed.
	PullCommand []string

	Archs     archs.Mapping
	Container containershell.Config
	Toolchain Toolchain

	UpdateInterval time.Duration
	UpdateTimeout  time.Duration // generous, hour-scale bound on the update+fetch commands
	LogDir         string
}

// Detector runs update scans against a ledger and feeds discovered updates
// into a job queue.
type Detector struct {
	cfg    Config
	ledger *ledger.Ledger
	cmp    artifact.Comparator
	queue  *jobqueue.Queue
	logger zerolog.Logger

	lastCheck time.Time
	// targetedRunning guards against a non-targeted scan starting while a
	// targeted rebuild scan is in progress; the non-targeted scan yields.
	targetedRunning int32
}

// New constructs a Detector.
func New(cfg Config, led *ledger.Ledger, cmp artifact.Comparator, queue *jobqueue.Queue, logger zerolog.Logger) *Detector {
	return &Detector{cfg: cfg, ledger: led, cmp: cmp, queue: queue, logger: logger}
}

// Tick runs a non-targeted scan if the queue is empty and enough time has
// elapsed since the last check. It is a no-op otherwise.
func (d *Detector) Tick(ctx context.Context) error {
	if !d.queue.Empty() {
		return nil
	}
	if d.cfg.UpdateInterval > 0 && time.Since(d.lastCheck) < d.cfg.UpdateInterval {
		return nil
	}
	if atomic.LoadInt32(&d.targetedRunning) == 1 {
		d.logger.Info().Msg("yielding update scan to in-progress targeted rebuild")
		return nil
	}
	d.lastCheck = time.Now()
	return d.scan(ctx, "", false, false)
}

// TargetedRebuild forces a single recipe to be considered an update
// regardless of the version comparison, while still following the normal
// ledger write discipline. forceClean additionally overrides the recipe's
// own cleanbuild setting for this one build, per forgectl's
// rebuild_package(dirname, clean) call.
func (d *Detector) TargetedRebuild(ctx context.Context, dirname string, forceClean bool) error {
	atomic.StoreInt32(&d.targetedRunning, 1)
	defer atomic.StoreInt32(&d.targetedRunning, 0)
	return d.scan(ctx, dirname, true, forceClean)
}

func (d *Detector) scan(ctx context.Context, targetDirname string, targeted, forceClean bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpdateScanDuration)

	if len(d.cfg.PullCommand) > 0 {
		if _, err := supervisor.Run(ctx, supervisor.Options{
			Argv:   d.cfg.PullCommand,
			Dir:    d.cfg.RecipeRoot,
			Logger: d.logger,
		}); err != nil {
			d.logger.Warn().Err(err).Msg("recipe tree pull failed, continuing with on-disk state")
		}
	}

	configs, err := recipe.LoadAll(d.cfg.RecipeRoot)
	if err != nil {
		return fmt.Errorf("loading recipes: %w", err)
	}

	for _, cfg := range configs {
		if targeted && cfg.Dirname != targetDirname {
			continue
		}
		if err := d.checkOne(ctx, cfg, targeted, forceClean); err != nil {
			d.logger.Error().Err(err).Str("dirname", cfg.Dirname).Msg("update check failed")
			if ferr := d.ledger.IncrementFailures(cfg.Dirname); ferr != nil {
				d.logger.Error().Err(ferr).Str("dirname", cfg.Dirname).Msg("failed to persist failure counter")
			}
			if d.ledger.Quarantined(cfg.Dirname) {
				metrics.QuarantinedRecipesTotal.Inc()
			}
		}
	}
	return nil
}

func (d *Detector) checkOne(ctx context.Context, cfg recipe.Config, targeted, forceClean bool) error {
	if !targeted && d.ledger.Quarantined(cfg.Dirname) {
		metrics.UpdateChecksTotal.WithLabelValues("quarantined").Inc()
		return nil
	}

	buildFile := filepath.Join(d.cfg.RecipeRoot, cfg.Dirname, d.cfg.Toolchain.BuildFileName)
	declared, err := archsFromBuildFile(buildFile)
	if err != nil {
		return fmt.Errorf("%s: reading declared arches: %w", cfg.Dirname, err)
	}
	mapped := d.cfg.Archs.Map(declared)
	if len(mapped) == 0 {
		d.logger.Warn().Str("dirname", cfg.Dirname).Msg("no buildable arch declared, skipping")
		return nil
	}
	arch, _ := archs.Representative(mapped)

	var logFile string
	if d.cfg.LogDir != "" {
		logFile = filepath.Join(d.cfg.LogDir, cfg.Dirname+"-update.log")
	}

	commands := append(append([]string{}, cfg.Commands(recipe.HookUpdate)...), d.cfg.Toolchain.UpdateCommand)
	for _, c := range commands {
		if _, err := containershell.ShellLogged(ctx, d.cfg.Container, d.logger, arch, c, cfg.Dirname, logFile,
			d.cfg.UpdateTimeout, 60*time.Second, false); err != nil {
			return fmt.Errorf("%s: update command %q: %w", cfg.Dirname, c, err)
		}
	}

	tail, err := containershell.Shell(ctx, d.cfg.Container, d.logger, arch, d.cfg.Toolchain.PackageListCommand,
		cfg.Dirname, 5*time.Minute, 30*time.Second, false)
	if err != nil {
		return fmt.Errorf("%s: package list: %w", cfg.Dirname, err)
	}
	files := filterDiagnosticLines(tail)
	if len(files) == 0 {
		return fmt.Errorf("%s: toolchain produced no package filenames", cfg.Dirname)
	}
	art, err := artifact.Parse(files[0])
	if err != nil {
		return fmt.Errorf("%s: parsing package filename %q: %w", cfg.Dirname, files[0], err)
	}
	newVersion := art.Ver()

	advanced, downgrade, err := d.ledger.Advance(ctx, d.cmp, cfg.Dirname, newVersion)
	if err != nil {
		return fmt.Errorf("%s: comparing version: %w", cfg.Dirname, err)
	}
	switch {
	case downgrade:
		d.logger.Warn().Str("dirname", cfg.Dirname).Str("version", newVersion).Msg("downgrade attempted")
		metrics.UpdateChecksTotal.WithLabelValues("downgrade").Inc()
	case advanced:
		d.logger.Info().Str("dirname", cfg.Dirname).Str("version", newVersion).Msg("update detected")
		metrics.UpdateChecksTotal.WithLabelValues("advanced").Inc()
	case !targeted:
		d.logger.Info().Str("dirname", cfg.Dirname).Msg("up to date")
		metrics.UpdateChecksTotal.WithLabelValues("unchanged").Inc()
	default:
		metrics.UpdateChecksTotal.WithLabelValues("skipped").Inc()
	}

	if advanced || targeted {
		d.queue.Enqueue(jobqueue.Job{
			Dirname:    cfg.Dirname,
			Arch:       arch,
			Version:    newVersion,
			Multiarch:  len(mapped) > 1,
			EnqueuedAt: time.Now(),
			Priority:   cfg.Priority,
			ForceClean: forceClean,
		})
	}
	return nil
}

// filterDiagnosticLines drops blank lines and '+'-prefixed trace/diagnostic
// lines the toolchain writes interleaved with its real output.
func filterDiagnosticLines(tail string) []string {
	var out []string
	for _, line := range strings.Split(tail, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "+") {
			continue
		}
		out = append(out, line)
	}
	return out
}

var archLineRe = regexp.MustCompile(`[()\s'"]([\w]+)[()\s'"]`)

// ArchsFromBuildFile extracts the declared arch list from a build-
// description file's "arch=(...)" line, exported for forgectl's extras()
// call which needs to resolve a recipe's representative arch outside of a
// scan.
func ArchsFromBuildFile(path string) ([]string, error) {
	return archsFromBuildFile(path)
}

// archsFromBuildFile extracts the declared arch list from a build-
// description file's "arch=(...)" line.
func archsFromBuildFile(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(contents), "\n") {
		if !strings.HasPrefix(line, "arch=") {
			continue
		}
		padded := " " + line + " "
		matches := archLineRe.FindAllStringSubmatch(padded, -1)
		if len(matches) == 0 {
			return nil, fmt.Errorf("unexpected arch= line format: %q", line)
		}
		archList := make([]string, 0, len(matches))
		for _, m := range matches {
			archList = append(archList, m[1])
		}
		return archList, nil
	}
	return nil, fmt.Errorf("no arch= line found in %s", path)
}
