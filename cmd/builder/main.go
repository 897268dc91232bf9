// Command builder runs the recipe-tree update scanner and the build
// execution pipeline, exposing a control socket for forgectl, grounded on
// buildbot.py's top-level daemon loop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/archbuild/forge/internal/archs"
	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/buildexec"
	"github.com/archbuild/forge/internal/config"
	"github.com/archbuild/forge/internal/containerdetect"
	"github.com/archbuild/forge/internal/jobqueue"
	"github.com/archbuild/forge/internal/ledger"
	"github.com/archbuild/forge/internal/lifecycle"
	"github.com/archbuild/forge/internal/logging"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/recipe"
	"github.com/archbuild/forge/internal/rpc"
	"github.com/archbuild/forge/internal/updatedetector"
	"github.com/archbuild/forge/internal/upload"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "builder",
	Short: "Recipe update scanner and build execution daemon",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/forge/builder.yaml", "path to the builder's YAML configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New("builder", "")

	if reason := containerdetect.Refuse(); reason != "" {
		return fmt.Errorf(reason)
	}

	cfg, err := config.LoadBuilder(configPath)
	if err != nil {
		return err
	}

	led, err := ledger.Load(cfg.LedgerPath)
	if err != nil {
		return err
	}

	cmp := artifact.Comparator{Command: cfg.VercmpCmd}
	queue := jobqueue.New(logger)

	detector := updatedetector.New(updatedetector.Config{
		RecipeRoot: cfg.RecipeRoot,
		Archs:      cfg.Mapping(),
		Container:  cfg.ContainerConfig(),
		Toolchain: updatedetector.Toolchain{
			BuildFileName:      cfg.Toolchain.BuildFileName,
			UpdateCommand:      cfg.Toolchain.UpdateCommand,
			PackageListCommand: cfg.Toolchain.PackageListCommand,
		},
		UpdateInterval: time.Duration(cfg.UpdateIntervalSeconds) * time.Second,
		UpdateTimeout:  time.Duration(cfg.UpdateTimeoutSeconds) * time.Second,
		LogDir:         cfg.LogDir,
	}, led, cmp, queue, logger)

	uploadCfg := upload.Config{
		RPC:             rpc.Client{Addr: cfg.RepodSocket, Secret: []byte(cfg.RepodSecret)},
		RecipeRoot:      cfg.RecipeRoot,
		TransferCommand: cfg.TransferCommand,
		RemoteDest:      cfg.RemoteDest,
		Overwrite:       cfg.Overwrite,
	}
	uploader := upload.New(uploadCfg, logger)

	executor := buildexec.New(buildexec.Config{
		RecipeRoot: cfg.RecipeRoot,
		Container:  cfg.ContainerConfig(),
		Build: buildexec.BuildCommands{
			Plain:          cfg.Build.Plain,
			Clean:          cfg.Build.Clean,
			Multiarch:      cfg.Build.Multiarch,
			CleanMultiarch: cfg.Build.CleanMultiarch,
		},
		PackageSuffix: cfg.PackageSuffix,
		SignCommand:   cfg.SignCommand,
	}, queue, uploader, logger)

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	server := rpc.NewServer([]byte(cfg.Secret), logger)
	registerHandlers(server, queue, detector, executor, uploader, uploadCfg, led, cfg, logger)

	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return err
	}

	hooks := &lifecycle.Hooks{}
	hooks.Register(func() error { return ln.Close() })

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx, ln)
	})

	g.Go(func() error {
		return tickLoop(gctx, detector)
	})

	g.Go(func() error {
		return workLoop(gctx, queue, executor, cfg.RecipeRoot, logger)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr)
		})
	}

	err = g.Wait()
	if herr := hooks.Run(); herr != nil && err == nil {
		err = herr
	}
	return err
}

// tickLoop runs the update detector on a fixed cadence until ctx is done.
func tickLoop(ctx context.Context, detector *updatedetector.Detector) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := detector.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// workLoop drains the job queue, running each taken job through the
// executor, until ctx is done.
func workLoop(ctx context.Context, queue *jobqueue.Queue, executor *buildexec.Executor, recipeRoot string, logger zerolog.Logger) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			job, ok := queue.Take()
			if !ok {
				continue
			}
			dirPath := recipeRoot + "/" + job.Dirname
			cfg, err := recipe.Load(dirPath)
			if err != nil {
				logger.Error().Err(err).Str("dirname", job.Dirname).Msg("reloading recipe for build failed")
				if ferr := queue.Finish(job, true); ferr != nil {
					logger.Error().Err(ferr).Msg("force-finishing job after recipe reload failure")
				}
				continue
			}
			if err := executor.Run(ctx, job, cfg); err != nil {
				logger.Error().Err(err).Str("dirname", job.Dirname).Msg("build pipeline failed")
			}
		}
	}
}

// registerHandlers wires forgectl's full builder RPC surface (spec.md §6):
// info, rebuild_package, clean, clean_all, force_upload, getup, extras.
func registerHandlers(server *rpc.Server, queue *jobqueue.Queue, detector *updatedetector.Detector,
	executor *buildexec.Executor, uploader *upload.Uploader, uploadCfg upload.Config, led *ledger.Ledger,
	cfg config.Builder, logger zerolog.Logger) {

	server.Handle("info", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		var human bool
		if len(req.Args) > 0 {
			human, _ = req.Args[0].(bool)
		}
		current, hasCurrent := queue.Current()
		if human {
			if hasCurrent {
				return fmt.Sprintf("%d pending, building %s (%s)", queue.Len(), current.Dirname, current.Arch), nil
			}
			return fmt.Sprintf("%d pending, idle", queue.Len()), nil
		}
		return map[string]interface{}{
			"pending": queue.Len(),
			"current": hasCurrent,
			"job":     current,
		}, nil
	})

	server.Handle("rebuild_package", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) == 0 {
			return nil, fmt.Errorf("rebuild_package: missing dirname argument")
		}
		dirname, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("rebuild_package: dirname argument must be a string")
		}
		var clean bool
		if len(req.Args) > 1 {
			clean, _ = req.Args[1].(bool)
		}
		return nil, detector.TargetedRebuild(ctx, dirname, clean)
	})

	server.Handle("clean", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) == 0 {
			return nil, fmt.Errorf("clean: missing dirname argument")
		}
		dirname, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("clean: dirname argument must be a string")
		}
		return nil, executor.Clean(dirname)
	})

	server.Handle("clean_all", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		configs, err := recipe.LoadAll(cfg.RecipeRoot)
		if err != nil {
			return nil, err
		}
		var firstErr error
		for _, c := range configs {
			if err := executor.Clean(c.Dirname); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return nil, firstErr
	})

	server.Handle("force_upload", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) == 0 {
			return nil, fmt.Errorf("force_upload: missing dirname argument")
		}
		dirname, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("force_upload: dirname argument must be a string")
		}
		var overwrite bool
		if len(req.Args) > 1 {
			overwrite, _ = req.Args[1].(bool)
		}

		dir := filepath.Join(cfg.RecipeRoot, dirname)
		matches, err := filepath.Glob(filepath.Join(dir, "*."+cfg.PackageSuffix))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("force_upload: %s: no built artifacts found", dirname)
		}
		var built []artifact.Artifact
		for _, m := range matches {
			art, err := artifact.Parse(filepath.Base(m))
			if err != nil {
				return nil, fmt.Errorf("force_upload: %s: %w", m, err)
			}
			built = append(built, art)
		}

		// push_done's overwrite flag is fixed at Uploader construction time;
		// a forced overwrite for this one call gets its own short-lived
		// Uploader sharing every other setting.
		oneShot := uploader
		if overwrite && !uploadCfg.Overwrite {
			forced := uploadCfg
			forced.Overwrite = true
			oneShot = upload.New(forced, logger)
		}
		return nil, oneShot.Upload(ctx, dirname, built)
	})

	server.Handle("getup", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		configs, err := recipe.LoadAll(cfg.RecipeRoot)
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(configs))
		for _, c := range configs {
			entry, ok := led.Get(c.Dirname)
			out[c.Dirname] = map[string]interface{}{
				"last_built_version": entry.LastBuiltVersion,
				"failures":           entry.Failures,
				"known":              ok,
				"quarantined":        led.Quarantined(c.Dirname),
			}
		}
		return out, nil
	})

	server.Handle("extras", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) == 0 {
			return nil, fmt.Errorf("extras: missing action argument")
		}
		action, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("extras: action argument must be a string")
		}
		kind := recipe.HookKind(action)
		switch kind {
		case recipe.HookUpdate, recipe.HookPrebuild, recipe.HookPostbuild, recipe.HookFailure:
		default:
			return nil, fmt.Errorf("extras: unknown action %q", action)
		}

		var pkgname string
		if len(req.Args) > 1 {
			pkgname, _ = req.Args[1].(string)
		}

		configs, err := recipe.LoadAll(cfg.RecipeRoot)
		if err != nil {
			return nil, err
		}
		for _, c := range configs {
			if pkgname != "" && c.Dirname != pkgname {
				continue
			}
			buildFile := filepath.Join(cfg.RecipeRoot, c.Dirname, cfg.Toolchain.BuildFileName)
			declared, err := updatedetector.ArchsFromBuildFile(buildFile)
			if err != nil {
				return nil, fmt.Errorf("extras: %s: %w", c.Dirname, err)
			}
			mapped := cfg.Mapping().Map(declared)
			arch, _ := archs.Representative(mapped)
			executor.RunHooks(ctx, c.Dirname, arch, kind, c)
		}
		return nil, nil
	})
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
