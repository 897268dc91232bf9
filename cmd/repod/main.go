// Command repod serves the served package tree: it accepts upload
// reservations from builders and reconciles the tree's package database,
// grounded on repod.py's top-level daemon loop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/config"
	"github.com/archbuild/forge/internal/integrator"
	"github.com/archbuild/forge/internal/lifecycle"
	"github.com/archbuild/forge/internal/logging"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/reservation"
	"github.com/archbuild/forge/internal/rpc"
	"github.com/archbuild/forge/internal/supervisor"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "repod",
	Short: "Served package tree daemon",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/forge/repod.yaml", "path to the repo daemon's YAML configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New("repod", "")

	cfg, err := config.LoadRepod(configPath)
	if err != nil {
		return err
	}

	cmp := artifact.Comparator{Command: cfg.VercmpCmd}

	integ := integrator.New(integrator.Config{
		Root:              cfg.Root,
		Archs:             cfg.Archs,
		PackageSuffix:     cfg.PackageSuffix,
		RepoName:          cfg.RepoName,
		RepoAddCommand:    cfg.RepoAddCommand,
		RepoRemoveCommand: cfg.RepoRemoveCommand,
	}, logger)

	if err := integ.EnsureLayout(); err != nil {
		return err
	}

	verify := func(ctx context.Context, filenames []string) error {
		if len(cfg.VerifyCommand) == 0 {
			return nil
		}
		staging := filepath.Join(cfg.Root, "updates")
		for _, name := range filenames {
			pkgPath := filepath.Join(staging, name)
			sigPath := pkgPath + ".sig"
			argv := append(append([]string{}, cfg.VerifyCommand...), sigPath, pkgPath)
			if _, err := supervisor.Run(ctx, supervisor.Options{Argv: argv, Logger: logger}); err != nil {
				return fmt.Errorf("verifying %s: %w", name, err)
			}
		}
		return nil
	}

	integrate := func(ctx context.Context, filenames []string, overwrite bool) error {
		return integ.Update(ctx, cmp, overwrite)
	}

	mgr := reservation.New(cfg.BandwidthMbps, verify, integrate, logger)

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	server := rpc.NewServer([]byte(cfg.Secret), logger)
	registerHandlers(server, mgr, integ, cmp, cfg.Archs)

	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return err
	}

	hooks := &lifecycle.Hooks{}
	hooks.Register(func() error { return ln.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, ln) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}

	err = g.Wait()
	if herr := hooks.Run(); herr != nil && err == nil {
		err = herr
	}
	return err
}

func registerHandlers(server *rpc.Server, mgr *reservation.Manager, integ *integrator.Integrator, cmp artifact.Comparator, archList []string) {
	server.Handle("push_start", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		filenames, sizesMB, err := parsePushStartArgs(req.Args)
		if err != nil {
			return nil, err
		}
		timeouts, busy := mgr.PushStart(filenames, sizesMB)
		if busy {
			return map[string]interface{}{"busy": true}, nil
		}
		secs := make([]float64, len(timeouts))
		for i, t := range timeouts {
			secs[i] = t.Seconds()
		}
		return map[string]interface{}{"busy": false, "timeouts": secs}, nil
	})

	server.Handle("push_add_time", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) < 2 {
			return nil, fmt.Errorf("push_add_time: expected (name, extra_seconds)")
		}
		name, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("push_add_time: name argument must be a string")
		}
		extra, ok := req.Args[1].(float64)
		if !ok {
			return nil, fmt.Errorf("push_add_time: extra_seconds argument must be a number")
		}
		return nil, mgr.PushAddTime(name, time.Duration(extra*float64(time.Second)))
	})

	server.Handle("push_fail", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) < 1 {
			return nil, fmt.Errorf("push_fail: expected (name)")
		}
		name, ok := req.Args[0].(string)
		if !ok {
			return nil, fmt.Errorf("push_fail: name argument must be a string")
		}
		return nil, mgr.PushFail(name)
	})

	server.Handle("push_done", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) < 1 {
			return nil, fmt.Errorf("push_done: expected (filenames, overwrite)")
		}
		filenames, err := stringSlice(req.Args[0])
		if err != nil {
			return nil, fmt.Errorf("push_done: %w", err)
		}
		var overwrite bool
		if len(req.Args) > 1 {
			overwrite, _ = req.Args[1].(bool)
		}
		return nil, mgr.PushDone(ctx, filenames, overwrite)
	})

	server.Handle("regenerate", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		return nil, integ.Regenerate(ctx, cmp, archList, false)
	})

	server.Handle("remove", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		if len(req.Args) < 1 {
			return nil, fmt.Errorf("remove: expected (names)")
		}
		names, err := stringSlice(req.Args[0])
		if err != nil {
			return nil, fmt.Errorf("remove: %w", err)
		}
		return nil, integ.Remove(ctx, names, archList)
	})

	server.Handle("update", func(ctx context.Context, req rpc.Request) (interface{}, error) {
		var overwrite bool
		if len(req.Args) > 0 {
			overwrite, _ = req.Args[0].(bool)
		}
		return nil, integ.Update(ctx, cmp, overwrite)
	})
}

func parsePushStartArgs(args []interface{}) ([]string, []float64, error) {
	if len(args) < 2 {
		return nil, nil, fmt.Errorf("push_start: expected (filenames, sizes_mb)")
	}
	filenames, err := stringSlice(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("push_start: %w", err)
	}
	rawSizes, ok := args[1].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("push_start: sizes_mb argument must be a list of numbers")
	}
	sizes := make([]float64, len(rawSizes))
	for i, v := range rawSizes {
		f, ok := v.(float64)
		if !ok {
			return nil, nil, fmt.Errorf("push_start: sizes_mb[%d] is not a number", i)
		}
		sizes[i] = f
	}
	return filenames, sizes, nil
}

func stringSlice(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
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
