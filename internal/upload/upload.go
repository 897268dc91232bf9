// Package upload implements the builder side of the three-phase upload
// handshake (spec.md §4.6): push_start, a supervised file transfer with
// push_add_time-backed retry, and push_done — grounded on repod.py's
// pushFm class (the server side, already mirrored by internal/reservation)
// and buildbot.py's own retry-with-backoff style around its RPC calls.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/metrics"
	"github.com/archbuild/forge/internal/rpc"
	"github.com/archbuild/forge/internal/supervisor"
)

// Config configures one Uploader.
type Config struct {
	RPC        rpc.Client
	RecipeRoot string

	// TransferCommand is the argv prefix for the file transfer tool; the
	// local path and RemoteDest are appended, in that order.
	TransferCommand []string
	RemoteDest      string
	Overwrite       bool

	MaxBusyRetries      int           // push_start busy retries, default 10
	BusyBackoff         time.Duration // default 60s
	MaxTransferRetries  int           // default 5
	TransferBackoffUnit time.Duration // linear backoff unit, default 60s
	MaxDoneRetries      int           // default 5
	DoneBackoffUnit     time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.MaxBusyRetries <= 0 {
		c.MaxBusyRetries = 10
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 60 * time.Second
	}
	if c.MaxTransferRetries <= 0 {
		c.MaxTransferRetries = 5
	}
	if c.TransferBackoffUnit <= 0 {
		c.TransferBackoffUnit = 60 * time.Second
	}
	if c.MaxDoneRetries <= 0 {
		c.MaxDoneRetries = 5
	}
	if c.DoneBackoffUnit <= 0 {
		c.DoneBackoffUnit = 60 * time.Second
	}
	return c
}

// Uploader drives the push_start/push_add_time/push_done/push_fail
// handshake against a repo daemon's rpc.Server, implementing
// buildexec.Uploader.
type Uploader struct {
	cfg    Config
	logger zerolog.Logger
}

// New constructs an Uploader, applying default retry/backoff parameters for
// any zero-valued field in cfg.
func New(cfg Config, logger zerolog.Logger) *Uploader {
	return &Uploader{cfg: cfg.withDefaults(), logger: logger}
}

// Upload transfers every artifact built for dirname to the repo daemon,
// reserving the push, transferring each (package, signature) pair with
// retry, and finally confirming integration.
func (u *Uploader) Upload(ctx context.Context, dirname string, artifacts []artifact.Artifact) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UploadDuration)

	dir := filepath.Join(u.cfg.RecipeRoot, dirname)

	filenames := make([]string, len(artifacts))
	sizesMB := make([]float64, len(artifacts))
	for i, a := range artifacts {
		path := filepath.Join(dir, a.Filename())
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("upload: stat %s: %w", a.Filename(), err)
		}
		filenames[i] = a.Filename()
		sizesMB[i] = float64(info.Size()) / (1024 * 1024)
	}

	timeouts, err := u.pushStart(ctx, filenames, sizesMB)
	if err != nil {
		return err
	}

	for i, a := range artifacts {
		path := filepath.Join(dir, a.Filename())
		if err := u.transferWithRetry(ctx, a.Filename(), path, path+".sig", timeouts[i]); err != nil {
			return err
		}
	}

	return u.pushDoneWithRetry(ctx, filenames)
}

type pushStartResult struct {
	Busy     bool      `json:"busy"`
	Timeouts []float64 `json:"timeouts"` // seconds, one per requested file
}

func (u *Uploader) pushStart(ctx context.Context, filenames []string, sizesMB []float64) ([]time.Duration, error) {
	for attempt := 1; attempt <= u.cfg.MaxBusyRetries; attempt++ {
		raw, err := u.cfg.RPC.Call(ctx, "push_start", []interface{}{filenames, sizesMB}, nil)
		if err != nil {
			return nil, fmt.Errorf("push_start: %w", err)
		}
		var res pushStartResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("push_start: decoding response: %w", err)
		}
		if !res.Busy {
			out := make([]time.Duration, len(res.Timeouts))
			for i, s := range res.Timeouts {
				out[i] = time.Duration(s * float64(time.Second))
			}
			return out, nil
		}

		u.logger.Info().Int("attempt", attempt).Msg("push_start: repo daemon busy, retrying")
		metrics.UploadRetriesTotal.WithLabelValues("push_start_busy").Inc()
		select {
		case <-time.After(u.cfg.BusyBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	metrics.UploadFailuresTotal.Inc()
	return nil, fmt.Errorf("push_start: repo daemon still busy after %d attempts", u.cfg.MaxBusyRetries)
}

func (u *Uploader) transferOne(ctx context.Context, path string, timeout time.Duration) error {
	argv := append(append([]string{}, u.cfg.TransferCommand...), path, u.cfg.RemoteDest)
	_, err := supervisor.Run(ctx, supervisor.Options{Argv: argv, HardTimeout: timeout, Logger: u.logger})
	return err
}

func (u *Uploader) transferWithRetry(ctx context.Context, name, path, sigPath string, timeout time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxTransferRetries; attempt++ {
		lastErr = u.transferOne(ctx, sigPath, timeout)
		if lastErr == nil {
			lastErr = u.transferOne(ctx, path, timeout)
		}
		if lastErr == nil {
			return nil
		}

		u.logger.Warn().Err(lastErr).Str("file", name).Int("attempt", attempt).Msg("transfer failed, retrying")
		metrics.UploadRetriesTotal.WithLabelValues("transfer").Inc()
		extra := time.Duration(attempt) * u.cfg.TransferBackoffUnit
		if _, err := u.cfg.RPC.Call(ctx, "push_add_time", []interface{}{name, extra.Seconds()}, nil); err != nil {
			u.logger.Warn().Err(err).Msg("push_add_time failed")
		}
		select {
		case <-time.After(extra):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := u.cfg.RPC.Call(ctx, "push_fail", []interface{}{name}, nil); err != nil {
		u.logger.Warn().Err(err).Msg("push_fail failed")
	}
	metrics.UploadFailuresTotal.Inc()
	return fmt.Errorf("transferring %s: %w", name, lastErr)
}

func (u *Uploader) pushDoneWithRetry(ctx context.Context, filenames []string) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxDoneRetries; attempt++ {
		_, err := u.cfg.RPC.Call(ctx, "push_done", []interface{}{filenames, u.cfg.Overwrite}, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		u.logger.Warn().Err(err).Int("attempt", attempt).Msg("push_done failed, retrying")
		metrics.UploadRetriesTotal.WithLabelValues("push_done").Inc()
		backoff := time.Duration(attempt) * u.cfg.DoneBackoffUnit
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.UploadFailuresTotal.Inc()
	return fmt.Errorf("push_done: %w", lastErr)
}
