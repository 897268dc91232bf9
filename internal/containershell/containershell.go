// Package containershell dispatches a shell command string into one of two
// pre-configured container/machine-execution invocations, grounded on
// utils.py's nspawn_shell: trap injection, a cd into a fixed container-side
// root, submission to the supervisor, and a sentinel check on the tail that
// defends against tool wrappers swallowing the child's real exit status.
package containershell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/errs"
	"github.com/archbuild/forge/internal/supervisor"
)

// successSentinel is appended by the injected trap on every exit path; only
// a clean exit produces this exact line.
const successSentinel = "++ exit 0\n"

// shellTrap makes the invoked shell echo its exit status on every exit path,
// including ones triggered by `set -e` or an unhandled signal.
const shellTrap = "trap 'echo ++ exit $?' EXIT"

// Invocation is one pre-configured argv prefix that execs a shell inside a
// container; the final composed command string is appended to it as one
// more argument.
type Invocation struct {
	// Argv is the argv prefix, e.g. ["sudo", "machinectl", "--quiet",
	// "shell", "build@archlinux", "/bin/bash", "-c"]. The composed command
	// string is appended as the final argument.
	Argv []string
	// AdditionalPrefix, if non-empty, is prepended to the composed command
	// before the trap (arm-class invocations route through an extra `su`
	// hop that needs its own setup commands first).
	AdditionalPrefix string
}

// Config names the two supported container invocations and the container-
// side root all relative working directories are joined against.
type Config struct {
	Root  string
	X86   Invocation
	ARM   Invocation
}

// Shell dispatches cmdline into the container for arch, via the supervisor,
// and returns its captured tail. arch must be one of "x86_64", "amd64",
// "x86", "aarch64", or "arm64".
func Shell(ctx context.Context, cfg Config, logger zerolog.Logger, arch, cmdline, cwd string, hardTimeout, idleThreshold time.Duration, keepalive bool) (string, error) {
	return ShellLogged(ctx, cfg, logger, arch, cmdline, cwd, "", hardTimeout, idleThreshold, keepalive)
}

// ShellLogged is Shell with an additional sink: if logFile is non-empty, the
// combined output stream is also written there as it is produced.
func ShellLogged(ctx context.Context, cfg Config, logger zerolog.Logger, arch, cmdline, cwd, logFile string, hardTimeout, idleThreshold time.Duration, keepalive bool) (string, error) {
	inv, err := resolve(cfg, arch)
	if err != nil {
		return "", err
	}

	dir := cfg.Root
	if cwd != "" {
		dir = cfg.Root + "/" + cwd
	}

	var b strings.Builder
	if inv.AdditionalPrefix != "" {
		b.WriteString(inv.AdditionalPrefix)
		b.WriteString("; ")
	}
	b.WriteString(shellTrap)
	b.WriteString("; cd '")
	b.WriteString(dir)
	b.WriteString("'; ")
	b.WriteString(cmdline)

	argv := append(append([]string{}, inv.Argv...), b.String())

	res, err := supervisor.Run(ctx, supervisor.Options{
		Argv:          argv,
		HardTimeout:   hardTimeout,
		IdleThreshold: idleThreshold,
		Keepalive:     keepalive,
		LogFile:       logFile,
		Logger:        logger,
	})
	if err != nil {
		return res.Tail, err
	}

	if !strings.HasSuffix(res.Tail, successSentinel) {
		return res.Tail, &errs.CommandFailed{Argv: argv, Status: res.ExitCode, Tail: res.Tail}
	}
	return res.Tail, nil
}

func resolve(cfg Config, arch string) (Invocation, error) {
	switch arch {
	case "x86_64", "amd64", "x86":
		return cfg.X86, nil
	case "aarch64", "arm64":
		return cfg.ARM, nil
	default:
		return Invocation{}, fmt.Errorf("containershell: unsupported arch %q", arch)
	}
}
