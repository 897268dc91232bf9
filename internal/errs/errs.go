// Package errs defines the error kinds shared across the builder and repo
// daemon, per the error-handling design: each kind is a distinct type so
// callers can discriminate with errors.As instead of string matching.
package errs

import (
	"fmt"
	"strings"
	"time"
)

// CommandFailed wraps a supervised subprocess that exited nonzero, or whose
// sentinel checks failed. It carries the captured tail for diagnostics.
type CommandFailed struct {
	Argv   []string
	Status int
	Tail   string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("command failed (status %d): %s\n--- tail ---\n%s",
		e.Status, strings.Join(e.Argv, " "), e.Tail)
}

// Timeout is a CommandFailed whose tail contains a supervisor timeout
// annotation rather than a subprocess-reported failure.
type Timeout struct {
	*CommandFailed
}

func (e *Timeout) Unwrap() error { return e.CommandFailed }

// LedgerCorrupt is fatal: the on-disk ledger could not be parsed at startup.
type LedgerCorrupt struct {
	Path string
	Err  error
}

func (e *LedgerCorrupt) Error() string {
	return fmt.Sprintf("ledger %s is corrupt: %v", e.Path, e.Err)
}

func (e *LedgerCorrupt) Unwrap() error { return e.Err }

// Busy is returned by push_start when a reservation is already active.
type Busy struct {
	HeldBy    string
	SinceTime time.Time
}

func (e *Busy) Error() string {
	return fmt.Sprintf("reservation busy (held since %s)", e.SinceTime.Format(time.RFC3339))
}

// DowngradeAttempt is logged, never returned as a hard failure.
type DowngradeAttempt struct {
	Dirname    string
	OldVersion string
	NewVersion string
}

func (e *DowngradeAttempt) Error() string {
	return fmt.Sprintf("%s: downgrade attempted (%s -> %s)", e.Dirname, e.OldVersion, e.NewVersion)
}

// VerificationFailed marks a signature mismatch during push_done.
type VerificationFailed struct {
	Artifact string
	Reason   string
}

func (e *VerificationFailed) Error() string {
	return fmt.Sprintf("%s: signature verification failed: %s", e.Artifact, e.Reason)
}

// ProtocolMisuse covers unknown RPC names and malformed frames; it must
// never crash the control server, only produce a false/negative reply.
type ProtocolMisuse struct {
	Reason string
}

func (e *ProtocolMisuse) Error() string {
	return fmt.Sprintf("protocol misuse: %s", e.Reason)
}
