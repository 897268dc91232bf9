// Package ledger persists the per-recipe last-built version and
// consecutive-failure count, grounded on updateManager in buildbot.py: a
// single JSON document rewritten wholesale on every mutation, using
// renameio for an atomic replace (distri's pattern for crash-safe writes).
package ledger

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/errs"
)

// Entry is one recipe's ledger row.
type Entry struct {
	LastBuiltVersion string `json:"last_built_version"`
	Failures         int    `json:"consecutive_update_check_failures"`
}

// QuarantineThreshold is the failure count at which automatic update
// checks stop considering a recipe (spec.md §3 Invariant 2).
const QuarantineThreshold = 2

// Ledger is a mutex-guarded in-memory map, persisted to a JSON file.
type Ledger struct {
	mu   sync.Mutex
	path string
	data map[string]Entry
}

// rawEntry mirrors the two-element sequence on disk: [version, failures].
type rawEntry [2]interface{}

// Load reads the ledger file, returning an empty ledger if it does not
// exist. A present-but-unparseable file is a fatal LedgerCorrupt error.
func Load(path string) (*Ledger, error) {
	l := &Ledger{path: path, data: make(map[string]Entry)}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, xerrors.Errorf("reading ledger %s: %w", path, err)
	}

	var raw map[string][2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &errs.LedgerCorrupt{Path: path, Err: err}
	}

	for dirname, pair := range raw {
		var version string
		var failures int
		if err := json.Unmarshal(pair[0], &version); err != nil {
			return nil, &errs.LedgerCorrupt{Path: path, Err: err}
		}
		if err := json.Unmarshal(pair[1], &failures); err != nil {
			return nil, &errs.LedgerCorrupt{Path: path, Err: err}
		}
		l.data[dirname] = Entry{LastBuiltVersion: version, Failures: failures}
	}
	return l, nil
}

// Get returns the recorded entry for dirname, and whether one exists.
func (l *Ledger) Get(dirname string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.data[dirname]
	return e, ok
}

// Quarantined reports whether automatic update checks should skip dirname.
func (l *Ledger) Quarantined(dirname string) bool {
	e, ok := l.Get(dirname)
	return ok && e.Failures >= QuarantineThreshold
}

// IncrementFailures bumps the recipe's failure counter and persists the
// ledger. Used when a tick step for this recipe raised.
func (l *Ledger) IncrementFailures(dirname string) error {
	l.mu.Lock()
	e := l.data[dirname]
	e.Failures++
	l.data[dirname] = e
	l.mu.Unlock()
	return l.save()
}

// Advance applies the monotonicity invariant: the new version replaces the
// old only if the comparator orders it strictly greater, or no prior
// version is recorded. Returns (advanced, downgrade, error). A downgrade is
// logged by the caller and leaves the ledger (other than any failure-
// counter write already in flight) untouched.
func (l *Ledger) Advance(ctx context.Context, cmp artifact.Comparator, dirname, newVersion string) (advanced, downgrade bool, err error) {
	l.mu.Lock()
	prev, ok := l.data[dirname]
	l.mu.Unlock()

	if !ok {
		l.mu.Lock()
		l.data[dirname] = Entry{LastBuiltVersion: newVersion, Failures: 0}
		l.mu.Unlock()
		return true, false, l.save()
	}

	ord, err := cmp.Compare(ctx, newVersion, prev.LastBuiltVersion)
	if err != nil {
		return false, false, err
	}
	switch {
	case ord == 0:
		return false, false, nil
	case ord > 0:
		l.mu.Lock()
		l.data[dirname] = Entry{LastBuiltVersion: newVersion, Failures: 0}
		l.mu.Unlock()
		return true, false, l.save()
	default: // ord < 0
		return false, true, nil
	}
}

// save serializes the whole ledger atomically.
func (l *Ledger) save() error {
	l.mu.Lock()
	out := make(map[string]rawEntry, len(l.data))
	for dirname, e := range l.data {
		out[dirname] = rawEntry{e.LastBuiltVersion, e.Failures}
	}
	l.mu.Unlock()

	enc, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	return renameio.WriteFile(l.path, enc, 0644)
}
