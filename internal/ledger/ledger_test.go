package ledger

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/forge/internal/artifact"
)

// fakeVercmp returns a Comparator whose Command is a tiny shell script
// ordering version strings with `sort -V`, avoiding a dependency
// on the real vercmp binary being installed in the test environment.
func fakeVercmp(t *testing.T) artifact.Comparator {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "vercmp")
	contents := `#!/bin/sh
if [ "$1" = "$2" ]; then echo 0; exit 0; fi
if [ "$(printf '%s\n%s\n' "$1" "$2" | sort -V | head -1)" = "$1" ]; then echo -1; else echo 1; fi
`
	require.NoError(t, os.WriteFile(script, []byte(contents), 0755))
	return artifact.Comparator{Command: script}
}

func TestLoadMissingIsEmpty(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "pkgver.json"))
	require.NoError(t, err)
	_, ok := l.Get("foo")
	assert.False(t, ok)
}

func TestLoadCorruptIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgver.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestAdvanceNewThenMonotonic(t *testing.T) {
	cmp := fakeVercmp(t)
	path := filepath.Join(t.TempDir(), "pkgver.json")
	l, err := Load(path)
	require.NoError(t, err)
	ctx := context.Background()

	advanced, downgrade, err := l.Advance(ctx, cmp, "foo", "1.2-1")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.False(t, downgrade)

	advanced, downgrade, err = l.Advance(ctx, cmp, "foo", "1.3-1")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.False(t, downgrade)

	advanced, downgrade, err = l.Advance(ctx, cmp, "foo", "1.1-1")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.True(t, downgrade)

	e, ok := l.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "1.3-1", e.LastBuiltVersion)

	reloaded, err := Load(path)
	require.NoError(t, err)
	e2, ok := reloaded.Get("foo")
	require.True(t, ok)
	assert.Equal(t, e, e2)
}

func TestQuarantine(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "pkgver.json"))
	require.NoError(t, err)
	_, _, err = l.Advance(context.Background(), artifact.Comparator{}, "foo", "1-1")
	require.NoError(t, err)
	assert.False(t, l.Quarantined("foo"))
	require.NoError(t, l.IncrementFailures("foo"))
	assert.False(t, l.Quarantined("foo"))
	require.NoError(t, l.IncrementFailures("foo"))
	assert.True(t, l.Quarantined("foo"))
}
