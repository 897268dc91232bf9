package updatedetector

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/forge/internal/archs"
	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/containershell"
	"github.com/archbuild/forge/internal/jobqueue"
	"github.com/archbuild/forge/internal/ledger"
)

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

// writeRecipeTree lays out one recipe directory with a recipe.yaml and a
// minimal PKGBUILD-style build file declaring the given arches.
func writeRecipeTree(t *testing.T, root, dirname, archLine string) {
	t.Helper()
	d := filepath.Join(root, dirname)
	require.NoError(t, os.MkdirAll(d, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(d, "recipe.yaml"), []byte("type: manual\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(d, "PKGBUILD"), []byte("pkgname=foo\n"+archLine+"\n"), 0644))
}

// testContainerConfig fakes the container boundary as a plain host shell
// rooted at the recipe root, so the cd into "<root>/<dirname>" succeeds.
func testContainerConfig(root string) containershell.Config {
	return containershell.Config{
		Root: root,
		X86:  containershell.Invocation{Argv: []string{"sh", "-c"}},
		ARM:  containershell.Invocation{Argv: []string{"sh", "-c"}},
	}
}

func TestArchsFromBuildFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PKGBUILD")
	require.NoError(t, os.WriteFile(path, []byte("pkgname=foo\narch=('x86_64' 'aarch64')\n"), 0644))
	got, err := archsFromBuildFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"x86_64", "aarch64"}, got)
}

func TestArchsFromBuildFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := archsFromBuildFile(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestFilterDiagnosticLines(t *testing.T) {
	tail := "+ makepkg: building\nfoo-1.0-1-x86_64.pkg.tar.xz\n++ exit 0\n"
	got := filterDiagnosticLines(tail)
	assert.Equal(t, []string{"foo-1.0-1-x86_64.pkg.tar.xz"}, got)
}

func TestCheckOneEnqueuesNewVersion(t *testing.T) {
	root := t.TempDir()
	writeRecipeTree(t, root, "foo", "arch=('x86_64')")

	cmp := fakeVercmp(t)
	led, err := ledger.Load(filepath.Join(t.TempDir(), "pkgver.json"))
	require.NoError(t, err)
	q := jobqueue.New(zerolog.Nop())

	cfg := Config{
		RecipeRoot: root,
		Archs:      archs.DefaultMapping,
		Container:  testContainerConfig(root),
		Toolchain: Toolchain{
			BuildFileName:      "PKGBUILD",
			UpdateCommand:      "true",
			PackageListCommand: "echo foo-1.0-1-x86_64.pkg.tar.xz",
		},
		UpdateTimeout: 5 * time.Minute,
	}
	det := New(cfg, led, cmp, q, zerolog.Nop())

	require.NoError(t, det.scan(context.Background(), "", false, false))
	assert.Equal(t, 1, q.Len())
	job, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, "foo", job.Dirname)
	assert.Equal(t, "1.0-1", job.Version)

	e, ok := led.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "1.0-1", e.LastBuiltVersion)
}

func TestCheckOneSkipsQuarantined(t *testing.T) {
	root := t.TempDir()
	writeRecipeTree(t, root, "foo", "arch=('x86_64')")

	cmp := fakeVercmp(t)
	led, err := ledger.Load(filepath.Join(t.TempDir(), "pkgver.json"))
	require.NoError(t, err)
	require.NoError(t, led.IncrementFailures("foo"))
	require.NoError(t, led.IncrementFailures("foo"))
	require.True(t, led.Quarantined("foo"))

	q := jobqueue.New(zerolog.Nop())
	cfg := Config{
		RecipeRoot: root,
		Archs:      archs.DefaultMapping,
		Container:  testContainerConfig(root),
		Toolchain: Toolchain{
			BuildFileName:      "PKGBUILD",
			UpdateCommand:      "true",
			PackageListCommand: "echo foo-1.0-1-x86_64.pkg.tar.xz",
		},
	}
	det := New(cfg, led, cmp, q, zerolog.Nop())

	require.NoError(t, det.scan(context.Background(), "", false, false))
	assert.True(t, q.Empty())
}

func TestCheckOneNoSupportedArchSkipped(t *testing.T) {
	root := t.TempDir()
	writeRecipeTree(t, root, "foo", "arch=('armv7h')")

	cmp := fakeVercmp(t)
	led, err := ledger.Load(filepath.Join(t.TempDir(), "pkgver.json"))
	require.NoError(t, err)
	q := jobqueue.New(zerolog.Nop())
	cfg := Config{
		RecipeRoot: root,
		Archs:      archs.DefaultMapping,
		Container:  testContainerConfig(root),
		Toolchain: Toolchain{
			BuildFileName:      "PKGBUILD",
			UpdateCommand:      "true",
			PackageListCommand: "true",
		},
	}
	det := New(cfg, led, cmp, q, zerolog.Nop())
	require.NoError(t, det.scan(context.Background(), "", false, false))
	assert.True(t, q.Empty())
}
