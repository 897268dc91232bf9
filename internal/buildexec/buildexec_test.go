package buildexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/containershell"
	"github.com/archbuild/forge/internal/jobqueue"
	"github.com/archbuild/forge/internal/recipe"
)

type fakeUploader struct {
	calledDirname string
	calledFiles   []artifact.Artifact
	err           error
}

func (f *fakeUploader) Upload(ctx context.Context, dirname string, arts []artifact.Artifact) error {
	f.calledDirname = dirname
	f.calledFiles = arts
	return f.err
}

// testContainerConfig fakes the container boundary as a plain host shell
// rooted at root, so cd'ing into "<root>/<dirname>" lands in the same
// directory the test manipulates directly.
func testContainerConfig(root string) containershell.Config {
	return containershell.Config{
		Root: root,
		X86:  containershell.Invocation{Argv: []string{"sh", "-c"}},
		ARM:  containershell.Invocation{Argv: []string{"sh", "-c"}},
	}
}

func TestRunHappyPath(t *testing.T) {
	root := t.TempDir()
	dirname := "foo"
	dir := filepath.Join(root, dirname)
	require.NoError(t, os.MkdirAll(dir, 0755))

	artifactName := "foo-1.0-1-x86_64.pkg.tar.xz"

	cfg := Config{
		RecipeRoot:    root,
		Container:     testContainerConfig(root),
		PackageSuffix: "pkg.tar.xz",
		Build: BuildCommands{
			Plain: "touch " + artifactName,
		},
		// A fake "sign" command: just creates the .sig sibling.
		SignCommand: []string{"sh", "-c", `touch "$0.sig"`},
	}

	q := jobqueue.New(zerolog.Nop())
	q.Enqueue(jobqueue.Job{Dirname: dirname, Arch: "x86_64"})
	job, ok := q.Take()
	require.True(t, ok)

	up := &fakeUploader{}
	exec := New(cfg, q, up, zerolog.Nop())

	recipeCfg := recipe.Config{Dirname: dirname, CleanBuild: false, Timeout: 1}
	require.NoError(t, exec.Run(context.Background(), job, recipeCfg))

	assert.Equal(t, dirname, up.calledDirname)
	want := []artifact.Artifact{{Pkgname: "foo", Pkgver: "1.0", Pkgrel: "1", Arch: "x86_64", Suffix: "pkg.tar.xz"}}
	if diff := cmp.Diff(want, up.calledFiles); diff != "" {
		t.Errorf("uploaded artifacts mismatch (-want +got):\n%s", diff)
	}

	_, ok = q.Current()
	assert.False(t, ok)
}

func TestRunBuildFailureRunsFailureHooksAndReturnsError(t *testing.T) {
	root := t.TempDir()
	dirname := "foo"
	require.NoError(t, os.MkdirAll(filepath.Join(root, dirname), 0755))

	marker := filepath.Join(root, "failure-ran")
	cfg := Config{
		RecipeRoot:    root,
		Container:     testContainerConfig(root),
		PackageSuffix: "pkg.tar.xz",
		Build:         BuildCommands{Plain: "exit 1"},
	}

	q := jobqueue.New(zerolog.Nop())
	q.Enqueue(jobqueue.Job{Dirname: dirname, Arch: "x86_64"})
	job, ok := q.Take()
	require.True(t, ok)

	up := &fakeUploader{}
	exec := New(cfg, q, up, zerolog.Nop())

	recipeCfg := recipe.Config{
		Dirname: dirname,
		Timeout: 1,
		Extra: []recipe.Hook{
			{Kind: recipe.HookFailure, Commands: []string{"touch '" + marker + "'"}},
		},
	}
	err := exec.Run(context.Background(), job, recipeCfg)
	require.Error(t, err)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)
}

func TestCleanRemovesStaleArtifactForArch(t *testing.T) {
	root := t.TempDir()
	dirname := "foo"
	dir := filepath.Join(root, dirname)
	require.NoError(t, os.MkdirAll(dir, 0755))
	stale := filepath.Join(dir, "foo-0.9-1-x86_64.pkg.tar.xz")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(stale+".sig", []byte("x"), 0644))

	cfg := Config{RecipeRoot: root, PackageSuffix: "pkg.tar.xz"}
	e := New(cfg, jobqueue.New(zerolog.Nop()), &fakeUploader{}, zerolog.Nop())
	require.NoError(t, e.clean(dirname, "x86_64", false, false))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
