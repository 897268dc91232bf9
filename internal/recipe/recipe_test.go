package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecipe(t *testing.T, dir, name, yaml string) string {
	t.Helper()
	d := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(d, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(d, "recipe.yaml"), []byte(yaml), 0644))
	return d
}

func TestResolveType(t *testing.T) {
	assert.Equal(t, TypeGit, ResolveType("", "foo-git"))
	assert.Equal(t, TypeManual, ResolveType("", "foo"))
	assert.Equal(t, TypeManual, ResolveType(TypeAuto, "foo"))
	assert.Equal(t, TypeManual, ResolveType(TypeManual, "foo-git"))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	d := writeRecipe(t, dir, "foo", "cleanbuild: false\n")
	cfg, err := Load(d)
	require.NoError(t, err)
	assert.Equal(t, "foo", cfg.Dirname)
	assert.Equal(t, TypeManual, cfg.Type)
	assert.False(t, cfg.CleanBuild)
	assert.Equal(t, 30, cfg.Timeout)
	assert.Equal(t, 0, cfg.Priority)
}

func TestLoadHooks(t *testing.T) {
	dir := t.TempDir()
	d := writeRecipe(t, dir, "bar", `
priority: 5
extra:
  - update:
      - "git pull"
  - prebuild:
      - "echo pre"
      - "echo pre2"
`)
	cfg, err := Load(d)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Priority)
	assert.Equal(t, []string{"git pull"}, cfg.Commands(HookUpdate))
	assert.Equal(t, []string{"echo pre", "echo pre2"}, cfg.Commands(HookPrebuild))
	assert.Nil(t, cfg.Commands(HookFailure))
}

func TestLoadRejectsUnknownHook(t *testing.T) {
	dir := t.TempDir()
	d := writeRecipe(t, dir, "baz", "extra:\n  - bogus:\n      - x\n")
	_, err := Load(d)
	assert.Error(t, err)
}

func TestLoadAllLoadsDistinctRecipes(t *testing.T) {
	// LoadAll keys by dirname, which is derived from the directory name, so
	// two subdirectories can never yield a duplicate; this checks that
	// distinct recipe directories each load once.
	dir := t.TempDir()
	writeRecipe(t, dir, "a", "")
	writeRecipe(t, dir, "b", "")
	configs, err := LoadAll(dir)
	require.NoError(t, err)
	assert.Len(t, configs, 2)
}
