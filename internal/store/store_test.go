package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectoryIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpen_DefaultsWhenEmpty(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Chdir(t.TempDir())
	defer t.Chdir(cwd)

	s, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDir, s.Dir())
}

func TestResolve_JoinsBasenameUnderDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	path, err := s.Resolve("report.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.txt"), path)
}

func TestResolve_RejectsPathTraversal(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Resolve("../escape.txt")
	assert.Error(t, err)

	_, err = s.Resolve("sub/escape.txt")
	assert.Error(t, err)
}
