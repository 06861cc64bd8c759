package remoteexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInputRootNestsDirectoriesCorrectly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))

	c := &Client{}
	root, blobs, err := c.buildInputRoot(map[string]string{
		"a.txt":        filepath.Join(dir, "a.txt"),
		"sub/b.txt":    filepath.Join(dir, "b.txt"),
		"sub/deep/c.txt": filepath.Join(dir, "a.txt"),
	})
	require.NoError(t, err)

	require.Len(t, root.Files, 1)
	assert.Equal(t, "a.txt", root.Files[0].Name)
	require.Len(t, root.Directories, 1)
	assert.Equal(t, "sub", root.Directories[0].Name)

	// One blob per input file (two files with the same content still give
	// two) plus one per directory digested (root directory itself is not
	// included; the caller queues that).
	assert.NotEmpty(t, blobs)
}

func TestEnvironmentVariablesSortedAndSplit(t *testing.T) {
	vars := environmentVariables([]string{"PATH=/bin", "PN=busybox", "EMPTY="})
	require.Len(t, vars, 3)
	assert.Equal(t, "EMPTY", vars[0].Name)
	assert.Equal(t, "PATH", vars[1].Name)
	assert.Equal(t, "/bin", vars[1].Value)
	assert.Equal(t, "PN", vars[2].Name)
	assert.Equal(t, "busybox", vars[2].Value)
}

func TestSanitizeReplacesColons(t *testing.T) {
	assert.Equal(t, "busybox_do_compile", sanitize("busybox:do_compile"))
}

func TestDigestMessageIsDeterministic(t *testing.T) {
	c := &Client{}
	root, _, err := c.buildInputRoot(map[string]string{})
	require.NoError(t, err)
	d1, data1, err := c.digestMessage(root)
	require.NoError(t, err)
	d2, data2, err := c.digestMessage(root)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, data1, data2)
}
