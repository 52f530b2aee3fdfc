package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "scripts"), 0o755))

	found, err := FindUp("scripts", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "scripts"), found)

	found, err = FindUp("no-such-entry-anywhere-3f9c", deep)
	require.NoError(t, err)
	assert.Equal(t, "", found)

	_, err = FindUp("scripts", filepath.Join(root, "missing"))
	assert.Error(t, err)
}
