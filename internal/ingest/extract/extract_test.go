package extract

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestExtract_SingleTopLevelFile(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "in.zip")
	writeZip(t, archive, map[string]string{"data.xml": "<DATA/>"})

	out := filepath.Join(dir, "out")
	files, err := Extract(archive, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"data.xml"}, files)

	b, err := os.ReadFile(filepath.Join(out, "data.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<DATA/>", string(b))
}

func TestExtract_DirectoryWithOneFile(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "in.zip")
	writeZip(t, archive, map[string]string{"sub/data.csv": "a,b\n1,2\n"})

	out := filepath.Join(dir, "out")
	files, err := Extract(archive, out)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "data.csv")
}

func TestExtract_NestedZipIsRecursedAndDeleted(t *testing.T) {
	dir := t.TempDir()

	innerPath := filepath.Join(dir, "inner.zip")
	writeZip(t, innerPath, map[string]string{"data.csv": "a;b\n1;2\n2;3\n"})
	innerBytes, err := os.ReadFile(innerPath)
	require.NoError(t, err)

	outerPath := filepath.Join(dir, "outer.zip")
	f, err := os.Create(outerPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("inner.zip")
	require.NoError(t, err)
	_, err = w.Write(innerBytes)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	out := filepath.Join(dir, "out")
	files, err := Extract(outerPath, out)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "data.csv")

	// the nested archive itself must not remain in the tree
	_, statErr := os.Stat(filepath.Join(out, "inner.zip"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_StreamsWithoutFullBuffering(t *testing.T) {
	// A basic regression check that large entries extract correctly via
	// io.Copy rather than a full in-memory read.
	dir := t.TempDir()
	archive := filepath.Join(dir, "in.zip")
	big := make([]byte, 2*1024*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	writeZip(t, archive, map[string]string{"big.csv": string(big)})

	out := filepath.Join(dir, "out")
	files, err := Extract(archive, out)
	require.NoError(t, err)
	require.Len(t, files, 1)

	b, err := os.ReadFile(filepath.Join(out, files[0]))
	require.NoError(t, err)
	assert.Equal(t, len(big), len(b))
}
