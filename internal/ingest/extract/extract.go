// Package extract implements the archive extraction stage (C3): unpacking
// a ZIP archive, recursively unpacking nested ZIPs found inside it, and
// returning a listing of the non-archive data files that result.
package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
)

// maxNestingDepth bounds recursive nested-archive extraction. The source
// system recurses without bound; a production service should not inherit
// unbounded recursion on attacker-supplied or malformed input (see
// DESIGN.md, Open Question #3).
const maxNestingDepth = 5

var registerDecompressorOnce sync.Once

// registerFastFlate swaps in klauspost/compress's flate reader for the
// zip package's deflate codec — a drop-in, faster decompressor used by
// archive/zip's documented RegisterDecompressor extension point.
func registerFastFlate() {
	registerDecompressorOnce.Do(func() {
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return flate.NewReader(r)
		})
	})
}

// Extract unpacks archivePath into targetDir, recursing into any nested
// archive it finds (deleting the nested archive after extraction), and
// returns the relative paths of every extracted non-archive file.
func Extract(archivePath, targetDir string) ([]string, error) {
	registerFastFlate()
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, ingesterr.New(ingesterr.KindArchive, "create target dir", err)
	}
	if err := extractOne(archivePath, targetDir); err != nil {
		return nil, err
	}
	return expandNested(targetDir, 0)
}

// extractOne unpacks a single zip file's entries into targetDir, streaming
// each entry to disk (never buffering a whole entry in memory), skipping
// directory entries and ignoring symlinks, overwriting on path collision.
func extractOne(archivePath, targetDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return ingesterr.New(ingesterr.KindArchive, "open zip", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			continue
		}

		destPath := filepath.Join(targetDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(destPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			// zip-slip guard: entry path escapes targetDir.
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return ingesterr.New(ingesterr.KindArchive, "create entry dir", err)
		}

		rc, err := f.Open()
		if err != nil {
			return ingesterr.New(ingesterr.KindArchive, fmt.Sprintf("open entry %s", f.Name), err)
		}

		out, err := os.Create(destPath)
		if err != nil {
			rc.Close()
			return ingesterr.New(ingesterr.KindArchive, fmt.Sprintf("create %s", destPath), err)
		}

		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return ingesterr.New(ingesterr.KindArchive, fmt.Sprintf("write entry %s", f.Name), copyErr)
		}
	}
	return nil
}

// expandNested walks targetDir, recursively extracting and removing any
// file that is itself a zip archive, and returns the final non-archive
// file listing (relative to targetDir).
func expandNested(targetDir string, depth int) ([]string, error) {
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindArchive, "walk extracted tree", err)
	}

	var out []string
	for _, e := range entries {
		full := filepath.Join(targetDir, e.Name())
		if e.IsDir() {
			sub, err := expandNested(full, depth)
			if err != nil {
				return nil, err
			}
			for _, s := range sub {
				out = append(out, filepath.Join(e.Name(), s))
			}
			continue
		}

		isZip, err := looksLikeZip(full)
		if err != nil {
			return nil, ingesterr.New(ingesterr.KindArchive, "inspect entry", err)
		}
		if !isZip {
			out = append(out, e.Name())
			continue
		}

		if depth+1 > maxNestingDepth {
			return nil, ingesterr.New(ingesterr.KindArchive, fmt.Sprintf("nested archive exceeds max depth %d", maxNestingDepth), nil)
		}

		nestedDir := full + "_extracted"
		if err := extractOne(full, nestedDir); err != nil {
			return nil, err
		}
		if err := os.Remove(full); err != nil {
			return nil, ingesterr.New(ingesterr.KindArchive, "remove nested archive", err)
		}
		sub, err := expandNested(nestedDir, depth+1)
		if err != nil {
			return nil, err
		}
		for _, s := range sub {
			out = append(out, filepath.Join(filepath.Base(nestedDir), s))
		}
	}
	return out, nil
}

func looksLikeZip(path string) (bool, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, 2)
	n, _ := io.ReadFull(f, magic)
	return n == 2 && bytes.Equal(magic, []byte("PK")), nil
}
