// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/netpivot/netpivot/internal/image"
)

// InstallArchive extracts the archive image into destDir.
//
// The archive is streamed through the matching decompressor into a staging
// directory next to destDir and renamed into place once extraction
// completed. On any failure the staging tree is removed and an
// [ExtractionError] returned, so destDir either holds a complete tree or
// does not exist. A pre-existing destDir is rejected instead of reused.
func InstallArchive(artifact *image.Artifact, destDir string) error {
	wrap := func(err error) error {
		return &ExtractionError{Image: artifact.LocalPath, Err: err}
	}

	if _, err := os.Lstat(destDir); err == nil {
		return wrap(ErrDestinationExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return wrap(err)
	}

	file, err := os.Open(artifact.LocalPath)
	if err != nil {
		return wrap(err)
	}

	defer func() {
		_ = file.Close()
	}()

	parent := filepath.Dir(destDir)

	stageDir, err := os.MkdirTemp(parent, ".stage-*")
	if err != nil {
		return wrap(err)
	}

	err = extract(file, filepath.Base(artifact.LocalPath), stageDir)
	if err != nil {
		_ = os.RemoveAll(stageDir)
		return wrap(err)
	}

	if err := os.Chmod(stageDir, defaultDirMode); err != nil {
		_ = os.RemoveAll(stageDir)
		return wrap(err)
	}

	// Publish atomically. Same parent directory, so this is a plain rename.
	if err := os.Rename(stageDir, destDir); err != nil {
		_ = os.RemoveAll(stageDir)
		return wrap(err)
	}

	return nil
}

func extract(src io.Reader, name, dir string) error {
	decompressed, closeFn, err := decompress(src, name)
	if err != nil {
		return err
	}

	defer closeFn()

	if isCpioName(name) {
		return extractCpio(decompressed, dir)
	}

	return extractTar(decompressed, dir)
}

// decompress wraps src with the decompressor matching the file name suffix.
// Files without a known compression suffix are passed through as is.
func decompress(
	src io.Reader,
	name string,
) (io.Reader, func(), error) {
	noop := func() {}

	switch {
	case hasSuffix(name, ".gz", ".tgz"):
		reader, err := gzip.NewReader(src)
		if err != nil {
			return nil, noop, &FormatError{Name: name, Err: err}
		}

		return reader, func() { _ = reader.Close() }, nil
	case hasSuffix(name, ".zst"):
		reader, err := zstd.NewReader(src)
		if err != nil {
			return nil, noop, &FormatError{Name: name, Err: err}
		}

		return reader, reader.Close, nil
	case hasSuffix(name, ".lz4"):
		return lz4.NewReader(src), noop, nil
	default:
		return src, noop, nil
	}
}

// isCpioName reports whether the file name, stripped of a compression
// suffix, designates a cpio archive. Everything else is treated as tar.
func isCpioName(name string) bool {
	trimmed := strings.ToLower(name)
	for _, suffix := range []string{".gz", ".zst", ".lz4"} {
		trimmed = strings.TrimSuffix(trimmed, suffix)
	}

	return strings.HasSuffix(trimmed, ".cpio")
}

func hasSuffix(name string, suffixes ...string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range suffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

func extractTar(src io.Reader, dir string) error {
	reader := tar.NewReader(src)

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("tar header: %w", err)
		}

		path, err := securePath(dir, header.Name)
		if err != nil {
			return err
		}

		mode := fs.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, mode); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(path, reader, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(path, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			oldPath, err := securePath(dir, header.Linkname)
			if err != nil {
				return err
			}

			if err := os.Link(oldPath, path); err != nil {
				return fmt.Errorf("hardlink: %w", err)
			}
		default:
			// Device nodes and the like are not extracted. The target gets
			// a fresh /dev anyway.
			continue
		}
	}
}

func extractCpio(src io.Reader, dir string) error {
	reader := cpio.NewReader(src)

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("cpio header: %w", err)
		}

		path, err := securePath(dir, header.Name)
		if err != nil {
			return err
		}

		mode := fs.FileMode(header.Mode.Perm())

		switch {
		case header.Mode.IsDir():
			if err := os.MkdirAll(path, mode); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
		case header.Mode.IsRegular():
			if err := writeFile(path, reader, mode); err != nil {
				return err
			}
		case header.Mode&cpio.ModeType == cpio.TypeSymlink:
			if err := writeSymlink(path, header.Linkname); err != nil {
				return err
			}
		default:
			continue
		}
	}
}

// securePath resolves an archive entry name below dir and rejects entries
// that would escape it, either lexically or through a symlink extracted by
// an earlier entry.
func securePath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)

	if path != dir && !strings.HasPrefix(path, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}

	// Resolve the already existing part of the parent chain. Relative
	// symlinks within the tree are fine, the resolved location just has
	// to stay below the extraction root.
	parent := filepath.Dir(path)

	for {
		resolved, err := filepath.EvalSymlinks(parent)
		if errors.Is(err, fs.ErrNotExist) {
			parent = filepath.Dir(parent)
			continue
		}

		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", parent, err)
		}

		if resolved != root &&
			!strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}

		return path, nil
	}
}

func writeFile(path string, src io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	// A symlink extracted earlier under the same name must not redirect
	// the write.
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	_, err = io.Copy(file, src)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	return nil
}

func writeSymlink(path, target string) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}

	return nil
}
