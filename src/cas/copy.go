package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cas")

// WriteFile writes the contents of fromFile to the path 'to', writing to a
// temporary file in the same directory first and renaming over the
// destination so a concurrent reader never observes a partial write.
func WriteFile(fromFile io.Reader, to string, mode os.FileMode) error {
	dir, file := filepath.Split(to)
	if dir != "" {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return err
		}
	}
	tempFile, err := os.CreateTemp(dir, file)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tempFile, fromFile); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	if err := os.Chmod(tempFile.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tempFile.Name(), to)
}

// CopyFile copies the contents of 'from' to 'to' with the given destination mode.
func CopyFile(from, to string, mode os.FileMode) error {
	fromFile, err := os.Open(from)
	if err != nil {
		return err
	}
	defer fromFile.Close()
	return WriteFile(fromFile, to, mode)
}

// CopyOrLinkFile either copies or hardlinks a file based on the link argument,
// falling back to a copy if the link fails and fallback is true. Used by the
// sandbox backend to materialize read-only dependency sysroots without
// duplicating store bytes.
func CopyOrLinkFile(from, to string, fromMode, toMode os.FileMode, link, fallback bool) error {
	if link {
		if fromMode&os.ModeSymlink != 0 {
			dest, err := os.Readlink(from)
			if err != nil {
				return err
			}
			return os.Symlink(dest, to)
		}
		if err := os.Link(from, to); err == nil || !fallback {
			return err
		}
		info, err := os.Lstat(from)
		if err != nil {
			return err
		}
		toMode = info.Mode()
	}
	return CopyFile(from, to, toMode)
}

// RecursiveCopy copies either a single file or a directory tree from 'from' to 'to'.
func RecursiveCopy(from, to string, mode os.FileMode) error {
	return RecursiveCopyOrLinkFile(from, to, mode, false, false)
}

// RecursiveLink hardlinks a file or directory tree from 'from' to 'to',
// falling back to copying anything the kernel can't hardlink.
func RecursiveLink(from, to string) error {
	return RecursiveCopyOrLinkFile(from, to, 0, true, true)
}

// RecursiveCopyOrLinkFile recursively copies or links a file or directory.
func RecursiveCopyOrLinkFile(from, to string, mode os.FileMode, link, fallback bool) error {
	info, err := os.Lstat(from)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return WalkMode(from, func(name string, isDir bool, fileMode os.FileMode) error {
			dest := filepath.Join(to, name[len(from):])
			if isDir {
				return os.MkdirAll(dest, DirPermissions)
			}
			if fileMode&os.ModeSymlink != 0 {
				return copySymlink(name, dest)
			}
			return CopyOrLinkFile(name, dest, fileMode, mode, link, fallback)
		})
	}
	return CopyOrLinkFile(from, to, info.Mode(), mode, link, fallback)
}

// copySymlink recreates the symlink at 'name' at 'dest', preserving its
// (assumed relative) target rather than dereferencing it.
func copySymlink(name, dest string) error {
	resolvedPath, err := os.Readlink(name)
	if err != nil {
		return err
	}
	return os.Symlink(resolvedPath, dest)
}

// Symlink creates dest as a symlink to src, skipping if dest is already the
// right kind of link and replacing it if it's a stale regular file.
func Symlink(src, dest string) error {
	if !PathExists(src) {
		return fmt.Errorf("%s: %w", src, os.ErrNotExist)
	}
	if PathExists(dest) {
		fileInfo, err := os.Lstat(dest)
		if err != nil {
			return fmt.Errorf("could not lstat %s: %w", dest, err)
		}
		if fileInfo.Mode()&os.ModeSymlink == os.ModeSymlink {
			return nil
		}
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("could not remove %s: %w", dest, err)
		}
	}
	return os.Symlink(src, dest)
}
