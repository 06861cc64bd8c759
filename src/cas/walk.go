package cas

import (
	"os"

	"github.com/karrick/godirwalk"
)

// Walk is the equivalent of filepath.Walk, implemented over godirwalk for
// speed on large dependency trees.
func Walk(rootPath string, callback func(name string, isDir bool) error) error {
	return WalkMode(rootPath, func(name string, isDir bool, mode os.FileMode) error {
		return callback(name, isDir)
	})
}

// WalkMode is like Walk but the callback also receives the file's mode type
// bits (not permissions) so callers can special-case symlinks.
func WalkMode(rootPath string, callback func(name string, isDir bool, mode os.FileMode) error) error {
	if info, err := os.Lstat(rootPath); err != nil {
		return err
	} else if !info.IsDir() {
		return callback(rootPath, false, info.Mode())
	}
	return godirwalk.Walk(rootPath, &godirwalk.Options{
		Callback: func(name string, info *godirwalk.Dirent) error {
			return callback(name, info.IsDir(), info.ModeType())
		},
		Unsorted: false,
	})
}
