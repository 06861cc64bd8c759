package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

// timeoutOr returns d, or 24 hours if d is unset, shared by every Backend
// so an absent per-task timeout doesn't mean "wait forever".
func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// materializeInputs symlinks (or, across filesystems, copies) every
// declared input into its path relative to workDir, read-only.
func materializeInputs(workDir string, inputs map[string]string) error {
	for rel, src := range inputs {
		dst := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.Symlink(src, dst); err != nil {
			if err := cas.CopyFile(src, dst, 0644); err != nil {
				return fmt.Errorf("materializing %s: %w", rel, err)
			}
		}
	}
	return nil
}
