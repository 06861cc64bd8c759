package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchedSuffixes are the file extensions whose changes trigger a rebuild;
// edits to anything else under a watched root (object files, logs, editor
// swap files) are ignored.
var watchedSuffixes = []string{".bb", ".bbappend", ".inc", ".conf"}

// Watch watches every root recursively for changes to recipe-relevant
// files and calls rebuild once the burst of events quiets down for
// debounce. It blocks until ctx is cancelled, mirroring the teacher's own
// watch command: an editor save is rarely a single event, so rebuilding on
// every individual fsnotify event would thrash; instead each qualifying
// event (re)arms a timer and the rebuild only fires once it expires
// without being rearmed again.
func Watch(ctx context.Context, roots []string, debounce time.Duration, rebuild func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range roots {
		if err := addRecursive(watcher, root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}

	pending := make(chan struct{}, 1)
	var timer *time.Timer
	arm := func() {
		if timer == nil {
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
			return
		}
		timer.Reset(debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warning("watch: %s", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A new directory (e.g. a freshly `git checkout`ed layer
			// subtree) needs its own watch registered or its contents
			// would go unnoticed.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, ev.Name); err != nil {
						log.Warning("watch: failed to watch new directory %s: %s", ev.Name, err)
					}
				}
			}
			if !relevant(ev.Name) {
				continue
			}
			arm()
		case <-pending:
			rebuild()
		}
	}
}

func relevant(name string) bool {
	for _, suffix := range watchedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// addRecursive registers every directory under root with watcher; fsnotify
// only watches a directory's immediate children, not its subtree.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
