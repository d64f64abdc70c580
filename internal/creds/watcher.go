package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/paths"
	"github.com/buildd-ai/runner/internal/pubsub"
)

// DefaultDebounce collapses the burst of writes the engine makes while
// rewriting its settings files into a single detection pass.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-runs detection when credential files change and publishes
// the new status whenever it differs from the previous run.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	pub       pubsub.Publisher[Status]
	debounce  time.Duration
	home      string
	claudeDir string
	last      Status
	done      chan struct{}
}

// NewWatcher creates a credential watcher publishing to pub.
// A non-positive debounce uses DefaultDebounce.
func NewWatcher(pub pubsub.Publisher[Status], debounce time.Duration) (*Watcher, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		fsWatcher: fsw,
		pub:       pub,
		debounce:  debounce,
		home:      home,
		claudeDir: paths.ClaudeDir(),
		done:      make(chan struct{}),
	}, nil
}

// Start snapshots the current status and begins watching the home
// directory and the engine config directory beneath it.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.home); err != nil {
		return fmt.Errorf("watching %s: %w", w.home, err)
	}

	// The engine config dir may not exist until first login. The home
	// watch sees its creation and the loop adds it then.
	if err := w.fsWatcher.Add(w.claudeDir); err != nil {
		log.Debug(log.CatCreds, "engine config dir not watched yet", "dir", w.claudeDir, "error", err)
	}

	w.last = Detect()
	go w.loop()

	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Name == w.claudeDir && event.Op&fsnotify.Create != 0 {
				if err := w.fsWatcher.Add(w.claudeDir); err != nil {
					log.Debug(log.CatCreds, "could not watch engine config dir", "error", err)
				}
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.publishIfChanged()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Debug(log.CatCreds, "watch error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) publishIfChanged() {
	st := Detect()
	if st.Equal(w.last) {
		return
	}
	w.last = st

	log.Info(log.CatCreds, "credential status changed",
		"present", st.Present, "sources", strings.Join(st.Sources, ","))
	w.pub.Publish(pubsub.CredsChanged, st)
}

// isRelevantEvent checks if the event touches a credential location.
// Removes and renames count: logging out deletes the credentials file.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	switch filepath.Dir(event.Name) {
	case w.home:
		return base == ".claude.json" || base == ".claude"
	case w.claudeDir:
		if base == ".credentials.json" {
			return true
		}
		ok, err := filepath.Match("settings*.json", base)
		return err == nil && ok
	}

	return false
}
