package healing

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the event bursts editors and sync writes produce
// into a single reload.
const reloadDebounce = 2 * time.Second

// RulesWatcher reloads the engine when rule files in the rules directory
// change, so a synced bundle or an operator edit takes effect without a
// daemon restart. Bad files are harmless to reload: the engine keeps the
// last bundle that verified.
type RulesWatcher struct {
	engine  *Engine
	dir     string
	watcher *fsnotify.Watcher
}

func NewRulesWatcher(engine *Engine, dir string) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &RulesWatcher{engine: engine, dir: dir, watcher: w}, nil
}

// Run blocks until ctx is cancelled, reloading rules after file events
// settle.
func (rw *RulesWatcher) Run(ctx context.Context) {
	defer rw.watcher.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !ruleFileEvent(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[rules-watcher] %v", err)

		case <-pending:
			pending = nil
			log.Printf("[rules-watcher] Rules directory changed, reloading")
			rw.engine.ReloadRules()
		}
	}
}

func ruleFileEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	switch strings.ToLower(filepath.Ext(ev.Name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
