//go:build !windows

package eventlog

// Watcher is inert off Windows; there is no event log to subscribe to.
type Watcher struct{}

// NewWatcher returns an inert watcher.
func NewWatcher(Callback) *Watcher { return &Watcher{} }

// Start is a no-op.
func (w *Watcher) Start() error { return nil }

// Stop is a no-op.
func (w *Watcher) Stop() {}

// Running always reports false.
func (w *Watcher) Running() bool { return false }
