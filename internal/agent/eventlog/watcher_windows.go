//go:build windows

package eventlog

import (
	"log"
	"sync"
	"syscall"
	"unsafe"
)

var (
	wevtapi          = syscall.NewLazyDLL("wevtapi.dll")
	procEvtSubscribe = wevtapi.NewProc("EvtSubscribe")
	procEvtClose     = wevtapi.NewProc("EvtClose")
	procEvtRender    = wevtapi.NewProc("EvtRender")
)

const (
	evtSubscribeToFutureEvents = 1
	evtSubscribeActionDeliver  = 1
	evtRenderEventXML          = 1
)

// Watcher holds live EvtSubscribe subscriptions to the compliance
// channels and forwards classified events to its callback.
type Watcher struct {
	callback Callback

	mu      sync.Mutex
	handles []uintptr
	// pinned keeps callback contexts reachable while Windows holds raw
	// pointers to them.
	pinned  []*subscription
	running bool
}

type subscription struct {
	watcher *Watcher
	channel Channel
}

// NewWatcher builds a watcher; Start opens the subscriptions.
func NewWatcher(cb Callback) *Watcher {
	return &Watcher{callback: cb}
}

// Start subscribes to every compliance channel. Channels that fail to
// subscribe (absent on this SKU, insufficient rights) are logged and
// skipped.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	for _, ch := range Channels {
		if err := w.subscribe(ch); err != nil {
			log.Printf("[eventlog] subscribe %s: %v", ch.Name, err)
			continue
		}
		log.Printf("[eventlog] watching %s", ch.Name)
	}
	w.running = true
	log.Printf("[eventlog] %d channel subscriptions active", len(w.handles))
	return nil
}

func (w *Watcher) subscribe(ch Channel) error {
	path, err := syscall.UTF16PtrFromString(ch.Name)
	if err != nil {
		return err
	}
	query, err := syscall.UTF16PtrFromString(ch.Query)
	if err != nil {
		return err
	}

	sub := &subscription{watcher: w, channel: ch}
	handle, _, callErr := procEvtSubscribe.Call(
		0, // local session
		0, // no signal event, callback delivery
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(query)),
		0, // no bookmark
		uintptr(unsafe.Pointer(sub)),
		syscall.NewCallback(deliver),
		uintptr(evtSubscribeToFutureEvents),
	)
	if handle == 0 {
		return callErr
	}
	w.handles = append(w.handles, handle)
	w.pinned = append(w.pinned, sub)
	return nil
}

// deliver is invoked by Windows on the subscription thread for each
// matching event.
func deliver(action, userContext, event uintptr) uintptr {
	if action != evtSubscribeActionDeliver {
		return 0
	}
	sub := (*subscription)(unsafe.Pointer(userContext))
	if sub == nil || sub.watcher == nil || sub.watcher.callback == nil {
		return 0
	}
	sub.watcher.callback(NewEvent(sub.channel.Name, renderEventID(event)))
	return 0
}

// renderEventID renders the event as XML and pulls out its EventID.
// Returns 0 when rendering fails; classification then falls back to the
// channel default.
func renderEventID(event uintptr) uint32 {
	const bufChars = 65536
	buf := make([]uint16, bufChars)
	var used, props uint32

	ret, _, _ := procEvtRender.Call(
		0,
		event,
		uintptr(evtRenderEventXML),
		uintptr(bufChars*2),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&used)),
		uintptr(unsafe.Pointer(&props)),
	)
	if ret == 0 {
		return 0
	}
	chars := used / 2
	if chars > bufChars {
		chars = bufChars
	}
	return parseEventID(syscall.UTF16ToString(buf[:chars]))
}

// Stop closes all subscriptions.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	for _, h := range w.handles {
		procEvtClose.Call(h)
	}
	w.handles = nil
	w.pinned = nil
	w.running = false
	log.Println("[eventlog] stopped")
}

// Running reports whether subscriptions are active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
