package channel

import (
	"sync"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// Callback receives one inbound envelope. It reports whether it handled the
// message.
type Callback func(m *wire.Msg) bool

// MultiCallback forwards each message to every registered callback, in
// registration order.
type MultiCallback struct {
	mu      sync.RWMutex
	entries []*callbackEntry
}

type callbackEntry struct {
	cb Callback
}

// Add registers cb and returns a function that removes it.
func (mc *MultiCallback) Add(cb Callback) (remove func()) {
	e := &callbackEntry{cb: cb}
	mc.mu.Lock()
	mc.entries = append(mc.entries, e)
	mc.mu.Unlock()

	return func() {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		for i, other := range mc.entries {
			if other == e {
				mc.entries = append(mc.entries[:i:i], mc.entries[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of registered callbacks.
func (mc *MultiCallback) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.entries)
}

// Dispatch hands m to every callback and reports whether any handled it.
func (mc *MultiCallback) Dispatch(m *wire.Msg) bool {
	mc.mu.RLock()
	entries := mc.entries
	mc.mu.RUnlock()

	handled := false
	for _, e := range entries {
		if e.cb(m) {
			handled = true
		}
	}
	return handled
}
