package loopback

import "sync"

// trigger is a one-shot signal: it can be fired once and observed any number of times.
type trigger struct {
	once  sync.Once
	fired chan struct{}
}

func newTrigger() *trigger {
	return &trigger{fired: make(chan struct{})}
}

// fire closes the signal and reports whether this call was the one that fired it.
func (signal *trigger) fire() bool {
	first := false
	signal.once.Do(func() {
		close(signal.fired)
		first = true
	})
	return first
}

func (signal *trigger) done() <-chan struct{} {
	return signal.fired
}

// ShutdownSlot holds the shutdown handle of the session currently listening, if any.
// A newer session uses it to preempt the one before it.
type ShutdownSlot struct {
	mutex   sync.Mutex
	session *Server
}

// NewShutdownSlot returns an empty slot.
func NewShutdownSlot() *ShutdownSlot {
	return &ShutdownSlot{}
}

// Install stores server as the current session, replacing whatever was installed.
// Callers that want the previous listener stopped must TakeAndSignal first.
func (slot *ShutdownSlot) Install(server *Server) {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	slot.session = server
}

// TakeAndSignal removes the installed session and asks it to stop. It reports whether a
// session was installed and returns a channel closed once that session released its port.
// Signalling a session that already stopped on its own is not an error.
func (slot *ShutdownSlot) TakeAndSignal() (<-chan struct{}, bool) {
	slot.mutex.Lock()
	session := slot.session
	slot.session = nil
	slot.mutex.Unlock()

	if session == nil {
		return nil, false
	}
	session.Preempt()
	return session.Released(), true
}

// Clear empties the slot only when it still holds server.
func (slot *ShutdownSlot) Clear(server *Server) bool {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	if slot.session != server || server == nil {
		return false
	}
	slot.session = nil
	return true
}

// Installed reports whether a session currently occupies the slot.
func (slot *ShutdownSlot) Installed() bool {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	return slot.session != nil
}
