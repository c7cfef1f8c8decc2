package session

import "sync"

// commandRegistry maps read identifiers to in-flight commands. All
// operations are atomic under an internal lock; the lock is held only
// for the map access, never across a read's execution, and is never
// exposed to callers.
type commandRegistry struct {
	mu       sync.Mutex
	commands map[string]*ReadCommand
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{commands: make(map[string]*ReadCommand)}
}

// insert registers a command under its identifier. A duplicate
// identifier means the generator collided, which is treated as a hard
// failure of the read rather than retried.
func (r *commandRegistry) insert(c *ReadCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[c.id]; ok {
		return errOf(KindUnknown, "read id collision: %s", c.id)
	}
	r.commands[c.id] = c
	return nil
}

// cancel removes the identifier and marks its command cancelled while
// the background task may still be running. It reports false for an
// unknown identifier, including one already cancelled — and for a
// command whose completion won the terminal transition first: map
// presence alone does not decide the race, the state machine does.
func (r *commandRegistry) cancel(id string) bool {
	r.mu.Lock()
	c, ok := r.commands[id]
	if ok {
		delete(r.commands, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return c.cancel()
}

// cancelAll cancels every registered command and returns how many
// were actually cancelled; commands that completed first don't count.
func (r *commandRegistry) cancelAll() int {
	r.mu.Lock()
	removed := make([]*ReadCommand, 0, len(r.commands))
	for id, c := range r.commands {
		delete(r.commands, id)
		removed = append(removed, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range removed {
		if c.cancel() {
			n++
		}
	}
	return n
}

// erase removes the identifier without touching command state. Called
// on completion, before the callback fires; a no-op when cancellation
// already removed the entry.
func (r *commandRegistry) erase(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, id)
}

func (r *commandRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}
