package chart

import "sync"

// Mailbox holds at most one pending Command. A newer Post replaces an
// unconsumed one; Take hands it out exactly once.
type Mailbox struct {
	mu      sync.Mutex
	pending *Command
	ready   chan struct{}
	posted  uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Post queues cmd and reports whether it replaced an unconsumed command.
func (m *Mailbox) Post(cmd Command) (replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced = m.pending != nil
	m.pending = &cmd
	m.posted++
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Take removes and returns the pending command.
func (m *Mailbox) Take() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Command{}, false
	}
	cmd := *m.pending
	m.pending = nil
	select {
	case <-m.ready:
	default:
	}
	return cmd, true
}

// Ready is signalled when a command is posted. A receive does not consume the
// command; call Take.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Posted returns the number of commands posted so far.
func (m *Mailbox) Posted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted
}
