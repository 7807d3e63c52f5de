package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/room"
)

// DefaultAckTimeout is how long an optimistic mutation waits for its echo.
const DefaultAckTimeout = 5 * time.Second

type entry struct {
	mutation  Mutation
	landscape string
	deadline  time.Time
	seq       uint64
	undo      []protocol.Message
}

// Pending tracks optimistic mutations until the relay echoes them back or
// their deadline passes.
type Pending struct {
	mu      sync.Mutex
	entries map[string]entry
	timeout time.Duration
	seq     uint64
	now     func() time.Time
}

// NewPending returns a tracker that gives each mutation timeout to be
// acknowledged.
func NewPending(timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Pending{
		entries: make(map[string]entry),
		timeout: timeout,
		now:     time.Now,
	}
}

// Timeout returns how long a mutation waits for its echo.
func (p *Pending) Timeout() time.Duration {
	return p.timeout
}

// Track records m, made while the room showed landscapeToken, with the undo
// messages that restore what m overwrote. It replaces a pending mutation with
// the same key but keeps that mutation's undo, which still describes the
// state before either was applied.
func (p *Pending) Track(m Mutation, landscapeToken string, undo ...protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.entries[m.Key()]; ok {
		undo = prev.undo
	}
	p.seq++
	p.entries[m.Key()] = entry{
		mutation:  m,
		landscape: landscapeToken,
		deadline:  p.now().Add(p.timeout),
		seq:       p.seq,
		undo:      undo,
	}
}

// Acknowledge drops every mutation msg confirms and reports how many.
func (p *Pending) Acknowledge(msg protocol.Message, selfID string) int {
	if selfID == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, e := range p.entries {
		if e.mutation.Acknowledges(msg, selfID) {
			delete(p.entries, key)
			n++
		}
	}
	return n
}

// Expire drops mutations whose deadline has passed, rolls store back over
// them, newest first, and returns them. store may be nil.
func (p *Pending) Expire(store *room.Store) []Mutation {
	p.mu.Lock()
	expired := p.expireLocked(p.now())
	p.mu.Unlock()

	if store != nil {
		for i := len(expired) - 1; i >= 0; i-- {
			for _, msg := range expired[i].undo {
				store.Apply(msg)
			}
		}
	}
	return mutations(expired)
}

// expireLocked removes the entries past their deadline and returns them in
// tracking order.
func (p *Pending) expireLocked(now time.Time) []entry {
	var expired []entry
	for key, e := range p.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, e)
			delete(p.entries, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	return expired
}

// take expires stale entries and returns the live ones in tracking order,
// leaving them tracked so their echo still clears them.
func (p *Pending) take() (live []entry, expired []Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired = mutations(p.expireLocked(p.now()))
	for _, e := range p.entries {
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	return live, expired
}

// drop forgets the mutation tracked under key if it is still the same one.
func (p *Pending) drop(key string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.seq == seq {
		delete(p.entries, key)
	}
}

// rearm gives a replayed mutation a fresh deadline under the new landscape.
func (p *Pending) rearm(key string, seq uint64, landscapeToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.seq == seq {
		e.landscape = landscapeToken
		e.deadline = p.now().Add(p.timeout)
		p.entries[key] = e
	}
}

// Len returns the number of unacknowledged mutations.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear forgets every pending mutation.
func (p *Pending) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]entry)
}

func mutations(entries []entry) []Mutation {
	out := make([]Mutation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.mutation)
	}
	return out
}
