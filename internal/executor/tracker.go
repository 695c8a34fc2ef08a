package executor

import (
	"sync/atomic"
	"time"
)

// HostState is a point-in-time view of one submitted unit of work.
type HostState struct {
	Host    string
	Started time.Time // zero while queued behind the concurrency limit
	Done    bool
	Kind    Kind // valid once Done
	Elapsed time.Duration
}

type trackEntry struct {
	host    string
	started atomic.Int64 // unix nanos, 0 until the worker starts
	ended   atomic.Int64 // unix nanos, 0 until the worker finishes
	kind    atomic.Int32
}

// Tracker records which submitted units are still outstanding. Entries are
// fixed at construction; each is written only by its own worker, so readers
// never block writers.
type Tracker struct {
	entries []*trackEntry
	now     func() time.Time
}

func newTracker(hosts []string) *Tracker {
	t := &Tracker{
		entries: make([]*trackEntry, len(hosts)),
		now:     time.Now,
	}
	for i, h := range hosts {
		t.entries[i] = &trackEntry{host: h}
	}
	return t
}

func (t *Tracker) start(idx int) {
	t.entries[idx].started.Store(t.now().UnixNano())
}

func (t *Tracker) finish(idx int, k Kind) {
	e := t.entries[idx]
	e.kind.Store(int32(k))
	e.ended.Store(t.now().UnixNano())
}

// Outstanding returns the hosts whose work has not completed, in submission
// order. A host submitted twice appears once per unfinished unit.
func (t *Tracker) Outstanding() []string {
	var out []string
	for _, e := range t.entries {
		if e.ended.Load() == 0 {
			out = append(out, e.host)
		}
	}
	return out
}

// Remaining returns the number of units that have not completed.
func (t *Tracker) Remaining() int {
	n := 0
	for _, e := range t.entries {
		if e.ended.Load() == 0 {
			n++
		}
	}
	return n
}

// Total returns the number of submitted units.
func (t *Tracker) Total() int {
	return len(t.entries)
}

// Snapshot returns the state of every unit in submission order.
func (t *Tracker) Snapshot() []HostState {
	now := t.now()
	states := make([]HostState, len(t.entries))
	for i, e := range t.entries {
		s := HostState{Host: e.host}
		if started := e.started.Load(); started != 0 {
			s.Started = time.Unix(0, started)
			end := now
			if ended := e.ended.Load(); ended != 0 {
				s.Done = true
				s.Kind = Kind(e.kind.Load())
				end = time.Unix(0, ended)
			}
			s.Elapsed = end.Sub(s.Started)
		}
		states[i] = s
	}
	return states
}
