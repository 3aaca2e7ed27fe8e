package call

import "sort"

// State represents the progress of a call in the ledger.
type State int

const (
	Connecting State = iota + 1
	Active
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return "absent"
	}
}

// Ledger records which remotes have a call open or opening. It is a value:
// with and without return a new ledger and never touch the receiver, so a
// ledger handed out by the Manager stays valid after later events.
type Ledger struct {
	entries map[string]State
}

// Has reports whether remote has a connecting or active call.
func (l Ledger) Has(remote string) bool {
	_, ok := l.entries[remote]
	return ok
}

// State returns remote's call state, if it has one.
func (l Ledger) State(remote string) (State, bool) {
	s, ok := l.entries[remote]
	return s, ok
}

// Len returns the number of remotes in the ledger.
func (l Ledger) Len() int {
	return len(l.entries)
}

// Remotes lists the remotes in the ledger, sorted.
func (l Ledger) Remotes() []string {
	out := make([]string, 0, len(l.entries))
	for id := range l.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l Ledger) with(remote string, s State) Ledger {
	next := make(map[string]State, len(l.entries)+1)
	for k, v := range l.entries {
		next[k] = v
	}
	next[remote] = s
	return Ledger{entries: next}
}

func (l Ledger) without(remote string) Ledger {
	if !l.Has(remote) {
		return l
	}
	next := make(map[string]State, len(l.entries))
	for k, v := range l.entries {
		if k != remote {
			next[k] = v
		}
	}
	return Ledger{entries: next}
}
