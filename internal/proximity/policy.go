// Package proximity decides which remote participants the local participant
// should be in a call with, given the latest room snapshot.
package proximity

import "github.com/mossy-p/proximity-chat/internal/models"

// ThresholdSquared is the squared call radius (100 canvas units).
const ThresholdSquared = 100 * 100

// Decision represents what to do about one remote participant.
type Decision int

const (
	NoChange Decision = iota
	Connect
	Disconnect
)

func (d Decision) String() string {
	switch d {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	default:
		return "no-change"
	}
}

// Ledger is the read side of the connection ledger.
type Ledger interface {
	Has(remote string) bool
	Remotes() []string
}

// IsNear reports whether a and b are within the call radius. The boundary
// counts as near.
func IsNear(a, b models.Position) bool {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx+dy*dy <= ThresholdSquared
}

// ShouldInitiate reports whether local is the side that places the call to
// remote. Only the participant further left (or level) dials.
func ShouldInitiate(local, remote models.Position) bool {
	return local.X <= remote.X
}

// Decide evaluates every other participant in snapshot against the local
// one. Only Connect and Disconnect entries are returned. Ledger entries for
// remotes missing from the snapshot are disconnected as well. If the local
// participant is not in the snapshot nothing is decided.
func Decide(snapshot []models.Position, localID string, ledger Ledger) map[string]Decision {
	out := make(map[string]Decision)

	var local models.Position
	found := false
	for _, p := range snapshot {
		if p.ID == localID {
			local, found = p, true
			break
		}
	}
	if !found {
		return out
	}

	seen := make(map[string]bool, len(snapshot))
	for _, p := range snapshot {
		if p.ID == localID || p.Room != local.Room {
			continue
		}
		seen[p.ID] = true
		if d := decideOne(local, p, ledger.Has(p.ID)); d != NoChange {
			out[p.ID] = d
		}
	}

	for _, remote := range ledger.Remotes() {
		if !seen[remote] {
			out[remote] = Disconnect
		}
	}
	return out
}

func decideOne(local, remote models.Position, connected bool) Decision {
	near := IsNear(local, remote)
	switch {
	case near && ShouldInitiate(local, remote) && !connected:
		return Connect
	case !near && connected:
		return Disconnect
	default:
		return NoChange
	}
}
