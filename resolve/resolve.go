// Package resolve implements last-write-wins conflict resolution between a
// local and a remote copy of the same record.
package resolve

import (
	"github.com/quizlight/studysync/record"
)

// Winner names the side a resolution picked.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Decision is the outcome of resolving one conflict.
type Decision struct {
	Winner Winner
	// Merged is the surviving record. Deletion is an ordinary attribute of
	// the winner: a tombstone wins or loses like any other write, so a
	// stale client can never resurrect a deletion.
	Merged record.Record
	// Reason is a short audit tag for logs.
	Reason string
}

// Resolve decides between local and remote copies of one record. It is a
// total, deterministic function of its inputs: every replica computes the
// same winner from the same two candidates, regardless of argument arrival
// order.
//
// Version-bearing entities compare the version counter; a strictly higher
// version wins. Timestamp entities compare UpdatedAt; a strictly greater
// timestamp wins. On an exact tie the remote copy wins only when the local
// copy is already synced — an unsynced local copy is an in-flight edit that
// simply has not been pushed yet, and resolving the tie against it would
// silently drop a legitimate concurrent edit.
func Resolve(d record.Descriptor, local, remote record.Record) Decision {
	if d.Versioned {
		if remote.Version > local.Version {
			return Decision{Winner: WinnerRemote, Merged: remote, Reason: "remote version higher"}
		}
		if local.Version > remote.Version {
			return Decision{Winner: WinnerLocal, Merged: local, Reason: "local version higher"}
		}
		return tiebreak(local, remote)
	}

	if remote.UpdatedAt > local.UpdatedAt {
		return Decision{Winner: WinnerRemote, Merged: remote, Reason: "remote timestamp newer"}
	}
	if local.UpdatedAt > remote.UpdatedAt {
		return Decision{Winner: WinnerLocal, Merged: local, Reason: "local timestamp newer"}
	}
	return tiebreak(local, remote)
}

func tiebreak(local, remote record.Record) Decision {
	if local.Synced {
		return Decision{Winner: WinnerRemote, Merged: remote, Reason: "tie, local already synced"}
	}
	return Decision{Winner: WinnerLocal, Merged: local, Reason: "tie, local edit unpushed"}
}
