package data

import "github.com/dreamware/quarry/internal/comm"

// RefUpdate is a refcount delta destined for a datum that may live on any
// server; the caller routes it by id.
type RefUpdate struct {
	ID     int64
	Change comm.Refcounts
}

// Notifications collects the externally visible side effects of a store,
// retrieve or refcount operation. The store itself never sends messages;
// the owning server drains this structure after each operation.
type Notifications struct {
	// CloseRanks are ranks to notify that the datum closed.
	CloseRanks []int

	// InsertRanks are ranks to notify that (id, sub) was inserted.
	InsertRanks []int

	// ReferenceIDs are datum ids to which the inserted value must be
	// written, resolving container-reference promises.
	ReferenceIDs []int64

	// RefUpdates are refcount deltas to deliver to each id's home server
	// (possibly this one).
	RefUpdates []RefUpdate
}

// Empty reports whether there is nothing to propagate.
func (n *Notifications) Empty() bool {
	return len(n.CloseRanks) == 0 && len(n.InsertRanks) == 0 &&
		len(n.ReferenceIDs) == 0 && len(n.RefUpdates) == 0
}

func (n *Notifications) addRefUpdate(id int64, change comm.Refcounts) {
	if change.IsZero() {
		return
	}
	n.RefUpdates = append(n.RefUpdates, RefUpdate{ID: id, Change: change})
}
