package data

import (
	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/types"
)

// RefcountChange is the only way refcounts mutate after creation. change
// holds signed deltas. When scavenge is set the caller wants to take over
// the datum's referand refcounts instead of having them released: if the
// change would not destroy the datum the whole call is a no-op (reporting
// zero scavenged), closing the race where a referand could be freed before
// the scavenger re-acquires it.
//
// Close listeners drained by a write-count transition to zero, and the
// referand releases of a destruction, are returned through n.
func (s *Store) RefcountChange(id int64, change comm.Refcounts, scavenge bool, n *Notifications) (scavenged comm.Refcounts, destroyed bool, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return comm.Refcounts{}, false, err
	}
	return s.refcountImpl(id, d, change, scavenge, n)
}

func (s *Store) refcountImpl(id int64, d *Datum, change comm.Refcounts, scavenge bool, n *Notifications) (scavenged comm.Refcounts, destroyed bool, err error) {
	willDestroy := d.ReadRefcount+change.Read <= 0 &&
		d.WriteRefcount+change.Write <= 0 && !d.Permanent

	if scavenge {
		if !willDestroy {
			return comm.Refcounts{}, false, nil
		}
		// One refcount per reference in the datum transfers to the
		// scavenger; destruction below skips the matching releases.
		scavenged = comm.Refcounts{Read: 1}
	}

	if change.Read != 0 && !d.Permanent {
		if d.ReadRefcount <= 0 || d.ReadRefcount+change.Read < 0 {
			return comm.Refcounts{}, false, Errorf(comm.DataRefcountNegative,
				"<%d> read_refcount: %d incr: %d", id, d.ReadRefcount, change.Read)
		}
		d.ReadRefcount += change.Read
		debugf("read_refcount: <%d> => %d", id, d.ReadRefcount)
	}

	if change.Write != 0 {
		if d.WriteRefcount <= 0 || d.WriteRefcount+change.Write < 0 {
			return comm.Refcounts{}, false, Errorf(comm.DataRefcountNegative,
				"<%d> write_refcount: %d incr: %d", id, d.WriteRefcount, change.Write)
		}
		d.WriteRefcount += change.Write
		debugf("write_refcount: <%d> => %d", id, d.WriteRefcount)
		if d.WriteRefcount == 0 {
			// The datum just closed: every listener fires exactly once.
			n.CloseRanks = append(n.CloseRanks, d.Listeners...)
			d.Listeners = nil
		}
	}

	if d.ReadRefcount <= 0 && d.WriteRefcount <= 0 && !d.Permanent {
		if err := s.gc(id, d, scavenge, n); err != nil {
			return comm.Refcounts{}, false, err
		}
		return scavenged, true, nil
	}
	return scavenged, false, nil
}

// gc destroys a datum whose counts have both reached zero. Each reference
// embedded in its storage is released: a -1 read update is queued for the
// referand's home server, unless the caller scavenged those counts.
func (s *Store) gc(id int64, d *Datum, scavenged bool, n *Notifications) error {
	debugf("gc: <%d>", id)
	if d.Permanent {
		return Errorf(comm.DataUnknown, "garbage collecting permanent datum <%d>", id)
	}
	if len(d.Listeners) != 0 {
		return Errorf(comm.DataInvalid,
			"%d listeners for destroyed datum <%d>", len(d.Listeners), id)
	}
	if d.Set && !scavenged {
		for _, ref := range types.ReferandIDs(d.Value, nil) {
			n.addRefUpdate(ref, comm.Refcounts{Read: -1})
		}
	}
	delete(s.datums, id)
	return nil
}

// incrReferands queues a refcount change for every id referenced by v.
func incrReferands(v *types.Value, change comm.Refcounts, n *Notifications) {
	if change.IsZero() {
		return
	}
	for _, ref := range types.ReferandIDs(v, nil) {
		n.addRefUpdate(ref, change)
	}
}
