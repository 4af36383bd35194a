package server

import (
	"fmt"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/data"
	"github.com/dreamware/quarry/internal/debug"
	"github.com/dreamware/quarry/internal/types"
	"github.com/dreamware/quarry/internal/workqueue"
)

// Notification work units are CONTROL tasks: high priority, targeted at
// the listener rank.
const (
	controlWorkType = 0
	controlPriority = 1
)

// notify propagates everything a data operation left behind: close and
// insert notifications to listener ranks, reference writes of the
// inserted value, and refcount deltas routed to their home servers.
//
// Local work is peeled off first so only the remainder crosses servers;
// remote work requires acquiring the peer through the sync protocol, so
// it is deferred while a sync of our own is in flight.
func (s *Server) notify(id int64, sub []byte, valueType types.DataType, value []byte, n *data.Notifications) error {
	if n.Empty() {
		return nil
	}

	if len(n.CloseRanks) > 0 {
		if err := s.notifyRanks(id, nil, n.CloseRanks); err != nil {
			return err
		}
	}
	if len(n.InsertRanks) > 0 {
		if err := s.notifyRanks(id, sub, n.InsertRanks); err != nil {
			return err
		}
	}

	for _, refID := range n.ReferenceIDs {
		refID := refID
		if value == nil {
			return fmt.Errorf("server[%d]: reference write for <%d> with no value", s.rank(), refID)
		}
		if err := s.runOrDefer(func() error { return s.writeRef(refID, valueType, value) }); err != nil {
			return err
		}
	}

	for _, u := range n.RefUpdates {
		u := u
		if err := s.runOrDefer(func() error { return s.applyRefUpdate(u) }); err != nil {
			return err
		}
	}
	return nil
}

// notifyRanks delivers `close <id>[ <sub>]` control tasks to each rank.
// Ranks homed here are served locally; the rest go through their home
// server.
func (s *Server) notifyRanks(id int64, sub []byte, ranks []int) error {
	payload := closePayload(id, sub)
	var remote []int
	for _, rank := range ranks {
		if s.layout.HomeServer(rank) == s.rank() {
			if err := s.localControlPut(rank, payload); err != nil {
				return err
			}
		} else {
			remote = append(remote, rank)
		}
	}
	for _, rank := range remote {
		rank := rank
		if err := s.runOrDefer(func() error { return s.remoteControlPut(rank, payload) }); err != nil {
			return err
		}
	}
	return nil
}

func closePayload(id int64, sub []byte) []byte {
	if len(sub) == 0 {
		return []byte(fmt.Sprintf("close %d", id))
	}
	return []byte(fmt.Sprintf("close %d %s", id, sub))
}

// localControlPut runs the normal put path for a notification task homed
// on this server.
func (s *Server) localControlPut(rank int, payload []byte) error {
	debug.Tracef("server[%d]: local notify %d: %s", s.rank(), rank, payload)
	typ := int32(controlWorkType)
	if s.rq.MatchTarget(rank, typ) {
		wu := &workqueue.WorkUnit{
			Type:     typ,
			Putter:   int32(s.rank()),
			Priority: controlPriority,
			Answer:   int32(comm.RankNull),
			Target:   int32(rank),
			Payload:  payload,
		}
		return s.sendWork(rank, wu, 1)
	}
	s.enqueue(&workqueue.WorkUnit{
		ID:          s.wq.UniqueID(),
		Type:        typ,
		Putter:      int32(s.rank()),
		Priority:    controlPriority,
		Answer:      int32(comm.RankNull),
		Target:      int32(rank),
		Parallelism: 1,
		Payload:     payload,
	})
	return nil
}

// remoteControlPut routes a notification through the listener's home
// server: acquire it with a sync, then issue a put RPC.
func (s *Server) remoteControlPut(rank int, payload []byte) error {
	server := s.layout.HomeServer(rank)
	debug.Tracef("server[%d]: remote notify %d via %d", s.rank(), rank, server)
	if err := s.sync(server, &comm.SyncHeader{Mode: comm.SyncModeRequest}); err != nil {
		return err
	}
	h := comm.PutHeader{
		Type:        controlWorkType,
		Priority:    controlPriority,
		Putter:      int32(s.rank()),
		Answer:      int32(comm.RankNull),
		Target:      int32(rank),
		Length:      int32(len(payload)),
		Parallelism: 1,
		HasInline:   true,
		Inline:      payload,
	}
	if err := s.tr.Send(server, comm.TagPut, h.Encode()); err != nil {
		return err
	}
	msg, err := s.tr.Recv(server, comm.TagResponsePut)
	if err != nil {
		return err
	}
	code, err := comm.DecodeI32(msg.Data)
	if err != nil {
		return err
	}
	if comm.Code(code) != comm.Success {
		return fmt.Errorf("server[%d]: notify put to %d rejected: %d", s.rank(), rank, code)
	}
	return nil
}

// writeRef stores the inserted value into a bound reference id,
// releasing the write refcount the promise held. The store is routed to
// the id's home server.
func (s *Server) writeRef(refID int64, valueType types.DataType, value []byte) error {
	home := s.layout.Locate(refID)
	debug.Tracef("server[%d]: set reference <%d> on %d", s.rank(), refID, home)
	decr := comm.Refcounts{Write: 1}
	if home == s.rank() {
		var n data.Notifications
		if err := s.store.Store(refID, nil, valueType, value, decr, comm.Refcounts{}, &n); err != nil {
			return err
		}
		return s.notify(refID, nil, valueType, value, &n)
	}

	if err := s.sync(home, &comm.SyncHeader{Mode: comm.SyncModeRequest}); err != nil {
		return err
	}
	h := comm.StoreHeader{ID: refID, Type: int32(valueType), Decr: decr}
	if err := s.tr.Send(home, comm.TagStoreHeader, h.Encode()); err != nil {
		return err
	}
	if err := s.tr.Send(home, comm.TagStorePayload, value); err != nil {
		return err
	}
	msg, err := s.tr.Recv(home, comm.TagResponse)
	if err != nil {
		return err
	}
	resp, err := comm.DecodeStoreResponse(msg.Data)
	if err != nil {
		return err
	}
	if resp.DC != comm.DataSuccess && resp.DC != comm.DataDoubleWrite {
		return fmt.Errorf("server[%d]: reference write <%d> failed: %d", s.rank(), refID, resp.DC)
	}
	return nil
}

// applyRefUpdate routes one refcount delta to its datum's home server.
func (s *Server) applyRefUpdate(u data.RefUpdate) error {
	home := s.layout.Locate(u.ID)
	if home == s.rank() {
		var n data.Notifications
		if _, _, err := s.store.RefcountChange(u.ID, u.Change, false, &n); err != nil {
			return err
		}
		return s.notify(u.ID, nil, types.TypeNull, nil, &n)
	}

	if err := s.sync(home, &comm.SyncHeader{Mode: comm.SyncModeRequest}); err != nil {
		return err
	}
	req := comm.RefcountRequest{ID: u.ID, Change: u.Change}
	if err := s.tr.Send(home, comm.TagRefcountIncr, req.Encode()); err != nil {
		return err
	}
	msg, err := s.tr.Recv(home, comm.TagResponse)
	if err != nil {
		return err
	}
	resp, err := comm.DecodeRefcountResponse(msg.Data)
	if err != nil {
		return err
	}
	if resp.DC != comm.DataSuccess {
		return fmt.Errorf("server[%d]: refcount update <%d> failed: %d", s.rank(), u.ID, resp.DC)
	}
	return nil
}
