package server

import (
	"fmt"
	"time"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/debug"
)

// syncBackoff paces the handshake loop when nothing has arrived.
const syncBackoff = 100 * time.Microsecond

// rejectedBackoff delays a retry after the target rejected us.
const rejectedBackoff = time.Millisecond

// sync acquires the target server for a follow-up interaction (a request
// RPC or a steal). Two servers may attempt this against each other
// concurrently; rank order breaks the tie: while waiting for our own
// answer we accept and serve requests from higher-ranked servers
// immediately, and defer (or, past the buffer, reject) lower-ranked
// ones. In any circular wait the lowest-ranked participant therefore
// always accepts, so the cycle cannot close.
func (s *Server) sync(target int, hdr *comm.SyncHeader) error {
	if s.syncInProgress {
		return fmt.Errorf("server[%d]: nested sync attempted", s.rank())
	}
	s.syncInProgress = true
	defer func() { s.syncInProgress = false }()

	debug.Tracef("server[%d]: sync with %d", s.rank(), target)
	if err := s.sendSyncRequest(target, hdr); err != nil {
		return err
	}

	for {
		// 1. The target answered our request.
		ok, _, err := s.tr.Iprobe(target, comm.TagSyncResponse)
		if err != nil {
			return err
		}
		if ok {
			msg, err := s.tr.Recv(target, comm.TagSyncResponse)
			if err != nil {
				return err
			}
			accepted, err := comm.DecodeI32(msg.Data)
			if err != nil {
				return err
			}
			if accepted != 0 {
				debug.Tracef("server[%d]: sync accepted by %d", s.rank(), target)
				return nil
			}
			debug.Tracef("server[%d]: sync rejected by %d, retrying", s.rank(), target)
			time.Sleep(rejectedBackoff)
			if err := s.sendSyncRequest(target, hdr); err != nil {
				return err
			}
			continue
		}

		// 2. Another server wants to sync with us.
		ok, src, err := s.tr.Iprobe(comm.AnySource, comm.TagSyncRequest)
		if err != nil {
			return err
		}
		if ok {
			if err := s.syncFromOther(src); err != nil {
				return err
			}
			continue
		}

		// 3. The cluster is shutting down.
		ok, src, err = s.tr.Iprobe(comm.AnySource, comm.TagShutdownServer)
		if err != nil {
			return err
		}
		if ok {
			if _, err := s.tr.Recv(src, comm.TagShutdownServer); err != nil {
				return err
			}
			s.beginShutdown()
			return ErrShutdown
		}

		// 4. Keep the master's idle probe honest: we are plainly not
		// idle while syncing.
		ok, src, err = s.tr.Iprobe(comm.AnySource, comm.TagCheckIdle)
		if err != nil {
			return err
		}
		if ok {
			if _, err := s.tr.Recv(src, comm.TagCheckIdle); err != nil {
				return err
			}
			resp := comm.CheckIdleResponse{Idle: false}
			if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
				return err
			}
			continue
		}

		time.Sleep(syncBackoff)
	}
}

func (s *Server) sendSyncRequest(target int, hdr *comm.SyncHeader) error {
	return s.tr.Send(target, comm.TagSyncRequest, hdr.Encode())
}

// syncFromOther handles a sync request that interrupts our own
// handshake.
func (s *Server) syncFromOther(other int) error {
	msg, err := s.tr.Recv(other, comm.TagSyncRequest)
	if err != nil {
		return err
	}
	hdr, err := comm.DecodeSyncHeader(msg.Data)
	if err != nil {
		return err
	}

	if other > s.rank() {
		// Serve the higher-ranked server immediately; this is what makes
		// circular waits impossible.
		debug.Tracef("server[%d]: interrupted by sync from %d, accepting", s.rank(), other)
		return s.acceptSync(other, hdr)
	}

	if len(s.pendingSyncs) < maxPendingSyncs {
		debug.Tracef("server[%d]: deferring sync from %d (%d pending)",
			s.rank(), other, len(s.pendingSyncs))
		s.pendingSyncs = append(s.pendingSyncs, pendingSync{rank: other, hdr: hdr})
		return nil
	}
	debug.Tracef("server[%d]: rejecting sync from %d", s.rank(), other)
	return s.tr.Send(other, comm.TagSyncResponse, comm.EncodeI32(0))
}

// servePendingSyncs serves sync requests deferred while our own sync was
// in flight.
func (s *Server) servePendingSyncs() error {
	for len(s.pendingSyncs) > 0 {
		p := s.pendingSyncs[0]
		s.pendingSyncs = s.pendingSyncs[1:]
		if err := s.acceptSync(p.rank, p.hdr); err != nil {
			return err
		}
	}
	return nil
}

// acceptSync sends the accept byte and serves the peer's business: one
// request RPC, or a steal.
func (s *Server) acceptSync(peer int, hdr comm.SyncHeader) error {
	if err := s.tr.Send(peer, comm.TagSyncResponse, comm.EncodeI32(1)); err != nil {
		return err
	}
	switch hdr.Mode {
	case comm.SyncModeRequest:
		return s.serveServer(peer)
	case comm.SyncModeSteal:
		return s.serveSteal(peer, hdr)
	}
	return fmt.Errorf("server[%d]: invalid sync mode %d from %d", s.rank(), hdr.Mode, peer)
}

// serveServer handles the single RPC the peer acquired us for.
func (s *Server) serveServer(peer int) error {
	for {
		for _, tag := range pollTags {
			if tag == comm.TagShutdownServer || tag == comm.TagSyncRequest {
				continue
			}
			ok, _, err := s.tr.Iprobe(peer, tag)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			msg, err := s.tr.Recv(peer, tag)
			if err != nil {
				return err
			}
			return s.dispatch(tag, peer, msg.Data)
		}
		time.Sleep(syncBackoff)
	}
}
