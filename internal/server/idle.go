package server

import (
	"time"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/debug"
)

// locallyIdle reports whether this server has nothing to do: no queued
// work and every one of its live workers parked.
func (s *Server) locallyIdle() bool {
	return !s.syncInProgress &&
		len(s.deferred) == 0 &&
		s.wq.Size() == 0 &&
		s.rq.Size() >= s.workersLeft
}

// handleCheckIdle answers the master's idle probe with this server's
// state and per-type counts.
func (s *Server) handleCheckIdle(src int, body []byte) error {
	req, err := comm.DecodeCheckIdleRequest(body)
	if err != nil {
		return err
	}
	idle := s.locallyIdle()
	debug.Tracef("server[%d]: idle check %d => %v", s.rank(), req.Attempt, idle)
	resp := comm.CheckIdleResponse{Idle: idle}
	if idle {
		resp.RequestCounts = s.rq.TypeCounts()
		resp.WorkCounts = s.wq.TypeCounts()
	}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

// masterIdleCheck runs on the master when its own loop has gone quiet:
// probe every other server, and if the whole cluster is idle, broadcast
// shutdown.
func (s *Server) masterIdleCheck() {
	if s.rank() != s.layout.Master || s.shuttingDown {
		return
	}
	if !s.locallyIdle() || time.Since(s.lastAction) < idleCheckInterval ||
		time.Since(s.lastIdleScan) < idleCheckInterval {
		return
	}
	s.lastIdleScan = time.Now()
	s.idleAttempt++

	for sv := s.layout.Master; sv < s.layout.Size; sv++ {
		if sv == s.rank() {
			continue
		}
		req := comm.CheckIdleRequest{Attempt: s.idleAttempt}
		if err := s.tr.Send(sv, comm.TagCheckIdle, req.Encode()); err != nil {
			return
		}
		msg, err := s.tr.Recv(sv, comm.TagResponse)
		if err != nil {
			return
		}
		resp, err := comm.DecodeCheckIdleResponse(msg.Data)
		if err != nil || !resp.Idle {
			return
		}
	}

	debug.Logf("server[%d]: cluster idle, shutting down", s.rank())
	if err := s.broadcastShutdown(); err != nil {
		debug.Logf("server[%d]: shutdown broadcast: %v", s.rank(), err)
	}
	s.beginShutdown()
}

// broadcastShutdown tells every other server to stop.
func (s *Server) broadcastShutdown() error {
	for sv := s.layout.Master; sv < s.layout.Size; sv++ {
		if sv == s.rank() {
			continue
		}
		if err := s.tr.Send(sv, comm.TagShutdownServer, nil); err != nil {
			return err
		}
	}
	return nil
}
