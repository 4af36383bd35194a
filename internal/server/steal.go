package server

import (
	"errors"
	"time"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/debug"
	"github.com/dreamware/quarry/internal/workqueue"
)

// stealBatchSize caps how many units ride behind one batch header.
const stealBatchSize = 64

// considerSteal starts a steal when a worker is parked with nothing to
// give it, there are peers to steal from, and we have not tried too
// recently.
func (s *Server) considerSteal() error {
	if s.layout.Servers < 2 || s.shuttingDown || s.syncInProgress {
		return nil
	}
	if time.Since(s.lastSteal) < stealBackoff {
		return nil
	}
	s.lastSteal = time.Now()

	// A random peer spreads the load of repeated attempts.
	peer := s.layout.Master + s.rng.Intn(s.layout.Servers)
	if peer == s.rank() {
		peer = s.layout.Master + (s.layout.ServerIndex(s.rank())+1)%s.layout.Servers
	}

	hdr := &comm.SyncHeader{
		Mode:       comm.SyncModeSteal,
		MaxMemory:  int32(s.stealBudget),
		TypeCounts: s.wq.TypeCounts(),
	}
	debug.Tracef("server[%d]: stealing from %d", s.rank(), peer)
	if err := s.sync(peer, hdr); err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil
		}
		return err
	}

	// Receive batches until the peer flags the last one.
	got := 0
	for {
		msg, err := s.tr.Recv(peer, comm.TagResponseSteal)
		if err != nil {
			return err
		}
		batch, err := comm.DecodeStealBatch(msg.Data)
		if err != nil {
			return err
		}
		for i := int32(0); i < batch.Count; i++ {
			m, err := s.tr.Recv(peer, comm.TagWorkUnit)
			if err != nil {
				return err
			}
			wu, err := comm.DecodeWorkUnitMsg(m.Data)
			if err != nil {
				return err
			}
			s.enqueue(&workqueue.WorkUnit{
				ID:          s.wq.UniqueID(),
				Type:        wu.Type,
				Putter:      wu.Putter,
				Priority:    wu.Priority,
				Answer:      wu.Answer,
				Target:      wu.Target,
				Parallelism: wu.Parallelism,
				Payload:     wu.Payload,
			})
			got++
		}
		if batch.Last {
			break
		}
	}
	debug.Logf("server[%d]: stole %d units from %d", s.rank(), got, peer)
	if got == 0 {
		return nil
	}
	return s.rematch()
}

// serveSteal answers an accepted steal sync: select units, ship them in
// batches, and drop them from our queues.
func (s *Server) serveSteal(peer int, hdr comm.SyncHeader) error {
	units := s.wq.Steal(hdr.TypeCounts, int(hdr.MaxMemory))
	debug.Logf("server[%d]: sending %d stolen units to %d", s.rank(), len(units), peer)

	for start := 0; ; start += stealBatchSize {
		end := start + stealBatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := comm.StealBatch{Count: int32(end - start), Last: end == len(units)}
		if err := s.tr.Send(peer, comm.TagResponseSteal, batch.Encode()); err != nil {
			return err
		}
		for _, wu := range units[start:end] {
			m := comm.WorkUnitMsg{
				Type:        wu.Type,
				Putter:      wu.Putter,
				Priority:    wu.Priority,
				Answer:      wu.Answer,
				Target:      wu.Target,
				Parallelism: wu.Parallelism,
				Payload:     wu.Payload,
			}
			if err := s.tr.Send(peer, comm.TagWorkUnit, m.Encode()); err != nil {
				return err
			}
		}
		if end == len(units) {
			return nil
		}
	}
}
