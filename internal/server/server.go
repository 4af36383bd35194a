// Package server implements the coordination engine that runs on each
// server rank: the RPC dispatcher and event loop, the work/request queue
// matcher, the notification engine, the deadlock-free server-to-server
// sync protocol, and work stealing.
//
// A Server is single-threaded: one goroutine owns all of its state and
// runs every handler to completion. The only suspension points are the
// transport probes in the main loop and in the sync handshake.
package server

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/data"
	"github.com/dreamware/quarry/internal/debug"
	"github.com/dreamware/quarry/internal/layout"
	"github.com/dreamware/quarry/internal/requestqueue"
	"github.com/dreamware/quarry/internal/workqueue"
)

// ErrShutdown reports that the server stopped because the cluster shut
// down.
var ErrShutdown = errors.New("server: shutdown")

// pollInterval is how long the loop sleeps when no message is pending.
const pollInterval = 200 * time.Microsecond

// defaultStealBudget bounds the payload bytes moved by one steal.
const defaultStealBudget = 1 << 20

// stealBackoff is the minimum gap between steal attempts.
const stealBackoff = 10 * time.Millisecond

// idleCheckInterval is how often an otherwise idle master polls its peers.
const idleCheckInterval = 20 * time.Millisecond

// maxPendingSyncs bounds deferred sync requests from lower-ranked
// servers; beyond it they are rejected and must retry.
const maxPendingSyncs = 1024

// Config assembles a server's collaborators.
type Config struct {
	Layout    *layout.Layout
	Transport comm.Transport

	// WorkTypes is the number of task types the cluster uses.
	WorkTypes int

	// StealBudget caps the payload bytes transferred per steal;
	// 0 selects the default.
	StealBudget int
}

type pendingSync struct {
	rank int
	hdr  comm.SyncHeader
}

type failState struct {
	failed bool
	code   int
}

// Server is the per-rank coordination engine.
type Server struct {
	layout *layout.Layout
	tr     comm.Transport
	store  *data.Store
	wq     *workqueue.Queue
	rq     *requestqueue.Queue

	ntypes      int
	stealBudget int
	rng         *rand.Rand

	// syncInProgress marks that this server is driving its own sync
	// handshake; nested syncs are not supported and remote work
	// discovered meanwhile is deferred.
	syncInProgress bool
	pendingSyncs   []pendingSync
	deferred       []func() error

	shuttingDown bool
	// workersLeft counts this server's workers that have not yet been
	// told (or told us) about shutdown.
	workersLeft int

	lastSteal    time.Time
	lastAction   time.Time
	idleAttempt  int64
	lastIdleScan time.Time

	fail failState

	handlers map[comm.Tag]func(src int, body []byte) error
}

// New creates the server engine for this rank.
func New(cfg Config) (*Server, error) {
	l := cfg.Layout
	if !l.IsServer(l.Rank) {
		return nil, fmt.Errorf("server: rank %d is not a server rank", l.Rank)
	}
	if cfg.WorkTypes <= 0 {
		return nil, fmt.Errorf("server: %d work types", cfg.WorkTypes)
	}
	budget := cfg.StealBudget
	if budget == 0 {
		budget = defaultStealBudget
	}
	s := &Server{
		layout:      l,
		tr:          cfg.Transport,
		store:       data.NewStore(l.Servers, l.ServerIndex(l.Rank)),
		wq:          workqueue.New(cfg.WorkTypes),
		rq:          requestqueue.New(cfg.WorkTypes),
		ntypes:      cfg.WorkTypes,
		stealBudget: budget,
		rng:         rand.New(rand.NewSource(int64(l.Rank) + 1)),
		workersLeft: l.MyWorkers(l.Rank),
		lastAction:  time.Now(),
	}
	s.handlers = map[comm.Tag]func(int, []byte) error{
		comm.TagPut:                s.handlePut,
		comm.TagGet:                s.handleGet,
		comm.TagIget:               s.handleIget,
		comm.TagCreate:             s.handleCreate,
		comm.TagMulticreate:        s.handleMulticreate,
		comm.TagExists:             s.handleExists,
		comm.TagStoreHeader:        s.handleStore,
		comm.TagRetrieve:           s.handleRetrieve,
		comm.TagEnumerate:          s.handleEnumerate,
		comm.TagSubscribe:          s.handleSubscribe,
		comm.TagPermanent:          s.handlePermanent,
		comm.TagRefcountIncr:       s.handleRefcountIncr,
		comm.TagGetRefcounts:       s.handleGetRefcounts,
		comm.TagInsertAtomic:       s.handleInsertAtomic,
		comm.TagUnique:             s.handleUnique,
		comm.TagTypeof:             s.handleTypeof,
		comm.TagContainerTypeof:    s.handleContainerTypeof,
		comm.TagContainerReference: s.handleContainerReference,
		comm.TagContainerSize:      s.handleContainerSize,
		comm.TagLock:               s.handleLock,
		comm.TagUnlock:             s.handleUnlock,
		comm.TagCheckIdle:          s.handleCheckIdle,
		comm.TagShutdownWorker:     s.handleShutdownWorker,
		comm.TagFail:               s.handleFail,
	}
	return s, nil
}

// pollTags is the probe order of the main loop. Shutdown and sync
// requests come first so control traffic is never starved by data
// operations.
var pollTags = []comm.Tag{
	comm.TagShutdownServer,
	comm.TagSyncRequest,
	comm.TagPut,
	comm.TagGet,
	comm.TagIget,
	comm.TagCreate,
	comm.TagMulticreate,
	comm.TagExists,
	comm.TagStoreHeader,
	comm.TagRetrieve,
	comm.TagEnumerate,
	comm.TagSubscribe,
	comm.TagPermanent,
	comm.TagRefcountIncr,
	comm.TagGetRefcounts,
	comm.TagInsertAtomic,
	comm.TagUnique,
	comm.TagTypeof,
	comm.TagContainerTypeof,
	comm.TagContainerReference,
	comm.TagContainerSize,
	comm.TagLock,
	comm.TagUnlock,
	comm.TagCheckIdle,
	comm.TagShutdownWorker,
	comm.TagFail,
}

// Serve runs the event loop until cluster shutdown. On the master server
// it returns an error carrying the first failure code any rank reported.
func (s *Server) Serve() error {
	debug.Logf("server[%d]: serving %d workers", s.rank(), s.workersLeft)
	for {
		progressed, err := s.pollOnce()
		if err != nil {
			return err
		}
		if s.shuttingDown && s.workersLeft == 0 {
			break
		}
		if !progressed {
			// Workers are parked and the loop is quiet: try to find them
			// work elsewhere before going back to sleep.
			if s.rq.Size() > 0 && !s.shuttingDown {
				if err := s.considerSteal(); err != nil {
					return err
				}
				if err := s.rematch(); err != nil {
					return err
				}
			}
			s.masterIdleCheck()
			time.Sleep(pollInterval)
		}
	}
	debug.Logf("server[%d]: stopped", s.rank())
	s.store.Finalize()
	if s.rank() == s.layout.Master && s.fail.failed {
		return fmt.Errorf("server: cluster failed with code %d", s.fail.code)
	}
	return nil
}

// pollOnce services at most one incoming message plus any deferred work,
// reporting whether anything happened.
func (s *Server) pollOnce() (bool, error) {
	if !s.syncInProgress {
		if err := s.drainDeferred(); err != nil {
			return true, err
		}
		if err := s.servePendingSyncs(); err != nil {
			return true, err
		}
	}

	for _, tag := range pollTags {
		ok, src, err := s.tr.Iprobe(comm.AnySource, tag)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		s.lastAction = time.Now()
		switch tag {
		case comm.TagShutdownServer:
			if _, err := s.tr.Recv(src, tag); err != nil {
				return true, err
			}
			s.beginShutdown()
		case comm.TagSyncRequest:
			msg, err := s.tr.Recv(src, tag)
			if err != nil {
				return true, err
			}
			hdr, err := comm.DecodeSyncHeader(msg.Data)
			if err != nil {
				return true, err
			}
			if err := s.acceptSync(src, hdr); err != nil {
				return true, err
			}
		default:
			msg, err := s.tr.Recv(src, tag)
			if err != nil {
				return true, err
			}
			if err := s.dispatch(tag, msg.Source, msg.Data); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	return false, nil
}

func (s *Server) dispatch(tag comm.Tag, src int, body []byte) error {
	h, ok := s.handlers[tag]
	if !ok {
		return fmt.Errorf("server[%d]: no handler for tag %d", s.rank(), tag)
	}
	debug.Tracef("server[%d]: tag %d from %d", s.rank(), tag, src)
	return h(src, body)
}

func (s *Server) rank() int { return s.layout.Rank }

// runOrDefer runs fn now, or queues it until the in-flight sync
// completes if running it now could require a nested sync.
func (s *Server) runOrDefer(fn func() error) error {
	if s.syncInProgress {
		s.deferred = append(s.deferred, fn)
		return nil
	}
	return fn()
}

func (s *Server) drainDeferred() error {
	for len(s.deferred) > 0 && !s.syncInProgress {
		fn := s.deferred[0]
		s.deferred = s.deferred[1:]
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// beginShutdown releases every parked worker with a shutdown response.
// The loop keeps running until the rest of this server's workers check
// in.
func (s *Server) beginShutdown() {
	if s.shuttingDown {
		return
	}
	debug.Logf("server[%d]: shutting down", s.rank())
	s.shuttingDown = true
	for _, rank := range s.rq.Drain() {
		s.sendShutdownToWorker(rank)
	}
}

func (s *Server) sendShutdownToWorker(rank int) {
	resp := comm.GetResponse{Code: comm.Shutdown}
	if err := s.tr.Send(rank, comm.TagResponseGet, resp.Encode()); err != nil {
		debug.Logf("server[%d]: shutdown to %d: %v", s.rank(), rank, err)
	}
	s.workersLeft--
}

// Failed reports whether any rank signalled a failure, and its code.
func (s *Server) Failed() (bool, int) {
	return s.fail.failed, s.fail.code
}

// Store exposes the data store for inspection in tests and tooling.
func (s *Server) Store() *data.Store { return s.store }
