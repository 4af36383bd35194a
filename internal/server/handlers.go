package server

import (
	"fmt"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/data"
	"github.com/dreamware/quarry/internal/debug"
	"github.com/dreamware/quarry/internal/types"
	"github.com/dreamware/quarry/internal/workqueue"
)

// handlePut accepts a task from a putter (worker or peer server). On a
// request-queue hit the task is redirected: the payload goes straight to
// the matched worker and never enters the work queue. On a miss the task
// is enqueued, with the payload either inline or collected in a
// follow-up WORK message.
func (s *Server) handlePut(src int, body []byte) error {
	h, err := comm.DecodePutHeader(body)
	if err != nil {
		return err
	}
	if err := s.validatePut(h); err != nil {
		debug.Logf("server[%d]: rejecting put from %d: %v", s.rank(), src, err)
		return s.tr.Send(src, comm.TagResponsePut, comm.EncodeI32(int32(comm.Error)))
	}

	if h.Parallelism == 1 {
		if worker, ok := s.matchRequest(h.Target, h.Type); ok {
			return s.redirectPut(src, h, worker)
		}
	}

	// Miss: collect the payload, then enqueue.
	payload := h.Inline
	if !h.HasInline {
		// Tell the putter to stream the payload here.
		if err := s.tr.Send(src, comm.TagResponsePut, comm.EncodeI32(int32(s.rank()))); err != nil {
			return err
		}
		msg, err := s.tr.Recv(src, comm.TagWork)
		if err != nil {
			return err
		}
		payload = msg.Data
	} else {
		if err := s.tr.Send(src, comm.TagResponsePut, comm.EncodeI32(int32(comm.Success))); err != nil {
			return err
		}
	}

	s.enqueue(&workqueue.WorkUnit{
		ID:          s.wq.UniqueID(),
		Type:        h.Type,
		Putter:      h.Putter,
		Priority:    h.Priority,
		Answer:      h.Answer,
		Target:      h.Target,
		Parallelism: h.Parallelism,
		Payload:     payload,
	})
	return s.matchParallel()
}

func (s *Server) validatePut(h comm.PutHeader) error {
	if h.Type < 0 || int(h.Type) >= s.ntypes {
		return fmt.Errorf("invalid work type %d", h.Type)
	}
	if h.Target != comm.RankAny && (h.Target < 0 || int(h.Target) >= s.layout.Workers) {
		return fmt.Errorf("invalid target %d", h.Target)
	}
	if h.Parallelism < 1 {
		return fmt.Errorf("invalid parallelism %d", h.Parallelism)
	}
	return nil
}

// matchRequest finds a parked worker for an incoming task.
func (s *Server) matchRequest(target, typ int32) (int, bool) {
	if target != comm.RankAny {
		if s.rq.MatchTarget(int(target), typ) {
			return int(target), true
		}
		return 0, false
	}
	return s.rq.MatchType(typ)
}

// redirectPut couples an incoming task with an already parked worker.
// With an inline payload the server forwards it; otherwise it answers
// the putter with the worker's rank and the putter streams the payload
// directly, using a synchronous send against the worker's posted
// receive.
func (s *Server) redirectPut(src int, h comm.PutHeader, worker int) error {
	source := int32(s.rank())
	if !h.HasInline {
		source = h.Putter
	}
	resp := comm.GetResponse{
		Code:          comm.Success,
		Length:        h.Length,
		AnswerRank:    h.Answer,
		Type:          h.Type,
		PayloadSource: source,
		Parallelism:   1,
	}
	if err := s.tr.Send(worker, comm.TagResponseGet, resp.Encode()); err != nil {
		return err
	}
	if h.HasInline {
		if err := s.tr.Send(worker, comm.TagWork, h.Inline); err != nil {
			return err
		}
		return s.tr.Send(src, comm.TagResponsePut, comm.EncodeI32(int32(comm.Success)))
	}
	// The putter streams the payload to the worker.
	return s.tr.Send(src, comm.TagResponsePut, comm.EncodeI32(int32(worker)))
}

// enqueue adds a unit to the work queue.
func (s *Server) enqueue(wu *workqueue.WorkUnit) {
	debug.Tracef("server[%d]: enqueue type %d target %d prio %d", s.rank(), wu.Type, wu.Target, wu.Priority)
	s.wq.Add(wu)
}

// sendWork delivers a queued unit (payload held by this server) to a
// worker.
func (s *Server) sendWork(worker int, wu *workqueue.WorkUnit, parallelism int32) error {
	resp := comm.GetResponse{
		Code:          comm.Success,
		Length:        int32(len(wu.Payload)),
		AnswerRank:    wu.Answer,
		Type:          wu.Type,
		PayloadSource: int32(s.rank()),
		Parallelism:   parallelism,
	}
	if err := s.tr.Send(worker, comm.TagResponseGet, resp.Encode()); err != nil {
		return err
	}
	return s.tr.Send(worker, comm.TagWork, wu.Payload)
}

// handleGet parks the worker when nothing matches; the response is
// completed later by a put, stolen work, or shutdown.
func (s *Server) handleGet(src int, body []byte) error {
	typ, err := comm.DecodeI32(body)
	if err != nil {
		return err
	}
	if s.shuttingDown {
		s.sendShutdownToWorker(src)
		return nil
	}
	if typ < 0 || int(typ) >= s.ntypes {
		resp := comm.GetResponse{Code: comm.Error}
		return s.tr.Send(src, comm.TagResponseGet, resp.Encode())
	}

	if wu := s.wq.Get(src, typ); wu != nil {
		return s.sendWork(src, wu, 1)
	}

	s.rq.Add(src, typ)
	if err := s.matchParallel(); err != nil {
		return err
	}
	if s.rq.Contains(src) {
		return s.considerSteal()
	}
	return nil
}

// handleIget answers immediately: a matching unit or Nothing.
func (s *Server) handleIget(src int, body []byte) error {
	typ, err := comm.DecodeI32(body)
	if err != nil {
		return err
	}
	if s.shuttingDown {
		s.sendShutdownToWorker(src)
		return nil
	}
	if typ >= 0 && int(typ) < s.ntypes {
		if wu := s.wq.Get(src, typ); wu != nil {
			return s.sendWork(src, wu, 1)
		}
	}
	resp := comm.GetResponse{Code: comm.Nothing}
	return s.tr.Send(src, comm.TagResponseGet, resp.Encode())
}

// matchParallel releases parallel tasks whose worker demand is now met.
// Every selected rank receives the descriptor, the payload, and the full
// team rank list; forming a communicator from it is the workers'
// business.
func (s *Server) matchParallel() error {
	for {
		wu := s.wq.PopParallel(func(typ, parallelism int32) bool {
			return s.rq.CountType(typ) >= int(parallelism)
		})
		if wu == nil {
			return nil
		}
		ranks, ok := s.rq.ParallelWorkers(wu.Type, int(wu.Parallelism))
		if !ok {
			// Raced with nothing: the ready callback just said yes.
			return fmt.Errorf("server[%d]: parallel workers vanished", s.rank())
		}
		debug.Logf("server[%d]: releasing parallel task x%d to %v", s.rank(), wu.Parallelism, ranks)
		list := encodeRankList(ranks)
		for _, r := range ranks {
			if err := s.sendWork(r, wu, wu.Parallelism); err != nil {
				return err
			}
			if err := s.tr.Send(r, comm.TagResponseGet, list); err != nil {
				return err
			}
		}
	}
}

func encodeRankList(ranks []int) []byte {
	out := make([]byte, 0, 4*len(ranks))
	for _, r := range ranks {
		out = append(out, comm.EncodeI32(int32(r))...)
	}
	return out
}

// rematch pairs parked requests with queued work; used after a steal
// lands new units.
func (s *Server) rematch() error {
	for _, req := range s.rq.Parked() {
		wu := s.wq.Get(req.Rank, req.Type)
		if wu == nil {
			continue
		}
		if !s.rq.Remove(req.Rank) {
			continue
		}
		if err := s.sendWork(req.Rank, wu, 1); err != nil {
			return err
		}
	}
	return s.matchParallel()
}

// --- Data operations ---

func (s *Server) handleCreate(src int, body []byte) error {
	req, err := comm.DecodeCreateRequest(body)
	if err != nil {
		return err
	}
	id := req.ID
	var cerr error
	if id == data.NullID {
		id, cerr = s.store.Unique()
	}
	if cerr == nil {
		extra := types.Extra{
			Valid:     req.ExtraValid,
			KeyType:   types.DataType(req.KeyType),
			ValType:   types.DataType(req.ValType),
			StructTag: req.StructTag,
		}
		cerr = s.store.Create(id, types.DataType(req.Type), extra, req.Props)
	}
	resp := comm.CreateResponse{DC: data.CodeOf(cerr), ID: id}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleMulticreate(src int, body []byte) error {
	var ids []byte
	for len(body) > 0 {
		n := len((&comm.CreateRequest{}).Encode())
		if len(body) < n {
			return fmt.Errorf("server[%d]: short multicreate body", s.rank())
		}
		req, err := comm.DecodeCreateRequest(body[:n])
		if err != nil {
			return err
		}
		body = body[n:]

		id, cerr := s.store.Unique()
		if cerr == nil {
			extra := types.Extra{
				Valid:     req.ExtraValid,
				KeyType:   types.DataType(req.KeyType),
				ValType:   types.DataType(req.ValType),
				StructTag: req.StructTag,
			}
			cerr = s.store.Create(id, types.DataType(req.Type), extra, req.Props)
		}
		if cerr != nil {
			id = data.NullID
		}
		ids = append(ids, comm.EncodeI64(id)...)
	}
	return s.tr.Send(src, comm.TagResponse, ids)
}

func (s *Server) handleExists(src int, body []byte) error {
	req, err := comm.DecodeExistsRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	exists, derr := s.store.Exists(req.ID, req.Sub)
	if derr == nil && !req.Decr.IsZero() {
		_, _, derr = s.store.RefcountChange(req.ID,
			comm.Refcounts{Read: -req.Decr.Read, Write: -req.Decr.Write}, false, &n)
	}
	resp := comm.BoolResponse{DC: data.CodeOf(derr), Result: exists}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	return s.notify(req.ID, nil, types.TypeNull, nil, &n)
}

func (s *Server) handleStore(src int, body []byte) error {
	h, err := comm.DecodeStoreHeader(body)
	if err != nil {
		return err
	}
	var sub []byte
	if h.SubLen > 0 {
		msg, err := s.tr.Recv(src, comm.TagStoreSubscript)
		if err != nil {
			return err
		}
		sub = msg.Data
	}
	msg, err := s.tr.Recv(src, comm.TagStorePayload)
	if err != nil {
		return err
	}

	var n data.Notifications
	derr := s.store.Store(h.ID, sub, types.DataType(h.Type), msg.Data, h.Decr, h.StoreRefs, &n)
	resp := comm.StoreResponse{DC: data.CodeOf(derr)}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if derr != nil {
		return nil
	}
	return s.notify(h.ID, sub, types.DataType(h.Type), msg.Data, &n)
}

func (s *Server) handleRetrieve(src int, body []byte) error {
	req, err := comm.DecodeRetrieveRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	typ, payload, derr := s.store.Retrieve(req.ID, req.Sub, req.Plan, &n)
	resp := comm.RetrieveResponse{DC: data.CodeOf(derr), Type: int32(typ), Length: int32(len(payload))}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if derr != nil {
		return nil
	}
	if err := s.tr.Send(src, comm.TagResponse, payload); err != nil {
		return err
	}
	return s.notify(req.ID, req.Sub, types.TypeNull, nil, &n)
}

func (s *Server) handleEnumerate(src int, body []byte) error {
	req, err := comm.DecodeEnumerateRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	records, out, keyType, valType, derr := s.store.Enumerate(req.ID,
		int(req.Count), int(req.Offset), req.IncludeKeys, req.IncludeVals, req.Decr, &n)
	resp := comm.EnumerateResponse{
		DC:      data.CodeOf(derr),
		Records: int32(records),
		Length:  int32(len(out)),
		KeyType: int32(keyType),
		ValType: int32(valType),
	}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if derr != nil {
		return nil
	}
	if req.IncludeKeys || req.IncludeVals {
		if err := s.tr.Send(src, comm.TagResponse, out); err != nil {
			return err
		}
	}
	return s.notify(req.ID, nil, types.TypeNull, nil, &n)
}

func (s *Server) handleSubscribe(src int, body []byte) error {
	req, err := comm.DecodeSubscribeRequest(body)
	if err != nil {
		return err
	}
	subscribed, derr := s.store.Subscribe(req.ID, req.Sub, src)
	resp := comm.SubscribeResponse{DC: data.CodeOf(derr), Subscribed: subscribed}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

func (s *Server) handlePermanent(src int, body []byte) error {
	id, err := comm.DecodeI64(body)
	if err != nil {
		return err
	}
	derr := s.store.Permanent(id)
	resp := comm.BoolResponse{DC: data.CodeOf(derr), Result: derr == nil}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleRefcountIncr(src int, body []byte) error {
	req, err := comm.DecodeRefcountRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	_, _, derr := s.store.RefcountChange(req.ID, req.Change, false, &n)
	resp := comm.RefcountResponse{DC: data.CodeOf(derr)}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if derr != nil {
		return nil
	}
	return s.notify(req.ID, nil, types.TypeNull, nil, &n)
}

func (s *Server) handleGetRefcounts(src int, body []byte) error {
	req, err := comm.DecodeGetRefcountsRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	rc, derr := s.store.Refcounts(req.ID)
	if derr == nil && !req.Decr.IsZero() {
		_, _, derr = s.store.RefcountChange(req.ID,
			comm.Refcounts{Read: -req.Decr.Read, Write: -req.Decr.Write}, false, &n)
	}
	resp := comm.GetRefcountsResponse{DC: data.CodeOf(derr), Refcounts: rc}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	return s.notify(req.ID, nil, types.TypeNull, nil, &n)
}

func (s *Server) handleInsertAtomic(src int, body []byte) error {
	req, err := comm.DecodeInsertAtomicRequest(body)
	if err != nil {
		return err
	}
	created, present, valType, value, derr := s.store.InsertAtomic(req.ID, req.Sub, req.ReturnValue)
	resp := comm.InsertAtomicResponse{
		DC:           data.CodeOf(derr),
		Created:      created,
		ValuePresent: present,
		ValueLen:     -1,
		ValueType:    int32(valType),
	}
	if req.ReturnValue && present && derr == nil {
		resp.ValueLen = int32(len(value))
	}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if resp.ValueLen >= 0 {
		return s.tr.Send(src, comm.TagResponse, value)
	}
	return nil
}

func (s *Server) handleUnique(src int, _ []byte) error {
	id, err := s.store.Unique()
	if err != nil {
		id = data.NullID
	}
	return s.tr.Send(src, comm.TagResponse, comm.EncodeI64(id))
}

func (s *Server) handleTypeof(src int, body []byte) error {
	id, err := comm.DecodeI64(body)
	if err != nil {
		return err
	}
	resp := comm.TypeofResponse{Types: [2]int32{-1, -1}}
	if typ, derr := s.store.Typeof(id); derr == nil {
		resp.Types[0] = int32(typ)
	}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleContainerTypeof(src int, body []byte) error {
	id, err := comm.DecodeI64(body)
	if err != nil {
		return err
	}
	resp := comm.TypeofResponse{Types: [2]int32{-1, -1}}
	if keyType, valType, derr := s.store.ContainerTypeof(id); derr == nil {
		resp.Types[0] = int32(keyType)
		resp.Types[1] = int32(valType)
	}
	return s.tr.Send(src, comm.TagResponse, resp.Encode())
}

// handleContainerReference binds the promise, or, when the value is
// already present, performs the reference write itself and releases the
// read refcount the registration would have consumed.
func (s *Server) handleContainerReference(src int, body []byte) error {
	req, err := comm.DecodeContainerRefRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	valType, value, derr := s.store.ContainerReference(req.ID, req.Sub, req.RefID, types.DataType(req.RefType), &n)
	resp := comm.BoolResponse{DC: data.CodeOf(derr), Result: derr == nil}
	if err := s.tr.Send(src, comm.TagResponse, resp.Encode()); err != nil {
		return err
	}
	if derr != nil || value == nil {
		return nil
	}
	// Value already present: set the reference now and consume the read
	// refcount the bucket would have held.
	if err := s.runOrDefer(func() error { return s.writeRef(req.RefID, valType, value) }); err != nil {
		return err
	}
	var n2 data.Notifications
	if _, _, derr := s.store.RefcountChange(req.ID, comm.Refcounts{Read: -1}, false, &n2); derr != nil {
		return derr
	}
	return s.notify(req.ID, req.Sub, types.TypeNull, nil, &n2)
}

func (s *Server) handleContainerSize(src int, body []byte) error {
	req, err := comm.DecodeContainerSizeRequest(body)
	if err != nil {
		return err
	}
	var n data.Notifications
	size, derr := s.store.ContainerSize(req.ID, req.Decr, &n)
	if derr != nil {
		size = -1
	}
	if err := s.tr.Send(src, comm.TagResponse, comm.EncodeI32(int32(size))); err != nil {
		return err
	}
	return s.notify(req.ID, nil, types.TypeNull, nil, &n)
}

func (s *Server) handleLock(src int, body []byte) error {
	id, err := comm.DecodeI64(body)
	if err != nil {
		return err
	}
	got, derr := s.store.Lock(id, src)
	c := byte('x')
	if derr == nil {
		if got {
			c = '1'
		} else {
			c = '0'
		}
	}
	return s.tr.Send(src, comm.TagResponse, []byte{c})
}

func (s *Server) handleUnlock(src int, body []byte) error {
	id, err := comm.DecodeI64(body)
	if err != nil {
		return err
	}
	c := byte('1')
	if derr := s.store.Unlock(id); derr != nil {
		c = 'x'
	}
	return s.tr.Send(src, comm.TagResponse, []byte{c})
}

func (s *Server) handleShutdownWorker(src int, _ []byte) error {
	debug.Logf("server[%d]: worker %d shut down", s.rank(), src)
	s.rq.Remove(src)
	s.workersLeft--
	return nil
}

func (s *Server) handleFail(src int, body []byte) error {
	code, err := comm.DecodeI32(body)
	if err != nil {
		return err
	}
	debug.Logf("server[%d]: FAIL(%d) from rank %d", s.rank(), code, src)
	if !s.fail.failed {
		s.fail = failState{failed: true, code: int(code)}
	}
	if s.rank() == s.layout.Master {
		s.beginShutdown()
		return s.broadcastShutdown()
	}
	// Relay to the master.
	return s.tr.Send(s.layout.Master, comm.TagFail, comm.EncodeI32(code))
}
