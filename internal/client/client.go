// Package client is the worker-side API: thin RPC wrappers that submit
// tasks, retrieve work, and operate on the shared data store through the
// owning servers.
//
// A Client belongs to one worker goroutine and is not safe for
// concurrent use.
package client

import (
	"errors"
	"fmt"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/data"
	"github.com/dreamware/quarry/internal/layout"
	"github.com/dreamware/quarry/internal/types"
)

// PutInlineMax is the largest payload that rides inside the put header;
// larger payloads are streamed in a follow-up message.
const PutInlineMax = 1024

// ErrShutdown reports that the cluster is shutting down; the worker must
// stop issuing calls.
var ErrShutdown = errors.New("client: shutdown")

// ErrNothing reports an Iget that found no work.
var ErrNothing = errors.New("client: nothing available")

// ErrRejected reports a recoverable rejection (e.g. a double write).
var ErrRejected = errors.New("client: rejected")

// ErrNotFound reports an absent datum.
var ErrNotFound = errors.New("client: not found")

// ErrSubscriptNotFound reports an absent (or reserved, unfilled)
// subscript.
var ErrSubscriptNotFound = errors.New("client: subscript not found")

// Work is a task delivered by Get or Iget.
type Work struct {
	Type    int32
	Answer  int32
	Payload []byte
	// Team is the full rank list of a parallel task, nil for
	// single-process tasks. The workers form their own communication
	// group from it.
	Team []int
}

// Client issues RPCs from one worker rank.
type Client struct {
	l  *layout.Layout
	tr comm.Transport

	myServer    int
	uniqueRR    int
	gotShutdown bool
}

// New creates the client for this worker rank.
func New(l *layout.Layout, tr comm.Transport) *Client {
	return &Client{l: l, tr: tr, myServer: l.HomeServer(l.Rank)}
}

func codeErr(dc comm.DataCode) error {
	switch dc {
	case comm.DataSuccess:
		return nil
	case comm.DataNotFound:
		return ErrNotFound
	case comm.DataSubscriptNotFound:
		return ErrSubscriptNotFound
	case comm.DataDoubleWrite:
		return ErrRejected
	}
	return fmt.Errorf("client: data error %d", dc)
}

// call sends one request and returns the TagResponse reply body.
func (c *Client) call(server int, tag comm.Tag, body []byte) ([]byte, error) {
	if err := c.tr.Send(server, tag, body); err != nil {
		return nil, err
	}
	msg, err := c.tr.Recv(server, comm.TagResponse)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Put submits a task. target is comm.RankAny or a specific worker rank;
// parallelism > 1 asks for a worker team. The call returns once the
// server has accepted the task (and, on the redirect path, once the
// payload has been handed to the matched worker).
func (c *Client) Put(payload []byte, target int, answer int, typ int32, priority int32, parallelism int32) error {
	if c.gotShutdown {
		return ErrShutdown
	}
	toServer := c.myServer
	if target != comm.RankAny {
		toServer = c.l.HomeServer(target)
	}

	h := comm.PutHeader{
		Type:        typ,
		Priority:    priority,
		Putter:      int32(c.l.Rank),
		Answer:      int32(answer),
		Target:      int32(target),
		Length:      int32(len(payload)),
		Parallelism: parallelism,
	}
	if len(payload) <= PutInlineMax {
		h.HasInline = true
		h.Inline = payload
	}
	if err := c.tr.Send(toServer, comm.TagPut, h.Encode()); err != nil {
		return err
	}
	msg, err := c.tr.Recv(toServer, comm.TagResponsePut)
	if err != nil {
		return err
	}
	resp, err := comm.DecodeI32(msg.Data)
	if err != nil {
		return err
	}
	if comm.Code(resp) == comm.Rejected {
		return ErrRejected
	}
	if h.HasInline {
		if comm.Code(resp) != comm.Success {
			return fmt.Errorf("client: put failed: %d", resp)
		}
		return nil
	}
	// Streaming path: the response names the payload destination, either
	// the server or a redirected worker. The synchronous send pairs with
	// the receiver's posted receive, keeping per-(putter, target) order.
	dest := int(resp)
	if dest == comm.RankNull || dest < 0 {
		return fmt.Errorf("client: put failed: no payload destination (%d)", resp)
	}
	return c.tr.SSend(dest, comm.TagWork, payload)
}

// Get blocks until the home server delivers a task (or shutdown).
func (c *Client) Get(typeRequested int32) (Work, error) {
	if c.gotShutdown {
		return Work{}, ErrShutdown
	}
	if err := c.tr.Send(c.myServer, comm.TagGet, comm.EncodeI32(typeRequested)); err != nil {
		return Work{}, err
	}
	return c.recvWork()
}

// Iget asks for a task without waiting: ErrNothing when none is queued.
func (c *Client) Iget(typeRequested int32) (Work, error) {
	if c.gotShutdown {
		return Work{}, ErrShutdown
	}
	if err := c.tr.Send(c.myServer, comm.TagIget, comm.EncodeI32(typeRequested)); err != nil {
		return Work{}, err
	}
	return c.recvWork()
}

func (c *Client) recvWork() (Work, error) {
	msg, err := c.tr.Recv(c.myServer, comm.TagResponseGet)
	if err != nil {
		return Work{}, err
	}
	g, err := comm.DecodeGetResponse(msg.Data)
	if err != nil {
		return Work{}, err
	}
	switch g.Code {
	case comm.Shutdown:
		c.gotShutdown = true
		return Work{}, ErrShutdown
	case comm.Nothing:
		return Work{}, ErrNothing
	case comm.Success:
	default:
		return Work{}, fmt.Errorf("client: get failed: %d", g.Code)
	}

	payload, err := c.tr.Recv(int(g.PayloadSource), comm.TagWork)
	if err != nil {
		return Work{}, err
	}
	w := Work{Type: g.Type, Answer: g.AnswerRank, Payload: payload.Data}
	if g.Parallelism > 1 {
		list, err := c.tr.Recv(c.myServer, comm.TagResponseGet)
		if err != nil {
			return Work{}, err
		}
		if len(list.Data)%4 != 0 || len(list.Data)/4 != int(g.Parallelism) {
			return Work{}, fmt.Errorf("client: bad team list (%d bytes for x%d)",
				len(list.Data), g.Parallelism)
		}
		for i := 0; i < int(g.Parallelism); i++ {
			r, _ := comm.DecodeI32(list.Data[i*4:])
			w.Team = append(w.Team, int(r))
		}
	}
	return w, nil
}

// Create declares a datum. With id data.NullID the home server allocates
// one; the allocated id is returned.
func (c *Client) Create(id int64, typ types.DataType, extra types.Extra, props comm.CreateProps) (int64, error) {
	server := c.myServer
	if id != data.NullID {
		server = c.l.Locate(id)
	}
	req := comm.CreateRequest{
		ID:         id,
		Type:       int32(typ),
		ExtraValid: extra.Valid,
		KeyType:    int32(extra.KeyType),
		ValType:    int32(extra.ValType),
		StructTag:  extra.StructTag,
		Props:      props,
	}
	body, err := c.call(server, comm.TagCreate, req.Encode())
	if err != nil {
		return data.NullID, err
	}
	resp, err := comm.DecodeCreateResponse(body)
	if err != nil {
		return data.NullID, err
	}
	if err := codeErr(resp.DC); err != nil {
		return data.NullID, err
	}
	return resp.ID, nil
}

// Multicreate allocates and creates a batch of datums on the home
// server, returning their ids in order.
func (c *Client) Multicreate(reqs []comm.CreateRequest) ([]int64, error) {
	var body []byte
	for i := range reqs {
		body = append(body, reqs[i].Encode()...)
	}
	resp, err := c.call(c.myServer, comm.TagMulticreate, body)
	if err != nil {
		return nil, err
	}
	if len(resp) != 8*len(reqs) {
		return nil, fmt.Errorf("client: multicreate returned %d bytes for %d specs", len(resp), len(reqs))
	}
	ids := make([]int64, len(reqs))
	for i := range ids {
		ids[i], _ = comm.DecodeI64(resp[i*8:])
		if ids[i] == data.NullID {
			return nil, fmt.Errorf("client: multicreate spec %d failed", i)
		}
	}
	return ids, nil
}

// Store writes a value (optionally under a subscript), applying decr to
// the datum and acquiring storeRefs on the value's referands.
func (c *Client) Store(id int64, sub []byte, typ types.DataType, payload []byte,
	decr, storeRefs comm.Refcounts) error {
	server := c.l.Locate(id)
	h := comm.StoreHeader{
		ID:        id,
		Type:      int32(typ),
		Decr:      decr,
		StoreRefs: storeRefs,
		SubLen:    int32(len(sub)),
	}
	if err := c.tr.Send(server, comm.TagStoreHeader, h.Encode()); err != nil {
		return err
	}
	if len(sub) > 0 {
		if err := c.tr.Send(server, comm.TagStoreSubscript, sub); err != nil {
			return err
		}
	}
	if err := c.tr.Send(server, comm.TagStorePayload, payload); err != nil {
		return err
	}
	msg, err := c.tr.Recv(server, comm.TagResponse)
	if err != nil {
		return err
	}
	resp, err := comm.DecodeStoreResponse(msg.Data)
	if err != nil {
		return err
	}
	return codeErr(resp.DC)
}

// Retrieve reads a datum or one subscript of it.
func (c *Client) Retrieve(id int64, sub []byte, plan comm.RetrievePlan) (types.DataType, []byte, error) {
	server := c.l.Locate(id)
	req := comm.RetrieveRequest{ID: id, Plan: plan, Sub: sub}
	body, err := c.call(server, comm.TagRetrieve, req.Encode())
	if err != nil {
		return types.TypeNull, nil, err
	}
	resp, err := comm.DecodeRetrieveResponse(body)
	if err != nil {
		return types.TypeNull, nil, err
	}
	if err := codeErr(resp.DC); err != nil {
		return types.TypeNull, nil, err
	}
	payload, err := c.tr.Recv(server, comm.TagResponse)
	if err != nil {
		return types.TypeNull, nil, err
	}
	return types.DataType(resp.Type), payload.Data, nil
}

// Enumerate fetches a packed slice of a container or multiset.
func (c *Client) Enumerate(id int64, count, offset int, includeKeys, includeVals bool,
	decr comm.Refcounts) (records int, packed []byte, keyType, valType types.DataType, err error) {
	server := c.l.Locate(id)
	req := comm.EnumerateRequest{
		ID:          id,
		IncludeKeys: includeKeys,
		IncludeVals: includeVals,
		Count:       int32(count),
		Offset:      int32(offset),
		Decr:        decr,
	}
	body, err := c.call(server, comm.TagEnumerate, req.Encode())
	if err != nil {
		return 0, nil, types.TypeNull, types.TypeNull, err
	}
	resp, err := comm.DecodeEnumerateResponse(body)
	if err != nil {
		return 0, nil, types.TypeNull, types.TypeNull, err
	}
	if err := codeErr(resp.DC); err != nil {
		return 0, nil, types.TypeNull, types.TypeNull, err
	}
	if req.IncludeKeys || req.IncludeVals {
		msg, err := c.tr.Recv(server, comm.TagResponse)
		if err != nil {
			return 0, nil, types.TypeNull, types.TypeNull, err
		}
		packed = msg.Data
	}
	return int(resp.Records), packed, types.DataType(resp.KeyType), types.DataType(resp.ValType), nil
}

// Subscribe registers this rank for a close (or insert) notification.
// It reports false when the datum is already closed.
func (c *Client) Subscribe(id int64, sub []byte, workType int32) (bool, error) {
	server := c.l.Locate(id)
	req := comm.SubscribeRequest{WorkType: workType, ID: id, Sub: sub}
	body, err := c.call(server, comm.TagSubscribe, req.Encode())
	if err != nil {
		return false, err
	}
	resp, err := comm.DecodeSubscribeResponse(body)
	if err != nil {
		return false, err
	}
	return resp.Subscribed, codeErr(resp.DC)
}

// ContainerReference binds container[sub] to be stored into refID when
// it is filled.
func (c *Client) ContainerReference(id int64, sub []byte, refID int64, refType types.DataType) error {
	server := c.l.Locate(id)
	req := comm.ContainerRefRequest{RefType: int32(refType), ID: id, Sub: sub, RefID: refID}
	body, err := c.call(server, comm.TagContainerReference, req.Encode())
	if err != nil {
		return err
	}
	resp, err := comm.DecodeBoolResponse(body)
	if err != nil {
		return err
	}
	return codeErr(resp.DC)
}

// ContainerSize returns the number of entries in a container or
// multiset.
func (c *Client) ContainerSize(id int64, decr comm.Refcounts) (int, error) {
	server := c.l.Locate(id)
	req := comm.ContainerSizeRequest{ID: id, Decr: decr}
	body, err := c.call(server, comm.TagContainerSize, req.Encode())
	if err != nil {
		return -1, err
	}
	size, err := comm.DecodeI32(body)
	if err != nil {
		return -1, err
	}
	if size < 0 {
		return -1, fmt.Errorf("client: container size of <%d> failed", id)
	}
	return int(size), nil
}

// RefcountIncr adjusts a datum's counters by signed deltas.
func (c *Client) RefcountIncr(id int64, change comm.Refcounts) error {
	if change.IsZero() {
		return nil
	}
	server := c.l.Locate(id)
	req := comm.RefcountRequest{ID: id, Change: change}
	body, err := c.call(server, comm.TagRefcountIncr, req.Encode())
	if err != nil {
		return err
	}
	resp, err := comm.DecodeRefcountResponse(body)
	if err != nil {
		return err
	}
	return codeErr(resp.DC)
}

// GetRefcounts reads a datum's counters, optionally decrementing.
func (c *Client) GetRefcounts(id int64, decr comm.Refcounts) (comm.Refcounts, error) {
	server := c.l.Locate(id)
	req := comm.GetRefcountsRequest{ID: id, Decr: decr}
	body, err := c.call(server, comm.TagGetRefcounts, req.Encode())
	if err != nil {
		return comm.Refcounts{}, err
	}
	resp, err := comm.DecodeGetRefcountsResponse(body)
	if err != nil {
		return comm.Refcounts{}, err
	}
	return resp.Refcounts, codeErr(resp.DC)
}

// InsertAtomic reserves container[sub]; exactly one racing caller
// observes created. When returnValue is set and the key already holds a
// value, the value comes back too.
func (c *Client) InsertAtomic(id int64, sub []byte, returnValue bool) (created, valuePresent bool,
	value []byte, valType types.DataType, err error) {
	server := c.l.Locate(id)
	req := comm.InsertAtomicRequest{ID: id, Sub: sub, ReturnValue: returnValue}
	body, err := c.call(server, comm.TagInsertAtomic, req.Encode())
	if err != nil {
		return false, false, nil, types.TypeNull, err
	}
	resp, err := comm.DecodeInsertAtomicResponse(body)
	if err != nil {
		return false, false, nil, types.TypeNull, err
	}
	if err := codeErr(resp.DC); err != nil {
		return false, false, nil, types.TypeNull, err
	}
	if resp.ValueLen >= 0 {
		msg, err := c.tr.Recv(server, comm.TagResponse)
		if err != nil {
			return false, false, nil, types.TypeNull, err
		}
		value = msg.Data
	}
	return resp.Created, resp.ValuePresent, value, types.DataType(resp.ValueType), nil
}

// Exists checks presence of a datum or container key.
func (c *Client) Exists(id int64, sub []byte, decr comm.Refcounts) (bool, error) {
	server := c.l.Locate(id)
	req := comm.ExistsRequest{ID: id, Sub: sub, Decr: decr}
	body, err := c.call(server, comm.TagExists, req.Encode())
	if err != nil {
		return false, err
	}
	resp, err := comm.DecodeBoolResponse(body)
	if err != nil {
		return false, err
	}
	return resp.Result, codeErr(resp.DC)
}

// Typeof returns a datum's type.
func (c *Client) Typeof(id int64) (types.DataType, error) {
	body, err := c.call(c.l.Locate(id), comm.TagTypeof, comm.EncodeI64(id))
	if err != nil {
		return types.TypeNull, err
	}
	resp, err := comm.DecodeTypeofResponse(body)
	if err != nil {
		return types.TypeNull, err
	}
	if resp.Types[0] < 0 {
		return types.TypeNull, ErrNotFound
	}
	return types.DataType(resp.Types[0]), nil
}

// ContainerTypeof returns a container's key and value types.
func (c *Client) ContainerTypeof(id int64) (keyType, valType types.DataType, err error) {
	body, err := c.call(c.l.Locate(id), comm.TagContainerTypeof, comm.EncodeI64(id))
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	resp, err := comm.DecodeTypeofResponse(body)
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	if resp.Types[0] < 0 || resp.Types[1] < 0 {
		return types.TypeNull, types.TypeNull, ErrNotFound
	}
	return types.DataType(resp.Types[0]), types.DataType(resp.Types[1]), nil
}

// Permanent marks a datum permanent.
func (c *Client) Permanent(id int64) error {
	body, err := c.call(c.l.Locate(id), comm.TagPermanent, comm.EncodeI64(id))
	if err != nil {
		return err
	}
	resp, err := comm.DecodeBoolResponse(body)
	if err != nil {
		return err
	}
	return codeErr(resp.DC)
}

// Unique allocates a fresh datum id, round-robining across servers.
func (c *Client) Unique() (int64, error) {
	server := c.l.Master + c.uniqueRR%c.l.Servers
	c.uniqueRR++
	body, err := c.call(server, comm.TagUnique, nil)
	if err != nil {
		return data.NullID, err
	}
	id, err := comm.DecodeI64(body)
	if err != nil {
		return data.NullID, err
	}
	if id == data.NullID {
		return data.NullID, fmt.Errorf("client: id space exhausted")
	}
	return id, nil
}

// Lock attempts the advisory lock on a datum: false means try again.
func (c *Client) Lock(id int64) (bool, error) {
	body, err := c.call(c.l.Locate(id), comm.TagLock, comm.EncodeI64(id))
	if err != nil {
		return false, err
	}
	if len(body) != 1 || body[0] == 'x' {
		return false, fmt.Errorf("client: lock of <%d> failed", id)
	}
	return body[0] == '1', nil
}

// Unlock releases the advisory lock.
func (c *Client) Unlock(id int64) error {
	body, err := c.call(c.l.Locate(id), comm.TagUnlock, comm.EncodeI64(id))
	if err != nil {
		return err
	}
	if len(body) != 1 || body[0] != '1' {
		return fmt.Errorf("client: unlock of <%d> failed", id)
	}
	return nil
}

// Fail broadcasts a non-recoverable failure code to the master server;
// the cluster will exit with it.
func (c *Client) Fail(code int) error {
	return c.tr.Send(c.l.Master, comm.TagFail, comm.EncodeI32(int32(code)))
}

// Finalize tells the home server this worker is done. A worker that
// already received a shutdown code skips the message.
func (c *Client) Finalize() error {
	if c.gotShutdown {
		return nil
	}
	c.gotShutdown = true
	return c.tr.Send(c.myServer, comm.TagShutdownWorker, nil)
}
