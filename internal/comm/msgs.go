package comm

import (
	"encoding/binary"
	"fmt"
)

// Message bodies are fixed structs, tightly packed little-endian with
// explicit sizes; variable parts (subscripts, inline payloads, count
// vectors) trail the fixed part. The wbuf/rbuf helpers below keep the
// per-message codecs short.

type wbuf struct{ b []byte }

func (w *wbuf) i32(v int32)    { w.b = binary.LittleEndian.AppendUint32(w.b, uint32(v)) }
func (w *wbuf) i64(v int64)    { w.b = binary.LittleEndian.AppendUint64(w.b, uint64(v)) }
func (w *wbuf) bytes(p []byte) { w.b = append(w.b, p...) }

func (w *wbuf) bool(v bool) {
	if v {
		w.b = append(w.b, 1)
	} else {
		w.b = append(w.b, 0)
	}
}

type rbuf struct {
	b   []byte
	pos int
	err error
}

func (r *rbuf) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("message truncated at byte %d of %d", r.pos, len(r.b))
	}
}

func (r *rbuf) i32() int32 {
	if r.err != nil || r.pos+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v
}

func (r *rbuf) i64() int64 {
	if r.err != nil || r.pos+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v
}

func (r *rbuf) bool() bool {
	if r.err != nil || r.pos+1 > len(r.b) {
		r.fail()
		return false
	}
	v := r.b[r.pos] != 0
	r.pos++
	return v
}

func (r *rbuf) bytes(n int) []byte {
	if n < 0 || r.err != nil || r.pos+n > len(r.b) {
		r.fail()
		return nil
	}
	p := r.b[r.pos : r.pos+n]
	r.pos += n
	return p
}

func (r *rbuf) rest() []byte {
	p := r.b[r.pos:]
	r.pos = len(r.b)
	return p
}

// Refcounts is a read/write counter pair carried in several headers.
type Refcounts struct {
	Read  int32
	Write int32
}

// IsZero reports whether both counters are zero.
func (rc Refcounts) IsZero() bool { return rc.Read == 0 && rc.Write == 0 }

// RetrievePlan describes the refcount changes applied by a retrieval:
// decrement the read datum itself, increment anything it references.
type RetrievePlan struct {
	DecrSelf     Refcounts
	IncrReferand Refcounts
}

func (w *wbuf) refc(rc Refcounts)   { w.i32(rc.Read); w.i32(rc.Write) }
func (r *rbuf) refc() Refcounts     { return Refcounts{Read: r.i32(), Write: r.i32()} }
func (w *wbuf) plan(p RetrievePlan) { w.refc(p.DecrSelf); w.refc(p.IncrReferand) }
func (r *rbuf) plan() RetrievePlan {
	return RetrievePlan{DecrSelf: r.refc(), IncrReferand: r.refc()}
}

// PutHeader announces a task to a server. If HasInline is set the payload
// rides in Inline; otherwise the putter transfers it in a follow-up WORK
// message (to the server, or directly to a matched worker on redirect).
type PutHeader struct {
	Type        int32
	Priority    int32
	Putter      int32
	Answer      int32
	Target      int32
	Length      int32
	Parallelism int32
	HasInline   bool
	Inline      []byte
}

func (h *PutHeader) Encode() []byte {
	var w wbuf
	w.i32(h.Type)
	w.i32(h.Priority)
	w.i32(h.Putter)
	w.i32(h.Answer)
	w.i32(h.Target)
	w.i32(h.Length)
	w.i32(h.Parallelism)
	w.bool(h.HasInline)
	if h.HasInline {
		w.bytes(h.Inline)
	}
	return w.b
}

func DecodePutHeader(b []byte) (PutHeader, error) {
	r := rbuf{b: b}
	h := PutHeader{
		Type:        r.i32(),
		Priority:    r.i32(),
		Putter:      r.i32(),
		Answer:      r.i32(),
		Target:      r.i32(),
		Length:      r.i32(),
		Parallelism: r.i32(),
		HasInline:   r.bool(),
	}
	if h.HasInline {
		h.Inline = r.bytes(int(h.Length))
	}
	return h, r.err
}

// GetResponse answers a Get or Iget.
type GetResponse struct {
	Code          Code
	Length        int32
	AnswerRank    int32
	Type          int32
	PayloadSource int32
	Parallelism   int32
}

func (g *GetResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(g.Code))
	w.i32(g.Length)
	w.i32(g.AnswerRank)
	w.i32(g.Type)
	w.i32(g.PayloadSource)
	w.i32(g.Parallelism)
	return w.b
}

func DecodeGetResponse(b []byte) (GetResponse, error) {
	r := rbuf{b: b}
	g := GetResponse{
		Code:          Code(r.i32()),
		Length:        r.i32(),
		AnswerRank:    r.i32(),
		Type:          r.i32(),
		PayloadSource: r.i32(),
		Parallelism:   r.i32(),
	}
	return g, r.err
}

// CreateProps are the initial properties of a new datum.
type CreateProps struct {
	ReadRefcount  int32
	WriteRefcount int32
	Permanent     bool
	Symbol        uint32 // opaque debug tag
}

// DefaultCreateProps are the usual single-assignment settings.
var DefaultCreateProps = CreateProps{ReadRefcount: 1, WriteRefcount: 1}

// CreateRequest declares a new datum. ID may be data.NullID to ask the server
// to allocate one.
type CreateRequest struct {
	ID         int64
	Type       int32
	ExtraValid bool
	KeyType    int32
	ValType    int32
	StructTag  int32
	Props      CreateProps
}

func (c *CreateRequest) Encode() []byte {
	var w wbuf
	w.i64(c.ID)
	w.i32(c.Type)
	w.bool(c.ExtraValid)
	w.i32(c.KeyType)
	w.i32(c.ValType)
	w.i32(c.StructTag)
	w.i32(c.Props.ReadRefcount)
	w.i32(c.Props.WriteRefcount)
	w.bool(c.Props.Permanent)
	w.i32(int32(c.Props.Symbol))
	return w.b
}

func DecodeCreateRequest(b []byte) (CreateRequest, error) {
	r := rbuf{b: b}
	c := CreateRequest{
		ID:         r.i64(),
		Type:       r.i32(),
		ExtraValid: r.bool(),
		KeyType:    r.i32(),
		ValType:    r.i32(),
		StructTag:  r.i32(),
	}
	c.Props.ReadRefcount = r.i32()
	c.Props.WriteRefcount = r.i32()
	c.Props.Permanent = r.bool()
	c.Props.Symbol = uint32(r.i32())
	return c, r.err
}

// CreateResponse returns the allocated (or echoed) id.
type CreateResponse struct {
	DC DataCode
	ID int64
}

func (c *CreateResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(c.DC))
	w.i64(c.ID)
	return w.b
}

func DecodeCreateResponse(b []byte) (CreateResponse, error) {
	r := rbuf{b: b}
	c := CreateResponse{DC: DataCode(r.i32()), ID: r.i64()}
	return c, r.err
}

// StoreHeader precedes an optional subscript message and the payload
// message of a store.
type StoreHeader struct {
	ID        int64
	Type      int32
	Decr      Refcounts // applied to the stored datum
	StoreRefs Refcounts // acquired on referands embedded in the value
	SubLen    int32
}

func (h *StoreHeader) Encode() []byte {
	var w wbuf
	w.i64(h.ID)
	w.i32(h.Type)
	w.refc(h.Decr)
	w.refc(h.StoreRefs)
	w.i32(h.SubLen)
	return w.b
}

func DecodeStoreHeader(b []byte) (StoreHeader, error) {
	r := rbuf{b: b}
	h := StoreHeader{
		ID:        r.i64(),
		Type:      r.i32(),
		Decr:      r.refc(),
		StoreRefs: r.refc(),
		SubLen:    r.i32(),
	}
	return h, r.err
}

// StoreResponse reports the outcome of a store.
type StoreResponse struct {
	DC DataCode
}

func (s *StoreResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(s.DC))
	return w.b
}

func DecodeStoreResponse(b []byte) (StoreResponse, error) {
	r := rbuf{b: b}
	s := StoreResponse{DC: DataCode(r.i32())}
	return s, r.err
}

// RetrieveRequest asks for a datum or one subscript of it.
type RetrieveRequest struct {
	ID   int64
	Plan RetrievePlan
	Sub  []byte
}

func (h *RetrieveRequest) Encode() []byte {
	var w wbuf
	w.i64(h.ID)
	w.plan(h.Plan)
	w.i32(int32(len(h.Sub)))
	w.bytes(h.Sub)
	return w.b
}

func DecodeRetrieveRequest(b []byte) (RetrieveRequest, error) {
	r := rbuf{b: b}
	h := RetrieveRequest{ID: r.i64(), Plan: r.plan()}
	subLen := r.i32()
	h.Sub = r.bytes(int(subLen))
	return h, r.err
}

// RetrieveResponse precedes the payload message when DC is DataSuccess.
type RetrieveResponse struct {
	DC     DataCode
	Type   int32
	Length int32
}

func (h *RetrieveResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(h.DC))
	w.i32(h.Type)
	w.i32(h.Length)
	return w.b
}

func DecodeRetrieveResponse(b []byte) (RetrieveResponse, error) {
	r := rbuf{b: b}
	h := RetrieveResponse{DC: DataCode(r.i32()), Type: r.i32(), Length: r.i32()}
	return h, r.err
}

// EnumerateRequest asks for a slice of a container or multiset.
// Count -1 means to the end.
type EnumerateRequest struct {
	ID          int64
	IncludeKeys bool
	IncludeVals bool
	Count       int32
	Offset      int32
	Decr        Refcounts
}

func (e *EnumerateRequest) Encode() []byte {
	var w wbuf
	w.i64(e.ID)
	w.bool(e.IncludeKeys)
	w.bool(e.IncludeVals)
	w.i32(e.Count)
	w.i32(e.Offset)
	w.refc(e.Decr)
	return w.b
}

func DecodeEnumerateRequest(b []byte) (EnumerateRequest, error) {
	r := rbuf{b: b}
	e := EnumerateRequest{
		ID:          r.i64(),
		IncludeKeys: r.bool(),
		IncludeVals: r.bool(),
		Count:       r.i32(),
		Offset:      r.i32(),
		Decr:        r.refc(),
	}
	return e, r.err
}

// EnumerateResponse precedes the packed entries whenever the request asked
// for keys or values, even when there are none.
type EnumerateResponse struct {
	DC      DataCode
	Records int32
	Length  int32
	KeyType int32
	ValType int32
}

func (e *EnumerateResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(e.DC))
	w.i32(e.Records)
	w.i32(e.Length)
	w.i32(e.KeyType)
	w.i32(e.ValType)
	return w.b
}

func DecodeEnumerateResponse(b []byte) (EnumerateResponse, error) {
	r := rbuf{b: b}
	e := EnumerateResponse{
		DC:      DataCode(r.i32()),
		Records: r.i32(),
		Length:  r.i32(),
		KeyType: r.i32(),
		ValType: r.i32(),
	}
	return e, r.err
}

// SubscribeRequest registers the sender for a close or insert
// notification.
type SubscribeRequest struct {
	WorkType int32
	ID       int64
	Sub      []byte
}

func (s *SubscribeRequest) Encode() []byte {
	var w wbuf
	w.i32(s.WorkType)
	w.i64(s.ID)
	w.i32(int32(len(s.Sub)))
	w.bytes(s.Sub)
	return w.b
}

func DecodeSubscribeRequest(b []byte) (SubscribeRequest, error) {
	r := rbuf{b: b}
	s := SubscribeRequest{WorkType: r.i32(), ID: r.i64()}
	subLen := r.i32()
	s.Sub = r.bytes(int(subLen))
	return s, r.err
}

// SubscribeResponse: Subscribed is false when the datum was already
// closed.
type SubscribeResponse struct {
	DC         DataCode
	Subscribed bool
}

func (s *SubscribeResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(s.DC))
	w.bool(s.Subscribed)
	return w.b
}

func DecodeSubscribeResponse(b []byte) (SubscribeResponse, error) {
	r := rbuf{b: b}
	s := SubscribeResponse{DC: DataCode(r.i32()), Subscribed: r.bool()}
	return s, r.err
}

// RefcountRequest adjusts a datum's counters by the given deltas.
type RefcountRequest struct {
	ID     int64
	Change Refcounts
}

func (rc *RefcountRequest) Encode() []byte {
	var w wbuf
	w.i64(rc.ID)
	w.refc(rc.Change)
	return w.b
}

func DecodeRefcountRequest(b []byte) (RefcountRequest, error) {
	r := rbuf{b: b}
	rc := RefcountRequest{ID: r.i64(), Change: r.refc()}
	return rc, r.err
}

// RefcountResponse reports the outcome.
type RefcountResponse struct {
	DC DataCode
}

func (rc *RefcountResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(rc.DC))
	return w.b
}

func DecodeRefcountResponse(b []byte) (RefcountResponse, error) {
	r := rbuf{b: b}
	rc := RefcountResponse{DC: DataCode(r.i32())}
	return rc, r.err
}

// GetRefcountsRequest reads a datum's current counters, optionally
// decrementing them.
type GetRefcountsRequest struct {
	ID   int64
	Decr Refcounts
}

func (g *GetRefcountsRequest) Encode() []byte {
	var w wbuf
	w.i64(g.ID)
	w.refc(g.Decr)
	return w.b
}

func DecodeGetRefcountsRequest(b []byte) (GetRefcountsRequest, error) {
	r := rbuf{b: b}
	g := GetRefcountsRequest{ID: r.i64(), Decr: r.refc()}
	return g, r.err
}

// GetRefcountsResponse carries the counters before any decrement.
type GetRefcountsResponse struct {
	DC        DataCode
	Refcounts Refcounts
}

func (g *GetRefcountsResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(g.DC))
	w.refc(g.Refcounts)
	return w.b
}

func DecodeGetRefcountsResponse(b []byte) (GetRefcountsResponse, error) {
	r := rbuf{b: b}
	g := GetRefcountsResponse{DC: DataCode(r.i32()), Refcounts: r.refc()}
	return g, r.err
}

// InsertAtomicRequest reserves container[sub], optionally fetching the
// current value when one is already present.
type InsertAtomicRequest struct {
	ID          int64
	Sub         []byte
	ReturnValue bool
	Plan        RetrievePlan
}

func (i *InsertAtomicRequest) Encode() []byte {
	var w wbuf
	w.i64(i.ID)
	w.i32(int32(len(i.Sub)))
	w.bytes(i.Sub)
	w.bool(i.ReturnValue)
	w.plan(i.Plan)
	return w.b
}

func DecodeInsertAtomicRequest(b []byte) (InsertAtomicRequest, error) {
	r := rbuf{b: b}
	i := InsertAtomicRequest{ID: r.i64()}
	subLen := r.i32()
	i.Sub = r.bytes(int(subLen))
	i.ReturnValue = r.bool()
	i.Plan = r.plan()
	return i, r.err
}

// InsertAtomicResponse: exactly one caller per key observes Created.
// ValueLen is negative when no value is present.
type InsertAtomicResponse struct {
	DC           DataCode
	Created      bool
	ValuePresent bool
	ValueLen     int32
	ValueType    int32
}

func (i *InsertAtomicResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(i.DC))
	w.bool(i.Created)
	w.bool(i.ValuePresent)
	w.i32(i.ValueLen)
	w.i32(i.ValueType)
	return w.b
}

func DecodeInsertAtomicResponse(b []byte) (InsertAtomicResponse, error) {
	r := rbuf{b: b}
	i := InsertAtomicResponse{
		DC:           DataCode(r.i32()),
		Created:      r.bool(),
		ValuePresent: r.bool(),
		ValueLen:     r.i32(),
		ValueType:    r.i32(),
	}
	return i, r.err
}

// ExistsRequest checks datum (or subscript) existence.
type ExistsRequest struct {
	ID   int64
	Sub  []byte
	Decr Refcounts
}

func (e *ExistsRequest) Encode() []byte {
	var w wbuf
	w.i64(e.ID)
	w.i32(int32(len(e.Sub)))
	w.bytes(e.Sub)
	w.refc(e.Decr)
	return w.b
}

func DecodeExistsRequest(b []byte) (ExistsRequest, error) {
	r := rbuf{b: b}
	e := ExistsRequest{ID: r.i64()}
	subLen := r.i32()
	e.Sub = r.bytes(int(subLen))
	e.Decr = r.refc()
	return e, r.err
}

// BoolResponse is the generic boolean data-op response.
type BoolResponse struct {
	DC     DataCode
	Result bool
}

func (e *BoolResponse) Encode() []byte {
	var w wbuf
	w.i32(int32(e.DC))
	w.bool(e.Result)
	return w.b
}

func DecodeBoolResponse(b []byte) (BoolResponse, error) {
	r := rbuf{b: b}
	e := BoolResponse{DC: DataCode(r.i32()), Result: r.bool()}
	return e, r.err
}

// ContainerRefRequest binds a promise: when container ID's subscript is
// filled, store the inserted value into RefID.
type ContainerRefRequest struct {
	RefType int32
	ID      int64
	Sub     []byte
	RefID   int64
}

func (c *ContainerRefRequest) Encode() []byte {
	var w wbuf
	w.i32(c.RefType)
	w.i64(c.ID)
	w.i32(int32(len(c.Sub)))
	w.bytes(c.Sub)
	w.i64(c.RefID)
	return w.b
}

func DecodeContainerRefRequest(b []byte) (ContainerRefRequest, error) {
	r := rbuf{b: b}
	c := ContainerRefRequest{RefType: r.i32(), ID: r.i64()}
	subLen := r.i32()
	c.Sub = r.bytes(int(subLen))
	c.RefID = r.i64()
	return c, r.err
}

// ContainerSizeRequest reads the entry count of a container or multiset.
type ContainerSizeRequest struct {
	ID   int64
	Decr Refcounts
}

func (c *ContainerSizeRequest) Encode() []byte {
	var w wbuf
	w.i64(c.ID)
	w.refc(c.Decr)
	return w.b
}

func DecodeContainerSizeRequest(b []byte) (ContainerSizeRequest, error) {
	r := rbuf{b: b}
	c := ContainerSizeRequest{ID: r.i64(), Decr: r.refc()}
	return c, r.err
}

// TypeofResponse carries one or two type tags; -1 marks an error.
type TypeofResponse struct {
	Types [2]int32
}

func (t *TypeofResponse) Encode() []byte {
	var w wbuf
	w.i32(t.Types[0])
	w.i32(t.Types[1])
	return w.b
}

func DecodeTypeofResponse(b []byte) (TypeofResponse, error) {
	r := rbuf{b: b}
	t := TypeofResponse{Types: [2]int32{r.i32(), r.i32()}}
	return t, r.err
}

// SyncHeader initiates a server-to-server sync. For steals it carries the
// stealer's per-type pending counts and its memory budget.
type SyncHeader struct {
	Mode       SyncMode
	MaxMemory  int32
	TypeCounts []int32
}

func (s *SyncHeader) Encode() []byte {
	var w wbuf
	w.i32(int32(s.Mode))
	w.i32(s.MaxMemory)
	w.i32(int32(len(s.TypeCounts)))
	for _, c := range s.TypeCounts {
		w.i32(c)
	}
	return w.b
}

func DecodeSyncHeader(b []byte) (SyncHeader, error) {
	r := rbuf{b: b}
	s := SyncHeader{Mode: SyncMode(r.i32()), MaxMemory: r.i32()}
	n := r.i32()
	if n < 0 || r.err != nil {
		r.fail()
		return s, r.err
	}
	s.TypeCounts = make([]int32, n)
	for i := range s.TypeCounts {
		s.TypeCounts[i] = r.i32()
	}
	return s, r.err
}

// StealBatch announces a batch of stolen work units; the units follow as
// WorkUnit messages.
type StealBatch struct {
	Count int32
	Last  bool
}

func (s *StealBatch) Encode() []byte {
	var w wbuf
	w.i32(s.Count)
	w.bool(s.Last)
	return w.b
}

func DecodeStealBatch(b []byte) (StealBatch, error) {
	r := rbuf{b: b}
	s := StealBatch{Count: r.i32(), Last: r.bool()}
	return s, r.err
}

// WorkUnitMsg transfers a queued task between servers during a steal.
type WorkUnitMsg struct {
	Type        int32
	Putter      int32
	Priority    int32
	Answer      int32
	Target      int32
	Parallelism int32
	Payload     []byte
}

func (m *WorkUnitMsg) Encode() []byte {
	var w wbuf
	w.i32(m.Type)
	w.i32(m.Putter)
	w.i32(m.Priority)
	w.i32(m.Answer)
	w.i32(m.Target)
	w.i32(m.Parallelism)
	w.bytes(m.Payload)
	return w.b
}

func DecodeWorkUnitMsg(b []byte) (WorkUnitMsg, error) {
	r := rbuf{b: b}
	m := WorkUnitMsg{
		Type:        r.i32(),
		Putter:      r.i32(),
		Priority:    r.i32(),
		Answer:      r.i32(),
		Target:      r.i32(),
		Parallelism: r.i32(),
	}
	m.Payload = r.rest()
	return m, r.err
}

// CheckIdleRequest probes a server for idleness, carrying the master's
// attempt counter so stale answers can be discarded.
type CheckIdleRequest struct {
	Attempt int64
}

func (c *CheckIdleRequest) Encode() []byte {
	var w wbuf
	w.i64(c.Attempt)
	return w.b
}

func DecodeCheckIdleRequest(b []byte) (CheckIdleRequest, error) {
	r := rbuf{b: b}
	c := CheckIdleRequest{Attempt: r.i64()}
	return c, r.err
}

// CheckIdleResponse carries, when idle, the per-type parked-request and
// queued-work counts.
type CheckIdleResponse struct {
	Idle          bool
	RequestCounts []int32
	WorkCounts    []int32
}

func (c *CheckIdleResponse) Encode() []byte {
	var w wbuf
	w.bool(c.Idle)
	w.i32(int32(len(c.RequestCounts)))
	for _, v := range c.RequestCounts {
		w.i32(v)
	}
	w.i32(int32(len(c.WorkCounts)))
	for _, v := range c.WorkCounts {
		w.i32(v)
	}
	return w.b
}

func DecodeCheckIdleResponse(b []byte) (CheckIdleResponse, error) {
	r := rbuf{b: b}
	c := CheckIdleResponse{Idle: r.bool()}
	n := r.i32()
	if n < 0 || r.err != nil {
		r.fail()
		return c, r.err
	}
	c.RequestCounts = make([]int32, n)
	for i := range c.RequestCounts {
		c.RequestCounts[i] = r.i32()
	}
	n = r.i32()
	if n < 0 || r.err != nil {
		r.fail()
		return c, r.err
	}
	c.WorkCounts = make([]int32, n)
	for i := range c.WorkCounts {
		c.WorkCounts[i] = r.i32()
	}
	return c, r.err
}

// EncodeI64 and DecodeI64 handle the single-integer bodies (Typeof and
// Lock requests, Unique responses and the like).
func EncodeI64(v int64) []byte {
	var w wbuf
	w.i64(v)
	return w.b
}

func DecodeI64(b []byte) (int64, error) {
	r := rbuf{b: b}
	v := r.i64()
	return v, r.err
}

// EncodeI32 and DecodeI32 handle single-int32 bodies (Get requests, Put
// responses, sync accept/reject bytes).
func EncodeI32(v int32) []byte {
	var w wbuf
	w.i32(v)
	return w.b
}

func DecodeI32(b []byte) (int32, error) {
	r := rbuf{b: b}
	v := r.i32()
	return v, r.err
}
