package server

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quarry/internal/client"
	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/layout"
	"github.com/dreamware/quarry/internal/types"
)

// cluster spins up the server ranks of an in-process cluster over the
// mesh transport. Worker goroutines are driven by the tests themselves.
type cluster struct {
	t        *testing.T
	mesh     *comm.Mesh
	size     int
	nservers int
	errs     chan error
}

func startCluster(t *testing.T, workers, nservers, workTypes int) *cluster {
	t.Helper()
	size := workers + nservers
	c := &cluster{
		t:        t,
		mesh:     comm.NewMesh(size),
		size:     size,
		nservers: nservers,
		errs:     make(chan error, nservers),
	}
	for rank := workers; rank < size; rank++ {
		l, err := layout.New(size, nservers, rank)
		require.NoError(t, err)
		srv, err := New(Config{Layout: l, Transport: c.mesh.Port(rank), WorkTypes: workTypes})
		require.NoError(t, err)
		go func() { c.errs <- srv.Serve() }()
	}
	return c
}

func (c *cluster) client(rank int) *client.Client {
	l, err := layout.New(c.size, c.nservers, rank)
	require.NoError(c.t, err)
	return client.New(l, c.mesh.Port(rank))
}

// wait blocks until every server exits cleanly.
func (c *cluster) wait() {
	c.t.Helper()
	for i := 0; i < c.nservers; i++ {
		select {
		case err := <-c.errs:
			assert.NoError(c.t, err)
		case <-time.After(20 * time.Second):
			c.t.Fatal("servers did not shut down")
		}
	}
}

func packInteger(t *testing.T, v int64) []byte {
	t.Helper()
	b, err := types.Pack(types.NewInteger(v))
	require.NoError(t, err)
	return b
}

// The simple store/retrieve lifecycle, end to end through a server.
func TestStoreRetrieveRoundTrip(t *testing.T) {
	c := startCluster(t, 1, 1, 1)
	w := c.client(0)

	id, err := w.Create(101, types.TypeInteger, types.Extra{}, comm.DefaultCreateProps)
	require.NoError(t, err)
	require.Equal(t, int64(101), id)

	require.NoError(t, w.Store(101, nil, types.TypeInteger, packInteger(t, 42),
		comm.Refcounts{}, comm.Refcounts{}))

	typ, payload, err := w.Retrieve(101, nil, comm.RetrievePlan{})
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, typ)
	require.Len(t, payload, 8)
	assert.Equal(t, int64(42), int64(binary.LittleEndian.Uint64(payload)))

	// Drop our read interest while retrieving: counts become (0, 1).
	_, _, err = w.Retrieve(101, nil, comm.RetrievePlan{DecrSelf: comm.Refcounts{Read: 1}})
	require.NoError(t, err)
	rc, err := w.GetRefcounts(101, comm.Refcounts{})
	require.NoError(t, err)
	assert.Equal(t, comm.Refcounts{Read: 0, Write: 1}, rc)

	// Releasing the write count destroys the datum.
	require.NoError(t, w.RefcountIncr(101, comm.Refcounts{Write: -1}))
	_, _, err = w.Retrieve(101, nil, comm.RetrievePlan{})
	assert.ErrorIs(t, err, client.ErrNotFound)

	require.NoError(t, w.Finalize())
	c.wait()
}

// A put matching a parked worker is redirected: the payload goes straight
// from putter to worker.
func TestPutGetRedirect(t *testing.T) {
	c := startCluster(t, 2, 1, 1)

	big := make([]byte, client.PutInlineMax*4)
	for i := range big {
		big[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w := c.client(0)
		work, err := w.Get(0)
		require.NoError(t, err)
		assert.Equal(t, big, work.Payload)
		assert.Equal(t, int32(1), work.Answer)
		require.NoError(t, w.Finalize())
	}()
	go func() {
		defer wg.Done()
		w := c.client(1)
		// Give the getter time to park so the redirect path runs.
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, w.Put(big, comm.RankAny, 1, 0, 0, 1))
		require.NoError(t, w.Finalize())
	}()
	wg.Wait()
	c.wait()
}

// A put with no waiting worker is queued and served on the next get.
func TestPutThenGet(t *testing.T) {
	c := startCluster(t, 2, 1, 1)

	putter := c.client(1)
	require.NoError(t, putter.Put([]byte("queued task"), comm.RankAny, 3, 0, 5, 1))

	getter := c.client(0)
	work, err := getter.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("queued task"), work.Payload)
	assert.Equal(t, int32(3), work.Answer)

	require.NoError(t, getter.Finalize())
	require.NoError(t, putter.Finalize())
	c.wait()
}

func TestTargetedPut(t *testing.T) {
	c := startCluster(t, 2, 1, 1)

	putter := c.client(1)
	require.NoError(t, putter.Put([]byte("for worker 0"), 0, comm.RankNull, 0, 0, 1))

	// Worker 1 asks first but must not receive worker 0's task.
	w1 := c.client(1)
	_, err := w1.Iget(0)
	assert.ErrorIs(t, err, client.ErrNothing)

	w0 := c.client(0)
	work, err := w0.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("for worker 0"), work.Payload)

	require.NoError(t, w0.Finalize())
	require.NoError(t, w1.Finalize())
	c.wait()
}

func TestPriorityOrder(t *testing.T) {
	c := startCluster(t, 2, 1, 1)

	putter := c.client(1)
	require.NoError(t, putter.Put([]byte("low"), comm.RankAny, 0, 0, 1, 1))
	require.NoError(t, putter.Put([]byte("high"), comm.RankAny, 0, 0, 9, 1))

	w := c.client(0)
	work, err := w.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("high"), work.Payload)
	work, err = w.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("low"), work.Payload)

	require.NoError(t, w.Finalize())
	require.NoError(t, putter.Finalize())
	c.wait()
}

// Container subscription: the listener rank receives a close-style
// notification task after the insert, across servers.
func TestContainerSubscriptionNotification(t *testing.T) {
	c := startCluster(t, 2, 2, 1)
	subscribed := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w0 := c.client(0)
		// Container 7 lives on the second server; worker 0's home is the
		// first, so the notification hops between servers.
		_, err := w0.Create(7, types.TypeContainer,
			types.Extra{Valid: true, KeyType: types.TypeInteger, ValType: types.TypeRef},
			comm.DefaultCreateProps)
		require.NoError(t, err)

		ok, err := w0.Subscribe(7, []byte("k1"), 0)
		require.NoError(t, err)
		require.True(t, ok)
		close(subscribed)

		work, err := w0.Get(0)
		require.NoError(t, err)
		assert.Equal(t, []byte("close 7 k1"), work.Payload)
		require.NoError(t, w0.Finalize())
	}()
	go func() {
		defer wg.Done()
		w1 := c.client(1)
		<-subscribed
		ref, err := types.Pack(types.NewRef(101))
		require.NoError(t, err)
		require.NoError(t, w1.Store(7, []byte("k1"), types.TypeRef, ref,
			comm.Refcounts{}, comm.Refcounts{}))
		require.NoError(t, w1.Finalize())
	}()
	wg.Wait()
	c.wait()
}

// Exactly one of two racing insert-atomic calls creates the key.
func TestInsertAtomicRace(t *testing.T) {
	c := startCluster(t, 2, 1, 1)

	w0 := c.client(0)
	_, err := w0.Create(7, types.TypeContainer,
		types.Extra{Valid: true, KeyType: types.TypeString, ValType: types.TypeInteger},
		comm.DefaultCreateProps)
	require.NoError(t, err)

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := c.client(rank)
			created, present, _, _, err := w.InsertAtomic(7, []byte("k2"), false)
			require.NoError(t, err)
			assert.False(t, present)
			results <- created
		}(rank)
	}
	wg.Wait()
	a, b := <-results, <-results
	assert.True(t, a != b, "exactly one caller must create the key")

	// The winner's store succeeds; a second store is rejected.
	require.NoError(t, w0.Store(7, []byte("k2"), types.TypeInteger, packInteger(t, 5),
		comm.Refcounts{}, comm.Refcounts{}))
	err = w0.Store(7, []byte("k2"), types.TypeInteger, packInteger(t, 6),
		comm.Refcounts{}, comm.Refcounts{})
	assert.ErrorIs(t, err, client.ErrRejected)

	require.NoError(t, w0.Finalize())
	require.NoError(t, c.client(1).Finalize())
	c.wait()
}

// A parallel task fires only when enough workers of its type are parked,
// and every team member receives the descriptor plus the full rank list.
func TestParallelTask(t *testing.T) {
	const teamSize = 4
	c := startCluster(t, teamSize, 1, 1)

	putter := c.client(0)
	require.NoError(t, putter.Put([]byte("team job"), comm.RankAny, 0, 0, 0, teamSize))

	// Two workers park: the task must not fire yet.
	type result struct {
		rank int
		work client.Work
	}
	results := make(chan result, teamSize)
	startWorker := func(rank int) {
		go func() {
			w := c.client(rank)
			work, err := w.Get(0)
			require.NoError(t, err)
			results <- result{rank: rank, work: work}
			require.NoError(t, w.Finalize())
		}()
	}
	startWorker(1)
	startWorker(2)
	select {
	case r := <-results:
		t.Fatalf("parallel task released early to rank %d", r.rank)
	case <-time.After(100 * time.Millisecond):
	}

	// The last two workers arrive; all four must receive the task.
	startWorker(3)
	startWorker(0)
	members := make(map[int]bool)
	for i := 0; i < teamSize; i++ {
		select {
		case r := <-results:
			assert.Equal(t, []byte("team job"), r.work.Payload)
			require.Len(t, r.work.Team, teamSize)
			members[r.rank] = true
		case <-time.After(10 * time.Second):
			t.Fatal("parallel task was not released")
		}
	}
	assert.Len(t, members, teamSize)
	c.wait()
}

// Work queued on one server reaches a starved worker of another server
// through stealing.
func TestWorkStealing(t *testing.T) {
	c := startCluster(t, 4, 2, 1)

	// Worker 1 is homed on the second server: its puts queue there.
	putter := c.client(1)
	payloads := map[string]bool{}
	for i := 0; i < 4; i++ {
		p := fmt.Sprintf("stealable-%d", i)
		payloads[p] = true
		require.NoError(t, putter.Put([]byte(p), comm.RankAny, 0, 0, 0, 1))
	}

	// Workers 0 and 2 are homed on the first server, which has nothing:
	// their gets force a steal.
	var wg sync.WaitGroup
	for _, rank := range []int{0, 2} {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := c.client(rank)
			work, err := w.Get(0)
			require.NoError(t, err)
			assert.True(t, payloads[string(work.Payload)], "unexpected payload %q", work.Payload)
			require.NoError(t, w.Finalize())
		}(rank)
	}
	wg.Wait()

	// The remaining tasks are still available somewhere in the cluster.
	for _, rank := range []int{3, 1} {
		w := c.client(rank)
		work, err := w.Get(0)
		require.NoError(t, err)
		assert.True(t, payloads[string(work.Payload)])
		require.NoError(t, w.Finalize())
	}
	c.wait()
}

func TestUniqueAndMulticreate(t *testing.T) {
	c := startCluster(t, 1, 2, 1)
	w := c.client(0)

	a, err := w.Unique()
	require.NoError(t, err)
	b, err := w.Unique()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	reqs := []comm.CreateRequest{
		{Type: int32(types.TypeInteger), Props: comm.DefaultCreateProps},
		{Type: int32(types.TypeString), Props: comm.DefaultCreateProps},
	}
	ids, err := w.Multicreate(reqs)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	typ, err := w.Typeof(ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, typ)

	require.NoError(t, w.Finalize())
	c.wait()
}

func TestContainerReferenceAcrossWorkers(t *testing.T) {
	c := startCluster(t, 1, 1, 1)
	w := c.client(0)

	// A waiting reference: ref datum 200 receives the value once k is
	// filled.
	_, err := w.Create(10, types.TypeContainer,
		types.Extra{Valid: true, KeyType: types.TypeString, ValType: types.TypeInteger},
		comm.CreateProps{ReadRefcount: 2, WriteRefcount: 1})
	require.NoError(t, err)
	_, err = w.Create(200, types.TypeInteger, types.Extra{}, comm.DefaultCreateProps)
	require.NoError(t, err)

	require.NoError(t, w.ContainerReference(10, []byte("k"), 200, types.TypeInteger))

	require.NoError(t, w.Store(10, []byte("k"), types.TypeInteger, packInteger(t, 77),
		comm.Refcounts{}, comm.Refcounts{}))

	// The reference write lands in 200.
	typ, payload, err := w.Retrieve(200, nil, comm.RetrievePlan{})
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, typ)
	assert.Equal(t, int64(77), int64(binary.LittleEndian.Uint64(payload)))

	require.NoError(t, w.Finalize())
	c.wait()
}

func TestEnumerateAndSize(t *testing.T) {
	c := startCluster(t, 1, 1, 1)
	w := c.client(0)

	_, err := w.Create(12, types.TypeContainer,
		types.Extra{Valid: true, KeyType: types.TypeString, ValType: types.TypeInteger},
		comm.DefaultCreateProps)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Store(12, []byte(fmt.Sprintf("key%d", i)), types.TypeInteger,
			packInteger(t, int64(i*i)), comm.Refcounts{}, comm.Refcounts{}))
	}

	size, err := w.ContainerSize(12, comm.Refcounts{})
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	records, packed, keyType, valType, err := w.Enumerate(12, 2, 1, true, true, comm.Refcounts{})
	require.NoError(t, err)
	assert.Equal(t, 2, records)
	assert.Equal(t, types.TypeString, keyType)
	assert.Equal(t, types.TypeInteger, valType)

	pos := 0
	key, err := types.UnpackBuffer(false, packed, &pos)
	require.NoError(t, err)
	assert.Equal(t, "key1", string(key))
	entry, err := types.UnpackBuffer(false, packed, &pos)
	require.NoError(t, err)
	v, err := types.Unpack(types.TypeInteger, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int)

	require.NoError(t, w.Finalize())
	c.wait()
}

func TestLockUnlockRPC(t *testing.T) {
	c := startCluster(t, 2, 1, 1)
	w0, w1 := c.client(0), c.client(1)

	_, err := w0.Create(31, types.TypeInteger, types.Extra{}, comm.DefaultCreateProps)
	require.NoError(t, err)

	got, err := w0.Lock(31)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = w1.Lock(31)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, w0.Unlock(31))
	got, err = w1.Lock(31)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, w1.Unlock(31))

	require.NoError(t, w0.Finalize())
	require.NoError(t, w1.Finalize())
	c.wait()
}

// A worker failure code propagates to the master, which reports it at
// exit.
func TestFailPropagation(t *testing.T) {
	size := 2
	mesh := comm.NewMesh(size)
	l, err := layout.New(size, 1, 1)
	require.NoError(t, err)
	srv, err := New(Config{Layout: l, Transport: mesh.Port(1), WorkTypes: 1})
	require.NoError(t, err)
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve() }()

	wl, err := layout.New(size, 1, 0)
	require.NoError(t, err)
	w := client.New(wl, mesh.Port(0))
	require.NoError(t, w.Fail(42))
	require.NoError(t, w.Finalize())

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "42")
	case <-time.After(10 * time.Second):
		t.Fatal("master did not exit after failure")
	}
	failed, code := srv.Failed()
	assert.True(t, failed)
	assert.Equal(t, 42, code)
}

// Iget returns Nothing instead of parking.
func TestIgetNothing(t *testing.T) {
	c := startCluster(t, 1, 1, 1)
	w := c.client(0)
	_, err := w.Iget(0)
	assert.ErrorIs(t, err, client.ErrNothing)
	require.NoError(t, w.Finalize())
	c.wait()
}

// Typed gets only match their own type.
func TestTypeSeparation(t *testing.T) {
	c := startCluster(t, 2, 1, 2)
	putter := c.client(1)
	require.NoError(t, putter.Put([]byte("type1 task"), comm.RankAny, 0, 1, 0, 1))

	w := c.client(0)
	_, err := w.Iget(0)
	assert.ErrorIs(t, err, client.ErrNothing)

	work, err := w.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("type1 task"), work.Payload)

	require.NoError(t, w.Finalize())
	require.NoError(t, putter.Finalize())
	c.wait()
}
