package comm

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestMeshSendRecv(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)

	if err := a.Send(1, TagPut, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Recv(0, TagPut)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Source != 0 || msg.Tag != TagPut || string(msg.Data) != "hello" {
		t.Errorf("got %+v", msg)
	}
}

func TestMeshAnySource(t *testing.T) {
	mesh := NewMesh(3)
	c := mesh.Port(2)
	if err := mesh.Port(1).Send(2, TagGet, []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, err := c.Recv(AnySource, TagGet)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Source != 1 {
		t.Errorf("source = %d", msg.Source)
	}
}

func TestMeshTagFiltering(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)

	a.Send(1, TagPut, []byte("put"))
	a.Send(1, TagGet, []byte("get"))

	// Receiving the later tag first must not consume the earlier one.
	msg, err := b.Recv(0, TagGet)
	if err != nil || string(msg.Data) != "get" {
		t.Fatalf("get: %v %q", err, msg.Data)
	}
	msg, err = b.Recv(0, TagPut)
	if err != nil || string(msg.Data) != "put" {
		t.Fatalf("put: %v %q", err, msg.Data)
	}
}

func TestMeshFIFOPerPair(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)
	for i := byte(0); i < 100; i++ {
		if err := a.Send(1, TagWork, []byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(0); i < 100; i++ {
		msg, err := b.Recv(0, TagWork)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Data[0] != i {
			t.Fatalf("message %d arrived out of order (got %d)", i, msg.Data[0])
		}
	}
}

func TestMeshIprobe(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)

	ok, _, err := b.Iprobe(AnySource, TagPut)
	if err != nil || ok {
		t.Fatalf("empty probe: %v %v", ok, err)
	}

	a.Send(1, TagPut, []byte("p"))
	ok, src, err := b.Iprobe(AnySource, TagPut)
	if err != nil || !ok || src != 0 {
		t.Fatalf("probe after send: ok=%v src=%d err=%v", ok, src, err)
	}

	// Probing must not consume.
	ok, _, _ = b.Iprobe(AnySource, TagPut)
	if !ok {
		t.Fatal("probe consumed the message")
	}
}

func TestMeshSSendBlocksUntilRecv(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)

	done := make(chan struct{})
	go func() {
		if err := a.SSend(1, TagWork, []byte("payload")); err != nil {
			t.Errorf("SSend: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("SSend returned before Recv")
	case <-time.After(20 * time.Millisecond):
	}

	msg, err := b.Recv(0, TagWork)
	if err != nil || string(msg.Data) != "payload" {
		t.Fatalf("recv: %v %q", err, msg.Data)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SSend did not return after Recv")
	}
}

func TestMeshDataIsCopied(t *testing.T) {
	mesh := NewMesh(2)
	a, b := mesh.Port(0), mesh.Port(1)
	buf := []byte("original")
	a.Send(1, TagWork, buf)
	copy(buf, "clobber!")
	msg, _ := b.Recv(0, TagWork)
	if string(msg.Data) != "original" {
		t.Errorf("send aliased caller buffer: %q", msg.Data)
	}
}

func TestMeshConcurrentTraffic(t *testing.T) {
	const n = 4
	const msgs = 200
	mesh := NewMesh(n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			p := mesh.Port(rank)
			for i := 0; i < msgs; i++ {
				p.Send((rank+1)%n, TagWork, []byte{byte(i)})
			}
			for i := 0; i < msgs; i++ {
				msg, err := p.Recv((rank+n-1)%n, TagWork)
				if err != nil || msg.Data[0] != byte(i) {
					t.Errorf("rank %d msg %d: %v %v", rank, i, msg, err)
					return
				}
			}
		}(r)
	}
	wg.Wait()
}

func TestMessageRoundTrips(t *testing.T) {
	t.Run("put header inline", func(t *testing.T) {
		h := PutHeader{
			Type: 2, Priority: 5, Putter: 1, Answer: -1, Target: RankAny,
			Length: 3, Parallelism: 1, HasInline: true, Inline: []byte("abc"),
		}
		got, err := DecodePutHeader(h.Encode())
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != 2 || got.Target != RankAny || !bytes.Equal(got.Inline, []byte("abc")) {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("put header no inline", func(t *testing.T) {
		h := PutHeader{Type: 1, Length: 4096, Parallelism: 4}
		got, err := DecodePutHeader(h.Encode())
		if err != nil {
			t.Fatal(err)
		}
		if got.HasInline || got.Length != 4096 || got.Parallelism != 4 {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("get response", func(t *testing.T) {
		g := GetResponse{Code: Success, Length: 10, AnswerRank: 3, Type: 1, PayloadSource: 7, Parallelism: 2}
		got, err := DecodeGetResponse(g.Encode())
		if err != nil || got != g {
			t.Errorf("got %+v, err %v", got, err)
		}
	})

	t.Run("store header", func(t *testing.T) {
		h := StoreHeader{ID: -5, Type: 3, Decr: Refcounts{Read: 1}, StoreRefs: Refcounts{Write: 2}, SubLen: 2}
		got, err := DecodeStoreHeader(h.Encode())
		if err != nil || got != h {
			t.Errorf("got %+v, err %v", got, err)
		}
	})

	t.Run("sync header with counts", func(t *testing.T) {
		s := SyncHeader{Mode: SyncModeSteal, MaxMemory: 1 << 20, TypeCounts: []int32{0, 4, 9}}
		got, err := DecodeSyncHeader(s.Encode())
		if err != nil {
			t.Fatal(err)
		}
		if got.Mode != SyncModeSteal || len(got.TypeCounts) != 3 || got.TypeCounts[2] != 9 {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("work unit payload is the tail", func(t *testing.T) {
		m := WorkUnitMsg{Type: 1, Putter: 2, Priority: 3, Answer: 4, Target: 5, Parallelism: 1, Payload: []byte("task body")}
		got, err := DecodeWorkUnitMsg(m.Encode())
		if err != nil || string(got.Payload) != "task body" {
			t.Errorf("got %+v, err %v", got, err)
		}
	})

	t.Run("truncated messages error", func(t *testing.T) {
		h := StoreHeader{ID: 1}
		enc := h.Encode()
		if _, err := DecodeStoreHeader(enc[:len(enc)-1]); err == nil {
			t.Error("truncated store header decoded")
		}
		if _, err := DecodeGetResponse(nil); err == nil {
			t.Error("empty get response decoded")
		}
	})
}
