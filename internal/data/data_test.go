package data

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(2, 0)
}

func mustCreate(t *testing.T, s *Store, id int64, typ types.DataType, extra types.Extra, props comm.CreateProps) {
	t.Helper()
	if err := s.Create(id, typ, extra, props); err != nil {
		t.Fatalf("Create(%d): %v", id, err)
	}
}

func packInt(t *testing.T, v int64) []byte {
	t.Helper()
	b, err := types.Pack(types.NewInteger(v))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func rw(r, w int32) comm.CreateProps {
	return comm.CreateProps{ReadRefcount: r, WriteRefcount: w}
}

func TestCreate(t *testing.T) {
	t.Run("double declare", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, 101, types.TypeInteger, types.Extra{}, rw(1, 1))
		err := s.Create(101, types.TypeInteger, types.Extra{}, rw(1, 1))
		if !IsCode(err, comm.DataDoubleDeclare) {
			t.Errorf("err = %v, want double-declare", err)
		}
	})

	t.Run("zero refcounts are a no-op", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(5, types.TypeInteger, types.Extra{}, rw(0, 0)); err != nil {
			t.Fatal(err)
		}
		if ok, _ := s.Exists(5, nil); ok {
			t.Error("no-op create left a datum behind")
		}
	})

	t.Run("null id rejected", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(NullID, types.TypeInteger, types.Extra{}, rw(1, 1)); err == nil {
			t.Error("created the null id")
		}
	})

	t.Run("negative ids are legal", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, -2, types.TypeContainer,
			types.Extra{Valid: true, KeyType: types.TypeBlob, ValType: types.TypeBlob}, rw(1, 1))
		if ok, _ := s.Exists(-2, nil); !ok {
			t.Error("negative-id container missing")
		}
	})
}

// The simple store/retrieve lifecycle: create, store, retrieve with a
// read decrement, then release the write count and observe destruction.
func TestStoreRetrieveLifecycle(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 101, types.TypeInteger, types.Extra{}, rw(1, 1))

	if err := s.Store(101, nil, types.TypeInteger, packInt(t, 42), comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}

	typ, payload, err := s.Retrieve(101, nil, comm.RetrievePlan{}, &n)
	if err != nil {
		t.Fatal(err)
	}
	if typ != types.TypeInteger || len(payload) != 8 {
		t.Fatalf("retrieve: type %s, %d bytes", typ, len(payload))
	}
	if got := int64(binary.LittleEndian.Uint64(payload)); got != 42 {
		t.Fatalf("retrieve: got %d", got)
	}

	// Retrieve again with a self read decrement: counts drop to (0, 1).
	plan := comm.RetrievePlan{DecrSelf: comm.Refcounts{Read: 1}}
	if _, _, err := s.Retrieve(101, nil, plan, &n); err != nil {
		t.Fatal(err)
	}
	rc, err := s.Refcounts(101)
	if err != nil || rc.Read != 0 || rc.Write != 1 {
		t.Fatalf("refcounts = %+v, %v", rc, err)
	}

	// Dropping the write count destroys the datum.
	_, destroyed, err := s.RefcountChange(101, comm.Refcounts{Write: -1}, false, &n)
	if err != nil || !destroyed {
		t.Fatalf("destroy: destroyed=%v err=%v", destroyed, err)
	}
	if _, _, err := s.Retrieve(101, nil, comm.RetrievePlan{}, &n); !IsCode(err, comm.DataNotFound) {
		t.Errorf("retrieve after destroy: %v", err)
	}
}

func TestDoubleWrite(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 7, types.TypeInteger, types.Extra{}, rw(1, 1))
	if err := s.Store(7, nil, types.TypeInteger, packInt(t, 1), comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}
	err := s.Store(7, nil, types.TypeInteger, packInt(t, 2), comm.Refcounts{}, comm.Refcounts{}, &n)
	if !IsCode(err, comm.DataDoubleWrite) {
		t.Errorf("second store: %v", err)
	}
}

func TestStoreTypeMismatch(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 7, types.TypeInteger, types.Extra{}, rw(1, 1))
	err := s.Store(7, nil, types.TypeString, []byte("x"), comm.Refcounts{}, comm.Refcounts{}, &n)
	if !IsCode(err, comm.DataType) {
		t.Errorf("mismatched store: %v", err)
	}
}

func TestStoreClosedDatum(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 7, types.TypeInteger, types.Extra{}, rw(1, 1))
	if _, _, err := s.RefcountChange(7, comm.Refcounts{Write: -1}, false, &n); err != nil {
		t.Fatal(err)
	}
	err := s.Store(7, nil, types.TypeInteger, packInt(t, 1), comm.Refcounts{}, comm.Refcounts{}, &n)
	if !IsCode(err, comm.DataDoubleWrite) {
		t.Errorf("store to closed var: %v", err)
	}
}

func containerExtra(k, v types.DataType) types.Extra {
	return types.Extra{Valid: true, KeyType: k, ValType: v}
}

func TestContainerSubscribeAndInsert(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 7, types.TypeContainer, containerExtra(types.TypeInteger, types.TypeRef), rw(1, 1))

	sub, err := s.Subscribe(7, []byte("k1"), 3)
	if err != nil || !sub {
		t.Fatalf("subscribe: %v %v", sub, err)
	}

	ref, err := types.Pack(types.NewRef(101))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(7, []byte("k1"), types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(n.InsertRanks, []int{3}) {
		t.Errorf("insert ranks = %v", n.InsertRanks)
	}

	// The listener list was cleared: a second store of another key does
	// not re-fire it.
	n = Notifications{}
	if err := s.Store(7, []byte("k2"), types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}
	if len(n.InsertRanks) != 0 {
		t.Errorf("stale listeners fired: %v", n.InsertRanks)
	}
}

func TestSubscribeClosedDatum(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 9, types.TypeInteger, types.Extra{}, rw(1, 1))
	if err := s.Store(9, nil, types.TypeInteger, packInt(t, 1), comm.Refcounts{Write: 1}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}
	sub, err := s.Subscribe(9, nil, 4)
	if err != nil || sub {
		t.Errorf("subscribe on closed: %v %v", sub, err)
	}
}

func TestCloseListenersFireOnce(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 9, types.TypeInteger, types.Extra{}, rw(1, 2))
	for _, rank := range []int{1, 2, 1} { // duplicate subscribe is ignored
		if _, err := s.Subscribe(9, nil, rank); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := s.RefcountChange(9, comm.Refcounts{Write: -1}, false, &n); err != nil {
		t.Fatal(err)
	}
	if len(n.CloseRanks) != 0 {
		t.Fatalf("listeners fired before close: %v", n.CloseRanks)
	}

	if _, _, err := s.RefcountChange(9, comm.Refcounts{Write: -1}, false, &n); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(n.CloseRanks, []int{1, 2}) {
		t.Errorf("close ranks = %v", n.CloseRanks)
	}
}

func TestInsertAtomicRace(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 7, types.TypeContainer, containerExtra(types.TypeString, types.TypeInteger), rw(1, 1))

	// Two workers race to reserve the same key: exactly one creates it.
	created, present, _, _, err := s.InsertAtomic(7, []byte("k2"), false)
	if err != nil || !created || present {
		t.Fatalf("first insert-atomic: created=%v present=%v err=%v", created, present, err)
	}
	created, present, _, _, err = s.InsertAtomic(7, []byte("k2"), false)
	if err != nil || created || present {
		t.Fatalf("second insert-atomic: created=%v present=%v err=%v", created, present, err)
	}

	// The reservation reads back as subscript-not-found.
	if _, _, err := s.Retrieve(7, []byte("k2"), comm.RetrievePlan{}, &n); !IsCode(err, comm.DataSubscriptNotFound) {
		t.Errorf("retrieve of reservation: %v", err)
	}
	// But the key exists.
	if ok, _ := s.Exists(7, []byte("k2")); !ok {
		t.Error("reserved key does not exist")
	}

	// The winner fills it; the loser's store is a double write.
	if err := s.Store(7, []byte("k2"), types.TypeInteger, packInt(t, 5), comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}
	err = s.Store(7, []byte("k2"), types.TypeInteger, packInt(t, 6), comm.Refcounts{}, comm.Refcounts{}, &n)
	if !IsCode(err, comm.DataDoubleWrite) {
		t.Errorf("loser's store: %v", err)
	}

	// Once filled, insert-atomic reports the value present and can
	// return it.
	created, present, vt, payload, err := s.InsertAtomic(7, []byte("k2"), true)
	if err != nil || created || !present {
		t.Fatalf("insert-atomic on filled key: created=%v present=%v err=%v", created, present, err)
	}
	if vt != types.TypeInteger || int64(binary.LittleEndian.Uint64(payload)) != 5 {
		t.Errorf("returned value: type %s payload %x", vt, payload)
	}
}

func TestContainerReference(t *testing.T) {
	t.Run("deferred resolution", func(t *testing.T) {
		s := newStore(t)
		var n Notifications
		// Two read counts: one for the bucket, one retained by the owner.
		mustCreate(t, s, 7, types.TypeContainer, containerExtra(types.TypeString, types.TypeRef), rw(2, 1))
		mustCreate(t, s, 101, types.TypeInteger, types.Extra{}, rw(2, 1))
		mustCreate(t, s, 200, types.TypeRef, types.Extra{}, rw(1, 1))
		mustCreate(t, s, 201, types.TypeRef, types.Extra{}, rw(1, 1))

		// First registration keeps the caller's read count in the bucket.
		if _, _, err := s.ContainerReference(7, []byte("x"), 200, types.TypeRef, &n); err != nil {
			t.Fatal(err)
		}
		rc, _ := s.Refcounts(7)
		if rc.Read != 2 {
			t.Fatalf("read refcount after first reference: %d", rc.Read)
		}

		// Second registration on the same bucket consumes one.
		if _, _, err := s.ContainerReference(7, []byte("x"), 201, types.TypeRef, &n); err != nil {
			t.Fatal(err)
		}
		rc, _ = s.Refcounts(7)
		if rc.Read != 1 {
			t.Fatalf("read refcount after second reference: %d", rc.Read)
		}

		// The insert resolves both, bumps the referand once per bound
		// reference, and releases the bucket's refcount.
		ref, _ := types.Pack(types.NewRef(101))
		if err := s.Store(7, []byte("x"), types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(n.ReferenceIDs, []int64{200, 201}) {
			t.Errorf("reference ids = %v", n.ReferenceIDs)
		}
		found := false
		for _, u := range n.RefUpdates {
			if u.ID == 101 && u.Change.Read == 2 {
				found = true
			}
		}
		if !found {
			t.Errorf("referand update missing: %+v", n.RefUpdates)
		}
		rc, _ = s.Refcounts(7)
		if rc.Read != 0 {
			t.Errorf("bucket refcount not released: %d", rc.Read)
		}
	})

	t.Run("immediate value", func(t *testing.T) {
		s := newStore(t)
		var n Notifications
		mustCreate(t, s, 8, types.TypeContainer, containerExtra(types.TypeString, types.TypeInteger), rw(1, 1))
		if err := s.Store(8, []byte("y"), types.TypeInteger, packInt(t, 33), comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
			t.Fatal(err)
		}
		vt, payload, err := s.ContainerReference(8, []byte("y"), 300, types.TypeInteger, &n)
		if err != nil {
			t.Fatal(err)
		}
		if vt != types.TypeInteger || payload == nil {
			t.Fatalf("immediate reference: type %s payload %v", vt, payload)
		}
		if int64(binary.LittleEndian.Uint64(payload)) != 33 {
			t.Errorf("payload = %x", payload)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		s := newStore(t)
		var n Notifications
		mustCreate(t, s, 8, types.TypeContainer, containerExtra(types.TypeString, types.TypeInteger), rw(1, 1))
		_, _, err := s.ContainerReference(8, []byte("y"), 300, types.TypeRef, &n)
		if !IsCode(err, comm.DataType) {
			t.Errorf("mismatched reference: %v", err)
		}
	})
}

func TestRefcountNegative(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 5, types.TypeInteger, types.Extra{}, rw(1, 1))
	_, _, err := s.RefcountChange(5, comm.Refcounts{Read: -2}, false, &n)
	if !IsCode(err, comm.DataRefcountNegative) {
		t.Errorf("over-decrement: %v", err)
	}
}

func TestPermanentIgnoresReadChanges(t *testing.T) {
	s := newStore(t)
	var n Notifications
	props := comm.CreateProps{ReadRefcount: 1, WriteRefcount: 1, Permanent: true}
	mustCreate(t, s, 5, types.TypeInteger, types.Extra{}, props)

	if _, _, err := s.RefcountChange(5, comm.Refcounts{Read: -1}, false, &n); err != nil {
		t.Fatal(err)
	}
	rc, _ := s.Refcounts(5)
	if rc.Read != 1 {
		t.Errorf("permanent read refcount changed: %d", rc.Read)
	}

	// Even with the write count at zero the datum survives.
	if _, _, err := s.RefcountChange(5, comm.Refcounts{Write: -1}, false, &n); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Typeof(5); err != nil {
		t.Error("permanent datum was collected")
	}
}

func TestDestroyReleasesReferands(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 11, types.TypeRef, types.Extra{}, rw(1, 1))
	ref, _ := types.Pack(types.NewRef(42))
	if err := s.Store(11, nil, types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}

	n = Notifications{}
	_, destroyed, err := s.RefcountChange(11, comm.Refcounts{Read: -1, Write: -1}, false, &n)
	if err != nil || !destroyed {
		t.Fatalf("destroy: %v %v", destroyed, err)
	}
	if !reflect.DeepEqual(n.RefUpdates, []RefUpdate{{ID: 42, Change: comm.Refcounts{Read: -1}}}) {
		t.Errorf("referand updates = %+v", n.RefUpdates)
	}
}

func TestScavenge(t *testing.T) {
	s := newStore(t)
	var n Notifications

	t.Run("no-op when datum survives", func(t *testing.T) {
		mustCreate(t, s, 20, types.TypeRef, types.Extra{}, rw(2, 1))
		ref, _ := types.Pack(types.NewRef(7))
		if err := s.Store(20, nil, types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
			t.Fatal(err)
		}
		scav, destroyed, err := s.RefcountChange(20, comm.Refcounts{Read: -1}, true, &n)
		if err != nil || destroyed || !scav.IsZero() {
			t.Fatalf("scavenge on surviving datum: %+v %v %v", scav, destroyed, err)
		}
		rc, _ := s.Refcounts(20)
		if rc.Read != 2 {
			t.Errorf("no-op scavenge changed counts: %+v", rc)
		}
	})

	t.Run("commits on destruction and keeps referand counts", func(t *testing.T) {
		n = Notifications{}
		scav, destroyed, err := s.RefcountChange(20, comm.Refcounts{Read: -2, Write: -1}, true, &n)
		if err != nil || !destroyed {
			t.Fatalf("scavenging destroy: %v %v", destroyed, err)
		}
		if scav.Read != 1 {
			t.Errorf("scavenged = %+v", scav)
		}
		// Ownership transferred: no release reaches the referand.
		if len(n.RefUpdates) != 0 {
			t.Errorf("scavenged destroy still released referands: %+v", n.RefUpdates)
		}
	})
}

func TestMultisetAppend(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 30, types.TypeMultiset,
		types.Extra{Valid: true, ValType: types.TypeString}, rw(1, 1))

	for _, v := range []string{"a", "b", "b"} {
		payload, _ := types.Pack(types.NewString(v))
		if err := s.Store(30, nil, types.TypeString, payload, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
			t.Fatal(err)
		}
	}
	size, err := s.ContainerSize(30, comm.Refcounts{}, &n)
	if err != nil || size != 3 {
		t.Fatalf("size = %d, %v", size, err)
	}

	// Appending with a subscript is a type error.
	payload, _ := types.Pack(types.NewString("x"))
	err = s.Store(30, []byte("k"), types.TypeString, payload, comm.Refcounts{}, comm.Refcounts{}, &n)
	if !IsCode(err, comm.DataType) {
		t.Errorf("subscripted multiset store: %v", err)
	}
}

func TestEnumerate(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 40, types.TypeContainer, containerExtra(types.TypeString, types.TypeInteger), rw(1, 1))
	for i, k := range []string{"a", "b", "c", "d"} {
		if err := s.Store(40, []byte(k), types.TypeInteger, packInt(t, int64(i)), comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("full scan", func(t *testing.T) {
		records, out, kt, vt, err := s.Enumerate(40, -1, 0, true, true, comm.Refcounts{}, &n)
		if err != nil {
			t.Fatal(err)
		}
		if records != 4 || kt != types.TypeString || vt != types.TypeInteger {
			t.Fatalf("records=%d kt=%s vt=%s", records, kt, vt)
		}
		keys, vals := unpackEntries(t, out, true, true, vt)
		if !reflect.DeepEqual(keys, []string{"a", "b", "c", "d"}) {
			t.Errorf("keys = %v", keys)
		}
		if !reflect.DeepEqual(vals, []int64{0, 1, 2, 3}) {
			t.Errorf("vals = %v", vals)
		}
	})

	t.Run("slice with offset and count", func(t *testing.T) {
		records, out, _, vt, err := s.Enumerate(40, 2, 1, true, true, comm.Refcounts{}, &n)
		if err != nil || records != 2 {
			t.Fatalf("records=%d err=%v", records, err)
		}
		keys, vals := unpackEntries(t, out, true, true, vt)
		if !reflect.DeepEqual(keys, []string{"b", "c"}) || !reflect.DeepEqual(vals, []int64{1, 2}) {
			t.Errorf("keys=%v vals=%v", keys, vals)
		}
	})

	t.Run("offset past the end", func(t *testing.T) {
		records, out, _, _, err := s.Enumerate(40, -1, 10, true, true, comm.Refcounts{}, &n)
		if err != nil || records != 0 || len(out) != 0 {
			t.Errorf("records=%d out=%d err=%v", records, len(out), err)
		}
	})

	t.Run("keys only", func(t *testing.T) {
		records, out, _, _, err := s.Enumerate(40, -1, 0, true, false, comm.Refcounts{}, &n)
		if err != nil || records != 4 {
			t.Fatal(err)
		}
		keys, _ := unpackEntries(t, out, true, false, types.TypeNull)
		if len(keys) != 4 {
			t.Errorf("keys = %v", keys)
		}
	})
}

// unpackEntries decodes the enumerate wire form used by the tests above.
func unpackEntries(t *testing.T, out []byte, hasKeys, hasVals bool, valType types.DataType) ([]string, []int64) {
	t.Helper()
	var keys []string
	var vals []int64
	pos := 0
	for pos < len(out) {
		if hasKeys {
			k, err := types.UnpackBuffer(false, out, &pos)
			if err != nil {
				t.Fatal(err)
			}
			keys = append(keys, string(k))
		}
		if hasVals {
			entry, err := types.UnpackBuffer(false, out, &pos)
			if err != nil {
				t.Fatal(err)
			}
			v, err := types.Unpack(valType, entry)
			if err != nil {
				t.Fatal(err)
			}
			vals = append(vals, v.Int)
		}
	}
	return keys, vals
}

func TestStructFieldRetrieve(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 50, types.TypeStruct, types.Extra{Valid: true, StructTag: 3}, rw(1, 1))

	st := &types.Struct{Tag: 3, Fields: []*types.Value{
		types.NewInteger(10),
		types.NewString("hi"),
	}}
	payload, err := types.Pack(&types.Value{Type: types.TypeStruct, Struct: st})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(50, nil, types.TypeStruct, payload, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}

	typ, field, err := s.Retrieve(50, []byte("1"), comm.RetrievePlan{}, &n)
	if err != nil || typ != types.TypeString || !bytes.Equal(field, []byte("hi")) {
		t.Errorf("field 1: %s %q %v", typ, field, err)
	}

	if _, _, err := s.Retrieve(50, []byte("9"), comm.RetrievePlan{}, &n); !IsCode(err, comm.DataSubscriptNotFound) {
		t.Errorf("out-of-range field: %v", err)
	}
	if _, _, err := s.Retrieve(50, []byte("frog"), comm.RetrievePlan{}, &n); !IsCode(err, comm.DataNumberFormat) {
		t.Errorf("non-numeric field: %v", err)
	}
}

func TestRetrieveAcquiresReferands(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 60, types.TypeRef, types.Extra{}, rw(1, 1))
	ref, _ := types.Pack(types.NewRef(99))
	if err := s.Store(60, nil, types.TypeRef, ref, comm.Refcounts{}, comm.Refcounts{}, &n); err != nil {
		t.Fatal(err)
	}

	n = Notifications{}
	plan := comm.RetrievePlan{
		DecrSelf:     comm.Refcounts{Read: 1},
		IncrReferand: comm.Refcounts{Read: 1},
	}
	if _, _, err := s.Retrieve(60, nil, plan, &n); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, u := range n.RefUpdates {
		if u.ID == 99 && u.Change.Read == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("referand acquisition missing: %+v", n.RefUpdates)
	}
}

func TestLockUnlock(t *testing.T) {
	s := newStore(t)
	mustCreate(t, s, 70, types.TypeInteger, types.Extra{}, rw(1, 1))

	got, err := s.Lock(70, 2)
	if err != nil || !got {
		t.Fatalf("first lock: %v %v", got, err)
	}
	got, err = s.Lock(70, 3)
	if err != nil || got {
		t.Fatalf("contended lock: %v %v", got, err)
	}
	if err := s.Unlock(70); err != nil {
		t.Fatal(err)
	}
	got, err = s.Lock(70, 3)
	if err != nil || !got {
		t.Fatalf("relock: %v %v", got, err)
	}
	if err := s.Unlock(70); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock(70); err == nil {
		t.Error("double unlock succeeded")
	}
}

func TestUnique(t *testing.T) {
	t.Run("stride equals server count", func(t *testing.T) {
		s := NewStore(3, 1)
		a, err := s.Unique()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := s.Unique()
		if a != 1 || b != 4 {
			t.Errorf("ids = %d, %d", a, b)
		}
	})

	t.Run("server zero skips the null id", func(t *testing.T) {
		s := NewStore(3, 0)
		a, _ := s.Unique()
		if a == NullID || a != 3 {
			t.Errorf("first id = %d", a)
		}
	})
}

func TestStoreRefsAcquireReferands(t *testing.T) {
	s := newStore(t)
	var n Notifications
	mustCreate(t, s, 80, types.TypeRef, types.Extra{}, rw(1, 1))
	ref, _ := types.Pack(types.NewRef(500))
	storeRefs := comm.Refcounts{Read: 2}
	if err := s.Store(80, nil, types.TypeRef, ref, comm.Refcounts{}, storeRefs, &n); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, u := range n.RefUpdates {
		if u.ID == 500 && u.Change.Read == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("store refs not acquired: %+v", n.RefUpdates)
	}
}
