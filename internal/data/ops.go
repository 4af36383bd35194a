package data

import (
	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/types"
)

// Store writes a value: to the datum itself, appended to a multiset, or
// inserted under a container subscript. decr is applied to the datum's
// counts atomically with the write; storeRefs is acquired on every
// referand embedded in the stored value so the writer may retain
// references into it.
//
// Inserting into a container resolves any pending container-reference
// promises and subscript listeners for that key; the results land in n.
func (s *Store) Store(id int64, sub []byte, t types.DataType, payload []byte,
	decr, storeRefs comm.Refcounts, n *Notifications) error {
	if len(sub) > SubscriptMax {
		return Errorf(comm.DataInvalid, "subscript too long: %d bytes", len(sub))
	}
	if len(payload) > DataMax {
		return Errorf(comm.DataLimit, "value too long: %d bytes", len(payload))
	}
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !d.open() {
		return Errorf(comm.DataDoubleWrite, "attempt to write closed var: <%d>", id)
	}

	// Set when the datum was destroyed while resolving notifications; a
	// subsequent decrement would touch freed state.
	freed := false

	var inserted *types.Value
	switch {
	case d.Type == types.TypeMultiset:
		if len(sub) != 0 {
			return Errorf(comm.DataType, "cannot append to multiset <%d> with a subscript", id)
		}
		ms := d.Value.Multiset
		if t != ms.ElemType {
			return Errorf(comm.DataType,
				"multiset <%d> element type mismatch: expected %s actual %s", id, ms.ElemType, t)
		}
		v, err := types.Unpack(t, payload)
		if err != nil {
			return Errorf(comm.DataInvalid, "unpacking multiset element for <%d>: %v", id, err)
		}
		ms.Add(v)
		inserted = v
		debugf("store <%d> += %s", id, types.Repr(v))

	case len(sub) == 0:
		if t != d.Type {
			return Errorf(comm.DataType,
				"<%d> type mismatch: expected %s actual %s", id, d.Type, t)
		}
		if d.Set {
			return Errorf(comm.DataDoubleWrite, "already set: <%d>", id)
		}
		v, err := types.Unpack(t, payload)
		if err != nil {
			return Errorf(comm.DataInvalid, "unpacking value for <%d>: %v", id, err)
		}
		d.Value = v
		d.Set = true
		inserted = v
		debugf("store <%d> = %s", id, types.Repr(v))

	default:
		if d.Type != types.TypeContainer {
			return Errorf(comm.DataType, "type %s not a container: <%d>", d.Type, id)
		}
		c := d.Value.Container
		if t != c.ValType {
			return Errorf(comm.DataType,
				"container <%d> value type mismatch: expected %s actual %s", id, c.ValType, t)
		}
		v, err := types.Unpack(t, payload)
		if err != nil {
			return Errorf(comm.DataInvalid, "unpacking container value for <%d>: %v", id, err)
		}
		if prev, found := c.Lookup(sub); found {
			if prev != nil {
				return Errorf(comm.DataDoubleWrite, "already exists: <%d>[%s]", id, sub)
			}
			// A reservation placed by insert-atomic: fill it.
			c.Set(sub, v)
		} else {
			c.Add(sub, v)
		}
		inserted = v
		debugf("store <%d>[%s] = %s", id, sub, types.Repr(v))

		if err := s.insertNotifications(id, d, sub, v, n, &freed); err != nil {
			return err
		}
	}

	incrReferands(inserted, storeRefs, n)

	if decr.Read > 0 || decr.Write > 0 {
		if freed {
			return Errorf(comm.DataRefcountNegative,
				"refcount decrement on destroyed datum <%d>", id)
		}
		neg := comm.Refcounts{Read: -decr.Read, Write: -decr.Write}
		if _, _, err := s.refcountImpl(id, d, neg, false, n); err != nil {
			return err
		}
	}
	return nil
}

// insertNotifications resolves the (id, sub) subscription state after an
// insert: bound references receive the value, their bucket's read
// refcount is released, and subscript listeners fire.
func (s *Store) insertNotifications(id int64, d *Datum, sub []byte,
	inserted *types.Value, n *Notifications, freed *bool) error {
	key := subKey{id: id, sub: string(sub)}

	if refs, ok := s.containerRefs[key]; ok {
		delete(s.containerRefs, key)
		n.ReferenceIDs = append(n.ReferenceIDs, refs...)

		// The referands of the inserted value gain one read count per new
		// reference about to be written.
		incrReferands(inserted, comm.Refcounts{Read: int32(len(refs))}, n)

		// The bucket held one read refcount on the container; release it.
		// This may destroy the container itself.
		_, destroyed, err := s.refcountImpl(id, d, comm.Refcounts{Read: -1}, false, n)
		if err != nil {
			return err
		}
		*freed = destroyed
	}

	if ranks, ok := s.subListeners[key]; ok {
		delete(s.subListeners, key)
		n.InsertRanks = append(n.InsertRanks, ranks...)
	}
	return nil
}

// Retrieve reads a datum, a container entry, or a struct field. After a
// successful read the retrieval plan is applied: referands of the
// returned value gain plan.IncrReferand, then the datum loses
// plan.DecrSelf (which may destroy it).
func (s *Store) Retrieve(id int64, sub []byte, plan comm.RetrievePlan,
	n *Notifications) (types.DataType, []byte, error) {
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, nil, err
	}

	var t types.DataType
	var v *types.Value
	if len(sub) == 0 {
		if !d.Set {
			return types.TypeNull, nil, Errorf(comm.DataUnset, "not set: <%d>", id)
		}
		t, v = d.Type, d.Value
	} else {
		switch d.Type {
		case types.TypeContainer:
			c := d.Value.Container
			member, found := c.Lookup(sub)
			if !found || member == nil {
				return types.TypeNull, nil,
					Errorf(comm.DataSubscriptNotFound, "<%d>[%s]", id, sub)
			}
			t, v = c.ValType, member
		case types.TypeStruct:
			ix, err := types.FieldIndex(sub)
			if err != nil {
				return types.TypeNull, nil, Errorf(comm.DataNumberFormat, "%v", err)
			}
			st := d.Value.Struct
			if ix >= len(st.Fields) {
				return types.TypeNull, nil, Errorf(comm.DataSubscriptNotFound,
					"<%d> field %d of %d", id, ix, len(st.Fields))
			}
			field := st.Fields[ix]
			if field == nil {
				return types.TypeNull, nil, Errorf(comm.DataUnset,
					"<%d> field %d not set", id, ix)
			}
			t, v = field.Type, field
		default:
			return types.TypeNull, nil, Errorf(comm.DataInvalid,
				"cannot look up subscript on type %s", d.Type)
		}
	}

	payload, err := types.Pack(v)
	if err != nil {
		return types.TypeNull, nil, Errorf(comm.DataInvalid, "packing <%d>: %v", id, err)
	}

	incrReferands(v, plan.IncrReferand, n)
	if plan.DecrSelf.Read > 0 || plan.DecrSelf.Write > 0 {
		neg := comm.Refcounts{Read: -plan.DecrSelf.Read, Write: -plan.DecrSelf.Write}
		if _, _, err := s.refcountImpl(id, d, neg, false, n); err != nil {
			return types.TypeNull, nil, err
		}
	}
	return t, payload, nil
}

// Enumerate returns a contiguous slice [offset, offset+count) of a
// container or multiset in packed form. count -1 means to the end.
func (s *Store) Enumerate(id int64, count, offset int, includeKeys, includeVals bool,
	decr comm.Refcounts, n *Notifications) (records int, out []byte,
	keyType, valType types.DataType, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return 0, nil, types.TypeNull, types.TypeNull, err
	}
	if offset < 0 {
		offset = 0
	}

	switch d.Type {
	case types.TypeContainer:
		c := d.Value.Container
		keys := sliceRange(c.Keys(), offset, count)
		for _, k := range keys {
			if includeKeys {
				types.AppendBuffer([]byte(k), true, false, &out)
			}
			if includeVals {
				member, _ := c.Lookup([]byte(k))
				if member == nil {
					types.AppendBuffer(nil, true, false, &out)
				} else if err := types.PackBuffer(member, true, &out); err != nil {
					return 0, nil, types.TypeNull, types.TypeNull,
						Errorf(comm.DataInvalid, "packing <%d>[%s]: %v", id, k, err)
				}
			}
		}
		records, keyType, valType = len(keys), c.KeyType, c.ValType

	case types.TypeMultiset:
		if includeKeys {
			return 0, nil, types.TypeNull, types.TypeNull,
				Errorf(comm.DataType, "multiset <%d> has no keys to enumerate", id)
		}
		ms := d.Value.Multiset
		elems := sliceRange(ms.Elems, offset, count)
		if includeVals {
			for _, e := range elems {
				if err := types.PackBuffer(e, true, &out); err != nil {
					return 0, nil, types.TypeNull, types.TypeNull,
						Errorf(comm.DataInvalid, "packing <%d> element: %v", id, err)
				}
			}
		}
		records, keyType, valType = len(elems), types.TypeNull, ms.ElemType

	default:
		return 0, nil, types.TypeNull, types.TypeNull,
			Errorf(comm.DataType, "enumeration of <%d> with type %s not supported", id, d.Type)
	}

	if !decr.IsZero() {
		neg := comm.Refcounts{Read: -decr.Read, Write: -decr.Write}
		if _, _, err := s.refcountImpl(id, d, neg, false, n); err != nil {
			return 0, nil, types.TypeNull, types.TypeNull, err
		}
	}
	return records, out, keyType, valType, nil
}

func sliceRange[T any](all []T, offset, count int) []T {
	if offset >= len(all) {
		return nil
	}
	rest := all[offset:]
	if count >= 0 && count < len(rest) {
		rest = rest[:count]
	}
	return rest
}

// ContainerSize returns the entry count of a container or multiset.
func (s *Store) ContainerSize(id int64, decr comm.Refcounts, n *Notifications) (int, error) {
	d, err := s.lookup(id)
	if err != nil {
		return -1, err
	}
	var size int
	switch d.Type {
	case types.TypeContainer:
		size = d.Value.Container.Size()
	case types.TypeMultiset:
		size = d.Value.Multiset.Size()
	default:
		return -1, Errorf(comm.DataType, "not a container or multiset: <%d>", id)
	}
	if !decr.IsZero() {
		neg := comm.Refcounts{Read: -decr.Read, Write: -decr.Write}
		if _, _, err := s.refcountImpl(id, d, neg, false, n); err != nil {
			return -1, err
		}
	}
	return size, nil
}

// Subscribe registers rank for a notification. Without a subscript the
// rank is notified when the datum closes; the call reports false if the
// datum is already closed. With a subscript on a container the rank is
// notified when that key is inserted. Duplicate registrations are
// ignored.
func (s *Store) Subscribe(id int64, sub []byte, rank int) (bool, error) {
	d, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if len(sub) != 0 {
		if d.Type != types.TypeContainer {
			return false, Errorf(comm.DataInvalid,
				"subscribing to subscript %s on non-container <%d>", sub, id)
		}
		key := subKey{id: id, sub: string(sub)}
		s.subListeners[key] = appendUnique(s.subListeners[key], rank)
		return true, nil
	}
	if !d.open() {
		return false, nil
	}
	d.Listeners = appendUnique(d.Listeners, rank)
	return true, nil
}

// ContainerReference binds a promise: when container[sub] is filled, the
// inserted value is stored into refID. If the subscript already holds a
// filled value it is returned immediately and nothing is registered; the
// caller performs the store itself.
//
// A registration consumes one read refcount on the container unless the
// subscription bucket was newly created, in which case the bucket keeps
// the caller's refcount until the insert resolves it.
func (s *Store) ContainerReference(id int64, sub []byte, refID int64,
	refType types.DataType, n *Notifications) (types.DataType, []byte, error) {
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, nil, err
	}
	if d.Type != types.TypeContainer {
		return types.TypeNull, nil, Errorf(comm.DataType, "not a container: <%d>", id)
	}
	c := d.Value.Container
	if refType != c.ValType {
		return types.TypeNull, nil, Errorf(comm.DataType,
			"reference type mismatch for <%d>: expected %s actual %s", id, c.ValType, refType)
	}

	if member, found := c.Lookup(sub); found && member != nil {
		payload, err := types.Pack(member)
		if err != nil {
			return types.TypeNull, nil, Errorf(comm.DataInvalid, "packing <%d>[%s]: %v", id, sub, err)
		}
		return c.ValType, payload, nil
	}

	if !d.open() {
		return types.TypeNull, nil, Errorf(comm.DataInvalid,
			"reference to absent subscript on closed container <%d>[%s]", id, sub)
	}
	if d.ReadRefcount <= 0 {
		return types.TypeNull, nil, Errorf(comm.DataRefcountNegative,
			"container reference consumes a read refcount, but <%d> has %d", id, d.ReadRefcount)
	}

	key := subKey{id: id, sub: string(sub)}
	refs, existed := s.containerRefs[key]
	if existed {
		// The bucket already holds one read refcount; this caller's is
		// surplus.
		if d.ReadRefcount < 2 {
			return types.TypeNull, nil, Errorf(comm.DataRefcountNegative,
				"<%d> read refcount %d with live reference bucket", id, d.ReadRefcount)
		}
		d.ReadRefcount--
		debugf("read_refcount in container_reference: <%d> => %d", id, d.ReadRefcount)
	}
	s.containerRefs[key] = appendUniqueID(refs, refID)
	return types.TypeNull, nil, nil
}

// InsertAtomic reserves container[sub] so exactly one caller creates the
// key. Returns whether this call created the reservation and whether a
// filled value is already present; when returnValue is set and a value is
// present, the value is returned as well.
func (s *Store) InsertAtomic(id int64, sub []byte, returnValue bool) (created, valuePresent bool,
	valType types.DataType, value []byte, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return false, false, types.TypeNull, nil, err
	}
	if d.Type != types.TypeContainer {
		return false, false, types.TypeNull, nil,
			Errorf(comm.DataType, "not a container: <%d>", id)
	}
	c := d.Value.Container
	if member, found := c.Lookup(sub); found {
		if member != nil && returnValue {
			payload, err := types.Pack(member)
			if err != nil {
				return false, true, types.TypeNull, nil,
					Errorf(comm.DataInvalid, "packing <%d>[%s]: %v", id, sub, err)
			}
			return false, true, c.ValType, payload, nil
		}
		return false, member != nil, types.TypeNull, nil, nil
	}
	c.Add(sub, nil)
	return true, false, types.TypeNull, nil, nil
}

func appendUnique(ranks []int, rank int) []int {
	for _, r := range ranks {
		if r == rank {
			return ranks
		}
	}
	return append(ranks, rank)
}

func appendUniqueID(ids []int64, id int64) []int64 {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
