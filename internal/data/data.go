// Package data implements the server-side shared data store: typed datums
// keyed by 64-bit ids, with split read/write reference counts, closure and
// subscript listeners, container references and advisory locks.
//
// A Store is owned by a single server goroutine; every operation runs to
// completion without yielding, so there is no internal locking. Side
// effects that must leave the server (notifications, reference writes,
// cross-server refcount updates) are returned in a Notifications value for
// the caller to propagate.
package data

import (
	"log"
	"math"
	"os"

	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/types"
)

// NullID is the id of nothing. Datums never use it.
const NullID int64 = 0

// SubscriptMax is the maximum length of a container subscript.
const SubscriptMax = 1024

// DataMax is the maximum length of a single datum payload.
const DataMax = 20 * 1024 * 1024

// Datum is one addressable value in the store.
type Datum struct {
	Type  types.DataType
	Extra types.Extra

	// Value is the storage; nil until set for scalar types. Containers
	// and multisets are initialized (and marked set) at creation.
	Value *types.Value
	Set   bool

	ReadRefcount  int32
	WriteRefcount int32

	// Permanent datums ignore read refcount changes and are never
	// garbage collected.
	Permanent bool

	// Listeners holds ranks awaiting closure of this datum.
	Listeners []int

	// Symbol is an opaque debug tag supplied at creation.
	Symbol uint32
}

func (d *Datum) open() bool { return d.WriteRefcount > 0 }

type subKey struct {
	id  int64
	sub string
}

// Store is the per-server data store.
type Store struct {
	servers   int
	serverNum int

	datums map[int64]*Datum

	// containerRefs maps (container, subscript) to the datum ids bound by
	// container-reference promises.
	containerRefs map[subKey][]int64

	// subListeners maps (container, subscript) to ranks awaiting
	// insertion of that subscript.
	subListeners map[subKey][]int

	// locked maps datum id to the rank holding its advisory lock.
	locked map[int64]int

	// unique is the next id this server will allocate; it advances by
	// servers so allocations never collide across servers.
	unique int64
	lastID int64
}

// NewStore creates the store for server number serverNum of servers.
func NewStore(servers, serverNum int) *Store {
	unique := int64(serverNum)
	if unique == 0 {
		// 0 is NullID; the first server starts one stride up.
		unique += int64(servers)
	}
	return &Store{
		servers:       servers,
		serverNum:     serverNum,
		datums:        make(map[int64]*Datum),
		containerRefs: make(map[subKey][]int64),
		subListeners:  make(map[subKey][]int),
		locked:        make(map[int64]int),
		unique:        unique,
		lastID:        math.MaxInt64 - int64(servers) - 1,
	}
}

// Unique allocates a fresh datum id from this server's stride. Fails with
// a limit error once the id space is exhausted.
func (s *Store) Unique() (int64, error) {
	if s.unique >= s.lastID {
		return NullID, Errorf(comm.DataLimit, "datum id space exhausted")
	}
	id := s.unique
	s.unique += int64(s.servers)
	return id, nil
}

// Create declares a new datum. If both refcounts in props are zero the
// call is a no-op: the datum would be destroyed immediately.
func (s *Store) Create(id int64, t types.DataType, extra types.Extra, props comm.CreateProps) error {
	if id == NullID {
		return Errorf(comm.DataNull, "attempt to create the null id")
	}
	if _, ok := s.datums[id]; ok {
		return Errorf(comm.DataDoubleDeclare, "<%d> already exists", id)
	}
	if props.ReadRefcount < 0 || props.WriteRefcount < 0 {
		return Errorf(comm.DataInvalid, "<%d> negative initial refcount", id)
	}
	if props.ReadRefcount == 0 && props.WriteRefcount == 0 {
		debugf("skipped creation of <%d>", id)
		return nil
	}

	d := &Datum{
		Type:          t,
		Extra:         extra,
		ReadRefcount:  props.ReadRefcount,
		WriteRefcount: props.WriteRefcount,
		Permanent:     props.Permanent,
		Symbol:        props.Symbol,
	}
	switch t {
	case types.TypeContainer:
		if !extra.Valid {
			return Errorf(comm.DataInvalid, "<%d> container created without key/val types", id)
		}
		d.Value = &types.Value{Type: t, Container: types.NewContainer(extra.KeyType, extra.ValType)}
		d.Set = true
	case types.TypeMultiset:
		if !extra.Valid {
			return Errorf(comm.DataInvalid, "<%d> multiset created without element type", id)
		}
		d.Value = &types.Value{Type: t, Multiset: types.NewMultiset(extra.ValType)}
		d.Set = true
	}
	s.datums[id] = d
	debugf("create <%d> t:%s r:%d w:%d", id, t, props.ReadRefcount, props.WriteRefcount)
	return nil
}

func (s *Store) lookup(id int64) (*Datum, error) {
	d, ok := s.datums[id]
	if !ok {
		return nil, Errorf(comm.DataNotFound, "not found: <%d>", id)
	}
	return d, nil
}

// Exists reports whether id exists and is set, or, with a subscript,
// whether the container key is present.
func (s *Store) Exists(id int64, sub []byte) (bool, error) {
	d, ok := s.datums[id]
	if len(sub) == 0 {
		return ok && d.Set, nil
	}
	if !ok {
		return false, nil
	}
	if d.Type != types.TypeContainer {
		return false, Errorf(comm.DataType, "<%d> is %s, not a container", id, d.Type)
	}
	_, found := d.Value.Container.Lookup(sub)
	return found, nil
}

// Typeof returns the datum's type.
func (s *Store) Typeof(id int64) (types.DataType, error) {
	if id == NullID {
		return types.TypeNull, Errorf(comm.DataNull, "typeof the null id")
	}
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, err
	}
	return d.Type, nil
}

// ContainerTypeof returns a container's key and value types.
func (s *Store) ContainerTypeof(id int64) (keyType, valType types.DataType, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	if d.Type != types.TypeContainer {
		return types.TypeNull, types.TypeNull,
			Errorf(comm.DataType, "not a container: <%d>", id)
	}
	c := d.Value.Container
	return c.KeyType, c.ValType, nil
}

// Permanent marks a datum permanent after creation.
func (s *Store) Permanent(id int64) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	d.Permanent = true
	return nil
}

// Refcounts returns a datum's current counters.
func (s *Store) Refcounts(id int64) (comm.Refcounts, error) {
	d, err := s.lookup(id)
	if err != nil {
		return comm.Refcounts{}, err
	}
	return comm.Refcounts{Read: d.ReadRefcount, Write: d.WriteRefcount}, nil
}

// Lock attempts to take the advisory lock on id for rank. Returns whether
// the lock was acquired.
func (s *Store) Lock(id int64, rank int) (bool, error) {
	if _, err := s.lookup(id); err != nil {
		return false, err
	}
	if _, held := s.locked[id]; held {
		return false, nil
	}
	s.locked[id] = rank
	return true, nil
}

// Unlock releases the advisory lock on id.
func (s *Store) Unlock(id int64) error {
	if _, held := s.locked[id]; !held {
		return Errorf(comm.DataNotFound, "not locked: <%d>", id)
	}
	delete(s.locked, id)
	return nil
}

// Size returns the number of resident datums.
func (s *Store) Size() int { return len(s.datums) }

// Finalize reports leaked and unset datums. With ADLB_REPORT_LEAKS set,
// each one is printed.
func (s *Store) Finalize() {
	report := os.Getenv("ADLB_REPORT_LEAKS") != "" && os.Getenv("ADLB_REPORT_LEAKS") != "0"
	for id, d := range s.datums {
		if d.Permanent {
			continue
		}
		if d.Set {
			debugf("leak: <%d>", id)
			if report {
				log.Printf("LEAK DETECTED: <%d> t:%s r:%d w:%d v:%s",
					id, d.Type, d.ReadRefcount, d.WriteRefcount, types.Repr(d.Value))
			}
		} else {
			debugf("unset variable: <%d>", id)
			if report {
				log.Printf("UNSET VARIABLE DETECTED: <%d>", id)
			}
		}
	}
	for key, refs := range s.containerRefs {
		for _, ref := range refs {
			log.Printf("UNFILLED CONTAINER REFERENCE <%d>[%s] => <%d>", key.id, key.sub, ref)
		}
	}
}
