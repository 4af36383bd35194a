// Package types defines the typed values held in the shared data store and
// their binary codec.
//
// A Value is a tagged variant: the Type field selects which payload field
// is meaningful. Compound values (containers, multisets, structs) own their
// members; references are plain ids resolved against the store, never
// pointers.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType tags a Value. The numeric order is part of the wire encoding
// and must not change.
type DataType int32

const (
	TypeNull DataType = iota
	TypeInteger
	TypeFloat
	TypeString
	TypeBlob
	TypeContainer
	TypeMultiset
	TypeStruct
	TypeRef
	TypeFileRef
)

var typeNames = map[DataType]string{
	TypeNull:      "null",
	TypeInteger:   "integer",
	TypeFloat:     "float",
	TypeString:    "string",
	TypeBlob:      "blob",
	TypeContainer: "container",
	TypeMultiset:  "multiset",
	TypeStruct:    "struct",
	TypeRef:       "ref",
	TypeFileRef:   "file_ref",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int32(t))
}

// ParseType converts a textual type name back to its tag. Struct types may
// carry a numeric suffix, e.g. "struct12".
func ParseType(s string) (DataType, Extra, error) {
	for t, name := range typeNames {
		if s == name {
			return t, Extra{}, nil
		}
	}
	if rest, ok := strings.CutPrefix(s, "struct"); ok {
		tag, err := strconv.ParseInt(rest, 10, 32)
		if err == nil && tag >= 0 {
			return TypeStruct, Extra{Valid: true, StructTag: int32(tag)}, nil
		}
	}
	return TypeNull, Extra{}, fmt.Errorf("unknown data type %q", s)
}

// Extra carries the additional type information some types need at
// creation: container key/value types, multiset element type, struct tag.
type Extra struct {
	Valid     bool
	KeyType   DataType // container
	ValType   DataType // container and multiset
	StructTag int32    // struct
}

// FileRef names a file datum by the ids of its status and filename datums.
type FileRef struct {
	StatusID   int64
	FilenameID int64
	Mapped     bool
}

// Value is a single typed datum payload.
type Value struct {
	Type DataType

	Int       int64   // TypeInteger
	Float     float64 // TypeFloat
	Bytes     []byte  // TypeString, TypeBlob
	Ref       int64   // TypeRef
	File      FileRef // TypeFileRef
	Struct    *Struct
	Container *Container
	Multiset  *Multiset
}

// Struct is an ordered sequence of typed fields plus an application tag.
// Fields may be nil while unset.
type Struct struct {
	Tag    int32
	Fields []*Value
}

// FieldIndex parses a struct subscript, which must be a decimal field
// index.
func FieldIndex(sub []byte) (int, error) {
	ix, err := strconv.Atoi(string(sub))
	if err != nil || ix < 0 {
		return 0, fmt.Errorf("bad struct subscript %q", sub)
	}
	return ix, nil
}

// Container maps key bytes to owned values of a fixed value type. A key
// present with a nil value is reserved but not yet filled. Iteration order
// is insertion order so that paged enumeration is stable.
type Container struct {
	KeyType DataType
	ValType DataType

	members map[string]*Value
	keys    []string
}

// NewContainer returns an empty container with the given key and value
// types.
func NewContainer(keyType, valType DataType) *Container {
	return &Container{
		KeyType: keyType,
		ValType: valType,
		members: make(map[string]*Value),
	}
}

// Lookup returns the value stored under key and whether the key is
// present. A present key may map to nil (reserved, unfilled).
func (c *Container) Lookup(key []byte) (*Value, bool) {
	v, ok := c.members[string(key)]
	return v, ok
}

// Add inserts a new key. The key must not already be present.
func (c *Container) Add(key []byte, v *Value) {
	k := string(key)
	if _, ok := c.members[k]; !ok {
		c.keys = append(c.keys, k)
	}
	c.members[k] = v
}

// Set replaces the value of an existing key, returning the previous value.
func (c *Container) Set(key []byte, v *Value) (prev *Value, ok bool) {
	k := string(key)
	prev, ok = c.members[k]
	if ok {
		c.members[k] = v
	}
	return prev, ok
}

// Size returns the number of keys, including reserved ones.
func (c *Container) Size() int { return len(c.members) }

// Keys returns the keys in insertion order. The slice is shared; callers
// must not modify it.
func (c *Container) Keys() []string { return c.keys }

// Multiset is an insertion-ordered bag of values of a fixed element type.
type Multiset struct {
	ElemType DataType
	Elems    []*Value
}

// NewMultiset returns an empty multiset with the given element type.
func NewMultiset(elemType DataType) *Multiset {
	return &Multiset{ElemType: elemType}
}

// Add appends an element.
func (m *Multiset) Add(v *Value) { m.Elems = append(m.Elems, v) }

// Size returns the number of elements.
func (m *Multiset) Size() int { return len(m.Elems) }

// Convenience constructors used widely in tests and handlers.

func NewInteger(v int64) *Value  { return &Value{Type: TypeInteger, Int: v} }
func NewFloat(v float64) *Value  { return &Value{Type: TypeFloat, Float: v} }
func NewString(s string) *Value  { return &Value{Type: TypeString, Bytes: []byte(s)} }
func NewBlob(b []byte) *Value    { return &Value{Type: TypeBlob, Bytes: b} }
func NewRef(id int64) *Value     { return &Value{Type: TypeRef, Ref: id} }
func NewFileRef(f FileRef) *Value {
	return &Value{Type: TypeFileRef, File: f}
}

// ReferandIDs appends the datum ids embedded in v (references held by the
// value itself and, recursively, by its members) to ids and returns the
// extended slice. The store uses this to adjust referand read counts when
// a value gains or loses an owner.
func ReferandIDs(v *Value, ids []int64) []int64 {
	if v == nil {
		return ids
	}
	switch v.Type {
	case TypeRef:
		ids = append(ids, v.Ref)
	case TypeFileRef:
		ids = append(ids, v.File.StatusID, v.File.FilenameID)
	case TypeContainer:
		for _, k := range v.Container.keys {
			ids = ReferandIDs(v.Container.members[k], ids)
		}
	case TypeMultiset:
		for _, e := range v.Multiset.Elems {
			ids = ReferandIDs(e, ids)
		}
	case TypeStruct:
		for _, f := range v.Struct.Fields {
			ids = ReferandIDs(f, ids)
		}
	}
	return ids
}

// Repr renders v for debug logs. Long strings are truncated at the first
// newline.
func Repr(v *Value) string {
	if v == nil {
		return "<unlinked>"
	}
	switch v.Type {
	case TypeInteger:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case TypeString:
		s := string(v.Bytes)
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[:i] + "..."
		}
		return s
	case TypeBlob:
		return fmt.Sprintf("blob (%d bytes)", len(v.Bytes))
	case TypeRef:
		return fmt.Sprintf("<%d>", v.Ref)
	case TypeFileRef:
		return fmt.Sprintf("status:<%d> filename:<%d> mapped:%v",
			v.File.StatusID, v.File.FilenameID, v.File.Mapped)
	case TypeContainer:
		var b strings.Builder
		fmt.Fprintf(&b, "%s=>%s:", v.Container.KeyType, v.Container.ValType)
		for _, k := range v.Container.keys {
			fmt.Fprintf(&b, " %q={%s}", k, Repr(v.Container.members[k]))
		}
		return b.String()
	case TypeMultiset:
		var b strings.Builder
		fmt.Fprintf(&b, "multiset of %s:", v.Multiset.ElemType)
		for _, e := range v.Multiset.Elems {
			fmt.Fprintf(&b, " {%s}", Repr(e))
		}
		return b.String()
	case TypeStruct:
		var b strings.Builder
		fmt.Fprintf(&b, "struct%d:", v.Struct.Tag)
		for i, f := range v.Struct.Fields {
			fmt.Fprintf(&b, " %d={%s}", i, Repr(f))
		}
		return b.String()
	}
	return "???"
}
