package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dreamware/quarry/internal/codec"
)

// Unpack deserializes a value of the given type from its packed byte form.
// It is the inverse of Pack: Unpack(t, Pack(v)) reproduces v for every
// valid value.
func Unpack(t DataType, data []byte) (*Value, error) {
	switch t {
	case TypeInteger:
		if len(data) != 8 {
			return nil, fmt.Errorf("integer payload is %d bytes, want 8", len(data))
		}
		return NewInteger(int64(binary.LittleEndian.Uint64(data))), nil
	case TypeFloat:
		if len(data) != 8 {
			return nil, fmt.Errorf("float payload is %d bytes, want 8", len(data))
		}
		return NewFloat(math.Float64frombits(binary.LittleEndian.Uint64(data))), nil
	case TypeString:
		b := make([]byte, len(data))
		copy(b, data)
		return &Value{Type: TypeString, Bytes: b}, nil
	case TypeBlob:
		b := make([]byte, len(data))
		copy(b, data)
		return &Value{Type: TypeBlob, Bytes: b}, nil
	case TypeRef:
		if len(data) != 8 {
			return nil, fmt.Errorf("ref payload is %d bytes, want 8", len(data))
		}
		return NewRef(int64(binary.LittleEndian.Uint64(data))), nil
	case TypeFileRef:
		if len(data) != 17 {
			return nil, fmt.Errorf("file_ref payload is %d bytes, want 17", len(data))
		}
		return NewFileRef(FileRef{
			StatusID:   int64(binary.LittleEndian.Uint64(data[0:])),
			FilenameID: int64(binary.LittleEndian.Uint64(data[8:])),
			Mapped:     data[16] != 0,
		}), nil
	case TypeStruct:
		return unpackStruct(data)
	case TypeContainer:
		return unpackContainer(data)
	case TypeMultiset:
		return unpackMultiset(data)
	}
	return nil, fmt.Errorf("cannot deserialize type %s", t)
}

// UnpackBuffer consumes one length-prefixed entry from data at *pos and
// returns the entry's byte slice (aliasing data). padded selects the
// fixed-width prefix used for compound types.
func UnpackBuffer(padded bool, data []byte, pos *int) ([]byte, error) {
	if *pos >= len(data) {
		return nil, fmt.Errorf("buffer exhausted at %d", *pos)
	}
	length, n, err := codec.DecodeVint(data[*pos:])
	if err != nil {
		return nil, err
	}
	if padded {
		n = codec.VintMaxBytes
	}
	if length < 0 || *pos+n+int(length) > len(data) {
		return nil, fmt.Errorf("entry length %d exceeds buffer", length)
	}
	entry := data[*pos+n : *pos+n+int(length)]
	*pos += n + int(length)
	return entry, nil
}

func decodeVintAt(data []byte, pos *int) (int64, error) {
	v, n, err := codec.DecodeVint(data[*pos:])
	if err != nil {
		return 0, err
	}
	*pos += n
	return v, nil
}

func decodeTypeAt(data []byte, pos *int) (DataType, error) {
	v, err := decodeVintAt(data, pos)
	if err != nil {
		return TypeNull, err
	}
	t := DataType(v)
	if _, ok := typeNames[t]; !ok {
		return TypeNull, fmt.Errorf("type tag out of range: %d", v)
	}
	return t, nil
}

// unlinkedEntry reports whether a zero-length container value denotes a
// reserved-but-unfilled key. Strings and blobs may legitimately be empty;
// every other type has a non-empty encoding.
func unlinkedEntry(valType DataType, entry []byte) bool {
	return len(entry) == 0 && valType != TypeString && valType != TypeBlob
}

func unpackContainer(data []byte) (*Value, error) {
	pos := 0
	keyType, err := decodeTypeAt(data, &pos)
	if err != nil {
		return nil, err
	}
	valType, err := decodeTypeAt(data, &pos)
	if err != nil {
		return nil, err
	}
	elems, err := decodeVintAt(data, &pos)
	if err != nil {
		return nil, err
	}
	if elems < 0 {
		return nil, fmt.Errorf("container entry count out of range: %d", elems)
	}

	c := NewContainer(keyType, valType)
	for i := int64(0); i < elems; i++ {
		key, err := UnpackBuffer(false, data, &pos)
		if err != nil {
			return nil, err
		}
		entry, err := UnpackBuffer(padSize(valType), data, &pos)
		if err != nil {
			return nil, err
		}
		if unlinkedEntry(valType, entry) {
			c.Add(key, nil)
			continue
		}
		v, err := Unpack(valType, entry)
		if err != nil {
			return nil, err
		}
		c.Add(key, v)
	}
	return &Value{Type: TypeContainer, Container: c}, nil
}

func unpackMultiset(data []byte) (*Value, error) {
	pos := 0
	elemType, err := decodeTypeAt(data, &pos)
	if err != nil {
		return nil, err
	}
	elems, err := decodeVintAt(data, &pos)
	if err != nil {
		return nil, err
	}
	if elems < 0 {
		return nil, fmt.Errorf("multiset entry count out of range: %d", elems)
	}

	m := NewMultiset(elemType)
	for i := int64(0); i < elems; i++ {
		entry, err := UnpackBuffer(padSize(elemType), data, &pos)
		if err != nil {
			return nil, err
		}
		v, err := Unpack(elemType, entry)
		if err != nil {
			return nil, err
		}
		m.Add(v)
	}
	return &Value{Type: TypeMultiset, Multiset: m}, nil
}

func unpackStruct(data []byte) (*Value, error) {
	pos := 0
	tag, err := decodeVintAt(data, &pos)
	if err != nil {
		return nil, err
	}
	nfields, err := decodeVintAt(data, &pos)
	if err != nil {
		return nil, err
	}
	if nfields < 0 {
		return nil, fmt.Errorf("struct field count out of range: %d", nfields)
	}

	s := &Struct{Tag: int32(tag), Fields: make([]*Value, nfields)}
	for i := int64(0); i < nfields; i++ {
		ft, err := decodeTypeAt(data, &pos)
		if err != nil {
			return nil, err
		}
		entry, err := UnpackBuffer(padSize(ft), data, &pos)
		if err != nil {
			return nil, err
		}
		if ft == TypeNull {
			continue
		}
		v, err := Unpack(ft, entry)
		if err != nil {
			return nil, err
		}
		s.Fields[i] = v
	}
	return &Value{Type: TypeStruct, Struct: s}, nil
}
