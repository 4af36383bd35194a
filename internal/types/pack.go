package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dreamware/quarry/internal/codec"
)

// padSize reports whether length prefixes for this type are padded to
// codec.VintMaxBytes. Compound types are written body-first and the length
// patched in afterward, so the prefix must have a fixed width.
func padSize(t DataType) bool {
	return t == TypeContainer || t == TypeMultiset
}

// Pack serializes v to its byte form. The framing context
// (message body, container entry, checkpoint value) supplies the outer
// length; Pack itself emits only the payload.
func Pack(v *Value) ([]byte, error) {
	switch v.Type {
	case TypeInteger:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Int))
		return buf[:], nil
	case TypeFloat:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float))
		return buf[:], nil
	case TypeString, TypeBlob:
		return v.Bytes, nil
	case TypeRef:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Ref))
		return buf[:], nil
	case TypeFileRef:
		var buf [17]byte
		binary.LittleEndian.PutUint64(buf[0:], uint64(v.File.StatusID))
		binary.LittleEndian.PutUint64(buf[8:], uint64(v.File.FilenameID))
		if v.File.Mapped {
			buf[16] = 1
		}
		return buf[:], nil
	case TypeStruct:
		return packStruct(v.Struct)
	case TypeContainer, TypeMultiset:
		var out []byte
		if err := PackBuffer(v, false, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot serialize type %s", v.Type)
}

// PackBuffer appends the serialized form of v to *out. When prefixLen is
// set, the payload is preceded by its length: a plain vint for simple
// types, padded to codec.VintMaxBytes for compound types.
func PackBuffer(v *Value, prefixLen bool, out *[]byte) error {
	if padSize(v.Type) {
		start := len(*out)
		if prefixLen {
			*out = append(*out, make([]byte, codec.VintMaxBytes)...)
		}
		var err error
		if v.Type == TypeContainer {
			err = packContainer(v.Container, out)
		} else {
			err = packMultiset(v.Multiset, out)
		}
		if err != nil {
			return err
		}
		if prefixLen {
			body := len(*out) - start - codec.VintMaxBytes
			codec.EncodeVint(int64(body), (*out)[start:])
		}
		return nil
	}

	data, err := Pack(v)
	if err != nil {
		return err
	}
	AppendBuffer(data, prefixLen, false, out)
	return nil
}

// AppendBuffer appends raw bytes, optionally preceded by a vint length
// prefix (padded to the maximum vint width when padded is set).
func AppendBuffer(data []byte, prefixLen, padded bool, out *[]byte) {
	if prefixLen {
		var enc [codec.VintMaxBytes]byte
		n := codec.EncodeVint(int64(len(data)), enc[:])
		if padded {
			n = codec.VintMaxBytes
		}
		*out = append(*out, enc[:n]...)
	}
	*out = append(*out, data...)
}

func appendVint(out *[]byte, v int64) {
	var enc [codec.VintMaxBytes]byte
	n := codec.EncodeVint(v, enc[:])
	*out = append(*out, enc[:n]...)
}

func packContainer(c *Container, out *[]byte) error {
	appendVint(out, int64(c.KeyType))
	appendVint(out, int64(c.ValType))
	appendVint(out, int64(len(c.keys)))
	for _, k := range c.keys {
		AppendBuffer([]byte(k), true, false, out)
		member := c.members[k]
		if member == nil {
			// Reserved, unfilled key: zero-length value.
			appendVint(out, 0)
			if padSize(c.ValType) {
				*out = append(*out, make([]byte, codec.VintMaxBytes-1)...)
			}
			continue
		}
		if err := PackBuffer(member, true, out); err != nil {
			return err
		}
	}
	return nil
}

func packMultiset(m *Multiset, out *[]byte) error {
	appendVint(out, int64(m.ElemType))
	appendVint(out, int64(len(m.Elems)))
	for _, e := range m.Elems {
		if err := PackBuffer(e, true, out); err != nil {
			return err
		}
	}
	return nil
}

func packStruct(s *Struct) ([]byte, error) {
	var out []byte
	appendVint(&out, int64(s.Tag))
	appendVint(&out, int64(len(s.Fields)))
	for _, f := range s.Fields {
		if f == nil {
			appendVint(&out, int64(TypeNull))
			appendVint(&out, 0)
			continue
		}
		appendVint(&out, int64(f.Type))
		if err := PackBuffer(f, true, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
