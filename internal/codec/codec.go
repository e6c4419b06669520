// Package codec stores selected attributes of an entity in a compact binary
// blob and extracts the normalized columns used for matching.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

// Blob layout (little endian):
//
//	magic "DA", version byte
//	dataset := count:u32 { group:u16 element:u16 vr:[2]byte kind:u8 payload }
//	kind 0 (text):   n:u32 { len:u32 bytes }
//	kind 1 (binary): len:u32 bytes
//	kind 2 (items):  n:u32 { dataset }
const (
	magic0  = 'D'
	magic1  = 'A'
	version = 1

	kindText   = 0
	kindBinary = 1
	kindItems  = 2
)

// maxDepth bounds sequence nesting on decode.
const maxDepth = 32

// CorruptError reports a blob that cannot be decoded.
type CorruptError struct {
	Offset int
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt attribute blob at offset %d: %s", e.Offset, e.Reason)
}

// Encode serializes the attributes selected by f.
func Encode(attrs *dcm.Attributes, f Filter) []byte {
	return EncodeAll(f.Apply(attrs))
}

// EncodeAll serializes every attribute.
func EncodeAll(attrs *dcm.Attributes) []byte {
	buf := []byte{magic0, magic1, version}
	return appendDataset(buf, attrs)
}

func appendDataset(buf []byte, attrs *dcm.Attributes) []byte {
	tags := attrs.Tags()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tags)))
	for _, tg := range tags {
		v, _ := attrs.Get(tg)
		buf = binary.LittleEndian.AppendUint16(buf, tg.Group)
		buf = binary.LittleEndian.AppendUint16(buf, tg.Element)
		buf = append(buf, vrBytes(v.VR)...)
		switch {
		case v.VR == dcm.VRSQ:
			buf = append(buf, kindItems)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Items)))
			for _, item := range v.Items {
				buf = appendDataset(buf, item)
			}
		case v.Bytes != nil:
			buf = append(buf, kindBinary)
			buf = appendBytes(buf, v.Bytes)
		default:
			buf = append(buf, kindText)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Strings)))
			for _, s := range v.Strings {
				buf = appendBytes(buf, []byte(s))
			}
		}
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func vrBytes(vr dcm.VR) []byte {
	b := []byte{' ', ' '}
	copy(b, vr)
	return b
}

// Decode parses a blob produced by Encode. An empty blob decodes to an empty
// attribute set.
func Decode(b []byte) (*dcm.Attributes, error) {
	if len(b) == 0 {
		return dcm.NewAttributes(), nil
	}
	if len(b) < 3 || b[0] != magic0 || b[1] != magic1 {
		return nil, &CorruptError{Offset: 0, Reason: "bad magic"}
	}
	if b[2] != version {
		return nil, &CorruptError{Offset: 2, Reason: fmt.Sprintf("unsupported version %d", b[2])}
	}
	d := &decoder{buf: b, pos: 3}
	attrs, err := d.dataset(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(b) {
		return nil, d.corrupt("trailing bytes")
	}
	return attrs, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) corrupt(reason string) error {
	return &CorruptError{Offset: d.pos, Reason: reason}
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.buf)-d.pos < n {
		return d.corrupt("unexpected end of data")
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// count reads an element count, rejecting counts that cannot fit in the
// remaining bytes given a minimum encoded size per element.
func (d *decoder) count(minSize int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 || int(n)*minSize > len(d.buf)-d.pos {
		return 0, d.corrupt(fmt.Sprintf("count %d exceeds remaining data", n))
	}
	return int(n), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.count(1)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+n])
	d.pos += n
	return b, nil
}

func (d *decoder) dataset(depth int) (*dcm.Attributes, error) {
	if depth > maxDepth {
		return nil, d.corrupt("sequence nesting too deep")
	}
	n, err := d.count(9)
	if err != nil {
		return nil, err
	}
	attrs := dcm.NewAttributes()
	var prev uint32
	for i := 0; i < n; i++ {
		group, err := d.u16()
		if err != nil {
			return nil, err
		}
		elem, err := d.u16()
		if err != nil {
			return nil, err
		}
		tg := dcm.Tag{Group: group, Element: elem}
		if i > 0 && dcm.Key(tg) <= prev {
			return nil, d.corrupt(fmt.Sprintf("tag %s out of order", dcm.Hex(tg)))
		}
		prev = dcm.Key(tg)
		if err := d.need(2); err != nil {
			return nil, err
		}
		vr := dcm.VR(d.buf[d.pos : d.pos+2])
		d.pos += 2
		kind, err := d.u8()
		if err != nil {
			return nil, err
		}
		v := &dcm.Value{VR: vr}
		switch kind {
		case kindText:
			m, err := d.count(4)
			if err != nil {
				return nil, err
			}
			v.Strings = make([]string, m)
			for j := range v.Strings {
				b, err := d.bytes()
				if err != nil {
					return nil, err
				}
				v.Strings[j] = string(b)
			}
		case kindBinary:
			if v.Bytes, err = d.bytes(); err != nil {
				return nil, err
			}
		case kindItems:
			m, err := d.count(4)
			if err != nil {
				return nil, err
			}
			v.Items = make([]*dcm.Attributes, m)
			for j := range v.Items {
				if v.Items[j], err = d.dataset(depth + 1); err != nil {
					return nil, err
				}
			}
		default:
			return nil, d.corrupt(fmt.Sprintf("unknown value kind %d", kind))
		}
		attrs.SetValue(tg, v)
	}
	return attrs, nil
}
