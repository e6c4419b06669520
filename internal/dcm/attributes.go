package dcm

import (
	"sort"
	"strings"
)

// Value holds the typed content of one attribute. Text VRs use Strings,
// binary VRs use Bytes and SQ uses Items.
type Value struct {
	VR      VR
	Strings []string
	Bytes   []byte
	Items   []*Attributes
}

// IsEmpty reports whether the value carries no data. An empty value in a
// query is a return key.
func (v *Value) IsEmpty() bool {
	if v == nil {
		return true
	}
	switch {
	case v.VR == VRSQ:
		return len(v.Items) == 0
	case len(v.Bytes) > 0:
		return false
	}
	for _, s := range v.Strings {
		if s != "" {
			return false
		}
	}
	return true
}

func (v *Value) clone() *Value {
	c := &Value{VR: v.VR}
	if v.Strings != nil {
		c.Strings = append([]string(nil), v.Strings...)
	}
	if v.Bytes != nil {
		c.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.Items != nil {
		c.Items = make([]*Attributes, len(v.Items))
		for i, it := range v.Items {
			c.Items[i] = it.Clone()
		}
	}
	return c
}

// Attributes is a decoded DICOM data set keyed by tag. Iteration through
// Tags is in ascending tag order.
type Attributes struct {
	elems map[uint32]*element
}

type element struct {
	tag   Tag
	value *Value
}

// NewAttributes creates an empty attribute set.
func NewAttributes() *Attributes {
	return &Attributes{elems: make(map[uint32]*element)}
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.elems)
}

// Tags returns the tags present in ascending order.
func (a *Attributes) Tags() []Tag {
	if a == nil {
		return nil
	}
	keys := make([]uint32, 0, len(a.elems))
	for k := range a.elems {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	tags := make([]Tag, len(keys))
	for i, k := range keys {
		tags[i] = a.elems[k].tag
	}
	return tags
}

// SetValue stores v under tg, replacing any previous value.
func (a *Attributes) SetValue(tg Tag, v *Value) {
	a.elems[Key(tg)] = &element{tag: tg, value: v}
}

// Set stores a text value. Passing no values stores an empty (return) key.
func (a *Attributes) Set(tg Tag, vr VR, values ...string) {
	a.SetValue(tg, &Value{VR: vr, Strings: values})
}

// SetBytes stores a binary value.
func (a *Attributes) SetBytes(tg Tag, vr VR, b []byte) {
	a.SetValue(tg, &Value{VR: vr, Bytes: b})
}

// SetSequence stores a sequence of items.
func (a *Attributes) SetSequence(tg Tag, items ...*Attributes) {
	a.SetValue(tg, &Value{VR: VRSQ, Items: items})
}

// NewItem appends a new empty item to the sequence tg, creating it if needed.
func (a *Attributes) NewItem(tg Tag) *Attributes {
	item := NewAttributes()
	v, ok := a.Get(tg)
	if !ok || v.VR != VRSQ {
		a.SetSequence(tg, item)
		return item
	}
	v.Items = append(v.Items, item)
	return item
}

// Get returns the value stored under tg.
func (a *Attributes) Get(tg Tag) (*Value, bool) {
	if a == nil {
		return nil, false
	}
	e, ok := a.elems[Key(tg)]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Contains reports whether tg is present, even with an empty value.
func (a *Attributes) Contains(tg Tag) bool {
	_, ok := a.Get(tg)
	return ok
}

// HasValue reports whether tg is present with a non-empty value.
func (a *Attributes) HasValue(tg Tag) bool {
	v, ok := a.Get(tg)
	return ok && !v.IsEmpty()
}

// Remove deletes tg.
func (a *Attributes) Remove(tg Tag) {
	if a != nil {
		delete(a.elems, Key(tg))
	}
}

// String returns the first text value of tg, or "".
func (a *Attributes) String(tg Tag) string {
	v, ok := a.Get(tg)
	if !ok || len(v.Strings) == 0 {
		return ""
	}
	return v.Strings[0]
}

// Strings returns all non-empty text values of tg.
func (a *Attributes) Strings(tg Tag) []string {
	v, ok := a.Get(tg)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v.Strings))
	for _, s := range v.Strings {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Sequence returns the items of tg.
func (a *Attributes) Sequence(tg Tag) []*Attributes {
	v, ok := a.Get(tg)
	if !ok {
		return nil
	}
	return v.Items
}

// Item returns the first item of the sequence tg, or nil.
func (a *Attributes) Item(tg Tag) *Attributes {
	items := a.Sequence(tg)
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return nil
	}
	c := NewAttributes()
	for k, e := range a.elems {
		c.elems[k] = &element{tag: e.tag, value: e.value.clone()}
	}
	return c
}

// Merge copies every attribute of other into a. Values from other replace
// values already present.
func (a *Attributes) Merge(other *Attributes) {
	if other == nil {
		return
	}
	for k, e := range other.elems {
		a.elems[k] = &element{tag: e.tag, value: e.value.clone()}
	}
}

// Select returns a deep copy restricted to the given tags.
func (a *Attributes) Select(tags ...Tag) *Attributes {
	c := NewAttributes()
	for _, tg := range tags {
		if v, ok := a.Get(tg); ok {
			c.SetValue(tg, v.clone())
		}
	}
	return c
}

// MultiValue joins values with the DICOM value delimiter.
func MultiValue(values []string) string {
	return strings.Join(values, `\`)
}

// SplitMultiValue is the inverse of MultiValue. An empty string yields nil.
func SplitMultiValue(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, `\`)
}
