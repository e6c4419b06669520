package dcm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DICOM JSON model (PS3.18 F.2).

type jsonElement struct {
	VR           string `json:"vr"`
	Value        []any  `json:"Value,omitempty"`
	InlineBinary string `json:"InlineBinary,omitempty"`
}

type jsonPersonName struct {
	Alphabetic  string `json:"Alphabetic,omitempty"`
	Ideographic string `json:"Ideographic,omitempty"`
	Phonetic    string `json:"Phonetic,omitempty"`
}

// MarshalJSON encodes the attribute set as a DICOM JSON object.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	out := make(map[string]jsonElement, a.Len())
	for _, tg := range a.Tags() {
		v, _ := a.Get(tg)
		e, err := toJSONElement(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", Hex(tg), err)
		}
		out[Hex(tg)] = e
	}
	return json.Marshal(out)
}

func toJSONElement(v *Value) (jsonElement, error) {
	e := jsonElement{VR: string(v.VR)}
	switch {
	case v.VR == VRSQ:
		for _, item := range v.Items {
			e.Value = append(e.Value, item)
		}
	case len(v.Bytes) > 0:
		e.InlineBinary = base64.StdEncoding.EncodeToString(v.Bytes)
	case v.VR == VRPN:
		for _, s := range v.Strings {
			if s == "" {
				e.Value = append(e.Value, nil)
				continue
			}
			pn := ParsePersonName(s)
			e.Value = append(e.Value, jsonPersonName{
				Alphabetic:  pn.Group(Alphabetic),
				Ideographic: pn.Group(Ideographic),
				Phonetic:    pn.Group(Phonetic),
			})
		}
	default:
		for _, s := range v.Strings {
			n, err := jsonScalar(v.VR, s)
			if err != nil {
				return e, err
			}
			e.Value = append(e.Value, n)
		}
	}
	return e, nil
}

func jsonScalar(vr VR, s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch vr {
	case VRIS, VRUS, VRUL, "SS", "SL", "SV", "UV":
		n, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", vr, s)
		}
		return n, nil
	case VRDS, "FL", "FD":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", vr, s)
		}
		return f, nil
	}
	return s, nil
}

// UnmarshalJSON decodes a DICOM JSON object.
func (a *Attributes) UnmarshalJSON(b []byte) error {
	var raw map[string]struct {
		VR           string            `json:"vr"`
		Value        []json.RawMessage `json:"Value"`
		InlineBinary string            `json:"InlineBinary"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if a.elems == nil {
		a.elems = make(map[uint32]*element)
	}
	for key, e := range raw {
		tg, err := ParseTag(key)
		if err != nil {
			return err
		}
		vr := VR(e.VR)
		if vr == "" {
			vr = VROf(tg)
		}
		v := &Value{VR: vr}
		switch {
		case vr == VRSQ:
			for _, r := range e.Value {
				item := NewAttributes()
				if err := json.Unmarshal(r, item); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				v.Items = append(v.Items, item)
			}
		case e.InlineBinary != "":
			if v.Bytes, err = base64.StdEncoding.DecodeString(e.InlineBinary); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		default:
			for _, r := range e.Value {
				s, err := jsonString(vr, r)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				v.Strings = append(v.Strings, s)
			}
		}
		a.SetValue(tg, v)
	}
	return nil
}

func jsonString(vr VR, r json.RawMessage) (string, error) {
	if string(r) == "null" {
		return "", nil
	}
	if vr == VRPN && len(r) > 0 && r[0] == '{' {
		var pn jsonPersonName
		if err := json.Unmarshal(r, &pn); err != nil {
			return "", err
		}
		var name PersonName
		for g, s := range []string{pn.Alphabetic, pn.Ideographic, pn.Phonetic} {
			comps := strings.SplitN(s, "^", 5)
			for c, comp := range comps {
				if comp != "" {
					name.Set(NameGroup(g), NameComponent(c), comp)
				}
			}
		}
		return name.String(), nil
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(r, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
