package dcm

import (
	"fmt"
	"strings"
)

// TemporalKind distinguishes DA, TM and DT values.
type TemporalKind int

const (
	KindDate TemporalKind = iota
	KindTime
	KindDateTime
)

// Canonical stored widths: DA "YYYYMMDD", TM "HHMMSS.FFF",
// DT "YYYYMMDDHHMMSS.FFF". Values of equal width compare lexically in
// chronological order.
const dateWidth = 8

// Range is a DICOM range matching value. An empty bound is open.
type Range struct {
	Start string
	End   string
}

// Open reports whether either bound is missing.
func (r Range) Open() bool {
	return r.Start == "" || r.End == ""
}

// ParseRange splits "start", "start-", "-end" or "start-end". A single
// value yields a range with equal bounds.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	switch strings.Count(s, "-") {
	case 0:
		if s == "" {
			return Range{}, fmt.Errorf("empty range")
		}
		return Range{Start: s, End: s}, nil
	case 1:
		i := strings.IndexByte(s, '-')
		r := Range{Start: s[:i], End: s[i+1:]}
		if r.Start == "" && r.End == "" {
			return Range{}, fmt.Errorf("range %q has no bounds", s)
		}
		return r, nil
	default:
		return Range{}, fmt.Errorf("malformed range %q", s)
	}
}

// Normalize formats a value of the given kind to its canonical width. With
// ceil set, missing precision is filled with the largest digits so that the
// result is an inclusive upper bound.
func Normalize(kind TemporalKind, s string, ceil bool) (string, error) {
	switch kind {
	case KindDate:
		return NormalizeDate(s, ceil)
	case KindTime:
		return NormalizeTime(s, ceil)
	default:
		return NormalizeDateTime(s, ceil)
	}
}

// NormalizeRange normalizes both bounds of r. Open bounds stay empty.
func NormalizeRange(kind TemporalKind, r Range) (Range, error) {
	var out Range
	var err error
	if r.Start != "" {
		if out.Start, err = Normalize(kind, r.Start, false); err != nil {
			return Range{}, err
		}
	}
	if r.End != "" {
		if out.End, err = Normalize(kind, r.End, true); err != nil {
			return Range{}, err
		}
	}
	return out, nil
}

// NormalizeDate accepts YYYY, YYYYMM, YYYYMMDD and the legacy YYYY.MM.DD.
func NormalizeDate(s string, ceil bool) (string, error) {
	d := strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	if !digits(d) {
		return "", fmt.Errorf("invalid date %q", s)
	}
	switch len(d) {
	case 4:
		if ceil {
			return d + "1231", nil
		}
		return d + "0101", nil
	case 6:
		if ceil {
			return d + "31", nil
		}
		return d + "01", nil
	case dateWidth:
		return d, nil
	}
	return "", fmt.Errorf("invalid date %q", s)
}

// NormalizeTime accepts HH, HHMM, HHMMSS with an optional fraction, and
// the legacy HH:MM:SS form.
func NormalizeTime(s string, ceil bool) (string, error) {
	v := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	whole, frac, hasFrac := strings.Cut(v, ".")
	if !digits(whole) || (hasFrac && !digits(frac)) {
		return "", fmt.Errorf("invalid time %q", s)
	}
	switch len(whole) {
	case 2, 4, 6:
	default:
		return "", fmt.Errorf("invalid time %q", s)
	}
	if whole[:2] > "23" {
		return "", fmt.Errorf("invalid time %q", s)
	}
	pad := "0000"
	if ceil {
		pad = "5959"
	}
	whole += pad[:6-len(whole)]
	if len(frac) > 3 {
		frac = frac[:3]
	}
	fill := "000"
	if ceil {
		fill = "999"
	}
	frac += fill[:3-len(frac)]
	return whole + "." + frac, nil
}

// NormalizeDateTime accepts YYYY[MM[DD[HH[MM[SS[.F]]]]]] with an optional
// trailing UTC offset, which is dropped.
func NormalizeDateTime(s string, ceil bool) (string, error) {
	v := strings.TrimSpace(s)
	if n := len(v); n > 5 && (v[n-5] == '+' || v[n-5] == '-') && digits(v[n-4:]) {
		v = v[:n-5]
	}
	if len(v) < 4 {
		return "", fmt.Errorf("invalid datetime %q", s)
	}
	datePart, timePart := v, ""
	if len(v) > dateWidth {
		datePart, timePart = v[:dateWidth], v[dateWidth:]
	}
	d, err := NormalizeDate(datePart, ceil)
	if err != nil {
		return "", fmt.Errorf("invalid datetime %q", s)
	}
	if timePart == "" {
		if ceil {
			return d + "235959.999", nil
		}
		return d + "000000.000", nil
	}
	tm, err := NormalizeTime(timePart, ceil)
	if err != nil {
		return "", fmt.Errorf("invalid datetime %q", s)
	}
	return d + tm, nil
}

// MinTime and MaxTime bound every canonical TM value.
const (
	MinTime = "000000.000"
	MaxTime = "235959.999"
)

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
