// Package fuzzy derives phonetic codes from person name components. The
// same implementation must be used when storing and when querying so that
// codes compare equal.
package fuzzy

import (
	"fmt"
	"strings"
)

// FuzzyStr maps a name component to its phonetic code.
type FuzzyStr interface {
	ToFuzzy(s string) string
}

// ByName returns the implementation registered under name.
func ByName(name string) (FuzzyStr, error) {
	switch strings.ToLower(name) {
	case "soundex":
		return Soundex{}, nil
	case "esoundex", "":
		return ESoundex{}, nil
	}
	return nil, fmt.Errorf("unknown fuzzy algorithm %q", name)
}

var codes = [26]byte{
	// A  B    C    D    E  F    G    H  I  J    K    L    M    N    O  P    Q    R    S    T    U  V    W  X    Y  Z
	0, '1', '2', '3', 0, '1', '2', 0, 0, '2', '2', '4', '5', '5', 0, '1', '2', '6', '2', '3', 0, '1', 0, '2', 0, '2',
}

// encode produces the letter followed by soundex digits, up to max digits
// (0 = unlimited).
func encode(s string, max int) string {
	var b strings.Builder
	var last byte
	first := true
	n := 0
	for _, r := range strings.ToUpper(s) {
		if r < 'A' || r > 'Z' {
			continue
		}
		c := codes[r-'A']
		if first {
			b.WriteRune(r)
			last = c
			first = false
			continue
		}
		switch {
		case c == 0:
			// H and W do not separate equal codes, vowels do.
			if r != 'H' && r != 'W' {
				last = 0
			}
		case c != last:
			if max > 0 && n == max {
				return b.String()
			}
			b.WriteByte(c)
			n++
			last = c
		}
	}
	return b.String()
}

// Soundex is the American soundex: first letter plus three digits.
type Soundex struct{}

func (Soundex) ToFuzzy(s string) string {
	code := encode(s, 3)
	if code == "" {
		return ""
	}
	return code + "000"[:4-len(code)]
}

// ESoundex is an extended soundex without the length limit and padding,
// which keeps long names distinguishable.
type ESoundex struct {
	// MaxLength limits the number of digits; zero means unlimited.
	MaxLength int
}

func (e ESoundex) ToFuzzy(s string) string {
	return encode(s, e.MaxLength)
}
