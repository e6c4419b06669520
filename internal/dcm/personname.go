package dcm

import "strings"

// NameGroup selects one of the three component groups of a PN value.
type NameGroup int

const (
	Alphabetic NameGroup = iota
	Ideographic
	Phonetic
)

// NameComponent selects one component within a component group.
type NameComponent int

const (
	FamilyName NameComponent = iota
	GivenName
	MiddleName
	NamePrefix
	NameSuffix
)

// PersonName is a parsed PN value: up to three "="-separated component
// groups of up to five "^"-separated components each.
type PersonName struct {
	groups    [3][5]string
	specified int
}

// ParsePersonName parses a PN value.
func ParsePersonName(s string) PersonName {
	var pn PersonName
	if s == "" {
		return pn
	}
	groups := strings.SplitN(s, "=", 3)
	pn.specified = len(groups)
	for g, group := range groups {
		comps := strings.SplitN(group, "^", 5)
		for c, comp := range comps {
			pn.groups[g][c] = strings.TrimSpace(comp)
		}
	}
	return pn
}

// Get returns a single component.
func (p PersonName) Get(g NameGroup, c NameComponent) string {
	return p.groups[g][c]
}

// Set replaces a single component.
func (p *PersonName) Set(g NameGroup, c NameComponent, v string) {
	p.groups[g][c] = v
	if int(g) >= p.specified {
		p.specified = int(g) + 1
	}
}

// Group formats one component group, trimming trailing empty components.
func (p PersonName) Group(g NameGroup) string {
	comps := p.groups[g][:]
	n := len(comps)
	for n > 0 && comps[n-1] == "" {
		n--
	}
	return strings.Join(comps[:n], "^")
}

// Groups returns the number of component groups written in the source value.
// A value without "=" specifies only the alphabetic group.
func (p PersonName) Groups() int {
	return p.specified
}

// IsEmpty reports whether no component carries a value.
func (p PersonName) IsEmpty() bool {
	for g := range p.groups {
		if p.Group(NameGroup(g)) != "" {
			return false
		}
	}
	return true
}

// String formats the name back to PN form.
func (p PersonName) String() string {
	n := 3
	for n > 0 && p.Group(NameGroup(n-1)) == "" {
		n--
	}
	parts := make([]string, n)
	for g := 0; g < n; g++ {
		parts[g] = p.Group(NameGroup(g))
	}
	return strings.Join(parts, "=")
}
