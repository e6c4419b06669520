// Package archive holds the vocabulary shared by the query, locate and
// store engines.
package archive

import (
	"fmt"
	"strings"
)

// Level is a Query/Retrieve level.
type Level int

const (
	Patient Level = iota
	Study
	Series
	Image
)

var levelNames = [...]string{"PATIENT", "STUDY", "SERIES", "IMAGE"}

func (l Level) String() string {
	if l < Patient || l > Image {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four levels.
func (l Level) Valid() bool {
	return l >= Patient && l <= Image
}

// ParseLevel parses a QueryRetrieveLevel value.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return 0, NewQueryError(InvalidLevel, "QueryRetrieveLevel", fmt.Sprintf("unknown level %q", s))
}

// QueryOptions are the per-request matching options.
type QueryOptions struct {
	FuzzyMatching    bool
	CombinedDateTime bool
	MatchUnknown     bool
	Relational       bool
	// Roles restrict results to studies the roles may query. Empty disables
	// the access control predicate.
	Roles  []string
	Offset int
	Limit  int
}

// Availability is the storage tier of instance data. Larger is worse.
type Availability int

const (
	Online Availability = iota
	Nearline
	Offline
	Unavailable
)

var availabilityNames = [...]string{"ONLINE", "NEARLINE", "OFFLINE", "UNAVAILABLE"}

func (a Availability) String() string {
	if a < Online || a > Unavailable {
		return "UNAVAILABLE"
	}
	return availabilityNames[a]
}

// ParseAvailability parses ONLINE, NEARLINE, OFFLINE or UNAVAILABLE.
func ParseAvailability(s string) (Availability, error) {
	for i, name := range availabilityNames {
		if strings.EqualFold(s, name) {
			return Availability(i), nil
		}
	}
	return 0, fmt.Errorf("unknown availability %q", s)
}

// Worst returns the less available of a and b.
func Worst(a, b Availability) Availability {
	if b > a {
		return b
	}
	return a
}
