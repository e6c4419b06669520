package store

import (
	"strings"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
)

// Combine folds the aggregates of one more child into cur. When first is set
// cur describes no children yet and the child's values are taken as is.
//
// Retrieve AETs intersect, the external AET survives only while every child
// agrees, and availability takes the worst value.
func Combine(cur models.Aggregates, first bool, child models.Aggregates) models.Aggregates {
	if first {
		return child
	}
	return models.Aggregates{
		RetrieveAETs:        intersectAETs(cur.RetrieveAETs, child.RetrieveAETs),
		ExternalRetrieveAET: agree(cur.ExternalRetrieveAET, child.ExternalRetrieveAET),
		Availability:        archive.Worst(cur.Availability, child.Availability),
	}
}

// Reduce computes the aggregates over all children.
func Reduce(children []models.Aggregates) models.Aggregates {
	var out models.Aggregates
	for i, c := range children {
		out = Combine(out, i == 0, c)
	}
	return out
}

func intersectAETs(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	in := make(map[string]bool)
	for _, aet := range dcm.SplitMultiValue(b) {
		in[aet] = true
	}
	var out []string
	for _, aet := range dcm.SplitMultiValue(a) {
		if in[aet] {
			out = append(out, aet)
		}
	}
	return dcm.MultiValue(out)
}

func agree(a, b string) string {
	if a == b {
		return a
	}
	return ""
}

// JoinAETs normalizes a list of AE titles to the stored form.
func JoinAETs(aets []string) string {
	seen := make(map[string]bool, len(aets))
	out := make([]string, 0, len(aets))
	for _, aet := range aets {
		aet = strings.TrimSpace(aet)
		if aet != "" && !seen[aet] {
			seen[aet] = true
			out = append(out, aet)
		}
	}
	return dcm.MultiValue(out)
}

// hasMember reports whether the multi-valued set contains v.
func hasMember(set, v string) bool {
	for _, s := range dcm.SplitMultiValue(set) {
		if s == v {
			return true
		}
	}
	return false
}
