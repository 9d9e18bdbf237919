package resource

import (
	"bytes"
	"sort"
)

// DiffType represents the type of change detected between two snapshots.
type DiffType string

const (
	// DiffAdded indicates a new asset appeared in the snapshot.
	DiffAdded DiffType = "added"
	// DiffDeleted indicates an asset no longer exists.
	DiffDeleted DiffType = "deleted"
	// DiffModified indicates an asset's recorded configuration changed.
	DiffModified DiffType = "modified"
)

// EnvelopeDiff represents one asset-level change between two snapshots.
type EnvelopeDiff struct {
	Type     DiffType
	Key      string
	Current  *Envelope // nil for deleted assets
	Previous *Envelope // nil for added assets
}

// Key returns a unique key for identifying an asset across snapshots.
func Key(e Envelope) string {
	return e.Table() + "|" + e.AccountID + "|" + e.Region + "|" + e.ResourceID
}

// Diff compares two snapshots. The result is ordered by key.
func Diff(previous, current []Envelope) []EnvelopeDiff {
	prev := index(previous)
	curr := index(current)

	var diffs []EnvelopeDiff
	for key, p := range prev {
		c, ok := curr[key]
		if !ok {
			p := p
			diffs = append(diffs, EnvelopeDiff{Type: DiffDeleted, Key: key, Previous: &p})
			continue
		}
		if changed(p, c) {
			p, c := p, c
			diffs = append(diffs, EnvelopeDiff{Type: DiffModified, Key: key, Previous: &p, Current: &c})
		}
	}
	for key, c := range curr {
		if _, ok := prev[key]; !ok {
			c := c
			diffs = append(diffs, EnvelopeDiff{Type: DiffAdded, Key: key, Current: &c})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Key < diffs[j].Key })
	return diffs
}

// CountByType tallies diffs per change type.
func CountByType(diffs []EnvelopeDiff) map[DiffType]int {
	counts := make(map[DiffType]int, 3)
	for _, d := range diffs {
		counts[d.Type]++
	}
	return counts
}

func index(envelopes []Envelope) map[string]Envelope {
	m := make(map[string]Envelope, len(envelopes))
	for _, e := range envelopes {
		m[Key(e)] = e
	}
	return m
}

func changed(a, b Envelope) bool {
	return a.ARN != b.ARN ||
		a.Name != b.Name ||
		!bytes.Equal(a.Configuration, b.Configuration) ||
		!bytes.Equal(a.SupplementaryConfiguration, b.SupplementaryConfiguration) ||
		!bytes.Equal(a.Tags, b.Tags)
}
