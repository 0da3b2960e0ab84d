// Package sparse turns a disk image occupancy map into a normalized list
// of extents and builds transfer plans containing only the ranges that
// actually hold data.
package sparse

import (
	"fmt"
	"sort"
)

// Extent is a contiguous byte range within a disk image, tagged as holding
// data or only zeroes. A valid extent list is sorted by offset, has no
// overlaps, covers [0, virtual_size) completely and never contains two
// consecutive extents with the same tag.
type Extent struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Data   bool   `json:"data"`
}

// MapEntry is a raw occupancy record as reported by an image driver.
// Drivers that report only data ranges leave the gaps implicit;
// others report explicit zero ranges.
type MapEntry struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Data   bool   `json:"data"`
	Zero   bool   `json:"zero"`
}

// AnalysisError indicates a malformed or internally inconsistent occupancy
// map. It is not retryable: the caller should fall back to a full copy.
type AnalysisError struct {
	Reason string
}

func (e *AnalysisError) Error() string {
	return "occupancy map analysis: " + e.Reason
}

func IsAnalysisError(err error) bool {
	if _, ok := err.(*AnalysisError); ok {
		return true
	}

	return false
}

// Analyze normalizes a driver-reported occupancy map into a complete,
// sorted, merged extent list spanning [0, virtualSize).
func Analyze(entries []MapEntry, virtualSize uint64) ([]Extent, error) {
	sorted := make([]MapEntry, len(entries))
	copy(sorted, entries)

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	extents := make([]Extent, 0, 2*len(sorted)+1)

	var pos uint64

	for _, e := range sorted {
		if e.Length == 0 {
			return nil, &AnalysisError{fmt.Sprintf("zero-length entry at offset %d", e.Start)}
		}
		if e.Start < pos {
			return nil, &AnalysisError{fmt.Sprintf("overlapping entry at offset %d", e.Start)}
		}
		if e.Start+e.Length < e.Start || e.Start+e.Length > virtualSize {
			return nil, &AnalysisError{fmt.Sprintf("entry [%d, %d) exceeds virtual size %d", e.Start, e.Start+e.Length, virtualSize)}
		}

		// Implicit gap between reported entries is a zero region
		if e.Start > pos {
			extents = append(extents, Extent{Offset: pos, Length: e.Start - pos})
		}

		extents = append(extents, Extent{
			Offset: e.Start,
			Length: e.Length,
			Data:   e.Data && !e.Zero,
		})

		pos = e.Start + e.Length
	}

	if pos < virtualSize {
		extents = append(extents, Extent{Offset: pos, Length: virtualSize - pos})
	}

	return Merge(extents), nil
}

// Merge collapses adjacent extents with the same data tag. The input must
// already be sorted and gap-free. Merging is idempotent.
func Merge(extents []Extent) []Extent {
	if len(extents) == 0 {
		return extents
	}

	merged := make([]Extent, 0, len(extents))
	merged = append(merged, extents[0])

	for _, e := range extents[1:] {
		last := &merged[len(merged)-1]

		if e.Data == last.Data && last.Offset+last.Length == e.Offset {
			last.Length += e.Length
		} else {
			merged = append(merged, e)
		}
	}

	return merged
}

// TransferPlan is the data-only view of an extent list: the minimal set of
// byte ranges that must be copied to reproduce the disk on a zero-filled
// destination.
type TransferPlan struct {
	Extents     []Extent `json:"extents"`
	VirtualSize uint64   `json:"virtual_size"`
	DataBytes   uint64   `json:"data_bytes"`
}

// NewTransferPlan validates an extent list and filters it down to its data
// extents. An all-zero disk yields a plan with no extents at all.
func NewTransferPlan(extents []Extent, virtualSize uint64) (*TransferPlan, error) {
	plan := TransferPlan{
		Extents:     make([]Extent, 0, len(extents)),
		VirtualSize: virtualSize,
	}

	var pos uint64

	for _, e := range extents {
		if e.Length == 0 {
			return nil, &AnalysisError{fmt.Sprintf("zero-length extent at offset %d", e.Offset)}
		}
		if e.Offset < pos {
			return nil, &AnalysisError{fmt.Sprintf("unsorted or overlapping extent at offset %d", e.Offset)}
		}
		if e.Offset+e.Length < e.Offset || e.Offset+e.Length > virtualSize {
			return nil, &AnalysisError{fmt.Sprintf("extent [%d, %d) exceeds virtual size %d", e.Offset, e.Offset+e.Length, virtualSize)}
		}

		pos = e.Offset + e.Length

		if e.Data {
			plan.Extents = append(plan.Extents, e)
			plan.DataBytes += e.Length
		}
	}

	return &plan, nil
}

// FullPlan is the fallback plan for disks whose occupancy map cannot be
// read: a single data extent covering the whole virtual size.
func FullPlan(virtualSize uint64) *TransferPlan {
	plan := TransferPlan{VirtualSize: virtualSize}

	if virtualSize > 0 {
		plan.Extents = []Extent{{Offset: 0, Length: virtualSize, Data: true}}
		plan.DataBytes = virtualSize
	}

	return &plan
}

// SavingsRatio reports the fraction of the virtual size that does not
// have to be transferred.
func (p *TransferPlan) SavingsRatio() float64 {
	if p.VirtualSize == 0 {
		return 0
	}

	return 1 - float64(p.DataBytes)/float64(p.VirtualSize)
}
